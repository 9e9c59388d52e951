package master

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, ids ...string) *Registry {
	t.Helper()
	r := NewRegistry()
	for i, id := range ids {
		require.NoError(t, r.Add(id, "127.0.0.1", 5000+i, nil))
	}
	return r
}

func TestRegistryAddRemove(t *testing.T) {
	r := newTestRegistry(t, "w1", "w2", "w3")
	assert.ErrorIs(t, r.Add("w1", "h", 1, nil), ErrDuplicateWorker)
	assert.Error(t, r.Add("", "h", 1, nil))
	assert.Error(t, r.Add("x", "h", 0, nil))

	require.NoError(t, r.Remove("w2"))
	assert.ErrorIs(t, r.Remove("w2"), ErrUnknownWorker)

	var ids []string
	for _, w := range r.List() {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"w1", "w3"}, ids)
	assert.Equal(t, 2, r.Len())
}

func TestRegistryReturnsCopies(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add("w1", "h", 1, []string{"gpu"}))

	w, ok := r.Get("w1")
	require.True(t, ok)
	w.Status = WorkerBusy
	w.Capabilities[0] = "tampered"

	again, _ := r.Get("w1")
	assert.Equal(t, WorkerIdle, again.Status)
	assert.Equal(t, []string{"gpu"}, again.Capabilities)
	assert.Equal(t, "http://h:1/health", again.URL("/health"))
}

func TestRegistryAvailableOrder(t *testing.T) {
	r := newTestRegistry(t, "w1", "w2", "w3")
	w, ok := r.Available()
	require.True(t, ok)
	assert.Equal(t, "w1", w.ID)

	require.NoError(t, r.TryReserve("w1", "t1"))
	r.MarkProbe("w2", false, time.Now())
	w, ok = r.Available()
	require.True(t, ok)
	assert.Equal(t, "w3", w.ID)

	require.NoError(t, r.TryReserve("w3", "t3"))
	_, ok = r.Available()
	assert.False(t, ok)
}

func TestRegistryReserveRelease(t *testing.T) {
	r := newTestRegistry(t, "w1")
	assert.ErrorIs(t, r.TryReserve("nope", "t"), ErrUnknownWorker)

	require.NoError(t, r.TryReserve("w1", "t1"))
	assert.ErrorIs(t, r.TryReserve("w1", "t2"), ErrWorkerNotIdle)

	assert.False(t, r.Release("w1", "t2"), "release with a stale task id must not free the worker")
	w, _ := r.Get("w1")
	assert.Equal(t, WorkerBusy, w.Status)
	assert.Equal(t, "t1", w.CurrentTask)

	assert.True(t, r.Release("w1", "t1"))
	w, _ = r.Get("w1")
	assert.Equal(t, WorkerIdle, w.Status)
	assert.Empty(t, w.CurrentTask)
}

func TestRegistryMarkProbe(t *testing.T) {
	r := newTestRegistry(t, "w1")
	require.NoError(t, r.TryReserve("w1", "t1"))

	r.MarkProbe("w1", false, time.Now())
	w, _ := r.Get("w1")
	assert.Equal(t, WorkerOffline, w.Status)
	assert.Equal(t, "t1", w.CurrentTask, "offline keeps its task")
	assert.ErrorIs(t, r.TryReserve("w1", "t2"), ErrWorkerNotIdle)

	at := time.Now()
	r.MarkProbe("w1", true, at)
	w, _ = r.Get("w1")
	assert.Equal(t, WorkerBusy, w.Status)
	assert.Equal(t, at, w.LastHeartbeat)

	require.True(t, r.Release("w1", "t1"))
	r.MarkProbe("w1", false, time.Now())
	r.MarkProbe("w1", true, time.Now())
	w, _ = r.Get("w1")
	assert.Equal(t, WorkerIdle, w.Status)

	r.MarkProbe("ghost", true, time.Now())
}

func TestRegistryReleaseWhileOffline(t *testing.T) {
	r := newTestRegistry(t, "w1")
	require.NoError(t, r.TryReserve("w1", "t1"))
	r.MarkProbe("w1", false, time.Now())

	assert.True(t, r.Release("w1", "t1"))
	w, _ := r.Get("w1")
	assert.Equal(t, WorkerOffline, w.Status)
	assert.Empty(t, w.CurrentTask)
}

func TestRegistryReconcileDetached(t *testing.T) {
	r := newTestRegistry(t, "w1")
	require.NoError(t, r.TryReserve("w1", "t1"))

	assert.False(t, r.Reconcile("w1", ""), "a followed reservation is never cleared")
	assert.False(t, r.Detach("w1", "other"))
	require.True(t, r.Detach("w1", "t1"))

	assert.False(t, r.Reconcile("w1", "t1"), "still running the task")
	w, _ := r.Get("w1")
	assert.Equal(t, WorkerBusy, w.Status)

	assert.True(t, r.Reconcile("w1", ""))
	w, _ = r.Get("w1")
	assert.Equal(t, WorkerIdle, w.Status)
	assert.Empty(t, w.CurrentTask)

	// a new reservation starts out followed
	require.NoError(t, r.TryReserve("w1", "t2"))
	assert.False(t, r.Reconcile("w1", "t9"))

	// a detached offline worker drops the task and stays offline until probed
	require.True(t, r.Detach("w1", "t2"))
	r.MarkProbe("w1", false, time.Now())
	assert.True(t, r.Reconcile("w1", ""))
	w, _ = r.Get("w1")
	assert.Equal(t, WorkerOffline, w.Status)
	assert.False(t, r.Reconcile("ghost", ""))
}

func TestRegistrySetStatus(t *testing.T) {
	r := newTestRegistry(t, "w1")
	assert.ErrorIs(t, r.SetStatus("w1", WorkerBusy), ErrInvalidTransition, "busy needs a task")
	assert.ErrorIs(t, r.SetStatus("w1", "bogus"), ErrInvalidTransition)
	assert.ErrorIs(t, r.SetStatus("nope", WorkerIdle), ErrUnknownWorker)

	require.NoError(t, r.SetStatus("w1", WorkerOffline))
	require.NoError(t, r.SetStatus("w1", WorkerIdle))

	require.NoError(t, r.TryReserve("w1", "t"))
	require.NoError(t, r.SetStatus("w1", WorkerIdle))
	w, _ := r.Get("w1")
	assert.Empty(t, w.CurrentTask)
}

func TestWorkerStatusTransitions(t *testing.T) {
	valid := map[WorkerStatus][]WorkerStatus{
		WorkerIdle:    {WorkerBusy, WorkerOffline},
		WorkerBusy:    {WorkerIdle, WorkerOffline},
		WorkerOffline: {WorkerIdle, WorkerBusy},
	}
	for from, tos := range valid {
		for _, to := range tos {
			assert.True(t, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	assert.False(t, WorkerStatus("weird").CanTransition(WorkerIdle))
}

func TestRegistrySummary(t *testing.T) {
	r := newTestRegistry(t, "w1", "w2", "w3", "w4")
	require.NoError(t, r.TryReserve("w1", "t"))
	r.MarkProbe("w2", false, time.Now())
	assert.Equal(t, Summary{Total: 4, Idle: 2, Busy: 1, Offline: 1}, r.Summary())
}

func TestTryReserveConcurrentSingleFlight(t *testing.T) {
	r := newTestRegistry(t, "w1")
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.TryReserve("w1", fmt.Sprintf("t%d", i)) == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestTryReserveProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one of N concurrent reservations wins", prop.ForAll(
		func(workers, callers int) bool {
			r := NewRegistry()
			for i := 0; i < workers; i++ {
				if r.Add(fmt.Sprintf("w%d", i), "127.0.0.1", 5000+i, nil) != nil {
					return false
				}
			}
			wins := make([]int, workers)
			var mu sync.Mutex
			var wg sync.WaitGroup
			for c := 0; c < callers; c++ {
				wg.Add(1)
				go func(c int) {
					defer wg.Done()
					id := c % workers
					if r.TryReserve(fmt.Sprintf("w%d", id), fmt.Sprintf("t%d", c)) == nil {
						mu.Lock()
						wins[id]++
						mu.Unlock()
					}
				}(c)
			}
			wg.Wait()

			for i, n := range wins {
				contended := callers > i
				if contended && n != 1 || !contended && n != 0 {
					return false
				}
			}
			s := r.Summary()
			return s.Busy == min(workers, callers) && s.Idle == workers-s.Busy
		},
		gen.IntRange(1, 6),
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}
