package master

import (
	"context"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlakeLiAFK/kelemesh/internal/config"
	"github.com/BlakeLiAFK/kelemesh/internal/engine"
	"github.com/BlakeLiAFK/kelemesh/internal/planner"
	"github.com/BlakeLiAFK/kelemesh/internal/task"
	"github.com/BlakeLiAFK/kelemesh/internal/tools"
	"github.com/BlakeLiAFK/kelemesh/internal/worker"
)

func testTools() *tools.Registry {
	return tools.DefaultRegistry(config.ToolsConfig{MaxOutputSize: 4096, MaxWriteSize: 4096}, nil)
}

// startWorker runs a real worker server on a loopback listener and
// registers it under id.
func startWorker(t *testing.T, reg *Registry, id string, eng engine.Engine) *worker.Executor {
	t.Helper()
	scratch, err := worker.OpenScratch(t.TempDir(), id)
	require.NoError(t, err)
	exec := worker.NewExecutor(testTools(), eng, scratch, worker.Options{WorkerID: id})
	srv := worker.NewServer(exec, worker.ServerOptions{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		scratch.Close()
	})

	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, reg.Add(id, "127.0.0.1", addr.Port, nil))
	return exec
}

func TestEndToEndDispatch(t *testing.T) {
	var workDir atomic.Value
	eng := engine.Func(func(ctx context.Context, desc string, ts *tools.Toolset) (engine.Result, error) {
		workDir.Store(ts.WorkDir())
		if _, err := ts.Call(ctx, "write_file", `{"path":"out.txt","content":"x"}`); err != nil {
			return engine.Result{}, err
		}
		return engine.Result{Output: strings.ToUpper(desc), ToolCalls: ts.Calls()}, nil
	})

	reg := NewRegistry()
	exec := startWorker(t, reg, "w1", eng)
	client := NewWorkerClient(2 * time.Second)
	pool := NewWorkerPool(reg, client, PoolOptions{PollInterval: 50 * time.Millisecond})

	mon := NewHealthMonitor(reg, client, time.Hour, time.Second, nil)
	require.Equal(t, map[string]bool{"w1": true}, mon.CheckAll(context.Background()))

	st := &task.SubTask{TaskID: "e2e-1", Description: "write a file", Skills: []string{"file_ops"}}
	start := time.Now()
	out := pool.Execute(context.Background(), st, "", 10*time.Second)
	require.True(t, out.Success, out.Error)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "WRITE A FILE", out.Data.Output)
	assert.Equal(t, 1, out.Data.ToolCalls)

	w, _ := reg.Get("w1")
	assert.Equal(t, WorkerIdle, w.Status)
	assert.Empty(t, w.CurrentTask)

	dir, _ := workDir.Load().(string)
	require.NotEmpty(t, dir)
	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond, "worker scratch dir must be destroyed")

	st2 := &task.SubTask{TaskID: "e2e-2", Description: "again", Skills: []string{"file_ops"}}
	require.Eventually(t, func() bool {
		_, busy := exec.Current()
		return !busy
	}, time.Second, 10*time.Millisecond)
	out = pool.Execute(context.Background(), st2, "w1", 10*time.Second)
	assert.True(t, out.Success, out.Error)
}

func TestEndToEndBusyWorkerRejects(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	eng := engine.Func(func(ctx context.Context, _ string, _ *tools.Toolset) (engine.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return engine.Result{}, nil
	})

	reg := NewRegistry()
	exec := startWorker(t, reg, "w1", eng)
	require.NoError(t, exec.Submit(task.Spec{TaskID: "direct", Description: "occupy"}))

	pool := NewWorkerPool(reg, NewWorkerClient(time.Second), PoolOptions{PollInterval: 20 * time.Millisecond})
	st := &task.SubTask{TaskID: "t1", Description: "x"}
	assert.False(t, pool.Assign(context.Background(), "w1", st, 0), "worker gate answers 409")

	w, _ := reg.Get("w1")
	assert.Equal(t, WorkerIdle, w.Status, "rollback restores idle")
}

func TestEndToEndTimeoutCancelsOnWorker(t *testing.T) {
	eng := engine.Func(func(ctx context.Context, _ string, _ *tools.Toolset) (engine.Result, error) {
		<-ctx.Done()
		return engine.Result{}, ctx.Err()
	})
	reg := NewRegistry()
	exec := startWorker(t, reg, "w1", eng)
	pool := NewWorkerPool(reg, NewWorkerClient(time.Second), PoolOptions{PollInterval: 20 * time.Millisecond})

	out := pool.Execute(context.Background(), &task.SubTask{TaskID: "slow", Description: "hang"}, "", 100*time.Millisecond)
	assert.Equal(t, task.OutcomeTimeout, out.Kind)

	require.Eventually(t, func() bool {
		_, busy := exec.Current()
		return !busy
	}, 2*time.Second, 10*time.Millisecond)
	rec, err := exec.Result("slow")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, rec.Status)
}

func TestHubDelegatesComplexRequest(t *testing.T) {
	eng := engine.Func(func(_ context.Context, desc string, _ *tools.Toolset) (engine.Result, error) {
		return engine.Result{Output: "did " + desc}, nil
	})
	reg := NewRegistry()
	startWorker(t, reg, "w1", eng)
	startWorker(t, reg, "w2", eng)
	pool := NewWorkerPool(reg, NewWorkerClient(time.Second), PoolOptions{PollInterval: 20 * time.Millisecond})
	hub := NewHub(HubOptions{Pool: pool})

	res, err := hub.Submit(context.Background(), "download the page and fetch the feed", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, planner.Delegated, res.Plan.Locality)
	require.Len(t, res.Outcomes, 2)
	assert.True(t, res.Success)
	assert.Nil(t, res.Local)

	workers := map[string]bool{}
	for i, o := range res.Outcomes {
		assert.True(t, o.Success, o.Error)
		assert.Equal(t, res.Plan.SubTasks[i].TaskID, o.TaskID)
		assert.Equal(t, "did "+res.Plan.SubTasks[i].Description, o.Data.Output)
		assert.Equal(t, task.SubTaskCompleted, res.Plan.SubTasks[i].Status)
		workers[o.WorkerID] = true
	}
	assert.Len(t, workers, 2)
}

func TestHubCapacityWhenMoreSubtasksThanWorkers(t *testing.T) {
	release := make(chan struct{})
	eng := engine.Func(func(ctx context.Context, desc string, _ *tools.Toolset) (engine.Result, error) {
		<-release
		return engine.Result{Output: desc}, nil
	})
	reg := NewRegistry()
	startWorker(t, reg, "w1", eng)
	pool := NewWorkerPool(reg, NewWorkerClient(time.Second), PoolOptions{PollInterval: 20 * time.Millisecond})
	hub := NewHub(HubOptions{Pool: pool})

	time.AfterFunc(200*time.Millisecond, func() { close(release) })
	res, err := hub.Submit(context.Background(), "fetch a, fetch b", 5*time.Second)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	assert.False(t, res.Success)

	kinds := map[task.OutcomeKind]int{}
	for _, o := range res.Outcomes {
		kinds[o.Kind]++
	}
	assert.Equal(t, 1, kinds[""], "one subtask runs")
	assert.Equal(t, 1, kinds[task.OutcomeCapacity], "the other finds no idle worker")
}

func TestHubLocalPlan(t *testing.T) {
	var names []string
	eng := engine.Func(func(_ context.Context, desc string, ts *tools.Toolset) (engine.Result, error) {
		names = ts.Names()
		return engine.Result{Output: "local: " + desc, ToolCalls: 0}, nil
	})
	scratch, err := worker.OpenScratch(t.TempDir(), "master")
	require.NoError(t, err)
	defer scratch.Close()

	hub := NewHub(HubOptions{
		Pool:    NewWorkerPool(NewRegistry(), NewWorkerClient(time.Second), PoolOptions{}),
		Engine:  eng,
		Tools:   testTools(),
		Scratch: scratch,
	})

	res, err := hub.Submit(context.Background(), "read file notes.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, planner.Simple, res.Plan.Complexity)
	require.NotNil(t, res.Local)
	assert.True(t, res.Success)
	assert.Equal(t, "local: read file notes.txt", res.Local.Output)
	assert.Contains(t, names, "shell")
	assert.Contains(t, names, "weather")

	entries, err := os.ReadDir(scratch.Root())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "kelemesh-local-"), "leaked %s", e.Name())
	}
}

func TestHubLocalWithoutEngine(t *testing.T) {
	hub := NewHub(HubOptions{Pool: NewWorkerPool(NewRegistry(), NewWorkerClient(time.Second), PoolOptions{})})
	res, err := hub.Submit(context.Background(), "write a haiku", 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrNoLocalEngine.Error(), res.Local.Error)

	_, err = hub.Submit(context.Background(), "   ", 0)
	assert.ErrorIs(t, err, task.ErrInvalidTask)
}

func TestHubCancelTask(t *testing.T) {
	started := make(chan struct{})
	eng := engine.Func(func(ctx context.Context, _ string, _ *tools.Toolset) (engine.Result, error) {
		close(started)
		<-ctx.Done()
		return engine.Result{}, ctx.Err()
	})
	reg := NewRegistry()
	startWorker(t, reg, "w1", eng)
	pool := NewWorkerPool(reg, NewWorkerClient(time.Second), PoolOptions{PollInterval: 20 * time.Millisecond})
	hub := NewHub(HubOptions{Pool: pool})

	done := make(chan *SubmitResult, 1)
	go func() {
		res, _ := hub.Submit(context.Background(), "scrape everything", 10*time.Second)
		done <- res
	}()
	<-started

	var taskID string
	for _, w := range reg.List() {
		taskID = w.CurrentTask
	}
	require.NotEmpty(t, taskID)
	wid, ok := hub.CancelTask(context.Background(), taskID)
	assert.True(t, ok)
	assert.Equal(t, "w1", wid)

	select {
	case res := <-done:
		require.Len(t, res.Outcomes, 1)
		assert.Equal(t, "cancelled", res.Outcomes[0].Error)
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not finish after cancel")
	}

	_, ok = hub.CancelTask(context.Background(), "unknown")
	assert.False(t, ok)
}
