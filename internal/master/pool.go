package master

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BlakeLiAFK/kelemesh/internal/task"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultAssignTimeout = 10 * time.Second
	DefaultTaskTimeout   = 300 * time.Second

	cancelGrace = 5 * time.Second
)

// Observer is told about every finished dispatch. Implementations must
// not block for long and must not fail the dispatch.
type Observer interface {
	ObserveDispatch(st task.SubTask, out task.Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(st task.SubTask, out task.Outcome)

// ObserveDispatch implements Observer.
func (f ObserverFunc) ObserveDispatch(st task.SubTask, out task.Outcome) { f(st, out) }

// PoolOptions tunes a WorkerPool.
type PoolOptions struct {
	PollInterval  time.Duration
	AssignTimeout time.Duration
	Logger        *zap.Logger
	Observers     []Observer
}

// WorkerPool dispatches subtasks to workers and follows them to a terminal
// state by polling.
type WorkerPool struct {
	reg           *Registry
	client        *WorkerClient
	pollInterval  time.Duration
	assignTimeout time.Duration
	observers     []Observer
	log           *zap.Logger
}

// NewWorkerPool creates a dispatcher over reg.
func NewWorkerPool(reg *Registry, client *WorkerClient, opts PoolOptions) *WorkerPool {
	p := &WorkerPool{
		reg:           reg,
		client:        client,
		pollInterval:  opts.PollInterval,
		assignTimeout: opts.AssignTimeout,
		observers:     opts.Observers,
		log:           opts.Logger,
	}
	if p.pollInterval <= 0 {
		p.pollInterval = DefaultPollInterval
	}
	if p.assignTimeout <= 0 {
		p.assignTimeout = DefaultAssignTimeout
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p
}

// Registry exposes the pool's registry.
func (p *WorkerPool) Registry() *Registry { return p.reg }

// PollInterval is the delay between result polls.
func (p *WorkerPool) PollInterval() time.Duration { return p.pollInterval }

// AddObserver appends an observer. Not safe to call while dispatching.
func (p *WorkerPool) AddObserver(o Observer) { p.observers = append(p.observers, o) }

// Assign reserves an idle worker and pushes st to it. On any failure the
// reservation is rolled back and false is returned.
func (p *WorkerPool) Assign(ctx context.Context, workerID string, st *task.SubTask, timeout time.Duration) bool {
	return p.assign(ctx, workerID, st, timeout) == nil
}

func (p *WorkerPool) assign(ctx context.Context, workerID string, st *task.SubTask, timeout time.Duration) error {
	if err := p.reg.TryReserve(workerID, st.TaskID); err != nil {
		return err
	}
	w, ok := p.reg.Get(workerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if timeout <= 0 {
		timeout = p.assignTimeout
	}

	if err := p.client.Submit(ctx, w, st.Spec(), timeout); err != nil {
		p.reg.Release(workerID, st.TaskID)
		p.log.Warn("assign failed",
			zap.String("worker", workerID),
			zap.String("task", st.TaskID),
			zap.Error(err))
		return fmt.Errorf("assign %s to %s: %w", st.TaskID, workerID, err)
	}

	st.WorkerID = workerID
	st.Status = task.SubTaskAssigned
	st.StartedAt = time.Now()
	p.log.Info("task assigned", zap.String("worker", workerID), zap.String("task", st.TaskID))
	return nil
}

// PollResult fetches the worker's record of taskID. A terminal record
// releases the worker. The bool is false when nothing could be read.
func (p *WorkerPool) PollResult(ctx context.Context, workerID, taskID string) (*task.Task, bool) {
	w, ok := p.reg.Get(workerID)
	if !ok {
		return nil, false
	}
	rec, err := p.client.Result(ctx, w, taskID)
	if err != nil {
		p.log.Debug("poll failed", zap.String("worker", workerID), zap.String("task", taskID), zap.Error(err))
		return nil, false
	}
	if rec.Status.IsTerminal() {
		p.reg.Release(workerID, taskID)
	}
	return rec, true
}

// Cancel asks the worker to cancel taskID. On success the worker is
// released locally without waiting for the worker to confirm cleanup. A
// worker that no longer holds taskID (404) is released too, but Cancel
// still reports false.
func (p *WorkerPool) Cancel(ctx context.Context, workerID, taskID string) bool {
	w, ok := p.reg.Get(workerID)
	if !ok {
		return false
	}
	if err := p.client.Cancel(ctx, w, taskID); err != nil {
		if errors.Is(err, task.ErrNotFound) && p.reg.Release(workerID, taskID) {
			p.log.Info("task gone on worker, released",
				zap.String("worker", workerID),
				zap.String("task", taskID))
			return false
		}
		p.log.Warn("cancel failed", zap.String("worker", workerID), zap.String("task", taskID), zap.Error(err))
		return false
	}
	p.reg.Release(workerID, taskID)
	p.log.Info("task cancelled", zap.String("worker", workerID), zap.String("task", taskID))
	return true
}

// Execute runs st on workerID, or on the first idle worker when workerID is
// empty, and blocks until a terminal outcome. st is updated in place.
func (p *WorkerPool) Execute(ctx context.Context, st *task.SubTask, workerID string, timeout time.Duration) task.Outcome {
	start := time.Now()
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}

	out := p.dispatch(ctx, st, workerID, timeout)
	out.TaskID = st.TaskID
	out.Elapsed = time.Since(start)
	if !out.Success && st.Status != task.SubTaskFailed {
		st.Status = task.SubTaskFailed
		st.Error = out.Error
		st.CompletedAt = time.Now()
	}

	for _, o := range p.observers {
		o.ObserveDispatch(*st, out)
	}
	return out
}

func (p *WorkerPool) dispatch(ctx context.Context, st *task.SubTask, workerID string, timeout time.Duration) task.Outcome {
	if workerID == "" {
		id, out, ok := p.assignAny(ctx, st)
		if !ok {
			return out
		}
		workerID = id
	} else if err := p.assign(ctx, workerID, st, 0); err != nil {
		return task.Outcome{Kind: task.OutcomeAssignment, WorkerID: workerID, Error: err.Error()}
	}
	return p.follow(ctx, st, workerID, timeout)
}

// assignAny walks idle workers until one accepts. Losing a reservation race
// moves on to the next idle worker; a network failure ends the attempt.
func (p *WorkerPool) assignAny(ctx context.Context, st *task.SubTask) (string, task.Outcome, bool) {
	attempts := p.reg.Len() + 1
	for i := 0; i < attempts; i++ {
		w, ok := p.reg.Available()
		if !ok {
			return "", task.Outcome{Kind: task.OutcomeCapacity, Error: "no available workers"}, false
		}
		err := p.assign(ctx, w.ID, st, 0)
		if err == nil {
			return w.ID, task.Outcome{}, true
		}
		if !errors.Is(err, ErrWorkerNotIdle) {
			return "", task.Outcome{Kind: task.OutcomeAssignment, WorkerID: w.ID, Error: err.Error()}, false
		}
	}
	return "", task.Outcome{Kind: task.OutcomeCapacity, Error: "no available workers"}, false
}

// follow polls until the worker reports a terminal state, the timeout
// passes, or ctx ends. No request outlives the deadline, and the cancel
// sent on timeout is bounded by one poll interval.
func (p *WorkerPool) follow(ctx context.Context, st *task.SubTask, workerID string, timeout time.Duration) task.Outcome {
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(p.nextWait(deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.abandon(ctx, workerID, st.TaskID, cancelGrace)
			return task.Outcome{
				Kind:     task.OutcomeExecution,
				WorkerID: workerID,
				Error:    fmt.Sprintf("dispatch aborted: %v", ctx.Err()),
			}
		case <-timer.C:
		}

		pctx, cancel := context.WithDeadline(ctx, deadline)
		rec, ok := p.PollResult(pctx, workerID, st.TaskID)
		cancel()
		if ok && rec.Status.IsTerminal() {
			return p.finish(st, workerID, rec)
		}

		if !time.Now().Before(deadline) {
			p.abandon(ctx, workerID, st.TaskID, p.pollInterval)
			p.log.Warn("task timed out",
				zap.String("worker", workerID),
				zap.String("task", st.TaskID),
				zap.Duration("timeout", timeout))
			return task.Outcome{
				Kind:     task.OutcomeTimeout,
				WorkerID: workerID,
				Error:    fmt.Sprintf("task timed out after %s", timeout),
			}
		}
		timer.Reset(p.nextWait(deadline))
	}
}

// nextWait is the poll interval, shortened so the last poll lands on the
// deadline.
func (p *WorkerPool) nextWait(deadline time.Time) time.Duration {
	if left := time.Until(deadline); left < p.pollInterval {
		return max(left, 0)
	}
	return p.pollInterval
}

// abandon ends the dispatch flow for taskID. When the worker does not
// acknowledge the cancel, the reservation is detached so the health
// monitor can free the worker later.
func (p *WorkerPool) abandon(ctx context.Context, workerID, taskID string, grace time.Duration) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if p.Cancel(cctx, workerID, taskID) {
		return
	}
	if p.reg.Detach(workerID, taskID) {
		p.log.Warn("cancel not acknowledged, worker held until next probe",
			zap.String("worker", workerID),
			zap.String("task", taskID))
	}
}

func (p *WorkerPool) finish(st *task.SubTask, workerID string, rec *task.Task) task.Outcome {
	st.CompletedAt = time.Now()
	switch rec.Status {
	case task.StatusCompleted:
		st.Status = task.SubTaskCompleted
		st.Result = rec.Result
		return task.Outcome{Success: true, WorkerID: workerID, Data: rec.Result}
	case task.StatusCancelled:
		st.Status = task.SubTaskFailed
		st.Error = "cancelled"
		return task.Outcome{Kind: task.OutcomeExecution, WorkerID: workerID, Error: "cancelled"}
	default:
		msg := rec.Error
		if msg == "" {
			msg = "task failed"
		}
		st.Status = task.SubTaskFailed
		st.Error = msg
		return task.Outcome{Kind: task.OutcomeExecution, WorkerID: workerID, Error: msg}
	}
}
