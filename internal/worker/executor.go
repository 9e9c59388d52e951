// Package worker is the execution side of kelemesh: a single-slot task
// executor behind an HTTP API.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BlakeLiAFK/kelemesh/internal/engine"
	"github.com/BlakeLiAFK/kelemesh/internal/task"
	"github.com/BlakeLiAFK/kelemesh/internal/tools"
)

const cancelledMessage = "Cancelled by request"

// Options configures an Executor.
type Options struct {
	WorkerID     string
	HistoryLimit int
	Logger       *zap.Logger
}

// Executor runs at most one task at a time. Each task gets a fresh
// scratch directory and tool set, both destroyed when it ends.
type Executor struct {
	id           string
	tools        *tools.Registry
	engine       engine.Engine
	scratch      *Scratch
	historyLimit int
	log          *zap.Logger
	startedAt    time.Time

	mu      sync.Mutex
	current *slot
	records map[string]*task.Task
	history []string
	total   int

	wg sync.WaitGroup
}

type slot struct {
	taskID string
	cancel context.CancelFunc
}

// NewExecutor creates an executor.
func NewExecutor(reg *tools.Registry, eng engine.Engine, scratch *Scratch, opts Options) *Executor {
	e := &Executor{
		id:           opts.WorkerID,
		tools:        reg,
		engine:       eng,
		scratch:      scratch,
		historyLimit: opts.HistoryLimit,
		log:          opts.Logger,
		startedAt:    time.Now(),
		records:      make(map[string]*task.Task),
	}
	if e.historyLimit <= 0 {
		e.historyLimit = 100
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	return e
}

// ID is the worker id.
func (e *Executor) ID() string { return e.id }

// Submit accepts spec if no task is outstanding and starts it in the
// background.
func (e *Executor) Submit(spec task.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return task.ErrBusy
	}
	if _, dup := e.records[spec.TaskID]; dup {
		e.mu.Unlock()
		return fmt.Errorf("%w: duplicate task_id %s", task.ErrInvalidTask, spec.TaskID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.current = &slot{taskID: spec.TaskID, cancel: cancel}
	e.records[spec.TaskID] = &task.Task{
		TaskID:      spec.TaskID,
		Description: spec.Description,
		Skills:      append([]string(nil), spec.Skills...),
		Status:      task.StatusPending,
	}
	e.history = append(e.history, spec.TaskID)
	e.total++
	e.wg.Add(1)
	e.mu.Unlock()

	e.log.Info("task accepted", zap.String("task", spec.TaskID), zap.Strings("skills", spec.Skills))
	go e.run(ctx, spec)
	return nil
}

// run drives one task through load, prepare, run, publish and destroy.
func (e *Executor) run(ctx context.Context, spec task.Spec) {
	defer e.wg.Done()

	var release func() error
	defer func() {
		if release != nil {
			if err := release(); err != nil {
				e.log.Warn("scratch cleanup failed", zap.String("task", spec.TaskID), zap.Error(err))
			}
		}
		e.mu.Lock()
		if e.current != nil && e.current.taskID == spec.TaskID {
			e.current.cancel()
			e.current = nil
		}
		e.evict()
		e.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task panicked", zap.String("task", spec.TaskID), zap.Any("panic", r))
			e.publish(spec.TaskID, task.StatusFailed, nil, fmt.Sprintf("panic: %v", r))
		}
	}()

	start := time.Now()
	e.transition(spec.TaskID, task.StatusRunning)

	dir, rel, err := e.scratch.Acquire(spec.TaskID)
	if err != nil {
		e.publish(spec.TaskID, task.StatusFailed, nil, err.Error())
		return
	}
	release = rel

	ts, err := e.tools.Subset(spec.Skills, dir)
	if err != nil {
		e.publish(spec.TaskID, task.StatusFailed, nil, fmt.Sprintf("skill resolution failed: %v", err))
		return
	}
	if missing := ts.Missing(); len(missing) > 0 {
		e.log.Warn("skills not available, skipped", zap.String("task", spec.TaskID), zap.Strings("skills", missing))
	}

	res, err := e.engine.Run(ctx, spec.Description, ts)
	if err != nil {
		e.publish(spec.TaskID, task.StatusFailed, nil, err.Error())
		return
	}
	e.publish(spec.TaskID, task.StatusCompleted, &task.Result{Output: res.Output, ToolCalls: res.ToolCalls}, "")
	e.log.Info("task finished",
		zap.String("task", spec.TaskID),
		zap.Int("tool_calls", res.ToolCalls),
		zap.Duration("took", time.Since(start)))
}

func (e *Executor) transition(id string, to task.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok || !rec.Status.ValidTransition(to) {
		return
	}
	rec.Status = to
	if to == task.StatusRunning {
		now := time.Now()
		rec.StartedAt = &now
	}
}

// publish sets the terminal record once. A task already cancelled keeps
// its cancelled state.
func (e *Executor) publish(id string, status task.Status, res *task.Result, errMsg string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok || rec.Status.IsTerminal() {
		return false
	}
	now := time.Now()
	rec.Status = status
	rec.Result = res
	rec.Error = errMsg
	rec.CompletedAt = &now
	if status == task.StatusFailed {
		e.log.Warn("task failed", zap.String("task", id), zap.String("error", errMsg))
	}
	return true
}

// evict drops the oldest terminal records beyond the history limit.
// Caller holds e.mu.
func (e *Executor) evict() {
	for len(e.history) > e.historyLimit {
		oldest := e.history[0]
		if rec := e.records[oldest]; rec != nil && !rec.Status.IsTerminal() {
			return
		}
		delete(e.records, oldest)
		e.history = e.history[1:]
	}
}

// Cancel marks the running task cancelled and interrupts its context.
// Cleanup still happens when the task goroutine returns.
func (e *Executor) Cancel(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[taskID]
	if !ok || e.current == nil || e.current.taskID != taskID || rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is not running", task.ErrNotFound, taskID)
	}
	now := time.Now()
	rec.Status = task.StatusCancelled
	rec.Error = cancelledMessage
	rec.CompletedAt = &now
	e.current.cancel()
	e.log.Info("task cancelled", zap.String("task", taskID))
	return nil
}

// Result returns a copy of the record of taskID.
func (e *Executor) Result(taskID string) (*task.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, taskID)
	}
	return rec.Clone(), nil
}

// Current returns the outstanding task id, if any.
func (e *Executor) Current() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return "", false
	}
	return e.current.taskID, true
}

// Status reports the executor state.
func (e *Executor) Status() task.WorkerStatusResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := task.WorkerStatusResponse{
		WorkerID:   e.id,
		Status:     "idle",
		TotalTasks: e.total,
		StartedAt:  e.startedAt,
	}
	if e.current != nil {
		id := e.current.taskID
		st.Status = "busy"
		st.CurrentTask = &id
	}
	return st
}

// Shutdown cancels the running task and waits for its cleanup or ctx.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.current != nil {
		e.current.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
