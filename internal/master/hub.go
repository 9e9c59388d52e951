package master

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BlakeLiAFK/kelemesh/internal/engine"
	"github.com/BlakeLiAFK/kelemesh/internal/planner"
	"github.com/BlakeLiAFK/kelemesh/internal/task"
	"github.com/BlakeLiAFK/kelemesh/internal/tools"
	"github.com/BlakeLiAFK/kelemesh/internal/worker"
)

// ErrNoLocalEngine is reported when a plan stays local but the master has
// no engine configured.
var ErrNoLocalEngine = errors.New("no local engine configured")

// LocalResult is the outcome of a plan executed on the master.
type LocalResult struct {
	Output    string        `json:"output,omitempty"`
	ToolCalls int           `json:"tool_calls"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// SubmitResult is everything a caller learns about one request.
type SubmitResult struct {
	Plan     planner.TaskPlan `json:"plan"`
	Local    *LocalResult     `json:"local,omitempty"`
	Outcomes []task.Outcome   `json:"outcomes,omitempty"`
	Success  bool             `json:"success"`
}

// HubOptions wires a Hub.
type HubOptions struct {
	Planner     *planner.Planner
	Pool        *WorkerPool
	Engine      engine.Engine
	Tools       *tools.Registry
	Scratch     *worker.Scratch
	TaskTimeout time.Duration
	Logger      *zap.Logger
}

// Hub is the master's entry point: plan a request, then run it locally or
// fan its subtasks out to workers.
type Hub struct {
	planner     *planner.Planner
	pool        *WorkerPool
	engine      engine.Engine
	tools       *tools.Registry
	scratch     *worker.Scratch
	taskTimeout time.Duration
	log         *zap.Logger

	localMu sync.Mutex
}

// NewHub creates a hub. Engine and Scratch may be nil when the master only
// delegates.
func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		planner:     opts.Planner,
		pool:        opts.Pool,
		engine:      opts.Engine,
		tools:       opts.Tools,
		scratch:     opts.Scratch,
		taskTimeout: opts.TaskTimeout,
		log:         opts.Logger,
	}
	if h.planner == nil {
		h.planner = planner.New()
	}
	if h.taskTimeout <= 0 {
		h.taskTimeout = DefaultTaskTimeout
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	return h
}

// Pool returns the hub's dispatcher.
func (h *Hub) Pool() *WorkerPool { return h.pool }

// Plan classifies request without executing it.
func (h *Hub) Plan(ctx context.Context, request string) (planner.TaskPlan, error) {
	if strings.TrimSpace(request) == "" {
		return planner.TaskPlan{}, fmt.Errorf("%w: empty request", task.ErrInvalidTask)
	}
	return h.planner.Analyze(ctx, request), nil
}

// Submit plans and executes request. timeout bounds each delegated
// subtask; zero uses the hub default.
func (h *Hub) Submit(ctx context.Context, request string, timeout time.Duration) (*SubmitResult, error) {
	plan, err := h.Plan(ctx, request)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = h.taskTimeout
	}
	h.log.Info("request planned",
		zap.String("complexity", plan.Complexity.String()),
		zap.String("locality", string(plan.Locality)),
		zap.Int("subtasks", len(plan.SubTasks)))

	res := &SubmitResult{Plan: plan}
	if plan.IsLocal() {
		res.Local = h.runLocal(ctx, request)
		res.Success = res.Local.Error == ""
		return res, nil
	}

	res.Outcomes = h.dispatchAll(ctx, plan.SubTasks, timeout)
	res.Success = len(res.Outcomes) > 0
	for _, o := range res.Outcomes {
		if !o.Success {
			res.Success = false
		}
	}
	return res, nil
}

// runLocal executes on the master's own engine with every tool, in a
// scratch directory that is removed afterwards. Local runs are serialized.
func (h *Hub) runLocal(ctx context.Context, request string) *LocalResult {
	start := time.Now()
	lr := &LocalResult{}
	defer func() { lr.Elapsed = time.Since(start) }()

	if h.engine == nil || h.tools == nil || h.scratch == nil {
		lr.Error = ErrNoLocalEngine.Error()
		return lr
	}

	h.localMu.Lock()
	defer h.localMu.Unlock()

	dir, release, err := h.scratch.Acquire("local-" + uuid.NewString()[:8])
	if err != nil {
		lr.Error = err.Error()
		return lr
	}
	defer func() {
		if err := release(); err != nil {
			h.log.Warn("local scratch cleanup failed", zap.Error(err))
		}
	}()

	ts, err := h.tools.All(dir)
	if err != nil {
		lr.Error = err.Error()
		return lr
	}
	out, err := h.engine.Run(ctx, request, ts)
	if err != nil {
		lr.Error = err.Error()
		return lr
	}
	lr.Output = out.Output
	lr.ToolCalls = out.ToolCalls
	return lr
}

// dispatchAll runs every subtask concurrently and returns outcomes in
// subtask order.
func (h *Hub) dispatchAll(ctx context.Context, subs []*task.SubTask, timeout time.Duration) []task.Outcome {
	outcomes := make([]task.Outcome, len(subs))
	var wg sync.WaitGroup
	for i, st := range subs {
		wg.Add(1)
		go func(i int, st *task.SubTask) {
			defer wg.Done()
			outcomes[i] = h.pool.Execute(ctx, st, "", timeout)
		}(i, st)
	}
	wg.Wait()
	return outcomes
}

// CancelTask cancels a delegated task by id on whichever worker holds it.
func (h *Hub) CancelTask(ctx context.Context, taskID string) (string, bool) {
	for _, w := range h.pool.Registry().List() {
		if w.CurrentTask == taskID {
			return w.ID, h.pool.Cancel(ctx, w.ID, taskID)
		}
	}
	return "", false
}
