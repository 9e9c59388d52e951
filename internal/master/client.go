package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/BlakeLiAFK/kelemesh/internal/config"
	"github.com/BlakeLiAFK/kelemesh/internal/task"
)

const defaultRequestTimeout = 10 * time.Second

// StatusError is a worker reply with an unexpected HTTP status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("worker replied %d: %s", e.Code, e.Body)
}

// WorkerClient talks to the worker HTTP API. One instance is shared by all
// dispatch flows.
type WorkerClient struct {
	fc      *fiber.Client
	timeout time.Duration
}

// NewWorkerClient creates a client whose requests are bounded by timeout
// unless the caller's context ends sooner.
func NewWorkerClient(timeout time.Duration) *WorkerClient {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &WorkerClient{
		fc: &fiber.Client{
			UserAgent:   "kelemesh-master/" + config.Version,
			JSONEncoder: json.Marshal,
			JSONDecoder: json.Unmarshal,
		},
		timeout: timeout,
	}
}

// bound clips the request timeout to the context deadline.
func (c *WorkerClient) bound(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			if left <= 0 {
				return 0, context.DeadlineExceeded
			}
			timeout = left
		}
	}
	return timeout, nil
}

func (c *WorkerClient) do(ctx context.Context, a *fiber.Agent, timeout time.Duration) (int, []byte, error) {
	d, err := c.bound(ctx, timeout)
	if err != nil {
		fiber.ReleaseAgent(a)
		return 0, nil, err
	}
	code, body, errs := a.Timeout(d).Bytes()
	if len(errs) > 0 {
		return 0, nil, errors.Join(errs...)
	}
	return code, body, nil
}

// taskPath builds /task/<id><suffix>. The HTTP client normalises dot
// segments after unescaping, so ids that could change the route are refused.
func taskPath(taskID, suffix string) (string, error) {
	if taskID == "" || taskID == "." || taskID == ".." || strings.ContainsAny(taskID, `/\`) {
		return "", fmt.Errorf("%w: task id %q", task.ErrInvalidTask, taskID)
	}
	return "/task/" + url.PathEscape(taskID) + suffix, nil
}

// Health probes GET /health.
func (c *WorkerClient) Health(ctx context.Context, w Worker, timeout time.Duration) (*task.HealthResponse, error) {
	code, body, err := c.do(ctx, c.fc.Get(w.URL("/health")), timeout)
	if err != nil {
		return nil, err
	}
	if code < 200 || code >= 300 {
		return nil, &StatusError{Code: code, Body: string(body)}
	}
	var hr task.HealthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &hr, nil
}

// Submit pushes a task with POST /task. Only 202 with status "accepted"
// counts as accepted; every other reply is returned as an error.
func (c *WorkerClient) Submit(ctx context.Context, w Worker, spec task.Spec, timeout time.Duration) error {
	code, body, err := c.do(ctx, c.fc.Post(w.URL("/task")).JSON(spec), timeout)
	if err != nil {
		return err
	}
	if code != fiber.StatusAccepted {
		var er task.ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error == task.ErrBusy.Error() {
			return fmt.Errorf("%w: %s", task.ErrBusy, w.ID)
		}
		return &StatusError{Code: code, Body: string(body)}
	}
	var ar task.AcceptResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return fmt.Errorf("decode accept: %w", err)
	}
	if ar.Status != task.AcceptedStatus {
		return fmt.Errorf("worker %s answered status %q", w.ID, ar.Status)
	}
	return nil
}

// Result fetches GET /task/:id/result.
func (c *WorkerClient) Result(ctx context.Context, w Worker, taskID string) (*task.Task, error) {
	path, err := taskPath(taskID, "/result")
	if err != nil {
		return nil, err
	}
	code, body, err := c.do(ctx, c.fc.Get(w.URL(path)), 0)
	if err != nil {
		return nil, err
	}
	switch {
	case code == fiber.StatusNotFound:
		return nil, fmt.Errorf("%w: %s on %s", task.ErrNotFound, taskID, w.ID)
	case code != fiber.StatusOK:
		return nil, &StatusError{Code: code, Body: string(body)}
	}
	var t task.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &t, nil
}

// Cancel asks the worker to cancel a task with POST /task/:id/cancel.
func (c *WorkerClient) Cancel(ctx context.Context, w Worker, taskID string) error {
	path, err := taskPath(taskID, "/cancel")
	if err != nil {
		return err
	}
	code, body, err := c.do(ctx, c.fc.Post(w.URL(path)), 0)
	if err != nil {
		return err
	}
	switch code {
	case fiber.StatusOK:
		return nil
	case fiber.StatusNotFound:
		return fmt.Errorf("%w: %s on %s", task.ErrNotFound, taskID, w.ID)
	}
	return &StatusError{Code: code, Body: string(body)}
}

// Status fetches GET /status.
func (c *WorkerClient) Status(ctx context.Context, w Worker) (*task.WorkerStatusResponse, error) {
	code, body, err := c.do(ctx, c.fc.Get(w.URL("/status")), 0)
	if err != nil {
		return nil, err
	}
	if code != fiber.StatusOK {
		return nil, &StatusError{Code: code, Body: string(body)}
	}
	var st task.WorkerStatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}
