package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the worker-side lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ValidTransition checks if a worker-side status transition is allowed.
func (s Status) ValidTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	}
	return false
}

// IsTerminal returns true if the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SubTaskStatus is the master-side coarse view of a delegated task.
// It is a separate state machine from Status and is synchronized only
// through result retrieval.
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskAssigned  SubTaskStatus = "assigned"
	SubTaskCompleted SubTaskStatus = "completed"
	SubTaskFailed    SubTaskStatus = "failed"
)

// IsTerminal returns true if the master-side status is final.
func (s SubTaskStatus) IsTerminal() bool {
	return s == SubTaskCompleted || s == SubTaskFailed
}

var (
	// ErrBusy is returned when a worker already holds an outstanding task.
	ErrBusy = errors.New("busy")
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTask is returned when a task submission is malformed.
	ErrInvalidTask = errors.New("invalid task")
)

// Result is the success payload of a task.
type Result struct {
	Output    string `json:"output"`
	ToolCalls int    `json:"tool_calls"`
}

// SubTask is the master's copy of one unit of delegated work.
type SubTask struct {
	TaskID      string        `json:"task_id"`
	Description string        `json:"description"`
	Skills      []string      `json:"skills"`
	WorkerID    string        `json:"worker_id,omitempty"`
	Status      SubTaskStatus `json:"status"`
	Result      *Result       `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
}

// Spec converts the subtask into the payload pushed to a worker.
func (s *SubTask) Spec() Spec {
	skills := make([]string, len(s.Skills))
	copy(skills, s.Skills)
	return Spec{TaskID: s.TaskID, Description: s.Description, Skills: skills}
}

// Task is the worker's record of a task. Only the terminal fields survive
// after the task's ephemeral resources are destroyed.
type Task struct {
	TaskID      string     `json:"task_id"`
	Description string     `json:"description"`
	Skills      []string   `json:"skills"`
	Status      Status     `json:"status"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand out across goroutines.
func (t *Task) Clone() *Task {
	c := *t
	c.Skills = append([]string(nil), t.Skills...)
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Spec is the wire body of POST /task.
type Spec struct {
	TaskID      string   `json:"task_id"`
	Description string   `json:"description"`
	Skills      []string `json:"skills"`
}

// Validate checks the Spec for basic correctness.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.TaskID) == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidTask)
	}
	if strings.TrimSpace(s.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidTask)
	}
	return nil
}
