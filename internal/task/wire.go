package task

import "time"

// AcceptResponse is returned by POST /task with 202.
type AcceptResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// AcceptedStatus is the only acknowledgement the dispatcher treats as success.
const AcceptedStatus = "accepted"

// ErrorResponse is the body of every non-2xx worker response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string  `json:"status"`
	WorkerID    string  `json:"worker_id"`
	CurrentTask *string `json:"current_task"`
}

// CancelResponse is returned by POST /task/:id/cancel with 200.
type CancelResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

// HostLoad is a best-effort snapshot of the worker host.
type HostLoad struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

// WorkerStatusResponse is returned by GET /status (diagnostics only).
type WorkerStatusResponse struct {
	WorkerID    string    `json:"worker_id"`
	Status      string    `json:"status"`
	CurrentTask *string   `json:"current_task"`
	TotalTasks  int       `json:"total_tasks"`
	StartedAt   time.Time `json:"started_at"`
	Host        *HostLoad `json:"host,omitempty"`
}

// OutcomeKind classifies a failed dispatch.
type OutcomeKind string

const (
	OutcomeCapacity   OutcomeKind = "capacity"
	OutcomeAssignment OutcomeKind = "assignment"
	OutcomeTimeout    OutcomeKind = "timeout"
	OutcomeExecution  OutcomeKind = "execution"
)

// Outcome is the structured result of one dispatch. It never carries a raw
// transport error.
type Outcome struct {
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Kind     OutcomeKind   `json:"kind,omitempty"`
	TaskID   string        `json:"task_id"`
	WorkerID string        `json:"worker_id,omitempty"`
	Data     *Result       `json:"data,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}
