// Package master holds the coordinating side of kelemesh: the worker
// registry, the health monitor, the dispatcher and the request hub.
package master

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// WorkerStatus is the master's view of a worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// CanTransition reports whether the registry allows moving from s to to.
// Re-entering the same state is always allowed.
func (s WorkerStatus) CanTransition(to WorkerStatus) bool {
	if s == to {
		return true
	}
	switch s {
	case WorkerIdle:
		return to == WorkerBusy || to == WorkerOffline
	case WorkerBusy:
		return to == WorkerIdle || to == WorkerOffline
	case WorkerOffline:
		return to == WorkerIdle || to == WorkerBusy
	}
	return false
}

var (
	ErrUnknownWorker     = errors.New("unknown worker")
	ErrWorkerNotIdle     = errors.New("worker not idle")
	ErrInvalidTransition = errors.New("invalid worker status transition")
	ErrDuplicateWorker   = errors.New("worker already registered")
)

// Worker is a registry entry. Values returned by the registry are copies.
type Worker struct {
	ID            string       `json:"worker_id"`
	Host          string       `json:"host"`
	Port          int          `json:"port"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	Status        WorkerStatus `json:"status"`
	CurrentTask   string       `json:"current_task,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat,omitempty"`

	// detached is set once no dispatch flow follows CurrentTask any more.
	detached bool
}

// Addr is host:port.
func (w Worker) Addr() string {
	return net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}

// URL builds an endpoint URL on the worker.
func (w Worker) URL(path string) string {
	return "http://" + w.Addr() + path
}

func (w *Worker) clone() Worker {
	c := *w
	c.Capabilities = append([]string(nil), w.Capabilities...)
	return c
}

// Summary counts workers by status.
type Summary struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	Busy    int `json:"busy"`
	Offline int `json:"offline"`
}

// Registry is the single shared worker table of the master.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// Add registers a worker as idle.
func (r *Registry) Add(id, host string, port int, caps []string) error {
	if id == "" || host == "" {
		return fmt.Errorf("registry: worker id and host are required")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("registry: invalid port %d for %s", port, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, id)
	}
	r.workers[id] = &Worker{
		ID:           id,
		Host:         host,
		Port:         port,
		Capabilities: append([]string(nil), caps...),
		Status:       WorkerIdle,
	}
	r.order = append(r.order, id)
	return nil
}

// Remove deletes a worker.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	delete(r.workers, id)
	for i, wid := range r.order {
		if wid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a copy of one worker.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return w.clone(), true
}

// List returns copies of all workers in registration order.
func (r *Registry) List() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id].clone())
	}
	return out
}

// Available returns the first idle worker in registration order.
func (r *Registry) Available() (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if w := r.workers[id]; w.Status == WorkerIdle {
			return w.clone(), true
		}
	}
	return Worker{}, false
}

// TryReserve moves an idle worker to busy on taskID. It is the only way a
// worker becomes busy through dispatch.
func (r *Registry) TryReserve(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if w.Status != WorkerIdle {
		return fmt.Errorf("%w: %s is %s", ErrWorkerNotIdle, id, w.Status)
	}
	w.Status = WorkerBusy
	w.CurrentTask = taskID
	w.detached = false
	return nil
}

// Release frees a worker held by taskID. A worker that has since moved on
// to another task is left untouched. An offline worker keeps its status
// and only drops the task.
func (r *Registry) Release(id, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok || w.CurrentTask != taskID {
		return false
	}
	w.CurrentTask = ""
	w.detached = false
	if w.Status == WorkerBusy {
		w.Status = WorkerIdle
	}
	return true
}

// Detach records that the dispatch flow for taskID has ended without the
// worker confirming a terminal state. The reservation stays until a
// healthy probe shows the worker is no longer running taskID.
func (r *Registry) Detach(id, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok || w.CurrentTask != taskID || taskID == "" {
		return false
	}
	w.detached = true
	return true
}

// Reconcile applies the task a healthy worker reports running. A detached
// reservation is dropped once the worker runs no task or another one.
// Reservations still followed by a dispatch flow are never touched.
func (r *Registry) Reconcile(id, running string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok || !w.detached || w.CurrentTask == "" || w.CurrentTask == running {
		return false
	}
	w.CurrentTask = ""
	w.detached = false
	if w.Status == WorkerBusy {
		w.Status = WorkerIdle
	}
	return true
}

// MarkProbe records a health probe result. Success puts the worker back to
// busy or idle depending on whether it holds a task; failure marks it
// offline and keeps its task.
func (r *Registry) MarkProbe(id string, ok bool, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, exists := r.workers[id]
	if !exists {
		return
	}
	if !ok {
		w.Status = WorkerOffline
		return
	}
	w.LastHeartbeat = at
	if w.CurrentTask != "" {
		w.Status = WorkerBusy
	} else {
		w.Status = WorkerIdle
	}
}

// SetStatus forces a status change, subject to the transition table.
// Moving to idle clears the current task.
func (r *Registry) SetStatus(id string, to WorkerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if !w.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, to)
	}
	if to == WorkerBusy && w.CurrentTask == "" {
		return fmt.Errorf("%w: busy without a task", ErrInvalidTransition)
	}
	w.Status = to
	if to == WorkerIdle {
		w.CurrentTask = ""
	}
	return nil
}

// Summary counts workers by status.
func (r *Registry) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{Total: len(r.order)}
	for _, w := range r.workers {
		switch w.Status {
		case WorkerIdle:
			s.Idle++
		case WorkerBusy:
			s.Busy++
		case WorkerOffline:
			s.Offline++
		}
	}
	return s
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
