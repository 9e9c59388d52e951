package master

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BlakeLiAFK/kelemesh/internal/task"
)

// fakeWorker is a scripted worker HTTP API.
type fakeWorker struct {
	srv *httptest.Server

	mu           sync.Mutex
	hits         map[string]int
	healthy      bool
	submitCode   int
	submitStatus string
	resultStatus task.Status
	resultCode   int
	resultError  string
	cancelCode   int
	running      *string
	lastSpec     task.Spec

	// hang makes /result and /cancel block until the test ends.
	hang    bool
	release chan struct{}
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	f := &fakeWorker{
		hits:         map[string]int{},
		healthy:      true,
		submitCode:   http.StatusAccepted,
		submitStatus: task.AcceptedStatus,
		resultStatus: task.StatusRunning,
		resultCode:   http.StatusOK,
		cancelCode:   http.StatusOK,
		release:      make(chan struct{}),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	t.Cleanup(func() { close(f.release) })
	return f
}

func (f *fakeWorker) serve(w http.ResponseWriter, r *http.Request) {
	if f.stall(r) {
		select {
		case <-f.release:
		case <-r.Context().Done():
		}
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/health":
		f.hits["health"]++
		if !f.healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(task.HealthResponse{Status: "healthy", WorkerID: "fake", CurrentTask: f.running})

	case r.Method == http.MethodPost && path == "/task":
		f.hits["submit"]++
		json.NewDecoder(r.Body).Decode(&f.lastSpec)
		w.WriteHeader(f.submitCode)
		if f.submitCode == http.StatusConflict {
			json.NewEncoder(w).Encode(task.ErrorResponse{Error: "busy"})
			return
		}
		json.NewEncoder(w).Encode(task.AcceptResponse{TaskID: f.lastSpec.TaskID, Status: f.submitStatus})

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/result"):
		f.hits["result"]++
		if f.resultCode != http.StatusOK {
			w.WriteHeader(f.resultCode)
			json.NewEncoder(w).Encode(task.ErrorResponse{Error: "task not found"})
			return
		}
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/task/"), "/result")
		rec := task.Task{TaskID: id, Status: f.resultStatus, Error: f.resultError}
		if f.resultStatus == task.StatusCompleted {
			rec.Result = &task.Result{Output: "fake output", ToolCalls: 3}
		}
		json.NewEncoder(w).Encode(rec)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/cancel"):
		f.hits["cancel"]++
		w.WriteHeader(f.cancelCode)
		json.NewEncoder(w).Encode(task.CancelResponse{Cancelled: f.cancelCode == http.StatusOK})

	default:
		http.NotFound(w, r)
	}
}

// stall counts a request that should hang and reports whether it should.
func (f *fakeWorker) stall(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hang || r.URL.Path == "/health" || r.URL.Path == "/task" {
		return false
	}
	f.hits["stalled"]++
	return true
}

func (f *fakeWorker) set(fn func(f *fakeWorker)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeWorker) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[kind]
}

// hostPort splits an http://host:port URL.
func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, p, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return host, port
}

func (f *fakeWorker) register(t *testing.T, reg *Registry, id string) {
	t.Helper()
	host, port := hostPort(t, f.srv.URL)
	require.NoError(t, reg.Add(id, host, port, nil))
}
