package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlakeLiAFK/kelemesh/internal/engine"
	"github.com/BlakeLiAFK/kelemesh/internal/task"
	"github.com/BlakeLiAFK/kelemesh/internal/tools"
)

func do(t *testing.T, s *Server, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestServerTaskFlow(t *testing.T) {
	release := make(chan struct{})
	exec := newTestExecutor(t, engine.Func(func(ctx context.Context, _ string, _ *tools.Toolset) (engine.Result, error) {
		<-release
		return engine.Result{Output: "42", ToolCalls: 2}, nil
	}))
	s := NewServer(exec, ServerOptions{Host: func(context.Context) (*task.HostLoad, error) {
		return &task.HostLoad{CPUPercent: 12.5, MemUsedPercent: 40}, nil
	}})

	code, body := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	var hr task.HealthResponse
	require.NoError(t, json.Unmarshal(body, &hr))
	assert.Equal(t, "healthy", hr.Status)
	assert.Equal(t, "w1", hr.WorkerID)
	assert.Nil(t, hr.CurrentTask)

	code, body = do(t, s, http.MethodPost, "/task", task.Spec{TaskID: "t1", Description: "answer"})
	require.Equal(t, http.StatusAccepted, code, string(body))
	var ar task.AcceptResponse
	require.NoError(t, json.Unmarshal(body, &ar))
	assert.Equal(t, task.AcceptResponse{TaskID: "t1", Status: "accepted"}, ar)

	code, body = do(t, s, http.MethodPost, "/task", task.Spec{TaskID: "t2", Description: "other"})
	assert.Equal(t, http.StatusConflict, code)
	assert.JSONEq(t, `{"error":"busy"}`, string(body))

	code, body = do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &hr))
	require.NotNil(t, hr.CurrentTask)
	assert.Equal(t, "t1", *hr.CurrentTask)

	code, body = do(t, s, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, code)
	var st task.WorkerStatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "busy", st.Status)
	assert.Equal(t, 1, st.TotalTasks)
	require.NotNil(t, st.Host)
	assert.Equal(t, 12.5, st.Host.CPUPercent)

	close(release)
	waitIdle(t, exec, "t1")

	code, body = do(t, s, http.MethodGet, "/task/t1/result", nil)
	require.Equal(t, http.StatusOK, code)
	var rec task.Task
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, task.StatusCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "42", rec.Result.Output)
	assert.Equal(t, 2, rec.Result.ToolCalls)
}

func TestServerErrors(t *testing.T) {
	s := NewServer(newTestExecutor(t, echoEngine()), ServerOptions{})

	code, _ := do(t, s, http.MethodPost, "/task", task.Spec{TaskID: "x"})
	assert.Equal(t, http.StatusBadRequest, code)

	req := httptest.NewRequest(http.MethodPost, "/task", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req, 5000)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	code, _ = do(t, s, http.MethodGet, "/task/missing/result", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, s, http.MethodPost, "/task/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServerCancel(t *testing.T) {
	started := make(chan struct{})
	exec := newTestExecutor(t, engine.Func(func(ctx context.Context, _ string, _ *tools.Toolset) (engine.Result, error) {
		close(started)
		<-ctx.Done()
		return engine.Result{}, ctx.Err()
	}))
	s := NewServer(exec, ServerOptions{})

	code, _ := do(t, s, http.MethodPost, "/task", task.Spec{TaskID: "c1", Description: "wait"})
	require.Equal(t, http.StatusAccepted, code)
	<-started

	code, body := do(t, s, http.MethodPost, "/task/c1/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"task_id":"c1","cancelled":true}`, string(body))

	rec := waitIdle(t, exec, "c1")
	assert.Equal(t, task.StatusCancelled, rec.Status)
}

func TestServerStatusWithoutSampler(t *testing.T) {
	s := NewServer(newTestExecutor(t, echoEngine()), ServerOptions{})
	code, body := do(t, s, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, code)
	var st task.WorkerStatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "idle", st.Status)
	assert.Nil(t, st.Host)
	assert.WithinDuration(t, time.Now(), st.StartedAt, time.Minute)
}
