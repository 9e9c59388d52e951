package master

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrMonitorRunning is returned by Start on a running monitor.
var ErrMonitorRunning = errors.New("health monitor already running")

// HealthMonitor probes every registered worker on an interval and keeps
// the registry's online/offline view current.
type HealthMonitor struct {
	reg      *Registry
	client   *WorkerClient
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun time.Time
}

// NewHealthMonitor creates a monitor. It does nothing until Start.
func NewHealthMonitor(reg *Registry, client *WorkerClient, interval, timeout time.Duration, log *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthMonitor{
		reg:      reg,
		client:   client,
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// Start launches the probe loop. The first round runs immediately.
func (m *HealthMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrMonitorRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.log.Info("health monitor started", zap.Duration("interval", m.interval))
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call twice.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.log.Info("health monitor stopped")
}

// Running reports whether the loop is active.
func (m *HealthMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// LastRun returns when the last probe round finished.
func (m *HealthMonitor) LastRun() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *HealthMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.CheckAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckAll probes every worker once, concurrently, and returns id -> online.
func (m *HealthMonitor) CheckAll(ctx context.Context) map[string]bool {
	workers := m.reg.List()
	results := make(map[string]bool, len(workers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			ok := m.Probe(ctx, w)
			mu.Lock()
			results[w.ID] = ok
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	m.mu.Lock()
	m.lastRun = time.Now()
	m.mu.Unlock()
	return results
}

// Probe checks one worker and records the result in the registry.
func (m *HealthMonitor) Probe(ctx context.Context, w Worker) bool {
	hr, err := m.client.Health(ctx, w, m.timeout)
	if err != nil {
		if ctx.Err() != nil {
			// shutting down, leave the registry as it was
			return false
		}
		m.log.Debug("health probe failed", zap.String("worker", w.ID), zap.Error(err))
		if w.Status != WorkerOffline {
			m.log.Warn("worker offline", zap.String("worker", w.ID))
		}
		m.reg.MarkProbe(w.ID, false, time.Now())
		return false
	}
	if w.Status == WorkerOffline {
		m.log.Info("worker back online", zap.String("worker", w.ID))
	}
	m.reg.MarkProbe(w.ID, true, time.Now())

	running := ""
	if hr.CurrentTask != nil {
		running = *hr.CurrentTask
	}
	if m.reg.Reconcile(w.ID, running) {
		m.log.Info("released abandoned task",
			zap.String("worker", w.ID),
			zap.String("task", w.CurrentTask),
			zap.String("running", running))
	}
	return true
}
