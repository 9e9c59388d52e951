package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/BlakeLiAFK/kelemesh/internal/config"
	"github.com/BlakeLiAFK/kelemesh/internal/master"
	"github.com/BlakeLiAFK/kelemesh/internal/metrics"
	"github.com/BlakeLiAFK/kelemesh/internal/planner"
	"github.com/BlakeLiAFK/kelemesh/internal/store"
	"github.com/BlakeLiAFK/kelemesh/internal/task"
)

// Roster persists worker addresses across master restarts.
type Roster interface {
	Save(ep config.WorkerEndpoint) error
	Remove(id string) error
}

// Options wires a Server. Only Hub is required.
type Options struct {
	Hub     *master.Hub
	Monitor *master.HealthMonitor
	Metrics *metrics.Recorder
	Store   *store.DispatchStore
	Roster  Roster
	Logger  *zap.Logger
}

// Server serves the control plane.
type Server struct {
	hub     *master.Hub
	monitor *master.HealthMonitor
	metrics *metrics.Recorder
	store   *store.DispatchStore
	roster  Roster
	log     *zap.Logger

	grpc    *grpc.Server
	health  *health.Server
	started time.Time
}

// NewServer creates the gRPC server and registers the control and health
// services.
func NewServer(opts Options) *Server {
	s := &Server{
		hub:     opts.Hub,
		monitor: opts.Monitor,
		metrics: opts.Metrics,
		store:   opts.Store,
		roster:  opts.Roster,
		log:     opts.Logger,
		health:  health.NewServer(),
		started: time.Now(),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	RegisterControlServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// ListenUnix removes a stale socket at path, listens on it and serves
// until Stop.
func (s *Server) ListenUnix(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("control: socket dir: %w", err)
	}
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", path, err)
	}
	os.Chmod(path, 0o660)
	s.log.Info("control plane listening", zap.String("socket", path))
	return s.Serve(ln)
}

// Serve serves on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.grpc.Serve(ln)
}

// Stop marks the service not serving and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("control call",
		zap.String("method", info.FullMethod),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	return resp, err
}

// rpcError maps domain errors to gRPC status codes.
func rpcError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, task.ErrInvalidTask):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, master.ErrUnknownWorker), errors.Is(err, task.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, master.ErrDuplicateWorker):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *Server) registry() *master.Registry { return s.hub.Pool().Registry() }

func (s *Server) Submit(ctx context.Context, req *SubmitRequest) (*master.SubmitResult, error) {
	res, err := s.hub.Submit(ctx, req.Request, time.Duration(req.TimeoutSeconds)*time.Second)
	return res, rpcError(err)
}

func (s *Server) Plan(ctx context.Context, req *PlanRequest) (*planner.TaskPlan, error) {
	plan, err := s.hub.Plan(ctx, req.Request)
	if err != nil {
		return nil, rpcError(err)
	}
	return &plan, nil
}

func (s *Server) ListWorkers(_ context.Context, _ *Empty) (*WorkerList, error) {
	reg := s.registry()
	return &WorkerList{Workers: reg.List(), Summary: reg.Summary()}, nil
}

// AddWorker registers the worker and probes it once so the caller sees
// its real status.
func (s *Server) AddWorker(ctx context.Context, req *AddWorkerRequest) (*master.Worker, error) {
	reg := s.registry()
	if err := reg.Add(req.ID, req.Host, req.Port, req.Capabilities); err != nil {
		if errors.Is(err, master.ErrDuplicateWorker) {
			return nil, rpcError(err)
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Persist && s.roster != nil {
		ep := config.WorkerEndpoint{ID: req.ID, Host: req.Host, Port: req.Port, Capabilities: req.Capabilities}
		if err := s.roster.Save(ep); err != nil {
			s.log.Warn("persist worker failed", zap.String("worker", req.ID), zap.Error(err))
		}
	}
	w, _ := reg.Get(req.ID)
	if s.monitor != nil {
		s.monitor.Probe(ctx, w)
		w, _ = reg.Get(req.ID)
	}
	s.log.Info("worker added", zap.String("worker", w.ID), zap.String("addr", w.Addr()), zap.String("status", string(w.Status)))
	return &w, nil
}

func (s *Server) RemoveWorker(_ context.Context, req *RemoveWorkerRequest) (*Empty, error) {
	if err := s.registry().Remove(req.ID); err != nil {
		return nil, rpcError(err)
	}
	if req.Persist && s.roster != nil {
		if err := s.roster.Remove(req.ID); err != nil {
			s.log.Warn("unpersist worker failed", zap.String("worker", req.ID), zap.Error(err))
		}
	}
	s.log.Info("worker removed", zap.String("worker", req.ID))
	return &Empty{}, nil
}

func (s *Server) CancelTask(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	if req.TaskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	wid, ok := s.hub.CancelTask(ctx, req.TaskID)
	if wid == "" {
		return nil, status.Errorf(codes.NotFound, "no worker holds task %s", req.TaskID)
	}
	return &CancelResponse{TaskID: req.TaskID, WorkerID: wid, Cancelled: ok}, nil
}

func (s *Server) Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	resp := &StatsResponse{
		Version: config.Version,
		Uptime:  time.Since(s.started),
		Workers: s.registry().Summary(),
	}
	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		resp.Metrics = &snap
	}
	if s.monitor != nil {
		resp.Monitor = s.monitor.Running()
		resp.LastScan = s.monitor.LastRun()
	}
	if s.store != nil {
		st, err := s.store.Stats(ctx)
		if err != nil {
			return nil, rpcError(err)
		}
		resp.Audit = st
		if req.Recent > 0 {
			rows, err := s.store.Recent(ctx, "", req.Recent)
			if err != nil {
				return nil, rpcError(err)
			}
			resp.Recent = rows
		}
	}
	return resp, nil
}
