package worker

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/BlakeLiAFK/kelemesh/internal/task"
	"github.com/BlakeLiAFK/kelemesh/internal/tools"
)

// HostSampler reports host load for /status.
type HostSampler func(ctx context.Context) (*task.HostLoad, error)

// SampleHost reads cpu and memory usage through gopsutil.
func SampleHost(ctx context.Context) (*task.HostLoad, error) {
	snap := tools.SampleHost(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &task.HostLoad{CPUPercent: snap.CPUPercent, MemUsedPercent: snap.MemUsedPercent}, nil
}

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Debug  bool
	Host   HostSampler
	Logger *zap.Logger
}

// Server exposes an Executor over HTTP.
type Server struct {
	app  *fiber.App
	exec *Executor
	host HostSampler
	log  *zap.Logger
}

// NewServer builds the fiber app and its routes.
func NewServer(exec *Executor, opts ServerOptions) *Server {
	s := &Server{exec: exec, host: opts.Host, log: opts.Logger}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "kelemesh-worker",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler:          errorHandler,
	})
	s.app.Use(fiberrecover.New())
	if opts.Debug {
		s.app.Use(fiberlogger.New(fiberlogger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.health)
	s.app.Post("/task", s.submit)
	s.app.Get("/task/:id/result", s.result)
	s.app.Post("/task/:id/cancel", s.cancel)
	s.app.Get("/status", s.status)
}

// App returns the fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.Info("worker listening", zap.String("addr", addr), zap.String("worker", s.exec.ID()))
	return s.app.Listen(addr)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown stops the HTTP server, then the executor.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	if xerr := s.exec.Shutdown(ctx); xerr != nil && err == nil {
		err = xerr
	}
	return err
}

func (s *Server) health(c *fiber.Ctx) error {
	resp := task.HealthResponse{Status: "healthy", WorkerID: s.exec.ID()}
	if id, ok := s.exec.Current(); ok {
		resp.CurrentTask = &id
	}
	return c.JSON(resp)
}

func (s *Server) submit(c *fiber.Ctx) error {
	var spec task.Spec
	if err := c.BodyParser(&spec); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(task.ErrorResponse{Error: "invalid body: " + err.Error()})
	}
	err := s.exec.Submit(spec)
	switch {
	case err == nil:
		return c.Status(fiber.StatusAccepted).JSON(task.AcceptResponse{TaskID: spec.TaskID, Status: task.AcceptedStatus})
	case errors.Is(err, task.ErrBusy):
		return c.Status(fiber.StatusConflict).JSON(task.ErrorResponse{Error: task.ErrBusy.Error()})
	case errors.Is(err, task.ErrInvalidTask):
		return c.Status(fiber.StatusBadRequest).JSON(task.ErrorResponse{Error: err.Error()})
	}
	return err
}

func (s *Server) result(c *fiber.Ctx) error {
	rec, err := s.exec.Result(c.Params("id"))
	if errors.Is(err, task.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(task.ErrorResponse{Error: err.Error()})
	}
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

func (s *Server) cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.exec.Cancel(id); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(task.ErrorResponse{Error: err.Error()})
		}
		return err
	}
	return c.JSON(task.CancelResponse{TaskID: id, Cancelled: true})
}

func (s *Server) status(c *fiber.Ctx) error {
	st := s.exec.Status()
	if s.host != nil {
		load, err := s.host(c.UserContext())
		if err != nil {
			s.log.Debug("host sample failed", zap.Error(err))
		} else {
			st.Host = load
		}
	}
	return c.JSON(st)
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := err.Error()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}
	return c.Status(code).JSON(task.ErrorResponse{Error: msg})
}
