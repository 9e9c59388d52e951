// Package control is the master's CLI-facing RPC surface: gRPC over a unix
// socket with JSON-encoded messages.
package control

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/BlakeLiAFK/kelemesh/internal/master"
	"github.com/BlakeLiAFK/kelemesh/internal/metrics"
	"github.com/BlakeLiAFK/kelemesh/internal/planner"
	"github.com/BlakeLiAFK/kelemesh/internal/store"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "kelemesh.Control"

// Empty is the request or response of calls without a payload.
type Empty struct{}

// SubmitRequest asks the master to plan and run a request.
type SubmitRequest struct {
	Request        string `json:"request"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// PlanRequest asks for a plan without running it.
type PlanRequest struct {
	Request string `json:"request"`
}

// WorkerList is the registry view.
type WorkerList struct {
	Workers []master.Worker `json:"workers"`
	Summary master.Summary  `json:"summary"`
}

// AddWorkerRequest registers a worker. Persist also saves it to the roster.
type AddWorkerRequest struct {
	ID           string   `json:"worker_id"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities,omitempty"`
	Persist      bool     `json:"persist,omitempty"`
}

// RemoveWorkerRequest unregisters a worker.
type RemoveWorkerRequest struct {
	ID      string `json:"worker_id"`
	Persist bool   `json:"persist,omitempty"`
}

// CancelRequest cancels a delegated task.
type CancelRequest struct {
	TaskID string `json:"task_id"`
}

// CancelResponse reports which worker held the task.
type CancelResponse struct {
	TaskID    string `json:"task_id"`
	WorkerID  string `json:"worker_id,omitempty"`
	Cancelled bool   `json:"cancelled"`
}

// StatsRequest selects how many recent audit rows to include.
type StatsRequest struct {
	Recent int `json:"recent,omitempty"`
}

// StatsResponse aggregates the master's runtime counters.
type StatsResponse struct {
	Version  string            `json:"version"`
	Uptime   time.Duration     `json:"uptime"`
	Workers  master.Summary    `json:"workers"`
	Metrics  *metrics.Snapshot `json:"metrics,omitempty"`
	Audit    *store.Stats      `json:"audit,omitempty"`
	Recent   []*store.Dispatch `json:"recent,omitempty"`
	Monitor  bool              `json:"monitor_running"`
	LastScan time.Time         `json:"last_scan,omitempty"`
}

// ControlServer is implemented by the master.
type ControlServer interface {
	Submit(context.Context, *SubmitRequest) (*master.SubmitResult, error)
	Plan(context.Context, *PlanRequest) (*planner.TaskPlan, error)
	ListWorkers(context.Context, *Empty) (*WorkerList, error)
	AddWorker(context.Context, *AddWorkerRequest) (*master.Worker, error)
	RemoveWorker(context.Context, *RemoveWorkerRequest) (*Empty, error)
	CancelTask(context.Context, *CancelRequest) (*CancelResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

// unary builds the method descriptor for one request/response call.
func unary[Req, Resp any](name string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", ControlServer.Submit),
		unary("Plan", ControlServer.Plan),
		unary("ListWorkers", ControlServer.ListWorkers),
		unary("AddWorker", ControlServer.AddWorker),
		unary("RemoveWorker", ControlServer.RemoveWorker),
		unary("CancelTask", ControlServer.CancelTask),
		unary("Stats", ControlServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kelemesh/control",
}

// RegisterControlServer attaches impl to s.
func RegisterControlServer(s grpc.ServiceRegistrar, impl ControlServer) {
	s.RegisterService(&serviceDesc, impl)
}
