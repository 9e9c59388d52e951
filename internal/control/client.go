package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BlakeLiAFK/kelemesh/internal/master"
	"github.com/BlakeLiAFK/kelemesh/internal/planner"
)

// Client talks to a running master over its unix socket.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects lazily to the socket at path.
func Dial(path string) (*Client, error) {
	conn, err := grpc.NewClient("unix:"+path,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", path, err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// Ping checks that the master is serving.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("control: master is %s", resp.GetStatus())
	}
	return nil
}

func (c *Client) Submit(ctx context.Context, request string, timeoutSeconds int) (*master.SubmitResult, error) {
	out := new(master.SubmitResult)
	err := c.invoke(ctx, "Submit", &SubmitRequest{Request: request, TimeoutSeconds: timeoutSeconds}, out)
	return out, err
}

func (c *Client) Plan(ctx context.Context, request string) (*planner.TaskPlan, error) {
	out := new(planner.TaskPlan)
	err := c.invoke(ctx, "Plan", &PlanRequest{Request: request}, out)
	return out, err
}

func (c *Client) ListWorkers(ctx context.Context) (*WorkerList, error) {
	out := new(WorkerList)
	err := c.invoke(ctx, "ListWorkers", &Empty{}, out)
	return out, err
}

func (c *Client) AddWorker(ctx context.Context, req *AddWorkerRequest) (*master.Worker, error) {
	out := new(master.Worker)
	err := c.invoke(ctx, "AddWorker", req, out)
	return out, err
}

func (c *Client) RemoveWorker(ctx context.Context, id string, persist bool) error {
	return c.invoke(ctx, "RemoveWorker", &RemoveWorkerRequest{ID: id, Persist: persist}, &Empty{})
}

func (c *Client) CancelTask(ctx context.Context, taskID string) (*CancelResponse, error) {
	out := new(CancelResponse)
	err := c.invoke(ctx, "CancelTask", &CancelRequest{TaskID: taskID}, out)
	return out, err
}

func (c *Client) Stats(ctx context.Context, recent int) (*StatsResponse, error) {
	out := new(StatsResponse)
	err := c.invoke(ctx, "Stats", &StatsRequest{Recent: recent}, out)
	return out, err
}
