// Package workflownotifier implements allocation.WorkflowNotifier against
// the out-of-scope durable workflow engine over gRPC.
//
// The workflow engine's service surface is out of scope for this repo (spec
// §1 "out of scope, as interfaces only"), so there is no generated protobuf
// client to import. Requests and responses are therefore carried as opaque
// byte payloads wrapped in the standard wrapperspb.BytesValue message,
// dispatched with ClientConn.Invoke against a fixed method path -- the same
// approach a reflection-based gRPC client uses, without requiring a
// generated stub for a service this repo does not own.
package workflownotifier

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	methodPullQueuedActors = "/pegboard.workflow.v1.WorkflowService/PullQueuedActors"
	methodForwardSignal    = "/pegboard.workflow.v1.WorkflowService/ForwardSignal"
)

// Config dials the workflow engine's gRPC endpoint.
type Config struct {
	Address string
	UseTLS  bool
}

// Client implements allocation.WorkflowNotifier over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the workflow engine, applying the same keepalive
// parameters the teacher's router transport uses for its long-lived control
// connections.
func Dial(cfg Config) (*Client, error) {
	var opts []grpc.DialOption
	if cfg.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                60 * time.Second,
		Timeout:             20 * time.Second,
		PermitWithoutStream: true,
	}))

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("workflownotifier: dial %s: %w", cfg.Address, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// PullQueuedActors asks the workflow engine to re-dispatch any actors
// queued for runnerID now that it has become eligible again.
func (c *Client) PullQueuedActors(runnerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := &wrapperspb.BytesValue{Value: []byte(runnerID)}
	resp := &wrapperspb.BytesValue{}
	return c.conn.Invoke(ctx, methodPullQueuedActors, req, resp)
}

// ForwardSignal relays an Init/Events/AckCommands/Stopping frame from a
// runner to its owning workflow.
func (c *Client) ForwardSignal(workflowID, kind string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	envelope := append([]byte(workflowID+"\x00"+kind+"\x00"), payload...)
	req := &wrapperspb.BytesValue{Value: envelope}
	resp := &wrapperspb.BytesValue{}
	return c.conn.Invoke(ctx, methodForwardSignal, req, resp)
}
