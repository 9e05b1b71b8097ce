package volharvest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client provides a Go SDK for the volharvest backtest service.
type Client struct {
	conn   grpc.ClientConnInterface
	closer io.Closer
}

// sweepStream describes the server-streaming Sweep method.
var sweepStream = grpc.StreamDesc{StreamName: "Sweep", ServerStreams: true}

// Dial creates a client for the server at addr. Without options the
// connection is plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn, closer: conn}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes the connection created by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Run runs one backtest on the server.
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunReply, error) {
	out := &RunReply{}
	if err := c.invoke(ctx, RunMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListRuns lists runs stored on the server, newest first.
func (c *Client) ListRuns(ctx context.Context, req ListRunsRequest) ([]RunRow, error) {
	out := &RunsReply{}
	if err := c.invoke(ctx, ListRunsMethod, req, out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Sweep runs a parameter sweep and calls fn for every row as it arrives,
// best first. A non-nil error from fn cancels the stream and is returned.
func (c *Client) Sweep(ctx context.Context, req SweepRequest, fn func(SweepRow) error) error {
	in, err := Encode(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &sweepStream, SweepMethod)
	if err != nil {
		return fmt.Errorf("starting sweep: %w", err)
	}
	if err := stream.SendMsg(in); err != nil {
		return fmt.Errorf("sending sweep request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := &structpb.Struct{}
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receiving sweep row: %w", err)
		}
		var row SweepRow
		if err := Decode(msg, &row); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	in, err := Encode(req)
	if err != nil {
		return err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return err
	}
	return Decode(out, reply)
}
