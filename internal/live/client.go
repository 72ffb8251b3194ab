package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client connects to an events gRPC server and populates a local Model,
// providing an automatic mirror of the server-side journal.
type Client struct {
	addr    string
	model   *Model
	symbols []string
	opts    []grpc.DialOption
	log     *slog.Logger
}

// NewClient creates a client targeting the given gRPC address. Extra dial
// options are appended after insecure transport credentials.
func NewClient(addr string, model *Model, log *slog.Logger, opts ...grpc.DialOption) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{addr: addr, model: model, opts: opts, log: log.With("component", "live-client")}
}

// Symbols restricts the stream to the given instruments.
func (c *Client) Symbols(symbols ...string) *Client {
	c.symbols = symbols
	return c
}

// Sync connects to the gRPC server and streams events into the local model.
// It blocks until ctx is cancelled or the stream ends.
func (c *Client) Sync(ctx context.Context) error {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, c.opts...)
	conn, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	req := map[string]any{}
	if len(c.symbols) > 0 {
		syms := make([]any, len(c.symbols))
		for i, s := range c.symbols {
			syms[i] = s
		}
		req["symbols"] = syms
	}
	msg, err := structpb.NewStruct(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	cs, err := conn.NewStream(ctx, &serviceDesc.Streams[0], streamMethodPath)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	if err := stream.SendMsg(msg); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	c.log.Info("connected to event stream", "addr", c.addr)

	for {
		in, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receiving event: %w", err)
		}
		evt, err := DecodeEvent(in)
		if err != nil {
			c.log.Warn("skipping malformed event", "error", err)
			continue
		}
		c.model.Add(evt)
	}
}
