package api

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"quantcore/internal/live"
)

// newGRPCServer hosts the event stream backed by model.
func newGRPCServer(model *live.Model, log *slog.Logger) *grpc.Server {
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
		grpc.ChainStreamInterceptor(logStreams(log.With("component", "grpc"))),
	)
	live.NewServer(model, log).RegisterGRPC(gs)
	return gs
}

func logStreams(log *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		if err != nil {
			log.Warn("stream ended", "method", info.FullMethod, "elapsed", time.Since(start).Round(time.Millisecond), "error", err)
		} else {
			log.Debug("stream ended", "method", info.FullMethod, "elapsed", time.Since(start).Round(time.Millisecond))
		}
		return err
	}
}
