// Package api exposes a running engine over HTTP, a websocket event feed and
// the gRPC event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"quantcore/internal/broker"
	"quantcore/internal/domain"
	"quantcore/internal/engine"
	"quantcore/internal/live"
	"quantcore/internal/strategy"
)

// Unsubscriber detaches a subscription. Both *engine.Engine and
// *engine.Live implement it; the live runner also retires idle symbol
// workers.
type Unsubscriber interface {
	Unsubscribe(key domain.SubscriptionKey) error
}

var (
	_ Unsubscriber = (*engine.Engine)(nil)
	_ Unsubscriber = (*engine.Live)(nil)
)

// Deps are the components the API serves. Engine and Registry are
// required.
type Deps struct {
	Engine   *engine.Engine
	Registry *strategy.Registry

	// Model enables /ws/events and the gRPC event stream.
	Model *live.Model
	// Account, when set, answers /api/v1/account from the broker.
	Account       broker.AccountReader
	AccountSource string
	// Unsubscriber defaults to Engine.
	Unsubscriber   Unsubscriber
	PeriodsPerYear float64
}

// Options configures listeners. An empty GRPCAddr disables gRPC.
type Options struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	deps      Deps
	opts      Options
	hub       *Hub
	startedAt time.Time
	log       *slog.Logger

	http     *http.Server
	grpc     *grpc.Server
	httpLn   net.Listener
	grpcLn   net.Listener
	shutdown chan struct{}
}

// NewServer creates a Server. A nil logger uses slog.Default().
func NewServer(deps Deps, opts Options, log *slog.Logger) (*Server, error) {
	if deps.Engine == nil || deps.Registry == nil {
		return nil, fmt.Errorf("api server needs an engine and a strategy registry")
	}
	if deps.Unsubscriber == nil {
		deps.Unsubscriber = deps.Engine
	}
	if deps.AccountSource == "" {
		deps.AccountSource = "broker"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		deps:      deps,
		opts:      opts,
		startedAt: time.Now().UTC(),
		log:       log.With("component", "api"),
		shutdown:  make(chan struct{}),
	}
	if deps.Model != nil {
		s.hub = NewHub(deps.Model, log)
		if opts.GRPCAddr != "" {
			s.grpc = newGRPCServer(deps.Model, log)
		}
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// Hub returns the websocket hub, or nil without a Model.
func (s *Server) Hub() *Hub { return s.hub }

// Listen binds the HTTP and, when configured, gRPC listeners.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.HTTPAddr, err)
	}
	s.httpLn = ln
	if s.grpc != nil {
		gln, err := net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listening on %s: %w", s.opts.GRPCAddr, err)
		}
		s.grpcLn = gln
	}
	return nil
}

// HTTPAddr returns the bound HTTP address after Listen.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return s.opts.HTTPAddr
	}
	return s.httpLn.Addr().String()
}

// GRPCAddr returns the bound gRPC address after Listen.
func (s *Server) GRPCAddr() string {
	if s.grpcLn == nil {
		return s.opts.GRPCAddr
	}
	return s.grpcLn.Addr().String()
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the bound listeners until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.httpLn == nil {
		return fmt.Errorf("api server not listening")
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http listening", "addr", s.HTTPAddr())
		if err := s.http.Serve(s.httpLn); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if s.grpc != nil {
		g.Go(func() error {
			s.log.Info("grpc listening", "addr", s.GRPCAddr())
			if err := s.grpc.Serve(s.grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	if s.hub != nil {
		g.Go(func() error { return s.hub.Run(gctx) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.shutdown:
		}
		sctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		return s.stop(sctx)
	})
	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
	return s.stop(ctx)
}

func (s *Server) stop(ctx context.Context) error {
	if s.grpc != nil {
		done := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.grpc.Stop()
		}
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
