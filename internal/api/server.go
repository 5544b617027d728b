// Package api is the HTTP surface: claim submission, status, and the
// operational endpoints. Everything else happens behind the orchestrator.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sehha/claimsbridge/internal/claims"
	"github.com/sehha/claimsbridge/internal/middleware"
	"github.com/sehha/claimsbridge/internal/pipeline"
)

// Pipeline is the orchestrator surface the API needs.
type Pipeline interface {
	Enqueue(ctx context.Context, claim *claims.Claim) error
	Status(ctx context.Context, claimID string) (*pipeline.StatusView, error)
}

// ReadyChecker reports whether a dependency can serve traffic.
type ReadyChecker interface {
	Ping(ctx context.Context) error
}

// Notifier receives the claim.accepted lifecycle event. May be nil.
type Notifier interface {
	Emit(event string, payload map[string]interface{})
}

// Config tunes the HTTP surface.
type Config struct {
	MaxBodyBytes int64
	DepthMax     int
	BaseURL      string // external base for tracking URLs, e.g. https://bridge.example.sa
}

// Server wires the routes and middleware chain.
type Server struct {
	pipeline Pipeline
	limiter  *middleware.RateLimiter
	ready    ReadyChecker
	notifier Notifier
	cfg      Config
}

// NewServer assembles the API server. ready may be nil (always ready).
func NewServer(p Pipeline, limiter *middleware.RateLimiter, ready ReadyChecker, notifier Notifier, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.DepthMax <= 0 {
		cfg.DepthMax = 10
	}
	return &Server{pipeline: p, limiter: limiter, ready: ready, notifier: notifier, cfg: cfg}
}

// Router builds the full handler chain: correlation → logging → rate limit →
// body cap → handler.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	claimPost := http.Handler(http.HandlerFunc(s.handleSubmitClaim))
	claimPost = middleware.BodyCap(s.cfg.MaxBodyBytes, claimPost)
	if s.limiter != nil {
		claimPost = s.limiter.Middleware(middleware.RouteClaim, claimPost)
	}
	r.Handle("/claim", claimPost).Methods(http.MethodPost)

	status := http.Handler(http.HandlerFunc(s.handleClaimStatus))
	if s.limiter != nil {
		status = s.limiter.Middleware(middleware.RouteStatus, status)
	}
	r.Handle("/claim/{claim_id}", status).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return middleware.Correlation(middleware.Logging(r))
}

// ListenAndServe runs the server until ctx is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("🚀 claims bridge listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
