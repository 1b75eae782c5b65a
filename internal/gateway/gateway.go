// Package gateway implements the HTTP API (§6): the voice endpoints, SSE
// progress streaming, and the Prometheus /metrics surface, hand-rolled on
// stdlib net/http the way the teacher's own gateway is, rather than
// reaching for a web framework.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corvynix/voxctl/internal/activity"
	"github.com/corvynix/voxctl/internal/orchestrator"
)

// maxQueryBytes enforces the §6 500-char query body limit (read with a
// small margin for JSON framing).
const maxQueryBytes = 4096

// Server hosts the §6 HTTP API. The zero value is not usable; use New.
type Server struct {
	facade   *orchestrator.Facade
	activity *activity.Log
	logger   *slog.Logger

	host        string
	httpPort    int
	metricsPort int

	httpServer    *http.Server
	metricsServer *http.Server
	listener      net.Listener
	metricsListener net.Listener
}

// Config configures a Server.
type Config struct {
	Host        string
	HTTPPort    int
	MetricsPort int
}

// New constructs a Server around an already-wired Facade and activity log.
func New(facade *orchestrator.Facade, log *activity.Log, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		facade:      facade,
		activity:    log,
		logger:      logger,
		host:        cfg.Host,
		httpPort:    cfg.HTTPPort,
		metricsPort: cfg.MetricsPort,
	}
}

// Start binds and serves the HTTP API (and, if configured with a distinct
// port, a separate /metrics listener) in background goroutines. It returns
// once both listeners are bound; Serve errors are logged asynchronously.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /voice/query", s.handleVoiceQuery)
	mux.HandleFunc("POST /voice/query/stream", s.handleVoiceQueryStream)
	mux.HandleFunc("POST /voice/confirm", s.handleVoiceConfirm)
	mux.HandleFunc("GET /voice/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /activity", s.handleActivity)

	separateMetrics := s.metricsPort != 0 && s.metricsPort != s.httpPort
	if !separateMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.httpPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway http server error", "error", err)
		}
	}()
	s.logger.Info("gateway listening", "addr", addr)

	if separateMetrics {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		metricsAddr := fmt.Sprintf("%s:%d", s.host, s.metricsPort)
		metricsListener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("gateway: metrics listen: %w", err)
		}
		s.metricsListener = metricsListener
		s.metricsServer = &http.Server{Addr: metricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := s.metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("gateway metrics server error", "error", err)
			}
		}()
		s.logger.Info("metrics listening", "addr", metricsAddr)
	}

	return nil
}

// Shutdown gracefully stops both listeners.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("gateway http shutdown error", "error", err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Warn("gateway metrics shutdown error", "error", err)
		}
	}
}

// userID extracts the caller identity. Authentication itself is out of
// scope (§"Explicitly OUT of scope"); the gateway trusts whatever upstream
// proxy or front end sets this header, mirroring how the spec treats the
// token table as already resolved to a UserID.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"message":%q}`, code, message)
}
