package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"patchbench/internal/config"
	"patchbench/internal/monitor"
)

// Pinger reports whether the container engine answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the API. History and Docker may be nil.
type Deps struct {
	Runner      Runner
	Publisher   Publisher
	History     History
	Submissions SubmissionSource
	Docker      Pinger
	Metrics     *monitor.Metrics
}

// Server is the benchmark helper's HTTP server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	deps       Deps
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	handlers := NewHandlers(deps.Runner, deps.Publisher, deps.History, deps.Submissions)

	s := &Server{
		handlers:  handlers,
		deps:      deps,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured; allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false; all requests will be rejected")
		}
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /run_benchmark", handlers.HandleRunBenchmark)
	apiMux.HandleFunc("POST /run_benchmark/stream", handlers.HandleRunBenchmarkStream)
	apiMux.HandleFunc("POST /stop_benchmark", handlers.HandleStopBenchmark)
	apiMux.HandleFunc("POST /api/upload_run", handlers.HandleUploadRun)
	apiMux.HandleFunc("POST /api/upload/start", handlers.HandleUploadStart)
	apiMux.HandleFunc("POST /api/upload/token", handlers.HandleUploadToken)
	apiMux.HandleFunc("GET /api/submissions", handlers.HandleListSubmissions)
	apiMux.HandleFunc("GET /benchmarks", handlers.HandleListBenchmarks)
	apiMux.HandleFunc("GET /benchmarks/{id}", handlers.HandleGetBenchmark)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	if deps.Metrics != nil {
		handler = MetricsMiddleware(deps.Metrics)(handler)
	}
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = CORSMiddleware(cfg.Security.AllowedOrigins, cfg.Security.APIKeyHeader)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = otelhttp.NewHandler(handler, "patchbench.api")
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	dbOK := s.deps.History == nil || s.deps.History.Healthy(ctx)
	dockerOK := s.deps.Docker != nil && s.deps.Docker.Ping(ctx) == nil

	resp := HealthResponse{
		Status:   "ok",
		Docker:   dockerOK,
		Database: dbOK,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Runner != nil {
		resp.Running = s.deps.Runner.Running()
	}
	if s.deps.Publisher != nil {
		resp.DeviceFlow = s.deps.Publisher.DeviceFlowEnabled()
	}
	if !dbOK || !dockerOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
