// Package api implements the embedded live-view server used by serve
// mode. It exposes REST endpoints for launching and inspecting scan
// sessions, a WebSocket stream of probe results, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meltsec/meltscan/internal/auth"
	"github.com/meltsec/meltscan/internal/config"
	"github.com/meltsec/meltscan/internal/engine"
	"github.com/meltsec/meltscan/internal/errors"
	"github.com/meltsec/meltscan/internal/logging"
	"github.com/meltsec/meltscan/internal/metrics"
	"github.com/meltsec/meltscan/internal/ports"
	"github.com/meltsec/meltscan/internal/store"
	"github.com/meltsec/meltscan/internal/targets"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	serverIdleTimeout     = 60 * time.Second
	healthCheckTimeout    = 5 * time.Second
	sessionSaveTimeout    = 30 * time.Second
	defaultProbeTimeout   = 2 * time.Second
)

// Server is the serve-mode HTTP server. Scan sessions started through
// the API are tracked in memory for the lifetime of the process.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     config.APIConfig
	engine     *engine.Engine
	db         *store.DB
	repo       *store.Repository
	hub        *Hub
	keyring    *auth.Keyring
	logger     *logging.Logger
	metrics    *metrics.Metrics
	version    string
	startTime  time.Time

	// scanCtx outlives individual requests so sessions keep running
	// after the launching POST returns. Stop cancels it.
	scanCtx    context.Context
	cancelScan context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*engine.Session
}

// Option configures a Server.
type Option func(*Server)

// WithStore enables history persistence and database health checks.
func WithStore(db *store.DB) Option {
	return func(s *Server) {
		s.db = db
		s.repo = store.NewRepository(db)
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics replaces the global metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithVersion sets the version string reported by /api/v1/version.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// New creates an API server around the given engine.
func New(cfg config.APIConfig, eng *engine.Engine, opts ...Option) (*Server, error) {
	scanCtx, cancelScan := context.WithCancel(context.Background())

	server := &Server{
		router:     mux.NewRouter(),
		config:     cfg,
		engine:     eng,
		version:    "dev",
		startTime:  time.Now(),
		scanCtx:    scanCtx,
		cancelScan: cancelScan,
		sessions:   make(map[string]*engine.Session),
	}
	for _, opt := range opts {
		opt(server)
	}
	if server.logger == nil {
		server.logger = logging.Default().WithComponent("api")
	}
	if server.metrics == nil {
		server.metrics = metrics.Global()
	}

	if cfg.AuthEnabled {
		server.keyring = auth.NewKeyring(cfg.APIKeys)
		if server.keyring.Empty() {
			cancelScan()
			return nil, errors.NewConfigError(errors.CodeConfiguration,
				"API auth is enabled but no API keys are configured")
		}
	}

	server.hub = newHub(server.logger)
	server.setupMiddleware()
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      server.router,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	return server, nil
}

// Start runs the server until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.InfoServer("Starting API server",
		"address", s.httpServer.Addr,
		"auth_enabled", s.config.AuthEnabled,
		"request_timeout", s.config.RequestTimeout)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- errors.WrapScanError(errors.CodeUnknown, "API server failed", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop cancels running sessions and drains the HTTP server.
func (s *Server) Stop() error {
	s.logger.InfoServer("Stopping API server")

	s.cancelScan()
	s.hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.ErrorServer("API server shutdown error", err)
		return errors.WrapScanError(errors.CodeUnknown, "server shutdown failed", err)
	}

	s.logger.InfoServer("API server stopped")
	return nil
}

// Address returns the listen address.
func (s *Server) Address() string {
	return s.httpServer.Addr
}

// Router returns the configured router, used by tests to serve the API
// without binding a socket.
func (s *Server) Router() *mux.Router {
	return s.router
}

// setupRoutes wires all endpoints. The WebSocket stream and metrics
// endpoint live outside the /api/v1 prefix so the request timeout does
// not apply to them.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	if s.config.RequestTimeout > 0 {
		api.Use(RequestTimeout(s.config.RequestTimeout))
	}

	api.HandleFunc("/liveness", s.handleLiveness).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	api.HandleFunc("/scans", s.handleScanList).Methods(http.MethodGet)
	api.HandleFunc("/scans", s.handleScanStart).Methods(http.MethodPost)
	api.HandleFunc("/scans/{id}", s.handleScanGet).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", s.handleScanCancel).Methods(http.MethodDelete)
	api.HandleFunc("/scans/{id}/results", s.handleScanResults).Methods(http.MethodGet)

	s.router.HandleFunc("/ws/results", s.hub.handleConnection).Methods(http.MethodGet)
	s.router.Handle("/metrics",
		promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
}

func (s *Server) setupMiddleware() {
	s.router.Use(Recovery(s.logger))
	s.router.Use(RequestLogging(s.logger, s.metrics))

	if s.config.CORS.Enabled {
		corsOrigins := handlers.AllowedOrigins(s.config.CORS.AllowedOrigins)
		corsHeaders := handlers.AllowedHeaders(s.config.CORS.AllowedHeaders)
		corsMethods := handlers.AllowedMethods(s.config.CORS.AllowedMethods)
		s.router.Use(handlers.CORS(corsOrigins, corsHeaders, corsMethods))
	}

	if s.config.AuthEnabled {
		s.router.Use(APIKeyAuth(s.keyring, s.logger))
	}
}

// ScanRequest is the body of POST /api/v1/scans. Targets and ports use
// the same syntax as the CLI arguments.
type ScanRequest struct {
	Targets     string `json:"targets"`
	Ports       string `json:"ports"`
	TCP         bool   `json:"tcp"`
	UDP         bool   `json:"udp"`
	SYN         bool   `json:"syn"`
	TimeoutMS   int64  `json:"timeout_ms,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// ScanStatus is the session view returned by the scan endpoints.
type ScanStatus struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	TargetCount int       `json:"target_count"`
	PortCount   int       `json:"port_count"`
	Protocols   []string  `json:"protocols"`
	Mode        string    `json:"mode"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	DurationMS  int64     `json:"duration_ms"`
}

func sessionStatus(session *engine.Session) ScanStatus {
	spec := session.Spec

	protocols := make([]string, 0, 2)
	if spec.TCP {
		protocols = append(protocols, "tcp")
	}
	if spec.UDP {
		protocols = append(protocols, "udp")
	}
	mode := "connect"
	if spec.UseSYN {
		mode = "syn"
	}

	return ScanStatus{
		ID:          session.ID,
		Status:      session.Status(),
		StartedAt:   session.StartedAt,
		TargetCount: len(spec.Targets),
		PortCount:   len(spec.Ports),
		Protocols:   protocols,
		Mode:        mode,
		Total:       session.Total(),
		Completed:   session.Completed(),
		DurationMS:  session.Duration().Milliseconds(),
	}
}

// handleScanStart launches a new session and returns 202 immediately.
// Results stream to the hub as they arrive.
func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := s.parseJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	spec := engine.Spec{
		Targets:     targets.Resolve(req.Targets),
		Ports:       ports.Resolve(req.Ports),
		TCP:         req.TCP,
		UDP:         req.UDP,
		UseSYN:      req.SYN,
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
		Concurrency: req.Concurrency,
	}
	if spec.Timeout <= 0 {
		spec.Timeout = defaultProbeTimeout
	}

	// Workers may produce results before Start returns the session ID,
	// so the sink parks on a gate until the ID is known.
	ready := make(chan struct{})
	var sessionID string
	sink := func(res engine.Result) {
		<-ready
		s.hub.BroadcastResult(sessionID, res)
	}

	session, err := s.engine.Start(s.scanCtx, spec, sink)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	sessionID = session.ID
	close(ready)

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.hub.BroadcastSession(session.ID, session.Status(), session.Completed(), session.Total())
	go s.watchSession(session)

	s.logger.InfoServer("Scan session started",
		"session_id", session.ID,
		"targets", len(spec.Targets),
		"ports", len(spec.Ports),
		"jobs", session.Total())

	s.writeJSON(w, r, http.StatusAccepted, sessionStatus(session))
}

// watchSession announces completion on the hub and persists the session
// when a store is configured. Persistence failures never affect the run.
func (s *Server) watchSession(session *engine.Session) {
	<-session.Done()

	s.hub.BroadcastSession(session.ID, session.Status(), session.Completed(), session.Total())

	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sessionSaveTimeout)
	defer cancel()
	if err := s.repo.SaveSession(ctx, store.Record(session), session.Results()); err != nil {
		s.logger.ErrorDatabase("Failed to persist finished session", err,
			"session_id", session.ID)
	}
}

func (s *Server) handleScanList(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	views := make([]ScanStatus, 0, len(s.sessions))
	for _, session := range s.sessions {
		views = append(views, sessionStatus(session))
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].StartedAt.After(views[j].StartedAt)
	})

	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"scans": views,
		"count": len(views),
	})
}

func (s *Server) handleScanGet(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookupSession(r)
	if !ok {
		s.writeError(w, r, http.StatusNotFound,
			errors.NewScanError(errors.CodeNotFound, "Sessão não encontrada"))
		return
	}
	s.writeJSON(w, r, http.StatusOK, sessionStatus(session))
}

func (s *Server) handleScanResults(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookupSession(r)
	if !ok {
		s.writeError(w, r, http.StatusNotFound,
			errors.NewScanError(errors.CodeNotFound, "Sessão não encontrada"))
		return
	}

	results := session.Results()
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"session_id": session.ID,
		"status":     session.Status(),
		"count":      len(results),
		"results":    results,
	})
}

// handleScanCancel requests cooperative cancellation. In-flight probes
// finish and are recorded; the response reports the transitional state.
func (s *Server) handleScanCancel(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookupSession(r)
	if !ok {
		s.writeError(w, r, http.StatusNotFound,
			errors.NewScanError(errors.CodeNotFound, "Sessão não encontrada"))
		return
	}

	session.Stop()
	s.logger.InfoServer("Scan session cancellation requested", "session_id", session.ID)
	s.writeJSON(w, r, http.StatusAccepted, sessionStatus(session))
}

func (s *Server) lookupSession(r *http.Request) (*engine.Session, bool) {
	id := mux.Vars(r)["id"]
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "healthy"
	checks := make(map[string]string)

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			status = "unhealthy"
			checks["database"] = "failed: " + err.Error()
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not configured"
	}

	s.mu.RLock()
	active := 0
	for _, session := range s.sessions {
		if st := session.Status(); st == engine.StatusRunning || st == engine.StatusStopping {
			active++
		}
	}
	s.mu.RUnlock()
	checks["sessions"] = strconv.Itoa(active) + " active"
	checks["websocket"] = strconv.Itoa(s.hub.ClientCount()) + " clients"

	statusCode := http.StatusOK
	if status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, r, statusCode, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"service":   "meltscan",
		"version":   s.version,
		"timestamp": time.Now().UTC(),
	})
}

// handleIndex describes the API surface for root requests.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"service": "meltscan API",
		"version": "v1",
		"endpoints": map[string]string{
			"liveness": "/api/v1/liveness",
			"health":   "/api/v1/health",
			"version":  "/api/v1/version",
			"scans":    "/api/v1/scans",
			"stream":   "/ws/results",
			"metrics":  "/metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	s.logger.Error("API error",
		"method", r.Method,
		"path", r.URL.Path,
		"status", statusCode,
		"error", err,
		"remote_addr", r.RemoteAddr)

	response := ErrorResponse{
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: RequestID(r),
	}
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		response.Code = string(code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if encodeErr := json.NewEncoder(w).Encode(response); encodeErr != nil {
		s.logger.Error("Failed to encode error response", "error", encodeErr)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response",
			"error", err,
			"path", r.URL.Path,
			"method", r.Method)
	}
}

// parseJSON decodes a request body, bounding its size and rejecting
// unknown fields.
func (s *Server) parseJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.NewScanError(errors.CodeValidation, "Corpo da requisição vazio")
	}

	body := r.Body
	if s.config.MaxRequestSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	}

	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return errors.WrapScanError(errors.CodeValidation, "Corpo da requisição inválido", err)
	}
	return nil
}
