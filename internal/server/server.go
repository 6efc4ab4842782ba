package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"greeter/internal/config"
	"greeter/internal/greeter"
	"greeter/internal/hmacauth"
	"greeter/internal/idempotency"
	"greeter/internal/session"
	"greeter/internal/view"
)

type Server struct {
	cfg        *config.AppConfig
	holder     *session.Holder
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	view       *view.Renderer
	metrics    *metricsRegistry
	logger     *zap.Logger
	locks      keyLocks
	httpServer *http.Server
	dbHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, holder *session.Holder, store idempotency.Store, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")
	if store == nil {
		store = idempotency.NewMemoryStore()
	}

	renderer, err := view.New()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		holder: holder,
		store:  store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.Secret,
			MaxSkew: cfg.Service.ClockSkew,
			Logger:  logger,
		},
		view:    renderer,
		metrics: newMetricsRegistry(),
		logger:  logger,
	}

	if checker, ok := store.(idempotency.Pinger); ok {
		s.dbHealthFn = checker.Ping
	}
	if _, ok := holder.Current(); ok {
		s.metrics.setConnected()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handlePage)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(view.Static())))

	mux.HandleFunc("POST /ui/connect", s.handleUIConnect)
	mux.HandleFunc("GET /ui/greeting", s.handleUIGreeting)
	mux.HandleFunc("GET /ui/summary", s.handleUISummary)
	mux.HandleFunc("POST /ui/greeting", s.handleUISetGreeting)
	mux.HandleFunc("GET /ui/history", s.handleUIHistory)
	mux.HandleFunc("GET /ui/history/lookup", s.handleUILookup)

	mux.HandleFunc("POST /api/v1/connect", s.handleConnect)
	mux.HandleFunc("GET /api/v1/greeting", s.handleGreeting)
	mux.HandleFunc("GET /api/v1/info", s.handleInfo)
	mux.Handle("POST /api/v1/greeting", s.hmac.Middleware(http.HandlerFunc(s.handleSetGreeting)))
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.HandleFunc("GET /api/v1/history/{index}", s.handleLookup)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(s.logRequests(mux)),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s, nil
}

// Handler exposes the routed handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown; a clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) connect(ctx context.Context) (*session.Session, error) {
	_, already := s.holder.Current()
	sess, err := s.holder.Connect(ctx)
	switch {
	case err != nil:
		s.metrics.incConnect("failed")
	case already:
		s.metrics.incConnect("existing")
	default:
		s.metrics.incConnect("connected")
		s.metrics.setConnected()
	}
	return sess, err
}

func (s *Server) serviceFor(sess *session.Session) *greeter.Service {
	return greeter.NewService(observedContract{next: sess.Contract, metrics: s.metrics}, s.logger.Named("greeter"))
}

// service returns a greeter bound to the session, or session.ErrNotConnected.
func (s *Server) service() (*greeter.Service, error) {
	sess, err := s.holder.Require()
	if err != nil {
		return nil, err
	}
	return s.serviceFor(sess), nil
}

// readContext bounds one read operation by the configured RPC timeout.
func (s *Server) readContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.Chain.RPCTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.cfg.Chain.RPCTimeout)
}

func (s *Server) setGreeting(ctx context.Context, svc *greeter.Service, input string) (greeter.SetOutcome, error) {
	out, err := svc.SetGreeting(ctx, input)
	switch {
	case greeter.IsValidation(err):
		s.metrics.incWrite("rejected")
	case err != nil:
		s.metrics.incWrite("failed")
	default:
		s.metrics.incWrite("included")
		s.metrics.observeWrite(out.Elapsed)
	}
	return out, err
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict
	case greeter.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, greeter.ErrLookupFailed):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	sess, connected := s.holder.Current()
	sessionInfo := struct {
		Connected   bool       `json:"connected"`
		Account     string     `json:"account,omitempty"`
		Endpoint    string     `json:"endpoint,omitempty"`
		ConnectedAt *time.Time `json:"connected_at,omitempty"`
	}{Connected: connected}

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if connected {
		sessionInfo.Account = sess.Account.Hex()
		sessionInfo.Endpoint = sess.Endpoint
		sessionInfo.ConnectedAt = &sess.ConnectedAt

		if sess.Health != nil {
			start := time.Now()
			rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := sess.Health.Ping(rpcCtx); err != nil {
				rpcInfo.Error = err.Error()
				overallHealthy = false
			} else {
				rpcInfo.Connected = true
				rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
			}
		} else {
			rpcInfo.Connected = true
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	switch {
	case !overallHealthy:
		status = "degraded"
	case !connected:
		status = "disconnected"
	}

	resp := struct {
		Status   string      `json:"status"`
		Session  interface{} `json:"session"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
	}{
		Status:   status,
		Session:  sessionInfo,
		RPC:      rpcInfo,
		Database: dbInfo,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", r.Header.Get("X-Request-Id")))
	})
}
