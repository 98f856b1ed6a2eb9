package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"d2dtreasury/crypto"
	"d2dtreasury/gateway/middleware"
	"d2dtreasury/integrations/eventlog"
	"d2dtreasury/native/treasury"
	"d2dtreasury/services/treasuryd/keeper"
)

const maxBodyBytes = 1 << 20

// Route groups used for rate limiting.
const (
	GroupStaking = "staking"
	GroupDeploy  = "deploy"
	GroupAdmin   = "admin"
)

// Options configures the HTTP surface.
type Options struct {
	Auth           middleware.AuthConfig
	RateLimits     map[string]middleware.RateLimit
	ServiceName    string
	LogRequests    bool
	OriginPatterns []string
	Metrics        Metrics
	MetricsHandler http.Handler
	EventLog       *eventlog.Log
	Keeper         *keeper.Keeper
	Hub            *Hub
	Logger         *slog.Logger
}

// Metrics receives HTTP and throttle observations.
type Metrics interface {
	middleware.HTTPObserver
	RecordThrottle(reason string)
}

// Server exposes the treasury engine over HTTP.
type Server struct {
	engine         *treasury.Engine
	keeper         *keeper.Keeper
	events         *eventlog.Log
	hub            *Hub
	logger         *slog.Logger
	auth           *middleware.Authenticator
	limiter        *middleware.RateLimiter
	obs            *middleware.Observability
	metrics        http.Handler
	originPatterns []string
}

func New(engine *treasury.Engine, opts Options) (*Server, error) {
	if engine == nil {
		return nil, errors.New("server: engine required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "treasuryd"
	}
	limiter := middleware.NewRateLimiter(opts.RateLimits, logger)
	var observer middleware.HTTPObserver
	if opts.Metrics != nil {
		observer = opts.Metrics
		limiter.OnThrottle(opts.Metrics.RecordThrottle)
	}
	return &Server{
		engine:         engine,
		keeper:         opts.Keeper,
		events:         opts.EventLog,
		hub:            hub,
		logger:         logger,
		auth:           middleware.NewAuthenticator(opts.Auth, logger),
		limiter:        limiter,
		obs:            middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: serviceName, LogRequests: opts.LogRequests}, observer, logger),
		metrics:        metricsHandler,
		originPatterns: opts.OriginPatterns,
	}, nil
}

// Hub returns the event hub backing the websocket stream.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.obs.Middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metrics)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware())

		if s.keeper != nil {
			r.With(s.requireAdmin).Mount("/admin/keeper", s.keeper.AdminRoutes())
		}

		r.Route("/v1", func(r chi.Router) {
			s.readRoutes(r)
			r.With(s.limiter.Middleware(GroupStaking)).Group(s.stakingRoutes)
			r.With(s.limiter.Middleware(GroupDeploy)).Group(s.deploymentRoutes)
			r.With(s.limiter.Middleware(GroupAdmin)).Group(s.adminRoutes)
		})
	})
	return r
}

func (s *Server) readRoutes(r chi.Router) {
	r.Get("/ledger", s.handleLedger)
	r.Get("/apy", s.handleAPY)
	r.Get("/health/protocol", s.handleProtocolHealth)
	r.Get("/custody", s.handleCustody)
	r.Get("/positions", s.handlePositions)
	r.Get("/positions/{staker}", s.handlePosition)
	r.Get("/deployments", s.handleDeployRequests)
	r.Get("/deployments/{id}", s.handleDeployRequest)
	r.Get("/queue/head", s.handleQueueHead)
	r.Get("/queue/{position}", s.handleQueueEntry)
	r.Get("/withdrawal", s.handlePendingWithdrawal)
	r.Get("/escrow/{developer}", s.handleEscrow)
	r.Get("/programs/{program}", s.handleManagedProgram)
	r.Get("/balances/{id}", s.handleBalance)
	r.Get("/events", s.handleEvents)
	r.Get("/events/stream", s.handleEventStream)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAdmin restricts a route to the ledger admin.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerOf(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ledger, err := s.engine.Ledger(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !caller.Equal(ledger.Admin) {
			s.writeError(w, r, treasury.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerOf(r *http.Request) (crypto.Identity, error) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		return crypto.Identity{}, errNoCaller
	}
	return caller, nil
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func requestIDParam(r *http.Request) ([32]byte, error) {
	h, err := parseHash32(chi.URLParam(r, "id"))
	return [32]byte(h), err
}

func identityParam(r *http.Request, name string) (crypto.Identity, error) {
	id, err := crypto.ParseIdentity(chi.URLParam(r, name))
	if err != nil {
		return crypto.Identity{}, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return id, nil
}

func uint32Param(r *http.Request, name string) (uint32, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an unsigned integer", errBadRequest, name)
	}
	return uint32(v), nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return v, nil
}

// queryList collects repeated and comma separated values of a query parameter.
func queryList(r *http.Request, name string) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
