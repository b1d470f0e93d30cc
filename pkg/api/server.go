package api

import (
	"database/sql"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fileworks/tessera/pkg/audit"
	"github.com/fileworks/tessera/pkg/billing"
	"github.com/fileworks/tessera/pkg/identity"
	"github.com/fileworks/tessera/pkg/middleware"
	"github.com/fileworks/tessera/pkg/observability"
	"github.com/fileworks/tessera/pkg/rbac"
	"github.com/fileworks/tessera/pkg/sessions"
	"github.com/fileworks/tessera/pkg/sysconfig"
	"github.com/fileworks/tessera/pkg/tenants"
)

// Config carries the assembly-time settings for the API server.
type Config struct {
	Version             string
	ServiceName         string
	TracingEnabled      bool
	LagoWebhookSecret   string
	StripeWebhookSecret string
	// AllowedOrigins are the SPA origins permitted to call the API from a
	// browser. Empty means no CORS headers are emitted.
	AllowedOrigins []string
}

// Server wires the domain handler groups, the middleware chain, and the
// operational endpoints into one http.Handler.
type Server struct {
	router *mux.Router
	root   http.Handler
	db     *sql.DB

	logger   *observability.Logger
	metrics  *observability.Metrics
	registry *prometheus.Registry
	health   *observability.HealthChecker
	tracing  mux.MiddlewareFunc

	configStore *sysconfig.Store

	users      *identity.Handlers
	tenants    *tenants.Handlers
	rbac       *rbac.Handlers
	sessions   *sessions.Handlers
	audit      *audit.Handlers
	systemConf *sysconfig.Handlers
	billing    *billing.Handlers

	rateLimit   *middleware.RateLimit
	sessionAuth *middleware.SessionAuth
}

// NewServer assembles stores, services, and handlers on the shared database
// handle. redisClient may be nil: rate limiting then runs on in-process
// windows and readiness skips the Redis probe.
func NewServer(db *sql.DB, redisClient *redis.Client, cfg Config, logger *observability.Logger) (*Server, error) {
	auditLogger, err := audit.NewDBLogger(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	configStore := sysconfig.NewStore(db, auditLogger)

	userStore := identity.NewStore(db)
	userService := identity.NewService(userStore, configStore, auditLogger)

	tenantStore := tenants.NewStore(db)
	tenantService := tenants.NewService(tenantStore, configStore, auditLogger)

	sessionService := sessions.NewService(sessions.NewStore(db), userStore, configStore, auditLogger)

	billingService := billing.NewService(tenantStore, billing.Config{
		LagoWebhookSecret:   cfg.LagoWebhookSecret,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
	}, auditLogger, logger)

	limiter := middleware.NewTenantRateLimiter(redisClient, configStore, logger)

	s := &Server{
		router:      mux.NewRouter(),
		db:          db,
		logger:      logger,
		metrics:     metrics,
		registry:    registry,
		health:      observability.NewHealthChecker(db, redisClient, cfg.Version),
		configStore: configStore,
		users:       identity.NewHandlers(userService),
		tenants:     tenants.NewHandlers(tenantService),
		rbac:        rbac.NewHandlers(db, auditLogger, metrics),
		sessions:    sessions.NewHandlers(sessionService),
		audit:       audit.NewHandlers(auditLogger),
		systemConf:  sysconfig.NewHandlers(configStore),
		billing:     billing.NewHandlers(billingService),
		rateLimit:   middleware.NewRateLimit(limiter, metrics),
		sessionAuth: middleware.NewSessionAuth(sessionService, userStore, false),
	}
	s.tracing = func(next http.Handler) http.Handler {
		return observability.TracingHandler(next, cfg.ServiceName, cfg.TracingEnabled)
	}

	s.setupRoutes()

	// CORS sits outside the router so preflights are answered without a
	// matching route.
	s.root = middleware.CORS(cfg.AllowedOrigins)(s.router)
	return s, nil
}

// setupRoutes configures the middleware chain and mounts every handler group.
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(s.tracing)

	s.router.HandleFunc("/health/live", s.health.Liveness).Methods("GET")
	s.router.HandleFunc("/health/ready", s.health.Readiness).Methods("GET")
	s.router.Handle("/metrics", observability.MetricsHandler(s.registry)).Methods("GET")

	// Billing webhooks authenticate by provider signature, not by session.
	s.billing.RegisterRoutes(s.router)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimit.Handler)
	api.Use(s.sessionGate)

	s.users.RegisterRoutes(api)
	s.tenants.RegisterRoutes(api)
	s.rbac.RegisterRoutes(api)
	s.sessions.RegisterRoutes(api)

	// Platform operator surfaces. Same /api/v1 prefix, consulted after the
	// groups above, gated on the global role.
	admin := api.NewRoute().Subrouter()
	admin.Use(middleware.RequireGlobalRole(rbac.GlobalRoleAdmin, rbac.GlobalRoleSuperadmin))
	s.audit.RegisterRoutes(admin)
	s.systemConf.RegisterRoutes(admin)
}

// sessionExempt lists the flows that necessarily run before the caller
// holds a session: registration, login, password reset, the session
// validation/revocation primitives themselves, login-failure reports from
// the identity provider, and the public signup subdomain probe.
var sessionExempt = map[string]bool{
	"POST /api/v1/users":                           true,
	"POST /api/v1/users/password-reset":            true,
	"POST /api/v1/users/{kratos_id}/login-failure": true,
	"POST /api/v1/sessions":                        true,
	"GET /api/v1/sessions/{session_id}":            true,
	"DELETE /api/v1/sessions/{session_id}":         true,
	"POST /api/v1/tenants/validate-subdomain":      true,
}

// sessionGate applies bearer session auth to every API route except the
// sessionExempt set. Matching is on the route template, not the raw path,
// so /sessions/{session_id} is exempt while /users/{user_id}/sessions is
// not.
func (s *Server) sessionGate(next http.Handler) http.Handler {
	authed := s.sessionAuth.Handler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil && sessionExempt[r.Method+" "+tmpl] {
				next.ServeHTTP(w, r)
				return
			}
		}
		authed.ServeHTTP(w, r)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.root.ServeHTTP(w, r)
}

// OperationalHandler serves only the health and metrics endpoints, for
// deployments that probe on a separate port.
func (s *Server) OperationalHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health/live", s.health.Liveness).Methods("GET")
	r.HandleFunc("/health/ready", s.health.Readiness).Methods("GET")
	r.Handle("/metrics", observability.MetricsHandler(s.registry)).Methods("GET")
	return r
}

// Router exposes the underlying router so binaries can mount extra routes.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ConfigStore exposes the shared system config store.
func (s *Server) ConfigStore() *sysconfig.Store {
	return s.configStore
}

// RouteRegistrar is implemented by handler groups that mount themselves on
// a router.
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// RegisterRoutes mounts an additional handler group at the router root.
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router)
}
