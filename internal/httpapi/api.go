// Package httpapi assembles the route table, the gate pipeline and the
// request handlers into one HTTP surface.
package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"kycgate.dev/internal/auth"
	"kycgate.dev/internal/config"
	"kycgate.dev/internal/idempotency"
	"kycgate.dev/internal/obs"
	"kycgate.dev/internal/pipeline"
	"kycgate.dev/internal/ratelimit"
	"kycgate.dev/internal/rbac"
	"kycgate.dev/internal/reqctx"
	"kycgate.dev/internal/respond"
	"kycgate.dev/internal/token"
)

// API owns the wired pipeline and the services the handlers call.
type API struct {
	cfg      config.Config
	auth     *auth.Service
	admin    *auth.Admin
	catalog  *rbac.Service
	registry *rbac.Registry
	pipe     *pipeline.Pipeline
}

// Deps collects the collaborators the API needs.
type Deps struct {
	Auth        *auth.Service
	Admin       *auth.Admin
	Catalog     *rbac.Service
	Tokens      *token.Service
	Revocations token.RevocationStore
	Resolver    rbac.Resolver
	Idempotency idempotency.Store
}

// New wires the full surface: routes, permission registry, gates in their
// fixed order, and the limiter.
func New(cfg config.Config, deps Deps) (*API, error) {
	a := &API{
		cfg:     cfg,
		auth:    deps.Auth,
		admin:   deps.Admin,
		catalog: deps.Catalog,
	}
	routes := a.routes()

	entries := make(map[string]rbac.Requirement, len(routes))
	for _, rt := range routes {
		entries[rt.Name] = rbac.Requirement{Permission: rt.Permission, Public: rt.Public}
	}
	a.registry = rbac.NewRegistry(entries)

	pipe, err := pipeline.New(routes, cfg.Debug, cfg.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	if err != nil {
		return nil, err
	}
	pipe.Use(
		pipeline.NewCorrelationGate(),
		pipeline.NewCORSGate(pipeline.CORSConfig{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: cfg.CORS.AllowedMethods,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
			ExposedHeaders: cfg.CORS.ExposedHeaders,
			MaxAge:         time.Duration(cfg.CORS.MaxAge) * time.Second,
		}),
		pipeline.NewRouteGate(pipe),
		pipeline.NewJSONBodyGate(),
		pipeline.NewAuthnGate(deps.Tokens, deps.Revocations),
		pipeline.NewAuthzGate(a.registry, deps.Resolver),
		pipeline.NewIdempotencyGate(deps.Idempotency),
		pipeline.NewRateLimitGate(limiter, cfg.RateLimit.Disabled),
	)
	a.pipe = pipe
	return a, nil
}

// Handler returns the root handler with metrics mounted outside the pipeline.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.Handle("/", obs.Instrument(a.pipe))
	return mux
}

func (a *API) routes() []pipeline.Route {
	return []pipeline.Route{
		{Method: http.MethodGet, Pattern: "/v1/health", Name: "v1.health",
			Public: true, Handler: a.handleHealth},
		{Method: http.MethodGet, Pattern: "/v1/meta/routes", Name: "v1.meta.routes",
			Public: true, Handler: a.handleMetaRoutes},

		{Method: http.MethodPost, Pattern: "/v1/auth/login", Name: "v1.auth.login",
			Public: true, Handler: a.handleLogin},
		{Method: http.MethodPost, Pattern: "/v1/auth/refresh", Name: "v1.auth.refresh",
			Public: true, Handler: a.handleRefresh},
		{Method: http.MethodPost, Pattern: "/v1/auth/logout", Name: "v1.auth.logout",
			Permission: "auth:logout", AllowEmptyBody: true, Handler: a.handleLogout},
		{Method: http.MethodGet, Pattern: "/v1/auth/me", Name: "v1.auth.me",
			Permission: "auth:me", Handler: a.handleMe},

		{Method: http.MethodGet, Pattern: "/v1/admin/users", Name: "v1.admin.users.list",
			Permission: "admin:users:list", Handler: a.handleUsersList},
		{Method: http.MethodPost, Pattern: "/v1/admin/users", Name: "v1.admin.users.create",
			Permission: "admin:users:create", Handler: a.handleUsersCreate},
		{Method: http.MethodGet, Pattern: "/v1/admin/users/{id}", Name: "v1.admin.users.read",
			Permission: "admin:users:read", Handler: a.handleUsersRead},
		{Method: http.MethodPatch, Pattern: "/v1/admin/users/{id}", Name: "v1.admin.users.update",
			Permission: "admin:users:update", Handler: a.handleUsersUpdate},
		{Method: http.MethodPost, Pattern: "/v1/admin/users/{id}/disable", Name: "v1.admin.users.disable",
			Permission: "admin:users:disable", AllowEmptyBody: true, Handler: a.handleUsersDisable},
		{Method: http.MethodPost, Pattern: "/v1/admin/users/{id}/roles", Name: "v1.admin.users.assign_roles",
			Permission: "admin:users:assign_roles", Handler: a.handleUsersAssignRoles},

		{Method: http.MethodGet, Pattern: "/v1/admin/roles", Name: "v1.admin.roles.list",
			Permission: "admin:roles:list", Handler: a.handleRolesList},
		{Method: http.MethodPost, Pattern: "/v1/admin/roles", Name: "v1.admin.roles.create",
			Permission: "admin:roles:create", Handler: a.handleRolesCreate},
		{Method: http.MethodGet, Pattern: "/v1/admin/roles/{id}", Name: "v1.admin.roles.read",
			Permission: "admin:roles:read", Handler: a.handleRolesRead},
		{Method: http.MethodPatch, Pattern: "/v1/admin/roles/{id}", Name: "v1.admin.roles.update",
			Permission: "admin:roles:update", Handler: a.handleRolesUpdate},
		{Method: http.MethodDelete, Pattern: "/v1/admin/roles/{id}", Name: "v1.admin.roles.delete",
			Permission: "admin:roles:delete", AllowEmptyBody: true, Handler: a.handleRolesDelete},
		{Method: http.MethodPost, Pattern: "/v1/admin/roles/{id}/permissions", Name: "v1.admin.roles.assign_permissions",
			Permission: "admin:roles:assign_permissions", Handler: a.handleRolesAssignPermissions},

		{Method: http.MethodGet, Pattern: "/v1/admin/permissions", Name: "v1.admin.permissions.list",
			Permission: "admin:permissions:list", Handler: a.handlePermissionsList},
	}
}

// decodeBody unmarshals the request body the pipeline already read and
// validated as JSON. Field-level type mismatches still surface here.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	rc, _ := reqctx.From(r.Context())
	if rc == nil || len(rc.Body) == 0 {
		respond.Error(w, correlationID(r), http.StatusBadRequest, respond.CodeValidationError,
			"Request body is required", nil)
		return false
	}
	if err := json.Unmarshal(rc.Body, v); err != nil {
		respond.Error(w, rc.CorrelationID, http.StatusBadRequest, respond.CodeValidationError,
			"Request body has invalid field types", nil)
		return false
	}
	return true
}

// pathID parses the {id} path parameter.
func (a *API) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	rc, _ := reqctx.From(r.Context())
	id, err := strconv.ParseInt(rc.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respond.Error(w, correlationID(r), http.StatusBadRequest, respond.CodeValidationError,
			"id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func correlationID(r *http.Request) string {
	if rc, ok := reqctx.From(r.Context()); ok {
		return rc.CorrelationID
	}
	return ""
}

func requestMeta(r *http.Request) auth.RequestMeta {
	meta := auth.RequestMeta{
		IP:            r.RemoteAddr,
		UserAgent:     r.UserAgent(),
		CorrelationID: correlationID(r),
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		meta.IP = host
	}
	return meta
}
