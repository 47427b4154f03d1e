package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"kycgate.dev/internal/idempotency"
	"kycgate.dev/internal/obs"
	"kycgate.dev/internal/ratelimit"
	"kycgate.dev/internal/rbac"
	"kycgate.dev/internal/respond"
	"kycgate.dev/internal/token"
)

// HeaderIdempotencyKey carries the client deduplication key.
const HeaderIdempotencyKey = "X-Idempotency-Key"

// HeaderIdempotencyReplayed marks responses served from the idempotency store.
const HeaderIdempotencyReplayed = "X-Idempotency-Replayed"

// authRoutePrefix names the token-lifecycle routes the idempotency gate must
// never memoize.
const authRoutePrefix = "v1.auth."

// CorrelationGate assigns the request correlation id, honoring a well-formed
// client-supplied one so retries across services stay traceable.
type CorrelationGate struct{}

func NewCorrelationGate() *CorrelationGate { return &CorrelationGate{} }

func (g *CorrelationGate) Name() string { return "correlation" }

func (g *CorrelationGate) Evaluate(r *http.Request, s *State) Outcome {
	if s.RC.CorrelationID == "" {
		s.RC.CorrelationID = resolveCorrelationID(r)
	}
	return Continue().WithHeader(respond.HeaderCorrelationID, s.RC.CorrelationID)
}

// resolveCorrelationID honors a well-formed client-supplied id, otherwise
// assigns a fresh one. The pipeline calls it before any gate runs so even
// pre-gate rejections stay traceable.
func resolveCorrelationID(r *http.Request) string {
	cid := strings.TrimSpace(r.Header.Get(respond.HeaderCorrelationID))
	if _, err := uuid.Parse(cid); err != nil {
		return uuid.NewString()
	}
	return cid
}

// CORSConfig is the allow-list the CORS gate enforces.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAge         time.Duration
}

// CORSGate rejects disallowed origins before any auth detail can leak and
// answers preflight requests itself.
type CORSGate struct {
	cfg CORSConfig
}

func NewCORSGate(cfg CORSConfig) *CORSGate { return &CORSGate{cfg: cfg} }

func (g *CORSGate) Name() string { return "cors" }

func (g *CORSGate) Evaluate(r *http.Request, s *State) Outcome {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return Continue()
	}
	if !g.originAllowed(origin) {
		return Halt(http.StatusForbidden, respond.CodeCORSDenied, "Origin not allowed")
	}

	// Any OPTIONS from an allowed origin is answered here, preflight or not.
	out := Continue()
	if r.Method == http.MethodOptions {
		out = NoContent(http.StatusNoContent)
	}
	out = out.WithHeader("Access-Control-Allow-Origin", origin).
		WithHeader("Access-Control-Allow-Credentials", "true").
		WithHeader("Vary", "Origin")
	if len(g.cfg.ExposedHeaders) > 0 {
		out = out.WithHeader("Access-Control-Expose-Headers", strings.Join(g.cfg.ExposedHeaders, ", "))
	}
	if out.Halted() {
		out = out.WithHeader("Access-Control-Allow-Methods", strings.Join(g.cfg.AllowedMethods, ", ")).
			WithHeader("Access-Control-Allow-Headers", strings.Join(g.cfg.AllowedHeaders, ", "))
		if g.cfg.MaxAge > 0 {
			out = out.WithHeader("Access-Control-Max-Age", strconv.Itoa(int(g.cfg.MaxAge.Seconds())))
		}
	}
	return out
}

func (g *CORSGate) originAllowed(origin string) bool {
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// RouteResolver matches a method and path against the route table.
type RouteResolver interface {
	Match(method, path string) (*Route, map[string]string, bool)
}

// RouteGate resolves the route name early so later gates can scope their
// checks by it. Unmatched requests stop here.
type RouteGate struct {
	resolver RouteResolver
}

func NewRouteGate(resolver RouteResolver) *RouteGate { return &RouteGate{resolver: resolver} }

func (g *RouteGate) Name() string { return "route" }

func (g *RouteGate) Evaluate(r *http.Request, s *State) Outcome {
	route, params, ok := g.resolver.Match(r.Method, r.URL.Path)
	if !ok {
		return Halt(http.StatusNotFound, respond.CodeNotFound, "Route not found")
	}
	s.Route = route
	s.RC.RouteName = route.Name
	s.RC.Params = params
	return Continue()
}

// JSONBodyGate requires application/json on every mutating method, body or
// no body. Routes declared with AllowEmptyBody may omit the payload itself;
// the media type requirement still applies, and a body that is present must
// be valid JSON.
type JSONBodyGate struct{}

func NewJSONBodyGate() *JSONBodyGate { return &JSONBodyGate{} }

func (g *JSONBodyGate) Name() string { return "jsonbody" }

func (g *JSONBodyGate) Evaluate(r *http.Request, s *State) Outcome {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return Continue()
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return Halt(http.StatusUnsupportedMediaType, respond.CodeUnsupportedMediaType,
			"Content-Type must be application/json")
	}
	if len(s.RC.Body) == 0 {
		if s.Route != nil && s.Route.AllowEmptyBody {
			return Continue()
		}
		return Halt(http.StatusBadRequest, respond.CodeInvalidJSON, "Request body must be valid JSON")
	}
	if !json.Valid(s.RC.Body) {
		return Halt(http.StatusBadRequest, respond.CodeInvalidJSON, "Request body must be valid JSON")
	}
	return Continue()
}

// AuthnGate verifies the bearer token and populates the request identity.
// Public routes bypass it entirely. A revocation-store failure counts as
// revoked.
type AuthnGate struct {
	tokens      *token.Service
	revocations token.RevocationStore
}

func NewAuthnGate(tokens *token.Service, revocations token.RevocationStore) *AuthnGate {
	return &AuthnGate{tokens: tokens, revocations: revocations}
}

func (g *AuthnGate) Name() string { return "authn" }

func (g *AuthnGate) Evaluate(r *http.Request, s *State) Outcome {
	if s.Route != nil && s.Route.Public {
		return Continue()
	}
	raw, ok := BearerToken(r)
	if !ok {
		return Halt(http.StatusUnauthorized, respond.CodeUnauthorized, "Authentication required")
	}
	claims, err := g.tokens.Verify(raw)
	if err != nil {
		return Halt(http.StatusUnauthorized, respond.CodeUnauthorized, "Invalid or expired token")
	}
	revoked, err := g.revocations.IsRevoked(r.Context(), claims.ID)
	if err != nil || revoked {
		if err != nil {
			obs.LogRequest(map[string]any{
				"level":          "error",
				"msg":            "revocation check failed",
				"correlation_id": s.RC.CorrelationID,
				"error":          err.Error(),
			})
		}
		return Halt(http.StatusUnauthorized, respond.CodeUnauthorized, "Token has been revoked")
	}
	userID := claims.SubjectID()
	if userID == 0 {
		return Halt(http.StatusUnauthorized, respond.CodeUnauthorized, "Invalid or expired token")
	}
	s.RC.UserID = userID
	s.RC.Roles = claims.Roles
	return Continue()
}

// BearerToken extracts the Authorization bearer credential.
func BearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}

// AuthzGate enforces the permission the registry declares for the route. A
// resolved route that the registry does not know is a misconfiguration and is
// denied, not treated as public.
type AuthzGate struct {
	registry *rbac.Registry
	resolver rbac.Resolver
}

func NewAuthzGate(registry *rbac.Registry, resolver rbac.Resolver) *AuthzGate {
	return &AuthzGate{registry: registry, resolver: resolver}
}

func (g *AuthzGate) Name() string { return "authz" }

func (g *AuthzGate) Evaluate(r *http.Request, s *State) Outcome {
	req, ok := g.registry.Lookup(s.RC.RouteName)
	if !ok {
		return Halt(http.StatusForbidden, respond.CodeForbidden,
			"Permission mapping missing for route")
	}
	if req.Public {
		return Continue()
	}
	if !s.RC.Authenticated() {
		return Halt(http.StatusUnauthorized, respond.CodeUnauthorized, "Authentication required")
	}
	allowed, err := g.resolver.UserHasPermission(r.Context(), s.RC.UserID, req.Permission)
	if err != nil {
		return Halt(http.StatusInternalServerError, respond.CodeInternalError,
			"Internal server error")
	}
	if !allowed {
		return Halt(http.StatusForbidden, respond.CodeForbidden, "Insufficient permissions").
			WithDetails(map[string]any{"permission": req.Permission})
	}
	return Continue()
}

// IdempotencyGate deduplicates mutating requests. Token-lifecycle routes are
// exempt; everything else POSTed must carry a key.
type IdempotencyGate struct {
	store idempotency.Store
}

func NewIdempotencyGate(store idempotency.Store) *IdempotencyGate {
	return &IdempotencyGate{store: store}
}

func (g *IdempotencyGate) Name() string { return "idempotency" }

func (g *IdempotencyGate) Evaluate(r *http.Request, s *State) Outcome {
	if r.Method != http.MethodPost {
		return Continue()
	}
	routeName := s.RC.RouteName
	if strings.HasPrefix(routeName, authRoutePrefix) {
		return Continue()
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" {
		return Halt(http.StatusBadRequest, respond.CodeMissingIdempotencyKey,
			fmt.Sprintf("%s header is required", HeaderIdempotencyKey))
	}
	if !validIdempotencyKey(key) {
		return Halt(http.StatusBadRequest, respond.CodeInvalidIdempotencyKey,
			fmt.Sprintf("%s must be at most %d printable characters", HeaderIdempotencyKey, idempotency.MaxKeyLength))
	}

	requestHash := idempotency.HashBody(s.RC.Body)
	rec, err := g.store.Lookup(r.Context(), key, routeName)
	switch {
	case errors.Is(err, idempotency.ErrNotFound):
		g.armCommitHook(r, s, key, routeName, requestHash)
		return Continue()
	case err != nil:
		return Halt(http.StatusInternalServerError, respond.CodeInternalError,
			"Internal server error")
	}

	if rec.RequestHash != requestHash {
		return Halt(http.StatusConflict, respond.CodeIdempotencyMismatch,
			"Idempotency key was already used with a different request body")
	}
	obs.ObserveIdempotencyReplay()
	return Replay(rec.ResponseStatus, rec.ResponseBody).
		WithHeader(HeaderIdempotencyReplayed, "true")
}

// armCommitHook persists the eventual response after the handler ran. Only
// well-formed JSON bodies are memoized; anything else lets a retry re-execute.
func (g *IdempotencyGate) armCommitHook(r *http.Request, s *State, key, routeName, requestHash string) {
	ctx := r.Context()
	rc := s.RC
	rc.OnResponse(func(status int, body []byte) {
		if len(body) == 0 || !json.Valid(body) {
			return
		}
		err := g.store.Commit(ctx, idempotency.Record{
			Key:            key,
			RouteName:      routeName,
			UserID:         rc.UserID,
			RequestHash:    requestHash,
			ResponseStatus: status,
			ResponseBody:   body,
			CorrelationID:  rc.CorrelationID,
		})
		if err != nil {
			obs.LogRequest(map[string]any{
				"level":          "error",
				"msg":            "idempotency commit failed",
				"correlation_id": rc.CorrelationID,
				"route":          routeName,
				"error":          err.Error(),
			})
		}
	})
}

func validIdempotencyKey(key string) bool {
	if len(key) > idempotency.MaxKeyLength {
		return false
	}
	for _, c := range key {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// RateLimitGate runs last so it only throttles requests that already passed
// the cheaper checks. Identity is the authenticated user id when present,
// otherwise the client address.
type RateLimitGate struct {
	limiter  *ratelimit.Limiter
	disabled bool
}

func NewRateLimitGate(limiter *ratelimit.Limiter, disabled bool) *RateLimitGate {
	return &RateLimitGate{limiter: limiter, disabled: disabled}
}

func (g *RateLimitGate) Name() string { return "ratelimit" }

func (g *RateLimitGate) Evaluate(r *http.Request, s *State) Outcome {
	if g.disabled {
		return Continue()
	}
	identity := clientAddr(r)
	if s.RC.Authenticated() {
		identity = "user:" + strconv.FormatInt(s.RC.UserID, 10)
	}
	ok, retryAfter := g.limiter.Allow(identity)
	if ok {
		return Continue()
	}
	seconds := int(retryAfter.Seconds())
	if retryAfter > 0 && seconds == 0 {
		seconds = 1
	}
	return Halt(http.StatusTooManyRequests, respond.CodeRateLimited, "Rate limit exceeded").
		WithDetails(map[string]any{"retry_after_seconds": seconds}).
		WithHeader("Retry-After", strconv.Itoa(seconds))
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
