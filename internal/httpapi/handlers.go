package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"kycgate.dev/internal/audit"
	"kycgate.dev/internal/auth"
	"kycgate.dev/internal/pipeline"
	"kycgate.dev/internal/reqctx"
	"kycgate.dev/internal/respond"
)

type sessionUser struct {
	ID     int64    `json:"id"`
	Email  string   `json:"email"`
	Status string   `json:"status"`
	Roles  []string `json:"roles"`
}

type sessionResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int64       `json:"expires_in"`
	RefreshToken string      `json:"refresh_token"`
	User         sessionUser `json:"user"`
}

func sessionPayload(s *auth.Session) sessionResponse {
	roles := s.Roles
	if roles == nil {
		roles = []string{}
	}
	return sessionResponse{
		AccessToken:  s.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(s.AccessExpiresAt).Seconds()),
		RefreshToken: s.RefreshToken,
		User: sessionUser{
			ID:     s.User.ID,
			Email:  s.User.Email,
			Status: s.User.Status,
			Roles:  roles,
		},
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond.OK(w, correlationID(r), http.StatusOK, map[string]any{
		"status": "ok",
		"env":    a.cfg.Env,
	}, nil)
}

func (a *API) handleMetaRoutes(w http.ResponseWriter, r *http.Request) {
	respond.OK(w, correlationID(r), http.StatusOK, map[string]any{
		"routes": a.registry.Routes(),
	}, nil)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !a.decodeBody(w, r, &req) {
		return
	}
	session, err := a.auth.Login(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{
			"email": auth.Redact(auth.NormalizeEmail(req.Email)),
		})
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogin, map[string]any{
		"user_id": session.User.ID,
	})
	respond.OK(w, correlationID(r), http.StatusOK, sessionPayload(session), nil)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !a.decodeBody(w, r, &req) {
		return
	}
	session, err := a.auth.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRefresh, map[string]any{
		"user_id": session.User.ID,
	})
	respond.OK(w, correlationID(r), http.StatusOK, sessionPayload(session), nil)
}

// handleLogout always reports success; the work of denylisting is best-effort
// on a token that may already be expired. A refresh_token in the body is
// revoked alongside the access token.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	raw, _ := pipeline.BearerToken(r)
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if rc, ok := reqctx.From(r.Context()); ok && len(rc.Body) > 0 {
		_ = json.Unmarshal(rc.Body, &req)
	}
	if err := a.auth.Logout(r.Context(), raw, req.RefreshToken, requestMeta(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogout, nil)
	respond.OK(w, correlationID(r), http.StatusOK, map[string]any{
		"logged_out": true,
	}, nil)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	rc, _ := reqctx.From(r.Context())
	profile, err := a.auth.Me(r.Context(), rc.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respond.OK(w, correlationID(r), http.StatusOK, profile, nil)
}
