package httpapi

import (
	"errors"
	"net/http"

	"kycgate.dev/internal/auth"
	"kycgate.dev/internal/obs"
	"kycgate.dev/internal/rbac"
	"kycgate.dev/internal/reqctx"
	"kycgate.dev/internal/respond"
	"kycgate.dev/internal/token"
)

// writeError maps domain errors onto the public envelope. Anything unmatched
// becomes INTERNAL_ERROR with detail only in debug mode.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	cid := ""
	if rc, ok := reqctx.From(r.Context()); ok {
		cid = rc.CorrelationID
	}

	switch {
	case errors.Is(err, auth.ErrBadCredential):
		respond.Error(w, cid, http.StatusUnauthorized, respond.CodeUnauthorized,
			"Invalid email or password", nil)
	case errors.Is(err, auth.ErrUserDisabled):
		respond.Error(w, cid, http.StatusUnauthorized, respond.CodeUnauthorized,
			"Account is disabled", nil)
	case errors.Is(err, auth.ErrRefreshNotFound):
		respond.Error(w, cid, http.StatusUnauthorized, respond.CodeUnauthorized,
			"Invalid refresh token", nil)
	case errors.Is(err, token.ErrInvalidToken):
		respond.Error(w, cid, http.StatusUnauthorized, respond.CodeUnauthorized,
			"Invalid or expired token", nil)
	case errors.Is(err, auth.ErrUserNotFound), errors.Is(err, rbac.ErrNotFound):
		respond.Error(w, cid, http.StatusNotFound, respond.CodeNotFound,
			"Resource not found", nil)
	case errors.Is(err, rbac.ErrSystemRole):
		respond.Error(w, cid, http.StatusForbidden, respond.CodeForbidden,
			"System roles cannot be modified", nil)
	case errors.Is(err, auth.ErrEmailTaken):
		respond.Error(w, cid, http.StatusBadRequest, respond.CodeValidationError,
			"Email is already registered", nil)
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, rbac.ErrInvalidInput):
		respond.Error(w, cid, http.StatusBadRequest, respond.CodeValidationError,
			err.Error(), nil)
	default:
		obs.LogRequest(map[string]any{
			"level":          "error",
			"msg":            "handler error",
			"correlation_id": cid,
			"path":           r.URL.Path,
			"error":          err.Error(),
		})
		details := map[string]any{}
		if a.cfg.Debug {
			details["error"] = err.Error()
		}
		respond.Error(w, cid, http.StatusInternalServerError, respond.CodeInternalError,
			"Internal server error", details)
	}
}
