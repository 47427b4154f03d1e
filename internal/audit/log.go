// Package audit writes an append-only JSON trail of security-relevant events.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"kycgate.dev/internal/obs"
	"kycgate.dev/internal/reqctx"
)

// Event names recorded by the auth and admin flows.
const (
	EventLogin          = "auth.login"
	EventLoginFailed    = "auth.login_failed"
	EventRefresh        = "auth.refresh"
	EventLogout         = "auth.logout"
	EventTokenRevoked   = "auth.token_revoked"
	EventUserCreated    = "admin.user_created"
	EventUserUpdated    = "admin.user_updated"
	EventUserDisabled   = "admin.user_disabled"
	EventRolesAssigned  = "admin.roles_assigned"
	EventRoleMutated    = "admin.role_mutated"
	EventPermsReplaced  = "admin.permissions_replaced"
)

// LogEvent writes one audit line enriched with the request identity when the
// context carries one.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rc, ok := reqctx.From(ctx); ok {
		if rc.CorrelationID != "" {
			entry["correlation_id"] = rc.CorrelationID
		}
		if rc.UserID > 0 {
			entry["actor_id"] = rc.UserID
		}
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
