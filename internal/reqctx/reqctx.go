// Package reqctx carries per-request mutable state through the gate pipeline.
package reqctx

import (
	"context"
	"strings"
)

// Context is created once per request before any gate runs, mutated additively
// by gates, and discarded at request end. It is never shared across requests.
type Context struct {
	CorrelationID string
	UserID        int64
	Roles         []string
	RouteName     string

	// Body is the raw request body, read once by the pipeline.
	Body []byte

	// Params holds path parameters captured during route resolution.
	Params map[string]string

	hooks []func(status int, body []byte)
}

// Param returns a captured path parameter or "".
func (c *Context) Param(name string) string {
	if c == nil {
		return ""
	}
	return c.Params[name]
}

// New returns a fresh request context.
func New(correlationID string) *Context {
	return &Context{CorrelationID: correlationID}
}

// Authenticated reports whether a user id has been established.
func (c *Context) Authenticated() bool {
	return c != nil && c.UserID > 0
}

// HasRole reports whether the request carries the given role.
func (c *Context) HasRole(role string) bool {
	if c == nil {
		return false
	}
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range c.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// OnResponse registers a hook invoked after the downstream handler produced a
// response. Used by the idempotency gate to persist the eventual response.
func (c *Context) OnResponse(fn func(status int, body []byte)) {
	if fn != nil {
		c.hooks = append(c.hooks, fn)
	}
}

// RunResponseHooks fires registered hooks in order.
func (c *Context) RunResponseHooks(status int, body []byte) {
	for _, fn := range c.hooks {
		fn(status, body)
	}
}

type ctxKey struct{}

// Into attaches the request context to a context.Context for handlers.
func Into(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From extracts the request context if present.
func From(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(ctxKey{}).(*Context)
	if !ok || rc == nil {
		return nil, false
	}
	return rc, true
}
