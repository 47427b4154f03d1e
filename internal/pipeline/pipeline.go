// Package pipeline runs every request through an ordered chain of gates
// before dispatching the matched route handler. The first gate that halts
// writes the response and nothing after it runs.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"kycgate.dev/internal/obs"
	"kycgate.dev/internal/reqctx"
	"kycgate.dev/internal/respond"
)

// State is the per-request view shared by the gates. RC accumulates what the
// gates establish; Route is set by the route-resolution gate.
type State struct {
	RC    *reqctx.Context
	Route *Route
	Debug bool
}

// Gate evaluates one concern for a request. Evaluate must not write to the
// ResponseWriter; it reports its decision through the Outcome.
type Gate interface {
	Name() string
	Evaluate(r *http.Request, s *State) Outcome
}

// Pipeline is the http.Handler for the whole API surface.
type Pipeline struct {
	routes       []Route
	gates        []Gate
	debug        bool
	maxBodyBytes int64
}

// New builds a pipeline over the given route table. Gates are attached with
// Use; their order is the caller's responsibility and the pipeline runs them
// exactly as given.
func New(routes []Route, debug bool, maxBodyBytes int64) (*Pipeline, error) {
	if len(routes) == 0 {
		return nil, errors.New("pipeline: route table is empty")
	}
	if maxBodyBytes <= 0 {
		return nil, errors.New("pipeline: max body size must be positive")
	}
	compiled := make([]Route, 0, len(routes))
	seen := make(map[string]struct{}, len(routes))
	for _, rt := range routes {
		if rt.Name == "" || rt.Handler == nil {
			return nil, fmt.Errorf("pipeline: route %q %s %s is incomplete", rt.Name, rt.Method, rt.Pattern)
		}
		if _, dup := seen[rt.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate route name %q", rt.Name)
		}
		seen[rt.Name] = struct{}{}
		compiled = append(compiled, compileRoute(rt))
	}
	return &Pipeline{
		routes:       compiled,
		debug:        debug,
		maxBodyBytes: maxBodyBytes,
	}, nil
}

// Use appends gates to the chain.
func (p *Pipeline) Use(gates ...Gate) {
	p.gates = append(p.gates, gates...)
}

// Routes exposes the compiled table for registry construction.
func (p *Pipeline) Routes() []Route { return p.routes }

// Match finds the route for a method and path.
func (p *Pipeline) Match(method, path string) (*Route, map[string]string, bool) {
	for i := range p.routes {
		if params, ok := p.routes[i].match(method, path); ok {
			return &p.routes[i], params, true
		}
	}
	return nil, nil, false
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rc := reqctx.New(resolveCorrelationID(r))
	state := &State{RC: rc, Debug: p.debug}

	defer func() {
		if rec := recover(); rec != nil {
			details := map[string]any{}
			if p.debug {
				details["panic"] = fmt.Sprintf("%v", rec)
			}
			respond.Error(w, rc.CorrelationID, http.StatusInternalServerError,
				respond.CodeInternalError, "Internal server error", details)
			obs.LogRequest(map[string]any{
				"level":          "error",
				"msg":            "panic recovered",
				"correlation_id": rc.CorrelationID,
				"method":         r.Method,
				"path":           r.URL.Path,
				"panic":          fmt.Sprintf("%v", rec),
			})
		}
	}()

	if !p.readBody(w, r, rc) {
		return
	}

	for _, g := range p.gates {
		out := g.Evaluate(r, state)
		for k, v := range out.Headers {
			w.Header().Set(k, v)
		}
		if !out.Halted() {
			continue
		}
		obs.ObserveGateHalt(g.Name(), out.Code)
		p.writeHalt(w, rc, out)
		p.logRequest(r, rc, out.Status, start)
		return
	}

	cw := &captureWriter{ResponseWriter: w}
	ctx := reqctx.Into(r.Context(), rc)
	state.Route.Handler(cw, r.WithContext(ctx))
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	rc.RunResponseHooks(cw.status, cw.body.Bytes())
	p.logRequest(r, rc, cw.status, start)
}

// readBody drains the request body once so every gate and the handler share
// the same bytes. Oversized bodies are rejected here.
func (p *Pipeline) readBody(w http.ResponseWriter, r *http.Request, rc *reqctx.Context) bool {
	if r.Body == nil {
		return true
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.maxBodyBytes))
	if err != nil {
		respond.Error(w, rc.CorrelationID, http.StatusBadRequest,
			respond.CodeValidationError, "Request body could not be read",
			map[string]any{"max_bytes": p.maxBodyBytes})
		return false
	}
	rc.Body = body
	return true
}

func (p *Pipeline) writeHalt(w http.ResponseWriter, rc *reqctx.Context, out Outcome) {
	if out.rawReplay {
		if len(out.ReplayBody) == 0 {
			if rc.CorrelationID != "" {
				w.Header().Set(respond.HeaderCorrelationID, rc.CorrelationID)
			}
			w.WriteHeader(out.Status)
			return
		}
		respond.Raw(w, rc.CorrelationID, out.Status, out.ReplayBody)
		return
	}
	respond.Error(w, rc.CorrelationID, out.Status, out.Code, out.Message, out.Details)
}

func (p *Pipeline) logRequest(r *http.Request, rc *reqctx.Context, status int, start time.Time) {
	obs.LogRequest(map[string]any{
		"level":          "info",
		"msg":            "request",
		"correlation_id": rc.CorrelationID,
		"method":         r.Method,
		"path":           r.URL.Path,
		"route":          rc.RouteName,
		"status":         status,
		"user_id":        rc.UserID,
		"duration_ms":    time.Since(start).Milliseconds(),
	})
}

// captureWriter tees the handler response so post-response hooks can see it.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
