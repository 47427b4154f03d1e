package pipeline

import (
	"net/http"
	"strings"
)

// Route is one named entry in the table the pipeline dispatches against. The
// declared flags drive the gates: Public bypasses authentication, Permission
// feeds the authorization lookup, AllowEmptyBody exempts the route from the
// JSON body requirement on mutating methods.
type Route struct {
	Method         string
	Pattern        string
	Name           string
	Permission     string
	Public         bool
	AllowEmptyBody bool
	Handler        http.HandlerFunc

	segments []segment
}

type segment struct {
	literal string
	param   string
}

func compileRoute(r Route) Route {
	parts := splitPath(r.Pattern)
	r.segments = make([]segment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			r.segments = append(r.segments, segment{param: strings.Trim(p, "{}")})
			continue
		}
		r.segments = append(r.segments, segment{literal: p})
	}
	return r
}

func (r *Route) match(method, path string) (map[string]string, bool) {
	if r.Method != method {
		return nil, false
	}
	parts := splitPath(path)
	if len(parts) != len(r.segments) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range r.segments {
		if seg.param != "" {
			if parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
