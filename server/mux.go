// File: server/mux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Router contract and a small pattern multiplexer.
//
// Patterns are absolute paths whose segments are literals, "{name}"
// captures or, as the last segment only, "**" which captures the rest of
// the path. Exact patterns win over captures; captures are tried in
// registration order.

package server

import (
	"fmt"
	"strings"
	"sync"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/protocol"
)

// Params are the values captured while routing.
type Params struct {
	Values   []string // "{name}" segments in pattern order
	Wildcard string   // remainder matched by "**"
}

// Router selects the handler for a request. The connection handler calls
// it with the path stripped of its query string.
type Router interface {
	Route(method, path string) (Handler, Params)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(method, path string) (Handler, Params)

// Route calls f.
func (f RouterFunc) Route(method, path string) (Handler, Params) { return f(method, path) }

type route struct {
	method   string
	segments []string
	wildcard bool
	handler  Handler
}

// Mux is a Router. A method of "" matches any method. A path registered
// only for other methods yields a 405 handler.
type Mux struct {
	mu       sync.RWMutex
	exact    map[string][]route
	patterns []route
	notFound Handler
}

var _ Router = (*Mux)(nil)

// NewMux returns an empty multiplexer that answers 404 to everything.
func NewMux() *Mux {
	return &Mux{
		exact:    make(map[string][]route),
		notFound: NotFound,
	}
}

// Handle registers h for method and pattern.
func (m *Mux) Handle(method, pattern string, h Handler) error {
	if h == nil || !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("route %s %q: %w", method, pattern, api.ErrInvalidArgument)
	}
	segs := splitPath(pattern)
	r := route{method: method, segments: segs, handler: h}
	literal := true
	for i, s := range segs {
		switch {
		case s == "**":
			if i != len(segs)-1 {
				return fmt.Errorf("route %q: ** must be the last segment: %w", pattern, api.ErrInvalidArgument)
			}
			r.wildcard = true
			r.segments = segs[:i]
			literal = false
		case strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
			if len(s) == 2 {
				return fmt.Errorf("route %q: empty parameter name: %w", pattern, api.ErrInvalidArgument)
			}
			literal = false
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if literal {
		m.exact[pattern] = append(m.exact[pattern], r)
	} else {
		m.patterns = append(m.patterns, r)
	}
	return nil
}

// HandleFunc is Handle for a plain function, panicking on a bad pattern.
func (m *Mux) HandleFunc(method, pattern string, h Handler) {
	if err := m.Handle(method, pattern, h); err != nil {
		panic(err)
	}
}

// SetNotFound replaces the 404 handler.
func (m *Mux) SetNotFound(h Handler) {
	m.mu.Lock()
	m.notFound = h
	m.mu.Unlock()
}

// Route implements Router.
func (m *Mux) Route(method, path string) (Handler, Params) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pathMatched := false
	if rs, ok := m.exact[path]; ok {
		for _, r := range rs {
			if methodMatches(r.method, method) {
				return r.handler, Params{}
			}
		}
		pathMatched = true
	}

	segs := splitPath(path)
	for _, r := range m.patterns {
		p, ok := r.match(segs)
		if !ok {
			continue
		}
		if methodMatches(r.method, method) {
			return r.handler, p
		}
		pathMatched = true
	}
	if pathMatched {
		return methodNotAllowed, Params{}
	}
	return m.notFound, Params{}
}

func (r *route) match(segs []string) (Params, bool) {
	if len(segs) < len(r.segments) || (!r.wildcard && len(segs) != len(r.segments)) {
		return Params{}, false
	}
	var p Params
	for i, want := range r.segments {
		if strings.HasPrefix(want, "{") && strings.HasSuffix(want, "}") {
			if segs[i] == "" {
				return Params{}, false
			}
			p.Values = append(p.Values, segs[i])
			continue
		}
		if want != segs[i] {
			return Params{}, false
		}
	}
	if r.wildcard {
		p.Wildcard = strings.Join(segs[len(r.segments):], "/")
	}
	return p, true
}

func methodMatches(want, got string) bool {
	return want == "" || want == got
}

// splitPath drops the leading slash; "/" yields one empty segment.
func splitPath(path string) []string {
	return strings.Split(strings.TrimPrefix(path, "/"), "/")
}

func methodNotAllowed(_ *protocol.Request, res *protocol.Response) error {
	return res.SetStatusAndContent(protocol.StatusMethodNotAllowed,
		"<html><body><h1>405 Method Not Allowed</h1></body></html>").Send()
}
