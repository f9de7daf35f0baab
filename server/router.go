package server

import (
	"strings"
	"sync"

	"github.com/planforge/plangen/types"
)

type paramRoute struct {
	prefix    string
	paramName string
	handler   types.FastHTTPHandler
}

// Router is a compact route table: exact matches plus patterns whose final
// segment is a "{param}" placeholder.
type Router struct {
	mu     sync.RWMutex
	static map[string]types.FastHTTPHandler
	params map[string][]paramRoute
}

func NewRouter() *Router {
	return &Router{
		static: make(map[string]types.FastHTTPHandler),
		params: make(map[string][]paramRoute),
	}
}

func (r *Router) Add(method, path string, handler types.FastHTTPHandler) {
	if handler == nil {
		return
	}

	method = strings.ToUpper(method)
	path = normalizePath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if name, prefix, ok := trailingParam(path); ok {
		r.params[method] = append(r.params[method], paramRoute{
			prefix:    prefix,
			paramName: name,
			handler:   handler,
		})
		return
	}

	r.static[method+":"+path] = handler
}

func (r *Router) GET(path string, handler types.FastHTTPHandler) {
	r.Add("GET", path, handler)
}

func (r *Router) POST(path string, handler types.FastHTTPHandler) {
	r.Add("POST", path, handler)
}

func (r *Router) Lookup(method, path string) (types.FastHTTPHandler, map[string]string, bool) {
	method = strings.ToUpper(method)
	path = normalizePath(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if handler, ok := r.static[method+":"+path]; ok {
		return handler, nil, true
	}

	for _, route := range r.params[method] {
		value, ok := strings.CutPrefix(path, route.prefix)
		if !ok || value == "" || strings.Contains(value, "/") {
			continue
		}
		return route.handler, map[string]string{route.paramName: value}, true
	}

	return nil, nil, false
}

// trailingParam reports whether the pattern ends in a "{name}" segment and
// returns the parameter name together with the literal prefix before it.
func trailingParam(pattern string) (name, prefix string, ok bool) {
	idx := strings.LastIndex(pattern, "/")
	if idx < 0 {
		return "", "", false
	}

	last := pattern[idx+1:]
	if !strings.HasPrefix(last, "{") || !strings.HasSuffix(last, "}") || len(last) < 3 {
		return "", "", false
	}

	return last[1 : len(last)-1], pattern[:idx+1], true
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}
