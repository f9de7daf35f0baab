package types

import (
	"github.com/valyala/fasthttp"
)

type FastHTTPHandler func(ctx *fasthttp.RequestCtx)

type HTTPServer interface {
	LifecycleManager
}

// HTTPRouter is the compact route table the API server dispatches on.
// Path patterns support a trailing "{param}" segment.
type HTTPRouter interface {
	Add(method, path string, handler FastHTTPHandler)
	GET(path string, handler FastHTTPHandler)
	POST(path string, handler FastHTTPHandler)
	Lookup(method, path string) (FastHTTPHandler, map[string]string, bool)
}
