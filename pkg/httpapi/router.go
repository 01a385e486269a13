// Package httpapi serves the REST inspection and operations API over
// fasthttp.
package httpapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/statorio/stator/pkg/core"
)

// RequestContext wraps a fasthttp request with routing state
type RequestContext struct {
	RequestCtx *fasthttp.RequestCtx
	Params     map[string]string
	route      string
	requestID  string
	operator   string
}

// Handler handles one request
type Handler func(ctx *RequestContext) error

// Middleware wraps a handler
type Middleware func(next Handler) Handler

type route struct {
	method  string
	path    string
	handler Handler
}

// Router matches requests against registered method and path patterns.
// Path segments starting with a colon capture parameters.
type Router struct {
	routes     []*route
	middleware []Middleware
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{}
}

// Use appends a middleware to the chain. Middleware applies to routes
// registered afterwards.
func (r *Router) Use(mw Middleware) {
	r.middleware = append(r.middleware, mw)
}

// GET registers a GET route
func (r *Router) GET(path string, handler Handler) {
	r.Route(fasthttp.MethodGet, path, handler)
}

// POST registers a POST route
func (r *Router) POST(path string, handler Handler) {
	r.Route(fasthttp.MethodPost, path, handler)
}

// Route registers a handler for a method and path pattern
func (r *Router) Route(method, path string, handler Handler) {
	for i := len(r.middleware) - 1; i >= 0; i-- {
		handler = r.middleware[i](handler)
	}
	r.routes = append(r.routes, &route{method: method, path: path, handler: handler})
}

// Handler returns the router as a fasthttp request handler
func (r *Router) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		r.serve(ctx)
	}
}

func (r *Router) serve(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())

	for _, rt := range r.routes {
		if rt.method != method || !matchPath(rt.path, path) {
			continue
		}

		requestID := string(ctx.Request.Header.Peek("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.Response.Header.Set("X-Request-ID", requestID)

		reqCtx := &RequestContext{
			RequestCtx: ctx,
			Params:     make(map[string]string),
			route:      rt.path,
			requestID:  requestID,
		}
		extractParams(rt.path, path, reqCtx.Params)

		if err := rt.handler(reqCtx); err != nil {
			writeError(ctx, fasthttp.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	writeError(ctx, fasthttp.StatusNotFound, "not_found", "no such route")
}

func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}
	for i, part := range patternParts {
		if strings.HasPrefix(part, ":") {
			continue
		}
		if part != pathParts[i] {
			return false
		}
	}
	return true
}

func extractParams(pattern, path string, params map[string]string) {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	for i, part := range patternParts {
		if strings.HasPrefix(part, ":") && i < len(pathParts) {
			params[strings.TrimPrefix(part, ":")] = pathParts[i]
		}
	}
}

// JSON writes a JSON response
func (c *RequestContext) JSON(statusCode int, data interface{}) error {
	if statusCode < 100 || statusCode > 599 {
		return fmt.Errorf("invalid status code: %d", statusCode)
	}
	c.RequestCtx.SetStatusCode(statusCode)
	c.RequestCtx.SetContentType("application/json")

	encoded, err := core.JSONEncode(data)
	if err != nil {
		return fmt.Errorf("json encode error: %w", err)
	}
	c.RequestCtx.Write(encoded)
	return nil
}

// BindJSON decodes the request body into v
func (c *RequestContext) BindJSON(v interface{}) error {
	body := c.RequestCtx.PostBody()
	if len(body) == 0 {
		return core.NewError(core.CodeInvalidInput, "empty request body")
	}
	if err := core.JSONDecode(body, v); err != nil {
		return core.WrapError(core.CodeInvalidInput, "invalid request body", err)
	}
	return nil
}

// Error writes a structured JSON error response
func (c *RequestContext) Error(statusCode int, code, message string) error {
	writeError(c.RequestCtx, statusCode, code, message)
	return nil
}

// Query returns a query parameter
func (c *RequestContext) Query(key string) string {
	return string(c.RequestCtx.QueryArgs().Peek(key))
}

// Param returns a path parameter
func (c *RequestContext) Param(key string) string {
	return c.Params[key]
}

// RequestID returns the request correlation id
func (c *RequestContext) RequestID() string {
	return c.requestID
}

// Operator returns the authenticated operator name, empty when auth is off
func (c *RequestContext) Operator() string {
	return c.operator
}

// Route returns the matched route pattern
func (c *RequestContext) Route() string {
	return c.route
}

// Context returns a request-scoped context carrying the correlation id
func (c *RequestContext) Context() context.Context {
	return core.WithRequestID(context.Background(), c.requestID)
}

func writeError(ctx *fasthttp.RequestCtx, statusCode int, code, message string) {
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	encoded, err := core.JSONEncode(map[string]string{"error": code, "message": message})
	if err != nil {
		return
	}
	ctx.Write(encoded)
}
