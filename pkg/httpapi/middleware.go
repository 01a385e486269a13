package httpapi

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/statorio/stator/pkg/auth"
	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/observability"
)

// Logging records one line per request with method, path, status and
// duration.
func Logging(logger core.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx *RequestContext) error {
			start := time.Now()
			err := next(ctx)
			logger.Infof("%s %s -> %d (%s) request_id=%s",
				string(ctx.RequestCtx.Method()),
				string(ctx.RequestCtx.Path()),
				ctx.RequestCtx.Response.StatusCode(),
				time.Since(start).Round(time.Microsecond),
				ctx.requestID)
			return err
		}
	}
}

// Recovery turns handler panics into 500 responses
func Recovery(logger core.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx *RequestContext) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("Handler panic (request_id=%s): %v", ctx.requestID, r)
					writeError(ctx.RequestCtx, fasthttp.StatusInternalServerError,
						"internal_error", "request handler failed")
					err = nil
				}
			}()
			return next(ctx)
		}
	}
}

// MetricsMiddleware records request counts and latencies labelled by the
// matched route pattern, keeping label cardinality bounded.
func MetricsMiddleware(m *observability.Metrics) Middleware {
	return func(next Handler) Handler {
		return func(ctx *RequestContext) error {
			start := time.Now()
			err := next(ctx)
			m.RecordHTTPRequest(
				string(ctx.RequestCtx.Method()),
				ctx.route,
				statusCodeString(ctx.RequestCtx.Response.StatusCode()),
				time.Since(start))
			return err
		}
	}
}

func statusCodeString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// AuthMiddleware rejects requests without a valid bearer token. Paths in
// skip bypass the check so health, metrics and token issuance stay open.
func AuthMiddleware(service *auth.Service, skip ...string) Middleware {
	skipped := make(map[string]bool, len(skip))
	for _, path := range skip {
		skipped[path] = true
	}
	return func(next Handler) Handler {
		return func(ctx *RequestContext) error {
			if skipped[string(ctx.RequestCtx.Path())] {
				return next(ctx)
			}

			token, err := auth.ParseBearer(string(ctx.RequestCtx.Request.Header.Peek("Authorization")))
			if err != nil {
				return ctx.Error(fasthttp.StatusUnauthorized, "unauthorized", "missing bearer token")
			}
			claims, err := service.VerifyToken(token)
			if err != nil {
				return ctx.Error(fasthttp.StatusUnauthorized, "unauthorized", "invalid token")
			}
			ctx.operator = auth.Subject(claims)
			return next(ctx)
		}
	}
}
