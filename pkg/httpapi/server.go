package httpapi

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/statorio/stator/pkg/core"
)

// ServerConfig configures the REST server
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`

	// MaxInFlight bounds concurrently served requests; overflow is
	// rejected with 503 instead of queueing.
	MaxInFlight int `yaml:"maxInFlight"`
}

// DefaultServerConfig returns the default REST server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxInFlight:  1024,
	}
}

// Server runs the REST API on fasthttp
type Server struct {
	config ServerConfig
	logger core.Logger
	server *fasthttp.Server

	inFlight int64
	rejected int64
}

// NewServer wraps an API's router in a fasthttp server
func NewServer(config ServerConfig, api *API, logger core.Logger) (*Server, error) {
	if api == nil {
		return nil, core.NewError(core.CodeConfig, "api cannot be nil")
	}
	if config.Addr == "" {
		return nil, core.NewError(core.CodeConfig, "server address cannot be empty")
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultServerConfig().MaxInFlight
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	s := &Server{
		config: config,
		logger: logger,
	}
	s.server = &fasthttp.Server{
		Handler:               s.limit(api.Router().Handler()),
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		NoDefaultServerHeader: true,
		ReduceMemoryUsage:     true,
	}
	return s, nil
}

// limit applies fail-fast admission: requests beyond MaxInFlight get an
// immediate 503 rather than queueing behind slow ones.
func (s *Server) limit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	max := int64(s.config.MaxInFlight)
	return func(ctx *fasthttp.RequestCtx) {
		if atomic.AddInt64(&s.inFlight, 1) > max {
			atomic.AddInt64(&s.inFlight, -1)
			atomic.AddInt64(&s.rejected, 1)
			writeError(ctx, fasthttp.StatusServiceUnavailable, "backpressure", "server at capacity")
			return
		}
		defer atomic.AddInt64(&s.inFlight, -1)
		next(ctx)
	}
}

// ListenAndServe blocks serving requests until Shutdown
func (s *Server) ListenAndServe() error {
	s.logger.Infof("REST API listening on %s", s.config.Addr)
	return s.server.ListenAndServe(s.config.Addr)
}

// Shutdown drains connections and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.ShutdownWithContext(ctx)
}

// Rejected returns the number of requests refused by the admission limit
func (s *Server) Rejected() int64 {
	return atomic.LoadInt64(&s.rejected)
}
