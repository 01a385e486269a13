package httpapi

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/statorio/stator/pkg/auth"
	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/event"
	"github.com/statorio/stator/pkg/history"
	"github.com/statorio/stator/pkg/observability"
	"github.com/statorio/stator/pkg/registry"
)

const handlerTimeout = 5 * time.Second

// APIOption configures an API
type APIOption func(*API)

// WithAuth enables bearer-token auth and the token issuance endpoint
func WithAuth(service *auth.Service) APIOption {
	return func(a *API) {
		a.auth = service
	}
}

// WithLogger sets the logger
func WithLogger(logger core.Logger) APIOption {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics wires request metrics and serves them on /metrics
func WithMetrics(m *observability.Metrics) APIOption {
	return func(a *API) {
		a.metrics = m
	}
}

// API binds the registry to the REST routes
type API struct {
	registry registry.Registry
	auth     *auth.Service
	logger   core.Logger
	metrics  *observability.Metrics
	promFast fasthttp.RequestHandler
}

// NewAPI creates the API over a registry
func NewAPI(reg registry.Registry, opts ...APIOption) (*API, error) {
	if reg == nil {
		return nil, core.NewError(core.CodeConfig, "registry cannot be nil")
	}
	a := &API{
		registry: reg,
		logger:   core.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.promFast = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(observability.DefaultRegistry, promhttp.HandlerOpts{}))
	return a, nil
}

// Router builds the route table with the middleware chain applied
func (a *API) Router() *Router {
	r := NewRouter()
	r.Use(Recovery(a.logger))
	r.Use(Logging(a.logger))
	if a.metrics != nil {
		r.Use(MetricsMiddleware(a.metrics))
	}
	if a.auth != nil {
		r.Use(AuthMiddleware(a.auth, "/healthz", "/metrics", "/api/auth/token"))
	}

	r.GET("/healthz", a.handleHealth)
	r.GET("/metrics", a.handleMetrics)
	r.GET("/api/machines", a.handleMachines)
	r.GET("/api/machines/:id", a.handleMachineState)
	r.GET("/api/machines/:id/history", a.handleHistory)
	r.GET("/api/registry", a.handleRegistry)
	r.POST("/api/machines", a.handleCreateMachine)
	r.POST("/api/machines/:id/events", a.handleInjectEvent)
	if a.auth != nil {
		r.POST("/api/auth/token", a.handleToken)
	}
	return r
}

func (a *API) handleHealth(c *RequestContext) error {
	status := "ok"
	code := fasthttp.StatusOK
	if a.registry.Stats().Stopped {
		status = "stopped"
		code = fasthttp.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]string{"status": status})
}

func (a *API) handleMetrics(c *RequestContext) error {
	a.promFast(c.RequestCtx)
	return nil
}

func (a *API) handleMachines(c *RequestContext) error {
	var machines []registry.MachineInfo
	if c.Query("offline") == "true" {
		machines = a.registry.OfflineMachines()
	} else {
		machines = a.registry.Machines()
	}
	return c.JSON(fasthttp.StatusOK, map[string]interface{}{"machines": machines})
}

func (a *API) handleMachineState(c *RequestContext) error {
	ctx, cancel := context.WithTimeout(c.Context(), handlerTimeout)
	defer cancel()

	st, err := a.registry.MachineState(ctx, c.Param("id"))
	if err != nil {
		return a.machineError(c, err)
	}
	return c.JSON(fasthttp.StatusOK, st)
}

func (a *API) handleHistory(c *RequestContext) error {
	machineID := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Context(), handlerTimeout)
	defer cancel()

	// Existence check first: the history table appears on first activation
	if _, err := a.registry.MachineState(ctx, machineID); err != nil {
		return a.machineError(c, err)
	}
	reader, err := a.registry.History(machineID)
	if err != nil {
		return a.machineError(c, err)
	}

	if since := c.Query("sinceId"); since != "" {
		lastID, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			return c.Error(fasthttp.StatusBadRequest, "invalid_input", "sinceId must be an integer")
		}
		records, err := reader.ReadSince(ctx, lastID)
		if err != nil {
			return a.machineError(c, err)
		}
		for _, rec := range records {
			if rec.ID > lastID {
				lastID = rec.ID
			}
		}
		return c.JSON(fasthttp.StatusOK, map[string]interface{}{
			"machineId":  machineID,
			"lastId":     lastID,
			"newEntries": records,
		})
	}

	records, err := reader.ReadAll(ctx)
	if err != nil {
		return a.machineError(c, err)
	}
	return c.JSON(fasthttp.StatusOK, map[string]interface{}{
		"machineId":  machineID,
		"history":    history.GroupRecords(records),
		"rawHistory": records,
	})
}

func (a *API) handleRegistry(c *RequestContext) error {
	return c.JSON(fasthttp.StatusOK, map[string]interface{}{
		"stats":    a.registry.Stats(),
		"machines": a.registry.Machines(),
	})
}

type createRequest struct {
	MachineType string `json:"machineType"`
	MachineID   string `json:"machineId"`
}

func (a *API) handleCreateMachine(c *RequestContext) error {
	var req createRequest
	if err := c.BindJSON(&req); err != nil {
		return c.Error(fasthttp.StatusBadRequest, "invalid_input", err.Error())
	}
	if req.MachineType == "" || req.MachineID == "" {
		return c.Error(fasthttp.StatusBadRequest, "invalid_input", "machineType and machineId are required")
	}

	ctx, cancel := context.WithTimeout(c.Context(), handlerTimeout)
	defer cancel()

	if err := a.registry.CreateMachine(ctx, req.MachineType, req.MachineID); err != nil {
		switch {
		case core.HasCode(err, core.CodeUnknownMachine):
			return c.Error(fasthttp.StatusNotFound, "unknown_type", "no such machine type")
		case core.HasCode(err, core.CodeInvalidState):
			return c.Error(fasthttp.StatusConflict, "already_exists", err.Error())
		default:
			return a.machineError(c, err)
		}
	}
	return c.JSON(fasthttp.StatusCreated, map[string]interface{}{
		"machineId":   req.MachineID,
		"machineType": req.MachineType,
	})
}

type injectRequest struct {
	EventType string      `json:"eventType"`
	Payload   interface{} `json:"payload,omitempty"`
}

func (a *API) handleInjectEvent(c *RequestContext) error {
	var req injectRequest
	if err := c.BindJSON(&req); err != nil {
		return c.Error(fasthttp.StatusBadRequest, "invalid_input", err.Error())
	}
	if req.EventType == "" {
		return c.Error(fasthttp.StatusBadRequest, "invalid_input", "eventType is required")
	}

	ctx, cancel := context.WithTimeout(c.Context(), handlerTimeout)
	defer cancel()

	res, err := a.registry.Route(ctx, c.Param("id"), event.New(req.EventType, req.Payload))
	if err != nil {
		return a.machineError(c, err)
	}
	if !res.Accepted {
		switch res.Reason {
		case registry.RouteNotFound:
			return c.Error(fasthttp.StatusNotFound, "not_found", "no such machine")
		case registry.RouteComplete:
			return c.Error(fasthttp.StatusConflict, "machine_complete", "machine has completed")
		case registry.RouteBackpressure:
			return c.Error(fasthttp.StatusServiceUnavailable, "backpressure", "machine mailbox is full")
		case registry.RouteStopped:
			return c.Error(fasthttp.StatusServiceUnavailable, "stopped", "registry is stopped")
		default:
			return c.Error(fasthttp.StatusServiceUnavailable, "not_delivered", res.Reason)
		}
	}
	return c.JSON(fasthttp.StatusAccepted, res)
}

type tokenRequest struct {
	Operator string `json:"operator"`
	Secret   string `json:"secret"`
}

func (a *API) handleToken(c *RequestContext) error {
	var req tokenRequest
	if err := c.BindJSON(&req); err != nil {
		return c.Error(fasthttp.StatusBadRequest, "invalid_input", err.Error())
	}
	if req.Operator == "" || req.Secret == "" {
		return c.Error(fasthttp.StatusBadRequest, "invalid_input", "operator and secret are required")
	}

	token, err := a.auth.Authenticate(req.Operator, req.Secret)
	if err != nil {
		return c.Error(fasthttp.StatusUnauthorized, "unauthorized", "invalid credentials")
	}
	return c.JSON(fasthttp.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresIn": int64(a.auth.TokenTTL().Seconds()),
	})
}

// machineError maps registry errors onto HTTP statuses
func (a *API) machineError(c *RequestContext, err error) error {
	switch {
	case core.HasCode(err, core.CodeUnknownMachine), core.HasCode(err, core.CodeNotFound):
		return c.Error(fasthttp.StatusNotFound, "not_found", "no such machine")
	case core.HasCode(err, core.CodeInvalidInput):
		return c.Error(fasthttp.StatusBadRequest, "invalid_input", err.Error())
	case core.HasCode(err, core.CodeStopped):
		return c.Error(fasthttp.StatusServiceUnavailable, "stopped", "registry is stopped")
	default:
		a.logger.Errorf("Request failed (request_id=%s): %v", c.requestID, err)
		return c.Error(fasthttp.StatusInternalServerError, "internal_error", "request failed")
	}
}
