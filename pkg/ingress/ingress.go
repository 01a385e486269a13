// Package ingress consumes machine events from NATS subjects and routes
// them into the registry.
package ingress

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/event"
	"github.com/statorio/stator/pkg/observability"
	"github.com/statorio/stator/pkg/registry"
)

// Config configures the NATS ingress consumer
type Config struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222"
	URL string `yaml:"url"`

	// Prefix is the subject namespace; events arrive on
	// <prefix>.events.<machineID>
	Prefix string `yaml:"prefix"`

	// QueueGroup names the queue group so horizontal consumers split the
	// stream; empty disables grouping.
	QueueGroup string `yaml:"queueGroup"`

	// Name is an optional NATS connection name
	Name string `yaml:"name"`

	// RouteTimeout bounds a single delivery into the registry
	RouteTimeout time.Duration `yaml:"routeTimeout"`
}

// DefaultConfig returns the default ingress configuration
func DefaultConfig() Config {
	return Config{
		URL:          nats.DefaultURL,
		Prefix:       "stator",
		QueueGroup:   "stator-ingress",
		RouteTimeout: 5 * time.Second,
	}
}

// Stats counts ingress outcomes
type Stats struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Invalid  int64 `json:"invalid"`
}

// Option configures a Consumer
type Option func(*Consumer)

// WithLogger sets the logger
func WithLogger(logger core.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics wires the ingress counters
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// WithConn reuses an existing connection instead of dialing; the caller
// keeps ownership and Close will not close it.
func WithConn(nc *nats.Conn) Option {
	return func(c *Consumer) {
		c.nc = nc
	}
}

// envelope is the wire shape of one event
type envelope struct {
	EventType string      `json:"eventType"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Consumer subscribes to the event subjects and feeds the registry.
// Delivery is at-least-once: NATS may redeliver and the registry treats
// duplicates like any other event.
type Consumer struct {
	config   Config
	registry registry.Registry
	logger   core.Logger
	metrics  *observability.Metrics

	nc       *nats.Conn
	ownsConn bool
	sub      *nats.Subscription

	accepted int64
	rejected int64
	invalid  int64
}

// New creates an ingress consumer bound to a registry
func New(config Config, reg registry.Registry, opts ...Option) (*Consumer, error) {
	if reg == nil {
		return nil, core.NewError(core.CodeConfig, "registry cannot be nil")
	}
	if config.Prefix == "" {
		config.Prefix = DefaultConfig().Prefix
	}
	if config.RouteTimeout <= 0 {
		config.RouteTimeout = DefaultConfig().RouteTimeout
	}

	c := &Consumer{
		config:   config,
		registry: reg,
		logger:   core.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start connects and subscribes. The subject wildcard covers every
// machine id under the prefix.
func (c *Consumer) Start() error {
	if c.sub != nil {
		return core.NewError(core.CodeInvalidState, "ingress already started")
	}

	if c.nc == nil {
		url := c.config.URL
		if url == "" {
			url = nats.DefaultURL
		}
		var connOpts []nats.Option
		if c.config.Name != "" {
			connOpts = append(connOpts, nats.Name(c.config.Name))
		}
		nc, err := nats.Connect(url, connOpts...)
		if err != nil {
			return core.WrapError(core.CodeConfig, "cannot connect to nats", err)
		}
		c.nc = nc
		c.ownsConn = true
	}

	subject := c.subjectRoot() + ".>"
	var sub *nats.Subscription
	var err error
	if c.config.QueueGroup != "" {
		sub, err = c.nc.QueueSubscribe(subject, c.config.QueueGroup, c.onMsg)
	} else {
		sub, err = c.nc.Subscribe(subject, c.onMsg)
	}
	if err != nil {
		if c.ownsConn {
			c.nc.Close()
			c.nc = nil
			c.ownsConn = false
		}
		return core.WrapError(core.CodeConfig, "cannot subscribe", err)
	}
	c.sub = sub
	c.logger.Infof("Ingress consuming %s (queue group %q)", subject, c.config.QueueGroup)
	return nil
}

// Close unsubscribes and drains the owned connection
func (c *Consumer) Close() error {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Warnf("Ingress drain failed: %v", err)
		}
		c.sub = nil
	}
	if c.ownsConn && c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			c.nc.Close()
		}
		c.nc = nil
		c.ownsConn = false
	}
	return nil
}

// Stats returns the delivery counters
func (c *Consumer) Stats() Stats {
	return Stats{
		Accepted: atomic.LoadInt64(&c.accepted),
		Rejected: atomic.LoadInt64(&c.rejected),
		Invalid:  atomic.LoadInt64(&c.invalid),
	}
}

func (c *Consumer) subjectRoot() string {
	return c.config.Prefix + ".events"
}

func (c *Consumer) onMsg(msg *nats.Msg) {
	machineID := strings.TrimPrefix(msg.Subject, c.subjectRoot()+".")
	if machineID == "" || machineID == msg.Subject {
		c.count(&c.invalid, "invalid")
		c.logger.Warnf("Ingress message on unexpected subject %s", msg.Subject)
		return
	}

	var env envelope
	if err := core.JSONDecode(msg.Data, &env); err != nil || env.EventType == "" {
		c.count(&c.invalid, "invalid")
		c.logger.Warnf("Ingress message for %s has invalid envelope: %v", machineID, err)
		c.reply(msg, registry.RouteResult{Accepted: false, Reason: "invalid"})
		return
	}

	ctx := context.Background()
	if rid := msg.Header.Get("X-Request-ID"); rid != "" {
		ctx = core.WithRequestID(ctx, rid)
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.RouteTimeout)
	defer cancel()

	res, err := c.registry.Route(ctx, machineID, event.New(env.EventType, env.Payload))
	if err != nil {
		c.count(&c.rejected, "rejected")
		c.logger.Warnf("Ingress routing for %s failed: %v", machineID, err)
		c.reply(msg, registry.RouteResult{Accepted: false, Reason: "error"})
		return
	}
	if !res.Accepted {
		c.count(&c.rejected, "rejected")
		c.logger.Debugf("Ingress event %s for %s not delivered: %s", env.EventType, machineID, res.Reason)
	} else {
		c.count(&c.accepted, "accepted")
	}
	c.reply(msg, res)
}

// reply answers request-style messages with the routing result
func (c *Consumer) reply(msg *nats.Msg, res registry.RouteResult) {
	if msg.Reply == "" {
		return
	}
	data, err := core.JSONEncode(res)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.Warnf("Ingress reply failed: %v", err)
	}
}

func (c *Consumer) count(counter *int64, result string) {
	atomic.AddInt64(counter, 1)
	if c.metrics != nil {
		c.metrics.RecordIngress(result)
	}
}
