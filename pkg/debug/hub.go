// Package debug serves the WebSocket channel that mirrors registry and
// machine activity to connected inspection clients.
package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/statorio/stator/pkg/auth"
	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/event"
	"github.com/statorio/stator/pkg/fsm"
	"github.com/statorio/stator/pkg/history"
	"github.com/statorio/stator/pkg/observability"
	"github.com/statorio/stator/pkg/registry"
)

// Inbound frame actions and types.
const (
	ActionGetMachines        = "GET_MACHINES"
	ActionGetMachineState    = "GET_MACHINE_STATE"
	ActionGetHistory         = "GET_HISTORY"
	ActionGetHistorySince    = "GET_HISTORY_SINCE"
	ActionGetOfflineMachines = "GET_OFFLINE_MACHINES"
	ActionGetRegistryState   = "GET_REGISTRY_STATE"

	TypeEvent            = "EVENT"
	TypeEventToArbitrary = "EVENT_TO_ARBITRARY"
)

// Outbound frame types.
const (
	TypeMachinesList        = "MACHINES_LIST"
	TypeMachineState        = "MACHINE_STATE"
	TypeHistoryData         = "HISTORY_DATA"
	TypeHistoryUpdate       = "HISTORY_UPDATE"
	TypeStateChange         = "STATE_CHANGE"
	TypeMachineRegistered   = "MACHINE_REGISTERED"
	TypeMachineUnregistered = "MACHINE_UNREGISTERED"
	TypeCompleteStatus      = "COMPLETE_STATUS"
	TypeRegistryState       = "REGISTRY_STATE"
	TypeEventResult         = "EVENT_RESULT"
	TypeError               = "ERROR"
)

// inboundFrame is the union of all client frames. Queries arrive under
// action, event injections under type.
type inboundFrame struct {
	Action    string          `json:"action,omitempty"`
	Type      string          `json:"type,omitempty"`
	MachineID string          `json:"machineId,omitempty"`
	EventType string          `json:"eventType,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	LastID    int64           `json:"lastId,omitempty"`
}

const requestTimeout = 5 * time.Second

// HubOption configures a Hub
type HubOption func(*Hub)

// WithAuth gates the upgrade behind bearer-token verification
func WithAuth(service *auth.Service) HubOption {
	return func(h *Hub) {
		h.auth = service
	}
}

// WithLogger sets the logger
func WithLogger(logger core.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics wires the connected-client gauge
func WithMetrics(m *observability.Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithSendQueue sets the per-client outbound queue size
func WithSendQueue(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// Hub upgrades inspection clients and fans registry activity out to them.
// It plugs into the registry as both state change observer and topology
// listener; broadcasts never block the engine, a slow client loses frames.
type Hub struct {
	registry  registry.Registry
	auth      *auth.Service
	logger    core.Logger
	metrics   *observability.Metrics
	queueSize int
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub over a registry
func NewHub(reg registry.Registry, opts ...HubOption) (*Hub, error) {
	if reg == nil {
		return nil, core.NewError(core.CodeConfig, "registry cannot be nil")
	}
	h := &Hub{
		registry:  reg,
		logger:    core.NewDefaultLogger(),
		queueSize: 64,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// client is one connected inspection session.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan interface{}
	done chan struct{}
	once sync.Once
}

// ServeHTTP implements http.Handler: it authenticates, upgrades and starts
// the client's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	if h.auth != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			parsed, err := auth.ParseBearer(r.Header.Get("Authorization"))
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			token = parsed
		}
		if _, err := h.auth.VerifyToken(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("Debug upgrade failed: %v", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan interface{}, h.queueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SetDebugClients(count)
	}

	go c.writePump()
	go c.readPump()

	// New clients start from the current picture
	c.enqueue(h.completeStatusFrame())
	h.logger.Infof("Debug client connected (%d active)", count)
}

// Close disconnects every client and refuses further upgrades
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SetDebugClients(count)
	}
}

// broadcast enqueues a frame for every client, dropping it where the
// client's queue is full.
func (h *Hub) broadcast(frame interface{}) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(frame)
	}
}

// OnStateChange implements fsm.Observer
func (h *Hub) OnStateChange(change fsm.StateChange) {
	h.broadcast(map[string]interface{}{
		"type":              TypeStateChange,
		"machineId":         change.MachineID,
		"machineType":       change.MachineType,
		"stateBefore":       change.StateBefore,
		"stateAfter":        change.StateAfter,
		"eventName":         change.EventName,
		"payload":           change.Payload,
		"context":           change.Context,
		"timestamp":         change.Timestamp.UnixMilli(),
		"entryActionStatus": change.EntryActionStatus,
		"completed":         change.Completed,
	})
}

// OnMachineRegistered implements registry.Listener
func (h *Hub) OnMachineRegistered(machineID, machineType string) {
	h.broadcast(map[string]interface{}{
		"type":        TypeMachineRegistered,
		"machineId":   machineID,
		"machineType": machineType,
	})
	h.broadcast(h.completeStatusFrame())
}

// OnMachineUnregistered implements registry.Listener
func (h *Hub) OnMachineUnregistered(machineID, machineType string) {
	h.broadcast(map[string]interface{}{
		"type":        TypeMachineUnregistered,
		"machineId":   machineID,
		"machineType": machineType,
	})
	h.broadcast(h.completeStatusFrame())
}

func (h *Hub) completeStatusFrame() map[string]interface{} {
	machines := h.registry.Machines()
	entries := make([]map[string]interface{}, 0, len(machines))
	for _, m := range machines {
		entries = append(entries, map[string]interface{}{
			"id":           m.ID,
			"type":         m.MachineType,
			"currentState": m.CurrentState,
			"complete":     m.Complete,
		})
	}
	return map[string]interface{}{
		"type":     TypeCompleteStatus,
		"machines": entries,
	}
}

func (c *client) enqueue(frame interface{}) {
	select {
	case c.send <- frame:
	default:
		c.hub.logger.Warnf("Debug client: frame dropped (slow consumer)")
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.hub.remove(c)
	})
}

// writePump is the single writer on the connection
func (c *client) writePump() {
	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump parses inbound frames and answers them
func (c *client) readPump() {
	defer c.close()

	for {
		var frame inboundFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnf("Debug read error: %v", err)
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *client) dispatch(frame inboundFrame) {
	switch frame.Action {
	case ActionGetMachines:
		c.enqueue(machinesListFrame(c.hub.registry.Machines()))
		return
	case ActionGetOfflineMachines:
		c.enqueue(machinesListFrame(c.hub.registry.OfflineMachines()))
		return
	case ActionGetMachineState:
		c.handleMachineState(frame)
		return
	case ActionGetHistory:
		c.handleHistory(frame)
		return
	case ActionGetHistorySince:
		c.handleHistorySince(frame)
		return
	case ActionGetRegistryState:
		c.enqueue(map[string]interface{}{
			"type":     TypeRegistryState,
			"stats":    c.hub.registry.Stats(),
			"machines": c.hub.registry.Machines(),
		})
		return
	}

	switch frame.Type {
	case TypeEvent, TypeEventToArbitrary:
		c.handleEvent(frame)
	default:
		c.sendError(frame, "unknown frame")
	}
}

func (c *client) handleMachineState(frame inboundFrame) {
	if frame.MachineID == "" {
		c.sendError(frame, "machineId is required")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	st, err := c.hub.registry.MachineState(ctx, frame.MachineID)
	if err != nil {
		c.sendError(frame, err.Error())
		return
	}
	c.enqueue(map[string]interface{}{
		"type":         TypeMachineState,
		"machineId":    st.ID,
		"machineType":  st.MachineType,
		"currentState": st.CurrentState,
		"complete":     st.Complete,
		"live":         st.Live,
		"context":      st.Context,
		"timestamp":    st.Timestamp,
	})
}

func (c *client) handleHistory(frame inboundFrame) {
	if frame.MachineID == "" {
		c.sendError(frame, "machineId is required")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	reader, err := c.hub.registry.History(frame.MachineID)
	if err != nil {
		c.sendError(frame, err.Error())
		return
	}
	records, err := reader.ReadAll(ctx)
	if err != nil {
		c.sendError(frame, err.Error())
		return
	}
	c.enqueue(map[string]interface{}{
		"type":       TypeHistoryData,
		"machineId":  frame.MachineID,
		"history":    history.GroupRecords(records),
		"rawHistory": records,
	})
}

func (c *client) handleHistorySince(frame inboundFrame) {
	if frame.MachineID == "" {
		c.sendError(frame, "machineId is required")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	reader, err := c.hub.registry.History(frame.MachineID)
	if err != nil {
		c.sendError(frame, err.Error())
		return
	}
	records, err := reader.ReadSince(ctx, frame.LastID)
	if err != nil {
		c.sendError(frame, err.Error())
		return
	}

	lastID := frame.LastID
	for _, rec := range records {
		if rec.ID > lastID {
			lastID = rec.ID
		}
	}
	c.enqueue(map[string]interface{}{
		"type":       TypeHistoryUpdate,
		"machineId":  frame.MachineID,
		"lastId":     lastID,
		"newEntries": records,
	})
}

func (c *client) handleEvent(frame inboundFrame) {
	if frame.MachineID == "" || frame.EventType == "" {
		c.sendError(frame, "machineId and eventType are required")
		return
	}

	var payload interface{}
	if len(frame.Payload) > 0 {
		if err := core.JSONDecode(frame.Payload, &payload); err != nil {
			c.sendError(frame, "invalid payload")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	res, err := c.hub.registry.Route(ctx, frame.MachineID, event.New(frame.EventType, payload))
	if err != nil {
		c.sendError(frame, err.Error())
		return
	}
	c.enqueue(map[string]interface{}{
		"type":       TypeEventResult,
		"machineId":  frame.MachineID,
		"accepted":   res.Accepted,
		"reason":     res.Reason,
		"rehydrated": res.Rehydrated,
	})
}

func (c *client) sendError(frame inboundFrame, message string) {
	request := frame.Action
	if request == "" {
		request = frame.Type
	}
	c.enqueue(map[string]interface{}{
		"type":    TypeError,
		"request": request,
		"error":   message,
	})
}

func machinesListFrame(machines []registry.MachineInfo) map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(machines))
	for _, m := range machines {
		entries = append(entries, map[string]interface{}{
			"id":   m.ID,
			"type": m.MachineType,
		})
	}
	return map[string]interface{}{
		"type":     TypeMachinesList,
		"machines": entries,
	}
}

var _ fsm.Observer = (*Hub)(nil)
var _ registry.Listener = (*Hub)(nil)
