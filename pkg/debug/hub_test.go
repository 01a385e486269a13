package debug

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"net/http/httptest"

	"github.com/gorilla/websocket"

	"github.com/statorio/stator/pkg/auth"
	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/db"
	"github.com/statorio/stator/pkg/event"
	"github.com/statorio/stator/pkg/fsm"
	"github.com/statorio/stator/pkg/history"
	"github.com/statorio/stator/pkg/registry"
	"github.com/statorio/stator/pkg/store"
	"github.com/statorio/stator/pkg/timeout"
)

type sessionContext struct {
	fsm.BaseContext
	Notes string `json:"notes,omitempty"`
}

func (c *sessionContext) DeepCopy() fsm.PersistentContext {
	cp := *c
	return &cp
}

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func quietLogger() core.Logger {
	return core.NewLoggerWithLevel(core.LevelError)
}

func fixedClock() time.Time { return testNow }

func buildSessionDefinition(t *testing.T) *fsm.Definition {
	t.Helper()
	def, err := fsm.NewBuilder("session").
		InitialState("IDLE").
		State("IDLE").
		On("GO", "ACTIVE").
		Done().
		State("ACTIVE").
		Offline().
		On("STOP", "DONE").
		Done().
		State("DONE").
		Final().
		Done().
		Build()
	if err != nil {
		t.Fatalf("Failed to build definition: %v", err)
	}
	return def
}

type hubFixture struct {
	registry registry.Registry
	hub      *Hub
	server   *httptest.Server
}

func newHubFixture(t *testing.T, opts ...HubOption) *hubFixture {
	t.Helper()

	dbConfig := db.DefaultPoolConfig(":memory:", "sqlite3")
	dbConfig.MaxOpenConns = 1
	dbConfig.MaxIdleConns = 1
	pool, err := db.NewPool(dbConfig)
	if err != nil {
		t.Fatalf("Failed to open pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	adapter, err := store.NewMultiTableAdapter(pool, store.Config{RetentionDays: 7},
		[]store.Mapping{{
			MachineType: "session",
			Table:       "sessions",
			New:         func() fsm.PersistentContext { return &sessionContext{} },
		}},
		store.WithClock(fixedClock), store.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}

	histories, err := history.NewStore(pool, history.DefaultTrackerConfig(),
		history.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Failed to create history store: %v", err)
	}

	timeouts, err := timeout.NewManager(context.Background(), timeout.DefaultManagerConfig(),
		timeout.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Failed to create timeout manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		timeouts.Shutdown(ctx)
	})

	relay := NewRelay()
	cfg := registry.DefaultConfig()
	cfg.SweepInterval = 0
	cfg.IdleTimeout = 0

	reg, err := registry.New(adapter, histories, timeouts, cfg,
		registry.WithLogger(quietLogger()),
		registry.WithClock(fixedClock),
		registry.WithObserver(relay),
		registry.WithListener(relay))
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Stop(ctx)
	})

	if err := reg.Register(registry.Registration{
		Definition: buildSessionDefinition(t),
		NewContext: func(machineID, initialState string, now time.Time) fsm.PersistentContext {
			return &sessionContext{BaseContext: fsm.NewBaseContext(machineID, initialState, now)}
		},
	}); err != nil {
		t.Fatalf("Failed to register type: %v", err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start registry: %v", err)
	}

	hub, err := NewHub(reg, append([]HubOption{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("Failed to create hub: %v", err)
	}
	relay.Bind(hub)
	t.Cleanup(hub.Close)

	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	return &hubFixture{registry: reg, hub: hub, server: server}
}

func (f *hubFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
}

// awaitFrame reads frames until one of the wanted type arrives, skipping
// unrelated broadcasts.
func awaitFrame(t *testing.T, conn *websocket.Conn, frameType string) map[string]interface{} {
	t.Helper()
	return awaitFrameSet(t, conn, frameType)[frameType]
}

// awaitFrameSet reads until one frame of every wanted type has arrived.
// Broadcast and reply frames interleave without a guaranteed order.
func awaitFrameSet(t *testing.T, conn *websocket.Conn, types ...string) map[string]map[string]interface{} {
	t.Helper()
	want := make(map[string]bool, len(types))
	for _, typ := range types {
		want[typ] = true
	}
	got := make(map[string]map[string]interface{}, len(types))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(got) < len(want) {
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("Failed while waiting for %v: %v", types, err)
		}
		typ, _ := frame["type"].(string)
		if want[typ] && got[typ] == nil {
			got[typ] = frame
		}
	}
	return got
}

func frameMachines(t *testing.T, frame map[string]interface{}) []interface{} {
	t.Helper()
	machines, ok := frame["machines"].([]interface{})
	if !ok {
		t.Fatalf("Frame has no machines list: %v", frame)
	}
	return machines
}

func TestHub_ConnectSendsCompleteStatus(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	frame := awaitFrame(t, conn, TypeCompleteStatus)
	if n := len(frameMachines(t, frame)); n != 0 {
		t.Fatalf("Expected empty machine list, got %d entries", n)
	}
}

func TestHub_MachineQueries(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	if err := f.registry.CreateMachine(ctx, "session", "sess-1"); err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}

	conn := f.dial(t)
	awaitFrame(t, conn, TypeCompleteStatus)

	sendFrame(t, conn, map[string]interface{}{"action": ActionGetMachines})
	list := awaitFrame(t, conn, TypeMachinesList)
	machines := frameMachines(t, list)
	if len(machines) != 1 {
		t.Fatalf("Expected 1 machine, got %d", len(machines))
	}
	entry := machines[0].(map[string]interface{})
	if entry["id"] != "sess-1" || entry["type"] != "session" {
		t.Fatalf("Unexpected machine entry: %v", entry)
	}

	sendFrame(t, conn, map[string]interface{}{"action": ActionGetMachineState, "machineId": "sess-1"})
	st := awaitFrame(t, conn, TypeMachineState)
	if st["machineId"] != "sess-1" || st["currentState"] != "IDLE" {
		t.Fatalf("Unexpected machine state: %v", st)
	}
	if st["live"] != true {
		t.Fatalf("Expected live machine state, got %v", st)
	}
	if st["context"] == nil {
		t.Fatal("Expected context in machine state frame")
	}

	sendFrame(t, conn, map[string]interface{}{"action": ActionGetMachineState, "machineId": "missing"})
	errFrame := awaitFrame(t, conn, TypeError)
	if errFrame["request"] != ActionGetMachineState {
		t.Fatalf("Error frame should echo the request, got %v", errFrame)
	}

	sendFrame(t, conn, map[string]interface{}{"action": ActionGetRegistryState})
	reg := awaitFrame(t, conn, TypeRegistryState)
	stats, ok := reg["stats"].(map[string]interface{})
	if !ok {
		t.Fatalf("Registry state frame missing stats: %v", reg)
	}
	if stats["live"] != float64(1) {
		t.Fatalf("Expected 1 live machine in stats, got %v", stats["live"])
	}
}

func TestHub_EventInjectionBroadcastsStateChange(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	if err := f.registry.CreateMachine(ctx, "session", "sess-2"); err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}

	conn := f.dial(t)
	awaitFrame(t, conn, TypeCompleteStatus)

	sendFrame(t, conn, map[string]interface{}{
		"type":      TypeEvent,
		"machineId": "sess-2",
		"eventType": "GO",
		"payload":   map[string]interface{}{"line": 7},
	})

	frames := awaitFrameSet(t, conn, TypeEventResult, TypeStateChange)
	if res := frames[TypeEventResult]; res["accepted"] != true {
		t.Fatalf("Expected accepted event, got %v", res)
	}

	change := frames[TypeStateChange]
	if change["machineId"] != "sess-2" {
		t.Fatalf("Unexpected machineId in state change: %v", change)
	}
	if change["stateBefore"] != "IDLE" || change["stateAfter"] != "ACTIVE" {
		t.Fatalf("Unexpected transition in state change: %v", change)
	}
	if change["eventName"] != "GO" {
		t.Fatalf("Unexpected eventName: %v", change)
	}

	sendFrame(t, conn, map[string]interface{}{"action": ActionGetOfflineMachines})
	offline := awaitFrame(t, conn, TypeMachinesList)
	machines := frameMachines(t, offline)
	if len(machines) != 1 || machines[0].(map[string]interface{})["id"] != "sess-2" {
		t.Fatalf("Expected sess-2 in offline list, got %v", machines)
	}
}

func TestHub_EventToArbitraryRehydrates(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	if err := f.registry.CreateMachine(ctx, "session", "sess-3"); err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}
	if res, err := f.registry.Route(ctx, "sess-3", event.New("GO", nil)); err != nil || !res.Accepted {
		t.Fatalf("Failed to route GO: %v %+v", err, res)
	}
	waitState(t, f.registry, "sess-3", "ACTIVE")
	if err := f.registry.Evict(ctx, "sess-3"); err != nil {
		t.Fatalf("Failed to evict: %v", err)
	}

	conn := f.dial(t)
	awaitFrame(t, conn, TypeCompleteStatus)

	sendFrame(t, conn, map[string]interface{}{
		"type":      TypeEventToArbitrary,
		"machineId": "sess-3",
		"eventType": "STOP",
	})
	frames := awaitFrameSet(t, conn, TypeEventResult, TypeStateChange)
	if res := frames[TypeEventResult]; res["accepted"] != true || res["rehydrated"] != true {
		t.Fatalf("Expected rehydrated delivery, got %v", res)
	}

	change := frames[TypeStateChange]
	if change["stateAfter"] != "DONE" || change["completed"] != true {
		t.Fatalf("Expected completing transition, got %v", change)
	}
}

func TestHub_EventResultReportsUnknownMachine(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	awaitFrame(t, conn, TypeCompleteStatus)

	sendFrame(t, conn, map[string]interface{}{
		"type":      TypeEvent,
		"machineId": "ghost",
		"eventType": "GO",
	})
	res := awaitFrame(t, conn, TypeEventResult)
	if res["accepted"] != false || res["reason"] != registry.RouteNotFound {
		t.Fatalf("Expected not-found result, got %v", res)
	}
}

func TestHub_HistoryFrames(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	if err := f.registry.CreateMachine(ctx, "session", "sess-4"); err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}
	if _, err := f.registry.Route(ctx, "sess-4", event.New("GO", nil)); err != nil {
		t.Fatalf("Failed to route: %v", err)
	}
	waitState(t, f.registry, "sess-4", "ACTIVE")

	conn := f.dial(t)
	awaitFrame(t, conn, TypeCompleteStatus)

	// History writes flush asynchronously
	var data map[string]interface{}
	deadline := time.Now().Add(5 * time.Second)
	for {
		sendFrame(t, conn, map[string]interface{}{"action": ActionGetHistory, "machineId": "sess-4"})
		data = awaitFrame(t, conn, TypeHistoryData)
		if raw, ok := data["rawHistory"].([]interface{}); ok && len(raw) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for history records: %v", data)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if data["machineId"] != "sess-4" {
		t.Fatalf("Unexpected machineId in history frame: %v", data)
	}
	if _, ok := data["history"].([]interface{}); !ok {
		t.Fatalf("Expected grouped history list: %v", data)
	}

	sendFrame(t, conn, map[string]interface{}{
		"action":    ActionGetHistorySince,
		"machineId": "sess-4",
		"lastId":    0,
	})
	update := awaitFrame(t, conn, TypeHistoryUpdate)
	entries, ok := update["newEntries"].([]interface{})
	if !ok || len(entries) == 0 {
		t.Fatalf("Expected new entries, got %v", update)
	}
	lastID, ok := update["lastId"].(float64)
	if !ok || lastID <= 0 {
		t.Fatalf("Expected advanced lastId, got %v", update["lastId"])
	}

	// A second incremental read from the reported cursor is empty
	sendFrame(t, conn, map[string]interface{}{
		"action":    ActionGetHistorySince,
		"machineId": "sess-4",
		"lastId":    lastID,
	})
	update = awaitFrame(t, conn, TypeHistoryUpdate)
	if entries, _ := update["newEntries"].([]interface{}); len(entries) != 0 {
		t.Fatalf("Expected no entries past cursor, got %v", update)
	}
	if update["lastId"] != lastID {
		t.Fatalf("Cursor should be echoed when nothing is new, got %v", update["lastId"])
	}
}

func TestHub_TopologyBroadcasts(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	awaitFrame(t, conn, TypeCompleteStatus)

	ctx := context.Background()
	if err := f.registry.CreateMachine(ctx, "session", "sess-5"); err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}
	reg := awaitFrame(t, conn, TypeMachineRegistered)
	if reg["machineId"] != "sess-5" || reg["machineType"] != "session" {
		t.Fatalf("Unexpected registration frame: %v", reg)
	}
	status := awaitFrame(t, conn, TypeCompleteStatus)
	if len(frameMachines(t, status)) != 1 {
		t.Fatalf("Expected 1 machine in status after registration: %v", status)
	}

	if err := f.registry.Evict(ctx, "sess-5"); err != nil {
		t.Fatalf("Failed to evict: %v", err)
	}
	unreg := awaitFrame(t, conn, TypeMachineUnregistered)
	if unreg["machineId"] != "sess-5" {
		t.Fatalf("Unexpected unregistration frame: %v", unreg)
	}
}

func TestHub_UnknownFrameYieldsError(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	awaitFrame(t, conn, TypeCompleteStatus)

	sendFrame(t, conn, map[string]interface{}{"action": "NO_SUCH_ACTION"})
	errFrame := awaitFrame(t, conn, TypeError)
	if errFrame["request"] != "NO_SUCH_ACTION" {
		t.Fatalf("Expected request echo, got %v", errFrame)
	}

	sendFrame(t, conn, map[string]interface{}{"type": TypeEvent, "machineId": "x"})
	errFrame = awaitFrame(t, conn, TypeError)
	if errFrame["error"] == "" {
		t.Fatalf("Expected validation error, got %v", errFrame)
	}
}

func TestHub_AuthGate(t *testing.T) {
	hash, err := auth.HashSecret("hunter2-hunter2")
	if err != nil {
		t.Fatalf("Failed to hash secret: %v", err)
	}
	authCfg := auth.DefaultConfig()
	authCfg.Secret = "0123456789abcdef0123456789abcdef"
	authCfg.Operators = []auth.Operator{{Name: "ops", SecretHash: hash}}
	service, err := auth.NewService(authCfg)
	if err != nil {
		t.Fatalf("Failed to create auth service: %v", err)
	}

	f := newHubFixture(t, WithAuth(service))

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	if err == nil {
		t.Fatal("Expected handshake rejection without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 handshake response, got %v", resp)
	}

	token, err := service.IssueToken("ops")
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token="+token, nil)
	if err != nil {
		t.Fatalf("Failed to dial with token: %v", err)
	}
	defer conn.Close()
	awaitFrame(t, conn, TypeCompleteStatus)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn2, _, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	if err != nil {
		t.Fatalf("Failed to dial with bearer header: %v", err)
	}
	defer conn2.Close()
	awaitFrame(t, conn2, TypeCompleteStatus)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	awaitFrame(t, conn, TypeCompleteStatus)
	if f.hub.ClientCount() != 1 {
		t.Fatalf("Expected 1 client, got %d", f.hub.ClientCount())
	}

	f.hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
	}
	if f.hub.ClientCount() != 0 {
		t.Fatalf("Expected no clients after close, got %d", f.hub.ClientCount())
	}

	if _, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil); err == nil {
		t.Fatal("Expected handshake rejection after close")
	} else if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 handshake response, got %v", resp)
	}
}

func waitState(t *testing.T, reg registry.Registry, machineID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := reg.MachineState(context.Background(), machineID)
		if err == nil && st.CurrentState == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for state %s", want)
}
