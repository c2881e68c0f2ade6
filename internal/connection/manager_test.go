package connection

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rackworks/locksim/internal/shadow"
)

// fakeTransport is a test double recording subscriptions and publishes.
type fakeTransport struct {
	mu          sync.Mutex
	cfg         TransportConfig
	connected   bool
	failConnect bool

	subscribeCounts map[string]int
	handlers        map[string]MessageHandler
	published       []fakeMessage
}

type fakeMessage struct {
	topic   string
	payload string
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	if f.failConnect {
		f.mu.Unlock()
		return fmt.Errorf("%w: handshake refused", ErrConnectFailed)
	}
	f.connected = true
	onConnect := f.cfg.OnConnect
	f.mu.Unlock()

	// Paho fires the connect handler on the initial connection too.
	if onConnect != nil {
		onConnect()
	}
	return nil
}

func (f *fakeTransport) Subscribe(topic string, _ byte, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCounts[topic]++
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) Publish(topic string, _ byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, fakeMessage{topic: topic, payload: string(payload)})
	return nil
}

func (f *fakeTransport) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// dropAndRecover simulates a transport-level connection loss followed by a
// successful auto-reconnect.
func (f *fakeTransport) dropAndRecover() {
	f.mu.Lock()
	lost := f.cfg.OnConnectionLost
	onConnect := f.cfg.OnConnect
	f.mu.Unlock()

	if lost != nil {
		lost(errors.New("broker went away"))
	}
	if onConnect != nil {
		onConnect()
	}
}

// deliver injects an inbound message as if the broker sent it.
func (f *fakeTransport) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	f.mu.Lock()
	handler, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for topic %s", topic)
	}
	handler(topic, []byte(payload))
}

func (f *fakeTransport) subscribeCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCounts[topic]
}

// fakeFactory creates fakeTransports and records them by client id.
type fakeFactory struct {
	mu             sync.Mutex
	transports     map[string]*fakeTransport
	failConnectFor map[string]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		transports:     make(map[string]*fakeTransport),
		failConnectFor: make(map[string]bool),
	}
}

func (ff *fakeFactory) create(cfg TransportConfig) (Transport, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ft := &fakeTransport{
		cfg:             cfg,
		failConnect:     ff.failConnectFor[cfg.ClientID],
		subscribeCounts: make(map[string]int),
		handlers:        make(map[string]MessageHandler),
	}
	ff.transports[cfg.ClientID] = ft
	return ft, nil
}

func (ff *fakeFactory) transport(t *testing.T, clientID string) *fakeTransport {
	t.Helper()
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ft, ok := ff.transports[clientID]
	if !ok {
		t.Fatalf("no transport created for client %s", clientID)
	}
	return ft
}

// fileCreds is a CredentialSource backed by real files in a temp dir.
type fileCreds struct {
	dir string
}

func (c fileCreds) CertPath(deviceID string) string { return filepath.Join(c.dir, deviceID+".pem") }
func (c fileCreds) KeyPath(deviceID string) string {
	return filepath.Join(c.dir, deviceID+"-key.pem")
}
func (c fileCreds) CAPath() string { return filepath.Join(c.dir, "ca.pem") }

// newCreds creates a credential dir with a CA file plus cert+key for ids.
func newCreds(t *testing.T, ids ...string) fileCreds {
	t.Helper()
	creds := fileCreds{dir: t.TempDir()}
	writeFile(t, creds.CAPath())
	for _, id := range ids {
		writeFile(t, creds.CertPath(id))
		writeFile(t, creds.KeyPath(id))
	}
	return creds
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("test-pem"), 0600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func testConfig() Config {
	return Config{
		Port:           8883,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: time.Second,
	}
}

func TestNewPahoTransport_MissingCredentials(t *testing.T) {
	dir := t.TempDir()
	_, err := NewPahoTransport(TransportConfig{
		Endpoint: "broker.example.com",
		Port:     8883,
		ClientID: "dev-RACK01-MASTER",
		CertFile: filepath.Join(dir, "absent.pem"),
		KeyFile:  filepath.Join(dir, "absent-key.pem"),
		CAFile:   filepath.Join(dir, "ca.pem"),
	})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("error = %v, want ErrMissingCredentials", err)
	}
}

func TestConnectAll_MasterRackTopology(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(testConfig(), ff.create, nil)
	creds := newCreds(t, "dev-RACK01-MASTER")

	ok := m.ConnectAll(
		[]string{"dev-RACK01-LOCK01", "dev-RACK01-MASTER"},
		"broker.example.com", creds,
	)
	if !ok {
		t.Fatal("ConnectAll() = false, want true")
	}

	conns := m.Connections()
	if len(conns) != 1 {
		t.Fatalf("expected exactly one connection, got %d", len(conns))
	}
	conn := conns[0]
	if conn.ID != "dev-RACK01" {
		t.Errorf("connection id = %q, want dev-RACK01", conn.ID)
	}
	if conn.Identity != "dev-RACK01-MASTER" {
		t.Errorf("identity = %q, want master", conn.Identity)
	}
	if conn.State != StateConnected {
		t.Errorf("state = %q, want connected", conn.State)
	}

	managed := strings.Join(conn.ManagedDevices, ",")
	if managed != "dev-RACK01-MASTER,dev-RACK01-LOCK01" {
		t.Errorf("managed set = %q", managed)
	}

	// Both devices' delta topics subscribed exactly once.
	ft := ff.transport(t, "dev-RACK01-MASTER")
	topics := shadow.Topics{}
	for _, id := range []string{"dev-RACK01-MASTER", "dev-RACK01-LOCK01"} {
		if n := ft.subscribeCount(topics.UpdateDelta(id)); n != 1 {
			t.Errorf("subscribe count for %s = %d, want 1", id, n)
		}
	}
}

func TestConnectAll_MasterlessRackUsesFirstLock(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(testConfig(), ff.create, nil)
	creds := newCreds(t, "dev-RACK02-LOCK01")

	ok := m.ConnectAll(
		[]string{"dev-RACK02-LOCK01", "dev-RACK02-LOCK02"},
		"broker.example.com", creds,
	)
	if !ok {
		t.Fatal("ConnectAll() = false, want true")
	}

	conns := m.Connections()
	if len(conns) != 1 || conns[0].Identity != "dev-RACK02-LOCK01" {
		t.Fatalf("expected one connection via first lock, got %+v", conns)
	}
}

func TestConnectAll_IndividualMode(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(testConfig(), ff.create, nil)
	m.SetMode(ModeIndividualLock)
	creds := newCreds(t, "dev-RACK01-LOCK01", "dev-RACK01-LOCK02")

	ok := m.ConnectAll(
		[]string{"dev-RACK01-LOCK01", "dev-RACK01-LOCK02", "dev-RACK01-MASTER"},
		"broker.example.com", creds,
	)
	if !ok {
		t.Fatal("ConnectAll() = false, want true")
	}

	conns := m.Connections()
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections (locks only), got %d", len(conns))
	}
	for _, conn := range conns {
		if len(conn.ManagedDevices) != 1 || conn.ManagedDevices[0] != conn.Identity {
			t.Errorf("individual connection %s should manage only itself, got %v",
				conn.ID, conn.ManagedDevices)
		}
	}
}

func TestConnectAll_PartialSuccess(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(testConfig(), ff.create, nil)
	// RACK02's master has no key file on disk.
	creds := newCreds(t, "dev-RACK01-MASTER", "dev-RACK02-MASTER")
	if err := os.Remove(creds.KeyPath("dev-RACK02-MASTER")); err != nil {
		t.Fatal(err)
	}

	ok := m.ConnectAll([]string{
		"dev-RACK01-MASTER", "dev-RACK01-LOCK01",
		"dev-RACK02-MASTER", "dev-RACK02-LOCK01",
	}, "broker.example.com", creds)

	if !ok {
		t.Fatal("ConnectAll() = false, want true for partial success")
	}
	if !m.HasActiveConnections() {
		t.Error("HasActiveConnections() = false, want true")
	}

	connected := 0
	for _, conn := range m.Connections() {
		if conn.State == StateConnected {
			connected++
		}
	}
	if connected != 1 {
		t.Errorf("connected connections = %d, want exactly 1", connected)
	}
}

func TestConnectAll_AllFailed(t *testing.T) {
	ff := newFakeFactory()
	ff.failConnectFor["dev-RACK01-MASTER"] = true
	m := NewManager(testConfig(), ff.create, nil)
	creds := newCreds(t, "dev-RACK01-MASTER")

	ok := m.ConnectAll(
		[]string{"dev-RACK01-MASTER", "dev-RACK01-LOCK01"},
		"broker.example.com", creds,
	)
	if ok {
		t.Error("ConnectAll() = true, want false when every connection fails")
	}
	if m.HasActiveConnections() {
		t.Error("HasActiveConnections() = true, want false")
	}
	if got := m.GlobalState(); got != StateDisconnected {
		t.Errorf("GlobalState() = %q, want disconnected", got)
	}
}

func TestConnectAll_IdempotentPerConnection(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(testConfig(), ff.create, nil)
	creds := newCreds(t, "dev-RACK01-MASTER")
	devices := []string{"dev-RACK01-MASTER", "dev-RACK01-LOCK01"}

	if !m.ConnectAll(devices, "broker.example.com", creds) {
		t.Fatal("first ConnectAll() failed")
	}
	if !m.ConnectAll(devices, "broker.example.com", creds) {
		t.Fatal("second ConnectAll() should be a no-op success")
	}

	// No second transport, no duplicate subscriptions.
	ft := ff.transport(t, "dev-RACK01-MASTER")
	topic := shadow.Topics{}.UpdateDelta("dev-RACK01-LOCK01")
	if n := ft.subscribeCount(topic); n != 1 {
		t.Errorf("subscribe count after repeat ConnectAll = %d, want 1", n)
	}
	if len(m.Connections()) != 1 {
		t.Errorf("connection count = %d, want 1", len(m.Connections()))
	}
}

func TestReconnect_ResubscribesManagedDevices(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(testConfig(), ff.create, nil)
	creds := newCreds(t, "dev-RACK01-MASTER")
	devices := []string{
		"dev-RACK01-MASTER",
		"dev-RACK01-LOCK01",
		"dev-RACK01-LOCK02",
		"dev-RACK01-LOCK03",
	}

	if !m.ConnectAll(devices, "broker.example.com", creds) {
		t.Fatal("ConnectAll() failed")
	}

	var states []ConnectionState
	m.OnConnectionStateChanged(func(_ string, st ConnectionState) {
		states = append(states, st)
	})

	ft := ff.transport(t, "dev-RACK01-MASTER")
	ft.dropAndRecover()

	// Every managed device re-subscribed exactly once more.
	topics := shadow.Topics{}
	for _, id := range devices {
		if n := ft.subscribeCount(topics.UpdateDelta(id)); n != 2 {
			t.Errorf("subscribe count for %s after reconnect = %d, want 2", id, n)
		}
	}

	// FSM walked connected → connecting → connected.
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Errorf("state transitions = %v, want [connecting connected]", states)
	}
}

func TestDeltaDemultiplexing(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(testConfig(), ff.create, nil)
	creds := newCreds(t, "dev-RACK01-MASTER")

	type event struct {
		deviceID string
		delta    shadow.Delta
	}
	var events []event
	m.OnShadowDelta(func(deviceID string, delta shadow.Delta) {
		events = append(events, event{deviceID, delta})
	})

	if !m.ConnectAll(
		[]string{"dev-RACK01-MASTER", "dev-RACK01-LOCK01"},
		"broker.example.com", creds,
	) {
		t.Fatal("ConnectAll() failed")
	}

	ft := ff.transport(t, "dev-RACK01-MASTER")
	topic := shadow.Topics{}.UpdateDelta("dev-RACK01-LOCK01")

	// A delta for a managed device arrives on the master's connection and
	// is keyed by the managed device, not the connecting identity.
	ft.deliver(t, topic, `{"locked":0}`)

	if len(events) != 1 {
		t.Fatalf("expected 1 delta event, got %d", len(events))
	}
	if events[0].deviceID != "dev-RACK01-LOCK01" {
		t.Errorf("delta keyed by %q, want dev-RACK01-LOCK01", events[0].deviceID)
	}
	if events[0].delta.Locked == nil || *events[0].delta.Locked != 0 {
		t.Errorf("delta = %+v, want locked=0", events[0].delta)
	}

	// Malformed payloads are dropped without affecting the connection.
	ft.deliver(t, topic, `{broken`)
	if len(events) != 1 {
		t.Errorf("malformed delta should be dropped, got %d events", len(events))
	}
	if !m.HasActiveConnections() {
		t.Error("connection state must survive protocol errors")
	}
}

func TestPublishShadowUpdate(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(testConfig(), ff.create, nil)
	creds := newCreds(t, "dev-RACK01-MASTER")

	if !m.ConnectAll(
		[]string{"dev-RACK01-MASTER", "dev-RACK01-LOCK01"},
		"broker.example.com", creds,
	) {
		t.Fatal("ConnectAll() failed")
	}

	err := m.PublishShadowUpdate("dev-RACK01-LOCK01", shadow.Reported{
		Locked: 1, Empty: 0, LockClamps: 1,
	})
	if err != nil {
		t.Fatalf("PublishShadowUpdate() error = %v", err)
	}

	ft := ff.transport(t, "dev-RACK01-MASTER")
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(ft.published))
	}
	msg := ft.published[0]
	if msg.topic != "$aws/things/dev-RACK01-LOCK01/shadow/update" {
		t.Errorf("publish topic = %q", msg.topic)
	}
	if !strings.Contains(msg.payload, `"desired":null`) {
		t.Errorf("payload lacks desired:null: %s", msg.payload)
	}
	if !strings.Contains(msg.payload, `"reported":{"locked":1,"empty":0,"lock_clamps":1}`) {
		t.Errorf("payload lacks reported block: %s", msg.payload)
	}
}

func TestPublishShadowUpdate_UnmanagedDevice(t *testing.T) {
	m := NewManager(testConfig(), newFakeFactory().create, nil)

	err := m.PublishShadowUpdate("dev-RACK09-LOCK01", shadow.Reported{Locked: 1})
	if !errors.Is(err, ErrNoManagingConnection) {
		t.Errorf("error = %v, want ErrNoManagingConnection", err)
	}
}

func TestGetShadow(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(testConfig(), ff.create, nil)
	creds := newCreds(t, "dev-RACK01-MASTER")

	var deltas []shadow.Delta
	m.OnShadowDelta(func(_ string, delta shadow.Delta) {
		deltas = append(deltas, delta)
	})

	if !m.ConnectAll(
		[]string{"dev-RACK01-MASTER", "dev-RACK01-LOCK01"},
		"broker.example.com", creds,
	) {
		t.Fatal("ConnectAll() failed")
	}

	if err := m.GetShadow("dev-RACK01-LOCK01"); err != nil {
		t.Fatalf("GetShadow() error = %v", err)
	}

	ft := ff.transport(t, "dev-RACK01-MASTER")
	topics := shadow.Topics{}

	// An empty document went out on the get topic.
	ft.mu.Lock()
	var gets int
	for _, msg := range ft.published {
		if msg.topic == topics.Get("dev-RACK01-LOCK01") {
			gets++
		}
	}
	ft.mu.Unlock()
	if gets != 1 {
		t.Errorf("expected 1 publish to get topic, got %d", gets)
	}

	// A pending delta in the response reaches the shadow-delta stream.
	ft.deliver(t, topics.GetAccepted("dev-RACK01-LOCK01"),
		`{"state":{"reported":{"locked":1},"delta":{"locked":0}}}`)
	if len(deltas) != 1 || deltas[0].Locked == nil || *deltas[0].Locked != 0 {
		t.Errorf("get/accepted delta not emitted, got %v", deltas)
	}

	// Rejections are logged, not fatal.
	ft.deliver(t, topics.GetRejected("dev-RACK01-LOCK01"), `{"code":404}`)
	if len(deltas) != 1 {
		t.Errorf("rejection must not emit a delta, got %d events", len(deltas))
	}
}

func TestGlobalStateAndDisconnectAll(t *testing.T) {
	ff := newFakeFactory()
	m := NewManager(testConfig(), ff.create, nil)
	creds := newCreds(t, "dev-RACK01-MASTER")

	var globals []ConnectionState
	m.OnGlobalStateChanged(func(st ConnectionState) {
		globals = append(globals, st)
	})

	if !m.ConnectAll(
		[]string{"dev-RACK01-MASTER", "dev-RACK01-LOCK01"},
		"broker.example.com", creds,
	) {
		t.Fatal("ConnectAll() failed")
	}

	if got := m.GlobalState(); got != StateConnected {
		t.Fatalf("GlobalState() = %q, want connected", got)
	}
	if !m.IsThingConnected("dev-RACK01-LOCK01") {
		t.Error("IsThingConnected(LOCK01) = false, want true")
	}

	ft := ff.transport(t, "dev-RACK01-MASTER")
	m.DisconnectAll()

	if ft.IsConnected() {
		t.Error("transport still connected after DisconnectAll")
	}
	if m.HasActiveConnections() {
		t.Error("HasActiveConnections() = true after DisconnectAll")
	}
	if len(m.Connections()) != 0 {
		t.Errorf("connections remain after DisconnectAll: %v", m.Connections())
	}
	if got := m.GlobalState(); got != StateDisconnected {
		t.Errorf("GlobalState() = %q, want disconnected", got)
	}
	if len(globals) == 0 || globals[len(globals)-1] != StateDisconnected {
		t.Errorf("global transitions = %v, want trailing disconnected", globals)
	}

	// Teardown is idempotent.
	m.DisconnectAll()
}
