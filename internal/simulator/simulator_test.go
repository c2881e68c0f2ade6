package simulator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rackworks/locksim/internal/connection"
	"github.com/rackworks/locksim/internal/infrastructure/config"
	"github.com/rackworks/locksim/internal/lock"
	"github.com/rackworks/locksim/internal/shadow"
	"github.com/rackworks/locksim/internal/store"
)

// fakeManager is a scripted connection layer.
type fakeManager struct {
	mu sync.Mutex

	mode          connection.Mode
	connectOK     bool
	connectedIDs  map[string]bool
	published     map[string][]shadow.Reported
	shadowGets    []string
	deltaFn       func(string, shadow.Delta)
	connStateFn   func(string, connection.ConnectionState)
	publishErr    error
	connectCalled bool
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		connectOK:    true,
		connectedIDs: make(map[string]bool),
		published:    make(map[string][]shadow.Reported),
	}
}

func (f *fakeManager) SetMode(mode connection.Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

func (f *fakeManager) ConnectAll(deviceIDs []string, _ string, _ connection.CredentialSource) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalled = true
	if f.connectOK {
		for _, id := range deviceIDs {
			f.connectedIDs[id] = true
		}
	}
	return f.connectOK
}

func (f *fakeManager) DisconnectAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectedIDs = make(map[string]bool)
}

func (f *fakeManager) PublishShadowUpdate(deviceID string, reported shadow.Reported) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published[deviceID] = append(f.published[deviceID], reported)
	return nil
}

func (f *fakeManager) GetShadow(deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shadowGets = append(f.shadowGets, deviceID)
	return nil
}

func (f *fakeManager) IsThingConnected(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectedIDs[deviceID]
}

func (f *fakeManager) HasActiveConnections() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connectedIDs) > 0
}

func (f *fakeManager) OnShadowDelta(fn func(string, shadow.Delta)) {
	f.deltaFn = fn
}

func (f *fakeManager) OnConnectionStateChanged(fn func(string, connection.ConnectionState)) {
	f.connStateFn = fn
}

func (f *fakeManager) publishCount(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[deviceID])
}

func (f *fakeManager) lastPublished(t *testing.T, deviceID string) shadow.Reported {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.published[deviceID]
	if len(msgs) == 0 {
		t.Fatalf("no publishes for %s", deviceID)
	}
	return msgs[len(msgs)-1]
}

// fakeStore is an in-memory persistence layer.
type fakeStore struct {
	mu       sync.Mutex
	devices  []string
	states   map[string]shadow.Delta
	profile  *store.Profile
	certsDir string
	saveErr  error
}

func newFakeStore(t *testing.T, devices ...string) *fakeStore {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ca.pem"), []byte("ca"), 0600); err != nil {
		t.Fatal(err)
	}
	return &fakeStore{
		devices:  devices,
		states:   make(map[string]shadow.Delta),
		profile:  &store.Profile{Name: "test", Region: "eu-central-1", Endpoint: "broker.example.com", Active: true},
		certsDir: dir,
	}
}

func (f *fakeStore) CertPath(deviceID string) string { return filepath.Join(f.certsDir, deviceID+".pem") }
func (f *fakeStore) KeyPath(deviceID string) string {
	return filepath.Join(f.certsDir, deviceID+"-key.pem")
}
func (f *fakeStore) CAPath() string { return filepath.Join(f.certsDir, "ca.pem") }

func (f *fakeStore) ListLocalDevices(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.devices...), nil
}

func (f *fakeStore) LoadLastState(_ context.Context, deviceID string) (*shadow.Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[deviceID]; ok {
		return &state, nil
	}
	return nil, nil
}

func (f *fakeStore) SaveLastState(_ context.Context, deviceID string, state shadow.Delta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.states[deviceID] = state
	return nil
}

func (f *fakeStore) ActiveProfile(context.Context) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profile == nil {
		return store.Profile{}, store.ErrNoActiveProfile
	}
	return *f.profile, nil
}

func newTestSimulator(t *testing.T, devices ...string) (*Simulator, *fakeManager, *fakeStore) {
	t.Helper()
	manager := newFakeManager()
	st := newFakeStore(t, devices...)
	sim := New(config.Default(), manager, st, nil, nil)
	return sim, manager, st
}

func TestLoadLocks(t *testing.T) {
	sim, _, st := newTestSimulator(t,
		"dev-RACK01-MASTER", "dev-RACK01-LOCK01", "dev-RACK01-LOCK02")
	ctx := context.Background()

	// LOCK01 has a persisted state; LOCK02 starts from defaults.
	st.states["dev-RACK01-LOCK01"] = shadow.Delta{
		Locked: shadow.Int(0),
		Empty:  shadow.Int(1),
	}

	if err := sim.LoadLocks(ctx); err != nil {
		t.Fatalf("LoadLocks() error = %v", err)
	}

	devices := sim.Devices(Filter{})
	if len(devices) != 2 {
		t.Fatalf("fleet size = %d, want 2 locks (master has no state)", len(devices))
	}

	restored, err := sim.Device("dev-RACK01-LOCK01")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if restored.Locked != 0 || restored.Empty != 1 {
		t.Errorf("restored state = %+v, want locked=0 empty=1", restored)
	}
	if restored.Rack != "dev-RACK01" {
		t.Errorf("rack = %q, want dev-RACK01", restored.Rack)
	}

	fresh, err := sim.Device("dev-RACK01-LOCK02")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if fresh.Locked != 1 || fresh.Empty != 0 || fresh.Clamps != 1 {
		t.Errorf("default state = %+v", fresh)
	}
}

func TestConnect_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("no active profile", func(t *testing.T) {
		sim, _, st := newTestSimulator(t, "dev-RACK01-LOCK01")
		st.profile = nil
		if err := sim.Connect(ctx); !errors.Is(err, store.ErrNoActiveProfile) {
			t.Errorf("error = %v, want ErrNoActiveProfile", err)
		}
	})

	t.Run("no endpoint", func(t *testing.T) {
		sim, _, st := newTestSimulator(t, "dev-RACK01-LOCK01")
		st.profile.Endpoint = ""
		if err := sim.Connect(ctx); !errors.Is(err, ErrNoEndpoint) {
			t.Errorf("error = %v, want ErrNoEndpoint", err)
		}
	})

	t.Run("no devices", func(t *testing.T) {
		sim, _, _ := newTestSimulator(t)
		if err := sim.Connect(ctx); !errors.Is(err, ErrNoDevices) {
			t.Errorf("error = %v, want ErrNoDevices", err)
		}
	})

	t.Run("missing CA", func(t *testing.T) {
		sim, _, st := newTestSimulator(t, "dev-RACK01-LOCK01")
		if err := os.Remove(st.CAPath()); err != nil {
			t.Fatal(err)
		}
		if err := sim.Connect(ctx); !errors.Is(err, ErrNoCACertificate) {
			t.Errorf("error = %v, want ErrNoCACertificate", err)
		}
	})

	t.Run("all connections failed", func(t *testing.T) {
		sim, manager, _ := newTestSimulator(t, "dev-RACK01-LOCK01")
		manager.connectOK = false
		if err := sim.Connect(ctx); !errors.Is(err, ErrConnectFailed) {
			t.Errorf("error = %v, want ErrConnectFailed", err)
		}
	})
}

func TestConnect_PullsShadows(t *testing.T) {
	sim, manager, _ := newTestSimulator(t,
		"dev-RACK01-MASTER", "dev-RACK01-LOCK01", "dev-RACK01-LOCK02")

	if err := sim.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !manager.connectCalled {
		t.Fatal("ConnectAll was never invoked")
	}

	// Only lock devices get a shadow pull, masters carry no state.
	got := strings.Join(manager.shadowGets, ",")
	if got != "dev-RACK01-LOCK01,dev-RACK01-LOCK02" {
		t.Errorf("shadow gets = %q", got)
	}

	// Fleet connectivity was reconciled.
	dev, err := sim.Device("dev-RACK01-LOCK01")
	if err != nil {
		t.Fatal(err)
	}
	if !dev.Connected {
		t.Error("device not marked connected after Connect")
	}
}

func TestConnect_AppliesConfiguredMode(t *testing.T) {
	sim, manager, _ := newTestSimulator(t, "dev-RACK01-LOCK01")
	sim.cfg.Simulation.Mode = "individual_lock"

	if err := sim.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if manager.mode != connection.ModeIndividualLock {
		t.Errorf("mode = %v, want individual_lock", manager.mode)
	}
}

func TestHandleDelta_EchoesAndPersists(t *testing.T) {
	sim, manager, st := newTestSimulator(t, "dev-RACK01-MASTER", "dev-RACK01-LOCK01")
	if err := sim.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// The cloud asks for unlock with a 30s auto-lock countdown.
	manager.deltaFn("dev-RACK01-LOCK01", shadow.Delta{
		Locked: shadow.Int(0),
		Timer:  shadow.Int(30000),
	})

	dev, err := sim.Device("dev-RACK01-LOCK01")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Locked != 0 || dev.TimerMs == nil || *dev.TimerMs != 30000 {
		t.Errorf("state after delta = %+v", dev)
	}

	// Reported state echoed back.
	reported := manager.lastPublished(t, "dev-RACK01-LOCK01")
	if reported.Locked != 0 || reported.Timer == nil || *reported.Timer != 30000 {
		t.Errorf("echoed report = %+v", reported)
	}

	// And persisted.
	saved, _ := st.LoadLastState(context.Background(), "dev-RACK01-LOCK01")
	if saved == nil || saved.Locked == nil || *saved.Locked != 0 {
		t.Errorf("persisted state = %+v", saved)
	}
}

func TestHandleDelta_UnknownDeviceDropped(t *testing.T) {
	sim, manager, _ := newTestSimulator(t, "dev-RACK01-LOCK01")
	if err := sim.LoadLocks(context.Background()); err != nil {
		t.Fatal(err)
	}

	manager.deltaFn("dev-RACK09-LOCK01", shadow.Delta{Locked: shadow.Int(0)})

	if _, err := sim.Device("dev-RACK09-LOCK01"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("unknown device appeared in fleet: %v", err)
	}
	if manager.publishCount("dev-RACK09-LOCK01") != 0 {
		t.Error("dropped delta caused a publish")
	}
}

func TestManualActions(t *testing.T) {
	sim, manager, _ := newTestSimulator(t, "dev-RACK01-MASTER", "dev-RACK01-LOCK01")
	ctx := context.Background()
	const deviceID = "dev-RACK01-LOCK01"
	if err := sim.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	// Taking a bike through an engaged lock is refused.
	if err := sim.ToggleEmpty(ctx, deviceID); !errors.Is(err, lock.ErrLocked) {
		t.Errorf("ToggleEmpty on locked device: error = %v, want ErrLocked", err)
	}

	if err := sim.SetLocked(ctx, deviceID, false); err != nil {
		t.Fatalf("SetLocked() error = %v", err)
	}
	if err := sim.ToggleEmpty(ctx, deviceID); err != nil {
		t.Fatalf("ToggleEmpty() error = %v", err)
	}
	if err := sim.ToggleClamps(ctx, deviceID); err != nil {
		t.Fatalf("ToggleClamps() error = %v", err)
	}

	dev, err := sim.Device(deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Locked != 0 || dev.Empty != 1 || dev.Clamps != 0 {
		t.Errorf("state after actions = %+v", dev)
	}

	// Every action published.
	if n := manager.publishCount(deviceID); n != 3 {
		t.Errorf("publish count = %d, want 3", n)
	}

	if err := sim.ToggleEmpty(ctx, "dev-RACK09-LOCK01"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("action on unknown device: error = %v, want ErrUnknownDevice", err)
	}
}

func TestSetLocked_CancelsTimer(t *testing.T) {
	sim, manager, _ := newTestSimulator(t, "dev-RACK01-MASTER", "dev-RACK01-LOCK01")
	ctx := context.Background()
	const deviceID = "dev-RACK01-LOCK01"
	if err := sim.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	manager.deltaFn(deviceID, shadow.Delta{Locked: shadow.Int(0), Timer: shadow.Int(30000)})

	if err := sim.SetLocked(ctx, deviceID, true); err != nil {
		t.Fatalf("SetLocked() error = %v", err)
	}

	dev, err := sim.Device(deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Locked != 1 || dev.TimerMs != nil {
		t.Errorf("state = %+v, want locked with no timer", dev)
	}
	reported := manager.lastPublished(t, deviceID)
	if reported.Timer != nil {
		t.Errorf("published report still carries a timer: %+v", reported)
	}
}

func TestTick_AutoLockPublishes(t *testing.T) {
	sim, manager, _ := newTestSimulator(t, "dev-RACK01-MASTER", "dev-RACK01-LOCK01")
	ctx := context.Background()
	const deviceID = "dev-RACK01-LOCK01"
	if err := sim.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	manager.deltaFn(deviceID, shadow.Delta{Locked: shadow.Int(0), Timer: shadow.Int(2000)})
	before := manager.publishCount(deviceID)

	// Two ticks drain the countdown; the second produces the auto-lock.
	sim.tick(ctx)
	if n := manager.publishCount(deviceID); n != before {
		t.Errorf("intermediate tick published (%d -> %d)", before, n)
	}
	sim.tick(ctx)

	dev, err := sim.Device(deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Locked != 1 || dev.TimerMs != nil {
		t.Errorf("state after countdown = %+v, want locked with cleared timer", dev)
	}
	if n := manager.publishCount(deviceID); n != before+1 {
		t.Errorf("publish count = %d, want exactly one auto-lock publish", n)
	}
	reported := manager.lastPublished(t, deviceID)
	if reported.Locked != 1 || reported.Timer != nil {
		t.Errorf("auto-lock report = %+v", reported)
	}

	// Idle ticks are free.
	sim.tick(ctx)
	if n := manager.publishCount(deviceID); n != before+1 {
		t.Errorf("idle tick published, count = %d", n)
	}
}

func TestHeartbeat_RepublishesConnectedDevices(t *testing.T) {
	sim, manager, _ := newTestSimulator(t,
		"dev-RACK01-MASTER", "dev-RACK01-LOCK01", "dev-RACK01-LOCK02")
	ctx := context.Background()
	if err := sim.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	// LOCK02 drops off its managing connection.
	manager.mu.Lock()
	delete(manager.connectedIDs, "dev-RACK01-LOCK02")
	manager.mu.Unlock()
	sim.reconcileConnectivity()

	sim.heartbeat()

	if n := manager.publishCount("dev-RACK01-LOCK01"); n != 1 {
		t.Errorf("connected device publish count = %d, want 1 per beat", n)
	}
	if n := manager.publishCount("dev-RACK01-LOCK02"); n != 0 {
		t.Errorf("disconnected device publish count = %d, want 0", n)
	}

	// Each beat republishes, regardless of state changes in between.
	sim.heartbeat()
	if n := manager.publishCount("dev-RACK01-LOCK01"); n != 2 {
		t.Errorf("publish count after second beat = %d, want 2", n)
	}

	reported := manager.lastPublished(t, "dev-RACK01-LOCK01")
	if reported.Locked != 1 || reported.Empty != 0 || reported.LockClamps != 1 {
		t.Errorf("heartbeat report = %+v, want full reported document", reported)
	}
}

func TestPersistFailureDoesNotRollBack(t *testing.T) {
	sim, manager, st := newTestSimulator(t, "dev-RACK01-MASTER", "dev-RACK01-LOCK01")
	ctx := context.Background()
	const deviceID = "dev-RACK01-LOCK01"
	if err := sim.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	st.saveErr = errors.New("disk full")

	if err := sim.SetLocked(ctx, deviceID, false); err != nil {
		t.Fatalf("SetLocked() error = %v, persistence is best effort", err)
	}

	dev, err := sim.Device(deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Locked != 0 {
		t.Error("state rolled back on persist failure")
	}
	if manager.publishCount(deviceID) == 0 {
		t.Error("publish skipped on persist failure")
	}
}

func TestDisconnect(t *testing.T) {
	sim, manager, _ := newTestSimulator(t, "dev-RACK01-MASTER", "dev-RACK01-LOCK01")
	ctx := context.Background()
	if err := sim.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	sim.Disconnect()

	if manager.HasActiveConnections() {
		t.Error("connections remain after Disconnect")
	}
	dev, err := sim.Device("dev-RACK01-LOCK01")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Connected {
		t.Error("device still marked connected after Disconnect")
	}
}

func TestDevices_Filter(t *testing.T) {
	sim, manager, _ := newTestSimulator(t,
		"dev-RACK01-LOCK01", "dev-RACK02-LOCK01", "dev-RACK02-LOCK02")
	ctx := context.Background()
	if err := sim.LoadLocks(ctx); err != nil {
		t.Fatal(err)
	}

	all := sim.Devices(Filter{})
	if len(all) != 3 {
		t.Fatalf("unfiltered size = %d, want 3", len(all))
	}

	rack2 := sim.Devices(Filter{Rack: "dev-RACK02"})
	if len(rack2) != 2 {
		t.Errorf("rack filter size = %d, want 2", len(rack2))
	}
	for _, dev := range rack2 {
		if dev.Rack != "dev-RACK02" {
			t.Errorf("filter leaked device %s from rack %s", dev.DeviceID, dev.Rack)
		}
	}

	// Mark one device connected and filter on connectivity.
	manager.connectedIDs["dev-RACK01-LOCK01"] = true
	sim.reconcileConnectivity()

	connected := sim.Devices(Filter{ConnectedOnly: true})
	if len(connected) != 1 || connected[0].DeviceID != "dev-RACK01-LOCK01" {
		t.Errorf("connected filter = %+v", connected)
	}
}

func TestStartStop(t *testing.T) {
	sim, _, _ := newTestSimulator(t, "dev-RACK01-LOCK01")
	ctx := context.Background()

	if err := sim.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := sim.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start(): error = %v, want ErrAlreadyRunning", err)
	}

	sim.Stop()
	sim.Stop() // idempotent

	if err := sim.Start(ctx); err != nil {
		t.Fatalf("restart after Stop: error = %v", err)
	}
	sim.Stop()
}
