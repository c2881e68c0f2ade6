package simulator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rackworks/locksim/internal/connection"
	"github.com/rackworks/locksim/internal/infrastructure/config"
	"github.com/rackworks/locksim/internal/lock"
	"github.com/rackworks/locksim/internal/naming"
	"github.com/rackworks/locksim/internal/shadow"
	"github.com/rackworks/locksim/internal/store"
)

// Logger defines the logging interface used by the Simulator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ConnectionManager is the connection layer surface the simulator drives.
// Implemented by connection.Manager; faked in tests.
type ConnectionManager interface {
	SetMode(mode connection.Mode)
	ConnectAll(deviceIDs []string, endpoint string, creds connection.CredentialSource) bool
	DisconnectAll()
	PublishShadowUpdate(deviceID string, reported shadow.Reported) error
	GetShadow(deviceID string) error
	IsThingConnected(deviceID string) bool
	HasActiveConnections() bool
	OnShadowDelta(fn func(deviceID string, delta shadow.Delta))
	OnConnectionStateChanged(fn func(connectionID string, state connection.ConnectionState))
}

// Store is the persistence surface the simulator needs: the local device
// registry, saved states and the active cloud profile, plus certificate
// path resolution for the connection layer.
type Store interface {
	connection.CredentialSource
	ListLocalDevices(ctx context.Context) ([]string, error)
	LoadLastState(ctx context.Context, deviceID string) (*shadow.Delta, error)
	SaveLastState(ctx context.Context, deviceID string, state shadow.Delta) error
	ActiveProfile(ctx context.Context) (store.Profile, error)
}

// Telemetry receives time-series events from simulation runs. Implemented by
// the influxdb client; a nil Telemetry disables recording.
type Telemetry interface {
	WriteLockState(deviceID string, locked, empty, clamps int, timerMs *int)
	WriteConnectionEvent(connectionID string, state string)
}

type noopTelemetry struct{}

func (noopTelemetry) WriteLockState(string, int, int, int, *int) {}
func (noopTelemetry) WriteConnectionEvent(string, string)        {}

// Snapshot is a read-only view of one device for presentation.
type Snapshot struct {
	DeviceID   string
	Rack       string
	Connected  bool
	Locked     int
	Empty      int
	Clamps     int
	TimerMs    *int
	LastUpdate *time.Time
}

// Filter selects devices for Devices(). The zero value selects everything.
type Filter struct {
	// Rack limits the result to one rack's devices ("{env}-{rack}").
	Rack string

	// ConnectedOnly drops devices without a live managing connection.
	ConnectedOnly bool
}

// Simulator owns the virtual lock fleet: it restores device states from the
// store, drives the connection layer, applies inbound shadow deltas, runs
// the auto-lock timer and heartbeat loops, and exposes manual actions.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Lock states are owned by the simulator and only leave as copies.
type Simulator struct {
	cfg       *config.Config
	manager   ConnectionManager
	store     Store
	telemetry Telemetry
	logger    Logger

	mu      sync.Mutex
	locks   map[string]*lock.State
	racks   map[string]string // deviceID -> rack full name
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a simulator and registers its connection-layer observers.
//
// Parameters:
//   - cfg: Full application configuration
//   - manager: Connection layer
//   - st: Local persistence
//   - telemetry: Time-series sink (nil to disable)
//   - logger: Logging sink (nil for none)
//
// Returns:
//   - *Simulator: Simulator ready for LoadLocks and Connect
func New(cfg *config.Config, manager ConnectionManager, st Store, telemetry Telemetry, logger Logger) *Simulator {
	if telemetry == nil {
		telemetry = noopTelemetry{}
	}
	if logger == nil {
		logger = noopLogger{}
	}

	s := &Simulator{
		cfg:       cfg,
		manager:   manager,
		store:     st,
		telemetry: telemetry,
		logger:    logger,
		locks:     make(map[string]*lock.State),
		racks:     make(map[string]string),
	}

	manager.OnShadowDelta(s.handleDelta)
	manager.OnConnectionStateChanged(s.handleConnectionState)
	return s
}

// LoadLocks builds the in-memory fleet from the local device registry,
// restoring each lock's last persisted state. Master devices carry no lock
// state and are tracked only for rack grouping.
func (s *Simulator) LoadLocks(ctx context.Context) error {
	ids, err := s.store.ListLocalDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading device registry: %w", err)
	}

	groups := naming.GroupByRack(ids, s.logger)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.locks = make(map[string]*lock.State)
	s.racks = make(map[string]string)

	for rackName, group := range groups {
		if group.HasMaster() {
			s.racks[group.MasterID] = rackName
		}
		for _, id := range group.LockIDs {
			s.racks[id] = rackName

			saved, err := s.store.LoadLastState(ctx, id)
			if err != nil {
				s.logger.Warn("loading saved state failed, using defaults",
					"device_id", id,
					"error", err,
				)
			}
			if saved != nil {
				s.locks[id] = lock.FromShadowState(id, *saved, false)
			} else {
				s.locks[id] = lock.New(id)
			}
		}
	}

	s.logger.Info("fleet loaded",
		"devices", len(ids),
		"locks", len(s.locks),
		"racks", len(groups),
	)
	return nil
}

// Connect brings the fleet online: verifies the preconditions (active
// profile with a discovered endpoint, registered devices, CA certificate on
// disk), applies the configured topology mode, opens the connections and
// pulls each connected device's cloud shadow.
//
// Partial success is normal; Connect fails only when nothing connected.
func (s *Simulator) Connect(ctx context.Context) error {
	profile, err := s.store.ActiveProfile(ctx)
	if err != nil {
		return err
	}
	if profile.Endpoint == "" {
		return ErrNoEndpoint
	}

	ids, err := s.store.ListLocalDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading device registry: %w", err)
	}
	if len(ids) == 0 {
		return ErrNoDevices
	}

	if _, err := os.Stat(s.store.CAPath()); err != nil {
		return fmt.Errorf("%w: %s", ErrNoCACertificate, s.store.CAPath())
	}

	if len(s.lockIDs()) == 0 {
		if err := s.LoadLocks(ctx); err != nil {
			return err
		}
	}

	s.manager.SetMode(connection.ParseMode(s.cfg.Simulation.Mode))

	if !s.manager.ConnectAll(ids, profile.Endpoint, s.store) {
		return ErrConnectFailed
	}

	s.reconcileConnectivity()

	// Pull each connected device's cloud shadow so pending desired state is
	// applied before the loops start.
	for _, id := range s.connectedLockIDs() {
		if err := s.manager.GetShadow(id); err != nil {
			s.logger.Warn("shadow get failed", "device_id", id, "error", err)
		}
	}
	return nil
}

// Disconnect takes the whole fleet offline.
func (s *Simulator) Disconnect() {
	s.manager.DisconnectAll()
	s.reconcileConnectivity()
}

// Start launches the timer and heartbeat loops. The loops run until Stop or
// until ctx is cancelled.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.tickLoop(loopCtx)
	go s.heartbeatLoop(loopCtx)

	s.logger.Info("simulation loops started",
		"tick_interval", s.cfg.GetTickInterval(),
		"heartbeat_interval", s.cfg.GetHeartbeatInterval(),
	)
	return nil
}

// Stop halts the loops and waits for them to drain. Safe to call when not
// running.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("simulation loops stopped")
}

// tickLoop advances every active auto-lock countdown once per tick and
// publishes the reported state of devices that auto-locked.
func (s *Simulator) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.GetTickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one timer step over the fleet.
func (s *Simulator) tick(ctx context.Context) {
	type report struct {
		deviceID string
		state    *lock.State
	}
	var autoLocked []report

	s.mu.Lock()
	for id, state := range s.locks {
		if state.TickTimer() {
			autoLocked = append(autoLocked, report{deviceID: id, state: state.Copy()})
		}
	}
	s.mu.Unlock()

	for _, r := range autoLocked {
		s.logger.Info("auto-lock fired", "device_id", r.deviceID)
		s.publishAndPersist(ctx, r.deviceID, r.state)
	}
}

// heartbeatLoop re-publishes every connected device's reported state on a
// slow cadence, keeping cloud shadows warm across quiet periods.
func (s *Simulator) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.GetHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

// heartbeat republishes every connected device's reported state.
func (s *Simulator) heartbeat() {
	for _, id := range s.connectedLockIDs() {
		s.mu.Lock()
		state, ok := s.locks[id]
		if !ok {
			s.mu.Unlock()
			continue
		}
		snapshot := state.Copy()
		s.mu.Unlock()
		if err := s.manager.PublishShadowUpdate(id, snapshot.ToReportedState()); err != nil {
			s.logger.Warn("heartbeat publish failed", "device_id", id, "error", err)
		}
	}
}

// handleDelta applies an inbound shadow delta: merge into the device state,
// echo the resulting reported document back, persist, record telemetry.
// Deltas for devices the simulator does not manage are dropped.
func (s *Simulator) handleDelta(deviceID string, delta shadow.Delta) {
	s.mu.Lock()
	state, ok := s.locks[deviceID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("delta for unmanaged device dropped", "device_id", deviceID)
		return
	}
	state.ApplyDelta(delta)
	snapshot := state.Copy()
	s.mu.Unlock()

	s.logger.Debug("delta applied", "device_id", deviceID)
	s.publishAndPersist(context.Background(), deviceID, snapshot)
}

// handleConnectionState reconciles per-device connectivity whenever any
// connection transitions.
func (s *Simulator) handleConnectionState(connectionID string, state connection.ConnectionState) {
	s.telemetry.WriteConnectionEvent(connectionID, string(state))
	s.reconcileConnectivity()
}

// reconcileConnectivity refreshes every device's Connected flag from the
// connection layer.
func (s *Simulator) reconcileConnectivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.locks {
		state.Connected = s.manager.IsThingConnected(id)
	}
}

// ToggleEmpty flips a device's empty flag, simulating a bike being taken or
// returned. Refused while the device is locked.
func (s *Simulator) ToggleEmpty(ctx context.Context, deviceID string) error {
	return s.mutate(ctx, deviceID, func(state *lock.State) error {
		return state.ToggleEmpty()
	})
}

// ToggleClamps flips a device's clamps flag.
func (s *Simulator) ToggleClamps(ctx context.Context, deviceID string) error {
	return s.mutate(ctx, deviceID, func(state *lock.State) error {
		state.ToggleClamps()
		return nil
	})
}

// SetLocked engages or releases a device's lock. Engaging cancels any
// pending auto-lock countdown.
func (s *Simulator) SetLocked(ctx context.Context, deviceID string, locked bool) error {
	return s.mutate(ctx, deviceID, func(state *lock.State) error {
		state.SetLocked(locked)
		return nil
	})
}

// mutate applies a state mutation under the lock, then publishes and
// persists the result outside it.
func (s *Simulator) mutate(ctx context.Context, deviceID string, fn func(*lock.State) error) error {
	s.mu.Lock()
	state, ok := s.locks[deviceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if err := fn(state); err != nil {
		s.mu.Unlock()
		return err
	}
	snapshot := state.Copy()
	s.mu.Unlock()

	s.publishAndPersist(ctx, deviceID, snapshot)
	return nil
}

// publishAndPersist pushes a device's reported state to the cloud shadow,
// saves it locally and records telemetry. Publish and persist are both best
// effort and independent: a failed save never rolls back the state change,
// it only logs.
func (s *Simulator) publishAndPersist(ctx context.Context, deviceID string, state *lock.State) {
	if state.Connected {
		if err := s.manager.PublishShadowUpdate(deviceID, state.ToReportedState()); err != nil {
			s.logger.Warn("shadow publish failed", "device_id", deviceID, "error", err)
		}
	}

	doc := shadow.Delta{
		Locked:     shadow.Int(state.Locked),
		Empty:      shadow.Int(state.Empty),
		LockClamps: shadow.Int(state.Clamps),
	}
	if state.TimerMs != nil {
		doc.Timer = shadow.Int(*state.TimerMs)
	}
	if err := s.store.SaveLastState(ctx, deviceID, doc); err != nil {
		s.logger.Warn("persisting state failed", "device_id", deviceID, "error", err)
	}

	s.telemetry.WriteLockState(deviceID, state.Locked, state.Empty, state.Clamps, state.TimerMs)
}

// Device returns a snapshot of one managed device.
func (s *Simulator) Device(deviceID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.locks[deviceID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return s.snapshotLocked(deviceID, state), nil
}

// Devices returns snapshots of the managed fleet matching the filter,
// sorted by device id.
func (s *Simulator) Devices(filter Filter) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(s.locks))
	for id, state := range s.locks {
		if filter.Rack != "" && s.racks[id] != filter.Rack {
			continue
		}
		if filter.ConnectedOnly && !state.Connected {
			continue
		}
		snapshots = append(snapshots, s.snapshotLocked(id, state))
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].DeviceID < snapshots[j].DeviceID
	})
	return snapshots
}

// snapshotLocked builds a Snapshot. Callers must hold mu.
func (s *Simulator) snapshotLocked(deviceID string, state *lock.State) Snapshot {
	cpy := state.Copy()
	return Snapshot{
		DeviceID:   deviceID,
		Rack:       s.racks[deviceID],
		Connected:  cpy.Connected,
		Locked:     cpy.Locked,
		Empty:      cpy.Empty,
		Clamps:     cpy.Clamps,
		TimerMs:    cpy.TimerMs,
		LastUpdate: cpy.LastUpdate,
	}
}

// lockIDs returns the managed lock device ids.
func (s *Simulator) lockIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.locks))
	for id := range s.locks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// connectedLockIDs returns the lock device ids with a live managing
// connection.
func (s *Simulator) connectedLockIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, state := range s.locks {
		if state.Connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
