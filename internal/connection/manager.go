package connection

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rackworks/locksim/internal/naming"
	"github.com/rackworks/locksim/internal/shadow"
)

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// CredentialSource resolves the certificate material for a connecting
// identity. Paths are read-only inputs; the Manager never mutates
// certificate files.
type CredentialSource interface {
	// CertPath returns the device certificate path for an identity.
	CertPath(deviceID string) string

	// KeyPath returns the private key path for an identity.
	KeyPath(deviceID string) string

	// CAPath returns the broker CA certificate path shared by all
	// connections.
	CAPath() string
}

// Config contains transport settings shared by every connection the
// Manager opens.
type Config struct {
	// Port is the broker TLS port, normally 8883.
	Port int

	// QoS for all shadow publishes and subscriptions. The shadow contract
	// requires at-least-once, so this should be 1 or 2.
	QoS byte

	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration

	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration
}

// Manager owns a set of independent MQTT connections and demultiplexes
// shadow traffic across the devices each connection manages.
//
// One Manager serves the whole process. It is constructed explicitly and
// passed to the orchestration layer; Close-equivalent teardown happens via
// DisconnectAll.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Observer callbacks are invoked synchronously and must not block.
type Manager struct {
	cfg     Config
	factory TransportFactory
	logger  Logger

	mu          sync.RWMutex
	mode        Mode
	connections map[string]*Connection
	lastGlobal  ConnectionState

	observerMu         sync.RWMutex
	connStateObservers []func(connectionID string, state ConnectionState)
	deltaObservers     []func(deviceID string, delta shadow.Delta)
	globalObservers    []func(state ConnectionState)
}

// connectionPlan is one intended connection before any network activity.
type connectionPlan struct {
	id       string
	identity string
	managed  []string
}

// NewManager creates a connection manager.
//
// Parameters:
//   - cfg: Shared transport settings
//   - factory: Transport constructor (nil uses the paho TLS transport)
//   - logger: Logging sink (nil for none)
//
// Returns:
//   - *Manager: Manager ready for ConnectAll
func NewManager(cfg Config, factory TransportFactory, logger Logger) *Manager {
	if factory == nil {
		factory = NewPahoTransport
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{
		cfg:         cfg,
		factory:     factory,
		logger:      logger,
		mode:        ModeMasterRack,
		connections: make(map[string]*Connection),
		lastGlobal:  StateDisconnected,
	}
}

// SetMode selects the simulation policy. The change takes effect on the
// next ConnectAll; existing connections are untouched.
func (m *Manager) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// Mode returns the current simulation policy.
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// OnConnectionStateChanged registers an observer for per-connection state
// transitions. Multiple observers may register; each receives every event.
func (m *Manager) OnConnectionStateChanged(fn func(connectionID string, state ConnectionState)) {
	m.observerMu.Lock()
	defer m.observerMu.Unlock()
	m.connStateObservers = append(m.connStateObservers, fn)
}

// OnShadowDelta registers an observer for inbound shadow deltas, keyed by
// the managed device the delta addresses (not the connecting identity).
func (m *Manager) OnShadowDelta(fn func(deviceID string, delta shadow.Delta)) {
	m.observerMu.Lock()
	defer m.observerMu.Unlock()
	m.deltaObservers = append(m.deltaObservers, fn)
}

// OnGlobalStateChanged registers an observer for the aggregate state:
// connected if any connection is connected, else connecting if any is
// connecting, else disconnected.
func (m *Manager) OnGlobalStateChanged(fn func(state ConnectionState)) {
	m.observerMu.Lock()
	defer m.observerMu.Unlock()
	m.globalObservers = append(m.globalObservers, fn)
}

// ConnectAll opens connections for a device fleet per the current mode.
//
// In ModeMasterRack one connection per rack is opened, connecting as the
// rack's master (or first lock when no master exists; racks with neither
// are skipped with a warning). In ModeIndividualLock one connection per
// lock device is opened.
//
// Planned connections whose certificate or key files are missing are
// skipped with a warning. A failure on one connection never aborts its
// siblings: partial success is valid and expected. Re-invoking while a
// connection with the same id is already connected is a no-op success for
// that connection.
//
// Parameters:
//   - deviceIDs: The device fleet, in presentation order
//   - endpoint: Broker hostname
//   - creds: Certificate material lookup
//
// Returns:
//   - bool: true iff at least one connection is established (or was
//     already up)
func (m *Manager) ConnectAll(deviceIDs []string, endpoint string, creds CredentialSource) bool {
	plans := m.plan(deviceIDs)

	succeeded := 0
	for _, plan := range plans {
		if m.connectOne(plan, endpoint, creds) {
			succeeded++
		}
	}

	m.logger.Info("connect batch finished",
		"planned", len(plans),
		"established", succeeded,
	)
	return succeeded > 0
}

// plan translates the device list into intended connections per the mode.
func (m *Manager) plan(deviceIDs []string) []connectionPlan {
	m.mu.RLock()
	mode := m.mode
	m.mu.RUnlock()

	var plans []connectionPlan

	switch mode {
	case ModeIndividualLock:
		for _, id := range deviceIDs {
			if !naming.IsLock(id) {
				continue
			}
			plans = append(plans, connectionPlan{id: id, identity: id, managed: []string{id}})
		}

	default: // ModeMasterRack
		groups := naming.GroupByRack(deviceIDs, m.logger)

		names := make([]string, 0, len(groups))
		for name := range groups {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			group := groups[name]

			identity := group.MasterID
			if identity == "" && len(group.LockIDs) > 0 {
				identity = group.LockIDs[0]
			}
			if identity == "" {
				m.logger.Warn("rack has neither master nor locks, skipping", "rack", name)
				continue
			}

			var managed []string
			if group.HasMaster() {
				managed = append(managed, group.MasterID)
			}
			managed = append(managed, group.LockIDs...)

			plans = append(plans, connectionPlan{id: name, identity: identity, managed: managed})
		}
	}

	return plans
}

// connectOne establishes a single planned connection. Returns true when the
// connection is up (either freshly established or already connected).
func (m *Manager) connectOne(plan connectionPlan, endpoint string, creds CredentialSource) bool {
	m.mu.Lock()
	if existing, ok := m.connections[plan.id]; ok {
		if existing.state == StateConnected {
			m.mu.Unlock()
			m.logger.Debug("connection already established", "connection_id", plan.id)
			return true
		}
		// Stale entry from an earlier failed batch: tear it down and retry.
		if existing.transport != nil {
			existing.transport.Disconnect(disconnectQuiesce)
		}
		delete(m.connections, plan.id)
	}
	m.mu.Unlock()

	certFile := creds.CertPath(plan.identity)
	keyFile := creds.KeyPath(plan.identity)
	caFile := creds.CAPath()
	if !fileExists(certFile) || !fileExists(keyFile) {
		m.logger.Warn("certificate material missing, skipping connection",
			"connection_id", plan.id,
			"identity", plan.identity,
			"cert", certFile,
			"key", keyFile,
		)
		return false
	}
	if !fileExists(caFile) {
		m.logger.Warn("CA certificate missing, skipping connection",
			"connection_id", plan.id,
			"ca", caFile,
		)
		return false
	}

	conn := &Connection{
		id:       plan.id,
		identity: plan.identity,
		managed:  append([]string(nil), plan.managed...),
		state:    StateDisconnected,
	}
	m.mu.Lock()
	m.connections[plan.id] = conn
	m.mu.Unlock()

	m.setConnectionState(plan.id, StateConnecting)

	connID := plan.id
	transport, err := m.factory(TransportConfig{
		Endpoint:       endpoint,
		Port:           m.cfg.Port,
		ClientID:       plan.identity,
		CertFile:       certFile,
		KeyFile:        keyFile,
		CAFile:         caFile,
		KeepAlive:      m.cfg.KeepAlive,
		ConnectTimeout: m.cfg.ConnectTimeout,
		OnConnect: func() {
			m.handleTransportConnected(connID)
		},
		OnConnectionLost: func(lostErr error) {
			m.handleTransportLost(connID, lostErr)
		},
	})
	if err != nil {
		m.logger.Warn("creating transport failed",
			"connection_id", plan.id,
			"error", err,
		)
		m.setConnectionState(plan.id, StateDisconnected)
		return false
	}

	m.mu.Lock()
	conn.transport = transport
	m.mu.Unlock()

	if err := transport.Connect(); err != nil {
		m.logger.Warn("connection attempt failed",
			"connection_id", plan.id,
			"identity", plan.identity,
			"error", err,
		)
		m.setConnectionState(plan.id, StateDisconnected)
		return false
	}

	// The transport's OnConnect callback may or may not have fired yet;
	// handleTransportConnected is idempotent so the subscriptions happen
	// exactly once either way.
	m.handleTransportConnected(plan.id)

	m.logger.Info("connection established",
		"connection_id", plan.id,
		"identity", plan.identity,
		"managed_devices", len(plan.managed),
	)
	return true
}

// handleTransportConnected marks a connection connected and issues the
// delta subscriptions for every managed device. It fires on the initial
// connect and on every auto-reconnect; a clean MQTT session loses its
// subscriptions on reconnect, so re-subscribing here is a required side
// effect, not an optimisation.
func (m *Manager) handleTransportConnected(connectionID string) {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if !ok || conn.state == StateConnected || conn.state == StateDisconnecting {
		m.mu.Unlock()
		return
	}
	// Marking connected inside the same critical section as the check keeps
	// a racing duplicate callback from subscribing twice.
	conn.state = StateConnected
	transport := conn.transport
	managed := append([]string(nil), conn.managed...)
	global := m.globalLocked()
	globalChanged := global != m.lastGlobal
	m.lastGlobal = global
	m.mu.Unlock()

	m.emitConnectionState(connectionID, StateConnected)
	if globalChanged {
		m.emitGlobal(global)
	}

	topics := shadow.Topics{}
	for _, deviceID := range managed {
		topic := topics.UpdateDelta(deviceID)
		if err := transport.Subscribe(topic, m.cfg.QoS, m.handleMessage); err != nil {
			m.logger.Warn("delta subscription failed",
				"connection_id", connectionID,
				"device_id", deviceID,
				"error", err,
			)
		}
	}
}

// handleTransportLost records a dropped connection. Paho keeps reconnecting
// in the background, so the connection moves to connecting rather than
// disconnected.
func (m *Manager) handleTransportLost(connectionID string, err error) {
	m.mu.RLock()
	conn, ok := m.connections[connectionID]
	tearingDown := ok && (conn.state == StateDisconnecting || conn.state == StateDisconnected)
	m.mu.RUnlock()
	if !ok || tearingDown {
		return
	}

	m.logger.Warn("connection lost, transport reconnecting",
		"connection_id", connectionID,
		"error", err,
	)
	m.setConnectionState(connectionID, StateConnecting)
}

// handleMessage demultiplexes an inbound message. Only shadow delta topics
// are expected; the device identifier embedded in the topic keys the event,
// which is how one connection serves many managed devices.
func (m *Manager) handleMessage(topic string, payload []byte) {
	deviceID, ok := shadow.DeviceFromDeltaTopic(topic)
	if !ok {
		m.logger.Warn("message on unexpected topic dropped", "topic", topic)
		return
	}

	delta, err := shadow.ParseDelta(payload)
	if err != nil {
		m.logger.Warn("malformed delta payload dropped",
			"device_id", deviceID,
			"error", err,
		)
		return
	}

	m.emitDelta(deviceID, delta)
}

// PublishShadowUpdate publishes a device's reported state to its shadow
// update topic as {"state":{"reported":...,"desired":null}}.
//
// The publish goes over the (at most one) connected connection managing the
// device; if none exists the call is a no-op returning
// ErrNoManagingConnection.
func (m *Manager) PublishShadowUpdate(deviceID string, reported shadow.Reported) error {
	transport, ok := m.managingTransport(deviceID)
	if !ok {
		m.logger.Warn("no connected connection manages device, dropping publish",
			"device_id", deviceID,
		)
		return ErrNoManagingConnection
	}

	payload, err := json.Marshal(shadow.NewUpdate(reported))
	if err != nil {
		return err
	}
	return transport.Publish(shadow.Topics{}.Update(deviceID), m.cfg.QoS, payload)
}

// GetShadow pulls the device's cloud-side shadow on demand, typically right
// after connecting. It subscribes the managing connection to the device's
// get/accepted and get/rejected topics and then publishes an empty document
// to the get topic. A delta block in the accepted response is emitted on
// the shadow-delta stream.
func (m *Manager) GetShadow(deviceID string) error {
	transport, ok := m.managingTransport(deviceID)
	if !ok {
		m.logger.Warn("no connected connection manages device, cannot get shadow",
			"device_id", deviceID,
		)
		return ErrNoManagingConnection
	}

	topics := shadow.Topics{}

	err := transport.Subscribe(topics.GetAccepted(deviceID), m.cfg.QoS, func(_ string, payload []byte) {
		delta, parseErr := shadow.ParseGetAccepted(payload)
		if parseErr != nil {
			m.logger.Warn("malformed get/accepted payload dropped",
				"device_id", deviceID,
				"error", parseErr,
			)
			return
		}
		if delta.IsZero() {
			return
		}
		m.emitDelta(deviceID, delta)
	})
	if err != nil {
		return err
	}

	err = transport.Subscribe(topics.GetRejected(deviceID), m.cfg.QoS, func(_ string, payload []byte) {
		m.logger.Warn("shadow get rejected",
			"device_id", deviceID,
			"response", string(payload),
		)
	})
	if err != nil {
		return err
	}

	return transport.Publish(topics.Get(deviceID), m.cfg.QoS, []byte("{}"))
}

// IsThingConnected reports whether some connected connection manages the
// device.
func (m *Manager) IsThingConnected(deviceID string) bool {
	_, ok := m.managingTransport(deviceID)
	return ok
}

// HasActiveConnections reports whether any connection is connected.
func (m *Manager) HasActiveConnections() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.connections {
		if conn.state == StateConnected {
			return true
		}
	}
	return false
}

// GlobalState aggregates all connection states: connected beats connecting
// beats disconnected.
func (m *Manager) GlobalState() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalLocked()
}

// Connections returns a snapshot of all managed connections, sorted by id.
func (m *Manager) Connections() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.connections))
	for _, conn := range m.connections {
		infos = append(infos, Info{
			ID:             conn.id,
			Identity:       conn.identity,
			ManagedDevices: append([]string(nil), conn.managed...),
			State:          conn.state,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// DisconnectAll tears down every connection. Teardown is idempotent and
// errors are logged, never propagated.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		m.emitConnectionState(conn.id, StateDisconnecting)
		if conn.transport != nil {
			conn.transport.Disconnect(disconnectQuiesce)
		}
		conn.state = StateDisconnected
		m.emitConnectionState(conn.id, StateDisconnected)
		m.logger.Info("connection closed", "connection_id", conn.id)
	}

	m.mu.Lock()
	global := m.globalLocked()
	changed := global != m.lastGlobal
	m.lastGlobal = global
	m.mu.Unlock()
	if changed {
		m.emitGlobal(global)
	}
}

// managingTransport finds the transport of the connected connection that
// manages the device.
func (m *Manager) managingTransport(deviceID string) (Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.connections {
		if conn.state == StateConnected && conn.manages(deviceID) {
			return conn.transport, true
		}
	}
	return nil, false
}

// setConnectionState transitions one connection and emits the per-connection
// and (when changed) global state events.
func (m *Manager) setConnectionState(connectionID string, state ConnectionState) {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if !ok || conn.state == state {
		m.mu.Unlock()
		return
	}
	conn.state = state

	global := m.globalLocked()
	globalChanged := global != m.lastGlobal
	m.lastGlobal = global
	m.mu.Unlock()

	m.emitConnectionState(connectionID, state)
	if globalChanged {
		m.emitGlobal(global)
	}
}

// globalLocked computes the aggregate state. Callers must hold mu.
func (m *Manager) globalLocked() ConnectionState {
	anyConnecting := false
	for _, conn := range m.connections {
		switch conn.state {
		case StateConnected:
			return StateConnected
		case StateConnecting:
			anyConnecting = true
		}
	}
	if anyConnecting {
		return StateConnecting
	}
	return StateDisconnected
}

func (m *Manager) emitConnectionState(connectionID string, state ConnectionState) {
	m.observerMu.RLock()
	observers := append(([]func(string, ConnectionState))(nil), m.connStateObservers...)
	m.observerMu.RUnlock()
	for _, fn := range observers {
		fn(connectionID, state)
	}
}

func (m *Manager) emitDelta(deviceID string, delta shadow.Delta) {
	m.observerMu.RLock()
	observers := append(([]func(string, shadow.Delta))(nil), m.deltaObservers...)
	m.observerMu.RUnlock()
	for _, fn := range observers {
		fn(deviceID, delta)
	}
}

func (m *Manager) emitGlobal(state ConnectionState) {
	m.observerMu.RLock()
	observers := append(([]func(ConnectionState))(nil), m.globalObservers...)
	m.observerMu.RUnlock()
	for _, fn := range observers {
		fn(state)
	}
}

// fileExists reports whether a path names an existing file.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
