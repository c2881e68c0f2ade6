package connection

// ConnectionState is the lifecycle state of one managed connection.
//
// The finite state machine is:
//
//	disconnected → connecting → connected → disconnecting → disconnected
//
// with connected → connecting on transport loss (paho auto-reconnect keeps
// trying in the background) and connecting → disconnected on failure.
type ConnectionState string

// Connection lifecycle states.
const (
	StateDisconnected  ConnectionState = "disconnected"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
)

// Mode is the simulation policy deciding how many physical connections to
// open for a device fleet.
type Mode int

const (
	// ModeMasterRack opens one connection per rack, connecting as the
	// rack's master device (or its first lock when no master exists) and
	// managing every device in the rack over that single connection.
	ModeMasterRack Mode = iota

	// ModeIndividualLock opens one connection per lock device, each
	// managing only itself.
	ModeIndividualLock
)

// String returns the config-file spelling of the mode.
func (m Mode) String() string {
	switch m {
	case ModeMasterRack:
		return "master_rack"
	case ModeIndividualLock:
		return "individual_lock"
	default:
		return "unknown"
	}
}

// ParseMode converts the config-file spelling into a Mode.
// Unrecognised values default to ModeMasterRack.
func ParseMode(s string) Mode {
	if s == "individual_lock" {
		return ModeIndividualLock
	}
	return ModeMasterRack
}

// Connection is one managed MQTT connection: a connecting identity, the
// set of devices whose shadow traffic it carries, the transport handle and
// the lifecycle state. The Manager owns all Connections exclusively; state
// is guarded by the Manager's mutex.
type Connection struct {
	id        string
	identity  string
	managed   []string
	transport Transport
	state     ConnectionState
}

// manages reports whether the connection carries traffic for the device.
func (c *Connection) manages(deviceID string) bool {
	for _, id := range c.managed {
		if id == deviceID {
			return true
		}
	}
	return false
}

// Info is a read-only snapshot of one Connection, safe to hand to callers.
type Info struct {
	ID             string
	Identity       string
	ManagedDevices []string
	State          ConnectionState
}
