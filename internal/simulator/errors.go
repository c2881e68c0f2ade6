package simulator

import "errors"

// Simulator errors.
var (
	// ErrNoDevices is returned when Connect is called with no locally
	// registered devices.
	ErrNoDevices = errors.New("simulator: no devices registered")

	// ErrNoEndpoint is returned when the active profile has no discovered
	// data endpoint yet.
	ErrNoEndpoint = errors.New("simulator: no data endpoint discovered")

	// ErrNoCACertificate is returned when the broker CA certificate is
	// missing from the certificate directory.
	ErrNoCACertificate = errors.New("simulator: CA certificate missing")

	// ErrConnectFailed is returned when not a single connection could be
	// established.
	ErrConnectFailed = errors.New("simulator: all connections failed")

	// ErrUnknownDevice is returned for operations on a device the simulator
	// does not manage.
	ErrUnknownDevice = errors.New("simulator: unknown device")

	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("simulator: already running")
)
