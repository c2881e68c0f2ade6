package connection

import "errors"

// Domain-specific errors for connection management.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNoManagingConnection is returned when no connected connection
	// manages the requested device.
	ErrNoManagingConnection = errors.New("connection: no connected connection manages device")

	// ErrConnectFailed is returned when a transport's initial connection
	// attempt fails.
	ErrConnectFailed = errors.New("connection: connect failed")

	// ErrMissingCredentials is returned when certificate material required
	// for a connection cannot be found on disk.
	ErrMissingCredentials = errors.New("connection: missing certificate or key")
)
