package store

import "errors"

// Store errors.
var (
	// ErrDeviceNotFound is returned when a device id has no local record.
	ErrDeviceNotFound = errors.New("store: device not found")

	// ErrNoActiveProfile is returned when no cloud profile is marked active.
	ErrNoActiveProfile = errors.New("store: no active profile")
)
