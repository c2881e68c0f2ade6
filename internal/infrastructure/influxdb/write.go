package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteLockState records a lock's state after any transition: delta applied,
// manual toggle, auto-lock, or heartbeat.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceID: The lock device identifier
//   - locked, empty, clamps: Binary state fields (0 or 1)
//   - timerMs: Remaining auto-lock countdown, nil when idle
func (c *Client) WriteLockState(deviceID string, locked, empty, clamps int, timerMs *int) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"locked":      locked,
		"empty":       empty,
		"lock_clamps": clamps,
	}
	if timerMs != nil {
		fields["timer_ms"] = *timerMs
	}

	point := write.NewPoint(
		"lock_state",
		map[string]string{
			"device_id": deviceID,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteConnectionEvent records a connection state transition.
//
// Parameters:
//   - connectionID: The rack or lock connection identifier
//   - state: The new state (connecting, connected, disconnected, ...)
func (c *Client) WriteConnectionEvent(connectionID string, state string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"connection_events",
		map[string]string{
			"connection_id": connectionID,
		},
		map[string]interface{}{
			"state": state,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
