// Package influxdb provides optional time-series telemetry for simulation
// runs: per-device lock state transitions and connection events.
//
// Telemetry is disabled by default; Connect returns ErrDisabled and the
// simulator runs without it. Writes are non-blocking and batched, so a slow
// or absent telemetry backend never stalls the simulation loop.
package influxdb
