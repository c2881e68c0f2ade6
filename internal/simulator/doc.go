// Package simulator orchestrates the virtual lock fleet.
//
// The Simulator restores device states from local persistence, drives the
// connection layer through the configured topology mode, merges inbound
// shadow deltas into per-device state machines and echoes the resulting
// reported documents back to the cloud. Two background loops run while the
// simulation is active: a fast tick advancing auto-lock countdowns and a
// slow heartbeat refreshing every connected device's shadow.
//
// State changes always follow the same path regardless of their trigger
// (cloud delta, manual action, auto-lock): mutate the state machine,
// publish reported state if connected, persist locally, record telemetry.
package simulator
