// Package connection manages the simulator's MQTT connection topology.
//
// A fleet of virtual devices is served by N independent mutual-TLS MQTT
// connections. How many, and which device identity each connection uses,
// is decided by the simulation mode:
//
//   - ModeMasterRack: one connection per rack. The rack's master device
//     connects and carries shadow traffic for every lock in the rack.
//   - ModeIndividualLock: one connection per lock device.
//
// Each connection runs its own lifecycle (connect, auto-reconnect,
// re-subscribe, disconnect) independently: a TLS failure on one rack never
// affects another. Inbound shadow deltas are demultiplexed by the device
// identifier embedded in the topic, which may differ from the connection's
// own identity.
//
// # Reconnection
//
// Connections use clean MQTT sessions, so the broker forgets subscriptions
// whenever a connection drops. The manager therefore re-issues the delta
// subscription for every managed device on each successful reconnect.
//
// # Observers
//
// Three broadcast streams are exposed: per-connection state changes,
// inbound shadow deltas, and the aggregate global state. Every registered
// observer receives every event; callbacks run synchronously and must not
// block.
package connection
