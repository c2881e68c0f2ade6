// Package shadow defines the device shadow wire contract.
//
// A shadow is a cloud-persisted JSON document mirroring one device's state
// as a desired/reported pair. Devices publish reported state to
// $aws/things/{deviceId}/shadow/update and receive deltas (the desired
// fields that differ from reported) on .../shadow/update/delta.
//
// The package provides:
//   - Typed documents (Reported, Delta, Update) making the partial-merge
//     contract explicit: every Delta field is a pointer, absent means
//     "leave unchanged"
//   - Topic builders for the fixed shadow topic scheme
//   - Delta-topic parsing for demultiplexing inbound messages by device
//
// Wire fields are locked, empty and lock_clamps (integers 0/1) plus timer
// (milliseconds, absent when no countdown is pending).
package shadow
