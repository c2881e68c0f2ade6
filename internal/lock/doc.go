// Package lock implements the per-device state machine of a virtual
// bike-rack lock.
//
// Each device carries four wire-visible fields (locked, empty, clamps,
// timer) plus a local connectivity flag. Transitions come from three
// sources: shadow deltas (partial merges), user actions (toggle/set
// operations), and the periodic timer tick that drives autonomous
// auto-locking when a countdown expires.
//
// Business rules encoded here:
//   - empty can only be toggled while the lock is open
//   - an explicit lock action cancels a pending auto-lock countdown
//   - a countdown reaching zero locks the device in the same step
package lock
