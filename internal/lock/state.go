package lock

import (
	"errors"
	"time"

	"github.com/rackworks/locksim/internal/shadow"
)

// ErrLocked is returned when an operation is refused because the lock is
// engaged. Bikes can only be taken or returned while the lock is open, so
// toggling empty on a locked device is a business-rule violation.
var ErrLocked = errors.New("lock: device is locked")

// tickStepMs is how much one timer tick removes from the countdown.
const tickStepMs = 1000

// Default field values for a freshly created device.
const (
	defaultLocked = 1
	defaultEmpty  = 0
	defaultClamps = 1
)

// State is the local state machine of one virtual lock device.
//
// The wire-visible fields locked, empty and clamps hold 0 or 1. TimerMs is
// the remaining auto-lock countdown in milliseconds; it is non-nil only
// while a countdown is active. LastUpdate timestamps the most recent
// mutation.
//
// State is not safe for concurrent use; the owning orchestrator serialises
// all mutations.
type State struct {
	DeviceID   string
	Connected  bool
	Locked     int
	Empty      int
	Clamps     int
	TimerMs    *int
	LastUpdate *time.Time
}

// New creates a State with default values: locked, occupied, clamps engaged.
func New(deviceID string) *State {
	return &State{
		DeviceID: deviceID,
		Locked:   defaultLocked,
		Empty:    defaultEmpty,
		Clamps:   defaultClamps,
	}
}

// FromShadowState builds a State from a (possibly partial) shadow document,
// defaulting absent fields. Used when restoring a device from persisted
// last-known-state.
//
// Parameters:
//   - deviceID: The device identifier
//   - doc: Partial shadow document; absent fields take defaults
//   - connected: Initial connectivity flag
//
// Returns:
//   - *State: Initialised state with LastUpdate set to now
func FromShadowState(deviceID string, doc shadow.Delta, connected bool) *State {
	s := New(deviceID)
	s.Connected = connected

	if doc.Locked != nil {
		s.Locked = *doc.Locked
	}
	if doc.Empty != nil {
		s.Empty = *doc.Empty
	}
	if doc.LockClamps != nil {
		s.Clamps = *doc.LockClamps
	}
	if doc.Timer != nil {
		s.setTimer(*doc.Timer)
	}

	s.touch()
	return s
}

// ApplyDelta merges a partial shadow document into the state. Fields present
// in the delta overwrite the corresponding state fields; absent fields are
// left unchanged. LastUpdate is always refreshed.
func (s *State) ApplyDelta(delta shadow.Delta) {
	if delta.Locked != nil {
		s.Locked = *delta.Locked
	}
	if delta.Empty != nil {
		s.Empty = *delta.Empty
	}
	if delta.LockClamps != nil {
		s.Clamps = *delta.LockClamps
	}
	if delta.Timer != nil {
		s.setTimer(*delta.Timer)
	}
	s.touch()
}

// setTimer starts or cancels the countdown. The timer exists only while
// actively counting down, so a zero or negative wire value clears it.
func (s *State) setTimer(ms int) {
	if ms <= 0 {
		s.TimerMs = nil
		return
	}
	s.TimerMs = &ms
}

// ToReportedState emits the full reported document for outbound shadow
// publishes. locked, empty and lock_clamps are always present; timer only
// while a countdown is active.
func (s *State) ToReportedState() shadow.Reported {
	reported := shadow.Reported{
		Locked:     s.Locked,
		Empty:      s.Empty,
		LockClamps: s.Clamps,
	}
	if s.TimerMs != nil {
		timer := *s.TimerMs
		reported.Timer = &timer
	}
	return reported
}

// TickTimer advances an active countdown by one tick (1000ms), flooring at
// zero. Reaching zero locks the device and clears the timer in the same
// step.
//
// Returns:
//   - bool: true if this tick produced the auto-lock transition, meaning
//     the caller should re-publish reported state
func (s *State) TickTimer() bool {
	if s.TimerMs == nil || *s.TimerMs <= 0 {
		return false
	}

	remaining := *s.TimerMs - tickStepMs
	if remaining > 0 {
		s.TimerMs = &remaining
		s.touch()
		return false
	}

	// Countdown exhausted: lock and clear the timer atomically.
	s.Locked = 1
	s.TimerMs = nil
	s.touch()
	return true
}

// ToggleEmpty flips the empty flag. Refused with ErrLocked while the device
// is locked: a bike cannot be taken or returned through an engaged lock.
func (s *State) ToggleEmpty() error {
	if s.Locked == 1 {
		return ErrLocked
	}
	s.Empty = 1 - s.Empty
	s.touch()
	return nil
}

// ToggleClamps unconditionally flips the clamps flag.
func (s *State) ToggleClamps() {
	s.Clamps = 1 - s.Clamps
	s.touch()
}

// SetLocked sets the locked flag. Locking cancels any pending auto-lock
// countdown: an explicit lock action preempts the timer.
func (s *State) SetLocked(locked bool) {
	if locked {
		s.Locked = 1
		s.TimerMs = nil
	} else {
		s.Locked = 0
	}
	s.touch()
}

// HasActiveTimer reports whether an auto-lock countdown is pending.
func (s *State) HasActiveTimer() bool {
	return s.TimerMs != nil && *s.TimerMs > 0
}

// Copy returns an independent copy of the state, safe to hand to observers.
func (s *State) Copy() *State {
	cpy := *s
	if s.TimerMs != nil {
		timer := *s.TimerMs
		cpy.TimerMs = &timer
	}
	if s.LastUpdate != nil {
		ts := *s.LastUpdate
		cpy.LastUpdate = &ts
	}
	return &cpy
}

// touch refreshes the LastUpdate timestamp.
func (s *State) touch() {
	now := time.Now().UTC()
	s.LastUpdate = &now
}
