package shadow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Reported is the full reported-state document for one lock device.
//
// The locked, empty and lock_clamps fields are always present on the wire
// and hold 0 or 1. Timer is the remaining auto-lock countdown in
// milliseconds and is omitted entirely when no countdown is pending.
type Reported struct {
	Locked     int  `json:"locked"`
	Empty      int  `json:"empty"`
	LockClamps int  `json:"lock_clamps"`
	Timer      *int `json:"timer,omitempty"`
}

// Delta is a partial shadow document: only the fields present on the wire
// are set, everything else stays nil. Applying a Delta is a merge, never
// a replace.
type Delta struct {
	Locked     *int `json:"locked,omitempty"`
	Empty      *int `json:"empty,omitempty"`
	LockClamps *int `json:"lock_clamps,omitempty"`
	Timer      *int `json:"timer,omitempty"`
}

// IsZero reports whether the delta carries no fields at all.
func (d Delta) IsZero() bool {
	return d.Locked == nil && d.Empty == nil && d.LockClamps == nil && d.Timer == nil
}

// Update is the document shape published to a device's shadow update topic:
// {"state":{"reported":{...},"desired":null}}. Desired is deliberately
// serialised as an explicit null to clear any pending desired state once
// the device has caught up.
type Update struct {
	State UpdateState `json:"state"`
}

// UpdateState is the state block of an Update document.
type UpdateState struct {
	Reported Reported  `json:"reported"`
	Desired  *Reported `json:"desired"`
}

// NewUpdate wraps a reported document into the full update envelope.
func NewUpdate(reported Reported) Update {
	return Update{State: UpdateState{Reported: reported, Desired: nil}}
}

// deltaEnvelope detects the optional {"state":{...}} wrapper that some
// brokers put around delta payloads.
type deltaEnvelope struct {
	State json.RawMessage `json:"state"`
}

// ParseDelta decodes a shadow delta payload.
//
// Delta payloads arrive either as a raw field map ({"locked":0}) or nested
// under a state envelope ({"state":{"locked":0}}). Both forms decode to the
// same Delta. Unknown fields are ignored.
//
// Parameters:
//   - payload: Raw JSON payload from the delta topic
//
// Returns:
//   - Delta: Decoded partial document
//   - error: If the payload is not a JSON object
func ParseDelta(payload []byte) (Delta, error) {
	var envelope deltaEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Delta{}, fmt.Errorf("parsing delta payload: %w", err)
	}

	body := payload
	if len(envelope.State) > 0 && !bytes.Equal(envelope.State, []byte("null")) {
		body = envelope.State
	}

	var delta Delta
	if err := json.Unmarshal(body, &delta); err != nil {
		return Delta{}, fmt.Errorf("parsing delta fields: %w", err)
	}
	return delta, nil
}

// ParseGetAccepted extracts the delta block from a shadow get/accepted
// payload ({"state":{"delta":{...}}}).
//
// The cloud includes a delta block only when desired and reported state
// diverge; the returned Delta is zero when the shadow is already in sync.
func ParseGetAccepted(payload []byte) (Delta, error) {
	var doc struct {
		State struct {
			Delta json.RawMessage `json:"delta"`
		} `json:"state"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Delta{}, fmt.Errorf("parsing get/accepted payload: %w", err)
	}

	if len(doc.State.Delta) == 0 || bytes.Equal(doc.State.Delta, []byte("null")) {
		return Delta{}, nil
	}

	var delta Delta
	if err := json.Unmarshal(doc.State.Delta, &delta); err != nil {
		return Delta{}, fmt.Errorf("parsing get/accepted delta block: %w", err)
	}
	return delta, nil
}

// Int returns a pointer to v, for building partial documents in place.
func Int(v int) *int {
	return &v
}
