package shadow

import (
	"fmt"
	"strings"
)

// Topic prefix shared with the cloud broker. All shadow traffic for a device
// lives under $aws/things/{deviceId}/shadow.
const (
	// TopicPrefix is the fixed prefix of every shadow topic.
	TopicPrefix = "$aws/things/"

	// deltaSuffix marks the desired-vs-reported difference stream.
	deltaSuffix = "/shadow/update/delta"
)

// Topics provides builders for the device shadow topic scheme.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := shadow.Topics{}
//	topics.UpdateDelta("dev-RACK01-LOCK01")
//	// Returns: "$aws/things/dev-RACK01-LOCK01/shadow/update/delta"
type Topics struct{}

// Update returns the topic for publishing shadow state updates.
//
// Example: $aws/things/dev-RACK01-LOCK01/shadow/update
func (Topics) Update(deviceID string) string {
	return fmt.Sprintf("%s%s/shadow/update", TopicPrefix, deviceID)
}

// UpdateDelta returns the topic on which desired-state deltas arrive.
//
// Example: $aws/things/dev-RACK01-LOCK01/shadow/update/delta
func (Topics) UpdateDelta(deviceID string) string {
	return fmt.Sprintf("%s%s%s", TopicPrefix, deviceID, deltaSuffix)
}

// Get returns the topic for requesting the current shadow document.
//
// Example: $aws/things/dev-RACK01-LOCK01/shadow/get
func (Topics) Get(deviceID string) string {
	return fmt.Sprintf("%s%s/shadow/get", TopicPrefix, deviceID)
}

// GetAccepted returns the topic on which shadow get responses arrive.
//
// Example: $aws/things/dev-RACK01-LOCK01/shadow/get/accepted
func (Topics) GetAccepted(deviceID string) string {
	return fmt.Sprintf("%s%s/shadow/get/accepted", TopicPrefix, deviceID)
}

// GetRejected returns the topic on which shadow get failures arrive.
//
// Example: $aws/things/dev-RACK01-LOCK01/shadow/get/rejected
func (Topics) GetRejected(deviceID string) string {
	return fmt.Sprintf("%s%s/shadow/get/rejected", TopicPrefix, deviceID)
}

// DeviceFromDeltaTopic extracts the device identifier from a shadow delta
// topic. This is how one physical connection demultiplexes deltas for the
// many devices it manages: the device in the topic may differ from the
// connection's own identity.
//
// Parameters:
//   - topic: The inbound message topic
//
// Returns:
//   - string: The device identifier embedded in the topic
//   - bool: false if the topic is not a shadow delta topic
func DeviceFromDeltaTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefix)
	if !ok {
		return "", false
	}

	deviceID, _, ok := strings.Cut(rest, "/")
	if !ok || deviceID == "" {
		return "", false
	}

	if !strings.HasSuffix(topic, deltaSuffix) {
		return "", false
	}
	return deviceID, true
}
