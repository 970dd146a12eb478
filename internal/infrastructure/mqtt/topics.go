package mqtt

import (
	"strings"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "fleetrelay"

// Device-side operations carried on <prefix>/device/{id}/{op}.
const (
	OpRegister  = "register"
	OpPoll      = "poll"
	OpAck       = "ack"
	OpTelemetry = "telemetry"

	// Relay replies.
	OpRegistered = "registered"
	OpCommands   = "commands"
	OpError      = "error"
)

// Topics builds the relay's topic hierarchy:
//
//	<prefix>/device/{device_id}/{op}      device requests and relay replies
//	<prefix>/events/{kind}/{device_id}    mirrored domain events
//	<prefix>/system/status                retained relay online/offline state
type Topics struct {
	prefix string
}

// NewTopics returns a builder rooted at prefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// Device returns the topic for one device operation.
//
// Example: fleetrelay/device/drone-7/poll
func (t Topics) Device(deviceID, op string) string {
	return t.Prefix() + "/device/" + deviceID + "/" + op
}

// AllDevices returns the subscription pattern for one operation from any device.
//
// Pattern: fleetrelay/device/+/poll
func (t Topics) AllDevices(op string) string {
	return t.Prefix() + "/device/+/" + op
}

// Event returns the mirror topic for a domain event.
//
// Example: fleetrelay/events/telemetry/drone-7
func (t Topics) Event(kind, deviceID string) string {
	return t.Prefix() + "/events/" + kind + "/" + deviceID
}

// SystemStatus returns the retained relay status topic.
//
// Example: fleetrelay/system/status
func (t Topics) SystemStatus() string {
	return t.Prefix() + "/system/status"
}

// ParseDevice splits a device topic into its id and operation.
func (t Topics) ParseDevice(topic string) (deviceID, op string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Prefix()+"/device/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ValidSegment reports whether s can be used as a single topic level:
// non-empty and free of separators and wildcards.
func ValidSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#\x00")
}
