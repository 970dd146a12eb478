package fleet

import (
	"encoding/json"
	"time"
)

// Status is the liveness state of a device as seen by the relay.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// CommandStatus is the delivery state of a queued command.
//
// Lifecycle: queued → delivered → acknowledged, or expired once the
// redelivery limit is exhausted.
type CommandStatus string

const (
	CommandQueued       CommandStatus = "queued"
	CommandDelivered    CommandStatus = "delivered"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandExpired      CommandStatus = "expired"
)

// AllDevices targets every registered device in SendCommand.
const AllDevices = "all"

// Device is a snapshot of one registered field unit.
//
// Values returned by the registry are deep copies; callers may modify them freely.
type Device struct {
	ID             string          `json:"id"`
	Address        string          `json:"address,omitempty"`
	Transport      string          `json:"transport,omitempty"`
	Status         Status          `json:"status"`
	State          string          `json:"state,omitempty"` // device-reported, e.g. "idle" or "in_flight"
	BatteryPercent *float64        `json:"battery_percent,omitempty"`
	Firmware       string          `json:"firmware,omitempty"`
	Capabilities   []string        `json:"capabilities,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	Attachment     *AttachmentInfo `json:"attachment,omitempty"`
	RegisteredAt   time.Time       `json:"registered_at"`
	LastSeenAt     time.Time       `json:"last_seen_at"`

	// Filled in on snapshots only.
	PendingCommands int `json:"pending_commands"`
	TelemetryCount  int `json:"telemetry_count"`
}

// DeepCopy creates an independent copy of the device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d

	if d.BatteryPercent != nil {
		b := *d.BatteryPercent
		cpy.BatteryPercent = &b
	}
	if d.Capabilities != nil {
		cpy.Capabilities = make([]string, len(d.Capabilities))
		copy(cpy.Capabilities, d.Capabilities)
	}
	cpy.Metadata = deepCopyMap(d.Metadata)
	if d.Attachment != nil {
		info := *d.Attachment
		cpy.Attachment = &info
	}

	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, item := range val {
			cpy[i] = deepCopyValue(item)
		}
		return cpy
	default:
		return v
	}
}

// Command is one unit of work queued for a single device.
type Command struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"device_id"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Status      CommandStatus   `json:"status"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	Deliveries  int             `json:"deliveries"`
	Result      string          `json:"result,omitempty"`

	seq uint64 // enqueue order within the device queue
}

// clone returns a copy that shares nothing mutable with the queue.
func (c *Command) clone() Command {
	cpy := *c
	if c.Payload != nil {
		cpy.Payload = append(json.RawMessage(nil), c.Payload...)
	}
	if c.DeliveredAt != nil {
		t := *c.DeliveredAt
		cpy.DeliveredAt = &t
	}
	return cpy
}

// TelemetrySample is one inbound telemetry message.
type TelemetrySample struct {
	DeviceID   string          `json:"device_id"`
	Seq        uint64          `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// AttachmentInfo describes the blob currently attached to a device.
type AttachmentInfo struct {
	Size        int       `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	Digest      string    `json:"digest"` // hex BLAKE3-256
	UpdatedAt   time.Time `json:"updated_at"`
}

// Origin identifies where a request entered the relay.
type Origin struct {
	// Transport is the adapter name, e.g. "http", "stream" or "mqtt".
	Transport string

	// RemoteAddr is opaque origin info recorded as the device address.
	RemoteAddr string

	// Subscriber is the broadcast handle of the caller, excluded from
	// the echo of its own action. Empty when the caller is not subscribed.
	Subscriber string
}

// RegisterRequest carries the metadata a device reports on registration.
type RegisterRequest struct {
	DeviceID       string
	Firmware       string
	Capabilities   []string
	Metadata       map[string]any
	BatteryPercent *float64
}

// RegisterResult is returned by Engine.Register.
type RegisterResult struct {
	Device  Device
	Created bool

	// PollInterval is the polling cadence suggested to the device.
	PollInterval time.Duration
}

// PollRequest asks for pending commands.
type PollRequest struct {
	DeviceID       string
	State          string
	BatteryPercent *float64

	// Max caps the batch; zero or anything above the configured batch size
	// means the configured batch size.
	Max int
}

// PollResult is returned by Engine.Poll.
type PollResult struct {
	Device     Device
	Commands   []Command
	Registered bool // the poll auto-registered an unknown device
}

// AckRequest acknowledges one delivered command.
type AckRequest struct {
	DeviceID  string
	CommandID string
	Result    string
}

// TelemetryRequest carries one telemetry payload from a device.
type TelemetryRequest struct {
	DeviceID       string
	Payload        json.RawMessage
	BatteryPercent *float64
}

// SendCommandRequest queues a command from an observer.
type SendCommandRequest struct {
	DeviceID string // a device id or AllDevices
	Payload  json.RawMessage
	Priority int
}

// SendResult reports the outcome of a command send for one device.
type SendResult struct {
	DeviceID string   `json:"device_id"`
	Command  *Command `json:"command,omitempty"`
	Position int      `json:"position"`
	Err      error    `json:"-"`
}

// Stats summarises the registry.
type Stats struct {
	Devices         int `json:"devices"`
	Connected       int `json:"connected"`
	Disconnected    int `json:"disconnected"`
	PendingCommands int `json:"pending_commands"`
}
