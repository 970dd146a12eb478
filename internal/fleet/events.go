package fleet

import "time"

// EventKind identifies a domain event.
type EventKind string

const (
	EventDeviceConnected     EventKind = "device_connected"
	EventDeviceDisconnected  EventKind = "device_disconnected"
	EventCommandSent         EventKind = "command_sent"
	EventCommandAcknowledged EventKind = "command_acknowledged"
	EventCommandExpired      EventKind = "command_expired"
	EventTelemetry           EventKind = "telemetry"
)

// Event is emitted after a state change has committed.
//
// Events are shared between all subscribers and must be treated as read-only.
type Event struct {
	Kind      EventKind        `json:"type"`
	DeviceID  string           `json:"device_id"`
	Timestamp time.Time        `json:"timestamp"`
	Device    *Device          `json:"device,omitempty"`
	Command   *Command         `json:"command,omitempty"`
	Telemetry *TelemetrySample `json:"telemetry,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// Publisher fans events out to observers. Publish must not fail and must
// not block on a slow observer. exclude is a subscription handle that
// should not receive the event, or empty.
type Publisher interface {
	Publish(evt Event, exclude string)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event, string) {}

// Recorder receives engine activity for metrics.
type Recorder interface {
	EventPublished(kind EventKind)
	RequestRejected(op string, err error)
	CommandsDelivered(n int)
	CommandsRedelivered(n int)
	SweepFinished(duration time.Duration, removed int)
	SweepSkipped()
}

type noopRecorder struct{}

func (noopRecorder) EventPublished(EventKind)         {}
func (noopRecorder) RequestRejected(string, error)    {}
func (noopRecorder) CommandsDelivered(int)            {}
func (noopRecorder) CommandsRedelivered(int)          {}
func (noopRecorder) SweepFinished(time.Duration, int) {}
func (noopRecorder) SweepSkipped()                    {}
