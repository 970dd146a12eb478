package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/fleet-relay/internal/fleet"
)

// ErrClosed is returned by Start on an adapter that was already closed.
var ErrClosed = errors.New("transport: adapter closed")

// Adapter is a device- or observer-facing transport.
//
// Start must not block: listeners and subscriptions run in the background
// until Close is called. Close is safe to call on an adapter that was
// never started.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Close() error
}

// DeviceService is the subset of the engine that device transports call.
type DeviceService interface {
	Register(ctx context.Context, origin fleet.Origin, req fleet.RegisterRequest) (fleet.RegisterResult, error)
	Poll(ctx context.Context, origin fleet.Origin, req fleet.PollRequest) (fleet.PollResult, error)
	Acknowledge(ctx context.Context, origin fleet.Origin, req fleet.AckRequest) (bool, error)
	RecordTelemetry(ctx context.Context, origin fleet.Origin, req fleet.TelemetryRequest) (fleet.TelemetrySample, error)
	Disconnected(ctx context.Context, origin fleet.Origin, id string)
}

var _ DeviceService = (*fleet.Engine)(nil)

// Device message types.
const (
	TypeRegister  = "register"
	TypePoll      = "poll"
	TypeAck       = "ack"
	TypeTelemetry = "telemetry"
)

// Reply types.
const (
	TypeRegistered = "registered"
	TypeCommands   = "commands"
	TypeAckResult  = "ack_result"
	TypeRecorded   = "telemetry_recorded"
	TypeError      = "error"
)

// Message is the envelope devices send over the stream and MQTT transports.
// Which fields matter depends on Type.
type Message struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id,omitempty"`

	// register
	Firmware     string         `json:"firmware,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// poll
	State string `json:"state,omitempty"`
	Max   int    `json:"max,omitempty"`

	// ack
	CommandID string `json:"command_id,omitempty"`
	Result    string `json:"result,omitempty"`

	// telemetry
	Payload json.RawMessage `json:"payload,omitempty"`

	BatteryPercent *float64 `json:"battery_percent,omitempty"`
}

// RegisteredReply answers a register message.
type RegisteredReply struct {
	Type           string       `json:"type"`
	Device         fleet.Device `json:"device"`
	Created        bool         `json:"created"`
	PollIntervalMS int64        `json:"poll_interval_ms"`
}

// CommandsReply answers a poll with the delivered batch, possibly empty.
type CommandsReply struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"device_id"`
	Commands []fleet.Command `json:"commands"`
}

// AckReply answers an ack. Acknowledged is false for unknown or repeated ids.
type AckReply struct {
	Type         string `json:"type"`
	CommandID    string `json:"command_id"`
	Acknowledged bool   `json:"acknowledged"`
}

// RecordedReply answers a telemetry message.
type RecordedReply struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
}

// ErrorReply reports a rejected message.
type ErrorReply struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

// Decode parses a JSON message line.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: malformed message: %v", fleet.ErrInvalidRequest, err)
	}
	return msg, nil
}

// envelopeFields are the keys a telemetry envelope may carry.
var envelopeFields = map[string]bool{
	"type":            true,
	"device_id":       true,
	"payload":         true,
	"battery_percent": true,
}

// IsTelemetryEnvelope reports whether a decoded telemetry object wraps its
// value in "payload". An object with any key outside the envelope fields is
// the telemetry value itself, even if one of its keys is "payload".
func IsTelemetryEnvelope[V any](obj map[string]V) bool {
	if _, ok := obj["payload"]; !ok {
		return false
	}
	for k := range obj {
		if !envelopeFields[k] {
			return false
		}
	}
	return true
}

// DecodeTelemetry parses a JSON telemetry message. An envelope (see
// IsTelemetryEnvelope) is unwrapped; anything else is stored whole.
func DecodeTelemetry(data []byte) (Message, error) {
	if !json.Valid(data) {
		return Message{}, fmt.Errorf("%w: telemetry must be JSON", fleet.ErrInvalidRequest)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil && IsTelemetryEnvelope(obj) {
		var msg Message
		if err := json.Unmarshal(data, &msg); err == nil && len(msg.Payload) > 0 {
			return msg, nil
		}
	}
	return Message{Payload: append(json.RawMessage(nil), data...)}, nil
}

// Dispatch runs msg against svc and returns the reply to send back.
func Dispatch(ctx context.Context, svc DeviceService, origin fleet.Origin, msg Message) (any, error) {
	switch msg.Type {
	case TypeRegister:
		res, err := svc.Register(ctx, origin, fleet.RegisterRequest{
			DeviceID:       msg.DeviceID,
			Firmware:       msg.Firmware,
			Capabilities:   msg.Capabilities,
			Metadata:       msg.Metadata,
			BatteryPercent: msg.BatteryPercent,
		})
		if err != nil {
			return nil, err
		}
		return RegisteredReply{
			Type:           TypeRegistered,
			Device:         res.Device,
			Created:        res.Created,
			PollIntervalMS: res.PollInterval.Milliseconds(),
		}, nil

	case TypePoll:
		res, err := svc.Poll(ctx, origin, fleet.PollRequest{
			DeviceID:       msg.DeviceID,
			State:          msg.State,
			BatteryPercent: msg.BatteryPercent,
			Max:            msg.Max,
		})
		if err != nil {
			return nil, err
		}
		cmds := res.Commands
		if cmds == nil {
			cmds = []fleet.Command{}
		}
		return CommandsReply{Type: TypeCommands, DeviceID: res.Device.ID, Commands: cmds}, nil

	case TypeAck:
		ok, err := svc.Acknowledge(ctx, origin, fleet.AckRequest{
			DeviceID:  msg.DeviceID,
			CommandID: msg.CommandID,
			Result:    msg.Result,
		})
		if err != nil {
			return nil, err
		}
		return AckReply{Type: TypeAckResult, CommandID: msg.CommandID, Acknowledged: ok}, nil

	case TypeTelemetry:
		sample, err := svc.RecordTelemetry(ctx, origin, fleet.TelemetryRequest{
			DeviceID:       msg.DeviceID,
			Payload:        msg.Payload,
			BatteryPercent: msg.BatteryPercent,
		})
		if err != nil {
			return nil, err
		}
		return RecordedReply{Type: TypeRecorded, Seq: sample.Seq}, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type %q", fleet.ErrInvalidRequest, msg.Type)
	}
}

// Code maps an engine error to the code carried in error replies.
func Code(err error) string {
	switch {
	case errors.Is(err, fleet.ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, fleet.ErrAttachmentNotFound):
		return "not_found"
	case errors.Is(err, fleet.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, fleet.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, fleet.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "unavailable"
	default:
		return "internal"
	}
}

// NewErrorReply builds the error reply for a failed request.
func NewErrorReply(request string, err error) ErrorReply {
	return ErrorReply{Type: TypeError, Code: Code(err), Message: err.Error(), Request: request}
}

