package influxdb

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/nerrad567/fleet-relay/internal/broadcast"
	"github.com/nerrad567/fleet-relay/internal/fleet"
)

// Measurements written by TelemetrySink.
const (
	MeasurementTelemetry = "telemetry"
	MeasurementStatus    = "device_status"
	MeasurementCommands  = "commands"
)

// maxFieldDepth bounds how deep nested telemetry objects are flattened.
const maxFieldDepth = 4

// PointWriter accepts points for asynchronous writing. *Client satisfies it.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

var _ PointWriter = (*Client)(nil)

// TelemetrySink mirrors fleet events into InfluxDB as a broadcast subscriber.
//
//	telemetry            numeric and boolean payload fields, nested keys joined with "."
//	device_connected     device_status connected=1 (plus battery_percent when known)
//	device_disconnected  device_status connected=0, reason tag
//	command_*            commands count=1, outcome tag
type TelemetrySink struct {
	writer PointWriter
}

// NewTelemetrySink returns a sink writing through w.
func NewTelemetrySink(w PointWriter) *TelemetrySink {
	return &TelemetrySink{writer: w}
}

// Send implements broadcast.Sink. Writes are queued, so Send never blocks
// and never fails; payloads with nothing numeric are skipped.
func (s *TelemetrySink) Send(evt fleet.Event) error {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	tags := map[string]string{"device_id": evt.DeviceID}

	switch evt.Kind {
	case fleet.EventTelemetry:
		if evt.Telemetry == nil {
			return nil
		}
		fields := Fields(evt.Telemetry.Payload)
		if len(fields) == 0 {
			return nil
		}
		fields["seq"] = int64(evt.Telemetry.Seq) // #nosec G115 -- sequence numbers stay far below MaxInt64
		s.writer.WritePoint(MeasurementTelemetry, tags, fields, evt.Telemetry.ReceivedAt)

	case fleet.EventDeviceConnected:
		fields := map[string]any{"connected": 1}
		if evt.Device != nil && evt.Device.BatteryPercent != nil {
			fields["battery_percent"] = *evt.Device.BatteryPercent
		}
		s.writer.WritePoint(MeasurementStatus, tags, fields, ts)

	case fleet.EventDeviceDisconnected:
		if evt.Reason != "" {
			tags["reason"] = evt.Reason
		}
		s.writer.WritePoint(MeasurementStatus, tags, map[string]any{"connected": 0}, ts)

	case fleet.EventCommandSent, fleet.EventCommandAcknowledged, fleet.EventCommandExpired:
		tags["outcome"] = string(evt.Kind)
		s.writer.WritePoint(MeasurementCommands, tags, map[string]any{"count": 1}, ts)
	}
	return nil
}

// Close implements broadcast.Sink. The client is closed by its owner.
func (s *TelemetrySink) Close() error { return nil }

var _ broadcast.Sink = (*TelemetrySink)(nil)

// Fields flattens a JSON telemetry payload into InfluxDB fields. Numbers
// become float64 and booleans stay booleans; strings, nulls and anything
// nested deeper than a few levels are dropped. A bare numeric payload is
// stored as "value".
func Fields(payload json.RawMessage) map[string]any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil
	}
	fields := make(map[string]any)
	flatten(fields, "", v, 0)
	return fields
}

func flatten(dst map[string]any, prefix string, v any, depth int) {
	switch val := v.(type) {
	case float64:
		dst[fieldKey(prefix)] = val
	case bool:
		dst[fieldKey(prefix)] = val
	case map[string]any:
		if depth >= maxFieldDepth {
			return
		}
		for k, item := range val {
			flatten(dst, join(prefix, k), item, depth+1)
		}
	case []any:
		if depth >= maxFieldDepth {
			return
		}
		for i, item := range val {
			flatten(dst, join(prefix, strconv.Itoa(i)), item, depth+1)
		}
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func fieldKey(key string) string {
	if key == "" {
		return "value"
	}
	return key
}
