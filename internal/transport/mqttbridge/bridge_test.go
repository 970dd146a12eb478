package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/fleet-relay/internal/fleet"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/mqtt"
)

type published struct {
	topic   string
	payload []byte
}

// fakeBroker routes publishes to matching subscriptions synchronously
// only when deliver is called; Publish just records.
type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published []published
	failSub   string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeBroker) Publish(topic string, payload []byte, _ byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic == f.failSub {
		return mqtt.ErrSubscribeFailed
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeBroker) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

// deliver invokes the handler subscribed to pattern with a message on topic.
func (f *fakeBroker) deliver(t *testing.T, pattern, topic string, payload []byte) error {
	t.Helper()
	f.mu.Lock()
	handler, ok := f.handlers[pattern]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", pattern)
	}
	return handler(topic, payload)
}

func (f *fakeBroker) last(t *testing.T) published {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatal("nothing published")
	}
	return f.published[len(f.published)-1]
}

func (f *fakeBroker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func mqttConfig(format string) config.MQTTConfig {
	cfg := config.Default().MQTT
	cfg.TopicPrefix = "fr"
	cfg.PayloadFormat = format
	return cfg
}

func startBridge(t *testing.T, format string) (*Bridge, *fakeBroker, *fleet.Engine) {
	t.Helper()
	broker := newFakeBroker()
	engine := fleet.NewEngine(config.Default().Fleet)
	b, err := New(broker, engine, mqttConfig(format))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, broker, engine
}

func TestBridge_StartSubscribesDeviceTopics(t *testing.T) {
	_, broker, _ := startBridge(t, "json")

	for _, op := range []string{"register", "poll", "ack", "telemetry"} {
		if _, ok := broker.handlers["fr/device/+/"+op]; !ok {
			t.Errorf("missing subscription for %s", op)
		}
	}
}

func TestBridge_RegisterAndPollJSON(t *testing.T) {
	_, broker, engine := startBridge(t, "json")
	ctx := context.Background()

	if err := broker.deliver(t, "fr/device/+/register", "fr/device/drone-4/register", []byte(`{"firmware":"3.1"}`)); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	reply := broker.last(t)
	if reply.topic != "fr/device/drone-4/registered" {
		t.Fatalf("reply topic = %s", reply.topic)
	}
	var reg map[string]any
	if err := json.Unmarshal(reply.payload, &reg); err != nil {
		t.Fatalf("decode register reply: %v", err)
	}
	if reg["type"] != "registered" || reg["created"] != true {
		t.Errorf("register reply = %v", reg)
	}

	if _, err := engine.SendCommand(ctx, fleet.Origin{}, fleet.SendCommandRequest{
		DeviceID: "drone-4",
		Payload:  json.RawMessage(`{"op":"rtl"}`),
		Priority: 2,
	}); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	// Empty payload is a valid poll.
	if err := broker.deliver(t, "fr/device/+/poll", "fr/device/drone-4/poll", nil); err != nil {
		t.Fatalf("poll handler: %v", err)
	}
	reply = broker.last(t)
	if reply.topic != "fr/device/drone-4/commands" {
		t.Fatalf("reply topic = %s", reply.topic)
	}
	var cmds struct {
		Commands []fleet.Command `json:"commands"`
	}
	if err := json.Unmarshal(reply.payload, &cmds); err != nil {
		t.Fatalf("decode poll reply: %v", err)
	}
	if len(cmds.Commands) != 1 || cmds.Commands[0].Priority != 2 {
		t.Fatalf("commands = %+v", cmds.Commands)
	}

	before := broker.count()
	ack := `{"command_id":"` + cmds.Commands[0].ID + `"}`
	if err := broker.deliver(t, "fr/device/+/ack", "fr/device/drone-4/ack", []byte(ack)); err != nil {
		t.Fatalf("ack handler: %v", err)
	}
	if broker.count() != before {
		t.Errorf("ack published a reply")
	}
	pending, err := engine.PendingCommands(ctx, "drone-4")
	if err != nil || len(pending) != 0 {
		t.Errorf("pending after ack = %v, %v", pending, err)
	}
}

func TestBridge_TelemetryForms(t *testing.T) {
	_, broker, engine := startBridge(t, "json")
	ctx := context.Background()
	broker.deliver(t, "fr/device/+/register", "fr/device/d1/register", nil) //nolint:errcheck // checked via engine

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"envelope", `{"payload":{"alt":50},"battery_percent":70}`, `{"alt":50}`},
		{"bare object", `{"alt":51}`, `{"alt":51}`},
		{"bare number", `52`, `52`},
		{"object with payload and other fields", `{"payload":"cam","alt":53}`, `{"payload":"cam","alt":53}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := broker.deliver(t, "fr/device/+/telemetry", "fr/device/d1/telemetry", []byte(tt.payload)); err != nil {
				t.Fatalf("telemetry handler: %v", err)
			}
			history, err := engine.History(ctx, "d1", 1)
			if err != nil || len(history) != 1 {
				t.Fatalf("History() = %v, %v", history, err)
			}
			if got := string(history[0].Payload); got != tt.want {
				t.Errorf("stored payload = %s, want %s", got, tt.want)
			}
		})
	}

	dev, _ := engine.Device(ctx, "d1")
	if dev.BatteryPercent == nil || *dev.BatteryPercent != 70 {
		t.Errorf("battery = %v, want 70", dev.BatteryPercent)
	}
}

func TestBridge_ErrorReplies(t *testing.T) {
	_, broker, _ := startBridge(t, "json")

	tests := []struct {
		name     string
		pattern  string
		topic    string
		payload  string
		wantCode string
	}{
		{"poll malformed", "fr/device/+/poll", "fr/device/d2/poll", `{"max":`, "invalid_request"},
		{"ack unknown device", "fr/device/+/ack", "fr/device/ghost/ack", `{"command_id":"c1"}`, "device_not_found"},
		{"telemetry unknown device", "fr/device/+/telemetry", "fr/device/ghost/telemetry", `{"alt":1}`, "device_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := broker.deliver(t, tt.pattern, tt.topic, []byte(tt.payload)); err != nil {
				t.Fatalf("handler error = %v", err)
			}
			reply := broker.last(t)
			id, op, _ := mqtt.NewTopics("fr").ParseDevice(reply.topic)
			if op != mqtt.OpError || id == "" {
				t.Fatalf("reply topic = %s, want error topic", reply.topic)
			}
			var body map[string]any
			if err := json.Unmarshal(reply.payload, &body); err != nil {
				t.Fatalf("decode error reply: %v", err)
			}
			if body["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", body["code"], tt.wantCode)
			}
		})
	}
}

func TestBridge_CBOR(t *testing.T) {
	_, broker, _ := startBridge(t, "cbor")

	payload, err := cbor.Marshal(map[string]any{"firmware": "cbor-1", "capabilities": []string{"camera"}})
	if err != nil {
		t.Fatalf("cbor.Marshal() error = %v", err)
	}
	if err := broker.deliver(t, "fr/device/+/register", "fr/device/c1/register", payload); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	var reply map[string]any
	if err := cbor.Unmarshal(broker.last(t).payload, &reply); err != nil {
		t.Fatalf("reply is not CBOR: %v", err)
	}
	device, _ := reply["device"].(map[any]any)
	if reply["type"] != "registered" || device["firmware"] != "cbor-1" {
		t.Errorf("reply = %v", reply)
	}
}

func TestBridge_StartFailureUnsubscribes(t *testing.T) {
	broker := newFakeBroker()
	broker.failSub = "fr/device/+/ack"
	b, err := New(broker, fleet.NewEngine(config.Default().Fleet), mqttConfig("json"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := b.Start(context.Background()); !errors.Is(err, mqtt.ErrSubscribeFailed) {
		t.Fatalf("Start() error = %v, want ErrSubscribeFailed", err)
	}
	if len(broker.handlers) != 0 {
		t.Errorf("subscriptions left after failed start: %d", len(broker.handlers))
	}
}

func TestBridge_CloseUnsubscribes(t *testing.T) {
	b, broker, _ := startBridge(t, "json")

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(broker.handlers) != 0 {
		t.Errorf("subscriptions after Close = %d", len(broker.handlers))
	}
	if err := b.Start(context.Background()); err == nil {
		t.Error("Start() after Close succeeded")
	}
}

func TestNew_UnknownFormat(t *testing.T) {
	if _, err := New(newFakeBroker(), nil, mqttConfig("xml")); err == nil {
		t.Error("New() with unknown format succeeded")
	}
}

func TestEventSink_Mirrors(t *testing.T) {
	broker := newFakeBroker()
	sink, err := NewEventSink(broker, mqttConfig("json"), 8, nil)
	if err != nil {
		t.Fatalf("NewEventSink() error = %v", err)
	}
	defer sink.Close()

	evt := fleet.Event{Kind: fleet.EventTelemetry, DeviceID: "drone-3", Timestamp: time.Unix(0, 0).UTC()}
	if err := sink.Send(evt); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sink.Published() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msg := broker.last(t)
	if msg.topic != "fr/events/telemetry/drone-3" {
		t.Errorf("topic = %s", msg.topic)
	}
	var got fleet.Event
	if err := json.Unmarshal(msg.payload, &got); err != nil || got.Kind != fleet.EventTelemetry {
		t.Errorf("payload = %s, err %v", msg.payload, err)
	}
}

// blockingBroker stalls every publish until released.
type blockingBroker struct {
	*fakeBroker
	release chan struct{}
}

func (b *blockingBroker) Publish(topic string, payload []byte, qos byte, retained bool) error {
	<-b.release
	return b.fakeBroker.Publish(topic, payload, qos, retained)
}

func TestEventSink_DropsWhenFullAndCloses(t *testing.T) {
	broker := &blockingBroker{fakeBroker: newFakeBroker(), release: make(chan struct{})}
	sink, err := NewEventSink(broker, mqttConfig("json"), 1, nil)
	if err != nil {
		t.Fatalf("NewEventSink() error = %v", err)
	}

	evt := fleet.Event{Kind: fleet.EventCommandSent, DeviceID: "d"}
	for i := 0; i < 10; i++ {
		if err := sink.Send(evt); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	if sink.Dropped() == 0 {
		t.Error("expected drops with a stalled broker")
	}

	close(broker.release)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sink.Send(evt); err == nil {
		t.Error("Send() after Close succeeded")
	}
}
