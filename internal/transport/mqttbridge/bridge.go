package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/fleet-relay/internal/codec"
	"github.com/nerrad567/fleet-relay/internal/fleet"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-relay/internal/transport"
)

const name = "mqtt"

// Broker is the MQTT client surface the bridge uses. *mqtt.Client
// satisfies it.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

var _ Broker = (*mqtt.Client)(nil)

// Logger interface for optional logging support.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

var deviceOps = []string{mqtt.OpRegister, mqtt.OpPoll, mqtt.OpAck, mqtt.OpTelemetry}

// replyOps maps a request operation to the topic its reply goes to.
var replyOps = map[string]string{
	mqtt.OpRegister: mqtt.OpRegistered,
	mqtt.OpPoll:     mqtt.OpCommands,
}

// Bridge is the MQTT device transport.
type Bridge struct {
	broker Broker
	svc    transport.DeviceService
	topics mqtt.Topics
	codec  codec.Codec
	qos    byte
	logger Logger

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	subscribed []string
	closed     bool
}

// New creates a bridge for cfg. The payload format must be json or cbor.
func New(broker Broker, svc transport.DeviceService, cfg config.MQTTConfig) (*Bridge, error) {
	c, err := codec.ForFormat(cfg.PayloadFormat)
	if err != nil {
		return nil, fmt.Errorf("mqtt bridge: %w", err)
	}
	return &Bridge{
		broker: broker,
		svc:    svc,
		topics: mqtt.NewTopics(cfg.TopicPrefix),
		codec:  c,
		qos:    byte(cfg.QoS),
		logger: noopLogger{},
	}, nil
}

// SetLogger sets the logger. Call before Start.
func (b *Bridge) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	b.logger = logger
}

// Name implements transport.Adapter.
func (b *Bridge) Name() string { return name }

// Start subscribes to the device request topics.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return transport.ErrClosed
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	for _, op := range deviceOps {
		topic := b.topics.AllDevices(op)
		if err := b.broker.Subscribe(topic, b.qos, b.handle); err != nil {
			b.unsubscribeLocked()
			b.cancel()
			return fmt.Errorf("subscribing %s: %w", topic, err)
		}
		b.subscribed = append(b.subscribed, topic)
	}
	return nil
}

// Close unsubscribes from the device topics.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	return b.unsubscribeLocked()
}

func (b *Bridge) unsubscribeLocked() error {
	var errs []error
	for _, topic := range b.subscribed {
		if err := b.broker.Unsubscribe(topic); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			errs = append(errs, err)
		}
	}
	b.subscribed = nil
	return errors.Join(errs...)
}

func (b *Bridge) baseContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// handle is the MessageHandler for every device topic.
func (b *Bridge) handle(topic string, payload []byte) error {
	id, op, ok := b.topics.ParseDevice(topic)
	if !ok || !mqtt.ValidSegment(id) {
		return fmt.Errorf("unexpected topic %q", topic)
	}

	msg, err := b.decode(op, payload)
	if err != nil {
		return b.replyError(id, op, err)
	}
	msg.Type = op
	msg.DeviceID = id

	origin := fleet.Origin{Transport: name, RemoteAddr: topic}
	reply, err := transport.Dispatch(b.baseContext(), b.svc, origin, msg)
	if err != nil {
		return b.replyError(id, op, err)
	}

	replyOp, ok := replyOps[op]
	if !ok {
		return nil
	}
	return b.publish(b.topics.Device(id, replyOp), reply)
}

func (b *Bridge) decode(op string, payload []byte) (transport.Message, error) {
	var msg transport.Message
	if len(payload) == 0 {
		return msg, nil
	}
	err := b.codec.Unmarshal(payload, &msg)
	if op != mqtt.OpTelemetry {
		if err != nil {
			return msg, fmt.Errorf("%w: decoding %s payload: %v", fleet.ErrInvalidRequest, b.codec.Name(), err)
		}
		return msg, nil
	}

	// Telemetry may be a bare value rather than an envelope.
	var obj map[string]any
	if err == nil && len(msg.Payload) > 0 && b.codec.Unmarshal(payload, &obj) == nil && transport.IsTelemetryEnvelope(obj) {
		return msg, nil
	}
	raw, err := codec.ToJSON(b.codec, payload)
	if err != nil {
		return transport.Message{}, fmt.Errorf("%w: telemetry payload: %v", fleet.ErrInvalidRequest, err)
	}
	return transport.Message{Payload: raw, BatteryPercent: msg.BatteryPercent}, nil
}

func (b *Bridge) replyError(id, op string, cause error) error {
	b.logger.Debug("mqtt device request rejected", "device_id", id, "op", op, "error", cause)
	return b.publish(b.topics.Device(id, mqtt.OpError), transport.NewErrorReply(op, cause))
}

func (b *Bridge) publish(topic string, v any) error {
	data, err := b.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding reply for %s: %w", topic, err)
	}
	if err := b.broker.Publish(topic, data, b.qos, false); err != nil {
		b.logger.Warn("mqtt reply failed", "topic", topic, "error", err)
		return err
	}
	return nil
}

var _ transport.Adapter = (*Bridge)(nil)
