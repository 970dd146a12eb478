package mqttbridge

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/fleet-relay/internal/broadcast"
	"github.com/nerrad567/fleet-relay/internal/codec"
	"github.com/nerrad567/fleet-relay/internal/fleet"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/mqtt"
)

const defaultSinkBuffer = 256

// EventSink mirrors broadcast events onto the broker.
//
// Send never blocks: events are queued and published by a background
// goroutine. When the queue is full the event is dropped and counted
// rather than failing the sink, so a slow broker never unsubscribes
// the mirror.
type EventSink struct {
	broker Broker
	topics mqtt.Topics
	codec  codec.Codec
	logger Logger

	events    chan fleet.Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewEventSink starts a mirror publishing with cfg's prefix and payload format.
// Mirrored events are QoS 0 and not retained.
func NewEventSink(broker Broker, cfg config.MQTTConfig, buffer int, logger Logger) (*EventSink, error) {
	c, err := codec.ForFormat(cfg.PayloadFormat)
	if err != nil {
		return nil, fmt.Errorf("mqtt event sink: %w", err)
	}
	if buffer <= 0 {
		buffer = defaultSinkBuffer
	}
	if logger == nil {
		logger = noopLogger{}
	}

	s := &EventSink{
		broker: broker,
		topics: mqtt.NewTopics(cfg.TopicPrefix),
		codec:  c,
		logger: logger,
		events: make(chan fleet.Event, buffer),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Send implements broadcast.Sink.
func (s *EventSink) Send(evt fleet.Event) error {
	select {
	case <-s.done:
		return broadcast.ErrClosed
	default:
	}

	select {
	case s.events <- evt:
	default:
		if s.dropped.Add(1)%100 == 1 {
			s.logger.Warn("mqtt event mirror dropping events", "dropped", s.dropped.Load())
		}
	}
	return nil
}

// Close stops the publisher goroutine. Queued events are discarded.
func (s *EventSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

// Published returns the number of events mirrored to the broker.
func (s *EventSink) Published() uint64 { return s.published.Load() }

// Dropped returns the number of events discarded because the queue was full.
func (s *EventSink) Dropped() uint64 { return s.dropped.Load() }

func (s *EventSink) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.events:
			s.mirror(evt)
		}
	}
}

func (s *EventSink) mirror(evt fleet.Event) {
	data, err := s.codec.Marshal(evt)
	if err != nil {
		s.logger.Error("encoding mirrored event", "type", evt.Kind, "error", err)
		return
	}
	topic := s.topics.Event(string(evt.Kind), evt.DeviceID)
	if err := s.broker.Publish(topic, data, 0, false); err != nil {
		s.logger.Debug("mirroring event failed", "topic", topic, "error", err)
		return
	}
	s.published.Add(1)
}

var _ broadcast.Sink = (*EventSink)(nil)
