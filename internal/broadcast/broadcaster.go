package broadcast

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/fleet-relay/internal/fleet"
)

// AllDevices is the filter that matches every event.
const AllDevices = "*"

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcast: closed")

// Sink receives events for one observer.
//
// Send must not block; a sink that cannot keep up should return an error
// and will be pruned. Close is called exactly once, when the sink is pruned
// or the broadcaster shuts down.
type Sink interface {
	Send(evt fleet.Event) error
	Close() error
}

// Logger defines the logging interface used by the Broadcaster.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type subscription struct {
	handle string
	sink   Sink
	filter string
}

func (s *subscription) matches(deviceID string) bool {
	return s.filter == "" || s.filter == AllDevices || s.filter == deviceID
}

// Broadcaster fans events out to subscribed sinks.
//
// The subscriber set has its own lock, independent of device state. The set
// is snapshotted under the lock and delivery happens without it, so a sink
// may unsubscribe itself from inside Send.
//
// All public methods are thread-safe.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	logger Logger
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[string]*subscription),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the broadcaster.
func (b *Broadcaster) SetLogger(logger Logger) {
	b.logger = logger
}

// Subscribe adds a sink that receives events for filter: a device id, or
// AllDevices (empty means the same). It returns the subscription handle.
func (b *Broadcaster) Subscribe(sink Sink, filter string) (string, error) {
	if filter == "" {
		filter = AllDevices
	}
	sub := &subscription{
		handle: uuid.NewString(),
		sink:   sink,
		filter: filter,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	b.subs[sub.handle] = sub
	count := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug("observer subscribed", "handle", sub.handle, "filter", filter, "subscribers", count)
	return sub.handle, nil
}

// SetFilter changes the device filter of an existing subscription.
// It reports false when the handle is unknown.
func (b *Broadcaster) SetFilter(handle, filter string) bool {
	if filter == "" {
		filter = AllDevices
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[handle]
	if !ok {
		return false
	}
	// Replaced rather than mutated: Publish may be reading the old value.
	b.subs[handle] = &subscription{handle: handle, sink: sub.sink, filter: filter}
	return true
}

// Unsubscribe removes a subscription without closing its sink; the caller
// owns the connection. It reports false when the handle is unknown.
func (b *Broadcaster) Unsubscribe(handle string) bool {
	b.mu.Lock()
	_, ok := b.subs[handle]
	delete(b.subs, handle)
	b.mu.Unlock()

	if ok {
		b.logger.Debug("observer unsubscribed", "handle", handle)
	}
	return ok
}

// Publish delivers evt to every matching subscriber except exclude.
//
// A sink that fails or panics is removed and closed; the others still
// receive the event. Publish itself never fails.
func (b *Broadcaster) Publish(evt fleet.Event, exclude string) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.handle != exclude && sub.matches(evt.DeviceID) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	var failed []*subscription
	for _, sub := range targets {
		if err := deliver(sub.sink, evt); err != nil {
			b.logger.Debug("dropping observer", "handle", sub.handle, "event", evt.Kind, "error", err)
			failed = append(failed, sub)
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		b.prune(failed)
	}
	if delivered > 0 {
		b.logger.Debug("event published", "event", evt.Kind, "device_id", evt.DeviceID, "recipients", delivered)
	}
}

// deliver calls sink.Send, turning a panic into an error.
func deliver(sink Sink, evt fleet.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Send(evt)
}

// prune removes failed subscriptions and closes their sinks. A sink that
// unsubscribed concurrently is left to its owner.
func (b *Broadcaster) prune(failed []*subscription) {
	var toClose []Sink

	b.mu.Lock()
	for _, sub := range failed {
		if cur, ok := b.subs[sub.handle]; ok && cur.sink == sub.sink {
			delete(b.subs, sub.handle)
			toClose = append(toClose, sub.sink)
		}
	}
	remaining := len(b.subs)
	b.mu.Unlock()

	for _, sink := range toClose {
		closeSink(sink)
	}
	if len(toClose) > 0 {
		b.logger.Info("pruned failed observers", "pruned", len(toClose), "subscribers", remaining)
	}
}

func closeSink(sink Sink) {
	defer func() {
		recover() //nolint:errcheck // Absorb panics from a broken sink
	}()
	sink.Close() //nolint:errcheck // Best-effort close of a dropped sink
}

// Count returns the number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

var _ fleet.Publisher = (*Broadcaster)(nil)

// Close removes and closes every sink. Later Subscribe calls fail with
// ErrClosed and Publish delivers to nobody.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	sinks := make([]Sink, 0, len(b.subs))
	for handle, sub := range b.subs {
		sinks = append(sinks, sub.sink)
		delete(b.subs, handle)
	}
	b.mu.Unlock()

	for _, sink := range sinks {
		closeSink(sink)
	}
	b.logger.Info("broadcaster closed", "closed_sinks", len(sinks))
}
