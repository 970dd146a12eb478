package fleet

import (
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type published struct {
	evt     Event
	exclude string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(evt Event, exclude string) {
	p.mu.Lock()
	p.events = append(p.events, published{evt: evt, exclude: exclude})
	p.mu.Unlock()
}

func (p *recordingPublisher) kinds() []EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.evt.Kind)
	}
	return out
}

func (p *recordingPublisher) count(kind EventKind) int {
	n := 0
	for _, k := range p.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

func newTestEngine(t *testing.T, mutate func(cfg *config.FleetConfig)) (*Engine, *fakeClock, *recordingPublisher) {
	t.Helper()

	cfg := config.Default().Fleet
	if mutate != nil {
		mutate(&cfg)
	}
	clock := newFakeClock()
	pub := &recordingPublisher{}
	return NewEngine(cfg, WithClock(clock.Now), WithPublisher(pub)), clock, pub
}

func raw(s string) []byte {
	return []byte(s)
}
