package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
)

func TestReaper_RemovesStaleDeviceOnce(t *testing.T) {
	e, clock, pub := newTestEngine(t, nil)
	ctx := context.Background()
	reaper := NewReaper(e, 0)

	e.Register(ctx, httpOrigin, RegisterRequest{DeviceID: "drone-1"}) //nolint:errcheck // id is set
	e.Register(ctx, httpOrigin, RegisterRequest{DeviceID: "drone-2"}) //nolint:errcheck // id is set

	e.SendCommand(ctx, Origin{}, SendCommandRequest{DeviceID: "drone-1", Payload: raw(`1`)}) //nolint:errcheck // device exists

	clock.Advance(30 * time.Second)
	e.Poll(ctx, httpOrigin, PollRequest{DeviceID: "drone-2"}) //nolint:errcheck // device exists
	clock.Advance(31 * time.Second)

	res, ran := reaper.Sweep()
	if !ran {
		t.Fatal("Sweep() did not run")
	}
	if len(res.Removed) != 1 || res.Removed[0].ID != "drone-1" {
		t.Fatalf("Removed = %v, want [drone-1]", res.Removed)
	}

	// A second sweep has nothing left to remove.
	reaper.Sweep()
	if got := pub.count(EventDeviceDisconnected); got != 1 {
		t.Errorf("device_disconnected events = %d, want 1", got)
	}
	if _, err := e.Device(ctx, "drone-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Device() after removal error = %v", err)
	}
	if _, err := e.Device(ctx, "drone-2"); err != nil {
		t.Errorf("fresh device removed: %v", err)
	}

	// Late traffic from the removed device is rejected until it polls again.
	if _, err := e.Acknowledge(ctx, httpOrigin, AckRequest{DeviceID: "drone-1", CommandID: "x"}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("ack after removal error = %v", err)
	}
	if _, err := e.RecordTelemetry(ctx, httpOrigin, TelemetryRequest{DeviceID: "drone-1", Payload: raw(`1`)}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("telemetry after removal error = %v", err)
	}

	poll, err := e.Poll(ctx, httpOrigin, PollRequest{DeviceID: "drone-1"})
	if err != nil {
		t.Fatalf("Poll() after removal error = %v", err)
	}
	if !poll.Registered || len(poll.Commands) != 0 {
		t.Errorf("Poll() = %+v, want fresh registration with empty queue", poll)
	}
}

func TestReaper_RedeliversThenExpires(t *testing.T) {
	e, clock, pub := newTestEngine(t, func(cfg *config.FleetConfig) {
		cfg.RedeliveryTimeout = 15 * time.Second
		cfg.MaxRedeliveries = 3
	})
	ctx := context.Background()
	reaper := NewReaper(e, 0)

	e.Register(ctx, httpOrigin, RegisterRequest{DeviceID: "drone-1"}) //nolint:errcheck // id is set
	sent, _ := e.SendCommand(ctx, Origin{}, SendCommandRequest{DeviceID: "drone-1", Payload: raw(`{"op":"photo"}`)})
	id := sent[0].Command.ID

	for delivery := 1; delivery <= 4; delivery++ {
		res, err := e.Poll(ctx, httpOrigin, PollRequest{DeviceID: "drone-1"})
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		if len(res.Commands) != 1 || res.Commands[0].ID != id {
			t.Fatalf("delivery %d: commands = %v", delivery, res.Commands)
		}
		if res.Commands[0].Deliveries != delivery {
			t.Errorf("delivery %d: Deliveries = %d", delivery, res.Commands[0].Deliveries)
		}

		clock.Advance(16 * time.Second)
		sweep, _ := reaper.Sweep()
		if delivery < 4 && len(sweep.Redelivered) != 1 {
			t.Fatalf("delivery %d: Redelivered = %d, want 1", delivery, len(sweep.Redelivered))
		}
		if delivery == 4 && len(sweep.Expired) != 1 {
			t.Fatalf("final sweep Expired = %d, want 1", len(sweep.Expired))
		}
	}

	res, _ := e.Poll(ctx, httpOrigin, PollRequest{DeviceID: "drone-1"})
	if len(res.Commands) != 0 {
		t.Errorf("expired command delivered again: %v", res.Commands)
	}
	if got := pub.count(EventCommandExpired); got != 1 {
		t.Errorf("command_expired events = %d, want 1", got)
	}
	if ok, _ := e.Acknowledge(ctx, httpOrigin, AckRequest{DeviceID: "drone-1", CommandID: id}); ok {
		t.Error("ack of expired command accepted")
	}
}

func TestReaper_ZeroRedeliveriesExpiresOnFirstTimeout(t *testing.T) {
	e, clock, pub := newTestEngine(t, func(cfg *config.FleetConfig) {
		cfg.RedeliveryTimeout = 15 * time.Second
		cfg.MaxRedeliveries = 0
	})
	ctx := context.Background()
	reaper := NewReaper(e, 0)

	if got := e.Config().MaxRedeliveries; got != 0 {
		t.Fatalf("MaxRedeliveries = %d, want 0 kept", got)
	}

	e.Register(ctx, httpOrigin, RegisterRequest{DeviceID: "drone-1"})                        //nolint:errcheck // id is set
	e.SendCommand(ctx, Origin{}, SendCommandRequest{DeviceID: "drone-1", Payload: raw(`1`)}) //nolint:errcheck // capacity not reached
	e.Poll(ctx, httpOrigin, PollRequest{DeviceID: "drone-1"})                                //nolint:errcheck // device exists

	clock.Advance(16 * time.Second)
	sweep, _ := reaper.Sweep()
	if len(sweep.Redelivered) != 0 || len(sweep.Expired) != 1 {
		t.Fatalf("sweep = %d redelivered, %d expired, want 0 and 1", len(sweep.Redelivered), len(sweep.Expired))
	}
	if got := pub.count(EventCommandExpired); got != 1 {
		t.Errorf("command_expired events = %d, want 1", got)
	}
	if pending, _ := e.PendingCommands(ctx, "drone-1"); len(pending) != 0 {
		t.Errorf("pending after expiry = %d", len(pending))
	}
}

func TestReaper_SkipsOverlappingSweep(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	reaper := NewReaper(e, time.Second)

	reaper.running.Store(true)
	if _, ran := reaper.Sweep(); ran {
		t.Error("Sweep() ran while another sweep was in progress")
	}
	if reaper.Skipped() != 1 {
		t.Errorf("Skipped() = %d, want 1", reaper.Skipped())
	}

	reaper.running.Store(false)
	if _, ran := reaper.Sweep(); !ran {
		t.Error("Sweep() did not run once the previous sweep finished")
	}
	if reaper.Sweeps() != 1 {
		t.Errorf("Sweeps() = %d, want 1", reaper.Sweeps())
	}
}

type panicPublisher struct{}

func (panicPublisher) Publish(Event, string) { panic("observer exploded") }

func TestReaper_RecoversFromPanic(t *testing.T) {
	clock := newFakeClock()
	e := NewEngine(config.Default().Fleet, WithClock(clock.Now), WithPublisher(panicPublisher{}))
	reaper := NewReaper(e, time.Second)

	// Registration publishes too, so seed the registry directly.
	seedDevice(e.Registry(), "drone-1")
	clock.Advance(2 * time.Minute)

	if _, ran := reaper.Sweep(); !ran {
		t.Fatal("Sweep() did not run")
	}
	if reaper.running.Load() {
		t.Fatal("running flag left set after a panic")
	}
	if _, ran := reaper.Sweep(); !ran {
		t.Error("reaper stopped sweeping after a panic")
	}
	if e.Registry().Count() != 0 {
		t.Errorf("stale device kept after panicking sweep")
	}
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	reaper := NewReaper(e, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for reaper.Sweeps() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if reaper.Sweeps() == 0 {
		t.Error("no sweep ran")
	}
}
