// Package fleet is the coordination core of Fleet Relay.
//
// It keeps the set of known devices, a command queue and a telemetry
// history per device, and a reaper that evicts devices which stopped
// talking. Transport adapters (HTTP, line stream, MQTT) translate wire
// messages into Engine calls; the Engine emits events that a Publisher
// fans out to observers.
//
// # Architecture
//
//	adapter ──▶ Engine ──▶ Registry ──▶ entry{device, queue, ring, attachment}
//	               │          (64 shards, one mutex per device)
//	               ▼
//	           Publisher (internal/broadcast)
//
//	Reaper ──▶ Engine.sweep: remove stale, requeue or expire deliveries
//
// # Delivery
//
// Commands are delivered at least once. A polled command stays pending
// until acknowledged; if no acknowledgement arrives within the redelivery
// timeout it is queued again, and after the configured number of
// redeliveries it expires. Devices must tolerate duplicates.
//
// # Usage
//
//	engine := fleet.NewEngine(cfg.Fleet,
//	    fleet.WithPublisher(hub),
//	    fleet.WithLogger(logger),
//	)
//	reaper := fleet.NewReaper(engine, cfg.Fleet.ReaperInterval)
//	go reaper.Run(ctx)
//
//	res, err := engine.Poll(ctx, fleet.Origin{Transport: "http"}, fleet.PollRequest{DeviceID: "drone-7"})
package fleet
