// Package broadcast fans fleet events out to observers.
//
// Observers are Sinks: WebSocket clients, the MQTT event mirror and the
// InfluxDB telemetry mirror all implement the same two-method interface.
// Each subscription carries a device filter ("*" for everything). A sink
// that fails is pruned on the spot and never blocks delivery to the rest.
package broadcast
