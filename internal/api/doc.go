// Package api implements the HTTP device transport, the observer REST API
// and the observer WebSocket for Fleet Relay.
//
// This package provides:
//   - Device endpoints for register, poll, acknowledge, telemetry and attachments
//   - Observer endpoints for listing devices, history, pending commands and sending commands
//   - A WebSocket endpoint where observers subscribe to fleet events
//   - Middleware stack (request ID, logging, recovery, CORS, body limits)
//   - Health, system statistics and the Prometheus scrape endpoint
//
// # Lifecycle
//
// The server follows the same lifecycle as the other adapters:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// # Observers
//
// A WebSocket observer receives nothing until it sends
// {"type":"subscribe","device_id":"*"}. Subscribing again replaces the
// filter. An observer that falls behind its send buffer is disconnected.
//
// # Graceful Degradation
//
// The server operates without MQTT or InfluxDB; health reports the MQTT
// link as "disabled" when it is not configured.
package api
