// Package transport holds what the device transports share: the Adapter
// lifecycle, the JSON message envelope and its replies, and Dispatch,
// which runs one device message against the engine.
//
// Concrete adapters live in subpackages:
//
//	stream/      line-delimited JSON over TCP, one device per connection
//	mqttbridge/  device topics on an MQTT broker plus the event mirror
//
// The HTTP and WebSocket surfaces live in internal/api.
package transport
