// Package mqttbridge carries device traffic over an MQTT broker.
//
// Devices publish to <prefix>/device/{id}/{register|poll|ack|telemetry}.
// The device id always comes from the topic. Replies go to
// <prefix>/device/{id}/registered and .../commands, failures to
// .../error. Ack and telemetry succeed silently.
//
// Payloads use the configured codec (JSON or CBOR). A telemetry message is
// unwrapped only when it is an envelope: a "payload" field plus at most
// type, device_id and battery_percent. Anything else is stored whole.
//
// EventSink mirrors domain events to <prefix>/events/{kind}/{device_id}
// for observers that prefer the broker to the WebSocket.
package mqttbridge
