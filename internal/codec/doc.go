// Package codec selects the wire encoding for device messages.
//
// JSON is the default everywhere. CBOR (via fxamacker/cbor) is offered on
// MQTT for devices on metered links, configured with mqtt.payload_format.
package codec
