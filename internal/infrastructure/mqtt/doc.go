// Package mqtt provides the broker connection used by the relay's MQTT
// device transport and event mirror.
//
// This package manages:
//   - Connection to the broker with auto-reconnect and backoff
//   - Publishing with QoS and payload size checks
//   - Wildcard subscriptions that survive reconnects
//   - A retained system status topic backed by a last will
//
// # Topic Layout
//
//	<prefix>/device/{device_id}/register|poll|ack|telemetry   device -> relay
//	<prefix>/device/{device_id}/registered|commands|error     relay -> device
//	<prefix>/events/{kind}/{device_id}                        event mirror
//	<prefix>/system/status                                    retained
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.AllDevices(mqtt.OpPoll), 1,
//	    func(topic string, payload []byte) error {
//	        id, _, _ := topics.ParseDevice(topic)
//	        ...
//	    })
//
// Handlers run on paho goroutines. Panics are recovered and logged.
package mqtt
