package fleet

import "errors"

// Domain errors for the fleet package.
//
// Adapters translate these into transport responses; check them with errors.Is:
//
//	if errors.Is(err, fleet.ErrQueueFull) {
//	    // ask the caller to retry later
//	}
var (
	// ErrDeviceNotFound is returned when an operation references an unregistered device.
	ErrDeviceNotFound = errors.New("fleet: device not found")

	// ErrQueueFull is returned when a device already holds the maximum number of pending commands.
	ErrQueueFull = errors.New("fleet: command queue full")

	// ErrPayloadTooLarge is returned when telemetry or an attachment exceeds its configured cap.
	ErrPayloadTooLarge = errors.New("fleet: payload too large")

	// ErrInvalidRequest is returned when a required field is missing or malformed.
	ErrInvalidRequest = errors.New("fleet: invalid request")

	// ErrAttachmentNotFound is returned when a device has no stored attachment.
	ErrAttachmentNotFound = errors.New("fleet: attachment not found")
)
