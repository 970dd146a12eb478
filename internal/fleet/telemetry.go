package fleet

import (
	"encoding/json"
	"time"
)

// telemetryRing is a fixed-capacity history of samples for one device.
// The oldest sample is overwritten once the ring is full.
//
// It is not safe for concurrent use; callers hold the owning entry's lock.
type telemetryRing struct {
	samples []TelemetrySample
	start   int // index of the oldest sample
	size    int
	nextSeq uint64
}

func newTelemetryRing(capacity int) *telemetryRing {
	return &telemetryRing{samples: make([]TelemetrySample, capacity)}
}

func (r *telemetryRing) len() int {
	return r.size
}

// push appends a sample and returns it with its sequence number assigned.
func (r *telemetryRing) push(deviceID string, payload json.RawMessage, now time.Time) TelemetrySample {
	r.nextSeq++
	sample := TelemetrySample{
		DeviceID:   deviceID,
		Seq:        r.nextSeq,
		Payload:    append(json.RawMessage(nil), payload...),
		ReceivedAt: now,
	}

	capacity := len(r.samples)
	if r.size < capacity {
		r.samples[(r.start+r.size)%capacity] = sample
		r.size++
	} else {
		r.samples[r.start] = sample
		r.start = (r.start + 1) % capacity
	}
	return sample
}

// last returns up to limit of the newest samples, newest last.
// A limit of zero or less returns the whole ring.
func (r *telemetryRing) last(limit int) []TelemetrySample {
	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]TelemetrySample, 0, n)
	capacity := len(r.samples)
	for i := r.size - n; i < r.size; i++ {
		s := r.samples[(r.start+i)%capacity]
		s.Payload = append(json.RawMessage(nil), s.Payload...)
		out = append(out, s)
	}
	return out
}
