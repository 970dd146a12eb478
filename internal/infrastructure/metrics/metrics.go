package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/fleet-relay/internal/fleet"
)

const namespace = "fleetrelay"

// Metrics holds the Prometheus collectors for Fleet Relay and implements
// fleet.Recorder.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	delivered     prometheus.Counter
	redelivered   prometheus.Counter
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	removed       prometheus.Counter
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events published, by kind.",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_requests_total",
			Help:      "Requests rejected by the engine, by operation and reason.",
		}, []string{"op", "reason"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_delivered_total",
			Help:      "Commands handed to devices by polls, including redeliveries.",
		}),
		redelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_requeued_total",
			Help:      "Delivered commands requeued after the redelivery timeout.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweeps_total",
			Help:      "Reaper ticks, by result (completed or skipped).",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Time spent in one reaper sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "devices_removed_total",
			Help:      "Devices removed for staleness.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		m.rejections,
		m.delivered,
		m.redelivered,
		m.sweeps,
		m.sweepDuration,
		m.removed,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveFleet exports registry gauges, read from stats on every scrape.
func (m *Metrics) ObserveFleet(stats func() fleet.Stats) {
	gauge := func(name, help string, value func(fleet.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(stats())) })
	}

	m.registry.MustRegister(
		gauge("devices", "Registered devices.", func(s fleet.Stats) int { return s.Devices }),
		gauge("devices_connected", "Registered devices whose transport is up.", func(s fleet.Stats) int { return s.Connected }),
		gauge("pending_commands", "Queued and delivered commands across all devices.", func(s fleet.Stats) int { return s.PendingCommands }),
	)
}

// ObserveSubscribers exports the observer count.
func (m *Metrics) ObserveSubscribers(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Connected observers, including mirrors.",
	}, func() float64 { return float64(count()) }))
}

// EventPublished implements fleet.Recorder.
func (m *Metrics) EventPublished(kind fleet.EventKind) {
	m.events.WithLabelValues(string(kind)).Inc()
}

// RequestRejected implements fleet.Recorder.
func (m *Metrics) RequestRejected(op string, err error) {
	m.rejections.WithLabelValues(op, reason(err)).Inc()
}

// CommandsDelivered implements fleet.Recorder.
func (m *Metrics) CommandsDelivered(n int) {
	m.delivered.Add(float64(n))
}

// CommandsRedelivered implements fleet.Recorder.
func (m *Metrics) CommandsRedelivered(n int) {
	m.redelivered.Add(float64(n))
}

// SweepFinished implements fleet.Recorder.
func (m *Metrics) SweepFinished(duration time.Duration, removed int) {
	m.sweeps.WithLabelValues("completed").Inc()
	m.sweepDuration.Observe(duration.Seconds())
	m.removed.Add(float64(removed))
}

// SweepSkipped implements fleet.Recorder.
func (m *Metrics) SweepSkipped() {
	m.sweeps.WithLabelValues("skipped").Inc()
}

// reason maps an engine error to a low-cardinality label.
func reason(err error) string {
	switch {
	case errors.Is(err, fleet.ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, fleet.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, fleet.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, fleet.ErrInvalidRequest):
		return "invalid_request"
	default:
		return "other"
	}
}

var _ fleet.Recorder = (*Metrics)(nil)
