// Package metrics exposes Fleet Relay counters and gauges to Prometheus.
//
// Engine activity arrives through the fleet.Recorder interface; registry
// and observer gauges are computed on scrape. The handler is mounted at
// metrics.path (default /metrics) on the API server.
package metrics
