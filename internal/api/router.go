package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})

	if s.prometheus != nil && s.metricsCfg.Enabled {
		r.Handle(s.metricsPath(), s.prometheus.Handler())
	}
	r.Get(s.wsCfg.Path, s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system", s.handleSystem)

		// Attachments stream their body; the engine enforces the size cap.
		r.Put("/devices/{id}/attachment", s.handlePutAttachment)
		r.Get("/devices/{id}/attachment", s.handleGetAttachment)

		r.Group(func(r chi.Router) {
			r.Use(s.bodySizeLimitMiddleware)

			// Device-facing
			r.Post("/devices/register", s.handleRegister)
			r.Post("/devices/{id}/poll", s.handlePoll)
			r.Post("/devices/{id}/ack", s.handleAck)
			r.Post("/devices/{id}/telemetry", s.handleTelemetry)

			// Observer-facing
			r.Post("/commands", s.handleSendCommand)
			r.Get("/devices", s.handleListDevices)
			r.Get("/devices/stats", s.handleDeviceStats)
			r.Get("/devices/{id}", s.handleGetDevice)
			r.Get("/devices/{id}/telemetry", s.handleTelemetryHistory)
			r.Get("/devices/{id}/commands", s.handlePendingCommands)
		})
	})

	return r
}

func (s *Server) metricsPath() string {
	if s.metricsCfg.Path == "" {
		return "/metrics"
	}
	return s.metricsCfg.Path
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Devices     int    `json:"devices"`
	Subscribers int    `json:"subscribers"`
	MQTT        string `json:"mqtt"`
}

// handleHealth reports liveness plus the observer and broker state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mqttState := "disabled"
	if s.mqtt != nil {
		mqttState = "disconnected"
		if s.mqtt.IsConnected() {
			mqttState = "connected"
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Version:     s.version,
		Devices:     s.engine.Stats(r.Context()).Devices,
		Subscribers: s.broadcaster.Count(),
		MQTT:        mqttState,
	})
}
