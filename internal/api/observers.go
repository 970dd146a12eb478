package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleet-relay/internal/fleet"
	"github.com/nerrad567/fleet-relay/internal/transport"
)

// SendCommandRequest is the body of POST /api/v1/commands.
type SendCommandRequest struct {
	DeviceID string          `json:"device_id"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

// SendResult reports one device's outcome of a command send.
type SendResult struct {
	DeviceID string         `json:"device_id"`
	Command  *fleet.Command `json:"command,omitempty"`
	Position int            `json:"position"`
	Error    *Error         `json:"error,omitempty"`
}

func toSendResults(results []fleet.SendResult) []SendResult {
	out := make([]SendResult, 0, len(results))
	for _, res := range results {
		item := SendResult{DeviceID: res.DeviceID, Command: res.Command, Position: res.Position}
		if res.Err != nil {
			item.Error = &Error{Status: statusFor(res.Err), Code: transport.Code(res.Err), Message: res.Err.Error()}
		}
		out = append(out, item)
	}
	return out
}

// handleSendCommand queues a command for one device or, with device_id
// "all", for every registered device.
//
// A single-device send answers 202 with the command and its queue
// position. A fleet-wide send answers 200 with per-device results.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req SendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			s.writeEngineError(w, r, err)
			return
		}
		writeBadRequest(w, "invalid JSON body")
		return
	}

	results, err := s.engine.SendCommand(r.Context(), origin(r), fleet.SendCommandRequest{
		DeviceID: req.DeviceID,
		Payload:  req.Payload,
		Priority: req.Priority,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	if req.DeviceID != fleet.AllDevices {
		writeJSON(w, http.StatusAccepted, toSendResults(results)[0])
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": toSendResults(results), "count": len(results)})
}

// handleListDevices returns every device, sorted by id.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.engine.Devices(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats(r.Context()))
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.engine.Device(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleTelemetryHistory returns recent telemetry, newest last.
//
// Query parameters:
//   - limit: maximum samples (default: the whole history)
func (s *Server) handleTelemetryHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}

	samples, err := s.engine.History(r.Context(), id, limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "samples": samples, "count": len(samples)})
}

// handlePendingCommands lists queued and delivered commands for a device.
func (s *Server) handlePendingCommands(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cmds, err := s.engine.PendingCommands(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "commands": cmds, "count": len(cmds)})
}
