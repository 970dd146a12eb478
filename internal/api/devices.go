package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleet-relay/internal/fleet"
	"github.com/nerrad567/fleet-relay/internal/transport"
)

const transportName = "http"

func origin(r *http.Request) fleet.Origin {
	return fleet.Origin{
		Transport:  transportName,
		RemoteAddr: r.RemoteAddr,
		Subscriber: r.Header.Get("X-Subscription"),
	}
}

// decodeMessage reads an optional JSON message body. An empty body is an
// empty message.
func decodeMessage(r *http.Request) (transport.Message, error) {
	var msg transport.Message
	if r.Body == nil {
		return msg, nil
	}
	err := json.NewDecoder(r.Body).Decode(&msg)
	var maxBytes *http.MaxBytesError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return msg, nil
	case errors.As(err, &maxBytes):
		return msg, err
	default:
		return msg, fmt.Errorf("%w: invalid JSON body", fleet.ErrInvalidRequest)
	}
}

// dispatch runs a device message, taking the device id from the path when
// the route has one.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, msg transport.Message, msgType string) {
	msg.Type = msgType
	if id := chi.URLParam(r, "id"); id != "" {
		msg.DeviceID = id
	}

	reply, err := transport.Dispatch(r.Context(), s.engine, origin(r), msg)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	status := http.StatusOK
	if reg, ok := reply.(transport.RegisteredReply); ok && reg.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, reply)
}

// handleRegister registers a device. Re-registering refreshes it.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeMessage(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.dispatch(w, r, msg, transport.TypeRegister)
}

// handlePoll returns the device's next batch of commands.
//
// Optional body: {"state": "...", "battery_percent": 80, "max": 5}
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeMessage(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.dispatch(w, r, msg, transport.TypePoll)
}

// handleAck acknowledges a delivered command.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeMessage(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.dispatch(w, r, msg, transport.TypeAck)
}

// handleTelemetry records telemetry. The body is either an envelope
// ("payload" plus optional battery_percent) or the telemetry value itself.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	msg, err := transport.DecodeTelemetry(data)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.dispatch(w, r, msg, transport.TypeTelemetry)
}

// handlePutAttachment replaces the device attachment with the request body.
func (s *Server) handlePutAttachment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.engine.SetAttachment(r.Context(), origin(r), id, r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleGetAttachment returns the raw attachment with its digest as ETag.
func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, info, err := s.engine.Attachment(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+info.Digest+`"`)
	w.Header().Set("X-Content-Digest", "blake3="+info.Digest)
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck // Best-effort write to response; connection may be closed
}
