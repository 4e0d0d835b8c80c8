package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"peer-tether/internal/models"
	"peer-tether/internal/tether/connection"
	"peer-tether/internal/tether/matching"
)

type createConnectionRequest struct {
	Seeker      matching.Profile      `json:"seeker"`
	Supporter   matching.Profile      `json:"supporter"`
	Preferences *matching.Preferences `json:"preferences,omitempty"`
}

type pulseRequest struct {
	connection.PulseInput
	LatencyMs float64 `json:"latency_ms"`
}

type ackRequest struct {
	UserID string `json:"user_id"`
}

type connectionList struct {
	UserID      string           `json:"user_id"`
	Connections []*models.Tether `json:"connections"`
	Count       int              `json:"count"`
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := decode(r, createConnectionSchema, &req); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	t, err := s.connections.CreateConnection(r.Context(), req.Seeker, req.Supporter, req.Preferences)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	t, err := s.connections.GetConnection(r.Context(), pathID(r))
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID := pathID(r)
	tethers, err := s.connections.ListActiveConnections(r.Context(), userID)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	if tethers == nil {
		tethers = []*models.Tether{}
	}
	writeJSON(w, http.StatusOK, connectionList{UserID: userID, Connections: tethers, Count: len(tethers)})
}

func (s *Server) handleSendPulse(w http.ResponseWriter, r *http.Request) {
	var req pulseRequest
	if err := decode(r, pulseSchema, &req); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	in := req.PulseInput
	in.Latency = time.Duration(req.LatencyMs * float64(time.Millisecond))

	receipt, err := s.connections.SendPulse(r.Context(), pathID(r), in)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleAcknowledgePulse(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decode(r, ackPulseSchema, &req); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	receipt, err := s.connections.AcknowledgePulse(r.Context(), pathID(r), mux.Vars(r)["pulseId"], req.UserID)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleActivateEmergency(w http.ResponseWriter, r *http.Request) {
	var trigger models.Trigger
	if err := decode(r, emergencySchema, &trigger); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	c, err := s.connections.ActivateEmergency(r.Context(), pathID(r), trigger)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleConnectionHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.connections.GetConnectionHealth(r.Context(), pathID(r))
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRecomputeStrength(w http.ResponseWriter, r *http.Request) {
	t, err := s.connections.RecomputeStrength(r.Context(), pathID(r))
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.connections.SystemHealth())
}
