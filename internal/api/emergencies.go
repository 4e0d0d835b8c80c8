package api

import (
	"net/http"

	"peer-tether/internal/models"
)

type acknowledgeRequest struct {
	ResponderID string `json:"responder_id"`
}

type respondRequest struct {
	ResponderID      string `json:"responder_id"`
	ActionTaken      string `json:"action_taken"`
	FollowUpRequired bool   `json:"follow_up_required"`
}

type resolveRequest struct {
	ResponderID string            `json:"responder_id"`
	Outcome     models.CaseStatus `json:"outcome"`
}

type escalateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.emergencies.Report())
}

func (s *Server) handleGetEmergency(w http.ResponseWriter, r *http.Request) {
	c, err := s.emergencies.Get(pathID(r))
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := decode(r, acknowledgeSchema, &req); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	c, err := s.emergencies.Acknowledge(r.Context(), pathID(r), req.ResponderID)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decode(r, respondSchema, &req); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	c, err := s.emergencies.RecordResponse(r.Context(), pathID(r), req.ResponderID, req.ActionTaken, req.FollowUpRequired)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, resolveSchema, &req); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	c, err := s.emergencies.Resolve(r.Context(), pathID(r), req.ResponderID, req.Outcome)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if err := decode(r, escalateSchema, &req); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	c, err := s.emergencies.Escalate(r.Context(), pathID(r), req.Reason)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
