package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/herald/internal/rules"
)

// ToggleRequest is the request body for POST /{kind}-rules/{id}/toggle
type ToggleRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handleListNotificationRules(w http.ResponseWriter, r *http.Request) {
	filter := rules.NotificationFilter{
		TriggerType: rules.TriggerType(r.URL.Query().Get("trigger_type")),
		ActiveOnly:  r.URL.Query().Get("active") == "true",
	}
	list, err := s.engine.ListNotificationRules(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*rules.NotificationRule{}
	}
	s.sendJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateNotificationRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.NotificationRule
	if !s.decode(w, r, &rule) {
		return
	}
	created, err := s.engine.CreateNotificationRule(r.Context(), &rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetNotificationRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.engine.GetNotificationRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateNotificationRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.NotificationRule
	if !s.decode(w, r, &rule) {
		return
	}
	updated, err := s.engine.UpdateNotificationRule(r.Context(), chi.URLParam(r, "id"), &rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteNotificationRule(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.DeleteNotificationRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleToggleNotificationRule(w http.ResponseWriter, r *http.Request) {
	active, ok := s.decodeToggle(w, r)
	if !ok {
		return
	}
	rule, err := s.engine.ToggleNotificationRule(r.Context(), chi.URLParam(r, "id"), active)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rule)
}

func (s *Server) handleListEscalationRules(w http.ResponseWriter, r *http.Request) {
	filter := rules.EscalationFilter{
		TriggerCondition: rules.EscalationTrigger(r.URL.Query().Get("trigger_condition")),
		ActiveOnly:       r.URL.Query().Get("active") == "true",
	}
	list, err := s.engine.ListEscalationRules(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*rules.EscalationRule{}
	}
	s.sendJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateEscalationRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.EscalationRule
	if !s.decode(w, r, &rule) {
		return
	}
	created, err := s.engine.CreateEscalationRule(r.Context(), &rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetEscalationRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.engine.GetEscalationRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateEscalationRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.EscalationRule
	if !s.decode(w, r, &rule) {
		return
	}
	updated, err := s.engine.UpdateEscalationRule(r.Context(), chi.URLParam(r, "id"), &rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteEscalationRule(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.DeleteEscalationRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleToggleEscalationRule(w http.ResponseWriter, r *http.Request) {
	active, ok := s.decodeToggle(w, r)
	if !ok {
		return
	}
	rule, err := s.engine.ToggleEscalationRule(r.Context(), chi.URLParam(r, "id"), active)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rule)
}

func (s *Server) decodeToggle(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req ToggleRequest
	if !s.decode(w, r, &req) {
		return false, false
	}
	if req.Active == nil {
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "validation failed",
			Fields: []rules.FieldError{{Field: "active", Message: "is required"}},
		})
		return false, false
	}
	return *req.Active, true
}
