package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/rules"
)

const (
	defaultQueueLimit = 50
	maxQueueLimit     = 500
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
	Queue   *queue.Stats `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error  string             `json:"error"`
	Fields []rules.FieldError `json:"fields,omitempty"`
}

// partialResponse reports an event some of whose rules failed
type partialResponse struct {
	Error string `json:"error"`
	*engine.EventResult
}

// QueueResponse is the response for GET /queue
type QueueResponse struct {
	Items  []*queue.Item `json:"items"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	stats, err := s.engine.QueueStats(r.Context())
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		resp.Status = "degraded"
		s.sendJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Queue = stats
	s.sendJSON(w, http.StatusOK, resp)
}

// handleEvent handles POST /api/v1/events
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev rules.Event
	if !s.decode(w, r, &ev) {
		return
	}
	if ev.Fields == nil {
		ev.Fields = map[string]any{}
	}

	res, err := s.engine.HandleEvent(r.Context(), &ev)
	if err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) || res == nil {
			s.writeError(w, err)
			return
		}
		// Partial failure: report what was enqueued along with the error
		s.logger.Error("event partially handled", "entity_id", ev.EntityID, "error", err)
		s.sendJSON(w, http.StatusInternalServerError, partialResponse{Error: "event partially handled", EventResult: res})
		return
	}

	s.sendJSON(w, http.StatusAccepted, res)
}

// handleListQueue handles GET /api/v1/queue
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), defaultQueueLimit)
	if err != nil || limit < 0 {
		s.sendError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit == 0 || limit > maxQueueLimit {
		limit = maxQueueLimit
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.sendError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	filter := queue.ListFilter{
		Status:   queue.Status(q.Get("status")),
		Channel:  queue.Channel(q.Get("channel")),
		Search:   q.Get("search"),
		RuleID:   q.Get("rule_id"),
		EntityID: q.Get("entity_id"),
		Limit:    limit,
		Offset:   offset,
	}
	if filter.Channel != "" && !filter.Channel.Valid() {
		s.sendError(w, http.StatusBadRequest, "unknown channel")
		return
	}

	items, err := s.engine.ListQueue(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []*queue.Item{}
	}

	s.sendJSON(w, http.StatusOK, QueueResponse{Items: items, Limit: limit, Offset: offset})
}

// handleQueueStats handles GET /api/v1/queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.QueueStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleGetQueueItem handles GET /api/v1/queue/{id}
func (s *Server) handleGetQueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.engine.GetQueueItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if item == nil {
		s.writeError(w, queue.ErrNotFound)
		return
	}
	s.sendJSON(w, http.StatusOK, item)
}

// handleRetryQueueItem handles POST /api/v1/queue/{id}/retry
func (s *Server) handleRetryQueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.engine.RetryItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, item)
}

// handleCancelQueueItem handles POST /api/v1/queue/{id}/cancel
func (s *Server) handleCancelQueueItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.CancelItem(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(queue.StatusCancelled)})
}

// handleChainStatus handles GET /api/v1/escalations/{rule_id}/{entity_id}
func (s *Server) handleChainStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.engine.ChainActive(r.Context(), chi.URLParam(r, "rule_id"), chi.URLParam(r, "entity_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"active": active})
}

// handleCancelChain handles DELETE /api/v1/escalations/{rule_id}/{entity_id}
func (s *Server) handleCancelChain(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.CancelChain(r.Context(), chi.URLParam(r, "rule_id"), chi.URLParam(r, "entity_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

// handleAnalytics handles GET /api/v1/analytics
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			s.sendError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			s.sendError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
	}
	if !from.Before(to) {
		s.sendError(w, http.StatusBadRequest, "from must be before to")
		return
	}

	snap, err := s.engine.Analytics(r.Context(), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

// decode reads a JSON body, answering 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeError maps domain errors to HTTP statuses
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *rules.ValidationError
	switch {
	case errors.As(err, &verr):
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Fields: verr.Fields})
	case errors.Is(err, rules.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rules.ErrAlreadyExists),
		errors.Is(err, queue.ErrTerminal),
		errors.Is(err, queue.ErrInFlight),
		errors.Is(err, queue.ErrNotPending):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
