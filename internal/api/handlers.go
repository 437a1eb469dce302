package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/dispatchd/internal/gateway"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/scheduler"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Fingerprint:   s.config.Fingerprint,
		Breakers:      []gateway.BreakerSnapshot{},
	}
	if s.breakers != nil {
		resp.Breakers = s.breakers.Breakers()
		for _, b := range resp.Breakers {
			if b.State == gateway.StateOpen {
				resp.CircuitsOpen++
			}
		}
		if resp.CircuitsOpen > 0 && resp.CircuitsOpen == len(resp.Breakers) {
			resp.Status = "degraded"
		}
	}
	if s.tasks != nil {
		resp.Tasks = len(s.tasks.Tasks())
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleDispatch handles POST /v1/dispatch: parse raw model output and execute it.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	rep := s.engine.Dispatch(r.Context(), req.Text)
	respondJSON(w, http.StatusOK, rep)
}

// handleAsk handles POST /v1/ask: prompt the model gateway and execute its reply.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	rep, err := s.engine.Ask(r.Context(), req.Prompt)
	if err != nil {
		kind := gateway.Classify(err)
		s.logger.Warn("ask failed", "error", err, "kind", kind, "prompt", log.Summary(req.Prompt, 80))
		status := http.StatusBadGateway
		switch kind {
		case gateway.KindCircuitOpen, gateway.KindRateLimited:
			status = http.StatusServiceUnavailable
		case gateway.KindCanceled:
			status = 499
		}
		respondJSON(w, status, ErrorResponse{Error: err.Error(), Kind: string(kind)})
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// handleListTasks handles GET /v1/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, TaskListResponse{Tasks: s.tasks.Tasks()})
}

// handleGetTask handles GET /v1/tasks/{taskID}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	info, err := s.tasks.Task(taskID)
	if err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// handleStopTask handles DELETE /v1/tasks/{taskID}.
func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if !s.tasks.StopTask(taskID) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.logger.Info("task stopped via API", "task_id", taskID)
	respondJSON(w, http.StatusOK, StopTaskResponse{TaskID: taskID, Stopped: true})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
