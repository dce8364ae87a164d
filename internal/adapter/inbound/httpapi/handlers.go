package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/fangate/fangate/internal/domain/violation"
)

// defaultAction tags check requests that do not name one.
const defaultAction = "message"

// checkRequest is the body of POST /v1/messages/check.
type checkRequest struct {
	UserID      string `json:"user_id"`
	RecipientID string `json:"recipient_id"`
	Action      string `json:"action"`
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

// handleCheck runs one send attempt through the limiter and returns the
// decision. The decision is always 200; business denials are data, not HTTP
// errors.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.RecipientID == "" {
		s.respondError(w, http.StatusBadRequest, "user_id and recipient_id are required")
		return
	}
	if req.Action == "" {
		req.Action = defaultAction
	}

	decision := s.limiter.CheckAndConsume(r.Context(), req.UserID, req.RecipientID, req.Action)
	s.respondJSON(w, http.StatusOK, decision)
}

// handleGlobalStats returns the platform-wide rollup.
func (s *Server) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.stats.GlobalStats(r.Context()))
}

// handleUserStats returns one user's rollup.
func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, "user id is required")
		return
	}
	s.respondJSON(w, http.StatusOK, s.stats.UserStats(r.Context(), userID))
}

// handleRecentViolations returns the newest violation records.
func (s *Server) handleRecentViolations(w http.ResponseWriter, r *http.Request) {
	if s.violations == nil {
		s.respondError(w, http.StatusNotFound, "violation store not configured")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			s.respondError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	records, err := s.violations.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("recent violations query failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "violation store unavailable")
		return
	}
	if records == nil {
		records = []violation.Record{}
	}
	s.respondJSON(w, http.StatusOK, records)
}

// handleHealth reports liveness and, when wired, backend connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["store"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	s.respondJSON(w, code, status)
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, msg string) {
	s.respondJSON(w, code, errorResponse{Error: msg})
}
