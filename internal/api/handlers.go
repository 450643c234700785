// Package api provides HTTP handlers for CareLoop admin endpoints.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CareLoop/internal/models"
	"github.com/BTreeMap/CareLoop/internal/store"
)

// AdminStore is the slice of the record store the admin API reads and mutates.
type AdminStore interface {
	GetUserSession(userID int64) (*models.UserSession, error)
	DeleteUserData(userID int64) error
	ListCheckins(userID int64) ([]models.CheckinRecord, error)
	AllSessions() ([]models.UserSession, error)
}

var _ AdminStore = (store.Store)(nil)

// healthHandler provides a health check endpoint for monitoring (GET /health).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	sessions, err := s.st.AllSessions()
	if err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach record store"
	} else {
		healthData["users"] = len(sessions)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

// statsHandler returns aggregate usage statistics (GET /stats).
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.statsHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.statsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessions, err := s.st.AllSessions()
	if err != nil {
		slog.Error("Server.statsHandler: error fetching sessions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch sessions"))
		return
	}

	var chatReady, inFlow, totalCheckins int
	for _, session := range sessions {
		if session.ChatReady {
			chatReady++
		}
		if session.Awaiting != models.AwaitingNone {
			inFlow++
		}
		records, listErr := s.st.ListCheckins(session.ID)
		if listErr != nil {
			slog.Error("Server.statsHandler: error counting check-ins", "error", listErr, "user", session.ID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch check-ins"))
			return
		}
		totalCheckins += len(records)
	}

	stats := map[string]interface{}{
		"total_users":      len(sessions),
		"chat_ready_users": chatReady,
		"users_in_flow":    inFlow,
		"total_checkins":   totalCheckins,
	}
	slog.Debug("Server.statsHandler: stats computed", "total_users", len(sessions), "total_checkins", totalCheckins)
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// checkinsHandler exports a user's check-in history (GET /checkins?user=<id>).
func (s *Server) checkinsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.checkinsHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.checkinsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
	if err != nil {
		slog.Warn("Server.checkinsHandler: invalid user parameter", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing or invalid user parameter"))
		return
	}
	records, err := s.st.ListCheckins(userID)
	if err != nil {
		slog.Error("Server.checkinsHandler: error fetching check-ins", "error", err, "user", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch check-ins"))
		return
	}
	slog.Debug("Server.checkinsHandler: check-ins fetched", "user", userID, "count", len(records))
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

// usersHandler handles per-user admin operations (GET and DELETE /users/{id}).
func (s *Server) usersHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.usersHandler invoked", "method", r.Method, "path", r.URL.Path)

	idPart := strings.TrimPrefix(r.URL.Path, "/users/")
	userID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		slog.Warn("Server.usersHandler: invalid user id", "path", r.URL.Path)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid user id"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		session, getErr := s.st.GetUserSession(userID)
		if getErr != nil {
			slog.Error("Server.usersHandler: error fetching session", "error", getErr, "user", userID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch session"))
			return
		}
		if session == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(session))
	case http.MethodDelete:
		if delErr := s.st.DeleteUserData(userID); delErr != nil {
			slog.Error("Server.usersHandler: error deleting user data", "error", delErr, "user", userID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete user data"))
			return
		}
		slog.Info("Server.usersHandler: user data deleted", "user", userID)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("User data deleted", nil))
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}
