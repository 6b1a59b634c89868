package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/profilebot/internal/profile"
	"github.com/wolfman30/profilebot/internal/session"
	"github.com/wolfman30/profilebot/pkg/logging"
)

type profileReader interface {
	GetByExternalID(ctx context.Context, externalID string) (*profile.Profile, error)
}

type sessionReader interface {
	Get(ctx context.Context, externalID string) (*session.Session, error)
}

// AdminProfilesHandler exposes read-only profile lookups to operators.
type AdminProfilesHandler struct {
	profiles profileReader
	sessions sessionReader
	logger   *logging.Logger
}

// NewAdminProfilesHandler builds the handler. sessions may be nil, in which
// case responses omit the active session.
func NewAdminProfilesHandler(profiles profileReader, sessions sessionReader, logger *logging.Logger) *AdminProfilesHandler {
	if profiles == nil {
		panic("handlers: profile reader cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminProfilesHandler{
		profiles: profiles,
		sessions: sessions,
		logger:   logger,
	}
}

type adminProfileResponse struct {
	Profile *profile.Profile `json:"profile"`
	Session *session.Session `json:"session,omitempty"`
}

// GetProfile returns the stored profile and any in-progress session.
// GET /admin/profiles/{externalID}
func (h *AdminProfilesHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	externalID := strings.TrimSpace(chi.URLParam(r, "externalID"))
	if externalID == "" {
		jsonError(w, "missing externalID", http.StatusBadRequest)
		return
	}

	p, err := h.profiles.GetByExternalID(r.Context(), externalID)
	if err != nil {
		if errors.Is(err, profile.ErrInvalidExternalID) {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("failed to fetch profile", "external_id", externalID, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	var active *session.Session
	if h.sessions != nil {
		active, err = h.sessions.Get(r.Context(), externalID)
		if err != nil {
			h.logger.Warn("failed to fetch session", "external_id", externalID, "error", err)
			active = nil
		}
	}

	if p == nil && active == nil {
		jsonError(w, "profile not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, adminProfileResponse{Profile: p, Session: active})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
