package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/voicewarden/artifact"
	"github.com/onnwee/voicewarden/capture"
	"github.com/onnwee/voicewarden/consent"
	"github.com/onnwee/voicewarden/health"
	"github.com/onnwee/voicewarden/router"
)

// Deps holds the live components the HTTP surface reports on and pokes at.
type Deps struct {
	DB      *sql.DB
	Router  *router.Manager
	Capture *capture.Supervisor
	Store   *artifact.Store
	Breaker *health.Breaker
	Gate    *consent.Gate
}

type Handlers struct {
	deps Deps
}

// HandleHealthz answers liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz answers readiness probes with per-check detail.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"circuit_breaker", func() error {
			if h.deps.Breaker != nil && h.deps.Breaker.State() == health.Open {
				return fmt.Errorf("circuit breaker open")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type statusResponse struct {
	Sessions  []router.SessionInfo   `json:"sessions"`
	Pipelines []capture.PipelineInfo `json:"pipelines"`
	Artifacts artifactStatus         `json:"artifacts"`
	Circuit   string                 `json:"circuit"`
}

type artifactStatus struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// HandleStatus returns a point-in-time snapshot of sessions, pipelines, and temp storage.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Sessions:  []router.SessionInfo{},
		Pipelines: []capture.PipelineInfo{},
	}
	if h.deps.Router != nil {
		resp.Sessions = h.deps.Router.SessionInfos()
	}
	if h.deps.Capture != nil {
		resp.Pipelines = h.deps.Capture.PipelineInfos()
	}
	if h.deps.Store != nil {
		resp.Artifacts.Files, resp.Artifacts.Bytes = h.deps.Store.Stats()
	}
	if h.deps.Breaker != nil {
		resp.Circuit = h.deps.Breaker.State().String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleConsentGrant records a user's capture consent and lifts any pending mute.
func (h *Handlers) HandleConsentGrant(w http.ResponseWriter, r *http.Request) {
	h.consentUpdate(w, r, true)
}

// HandleConsentRevoke removes a user's capture consent.
func (h *Handlers) HandleConsentRevoke(w http.ResponseWriter, r *http.Request) {
	h.consentUpdate(w, r, false)
}

func (h *Handlers) consentUpdate(w http.ResponseWriter, r *http.Request, grant bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	groupID := r.URL.Query().Get("group_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	if h.deps.Gate == nil {
		http.Error(w, "consent gate unavailable", http.StatusServiceUnavailable)
		return
	}

	var err error
	if grant {
		err = h.deps.Gate.OnGranted(r.Context(), groupID, userID)
	} else {
		err = h.deps.Gate.OnRevoked(r.Context(), userID)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleProbe forces one routing evaluation pass over every session.
func (h *Handlers) HandleProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Router != nil {
		h.deps.Router.ProbeAll(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
