package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/evercare-dev/voice-bridge/pkg/gateway/lifecycle"
	"github.com/evercare-dev/voice-bridge/pkg/voice/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyHandler reports whether the bridge can take new calls: database
// reachable and not draining.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	DB        Pinger
	Calls     *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining"`
		ActiveCalls int      `json:"active_calls"`
		Issues      []string `json:"issues,omitempty"`
	}

	resp := readyResp{
		Draining:    h.Lifecycle.IsDraining(),
		ActiveCalls: h.Calls.Count(),
	}

	if resp.Draining {
		resp.Issues = append(resp.Issues, "draining")
	}
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.Ping(ctx); err != nil {
			resp.Issues = append(resp.Issues, "database unreachable")
		}
	}

	resp.OK = len(resp.Issues) == 0
	w.Header().Set("Content-Type", "application/json")
	if !resp.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
