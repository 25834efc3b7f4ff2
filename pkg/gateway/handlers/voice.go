package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/evercare-dev/voice-bridge/pkg/care"
	"github.com/evercare-dev/voice-bridge/pkg/gateway/config"
	"github.com/evercare-dev/voice-bridge/pkg/gateway/lifecycle"
	"github.com/evercare-dev/voice-bridge/pkg/gateway/metrics"
	"github.com/evercare-dev/voice-bridge/pkg/voice/functions"
	"github.com/evercare-dev/voice-bridge/pkg/voice/realtime"
	"github.com/evercare-dev/voice-bridge/pkg/voice/session"
	"github.com/evercare-dev/voice-bridge/pkg/voice/sessions"
)

// CareStore is the slice of the care store the voice handler needs.
type CareStore interface {
	Resolve(ctx context.Context, scopeID string) (care.ContextSnapshot, error)
	MembershipsByCaller(ctx context.Context, callerID string) ([]care.Membership, error)
}

// VoiceHandler handles the telephony media-stream websocket.
type VoiceHandler struct {
	Config     config.Config
	Logger     *slog.Logger
	Store      CareStore
	Dispatcher *functions.Dispatcher
	Calls      *sessions.Tracker
	Lifecycle  *lifecycle.Lifecycle
	Metrics    *metrics.Metrics

	// DialUpstream overrides the realtime dialer; nil means dial the
	// configured realtime endpoint.
	DialUpstream session.UpstreamDialer
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(h.Config.AllowedOrigins) == 0 {
				return true
			}
			_, ok := h.Config.AllowedOrigins[r.Header.Get("Origin")]
			return ok
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	callID := "call_" + uuid.NewString()
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Query parameters seed the call identity; the start event's custom
	// parameters override them.
	q := r.URL.Query()
	params := session.StartParams{
		ScopeID:    q.Get("scopeId"),
		CallerID:   q.Get("callerId"),
		CallerKind: q.Get("callerKind"),
	}

	dial := h.DialUpstream
	if dial == nil {
		dial = func(ctx context.Context, sc realtime.SessionConfig) (session.Upstream, error) {
			return realtime.Dial(ctx, realtime.DialConfig{
				URL:          h.Config.RealtimeURL,
				APIKey:       h.Config.RealtimeAPIKey,
				DialTimeout:  h.Config.UpstreamDialTimeout,
				WriteTimeout: h.Config.WSWriteTimeout,
			}, sc)
		}
	}

	sess, err := session.New(session.Dependencies{
		Conn:         conn,
		Logger:       logger,
		Store:        h.Store,
		Scope:        h.scopeResolver(),
		Dispatcher:   h.Dispatcher,
		DialUpstream: dial,
		Metrics:      h.Metrics,
		CallID:       callID,
		Params:       params,
		Config: session.Config{
			MaxJSONMessageBytes: h.Config.MaxJSONMessageBytes,
			StartTimeout:        h.Config.StartTimeout,
			ResolveTimeout:      h.Config.QueryTimeout,
			PingInterval:        h.Config.WSPingInterval,
			WriteTimeout:        h.Config.WSWriteTimeout,
			MaxCallDuration:     h.Config.MaxCallDuration,
			Voice:               h.Config.RealtimeVoice,
		},
	})
	if err != nil {
		logger.Error("session setup failed", "call_id", callID, "err", err)
		_ = conn.Close()
		return
	}

	unregister := h.Calls.Register(callID, sessions.Handle{
		Cancel: sess.Cancel,
		Hangup: sess.Hangup,
	})
	defer unregister()

	if err := sess.Run(); err != nil {
		logger.Error("session failed", "call_id", callID, "err", err)
	}
}

func (h VoiceHandler) scopeResolver() session.ScopeResolver {
	if h.Config.ScopeStrategy == config.ScopeStrategyMultiScope {
		return session.MultiScope{Memberships: h.Store}
	}
	return session.DirectScope{}
}
