// Package session runs one voice call end to end: the telephony leg, the
// upstream realtime leg, the relay between them, and the function-call
// dispatch loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evercare-dev/voice-bridge/pkg/care"
	"github.com/evercare-dev/voice-bridge/pkg/gateway/metrics"
	"github.com/evercare-dev/voice-bridge/pkg/voice/functions"
	"github.com/evercare-dev/voice-bridge/pkg/voice/realtime"
	"github.com/evercare-dev/voice-bridge/pkg/voice/telephony"
)

// StartParams identifies the call: which care group, who is calling, and
// in what role. Query-string values seed it; custom parameters from the
// start frame override them.
type StartParams struct {
	ScopeID    string
	CallerID   string
	CallerKind string
}

func (p StartParams) merged(custom map[string]string) StartParams {
	if v := custom["scopeId"]; v != "" {
		p.ScopeID = v
	}
	if v := custom["callerId"]; v != "" {
		p.CallerID = v
	}
	if v := custom["callerKind"]; v != "" {
		p.CallerKind = v
	}
	if p.CallerKind == "" {
		p.CallerKind = "member"
	}
	return p
}

// Conn is the telephony websocket leg. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Upstream is the realtime assistant leg. *realtime.Session satisfies it.
type Upstream interface {
	AppendAudio(payloadB64 string) error
	SendFunctionOutput(callID, output string) error
	ReadEvent() (realtime.ServerEvent, error)
	Close() error
}

// UpstreamDialer opens the upstream leg once the call context is known.
type UpstreamDialer func(ctx context.Context, cfg realtime.SessionConfig) (Upstream, error)

// ContextStore loads the care group snapshot for a resolved scope.
type ContextStore interface {
	Resolve(ctx context.Context, scopeID string) (care.ContextSnapshot, error)
}

type Config struct {
	MaxJSONMessageBytes int64
	StartTimeout        time.Duration
	ResolveTimeout      time.Duration
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	MaxCallDuration     time.Duration
	Voice               string
}

type Dependencies struct {
	Conn         Conn
	Logger       *slog.Logger
	Store        ContextStore
	Scope        ScopeResolver
	Dispatcher   *functions.Dispatcher
	DialUpstream UpstreamDialer
	Metrics      *metrics.Metrics
	CallID       string
	Params       StartParams
	Config       Config
	Now          func() time.Time
}

// Session is one live call.
type Session struct {
	conn         Conn
	logger       *slog.Logger
	store        ContextStore
	scope        ScopeResolver
	dispatcher   *functions.Dispatcher
	dialUpstream UpstreamDialer
	metrics      *metrics.Metrics
	callID       string
	params       StartParams
	cfg          Config
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	stateMu sync.Mutex
	state   State

	closeOnce sync.Once

	streamSid string
	scopeID   string
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("context store is required")
	}
	if deps.Scope == nil {
		return nil, fmt.Errorf("scope resolver is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if deps.DialUpstream == nil {
		return nil, fmt.Errorf("upstream dialer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.StartTimeout <= 0 {
		deps.Config.StartTimeout = 10 * time.Second
	}
	if deps.Config.ResolveTimeout <= 0 {
		deps.Config.ResolveTimeout = 10 * time.Second
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}
	if deps.Config.Voice == "" {
		deps.Config.Voice = "alloy"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:         deps.Conn,
		logger:       deps.Logger.With("call_id", deps.CallID),
		store:        deps.Store,
		scope:        deps.Scope,
		dispatcher:   deps.Dispatcher,
		dialUpstream: deps.DialUpstream,
		metrics:      deps.Metrics,
		callID:       deps.CallID,
		params:       deps.Params,
		cfg:          deps.Config,
		now:          deps.Now,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateInit,
	}, nil
}

// Cancel force-terminates the call.
func (s *Session) Cancel() { s.cancel() }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) transition(next State) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == next {
		return true
	}
	if !s.state.CanTransitionTo(next) {
		s.logger.Error("illegal state transition", "from", s.state.String(), "to", next.String())
		return false
	}
	s.logger.Debug("state", "from", s.state.String(), "to", next.String())
	s.state = next
	return true
}

// Hangup sends a polite close to the caller and terminates the call. Used
// by the server during graceful drain.
func (s *Session) Hangup(reason string) error {
	err := s.writeClose(websocket.CloseGoingAway, reason)
	s.cancel()
	return err
}

func (s *Session) writeClose(code int, reason string) error {
	deadline := s.now().Add(s.cfg.WriteTimeout)
	return s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

var errCallerHungUp = errors.New("caller hung up")

type inboundFrame struct {
	data []byte
	err  error
}

type upstreamEvent struct {
	event realtime.ServerEvent
	err   error
}

type dispatchResult struct {
	name    string
	callID  string
	output  string
	outcome string
}

type setupOutcome struct {
	upstream Upstream
	err      error
}

var errDialUpstream = errors.New("dial upstream")

// Run drives the call to completion. It always returns with both legs
// closed; the returned error is nil for every caller-visible outcome and
// non-nil only for unexpected internal failures.
func (s *Session) Run() error {
	started := s.now()
	status := "completed"
	s.metrics.RecordCallStart()
	defer func() {
		s.teardown()
		s.metrics.RecordCallEnd(status, s.now().Sub(started))
		s.logger.Info("call ended", "status", status, "duration_ms", s.now().Sub(started).Milliseconds())
	}()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	s.transition(StateAwaitingStart)

	start, err := s.awaitStart()
	if errors.Is(err, errCallerHungUp) {
		return nil
	}
	if err != nil {
		status = "no_start"
		_ = s.writeClose(websocket.ClosePolicyViolation, "No start received")
		return nil
	}

	s.streamSid = start.StreamSid
	s.params = s.params.merged(start.CustomParameters)
	s.logger = s.logger.With("stream_sid", s.streamSid)

	s.transition(StateContextResolving)

	// The read loop starts before resolve and dial so frames arriving in
	// that window are consumed. Media read before the upstream leg is open
	// is stale and gets dropped, never queued for later forwarding.
	readCh := make(chan inboundFrame, 16)
	go s.readLoop(readCh)

	setupCh := make(chan setupOutcome, 1)
	go s.setupUpstream(setupCh)

	var upstream Upstream
	droppedPreReady := false
	for upstream == nil {
		select {
		case <-s.ctx.Done():
			if res := <-setupCh; res.upstream != nil {
				_ = res.upstream.Close()
			}
			return nil
		case frame := <-readCh:
			s.dropPreReadyFrame(frame, &droppedPreReady)
		case res := <-setupCh:
			if res.err != nil {
				if !errors.Is(res.err, context.Canceled) {
					status = s.failSetup(res.err)
				}
				return nil
			}
			upstream = res.upstream
		}
	}
	defer upstream.Close()

	// Frames still queued at this point were read before the upstream leg
	// opened; they are dropped on the same terms.
	for pending := true; pending; {
		select {
		case frame := <-readCh:
			s.dropPreReadyFrame(frame, &droppedPreReady)
		default:
			pending = false
		}
	}

	s.transition(StateUpstreamReady)
	s.transition(StateStreaming)

	eventCh := make(chan upstreamEvent, 16)
	dispatchCh := make(chan dispatchResult, 4)
	go s.upstreamLoop(upstream, eventCh)

	var pingCh <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		pingCh = ticker.C
	}
	var callTimerCh <-chan time.Time
	if s.cfg.MaxCallDuration > 0 {
		timer := time.NewTimer(s.cfg.MaxCallDuration)
		defer timer.Stop()
		callTimerCh = timer.C
	}

	pendingCalls := 0

	for {
		select {
		case <-s.ctx.Done():
			return nil

		case frame := <-readCh:
			if frame.err != nil {
				return nil
			}
			env, decErr := telephony.DecodeInbound(frame.data)
			if decErr != nil {
				s.logger.Warn("undecodable telephony frame", "err", decErr)
				continue
			}
			switch env.Event {
			case telephony.EventMedia:
				if err := upstream.AppendAudio(env.Media.Payload); err != nil {
					s.logger.Error("append audio failed", "err", err)
					status = "upstream_failed"
					_ = s.writeClose(websocket.CloseInternalServerErr, "Assistant unavailable")
					return nil
				}
				s.metrics.RecordAudio("in", len(env.Media.Payload))
			case telephony.EventStop:
				return nil
			default:
				// Marks, duplicate starts, and provider extras are ignored.
			}

		case ev := <-eventCh:
			if ev.err != nil {
				s.logger.Error("upstream read failed", "err", ev.err)
				status = "upstream_failed"
				_ = s.writeClose(websocket.CloseInternalServerErr, "Assistant unavailable")
				return nil
			}
			switch ev.event.Kind {
			case realtime.EventAudioDelta:
				frame, encErr := telephony.EncodeMedia(s.streamSid, ev.event.AudioDelta)
				if encErr != nil {
					s.logger.Error("encode media failed", "err", encErr)
					continue
				}
				_ = s.conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
				if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return nil
				}
				s.metrics.RecordAudio("out", len(ev.event.AudioDelta))
			case realtime.EventFunctionCall:
				pendingCalls++
				s.transition(StateFunctionCallPending)
				s.logger.Info("function call", "function", ev.event.FunctionName, "upstream_call_id", ev.event.CallID)
				go s.runDispatch(ev.event, dispatchCh)
			case realtime.EventError:
				s.logger.Warn("upstream error event", "message", ev.event.ErrorMessage)
			}

		case res := <-dispatchCh:
			s.metrics.RecordFunctionCall(res.name, res.outcome)
			if pendingCalls > 0 {
				pendingCalls--
			}
			if pendingCalls == 0 {
				s.transition(StateStreaming)
			}
			if err := upstream.SendFunctionOutput(res.callID, res.output); err != nil {
				s.logger.Error("send function output failed", "err", err)
				status = "upstream_failed"
				_ = s.writeClose(websocket.CloseInternalServerErr, "Assistant unavailable")
				return nil
			}

		case <-pingCh:
			_ = s.conn.WriteControl(websocket.PingMessage, nil, s.now().Add(s.cfg.WriteTimeout))

		case <-callTimerCh:
			status = "timeout"
			_ = s.writeClose(websocket.CloseNormalClosure, "Maximum call duration reached")
			return nil
		}
	}
}

// awaitStart reads frames until the start event arrives. Media received
// before start is dropped and counted; connected and unknown events are
// skipped.
func (s *Session) awaitStart() (*telephony.StartEvent, error) {
	deadline := s.now().Add(s.cfg.StartTimeout)
	_ = s.conn.SetReadDeadline(deadline)
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	droppedMedia := false
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("waiting for start: %w", err)
		}
		env, decErr := telephony.DecodeInbound(data)
		if decErr != nil {
			s.logger.Warn("undecodable frame before start", "err", decErr)
			continue
		}
		switch env.Event {
		case telephony.EventStart:
			return env.Start, nil
		case telephony.EventMedia:
			if !droppedMedia {
				droppedMedia = true
				s.logger.Warn("media received before start, dropping")
			}
			s.metrics.RecordDroppedFrame()
		case telephony.EventStop:
			return nil, errCallerHungUp
		}
	}
}

// setupUpstream resolves the call context and dials the assistant. It runs
// beside the relay loop so the telephony leg keeps being read meanwhile.
func (s *Session) setupUpstream(out chan<- setupOutcome) {
	snap, err := s.resolveContext()
	if err != nil {
		out <- setupOutcome{err: err}
		return
	}
	s.logger.Info("context resolved", "scope_id", s.scopeID, "caller_kind", s.params.CallerKind)

	s.transition(StateUpstreamConnecting)
	upstream, err := s.dialUpstream(s.ctx, realtime.SessionConfig{
		Instructions: realtime.BuildInstructions(snap, s.params.CallerKind),
		Voice:        s.cfg.Voice,
		Tools:        s.dispatcher.Tools(),
	})
	if err != nil {
		out <- setupOutcome{err: fmt.Errorf("%w: %v", errDialUpstream, err)}
		return
	}
	if s.ctx.Err() != nil {
		_ = upstream.Close()
		out <- setupOutcome{err: s.ctx.Err()}
		return
	}
	out <- setupOutcome{upstream: upstream}
}

// dropPreReadyFrame consumes one telephony frame while the upstream leg is
// not yet open. Stale audio is worthless to the assistant, so media is
// dropped and counted. A stop or read error cancels the call.
func (s *Session) dropPreReadyFrame(frame inboundFrame, dropped *bool) {
	if frame.err != nil {
		s.cancel()
		return
	}
	env, decErr := telephony.DecodeInbound(frame.data)
	if decErr != nil {
		s.logger.Warn("undecodable telephony frame", "err", decErr)
		return
	}
	switch env.Event {
	case telephony.EventMedia:
		if !*dropped {
			*dropped = true
			s.logger.Warn("media received before assistant ready, dropping")
		}
		s.metrics.RecordDroppedFrame()
	case telephony.EventStop:
		s.cancel()
	}
}

// failSetup closes the telephony leg with the reason matching the setup
// failure and returns the call status to record.
func (s *Session) failSetup(err error) string {
	s.transition(StateFailedTerminal)
	switch {
	case errors.Is(err, ErrMissingScope):
		_ = s.writeClose(websocket.ClosePolicyViolation, "Missing care group id")
		return "rejected"
	case errors.Is(err, care.ErrScopeNotFound):
		_ = s.writeClose(websocket.ClosePolicyViolation, "Care group not found")
		return "rejected"
	case errors.Is(err, errDialUpstream):
		s.logger.Error("upstream dial failed", "err", err)
		_ = s.writeClose(websocket.CloseInternalServerErr, "Assistant unavailable")
		return "upstream_failed"
	default:
		s.logger.Error("context resolution failed", "err", err)
		_ = s.writeClose(websocket.CloseInternalServerErr, "Assistant unavailable")
		return "resolve_failed"
	}
}

func (s *Session) resolveContext() (care.ContextSnapshot, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ResolveTimeout)
	defer cancel()

	scopeID, err := s.scope.ResolveScope(ctx, s.params)
	if err != nil {
		return care.ContextSnapshot{}, err
	}
	s.scopeID = scopeID

	snap, err := s.store.Resolve(ctx, scopeID)
	if err != nil {
		return care.ContextSnapshot{}, err
	}
	return snap, nil
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	for {
		_, data, err := s.conn.ReadMessage()
		select {
		case out <- inboundFrame{data: data, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) upstreamLoop(upstream Upstream, out chan<- upstreamEvent) {
	for {
		ev, err := upstream.ReadEvent()
		select {
		case out <- upstreamEvent{event: ev, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// runDispatch executes one function call off the relay loop so a slow
// query can never stall audio. Results arriving after teardown are
// discarded by the ctx select.
func (s *Session) runDispatch(ev realtime.ServerEvent, out chan<- dispatchResult) {
	output, outcome := s.dispatcher.Dispatch(s.ctx, s.scopeID, ev.FunctionName, ev.FunctionArgs)
	select {
	case out <- dispatchResult{
		name:    ev.FunctionName,
		callID:  ev.CallID,
		output:  output,
		outcome: outcome,
	}:
	case <-s.ctx.Done():
	}
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.transition(StateClosing)
		s.cancel()
		_ = s.writeClose(websocket.CloseNormalClosure, "")
		_ = s.conn.Close()
		s.transition(StateClosed)
	})
}
