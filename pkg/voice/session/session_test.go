package session

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evercare-dev/voice-bridge/pkg/care"
	"github.com/evercare-dev/voice-bridge/pkg/voice/functions"
	"github.com/evercare-dev/voice-bridge/pkg/voice/realtime"
)

// fakeConn scripts the telephony leg. Inbound frames are fed through a
// channel; writes and close frames are recorded.
type fakeConn struct {
	in     chan inboundFrame
	closed chan struct{}

	mu        sync.Mutex
	writes    [][]byte
	closeSent []closeFrame
	once      sync.Once
}

type closeFrame struct {
	code   int
	reason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan inboundFrame, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) feed(raw string) { c.in <- inboundFrame{data: []byte(raw)} }

func (c *fakeConn) feedErr(err error) { c.in <- inboundFrame{err: err} }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.in:
		if frame.err != nil {
			return 0, nil, frame.err
		}
		return websocket.TextMessage, frame.data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType != websocket.CloseMessage {
		return nil
	}
	code := 0
	reason := ""
	if len(data) >= 2 {
		code = int(binary.BigEndian.Uint16(data[:2]))
		reason = string(data[2:])
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSent = append(c.closeSent, closeFrame{code: code, reason: reason})
	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) closeReasons() []closeFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]closeFrame(nil), c.closeSent...)
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// fakeUpstream scripts the assistant leg.
type fakeUpstream struct {
	events chan upstreamEvent
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	appended []string
	outputs  []dispatchedOutput
}

type dispatchedOutput struct {
	callID string
	output string
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		events: make(chan upstreamEvent, 32),
		closed: make(chan struct{}),
	}
}

func (u *fakeUpstream) emit(ev realtime.ServerEvent) { u.events <- upstreamEvent{event: ev} }

func (u *fakeUpstream) AppendAudio(payloadB64 string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.appended = append(u.appended, payloadB64)
	return nil
}

func (u *fakeUpstream) SendFunctionOutput(callID, output string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.outputs = append(u.outputs, dispatchedOutput{callID: callID, output: output})
	return nil
}

func (u *fakeUpstream) ReadEvent() (realtime.ServerEvent, error) {
	select {
	case ev := <-u.events:
		return ev.event, ev.err
	case <-u.closed:
		return realtime.ServerEvent{}, errors.New("upstream closed")
	}
}

func (u *fakeUpstream) Close() error {
	u.once.Do(func() { close(u.closed) })
	return nil
}

func (u *fakeUpstream) sentAudio() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.appended...)
}

func (u *fakeUpstream) sentOutputs() []dispatchedOutput {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]dispatchedOutput(nil), u.outputs...)
}

func (u *fakeUpstream) waitOutputs(t *testing.T, n int) []dispatchedOutput {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if outs := u.sentOutputs(); len(outs) >= n {
			return outs
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d function outputs", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type fakeContextStore struct {
	snap care.ContextSnapshot
	err  error
}

func (f fakeContextStore) Resolve(context.Context, string) (care.ContextSnapshot, error) {
	return f.snap, f.err
}

// emptyQueryStore satisfies functions.Store with empty results.
type emptyQueryStore struct{}

func (emptyQueryStore) Appointments(context.Context, string, care.Window) ([]care.Appointment, error) {
	return nil, nil
}
func (emptyQueryStore) Tasks(context.Context, string, care.TaskStatus, int) ([]care.Task, error) {
	return nil, nil
}
func (emptyQueryStore) Documents(context.Context, string, string, int) ([]care.Document, error) {
	return nil, nil
}
func (emptyQueryStore) Contacts(context.Context, string, string, int) ([]care.Contact, error) {
	return nil, nil
}
func (emptyQueryStore) RecentActivity(context.Context, string, time.Time, int) ([]care.Activity, error) {
	return nil, nil
}

type testHarness struct {
	conn     *fakeConn
	upstream *fakeUpstream
	dialed   chan struct{}
	done     chan error
	sess     *Session
}

func startSession(t *testing.T, mutate func(*Dependencies)) *testHarness {
	t.Helper()
	h := &testHarness{
		conn:     newFakeConn(),
		upstream: newFakeUpstream(),
		dialed:   make(chan struct{}, 1),
		done:     make(chan error, 1),
	}
	deps := Dependencies{
		Conn:       h.conn,
		Logger:     slog.Default(),
		Store:      fakeContextStore{snap: care.ContextSnapshot{ScopeID: "grp-1", GroupName: "Team Rosa"}},
		Scope:      DirectScope{},
		Dispatcher: functions.New(emptyQueryStore{}, slog.Default(), time.Second),
		DialUpstream: func(context.Context, realtime.SessionConfig) (Upstream, error) {
			h.dialed <- struct{}{}
			return h.upstream, nil
		},
		CallID: "call-test",
		Config: Config{StartTimeout: time.Second, WriteTimeout: time.Second},
	}
	if mutate != nil {
		mutate(&deps)
	}

	sess, err := New(deps)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	h.sess = sess
	go func() { h.done <- sess.Run() }()
	t.Cleanup(func() {
		sess.Cancel()
		h.conn.Close()
	})
	return h
}

func (h *testHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish")
		return nil
	}
}

// waitStreaming blocks until the session is relaying audio, so frames fed
// afterwards cannot land in the pre-ready drop window.
func (h *testHarness) waitStreaming(t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if st := h.sess.State(); st == StateStreaming || st == StateFunctionCallPending {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session never reached streaming, state=%v", h.sess.State())
		case <-time.After(2 * time.Millisecond):
		}
	}
}

const startFrame = `{"event":"start","start":{"streamSid":"MZ1","customParameters":{"scopeId":"grp-1","callerId":"+15550100","callerKind":"member"}}}`

func TestRun_MissingScopeClosesWithoutDialing(t *testing.T) {
	h := startSession(t, nil)
	h.conn.feed(`{"event":"start","start":{"streamSid":"MZ1","customParameters":{}}}`)

	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case <-h.dialed:
		t.Fatalf("upstream was dialed for a call without a scope")
	default:
	}
	reasons := h.conn.closeReasons()
	if len(reasons) == 0 || reasons[0].reason != "Missing care group id" {
		t.Fatalf("close frames: %+v", reasons)
	}
	if h.sess.State() != StateClosed {
		t.Fatalf("state=%v, want closed", h.sess.State())
	}
}

func TestRun_ScopeNotFoundClosesWithoutDialing(t *testing.T) {
	h := startSession(t, func(d *Dependencies) {
		d.Store = fakeContextStore{err: care.ErrScopeNotFound}
	})
	h.conn.feed(startFrame)

	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case <-h.dialed:
		t.Fatalf("upstream was dialed for an unknown care group")
	default:
	}
	reasons := h.conn.closeReasons()
	if len(reasons) == 0 || reasons[0].reason != "Care group not found" {
		t.Fatalf("close frames: %+v", reasons)
	}
}

func TestRun_UpstreamDialFailure(t *testing.T) {
	h := startSession(t, func(d *Dependencies) {
		d.DialUpstream = func(context.Context, realtime.SessionConfig) (Upstream, error) {
			return nil, errors.New("401 unauthorized")
		}
	})
	h.conn.feed(startFrame)

	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	reasons := h.conn.closeReasons()
	if len(reasons) == 0 || reasons[0].reason != "Assistant unavailable" {
		t.Fatalf("close frames: %+v", reasons)
	}
}

func TestRun_MediaBeforeStartIsDropped(t *testing.T) {
	h := startSession(t, nil)
	h.conn.feed(`{"event":"media","media":{"payload":"EARLY"}}`)
	h.conn.feed(startFrame)
	h.waitStreaming(t)
	h.conn.feed(`{"event":"media","media":{"payload":"LATER"}}`)
	h.conn.feed(`{"event":"stop"}`)

	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	audio := h.upstream.sentAudio()
	if len(audio) != 1 || audio[0] != "LATER" {
		t.Fatalf("relayed audio=%v, want only LATER", audio)
	}
}

// slowContextStore holds Resolve open long enough for frames to arrive
// while the upstream leg is still being set up.
type slowContextStore struct {
	started chan struct{}
	snap    care.ContextSnapshot
}

func (s slowContextStore) Resolve(ctx context.Context, _ string) (care.ContextSnapshot, error) {
	close(s.started)
	select {
	case <-time.After(150 * time.Millisecond):
	case <-ctx.Done():
		return care.ContextSnapshot{}, ctx.Err()
	}
	return s.snap, nil
}

func TestRun_MediaDuringSetupIsDropped(t *testing.T) {
	resolving := make(chan struct{})
	h := startSession(t, func(d *Dependencies) {
		d.Store = slowContextStore{
			started: resolving,
			snap:    care.ContextSnapshot{ScopeID: "grp-1", GroupName: "Team Rosa"},
		}
	})
	h.conn.feed(startFrame)

	<-resolving
	h.conn.feed(`{"event":"media","media":{"payload":"STALE1"}}`)
	h.conn.feed(`{"event":"media","media":{"payload":"STALE2"}}`)

	h.waitStreaming(t)
	h.conn.feed(`{"event":"media","media":{"payload":"FRESH"}}`)
	h.conn.feed(`{"event":"stop"}`)

	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	audio := h.upstream.sentAudio()
	if len(audio) != 1 || audio[0] != "FRESH" {
		t.Fatalf("relayed audio=%v, want only FRESH", audio)
	}
}

func TestRun_RelaysBothDirections(t *testing.T) {
	h := startSession(t, nil)
	h.conn.feed(startFrame)
	h.waitStreaming(t)
	h.conn.feed(`{"event":"media","media":{"payload":"CALLER1"}}`)

	h.upstream.emit(realtime.ServerEvent{Kind: realtime.EventAudioDelta, AudioDelta: "ASSISTANT1"})

	deadline := time.After(2 * time.Second)
	for {
		if writes := h.conn.written(); len(writes) > 0 {
			got := string(writes[0])
			for _, want := range []string{`"event":"media"`, `"streamSid":"MZ1"`, `"payload":"ASSISTANT1"`} {
				if !strings.Contains(got, want) {
					t.Fatalf("outbound frame %s missing %s", got, want)
				}
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no outbound media written")
		case <-time.After(5 * time.Millisecond):
		}
	}

	h.conn.feed(`{"event":"stop"}`)
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	audio := h.upstream.sentAudio()
	if len(audio) != 1 || audio[0] != "CALLER1" {
		t.Fatalf("relayed audio=%v", audio)
	}
}

func TestRun_FunctionCallRoundTrip(t *testing.T) {
	h := startSession(t, nil)
	h.conn.feed(startFrame)
	<-h.dialed

	h.upstream.emit(realtime.ServerEvent{
		Kind:         realtime.EventFunctionCall,
		FunctionName: "get_tasks",
		FunctionArgs: `{"status":"open"}`,
		CallID:       "call_abc",
	})

	outs := h.upstream.waitOutputs(t, 1)
	if outs[0].callID != "call_abc" {
		t.Fatalf("callID=%q", outs[0].callID)
	}
	if outs[0].output != "No open tasks found." {
		t.Fatalf("output=%q", outs[0].output)
	}

	h.conn.feed(`{"event":"stop"}`)
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRun_UnknownFunctionStillAnswered(t *testing.T) {
	h := startSession(t, nil)
	h.conn.feed(startFrame)
	<-h.dialed

	h.upstream.emit(realtime.ServerEvent{
		Kind:         realtime.EventFunctionCall,
		FunctionName: "update_task",
		FunctionArgs: `{}`,
		CallID:       "call_x",
	})

	outs := h.upstream.waitOutputs(t, 1)
	if outs[0].output != "Unknown function requested." {
		t.Fatalf("output=%q", outs[0].output)
	}

	h.conn.feed(`{"event":"stop"}`)
	_ = h.wait(t)
}

func TestRun_StopBeforeStart(t *testing.T) {
	h := startSession(t, nil)
	h.conn.feed(`{"event":"stop"}`)
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case <-h.dialed:
		t.Fatalf("upstream dialed after immediate stop")
	default:
	}
}

func TestRun_CallerReadError(t *testing.T) {
	h := startSession(t, nil)
	h.conn.feed(startFrame)
	<-h.dialed
	h.conn.feedErr(errors.New("connection reset"))
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.sess.State() != StateClosed {
		t.Fatalf("state=%v", h.sess.State())
	}
}

func TestStateTransitions(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateInit, StateAwaitingStart},
		{StateAwaitingStart, StateContextResolving},
		{StateContextResolving, StateFailedTerminal},
		{StateContextResolving, StateUpstreamConnecting},
		{StateUpstreamConnecting, StateUpstreamReady},
		{StateUpstreamReady, StateStreaming},
		{StateStreaming, StateFunctionCallPending},
		{StateFunctionCallPending, StateStreaming},
		{StateStreaming, StateClosing},
		{StateClosing, StateClosed},
	}
	for _, tc := range legal {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Fatalf("%v -> %v should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateInit, StateStreaming},
		{StateAwaitingStart, StateUpstreamConnecting},
		{StateFailedTerminal, StateStreaming},
		{StateClosed, StateStreaming},
		{StateClosed, StateClosing},
		{StateFunctionCallPending, StateUpstreamReady},
	}
	for _, tc := range illegal {
		if tc.from.CanTransitionTo(tc.to) {
			t.Fatalf("%v -> %v should be illegal", tc.from, tc.to)
		}
	}
}

func TestStartParamsMerge(t *testing.T) {
	base := StartParams{ScopeID: "from-query", CallerID: "q-caller"}
	got := base.merged(map[string]string{"scopeId": "from-start", "callerKind": "recipient"})
	if got.ScopeID != "from-start" {
		t.Fatalf("ScopeID=%q, in-band parameter should win", got.ScopeID)
	}
	if got.CallerID != "q-caller" {
		t.Fatalf("CallerID=%q, query value should survive", got.CallerID)
	}
	if got.CallerKind != "recipient" {
		t.Fatalf("CallerKind=%q", got.CallerKind)
	}

	if defaulted := (StartParams{ScopeID: "g"}).merged(nil); defaulted.CallerKind != "member" {
		t.Fatalf("CallerKind default=%q, want member", defaulted.CallerKind)
	}
}

