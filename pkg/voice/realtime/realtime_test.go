package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evercare-dev/voice-bridge/pkg/care"
)

// fakeUpstream accepts one websocket connection and records every frame
// it receives.
type fakeUpstream struct {
	srv    *httptest.Server
	frames chan map[string]any
	auth   chan string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		frames: make(chan map[string]any, 16),
		auth:   make(chan string, 1),
	}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.auth <- r.Header.Get("Authorization")
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			f.frames <- frame
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeUpstream) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame := <-f.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for upstream frame")
		return nil
	}
}

func dialTest(t *testing.T, f *fakeUpstream, cfg SessionConfig) *Session {
	t.Helper()
	s, err := Dial(context.Background(), DialConfig{
		URL:          f.wsURL(),
		APIKey:       "sk-test",
		DialTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDial_RequiresAPIKey(t *testing.T) {
	_, err := Dial(context.Background(), DialConfig{URL: "ws://unused"}, SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "api key") {
		t.Fatalf("err=%v, want api key error", err)
	}
}

func TestDial_SendsSessionUpdateFirst(t *testing.T) {
	f := newFakeUpstream(t)
	params := json.RawMessage(`{"type":"object","properties":{}}`)
	dialTest(t, f, SessionConfig{
		Instructions: "be helpful",
		Voice:        "alloy",
		Tools: []Tool{
			{Type: "function", Name: "get_tasks", Description: "list tasks", Parameters: params},
		},
	})

	if got := <-f.auth; got != "Bearer sk-test" {
		t.Fatalf("Authorization=%q", got)
	}

	frame := f.next(t)
	if frame["type"] != "session.update" {
		t.Fatalf("first frame type=%v, want session.update", frame["type"])
	}
	sess := frame["session"].(map[string]any)
	if sess["instructions"] != "be helpful" {
		t.Fatalf("instructions=%v", sess["instructions"])
	}
	if sess["input_audio_format"] != "g711_ulaw" || sess["output_audio_format"] != "g711_ulaw" {
		t.Fatalf("audio formats: %v / %v", sess["input_audio_format"], sess["output_audio_format"])
	}
	td := sess["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" {
		t.Fatalf("turn_detection=%v", td)
	}
	tools := sess["tools"].([]any)
	if len(tools) != 1 || tools[0].(map[string]any)["name"] != "get_tasks" {
		t.Fatalf("tools=%v", tools)
	}
}

func TestAppendAudio(t *testing.T) {
	f := newFakeUpstream(t)
	s := dialTest(t, f, SessionConfig{Voice: "alloy"})
	f.next(t) // session.update

	if err := s.AppendAudio("AAAA"); err != nil {
		t.Fatalf("append: %v", err)
	}
	frame := f.next(t)
	if frame["type"] != "input_audio_buffer.append" || frame["audio"] != "AAAA" {
		t.Fatalf("frame=%v", frame)
	}
}

func TestSendFunctionOutput_ItemThenResponseCreate(t *testing.T) {
	f := newFakeUpstream(t)
	s := dialTest(t, f, SessionConfig{Voice: "alloy"})
	f.next(t) // session.update

	if err := s.SendFunctionOutput("call_1", "You have 2 open tasks."); err != nil {
		t.Fatalf("send output: %v", err)
	}

	item := f.next(t)
	if item["type"] != "conversation.item.create" {
		t.Fatalf("first frame=%v", item)
	}
	inner := item["item"].(map[string]any)
	if inner["type"] != "function_call_output" || inner["call_id"] != "call_1" {
		t.Fatalf("item=%v", inner)
	}
	if inner["output"] != "You have 2 open tasks." {
		t.Fatalf("output=%v", inner["output"])
	}

	cont := f.next(t)
	if cont["type"] != "response.create" {
		t.Fatalf("second frame=%v", cont)
	}
}

func TestDecodeEvent(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want ServerEvent
	}{
		{
			"session created",
			`{"type":"session.created","session":{"id":"sess_1"}}`,
			ServerEvent{Kind: EventSessionCreated},
		},
		{
			"audio delta",
			`{"type":"response.audio.delta","delta":"b64chunk"}`,
			ServerEvent{Kind: EventAudioDelta, AudioDelta: "b64chunk"},
		},
		{
			"function call",
			`{"type":"response.function_call_arguments.done","name":"get_tasks","arguments":"{\"status\":\"open\"}","call_id":"call_9"}`,
			ServerEvent{Kind: EventFunctionCall, FunctionName: "get_tasks", FunctionArgs: `{"status":"open"}`, CallID: "call_9"},
		},
		{
			"error",
			`{"type":"error","error":{"message":"bad session"}}`,
			ServerEvent{Kind: EventError, ErrorMessage: "bad session"},
		},
		{
			"unhandled",
			`{"type":"response.text.delta","delta":"hi"}`,
			ServerEvent{Kind: EventOther},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeEvent([]byte(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestBuildInstructions(t *testing.T) {
	snap := care.ContextSnapshot{
		ScopeID:        "grp-1",
		GroupName:      "Team Rosa",
		RecipientName:  "Rosa",
		ConditionNotes: "Recovering from hip surgery.",
	}

	got := BuildInstructions(snap, "member")
	for _, want := range []string{"Team Rosa", "Rosa", "hip surgery", "family member", "only read"} {
		if !strings.Contains(got, want) {
			t.Fatalf("instructions missing %q:\n%s", want, got)
		}
	}

	if !strings.Contains(BuildInstructions(snap, "professional"), "professional caregiver") {
		t.Fatalf("professional label missing")
	}
	if !strings.Contains(BuildInstructions(snap, ""), "family member") {
		t.Fatalf("empty caller kind should default to family member")
	}
}
