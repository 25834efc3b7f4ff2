// Package functions implements the function-call dispatcher: the static
// table of read-only query handlers the assistant can invoke mid-call.
// Dispatch is total. Whatever the assistant sends, and whatever the store
// does, the caller always gets a speakable sentence back.
package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/evercare-dev/voice-bridge/pkg/care"
	"github.com/evercare-dev/voice-bridge/pkg/voice/realtime"
)

// Store is the read-only query surface the handlers run against.
type Store interface {
	Appointments(ctx context.Context, scopeID string, w care.Window) ([]care.Appointment, error)
	Tasks(ctx context.Context, scopeID string, status care.TaskStatus, limit int) ([]care.Task, error)
	Documents(ctx context.Context, scopeID, searchTerm string, limit int) ([]care.Document, error)
	Contacts(ctx context.Context, scopeID, kind string, limit int) ([]care.Contact, error)
	RecentActivity(ctx context.Context, scopeID string, since time.Time, limit int) ([]care.Activity, error)
}

// Dispatch outcomes, used as metric labels by the session.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeUnknown = "unknown"
)

type args map[string]any

func (a args) str(key, fallback string) string {
	if v, ok := a[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

type handler struct {
	name        string
	description string
	parameters  json.RawMessage
	// subject completes "Sorry, I could not retrieve <subject> at this
	// time." when the store fails.
	subject string
	run     func(ctx context.Context, d *Dispatcher, scopeID string, a args) (string, error)
}

// Dispatcher routes assistant function calls to query handlers. The table
// is fixed at construction; the advertised tool catalogue is derived from
// the same table so the two can never drift apart.
type Dispatcher struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
	table   map[string]handler
}

func New(store Store, logger *slog.Logger, queryTimeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		store:   store,
		logger:  logger,
		timeout: queryTimeout,
		now:     time.Now,
		table:   make(map[string]handler),
	}
	for _, h := range registry {
		d.table[h.name] = h
	}
	return d
}

// registry is the single source of truth for callable functions. Both the
// dispatch table and the advertised tool catalogue come from here.
var registry = []handler{
	appointmentsHandler,
	tasksHandler,
	documentsHandler,
	contactsHandler,
	activityHandler,
}

// Tools returns the tool catalogue advertised in session.update.
func (d *Dispatcher) Tools() []realtime.Tool {
	tools := make([]realtime.Tool, 0, len(registry))
	for _, h := range registry {
		tools = append(tools, realtime.Tool{
			Type:        "function",
			Name:        h.name,
			Description: h.description,
			Parameters:  h.parameters,
		})
	}
	return tools
}

// Dispatch runs one function call and returns the sentence to hand back to
// the assistant plus an outcome label. It never panics and never returns
// an error; failures become apologies.
func (d *Dispatcher) Dispatch(ctx context.Context, scopeID, name, argsJSON string) (result, outcome string) {
	defer func() {
		if v := recover(); v != nil {
			d.logger.Error("function handler panicked", "function", name, "panic", v)
			result = "Sorry, something went wrong looking that up."
			outcome = OutcomeError
		}
	}()

	h, ok := d.table[name]
	if !ok {
		d.logger.Warn("unknown function requested", "function", name)
		return "Unknown function requested.", OutcomeUnknown
	}

	var a args
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &a); err != nil {
			d.logger.Warn("malformed function arguments", "function", name, "err", err)
			a = args{}
		}
	}
	if a == nil {
		a = args{}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := h.run(ctx, d, scopeID, a)
	if err != nil {
		d.logger.Error("function handler failed", "function", name, "err", err)
		return fmt.Sprintf("Sorry, I could not retrieve %s at this time.", h.subject), OutcomeError
	}
	return out, OutcomeOK
}
