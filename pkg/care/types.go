package care

import (
	"errors"
	"time"
)

// ErrScopeNotFound is returned when a care group id does not resolve to a
// live care group.
var ErrScopeNotFound = errors.New("care group not found")

// ContextSnapshot is the immutable projection of care-group facts fetched
// once at call start and interpolated into the assistant's instructions.
// It is never refreshed mid-call.
type ContextSnapshot struct {
	ScopeID        string
	GroupName      string
	RecipientName  string
	ConditionNotes string
}

type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusAll       TaskStatus = "all"
)

// Window is a concrete date range for appointment queries. Descending
// controls sort order: ascending for upcoming windows, descending for past.
type Window struct {
	From       time.Time
	To         time.Time
	Descending bool
	Limit      int
}

type Appointment struct {
	Description string
	StartsAt    time.Time
	Location    string
}

type Task struct {
	Description  string
	DueAt        *time.Time
	AssigneeName string
	Priority     string
	CompletedAt  *time.Time
}

type Document struct {
	Name       string
	UploadedAt time.Time
	Summary    string
}

type Contact struct {
	Name         string
	Role         string
	Organization string
	Phone        string
}

type Activity struct {
	Title      string
	Kind       string
	OccurredAt time.Time
	Notes      string
}

// Membership links a caller to a care group they belong to. IsDefault marks
// the caller-designated default scope used by multi-scope resolution.
type Membership struct {
	ScopeID   string
	IsDefault bool
}
