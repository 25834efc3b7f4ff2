package care

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool opens a pgx pool against the care database. Every connection is
// forced read-only at the session level so a bug in query construction can
// never mutate care data.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET default_transaction_read_only = on")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return pool, nil
}

// PGStore reads care-group data from postgres. All queries are scoped by
// care_group_id and exclude soft-deleted rows.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Resolve loads the context snapshot for a care group. Returns
// ErrScopeNotFound when the group does not exist or is deleted.
func (s *PGStore) Resolve(ctx context.Context, scopeID string) (ContextSnapshot, error) {
	const q = `
		SELECT g.id, g.name,
		       COALESCE(g.recipient_name, ''),
		       COALESCE(g.condition_notes, '')
		FROM care_groups g
		WHERE g.id = $1 AND NOT g.is_deleted`

	var snap ContextSnapshot
	err := s.pool.QueryRow(ctx, q, scopeID).Scan(
		&snap.ScopeID, &snap.GroupName, &snap.RecipientName, &snap.ConditionNotes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ContextSnapshot{}, ErrScopeNotFound
	}
	if err != nil {
		return ContextSnapshot{}, fmt.Errorf("resolve care group: %w", err)
	}
	return snap, nil
}

// MembershipsByCaller lists the care groups a caller belongs to, default
// scope first.
func (s *PGStore) MembershipsByCaller(ctx context.Context, callerID string) ([]Membership, error) {
	const q = `
		SELECT m.care_group_id, m.is_default
		FROM care_group_members m
		JOIN care_groups g ON g.id = m.care_group_id AND NOT g.is_deleted
		WHERE m.caller_id = $1 AND NOT m.is_deleted
		ORDER BY m.is_default DESC, m.created_at ASC`

	rows, err := s.pool.Query(ctx, q, callerID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.ScopeID, &m.IsDefault); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Appointments lists appointments inside the window, ordered by start time.
func (s *PGStore) Appointments(ctx context.Context, scopeID string, w Window) ([]Appointment, error) {
	order := "ASC"
	if w.Descending {
		order = "DESC"
	}
	q := fmt.Sprintf(`
		SELECT description, starts_at, COALESCE(location, '')
		FROM appointments
		WHERE care_group_id = $1 AND NOT is_deleted
		  AND starts_at >= $2 AND starts_at <= $3
		ORDER BY starts_at %s
		LIMIT $4`, order)

	rows, err := s.pool.Query(ctx, q, scopeID, w.From, w.To, limitOr(w.Limit, 10))
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.Description, &a.StartsAt, &a.Location); err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Tasks lists tasks filtered by status, due date ascending with undated
// tasks last.
func (s *PGStore) Tasks(ctx context.Context, scopeID string, status TaskStatus, limit int) ([]Task, error) {
	var cond string
	switch status {
	case TaskStatusOpen:
		cond = "AND t.completed_at IS NULL"
	case TaskStatusCompleted:
		cond = "AND t.completed_at IS NOT NULL"
	case TaskStatusAll:
		cond = ""
	default:
		return nil, fmt.Errorf("unknown task status %q", status)
	}

	q := fmt.Sprintf(`
		SELECT t.description, t.due_at,
		       COALESCE(t.assignee_name, ''),
		       COALESCE(t.priority, 'medium'),
		       t.completed_at
		FROM tasks t
		WHERE t.care_group_id = $1 AND NOT t.is_deleted %s
		ORDER BY t.due_at ASC NULLS LAST, t.created_at ASC
		LIMIT $2`, cond)

	rows, err := s.pool.Query(ctx, q, scopeID, limitOr(limit, 10))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.Description, &t.DueAt, &t.AssigneeName, &t.Priority, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Documents lists the most recent summarized documents, optionally
// filtered by a case-insensitive substring on the name. Rows without a
// summary are excluded; there is nothing useful to read aloud for them.
func (s *PGStore) Documents(ctx context.Context, scopeID, searchTerm string, limit int) ([]Document, error) {
	q := `
		SELECT name, uploaded_at, summary
		FROM documents
		WHERE care_group_id = $1 AND NOT is_deleted
		  AND summary IS NOT NULL AND summary <> ''`
	args := []any{scopeID}
	if searchTerm = strings.TrimSpace(searchTerm); searchTerm != "" {
		q += " AND name ILIKE '%' || $2 || '%'"
		args = append(args, escapeLike(searchTerm))
	}
	q += fmt.Sprintf(" ORDER BY uploaded_at DESC LIMIT %d", limitOr(limit, 5))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.Name, &d.UploadedAt, &d.Summary); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Contacts lists care-team contacts, optionally filtered by a substring
// on role or organization.
func (s *PGStore) Contacts(ctx context.Context, scopeID, kind string, limit int) ([]Contact, error) {
	q := `
		SELECT name, COALESCE(role, ''), COALESCE(organization, ''), COALESCE(phone, '')
		FROM contacts
		WHERE care_group_id = $1 AND NOT is_deleted`
	args := []any{scopeID}
	if kind = strings.TrimSpace(kind); kind != "" {
		q += " AND (role ILIKE '%' || $2 || '%' OR organization ILIKE '%' || $2 || '%')"
		args = append(args, escapeLike(kind))
	}
	q += fmt.Sprintf(" ORDER BY name ASC LIMIT %d", limitOr(limit, 10))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.Name, &c.Role, &c.Organization, &c.Phone); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentActivity lists activity log entries since the given time, newest
// first.
func (s *PGStore) RecentActivity(ctx context.Context, scopeID string, since time.Time, limit int) ([]Activity, error) {
	const q = `
		SELECT title, COALESCE(kind, ''), occurred_at, COALESCE(notes, '')
		FROM activity_logs
		WHERE care_group_id = $1 AND NOT is_deleted
		  AND occurred_at >= $2
		ORDER BY occurred_at DESC
		LIMIT $3`

	rows, err := s.pool.Query(ctx, q, scopeID, since, limitOr(limit, 10))
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.Title, &a.Kind, &a.OccurredAt, &a.Notes); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func limitOr(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}

// escapeLike neutralizes LIKE pattern metacharacters in caller-supplied
// text so it matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
