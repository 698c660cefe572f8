// Package journal keeps a SQLite record of driving sessions and the
// interlock incidents raised during them.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Kind classifies an incident.
type Kind string

const (
	KindShiftRejected     Kind = "shift_rejected"
	KindStall             Kind = "stall"
	KindImpact            Kind = "impact"
	KindDeviceUnavailable Kind = "device_unavailable"
	KindDeviceRestored    Kind = "device_restored"
)

type Session struct {
	SessionID  string     `json:"session_id"`
	DevicePath string     `json:"device_path"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

type Incident struct {
	IncidentID string    `json:"incident_id"`
	SessionID  string    `json:"session_id"`
	Kind       Kind      `json:"kind"`
	At         time.Time `json:"at"`
	FromGear   *int      `json:"from_gear,omitempty"`
	ToGear     *int      `json:"to_gear,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Magnitude  int       `json:"magnitude,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// StartSession records a new daemon run.
func (s *Store) StartSession(ctx context.Context, devicePath string, startedAt time.Time) (Session, error) {
	sess := Session{
		SessionID:  uuid.NewString(),
		DevicePath: devicePath,
		StartedAt:  startedAt.UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, device_path, started_at)
VALUES (?, ?, ?)
`, sess.SessionID, sess.DevicePath, ts(sess.StartedAt))
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ?`, ts(endedAt), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var (
		sess    Session
		started string
		ended   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT session_id, device_path, started_at, ended_at
FROM sessions WHERE session_id = ?
`, sessionID).Scan(&sess.SessionID, &sess.DevicePath, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if sess.StartedAt, err = parseTS(started); err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	if ended.Valid {
		v, err := parseTS(ended.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse ended_at: %w", err)
		}
		sess.EndedAt = &v
	}
	return sess, nil
}

// InsertIncident stores inc, assigning an ID when it has none.
func (s *Store) InsertIncident(ctx context.Context, inc Incident) (Incident, error) {
	if inc.IncidentID == "" {
		inc.IncidentID = uuid.NewString()
	}
	if inc.At.IsZero() {
		inc.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO incidents(incident_id, session_id, kind, at, from_gear, to_gear, reason, magnitude, detail)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, inc.IncidentID, inc.SessionID, string(inc.Kind), ts(inc.At), nullableInt(inc.FromGear), nullableInt(inc.ToGear), inc.Reason, inc.Magnitude, inc.Detail)
	if err != nil {
		return Incident{}, fmt.Errorf("insert incident: %w", err)
	}
	return inc, nil
}

// ListIncidents returns the newest incidents first. An empty sessionID lists
// across all sessions.
func (s *Store) ListIncidents(ctx context.Context, sessionID string, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT incident_id, session_id, kind, at, from_gear, to_gear, reason, magnitude, detail
FROM incidents`
	args := make([]any, 0, 2)
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	out := make([]Incident, 0)
	for rows.Next() {
		var (
			inc      Incident
			kind, at string
			from, to sql.NullInt64
		)
		if err := rows.Scan(&inc.IncidentID, &inc.SessionID, &kind, &at, &from, &to, &inc.Reason, &inc.Magnitude, &inc.Detail); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.Kind = Kind(kind)
		if inc.At, err = parseTS(at); err != nil {
			return nil, fmt.Errorf("parse incident at: %w", err)
		}
		inc.FromGear = intPtr(from)
		inc.ToGear = intPtr(to)
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter incidents: %w", err)
	}
	return out, nil
}

// CountIncidents returns per-kind totals for a session.
func (s *Store) CountIncidents(ctx context.Context, sessionID string) (map[Kind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT kind, COUNT(*) FROM incidents WHERE session_id = ? GROUP BY kind
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count incidents: %w", err)
	}
	defer rows.Close()

	out := make(map[Kind]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Kind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter counts: %w", err)
	}
	return out, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

// Int returns a pointer to v, for filling optional gear fields.
func Int(v int) *int { return &v }

// tsLayout keeps a fixed fraction width so timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
