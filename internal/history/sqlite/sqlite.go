package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/bootvisor/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	// Handle sqlite:// prefix
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS child_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			pid INTEGER NOT NULL,
			executable TEXT NOT NULL,
			port TEXT,
			profile TEXT,
			started_at TIMESTAMP,
			stopped_at TIMESTAMP,
			exit_code INTEGER,
			reason TEXT,
			forced BOOLEAN NOT NULL DEFAULT 0,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_child_history_timestamp ON child_history(timestamp);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO child_history(timestamp, event, pid, executable, port, profile, started_at, stopped_at, exit_code, reason, forced, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.PID, rec.Executable,
		nullString(rec.Port), nullString(rec.Profile),
		nullTime(rec.StartedAt), nullTime(rec.StoppedAt),
		nullInt(rec.ExitCode), nullString(rec.Reason), rec.Forced, nullString(rec.Error))
	return err
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, event, pid, executable, port, profile, started_at, stopped_at, exit_code, reason, forced, error
		FROM child_history ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e                     history.Event
			evt                   string
			port, profile, reason sql.NullString
			errText               sql.NullString
			startedAt, stoppedAt  sql.NullTime
			exitCode              sql.NullInt64
		)
		if err := rows.Scan(&e.OccurredAt, &evt, &e.Record.PID, &e.Record.Executable, &port, &profile,
			&startedAt, &stoppedAt, &exitCode, &reason, &e.Record.Forced, &errText); err != nil {
			return nil, err
		}
		e.Type = history.EventType(evt)
		e.Record.Port = port.String
		e.Record.Profile = profile.String
		e.Record.Reason = reason.String
		e.Record.Error = errText.String
		if startedAt.Valid {
			e.Record.StartedAt = startedAt.Time
		}
		if stoppedAt.Valid {
			e.Record.StoppedAt = stoppedAt.Time
		}
		if exitCode.Valid {
			c := int(exitCode.Int64)
			e.Record.ExitCode = &c
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
