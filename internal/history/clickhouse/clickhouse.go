// Package clickhouse appends lifecycle events to a MergeTree table over the
// native protocol.
package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/bootvisor/internal/history"
)

// Options selects the server and table. Empty fields take the ClickHouse
// defaults: database "default", user "default" without password.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Table == "" {
		opts.Table = "child_history"
	}
	if !tableName.MatchString(opts.Table) {
		return nil, fmt.Errorf("clickhouse: invalid table name %q", opts.Table)
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open %s: %w", opts.Addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping %s: %w", opts.Addr, err)
	}
	s := &Sink{conn: conn, table: opts.Table}
	if err := conn.Exec(ctx, s.ddl()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse create %s: %w", opts.Table, err)
	}
	return s, nil
}

func (s *Sink) ddl() string {
	return `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		occurred_at DateTime64(6, 'UTC'),
		type        LowCardinality(String),
		pid         UInt32,
		executable  String,
		port        String,
		profile     LowCardinality(String),
		started_at  Nullable(DateTime64(6, 'UTC')),
		stopped_at  Nullable(DateTime64(6, 'UTC')),
		exit_code   Nullable(Int32),
		reason      LowCardinality(String),
		forced      Bool,
		error       String
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(occurred_at)
	ORDER BY (executable, occurred_at)`
}

const columns = `occurred_at, type, pid, executable, port, profile, started_at, stopped_at, exit_code, reason, forced, error`

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	var exit *int32
	if r.ExitCode != nil {
		c := int32(*r.ExitCode) // #nosec G115 -- exit codes fit in int32
		exit = &c
	}
	err := s.conn.Exec(ctx,
		`INSERT INTO `+s.table+` (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OccurredAt.UTC(), string(e.Type), uint32(r.PID), // #nosec G115 -- pids are non-negative
		r.Executable, r.Port, r.Profile,
		timePtr(r.StartedAt), timePtr(r.StoppedAt), exit,
		r.Reason, r.Forced, r.Error)
	if err != nil {
		return fmt.Errorf("clickhouse insert: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(ctx,
		`SELECT `+columns+` FROM `+s.table+` ORDER BY occurred_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e                    history.Event
			typ                  string
			pid                  uint32
			startedAt, stoppedAt *time.Time
			exit                 *int32
		)
		r := &e.Record
		if err := rows.Scan(&e.OccurredAt, &typ, &pid, &r.Executable, &r.Port, &r.Profile,
			&startedAt, &stoppedAt, &exit, &r.Reason, &r.Forced, &r.Error); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		r.PID = int(pid)
		if startedAt != nil {
			r.StartedAt = *startedAt
		}
		if stoppedAt != nil {
			r.StoppedAt = *stoppedAt
		}
		if exit != nil {
			c := int(*exit)
			r.ExitCode = &c
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
