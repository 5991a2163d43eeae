package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/tunnelpanel/internal/history"
)

// Sink writes history events to a SQLite database and can list them back.
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
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A :memory: database lives per connection.
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS tunnel_history(
		occurred_at INTEGER NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL DEFAULT 0,
		forced INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	var errText sql.NullString
	if rec.Error != "" {
		errText = sql.NullString{String: rec.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tunnel_history(occurred_at, type, name, pid, attempt, exit_code, forced, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC().UnixMilli(), string(e.Type), rec.Name, rec.PID, rec.Attempt, rec.ExitCode, rec.Forced, errText)
	return err
}

// List returns up to limit events, newest first.
func (s *Sink) List(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, type, name, pid, attempt, exit_code, forced, error
		FROM tunnel_history ORDER BY occurred_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			ms      int64
			typ     string
			e       history.Event
			errText sql.NullString
		)
		if err := rows.Scan(&ms, &typ, &e.Record.Name, &e.Record.PID, &e.Record.Attempt, &e.Record.ExitCode, &e.Record.Forced, &errText); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.OccurredAt = time.UnixMilli(ms).UTC()
		e.Record.Error = errText.String
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
