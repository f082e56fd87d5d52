package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/devdock/internal/history"
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
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
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
		`CREATE TABLE IF NOT EXISTS project_history(
			occurred_at TIMESTAMP NOT NULL,
			project_id TEXT NOT NULL,
			status TEXT NOT NULL,
			pid INTEGER NOT NULL,
			script TEXT NOT NULL,
			exit_code INTEGER NULL,
			signal TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_project_history_project ON project_history(project_id, occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var signal any
	if e.Signal != "" {
		signal = e.Signal
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_history(occurred_at, project_id, status, pid, script, exit_code, signal)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), e.ProjectID, e.Status, e.PID, e.Script, e.ExitCode, signal)
	return err
}

// Recent returns up to limit events of projectID, newest first.
func (s *Sink) Recent(ctx context.Context, projectID string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, project_id, status, pid, script, exit_code, signal
		FROM project_history
		WHERE project_id=?
		ORDER BY occurred_at DESC
		LIMIT ?;`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]history.Event, error) {
	out := make([]history.Event, 0)
	for rows.Next() {
		var (
			e      history.Event
			code   sql.NullInt64
			signal sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &e.ProjectID, &e.Status, &e.PID, &e.Script, &code, &signal); err != nil {
			return nil, err
		}
		if code.Valid {
			c := int(code.Int64)
			e.ExitCode = &c
		}
		e.Signal = signal.String
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
