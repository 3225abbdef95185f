package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/guardian/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	tool       TEXT NOT NULL DEFAULT '',
	target     TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	session    TEXT NOT NULL DEFAULT '',
	workspace  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_kind_time ON audit_entries(kind, created_at);
`

// SQLiteSink stores entries in a SQLite database for querying.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the audit database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit db directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// Hook processes are short-lived; one connection is plenty and keeps
	// SQLite to a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Write inserts e.
func (s *SQLiteSink) Write(ctx context.Context, e Entry) error {
	const q = `INSERT INTO audit_entries (id, created_at, kind, tool, target, reason, session, workspace)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		e.ID, e.Time.UnixNano(), string(e.Kind), e.Tool, e.Target, e.Reason, e.Session, e.Workspace)
	if err != nil {
		return errors.NewPersistenceError("audit_entries", err)
	}
	return nil
}

// Filter narrows a Query.
type Filter struct {
	Kinds []Kind
	Since time.Time
	Limit int
}

// Query returns matching entries, newest first.
func (s *SQLiteSink) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}

	q := `SELECT id, created_at, kind, tool, target, reason, session, workspace FROM audit_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			ns   int64
			kind string
		)
		if err := rows.Scan(&e.ID, &ns, &kind, &e.Tool, &e.Target, &e.Reason, &e.Session, &e.Workspace); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Time = time.Unix(0, ns).UTC()
		e.Kind = Kind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
