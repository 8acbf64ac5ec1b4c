// Package sqlite persists run events to SQLite through modernc.org/sqlite.
//
// Timestamps are stored as RFC3339Nano strings; SQLite has no native time
// type and the text form round-trips and reads well in the shell.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"scrapegraph/internal/scope"
	"scrapegraph/internal/sink"
)

func init() {
	sink.Register("sqlite", func(ctx context.Context, cfg sink.Config) (sink.Sink, error) {
		return Open(ctx, cfg.DSN)
	})
}

// Sink writes scopes, bindings and run summaries into three tables.
type Sink struct {
	db  *sql.DB
	now func() time.Time
}

var _ sink.Sink = (*Sink)(nil)

// Open connects to dsn and creates the tables if needed.
//
// Edge cases:
//   - An in-memory DSN is pinned to one connection, since every connection
//     to ":memory:" opens a separate database.
func Open(ctx context.Context, dsn string) (*Sink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sink sqlite: missing dsn")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Sink{db: db, now: time.Now}
	if err := s.EnsureTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureTables creates the sink tables. Idempotent.
func (s *Sink) EnsureTables(ctx context.Context) error {
	for _, stmt := range createSQL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sink sqlite: ensure tables: %w", err)
		}
	}
	return nil
}

func createSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + sqlIdent(sink.TableScopes) + ` (
	"scope" TEXT PRIMARY KEY,
	"parent" TEXT,
	"name" TEXT,
	"created_at" TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ` + sqlIdent(sink.TableBindings) + ` (
	"scope" TEXT NOT NULL,
	"name" TEXT NOT NULL,
	"value" TEXT NOT NULL,
	"updated_at" TEXT NOT NULL,
	PRIMARY KEY ("scope", "name")
)`,
		`CREATE TABLE IF NOT EXISTS ` + sqlIdent(sink.TableRuns) + ` (
	"scope" TEXT PRIMARY KEY,
	"succeeded" INTEGER NOT NULL,
	"stuck" INTEGER NOT NULL,
	"failed" INTEGER NOT NULL,
	"completed_at" TEXT NOT NULL
)`,
	}
}

func (s *Sink) stamp() string { return s.now().UTC().Format(time.RFC3339Nano) }

// OnBinding upserts (scope, name); a rebinding overwrites the value.
func (s *Sink) OnBinding(ctx context.Context, sc scope.ID, name, value string) error {
	q := `INSERT INTO ` + sqlIdent(sink.TableBindings) + ` ("scope", "name", "value", "updated_at") VALUES (?, ?, ?, ?)
ON CONFLICT ("scope", "name") DO UPDATE SET "value" = excluded."value", "updated_at" = excluded."updated_at"`
	if _, err := s.db.ExecContext(ctx, q, string(sc), name, value, s.stamp()); err != nil {
		return fmt.Errorf("sink sqlite: binding %s/%s: %w", sc, name, err)
	}
	return nil
}

// OnNewScope records the branch. Re-recording a scope is a no-op.
func (s *Sink) OnNewScope(ctx context.Context, parent, child scope.ID, name string) error {
	q := `INSERT OR IGNORE INTO ` + sqlIdent(sink.TableScopes) + ` ("scope", "parent", "name", "created_at") VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, string(child), nullable(string(parent)), name, s.stamp()); err != nil {
		return fmt.Errorf("sink sqlite: scope %s: %w", child, err)
	}
	return nil
}

// OnRunComplete upserts the summary; a resumed run replaces the earlier one.
func (s *Sink) OnRunComplete(ctx context.Context, sc scope.ID, sum sink.Summary) error {
	q := `INSERT INTO ` + sqlIdent(sink.TableRuns) + ` ("scope", "succeeded", "stuck", "failed", "completed_at") VALUES (?, ?, ?, ?, ?)
ON CONFLICT ("scope") DO UPDATE SET "succeeded" = excluded."succeeded", "stuck" = excluded."stuck", "failed" = excluded."failed", "completed_at" = excluded."completed_at"`
	if _, err := s.db.ExecContext(ctx, q, string(sc), sum.Succeeded, sum.Stuck, sum.Failed, s.stamp()); err != nil {
		return fmt.Errorf("sink sqlite: run %s: %w", sc, err)
	}
	return nil
}

func (s *Sink) Close() error { return s.db.Close() }

// Bindings returns the bindings stored for sc ordered by name.
func (s *Sink) Bindings(ctx context.Context, sc scope.ID) (map[string]string, error) {
	q := `SELECT "name", "value" FROM ` + sqlIdent(sink.TableBindings) + ` WHERE "scope" = ? ORDER BY "name"`
	rows, err := s.db.QueryContext(ctx, q, string(sc))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

// Children returns the scopes branched from parent ordered by creation.
func (s *Sink) Children(ctx context.Context, parent scope.ID) ([]scope.ID, error) {
	q := `SELECT "scope" FROM ` + sqlIdent(sink.TableScopes) + ` WHERE "parent" = ? ORDER BY "created_at", "scope"`
	rows, err := s.db.QueryContext(ctx, q, string(parent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scope.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, scope.ID(id))
	}
	return out, rows.Err()
}

// Run returns the stored summary for sc and when it completed.
// ok=false when no run was recorded.
func (s *Sink) Run(ctx context.Context, sc scope.ID) (sum sink.Summary, completed time.Time, ok bool, err error) {
	q := `SELECT "succeeded", "stuck", "failed", "completed_at" FROM ` + sqlIdent(sink.TableRuns) + ` WHERE "scope" = ?`
	var at string
	err = s.db.QueryRowContext(ctx, q, string(sc)).Scan(&sum.Succeeded, &sum.Stuck, &sum.Failed, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return sink.Summary{}, time.Time{}, false, nil
	}
	if err != nil {
		return sink.Summary{}, time.Time{}, false, err
	}
	completed, err = parseSQLiteTime(at)
	if err != nil {
		return sink.Summary{}, time.Time{}, false, err
	}
	return sum, completed, true, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// parseSQLiteTime accepts the layouts SQLite and this package write.
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
