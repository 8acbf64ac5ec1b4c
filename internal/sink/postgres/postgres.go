// Package postgres persists run events to PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"scrapegraph/internal/scope"
	"scrapegraph/internal/sink"
)

func init() {
	sink.Register("postgres", func(ctx context.Context, cfg sink.Config) (sink.Sink, error) {
		return Open(ctx, cfg.DSN)
	})
}

// execer is the subset of *pgxpool.Pool the sink uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Sink writes scopes, bindings and run summaries into three tables.
type Sink struct {
	db    execer
	close func()
	now   func() time.Time
}

var _ sink.Sink = (*Sink)(nil)

// Open creates a pool for dsn, verifies connectivity and creates the tables
// if needed.
func Open(ctx context.Context, dsn string) (*Sink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sink postgres: missing dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := newSink(pool, pool.Close)
	if err := s.EnsureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newSink(db execer, closeFn func()) *Sink {
	return &Sink{db: db, close: closeFn, now: time.Now}
}

// EnsureTables creates the sink tables. Idempotent.
func (s *Sink) EnsureTables(ctx context.Context) error {
	for _, stmt := range createSQL() {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("sink postgres: ensure tables: %w", err)
		}
	}
	return nil
}

func createSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + pgIdent(sink.TableScopes) + ` (
	scope TEXT PRIMARY KEY,
	parent TEXT,
	name TEXT,
	created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ` + pgIdent(sink.TableBindings) + ` (
	scope TEXT NOT NULL,
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scope, name)
)`,
		`CREATE TABLE IF NOT EXISTS ` + pgIdent(sink.TableRuns) + ` (
	scope TEXT PRIMARY KEY,
	succeeded INTEGER NOT NULL,
	stuck INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL
)`,
	}
}

// buildUpsertSQL returns an INSERT of one row that updates every non-key
// column on conflict with keyColumns, or does nothing when all columns are
// keys.
func buildUpsertSQL(table string, columns, keyColumns []string) string {
	isKey := make(map[string]bool, len(keyColumns))
	for _, c := range keyColumns {
		isKey[c] = true
	}
	var sets []string
	for _, c := range columns {
		if !isKey[c] {
			sets = append(sets, pgIdent(c)+" = EXCLUDED."+pgIdent(c))
		}
	}
	if len(sets) == 0 {
		return buildInsertIgnoreSQL(table, columns, keyColumns)
	}
	return insertOnConflict(table, columns, keyColumns) + " DO UPDATE SET " + strings.Join(sets, ", ")
}

// buildInsertIgnoreSQL returns an INSERT of one row that keeps the existing
// row on conflict with keyColumns. keyColumns must name a unique constraint.
func buildInsertIgnoreSQL(table string, columns, keyColumns []string) string {
	return insertOnConflict(table, columns, keyColumns) + " DO NOTHING"
}

func insertOnConflict(table string, columns, keyColumns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(") ON CONFLICT (")
	for i, c := range keyColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(")")
	return b.String()
}

// Conflict targets match each table's primary key.
var (
	upsertBinding = buildUpsertSQL(sink.TableBindings, []string{"scope", "name", "value", "updated_at"}, []string{"scope", "name"})
	insertScope   = buildInsertIgnoreSQL(sink.TableScopes, []string{"scope", "parent", "name", "created_at"}, []string{"scope"})
	upsertRun     = buildUpsertSQL(sink.TableRuns, []string{"scope", "succeeded", "stuck", "failed", "completed_at"}, []string{"scope"})
)

func (s *Sink) OnBinding(ctx context.Context, sc scope.ID, name, value string) error {
	if _, err := s.db.Exec(ctx, upsertBinding, string(sc), name, value, s.now().UTC()); err != nil {
		return fmt.Errorf("sink postgres: binding %s/%s: %w", sc, name, err)
	}
	return nil
}

func (s *Sink) OnNewScope(ctx context.Context, parent, child scope.ID, name string) error {
	var p any
	if parent != "" {
		p = string(parent)
	}
	if _, err := s.db.Exec(ctx, insertScope, string(child), p, name, s.now().UTC()); err != nil {
		return fmt.Errorf("sink postgres: scope %s: %w", child, err)
	}
	return nil
}

func (s *Sink) OnRunComplete(ctx context.Context, sc scope.ID, sum sink.Summary) error {
	if _, err := s.db.Exec(ctx, upsertRun, string(sc), sum.Succeeded, sum.Stuck, sum.Failed, s.now().UTC()); err != nil {
		return fmt.Errorf("sink postgres: run %s: %w", sc, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
