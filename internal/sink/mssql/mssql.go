// Package mssql persists run events to SQL Server.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"scrapegraph/internal/scope"
	"scrapegraph/internal/sink"
)

func init() {
	sink.Register("mssql", func(ctx context.Context, cfg sink.Config) (sink.Sink, error) {
		return Open(ctx, cfg.DSN)
	})
}

// Sink writes scopes, bindings and run summaries with MERGE upserts.
type Sink struct {
	db  *sql.DB
	now func() time.Time
}

var _ sink.Sink = (*Sink)(nil)

// Open connects with the "sqlserver" driver, pings and creates the tables.
func Open(ctx context.Context, dsn string) (*Sink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sink mssql: missing dsn")
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := NewFromDB(db)
	if err := s.EnsureTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB wraps an open handle. The caller keeps ownership until Close.
func NewFromDB(db *sql.DB) *Sink {
	return &Sink{db: db, now: time.Now}
}

// EnsureTables creates missing tables. Idempotent.
func (s *Sink) EnsureTables(ctx context.Context) error {
	for _, stmt := range createSQL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sink mssql: ensure tables: %w", err)
		}
	}
	return nil
}

func createSQL() []string {
	return []string{
		ifMissing(sink.TableScopes, `(
	scope NVARCHAR(450) NOT NULL PRIMARY KEY,
	parent NVARCHAR(450) NULL,
	name NVARCHAR(400) NOT NULL,
	created_at DATETIME2 NOT NULL
)`),
		ifMissing(sink.TableBindings, `(
	scope NVARCHAR(450) NOT NULL,
	name NVARCHAR(400) NOT NULL,
	value NVARCHAR(MAX) NOT NULL,
	updated_at DATETIME2 NOT NULL,
	CONSTRAINT `+mssqlIdent("pk_"+sink.TableBindings)+` PRIMARY KEY (scope, name)
)`),
		ifMissing(sink.TableRuns, `(
	scope NVARCHAR(450) NOT NULL PRIMARY KEY,
	succeeded INT NOT NULL,
	stuck INT NOT NULL,
	failed INT NOT NULL,
	completed_at DATETIME2 NOT NULL
)`),
	}
}

func ifMissing(table, body string) string {
	lit := strings.ReplaceAll(table, "'", "''")
	return "IF OBJECT_ID(N'dbo." + lit + "', N'U') IS NULL CREATE TABLE " + mssqlTableIdent(table) + " " + body
}

var (
	mergeBinding = `MERGE ` + mssqlTableIdent(sink.TableBindings) + ` WITH (HOLDLOCK) AS t
USING (SELECT @p1 AS scope, @p2 AS name) AS s
ON t.scope = s.scope AND t.name = s.name
WHEN MATCHED THEN UPDATE SET value = @p3, updated_at = @p4
WHEN NOT MATCHED THEN INSERT (scope, name, value, updated_at) VALUES (@p1, @p2, @p3, @p4);`

	insertScope = `IF NOT EXISTS (SELECT 1 FROM ` + mssqlTableIdent(sink.TableScopes) + ` WHERE scope = @p1)
INSERT INTO ` + mssqlTableIdent(sink.TableScopes) + ` (scope, parent, name, created_at) VALUES (@p1, @p2, @p3, @p4);`

	mergeRun = `MERGE ` + mssqlTableIdent(sink.TableRuns) + ` WITH (HOLDLOCK) AS t
USING (SELECT @p1 AS scope) AS s
ON t.scope = s.scope
WHEN MATCHED THEN UPDATE SET succeeded = @p2, stuck = @p3, failed = @p4, completed_at = @p5
WHEN NOT MATCHED THEN INSERT (scope, succeeded, stuck, failed, completed_at) VALUES (@p1, @p2, @p3, @p4, @p5);`
)

func (s *Sink) OnBinding(ctx context.Context, sc scope.ID, name, value string) error {
	if _, err := s.db.ExecContext(ctx, mergeBinding, string(sc), name, value, s.now().UTC()); err != nil {
		return fmt.Errorf("sink mssql: binding %s/%s: %w", sc, name, err)
	}
	return nil
}

func (s *Sink) OnNewScope(ctx context.Context, parent, child scope.ID, name string) error {
	var p any
	if parent != "" {
		p = string(parent)
	}
	if _, err := s.db.ExecContext(ctx, insertScope, string(child), p, name, s.now().UTC()); err != nil {
		return fmt.Errorf("sink mssql: scope %s: %w", child, err)
	}
	return nil
}

func (s *Sink) OnRunComplete(ctx context.Context, sc scope.ID, sum sink.Summary) error {
	if _, err := s.db.ExecContext(ctx, mergeRun, string(sc), sum.Succeeded, sum.Stuck, sum.Failed, s.now().UTC()); err != nil {
		return fmt.Errorf("sink mssql: run %s: %w", sc, err)
	}
	return nil
}

func (s *Sink) Close() error { return s.db.Close() }

func mssqlIdent(name string) string { return "[" + strings.ReplaceAll(name, "]", "]]") + "]" }

func mssqlTableIdent(table string) string { return "[dbo]." + mssqlIdent(table) }
