// Package migrations embeds chatline's SQL schema and applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var files embed.FS

const dir = "sql"

var schemaRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// Up creates schema when missing and applies every pending migration inside it.
// Tables are created unqualified; the migration connection pins search_path to schema.
func Up(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	schema = strings.TrimSpace(schema)
	if pool == nil {
		return errors.New("migrations: nil pool")
	}
	if !schemaRE.MatchString(schema) {
		return fmt.Errorf("migrations: invalid schema identifier %q", schema)
	}

	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("migrations: create schema: %w", err)
	}

	db := openDB(pool, schema)
	defer func() { _ = db.Close() }()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(files)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// Version reports the applied migration version in schema.
func Version(ctx context.Context, pool *pgxpool.Pool, schema string) (int64, error) {
	schema = strings.TrimSpace(schema)
	if !schemaRE.MatchString(schema) {
		return 0, fmt.Errorf("migrations: invalid schema identifier %q", schema)
	}
	db := openDB(pool, schema)
	defer func() { _ = db.Close() }()

	gooseMu.Lock()
	defer gooseMu.Unlock()
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db)
}

func openDB(pool *pgxpool.Pool, schema string) *sql.DB {
	cc := pool.Config().ConnConfig.Copy()
	if cc.RuntimeParams == nil {
		cc.RuntimeParams = map[string]string{}
	}
	cc.RuntimeParams["search_path"] = schema
	return stdlib.OpenDB(*cc)
}
