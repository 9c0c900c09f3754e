package repo

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Open connects to the database named by url and applies the schema.
// postgres:// and postgresql:// URLs use pgx; sqlite://path, file: and
// :memory: use the pure-Go SQLite driver.
func Open(ctx context.Context, url string) (*SQLStore, error) {
	driver, dsn, err := parseURL(url)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite prefers a single writer; this also keeps :memory: on one connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
		if dsn != ":memory:" {
			_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := NewSQLStore(db)
	if err := s.migrate(ctx, driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return s, nil
}

func parseURL(url string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DriverPostgres, url, nil
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("sqlite url %q has no path", url)
		}
		return DriverSQLite, path, nil
	case strings.HasPrefix(url, "file:"), url == ":memory:":
		return DriverSQLite, url, nil
	}
	return "", "", fmt.Errorf("unsupported database url %q", url)
}

func (s *SQLStore) migrate(ctx context.Context, driver string) error {
	name := "schema/postgres.sql"
	if driver == DriverSQLite {
		name = "schema/sqlite.sql"
	}
	b, err := schemaFS.ReadFile(name)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}
