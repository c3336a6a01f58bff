package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.opentelemetry.io/otel"

	"github.com/kilnhq/kiln/internal/kerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// tracer spans the store's multi-statement transactions, so a slow or
// contended commit shows up in whatever span exporter the caller has
// configured rather than only as elapsed wall-clock time in logs.
var tracer = otel.Tracer("kiln/store")

// busyWaitDefault is the bounded busy-wait for write contention.
const busyWaitDefault = 5 * time.Second

// Store is the coordinator's embedded transactional state store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// migrates it to the latest schema version. The containing directory is
// created with 0700 permissions if missing.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, kerr.Fatal("creating state directory", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
		path, busyWaitDefault.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, kerr.Fatal("opening database", err)
	}
	db.SetMaxOpenConns(1) // serialize writers; SQLite has one writer regardless

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, kerr.Fatal("migrating schema", err)
	}

	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory database, for tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := newSqliteMigrateDriver(db)
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for components (e.g. activity log
// append from within another package's transaction) that need it.
func (s *Store) DB() *sql.DB {
	return s.db
}
