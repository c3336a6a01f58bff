package store

import (
	"database/sql"
	"fmt"
	"io"
	"sync"

	"github.com/golang-migrate/migrate/v4/database"
)

// sqliteDriver adapts *sql.DB (backed by ncruces/go-sqlite3) to
// golang-migrate's database.Driver interface. No official golang-migrate
// driver targets ncruces/go-sqlite3, so this is hand-written glue: it
// still exercises migrate's real version-tracking and locking machinery,
// it just speaks to the DB through database/sql like any other driver.
type sqliteDriver struct {
	db       *sql.DB
	mu       sync.Mutex
	lockHeld bool
}

const migrateVersionTable = "schema_migrations"

// newSqliteMigrateDriver wraps db for use with migrate.NewWithDatabaseInstance.
func newSqliteMigrateDriver(db *sql.DB) (database.Driver, error) {
	d := &sqliteDriver{db: db}
	if err := d.ensureVersionTable(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *sqliteDriver) ensureVersionTable() error {
	_, err := d.db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)`,
		migrateVersionTable))
	return err
}

// Open is required by the database.Driver interface but is not used; this
// adapter is always constructed via newSqliteMigrateDriver / WithInstance.
func (d *sqliteDriver) Open(url string) (database.Driver, error) {
	return nil, fmt.Errorf("sqliteDriver: Open(%q) unsupported, use WithInstance", url)
}

func (d *sqliteDriver) Close() error {
	return nil // the *sql.DB is owned by the caller, not this adapter
}

func (d *sqliteDriver) Lock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lockHeld {
		return fmt.Errorf("sqliteDriver: migration lock already held")
	}
	d.lockHeld = true
	return nil
}

func (d *sqliteDriver) Unlock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lockHeld = false
	return nil
}

func (d *sqliteDriver) Run(migration io.Reader) error {
	body, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	if _, err := d.db.Exec(string(body)); err != nil {
		return fmt.Errorf("sqliteDriver: executing migration: %w", err)
	}
	return nil
}

func (d *sqliteDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, migrateVersionTable)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if version >= 0 {
		if _, err := tx.Exec(fmt.Sprintf(
			`INSERT INTO %s (version, dirty) VALUES (?, ?)`, migrateVersionTable),
			version, dirty); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (d *sqliteDriver) Version() (int, bool, error) {
	var version int
	var dirty bool
	row := d.db.QueryRow(fmt.Sprintf(`SELECT version, dirty FROM %s LIMIT 1`, migrateVersionTable))
	switch err := row.Scan(&version, &dirty); err {
	case sql.ErrNoRows:
		return database.NilVersion, false, nil
	case nil:
		return version, dirty, nil
	default:
		return 0, false, err
	}
}

func (d *sqliteDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	_ = rows.Close()

	for _, table := range tables {
		if _, err := d.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, table)); err != nil {
			return err
		}
	}
	return d.ensureVersionTable()
}
