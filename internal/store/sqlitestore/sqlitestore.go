// Package sqlitestore implements store.Store on sqlite (modernc, CGO-free).
// Schema lives in embedded golang-migrate migrations applied on open.
// Writes for a world are serialized by sqlite's single-writer model plus
// the connection cap below; reads run concurrently.
package sqlitestore

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/agentworld/agentworld/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func dsnFor(path string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
}

// Store is the sqlite-backed store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnFor(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite handles one writer; a single pooled connection keeps
	// write serialization in one place and avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	m, err := migratorFor(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func migratorFor(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// NewMigrator opens the database at path and returns a migrator over
// the embedded schema. The caller owns Close on the returned migrator.
func NewMigrator(path string) (*migrate.Migrate, error) {
	db, err := sql.Open("sqlite", dsnFor(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	m, err := migratorFor(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (s *Store) Worlds() store.WorldStore  { return &worldStore{db: s.db} }
func (s *Store) Agents() store.AgentStore  { return &agentStore{db: s.db} }
func (s *Store) Chats() store.ChatStore    { return &chatStore{db: s.db} }
func (s *Store) Memory() store.MemoryStore { return &memoryStore{db: s.db} }
func (s *Store) Events() store.EventStore  { return &eventStore{db: s.db} }

func (s *Store) Close() error { return s.db.Close() }
