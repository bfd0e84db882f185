package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/state/migrations"
)

// SQL drivers understood by SQLStore.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// SQLStore implements Blobs and Locks on SQLite or PostgreSQL. Version
// checks and lock ownership are enforced by the statements themselves, so
// several processes may share one database.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *events.Logger
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// OpenSQLStore opens the database and applies pending migrations.
func OpenSQLStore(ctx context.Context, driver, dsn string, logger *events.Logger) (*SQLStore, error) {
	if driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_journal=WAL&_timeout=5000"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	store, err := NewSQLStore(db, driver, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// NewSQLStore wraps an open database. The schema must already exist; call
// Migrate otherwise.
func NewSQLStore(db *sql.DB, driver string, logger *events.Logger) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}

	return &SQLStore{
		db:     db,
		driver: driver,
		logger: logger.WithFields(map[string]any{
			"component": "sql_store",
			"driver":    driver,
		}),
	}, nil
}

// Migrate applies the embedded migrations for the store's dialect.
func (s *SQLStore) Migrate(ctx context.Context) error {
	dir := "sqlite3"
	if s.driver == DriverPostgres {
		dir = "postgres"
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(s.driver); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := gooseUpContext(ctx, s.db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	s.logger.Debug("Schema is up to date")
	return nil
}

// Get reads a blob.
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	var data []byte
	var version string

	err := s.db.QueryRowContext(ctx, s.rebind(`
        SELECT data, version
        FROM blobs
        WHERE blob_key = ?
    `), key).Scan(&data, &version)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", models.ErrNotFound
	}
	if err != nil {
		return nil, "", unavailable("query blob "+key, err)
	}

	return data, version, nil
}

// Put writes a blob if ifVersion is current.
func (s *SQLStore) Put(ctx context.Context, key string, data []byte, ifVersion string) (string, error) {
	version := uuid.NewString()
	now := time.Now().UTC()

	var res sql.Result
	var err error
	if ifVersion == "" {
		res, err = s.db.ExecContext(ctx, s.rebind(`
            INSERT INTO blobs (blob_key, data, version, updated_at)
            VALUES (?, ?, ?, ?)
            ON CONFLICT (blob_key) DO NOTHING
        `), key, data, version, now)
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(`
            UPDATE blobs
            SET data = ?, version = ?, updated_at = ?
            WHERE blob_key = ? AND version = ?
        `), data, version, now, key, ifVersion)
	}
	if err != nil {
		return "", unavailable("write blob "+key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", unavailable("write blob "+key, err)
	}
	if n == 0 {
		s.logger.WithFields(map[string]any{
			"key":        key,
			"if_version": ifVersion,
		}).Debug("Rejected stale write")
		return "", models.ErrVersionConflict
	}

	return version, nil
}

// Status reads one lock.
func (s *SQLStore) Status(ctx context.Context, key models.ResourceKey) (models.LockStatus, error) {
	var email string
	var lockedAt time.Time

	err := s.db.QueryRowContext(ctx, s.rebind(`
        SELECT email, locked_at
        FROM locks
        WHERE resource = ?
    `), key.String()).Scan(&email, &lockedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return models.Unlocked(), nil
	}
	if err != nil {
		return models.LockStatus{}, unavailable("query lock "+key.String(), err)
	}

	return models.LockedBy(email, lockedAt), nil
}

// List reads every lock of a collection.
func (s *SQLStore) List(ctx context.Context, collection string) (map[string]models.LockStatus, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
        SELECT item, email, locked_at
        FROM locks
        WHERE collection = ?
    `), collection)
	if err != nil {
		return nil, unavailable("query locks of "+collection, err)
	}
	defer rows.Close()

	held := make(map[string]models.LockStatus)
	for rows.Next() {
		var item, email string
		var lockedAt time.Time
		if err := rows.Scan(&item, &email, &lockedAt); err != nil {
			return nil, fmt.Errorf("scan lock row: %w", err)
		}
		held[item] = models.LockedBy(email, lockedAt)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate locks of "+collection, err)
	}
	return held, nil
}

// Acquire takes a lock with a single conditional upsert.
func (s *SQLStore) Acquire(ctx context.Context, key models.ResourceKey, editor string, at time.Time, force bool) (models.LockStatus, error) {
	previous, err := s.Status(ctx, key)
	if err != nil {
		return models.LockStatus{}, err
	}

	// The holder keeps its original timestamp in both branches.
	query := `
        INSERT INTO locks (resource, collection, item, email, locked_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (resource) DO UPDATE
        SET email = excluded.email
        WHERE locks.email = excluded.email
    `
	if force {
		query = `
        INSERT INTO locks (resource, collection, item, email, locked_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (resource) DO UPDATE
        SET email = excluded.email, locked_at = excluded.locked_at
        WHERE locks.email <> excluded.email
    `
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query),
		key.String(), key.Collection, key.Item, editor, at.UTC())
	if err != nil {
		return models.LockStatus{}, unavailable("acquire lock "+key.String(), err)
	}
	if force {
		return previous, nil
	}

	n, err := res.RowsAffected()
	if err != nil {
		return models.LockStatus{}, unavailable("acquire lock "+key.String(), err)
	}
	if n == 0 {
		current, err := s.Status(ctx, key)
		if err != nil {
			return models.LockStatus{}, err
		}
		return previous, &models.LockedError{Resource: key, Status: current}
	}

	return previous, nil
}

// Release drops a lock held by editor.
func (s *SQLStore) Release(ctx context.Context, key models.ResourceKey, editor string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
        DELETE FROM locks
        WHERE resource = ? AND email = ?
    `), key.String(), editor)
	if err != nil {
		return unavailable("release lock "+key.String(), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("release lock "+key.String(), err)
	}
	if n == 0 {
		return models.ErrNotHolder
	}
	return nil
}

// Clear drops a lock unconditionally.
func (s *SQLStore) Clear(ctx context.Context, key models.ResourceKey) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`
        DELETE FROM locks
        WHERE resource = ?
    `), key.String()); err != nil {
		return unavailable("clear lock "+key.String(), err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}
