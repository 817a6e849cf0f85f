// Package catalog stores recordings made by the recorder so the replay
// server can load them by id.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/telemetry.relay/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a recording id is unknown.
var ErrNotFound = errors.New("recording not found")

// Recording is one catalogued recording. Files are in playback order.
type Recording struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartMs   int64     `json:"start_ms"`
	EndMs     int64     `json:"end_ms"`
	Records   int64     `json:"records"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// Catalog is a SQLite backed recording index.
type Catalog struct {
	db   *sql.DB
	path string
	logf func(format string, v ...interface{})
}

// Open opens (or creates) the catalog database at path and applies pending
// migrations.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	// One writer keeps SQLite out of SQLITE_BUSY without extra pragmas.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure catalog %s: %w", path, err)
	}

	c := &Catalog{db: db, path: path, logf: monitoring.Prefixed("[Catalog]")}
	if err := c.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// DB exposes the underlying handle for debug tooling.
func (c *Catalog) DB() *sql.DB {
	return c.db
}

func (c *Catalog) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(c.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logf: c.logf}
	return m, nil
}

// migrateUp applies all pending migrations. The migrate instance is not
// closed because that would close the shared connection.
func (c *Catalog) migrateUp() error {
	m, err := c.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (c *Catalog) SchemaVersion() (uint, bool, error) {
	m, err := c.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct {
	logf func(format string, v ...interface{})
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logf("migrate: "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Add stores rec. An empty ID is replaced by a new UUID and a zero
// CreatedAt by the current time. The stored recording is returned.
func (c *Catalog) Add(ctx context.Context, rec Recording) (Recording, error) {
	if len(rec.Files) == 0 {
		return Recording{}, errors.New("recording has no files")
	}
	if rec.EndMs < rec.StartMs {
		return Recording{}, fmt.Errorf("recording end %d precedes start %d", rec.EndMs, rec.StartMs)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.Truncate(time.Second)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Recording{}, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			c.logf("warning: failed to rollback transaction: %v", err)
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO recordings (recording_id, name, start_ms, end_ms, records, created_unix)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.StartMs, rec.EndMs, rec.Records, rec.CreatedAt.Unix())
	if err != nil {
		return Recording{}, fmt.Errorf("insert recording %s: %w", rec.ID, err)
	}
	for i, path := range rec.Files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recording_files (recording_id, seq, path) VALUES (?, ?, ?)`,
			rec.ID, i, path); err != nil {
			return Recording{}, fmt.Errorf("insert file %d of %s: %w", i, rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Recording{}, err
	}
	c.logf("added recording %s (%d files, %d..%d ms)", rec.ID, len(rec.Files), rec.StartMs, rec.EndMs)
	return rec, nil
}

// Get returns the recording with id, or ErrNotFound.
func (c *Catalog) Get(ctx context.Context, id string) (Recording, error) {
	var (
		rec     Recording
		created int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT recording_id, name, start_ms, end_ms, records, created_unix
		FROM recordings WHERE recording_id = ?`, id).
		Scan(&rec.ID, &rec.Name, &rec.StartMs, &rec.EndMs, &rec.Records, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Recording{}, err
	}
	rec.CreatedAt = time.Unix(created, 0)

	rec.Files, err = c.files(ctx, id)
	if err != nil {
		return Recording{}, err
	}
	return rec, nil
}

// Files returns the ordered file paths of recording id.
func (c *Catalog) Files(ctx context.Context, id string) ([]string, error) {
	rec, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Files, nil
}

func (c *Catalog) files(ctx context.Context, id string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT path FROM recording_files WHERE recording_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		files = append(files, p)
	}
	return files, rows.Err()
}

// List returns all recordings ordered by start time, newest first. Files
// are not populated.
func (c *Catalog) List(ctx context.Context) ([]Recording, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT recording_id, name, start_ms, end_ms, records, created_unix
		FROM recordings ORDER BY start_ms DESC, recording_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []Recording{}
	for rows.Next() {
		var (
			rec     Recording
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.StartMs, &rec.EndMs, &rec.Records, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(created, 0)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Delete removes a recording from the catalog. The log files are left on
// disk.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			c.logf("warning: failed to rollback transaction: %v", err)
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recording_files WHERE recording_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM recordings WHERE recording_id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tx.Commit()
}
