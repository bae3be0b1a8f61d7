package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/agenr-ai/agenr/pkg/log"

	// This enables the sqlite driver
	_ "modernc.org/sqlite"
)

// DAO is the single data-access surface of the gateway. One sqlite file, one
// connection, embedded migrations.
type DAO interface {
	AdapterDAO
	CredentialDAO
	AuditDAO
	BusinessDAO
	TransactionDAO
	GenerationJobDAO
	IdempotencyDAO
	AuthDAO
	ProfileDAO

	// Checkpoint truncates the WAL. Call before taking file-level backups.
	Checkpoint(ctx context.Context) error

	// Normally unnecessary to call this
	Close() error
}

type dao struct {
	db *sqlx.DB
}

//go:embed migrations/*.sql
var migrations embed.FS

type options struct {
	dbFile         string
	migrationsFS   fs.FS
	migrationsPath string
}

type Option func(o *options) error

func WithDatabaseFile(dbFile string) Option {
	return func(o *options) error {
		o.dbFile = dbFile
		return nil
	}
}

func WithMigrations(filesystem fs.FS, path string) Option {
	return func(o *options) error {
		o.migrationsFS = filesystem
		o.migrationsPath = path
		return nil
	}
}

func New(opts ...Option) (DAO, error) {
	var o options
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	if o.dbFile == "" {
		dbFile, err := DefaultDatabaseFilename()
		if err != nil {
			return nil, fmt.Errorf("failed to get default database filename: %w", err)
		}
		o.dbFile = dbFile
	}

	ensureDirectoryExists(o.dbFile)

	db, err := sql.Open("sqlite", "file:"+o.dbFile+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	migrationsFS := o.migrationsFS
	if migrationsFS == nil {
		migrationsFS = &migrations
	}

	migrationsPath := o.migrationsPath
	if migrationsPath == "" {
		migrationsPath = "migrations"
	}

	err = runMigrations(o.dbFile, db, migrationsFS, migrationsPath)
	if err != nil {
		return nil, err
	}

	// modernc's driver name is "sqlite"; make sure sqlx rewrites named
	// parameters for it the same way it does for mattn's "sqlite3".
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
	sqlxDb := sqlx.NewDb(db, "sqlite")

	return &dao{db: sqlxDb}, nil
}

func (d *dao) Close() error {
	return d.db.Close()
}

func (d *dao) Checkpoint(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func DefaultDatabaseFilename() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".agenr", "gateway.db"), nil
}

func ensureDirectoryExists(path string) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		_ = os.MkdirAll(dir, 0o755)
	}
}

// NowMillis is the canonical timestamp representation in the database:
// unix milliseconds UTC. Integer timestamps keep keyset pagination and the
// audit-chain ordering trivially correct.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func runMigrations(dbFile string, db *sql.DB, migrationsFS fs.FS, migrationsPath string) error {
	files, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return err
	}
	defer files.Close()

	target, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", files, "sqlite", target)
	if err != nil {
		return err
	}

	// Two gateway processes pointed at the same file must not migrate
	// concurrently; the loser of the flock waits instead of racing.
	release, err := lockMigrations(dbFile)
	if err != nil {
		return err
	}
	defer release()

	if err := checkSchemaVersion(m, files, dbFile); err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// lockMigrations takes a sibling flock next to the database file. The lock
// file itself is left behind on purpose; only the descriptor is released.
func lockMigrations(dbFile string) (release func(), err error) {
	l := flock.New(filepath.Join(filepath.Dir(dbFile), ".agenr-migration.lock"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := l.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquiring migration lock: %w", err)
	}
	if !ok {
		return nil, errors.New("timed out waiting for migration lock")
	}

	return func() {
		if err := l.Unlock(); err != nil {
			log.Logf("releasing migration lock: %v", err)
		}
	}, nil
}

// checkSchemaVersion refuses to touch a database this binary cannot safely
// migrate: one left dirty by an interrupted run, or one already migrated
// past the migrations compiled in here (an older binary against a newer
// file).
func checkSchemaVersion(m *migrate.Migrate, files source.Driver, dbFile string) error {
	current, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		// Brand-new database; nothing to check.
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	if dirty {
		return fmt.Errorf("schema is dirty at version %d, manual intervention required", current)
	}

	// If the embedded set has no file for the current version, the file was
	// migrated by a newer build.
	if _, _, err := files.ReadUp(current); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("database %s is at schema version %d, newer than this binary supports; upgrade the gateway", dbFile, current)
		}
		return fmt.Errorf("reading migration for version %d: %w", current, err)
	}
	return nil
}
