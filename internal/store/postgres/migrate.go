package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/httpfs"

	"shopfloor/backend/migrations"
)

// LatestMigrationVersion must be bumped with every new migration file.
const LatestMigrationVersion uint = 1

var ErrMigrationDowngrade = errors.New("database downgrade detected")

// MigrationTarget moves m to the wanted version.
type MigrationTarget func(m *migrate.Migrate) error

var (
	TargetLatest MigrationTarget = func(m *migrate.Migrate) error { return m.Up() }
	TargetDown   MigrationTarget = func(m *migrate.Migrate) error { return m.Down() }
)

func TargetVersion(version uint) MigrationTarget {
	return func(m *migrate.Migrate) error { return m.Migrate(version) }
}

type migrationLogger struct {
	log *slog.Logger
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.log.Info(fmt.Sprintf(strings.TrimRight(format, "\n"), v...))
}

func (l migrationLogger) Verbose() bool {
	return false
}

// Migrate applies the embedded migrations to databaseURL. It opens its own
// connection because the migrate driver closes the pool it is given.
func Migrate(databaseURL string, target MigrationTarget, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	m, err := newMigrate(databaseURL, log)
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d, manual intervention required", version)
	}
	if version > LatestMigrationVersion {
		return fmt.Errorf("%w: db_version=%d latest_migration_version=%d", ErrMigrationDowngrade, version, LatestMigrationVersion)
	}

	log.Info("applying migrations", "from_version", version)
	if err := target(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, _, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	log.Info("migrations applied", "version", version)
	return nil
}

// MigrationVersion reports the applied version; ok is false on an empty database.
func MigrationVersion(databaseURL string, log *slog.Logger) (version uint, dirty bool, ok bool, err error) {
	m, err := newMigrate(databaseURL, log)
	if err != nil {
		return 0, false, false, err
	}
	defer m.Close()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, err
	}
	return version, dirty, true, nil
}

func newMigrate(databaseURL string, log *slog.Logger) (*migrate.Migrate, error) {
	sqlDB, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	driver, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	source, err := httpfs.New(http.FS(migrations.FS), ".")
	if err != nil {
		_ = driver.Close()
		return nil, err
	}

	m, err := migrate.NewWithInstance("httpfs", source, "pgx5", driver)
	if err != nil {
		_ = source.Close()
		_ = driver.Close()
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	m.Log = migrationLogger{log: log}
	return m, nil
}
