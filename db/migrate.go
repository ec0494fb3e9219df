package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// getMigrationsPath returns the path to the migrations directory, probing locations for
// different execution contexts (module root, db/, containers).
func getMigrationsPath() (string, error) {
	possiblePaths := []string{
		"db/migrations",
		"migrations",
		"./db/migrations",
		"./migrations",
	}

	for _, path := range possiblePaths {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(path)
			if err != nil {
				return "", fmt.Errorf("failed to get absolute path for %s: %w", path, err)
			}
			return "file://" + absPath, nil
		}
	}

	return "", fmt.Errorf("migrations directory not found in any of the expected locations: %v", possiblePaths)
}

// RunMigrations runs versioned database migrations using golang-migrate. Migration files
// live in db/migrations/ and follow the 000001_description.{up,down}.sql convention.
// Idempotent and safe to run multiple times.
func RunMigrations(db *sql.DB) error {
	migrationsPath, err := getMigrationsPath()
	if err != nil {
		return err
	}
	return RunMigrationsFromPath(db, migrationsPath)
}

// RunMigrationsFromPath runs migrations from a custom path (useful for tests).
func RunMigrationsFromPath(db *sql.DB, migrationsPath string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("error", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}

	slog.Info("migrations applied successfully",
		slog.Uint64("version", uint64(version)),
		slog.String("component", "db_migrate"))
	return nil
}
