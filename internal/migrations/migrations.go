package migrations

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// MigrationsDir can be overridden in tests or by the application
	MigrationsDir = getDefaultMigrationsDir()
)

// getDefaultMigrationsDir resolves the migrations directory, honoring the
// DESKRELAY_MIGRATIONS_DIR environment variable for container deployments.
func getDefaultMigrationsDir() string {
	if dir := os.Getenv("DESKRELAY_MIGRATIONS_DIR"); dir != "" {
		return dir
	}
	return "scripts/migrations"
}

// GetInitialSchema returns the initial database schema
func GetInitialSchema() (string, error) {
	// Try to find schema file in different locations
	searchPaths := []string{
		filepath.Join(MigrationsDir, "001_initial_schema.sql"),
		filepath.Join("..", "..", MigrationsDir, "001_initial_schema.sql"),
		filepath.Join("..", MigrationsDir, "001_initial_schema.sql"),
	}

	var schemaContent []byte
	var err error

	for _, path := range searchPaths {
		schemaContent, err = os.ReadFile(path) // #nosec G304 - Paths are built from the configured migrations dir
		if err == nil {
			return string(schemaContent), nil
		}
	}

	return "", fmt.Errorf("could not find schema file in any location")
}

// RunMigrations applies all pending migration files in order
func RunMigrations(db *sql.DB) error {
	if err := createMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	files, err := findMigrationFiles()
	if err != nil {
		return err
	}

	for _, file := range files {
		if err := applyMigration(db, file); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", filepath.Base(file), err)
		}
	}

	return nil
}

// createMigrationsTable ensures the bookkeeping table exists
func createMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

// findMigrationFiles returns the .sql migration files sorted by name
func findMigrationFiles() ([]string, error) {
	// The container image mounts migrations at /app/scripts/migrations
	searchPaths := []string{
		MigrationsDir,
		"/app/scripts/migrations",
	}

	var dir string
	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			dir = path
			break
		}
	}

	if dir == "" {
		return nil, fmt.Errorf("migrations directory not found")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}

	sort.Strings(files)
	return files, nil
}

// applyMigration runs a single migration file unless it was already applied
func applyMigration(db *sql.DB, path string) error {
	name := filepath.Base(path)

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE name = ?", name).Scan(&count); err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if count > 0 {
		return nil
	}

	content, err := os.ReadFile(path) // #nosec G304 - Paths come from the validated migrations dir listing
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	if _, err := db.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := db.Exec("INSERT INTO schema_migrations (name) VALUES (?)", name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return nil
}
