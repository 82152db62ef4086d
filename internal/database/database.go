package database

import (
	"database/sql"
	"fmt"
	"os"

	"deskrelay/internal/constants"
	"deskrelay/internal/migrations"
	"deskrelay/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the durable store behind the inbox ledgers, the waiting queue
// and the visitor/staff directory. All access goes through one *sql.DB.
type Database struct {
	db        *sql.DB
	encryptor *encryptor

	// queueWaitDefaultMinutes backs the wait deadline for projects without an
	// assignment rule of their own.
	queueWaitDefaultMinutes int
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	// Validate database path to prevent directory traversal
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dbPath != ":memory:" {
		file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to create database file: %w", err)
		}
		if err := file.Close(); err != nil {
			return nil, fmt.Errorf("failed to close database file: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to read schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{
		db:                      db,
		encryptor:               encryptor,
		queueWaitDefaultMinutes: constants.DefaultQueueWaitTimeoutMinutes,
	}, nil
}

// SetQueueWaitDefault overrides the fallback wait timeout applied to projects
// without an assignment rule. Non-positive values keep the built-in default.
func (d *Database) SetQueueWaitDefault(minutes int) {
	if minutes > 0 {
		d.queueWaitDefaultMinutes = minutes
	}
}

func (d *Database) Close() error {
	return d.db.Close()
}

// DB exposes the underlying handle for migration tooling.
func (d *Database) DB() *sql.DB {
	return d.db
}
