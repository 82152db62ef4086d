package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"deskrelay/internal/migrations"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := flag.String("db", "./deskrelay.db", "Path to the database file")
	dir := flag.String("dir", "", "Migrations directory (defaults to scripts/migrations)")
	flag.Parse()

	if *dir != "" {
		migrations.MigrationsDir = *dir
	}

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("Database file not found: %s", *dbPath)
	}

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := migrations.RunMigrations(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	fmt.Println("Database schema up to date. You can now restart deskrelay.")
}
