// Command migrate applies the SQL files under migrations/ in filename
// order, each inside its own transaction, exactly once. Applied
// filenames are recorded in mailroom_schema_migrations so reruns skip
// them, and a failure stops the run: later migrations assume the
// earlier ones landed.
//
// Usage:
//
//	migrate [dir]        apply pending migrations from dir (default migrations)
//	migrate --list [dir] show applied and pending migrations without applying
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

const ledgerDDL = `
	CREATE TABLE IF NOT EXISTS mailroom_schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	if _, err := db.Exec(ledgerDDL); err != nil {
		log.Fatalf("ensure migration ledger: %v", err)
	}
	applied, err := appliedSet(db)
	if err != nil {
		log.Fatalf("read migration ledger: %v", err)
	}

	files, err := migrationFiles(dir)
	if err != nil {
		log.Fatalf("read migrations dir %s: %v", dir, err)
	}

	if listOnly {
		for _, f := range files {
			mark := "pending"
			if applied[f] {
				mark = "applied"
			}
			fmt.Printf("  %-10s %s\n", mark, f)
		}
		return
	}

	var ran, skipped int
	for _, f := range files {
		if applied[f] {
			skipped++
			continue
		}
		if err := apply(db, filepath.Join(dir, f), f); err != nil {
			log.Fatalf("%s: %v", f, err)
		}
		fmt.Printf("  %s ... OK\n", f)
		ran++
	}
	log.Printf("migrations done: %d applied, %d already present", ran, skipped)
}

func appliedSet(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT filename FROM mailroom_schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		applied[f] = true
	}
	return applied, rows.Err()
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// apply runs one migration and records it in the ledger within the same
// transaction, so a crash between the two cannot strand a half-recorded
// migration.
func apply(db *sql.DB, path, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(data)); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO mailroom_schema_migrations (filename) VALUES ($1)", name); err != nil {
		return err
	}
	return tx.Commit()
}
