package storage

import (
	"testing"

	"unichat/internal/config"
)

func TestOpenAndMigrateSQLite(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate should be idempotent: %v", err)
	}
	for _, table := range []string{"users", "conversations", "messages", "user_tokens", "uploads"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"postgres": {DSN: "x"}}}
	if _, err := Open("postgres", cfg); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if _, err := Open("mysql", cfg); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestMySQLParams(t *testing.T) {
	cases := map[string]string{
		"":                          "parseTime=true",
		"charset=utf8mb4":           "charset=utf8mb4&parseTime=true",
		"parseTime=false&loc=Local": "parseTime=false&loc=Local",
	}
	for in, want := range cases {
		if got := mysqlParams(in); got != want {
			t.Fatalf("mysqlParams(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMigrateStoresTokenDigests(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite": {DSN: ":memory:"}}}
	db, err := Open("sqlite", cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := Migrate(db, "sqlite"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(`SELECT token_hash, user_id, expires_at FROM user_tokens`); err != nil {
		t.Fatalf("user_tokens columns: %v", err)
	}
	if err := Migrate(db, "oracle"); err == nil {
		t.Fatalf("expected error for unsupported migration driver")
	}
}
