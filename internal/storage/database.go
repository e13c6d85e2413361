// Package storage opens the gateway database and keeps its schema current.
package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"unichat/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// dialect captures what differs between the supported drivers.
type dialect struct {
	driver string
	dsn    func(config.DatabaseConfig) (string, error)
	setup  func(*sql.DB) error
	schema []string
}

var dialects = map[string]*dialect{
	"sqlite3": {
		driver: "sqlite3",
		dsn: func(c config.DatabaseConfig) (string, error) {
			if c.DSN == "" {
				return "", fmt.Errorf("sqlite dsn must be provided")
			}
			return c.DSN, nil
		},
		setup: func(db *sql.DB) error {
			// one writer; also keeps :memory: databases on a single connection
			db.SetMaxOpenConns(1)
			_, err := db.Exec("PRAGMA foreign_keys = ON")
			return err
		},
		schema: sqliteSchema,
	},
	"mysql": {
		driver: "mysql",
		dsn: func(c config.DatabaseConfig) (string, error) {
			if c.DSN != "" {
				return c.DSN, nil
			}
			return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				c.Username, c.Password, c.Host, c.Port, c.DBName, mysqlParams(c.Params)), nil
		},
		schema: mysqlSchema,
	},
}

func lookupDialect(name string) (*dialect, string, error) {
	key := strings.ToLower(name)
	if key == "sqlite" {
		key = "sqlite3"
	}
	d, ok := dialects[key]
	if !ok {
		return nil, "", fmt.Errorf("unsupported driver: %s", name)
	}
	return d, key, nil
}

// Open connects to the database configured under dbType (sqlite3 or mysql)
// and verifies the connection.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	d, _, err := lookupDialect(dbType)
	if err != nil {
		return nil, err
	}
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}
	dsn, err := d.dsn(dbCfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d.driver, err)
	}
	if d.setup != nil {
		if err := d.setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare %s database: %w", d.driver, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// mysqlParams makes sure DATETIME columns scan into time.Time.
func mysqlParams(params string) string {
	if strings.Contains(params, "parseTime=") {
		return params
	}
	if params == "" {
		return "parseTime=true"
	}
	return params + "&parseTime=true"
}

// Migrate creates missing tables and indexes. It is safe to run on every start.
func Migrate(db *sql.DB, driver string) error {
	d, name, err := lookupDialect(driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for i, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %s step %d: %w", name, i, err)
		}
	}
	return nil
}
