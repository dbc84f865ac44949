package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/datakarta/cdrtrace/trace/config"

	_ "github.com/tursodatabase/go-libsql"
)

// Connect opens the CDR database. Remote DSNs get the auth token attached
// as a query parameter; file DSNs are opened as-is.
func Connect(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.DSN
	if !strings.HasPrefix(dsn, "file:") && cfg.AuthToken != "" {
		if u, perr := url.Parse(dsn); perr == nil {
			q := u.Query()
			q.Set("authToken", cfg.AuthToken)
			u.RawQuery = q.Encode()
			dsn = u.String()
		} else {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn = dsn + sep + "authToken=" + url.QueryEscape(cfg.AuthToken)
		}
	}

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connector: %w", err)
	}

	// pool tuning
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleSec > 0 {
		db.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleSec) * time.Second)
	}
	if cfg.ConnMaxLifeSec > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifeSec) * time.Second)
	}

	return db, nil
}
