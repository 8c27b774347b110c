package stage

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// openReadOnly opens a SQLite database in read-only mode with a bounded
// busy timeout. Used for the manifest index, which never carries a WAL.
func openReadOnly(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", url.PathEscape(path))
	return open(dsn)
}

// Open returns a handle on the staged primary database. The staged copy
// is private to this run, so the handle is deliberately NOT read-only:
// SQLite must be able to replay the copied write-ahead log on open, which
// is how rows living only in the WAL become visible. The original source
// is never touched.
func (s *Staged) Open() (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", url.PathEscape(s.DBPath))
	return open(dsn)
}

func open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Single local connection; source databases are small and private.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}
