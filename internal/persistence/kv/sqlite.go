package kv

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLite is a write-through backend: every Put is committed immediately and Save only
// checkpoints the WAL.
type SQLite struct {
	db       *sql.DB
	defaults []byte

	mu  sync.Mutex
	seq int64
}

func OpenSQLite(path string, defaults []byte) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		path TEXT PRIMARY KEY,
		kind INTEGER NOT NULL,
		value TEXT NOT NULL,
		seq INTEGER NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLite{db: db, defaults: defaults}
	if err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM kv`).Scan(&s.seq); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Lookup(path string) (Scalar, bool) {
	var (
		kind int
		val  string
	)
	err := s.db.QueryRow(`SELECT kind, value FROM kv WHERE path = ?`, path).Scan(&kind, &val)
	if err != nil {
		return Scalar{}, false
	}
	return Scalar{Kind: Kind(kind), Text: val}, true
}

func (s *SQLite) Put(path string, sc *Scalar) error {
	if path == "" || strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") {
		return fmt.Errorf("invalid path %q", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	prefix := path + "."
	if _, err := tx.Exec(`DELETE FROM kv WHERE substr(path, 1, length(?)) = ?`, prefix, prefix); err != nil {
		return err
	}
	if sc == nil {
		if _, err := tx.Exec(`DELETE FROM kv WHERE path = ?`, path); err != nil {
			return err
		}
		return tx.Commit()
	}

	// A scalar at an ancestor would shadow the new section.
	parts := strings.Split(path, ".")
	for i := 1; i < len(parts); i++ {
		if _, err := tx.Exec(`DELETE FROM kv WHERE path = ?`, strings.Join(parts[:i], ".")); err != nil {
			return err
		}
	}
	next := s.seq + 1
	if _, err := tx.Exec(`INSERT INTO kv(path, kind, value, seq) VALUES(?,?,?,?)
		ON CONFLICT(path) DO UPDATE SET kind = excluded.kind, value = excluded.value`,
		path, int(sc.Kind), sc.Text, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.seq = next
	return nil
}

func (s *SQLite) Children(section string) []string {
	var (
		rows *sql.Rows
		err  error
	)
	prefix := ""
	if section == "" {
		rows, err = s.db.Query(`SELECT path FROM kv ORDER BY seq`)
	} else {
		prefix = section + "."
		rows, err = s.db.Query(`SELECT path FROM kv WHERE substr(path, 1, length(?)) = ? ORDER BY seq`, prefix, prefix)
	}
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []string
	seen := map[string]bool{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return out
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.IndexByte(rest, '.'); i >= 0 {
			rest = rest[:i]
		}
		if rest == "" || seen[rest] {
			continue
		}
		seen[rest] = true
		out = append(out, rest)
	}
	return out
}

func (s *SQLite) Save() error {
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE);`)
	return err
}

func (s *SQLite) Reload() error {
	return s.db.Ping()
}

// LoadDefaults imports the bundled defaults into an empty table.
func (s *SQLite) LoadDefaults() error {
	if len(s.defaults) == 0 {
		return nil
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	paths, vals, err := flatten(s.defaults)
	if err != nil {
		return fmt.Errorf("parse defaults: %w", err)
	}
	for i := range paths {
		if err := s.Put(paths[i], &vals[i]); err != nil {
			return fmt.Errorf("import %s: %w", paths[i], err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
