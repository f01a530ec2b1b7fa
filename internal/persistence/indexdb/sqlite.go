// Package indexdb keeps a queryable SQLite history of weather lookups and profile
// changes. Writes are queued and applied by one goroutine; the JSONL logs remain the
// source of truth when the queue overflows.
package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"realtime.ai/internal/engine"
	"realtime.ai/internal/profile"
	"realtime.ai/internal/weather"
)

var ErrClosed = errors.New("index closed")

const defaultQueueSize = 16384

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropFetch  atomic.Uint64
	dropChange atomic.Uint64
}

type reqKind int

const (
	reqFetch reqKind = iota + 1
	reqChange
	reqQuery
)

type req struct {
	kind reqKind

	fetch  engine.FetchReport
	change profile.Change

	query func(db *sql.DB) error
	done  chan error
}

// Stats reports queue pressure.
type Stats struct {
	DropFetchTotal  uint64 `json:"drop_fetch_total"`
	DropChangeTotal uint64 `json:"drop_change_total"`
	QueueDepth      int    `json:"queue_depth"`
	QueueCapacity   int    `json:"queue_capacity"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, defaultQueueSize)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
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

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS weather_fetches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL,
			city TEXT NOT NULL,
			ok INTEGER NOT NULL,
			state TEXT NOT NULL,
			main TEXT NOT NULL,
			description TEXT NOT NULL,
			error TEXT NOT NULL,
			fetched_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_weather_fetches_city ON weather_fetches(city, id);`,
		`CREATE TABLE IF NOT EXISTS profile_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			op TEXT NOT NULL,
			profile TEXT NOT NULL,
			world TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			target TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_profile_changes_profile ON profile_changes(profile, id);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropFetchTotal:  s.dropFetch.Load(),
		DropChangeTotal: s.dropChange.Load(),
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
	}
}

// RecordFetch queues one fetch outcome. It never blocks.
func (s *SQLiteIndex) RecordFetch(r engine.FetchReport) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqFetch, fetch: r}:
	default:
		s.dropFetch.Add(1)
	}
}

// RecordChange queues one profile change. It never blocks.
func (s *SQLiteIndex) RecordChange(c profile.Change) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqChange, change: c}:
	default:
		s.dropChange.Add(1)
	}
}

// run executes fn on the writer goroutine after everything queued before it is committed.
func (s *SQLiteIndex) run(ctx context.Context, fn func(db *sql.DB) error) (err error) {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	defer func() {
		// Close raced with us and the channel is gone.
		if recover() != nil {
			err = ErrClosed
		}
	}()
	done := make(chan error, 1)
	select {
	case s.ch <- req{kind: reqQuery, query: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every queued write is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	return s.run(ctx, func(*sql.DB) error { return nil })
}

// History returns the newest lookups for city, newest first.
func (s *SQLiteIndex) History(ctx context.Context, city string, limit int) ([]engine.FetchReport, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []engine.FetchReport
	err := s.run(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT cycle_id, city, ok, state, main, description, error, fetched_at, duration_ms
			FROM weather_fetches WHERE city = ? ORDER BY id DESC LIMIT ?`, city, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r       engine.FetchReport
				ok      int
				state   string
				fetched string
			)
			if err := rows.Scan(&r.CycleID, &r.City, &ok, &state, &r.Main, &r.Description, &r.Error, &fetched, &r.DurationMS); err != nil {
				return err
			}
			r.OK = ok != 0
			if st, err := weather.ParseState(state); err == nil {
				r.State = st
			}
			r.FetchedAt, _ = time.Parse(time.RFC3339Nano, fetched)
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// Changes returns the newest changes touching name ("" for all), newest first.
func (s *SQLiteIndex) Changes(ctx context.Context, name string, limit int) ([]profile.Change, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []profile.Change
	err := s.run(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT op, profile, world, field, value, target, at
			FROM profile_changes WHERE ? = '' OR profile = ? OR target = ? ORDER BY id DESC LIMIT ?`, name, name, name, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				c     profile.Change
				field string
				at    string
			)
			if err := rows.Scan(&c.Op, &c.Profile, &c.World, &field, &c.Value, &c.To, &at); err != nil {
				return err
			}
			c.Field = profile.Field(field)
			c.At, _ = time.Parse(time.RFC3339Nano, at)
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertFetch, _ := s.db.Prepare(`INSERT INTO weather_fetches(cycle_id,city,ok,state,main,description,error,fetched_at,duration_ms) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertChange, _ := s.db.Prepare(`INSERT INTO profile_changes(op,profile,world,field,value,target,at) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		if insertFetch != nil {
			_ = insertFetch.Close()
		}
		if insertChange != nil {
			_ = insertChange.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	idle := time.NewTicker(commitMaxWait)
	defer idle.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-idle.C:
			flushIfNeeded()
			continue
		}

		if r.kind == reqQuery {
			commit()
			r.done <- r.query(s.db)
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqFetch:
			f := r.fetch
			state := ""
			if f.OK {
				state = f.State.String()
			}
			if insertFetch != nil {
				if _, err := tx.Stmt(insertFetch).Exec(
					f.CycleID,
					f.City,
					boolInt(f.OK),
					state,
					f.Main,
					f.Description,
					f.Error,
					f.FetchedAt.UTC().Format(time.RFC3339Nano),
					f.DurationMS,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqChange:
			c := r.change
			if insertChange != nil {
				if _, err := tx.Stmt(insertChange).Exec(
					c.Op,
					c.Profile,
					c.World,
					string(c.Field),
					c.Value,
					c.To,
					c.At.UTC().Format(time.RFC3339Nano),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
