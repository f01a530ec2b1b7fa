package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd reads the history index directly. It is safe while the server runs: the
// index is in WAL mode and this side only reads.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/history.sqlite)")
	city := fs.String("city", "", "city filter (fetches)")
	name := fs.String("profile", "", "profile filter (changes)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "fetches"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "history.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}
	switch q {
	case "fetches":
		err = queryFetches(db, os.Stdout, strings.TrimSpace(*city), *limit)
	case "changes":
		err = queryChanges(db, os.Stdout, strings.TrimSpace(*name), *limit)
	case "stats":
		err = queryStats(db, os.Stdout)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-city C] [-profile P] [-limit N] fetches|changes|stats")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
}

type fetchRow struct {
	ID          int64  `json:"id"`
	CycleID     string `json:"cycle_id"`
	City        string `json:"city"`
	OK          bool   `json:"ok"`
	State       string `json:"state"`
	Main        string `json:"main,omitempty"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
	FetchedAt   string `json:"fetched_at"`
	DurationMS  int64  `json:"duration_ms"`
}

func queryFetches(db *sql.DB, w io.Writer, city string, limit int) error {
	rows, err := db.Query(`SELECT id,cycle_id,city,ok,state,main,description,error,fetched_at,duration_ms
		FROM weather_fetches WHERE ? = '' OR city = ? ORDER BY id DESC LIMIT ?`, city, city, limit)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r  fetchRow
			ok int
		)
		if err := rows.Scan(&r.ID, &r.CycleID, &r.City, &ok, &r.State, &r.Main, &r.Description, &r.Error, &r.FetchedAt, &r.DurationMS); err != nil {
			return err
		}
		r.OK = ok != 0
		printJSON(w, r)
	}
	return rows.Err()
}

type changeRow struct {
	ID      int64  `json:"id"`
	Op      string `json:"op"`
	Profile string `json:"profile,omitempty"`
	World   string `json:"world,omitempty"`
	Field   string `json:"field,omitempty"`
	Value   string `json:"value,omitempty"`
	To      string `json:"to,omitempty"`
	At      string `json:"at"`
}

func queryChanges(db *sql.DB, w io.Writer, name string, limit int) error {
	rows, err := db.Query(`SELECT id,op,profile,world,field,value,target,at
		FROM profile_changes WHERE ? = '' OR profile = ? OR target = ? ORDER BY id DESC LIMIT ?`, name, name, name, limit)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r changeRow
		if err := rows.Scan(&r.ID, &r.Op, &r.Profile, &r.World, &r.Field, &r.Value, &r.To, &r.At); err != nil {
			return err
		}
		printJSON(w, r)
	}
	return rows.Err()
}

func queryStats(db *sql.DB, w io.Writer) error {
	var r struct {
		SchemaVersion string `json:"schema_version"`
		Fetches       int64  `json:"fetches"`
		FailedFetches int64  `json:"failed_fetches"`
		Cities        int64  `json:"cities"`
		Changes       int64  `json:"changes"`
	}
	if err := db.QueryRow(`SELECT value FROM meta WHERE key='schema_version'`).Scan(&r.SchemaVersion); err != nil {
		return err
	}
	if err := db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(ok = 0),0), COUNT(DISTINCT city) FROM weather_fetches`).Scan(&r.Fetches, &r.FailedFetches, &r.Cities); err != nil {
		return err
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM profile_changes`).Scan(&r.Changes); err != nil {
		return err
	}
	printJSON(w, r)
	return nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
