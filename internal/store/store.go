// Package store is the receiver's single-writer persistence layer: an
// append-only SQLite database of scans, signals, and a bounded log, fronted
// by an HTTP admin surface for live debugging.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"sort"

	"github.com/tailscale/tailsql/server/tailsql"
	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/wildfind/harrier/internal/collar"
)

//go:embed schema.sql
var schemaSQL string

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DevMode uses the on-disk migrations directory instead of the embedded one,
// for hot-reloading while editing migrations.
var DevMode = false

func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		return os.DirFS("internal/store/migrations"), nil
	}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("sub-filesystem for embedded migrations: %w", err)
	}
	return sub, nil
}

// Store wraps the receiver's SQLite connection. All exported methods are
// safe to call from any goroutine; SQLite itself serializes writers, and in
// practice the orchestrator is the sole writer, calling in synchronously
// from its own event loop.
type Store struct {
	*sql.DB
	path string
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA auto_vacuum = incremental",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return nil
}

// New opens (creating if necessary) the database at path: foreign keys on,
// auto-vacuum incremental, current schema version 3. A pre-existing v1 or
// v2 database from an earlier release is carried forward through the
// migrations rather than recreated.
func New(path string) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		log.Printf("store: appending to %s", path)
	} else {
		log.Printf("store: creating %s", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{DB: db, path: path}

	migFS, err := getMigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}

	hasInfo, err := s.hasTable("Info")
	if err != nil {
		db.Close()
		return nil, err
	}

	if !hasInfo {
		// Fresh database: apply the current schema directly and baseline
		// schema_migrations at the latest version.
		if _, err := db.Exec(schemaSQL); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialise schema: %w", err)
		}
		latest, err := GetLatestMigrationVersion(migFS)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := s.BaselineAtVersion(latest); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	}

	hasMigrationsTable, err := s.hasTable("schema_migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	if hasMigrationsTable {
		if err := s.MigrateUp(migFS); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pending migrations: %w", err)
		}
		return s, nil
	}

	// Has an Info table but no schema_migrations: a legacy v1/v2 database.
	// Every schema revision wrote DbVersion into Info, so trust it.
	legacyVersion, err := s.legacyDbVersion()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read legacy DbVersion: %w", err)
	}
	if err := s.BaselineAtVersion(legacyVersion); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.MigrateUp(migFS); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate legacy database forward: %w", err)
	}
	return s, nil
}

// Open opens a connection without touching the schema, for use by the
// `migrate` CLI subcommand which manages schema state explicitly.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db, path: path}, nil
}

func (s *Store) hasTable(name string) (bool, error) {
	var exists bool
	err := s.QueryRow(`select count(*) > 0 from sqlite_master where type = 'table' and name = ?`, name).Scan(&exists)
	return exists, err
}

func (s *Store) legacyDbVersion() (uint, error) {
	var version int
	err := s.QueryRow(`select Value from Info where Key = 'DbVersion'`).Scan(&version)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return uint(version), nil
}

// AppendSignal inserts a Scans row for timeStamp on demand (ignored if it
// already exists, so several signals from one capture share a parent) and
// then a Signals row for c, stamped with freqMHz/survey.
func (s *Store) AppendSignal(timeStamp int64, freqMHz float64, survey string, c collar.Collar) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`insert or ignore into Scans (TimeStamp, Freq, Survey) values (?, ?, ?)`,
		timeStamp, freqMHz, survey); err != nil {
		return fmt.Errorf("insert scan row: %w", err)
	}

	if _, err := tx.Exec(`insert into Signals (TimeStamp, Freq, Mod, Rate, Level, Lon, Lat)
		values (?, ?, ?, ?, ?, ?, ?)`,
		timeStamp, c.FrequencyHz, int(c.Modulation), c.RatePPM, c.Level, c.Lon, c.Lat); err != nil {
		return fmt.Errorf("insert signal row: %w", err)
	}

	return tx.Commit()
}

// AppendLog records a log entry stamped with timeStamp (unix seconds,
// provided by the caller so the orchestrator's clock is the single source
// of truth) and returns it unchanged, for pushing the same entry to a
// connected viewer.
func (s *Store) AppendLog(timeStamp int64, message string) (int64, error) {
	if _, err := s.Exec(`insert into Log (TimeStamp, Message) values (?, ?)`, timeStamp, message); err != nil {
		return 0, fmt.Errorf("insert log row: %w", err)
	}
	return timeStamp, nil
}

// Scan is one row of the Scans table.
type Scan struct {
	TimeStamp int64   `json:"TimeStamp"`
	Freq      float64 `json:"Freq"`
	Survey    string  `json:"Survey"`
}

// GetScans returns every Scans row, oldest first.
func (s *Store) GetScans() ([]Scan, error) {
	rows, err := s.Query(`select TimeStamp, Freq, Survey from Scans order by TimeStamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Scan
	for rows.Next() {
		var sc Scan
		if err := rows.Scan(&sc.TimeStamp, &sc.Freq, &sc.Survey); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Signal is one row of the Signals table, with its internal Id dropped
// (callers never see row ids).
type Signal struct {
	TimeStamp int64   `json:"TimeStamp"`
	Freq      float64 `json:"Freq"`
	Mod       int     `json:"Mod"`
	Rate      float64 `json:"Rate"`
	Level     float64 `json:"Level"`
	Lon       float64 `json:"Lon"`
	Lat       float64 `json:"Lat"`
}

// GetSignals returns every Signals row, oldest first.
func (s *Store) GetSignals() ([]Signal, error) {
	rows, err := s.Query(`select TimeStamp, Freq, Mod, Rate, Level, Lon, Lat from Signals order by Id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		var sig Signal
		if err := rows.Scan(&sig.TimeStamp, &sig.Freq, &sig.Mod, &sig.Rate, &sig.Level, &sig.Lon, &sig.Lat); err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// LogEntry is one row of the Log table, again with Id dropped.
type LogEntry struct {
	TimeStamp int64  `json:"TimeStamp"`
	Message   string `json:"Message"`
}

// GetLog returns every Log row, oldest first.
func (s *Store) GetLog() ([]LogEntry, error) {
	rows, err := s.Query(`select TimeStamp, Message from Log order by Id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.TimeStamp, &e.Message); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Size reports the database file's size in bytes and the free space
// remaining on its filesystem, feeding the status payload's size/space
// fields.
func (s *Store) Size() (size, space int64, err error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, 0, err
	}
	size = info.Size()

	space, err = freeSpace(s.path)
	if err != nil {
		return size, 0, nil //nolint:nilerr // free space is best-effort
	}
	return size, space, nil
}

// AttachAdminRoutes mounts a live SQL debugging surface over the receiver's
// database at /debug/tailsql/ for operator inspection.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Printf("store: failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://"+s.path, s.DB, &tailsql.DBOptions{
		Label: "harrier",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.HandleFunc("signal-stats", "signal level mean/stddev/percentiles", s.handleSignalStats)
}

// signalStats is the summary payload reported at /debug/signal-stats.
type signalStats struct {
	Count  int     `json:"count"`
	MeanDb float64 `json:"mean_db"`
	StdDb  float64 `json:"std_db"`
	P50Db  float64 `json:"p50_db"`
	P90Db  float64 `json:"p90_db"`
	P99Db  float64 `json:"p99_db"`
}

// handleSignalStats summarizes every persisted signal's level with
// gonum/stat over the whole history rather than one capture. The reported
// stddev is gonum's sample (n-1) form, not the population form
// internal/detect uses to judge a pulse train's regularity.
func (s *Store) handleSignalStats(w http.ResponseWriter, r *http.Request) {
	signals, err := s.GetSignals()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(signals) == 0 {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(signalStats{})
		return
	}

	levels := make([]float64, len(signals))
	for i, sig := range signals {
		levels[i] = sig.Level
	}
	sort.Float64s(levels)

	mean, std := stat.MeanStdDev(levels, nil)
	out := signalStats{
		Count:  len(levels),
		MeanDb: mean,
		StdDb:  std,
		P50Db:  stat.Quantile(0.50, stat.Empirical, levels, nil),
		P90Db:  stat.Quantile(0.90, stat.Empirical, levels, nil),
		P99Db:  stat.Quantile(0.99, stat.Empirical, levels, nil),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
