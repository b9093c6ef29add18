// Package barstore persists OHLC history in a local SQLite database, one
// table per (symbol, timeframe) with the bar time as primary key.
package barstore

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/mtkit/toolbox/internal/terminal"
)

// Store is the bar database. Multiple readers are fine; writers serialize
// on the internal mutex because the pure-Go driver allows one writer at a
// time per connection.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	log  *logrus.Entry
}

// Dataset describes one stored (symbol, timeframe) series.
type Dataset struct {
	Symbol    string             `json:"symbol"`
	Timeframe terminal.Timeframe `json:"timeframe"`
	Rows      int64              `json:"rows"`
	First     time.Time          `json:"first"`
	Last      time.Time          `json:"last"`
}

// Open opens or creates the database at path. A file that fails the
// integrity check is moved aside to <path>.backup and recreated once.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	log := logger.WithField("component", "barstore")
	db, err := openAndCheck(path)
	if err != nil {
		log.Warnf("bar store at %s unusable (%v), moving to .backup and recreating", path, err)
		if rerr := os.Rename(path, path+".backup"); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("barstore: move corrupt db aside: %w", rerr)
		}
		db, err = openAndCheck(path)
		if err != nil {
			return nil, fmt.Errorf("barstore: recreate db: %w", err)
		}
	}
	return &Store{db: db, path: path, log: log}, nil
}

func openAndCheck(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	var result string
	if err := db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		db.Close()
		return nil, err
	}
	if result != "ok" {
		db.Close()
		return nil, fmt.Errorf("integrity check: %s", result)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS datasets (
		symbol    TEXT NOT NULL,
		timeframe INTEGER NOT NULL,
		tbl       TEXT NOT NULL,
		PRIMARY KEY (symbol, timeframe)
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func tableName(symbol string, tf terminal.Timeframe) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, symbol)
	return fmt.Sprintf("bars_%s_%s", clean, tf)
}

// EnsureTable creates the series table and registers it in the dataset index.
func (s *Store) EnsureTable(symbol string, tf terminal.Timeframe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl := tableName(symbol, tf)
	if _, err := s.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		time        INTEGER PRIMARY KEY,
		open        REAL NOT NULL,
		high        REAL NOT NULL,
		low         REAL NOT NULL,
		close       REAL NOT NULL,
		tick_volume INTEGER NOT NULL DEFAULT 0,
		spread      INTEGER NOT NULL DEFAULT 0,
		real_volume INTEGER NOT NULL DEFAULT 0
	)`, tbl)); err != nil {
		return fmt.Errorf("barstore: create table for %s %s: %w", symbol, tf, err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO datasets (symbol, timeframe, tbl) VALUES (?, ?, ?)
		 ON CONFLICT (symbol, timeframe) DO NOTHING`,
		symbol, int(tf), tbl,
	); err != nil {
		return fmt.Errorf("barstore: register dataset %s %s: %w", symbol, tf, err)
	}
	return nil
}

// LastTime returns the newest stored bar time for the series, ok=false when
// the series is empty or absent.
func (s *Store) LastTime(symbol string, tf terminal.Timeframe) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unix sql.NullInt64
	err := s.db.QueryRow(fmt.Sprintf(`SELECT MAX(time) FROM %q`, tableName(symbol, tf))).Scan(&unix)
	if err != nil {
		if isMissingTable(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("barstore: last time %s %s: %w", symbol, tf, err)
	}
	if !unix.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(unix.Int64, 0).UTC(), true, nil
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// InsertBars upserts bars into the series, ignoring duplicates on time.
// Returns the number of new rows.
func (s *Store) InsertBars(symbol string, tf terminal.Timeframe, bars []terminal.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("barstore: begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(fmt.Sprintf(
		`INSERT INTO %q (time, open, high, low, close, tick_volume, spread, real_volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (time) DO NOTHING`, tableName(symbol, tf)))
	if err != nil {
		return 0, fmt.Errorf("barstore: prepare insert %s %s: %w", symbol, tf, err)
	}
	defer stmt.Close()

	var inserted int64
	for _, b := range bars {
		res, err := stmt.Exec(b.Time.Unix(), b.Open, b.High, b.Low, b.Close, b.TickVolume, b.Spread, b.RealVolume)
		if err != nil {
			return inserted, fmt.Errorf("barstore: insert bar %s %s @%s: %w", symbol, tf, b.Time, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("barstore: commit insert: %w", err)
	}
	return inserted, nil
}

// GetBars returns bars in [from, to] sorted by time ascending.
func (s *Store) GetBars(symbol string, tf terminal.Timeframe, from, to time.Time) ([]terminal.Bar, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT time, open, high, low, close, tick_volume, spread, real_volume
		 FROM %q WHERE time >= ? AND time <= ? ORDER BY time ASC`, tableName(symbol, tf)),
		from.Unix(), to.Unix())
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("barstore: query %s %s: %w", symbol, tf, err)
	}
	defer rows.Close()

	var out []terminal.Bar
	for rows.Next() {
		var b terminal.Bar
		var unix int64
		if err := rows.Scan(&unix, &b.Open, &b.High, &b.Low, &b.Close, &b.TickVolume, &b.Spread, &b.RealVolume); err != nil {
			return nil, fmt.Errorf("barstore: scan %s %s: %w", symbol, tf, err)
		}
		b.Time = time.Unix(unix, 0).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// Inventory lists every stored series with row counts and time bounds.
func (s *Store) Inventory() ([]Dataset, error) {
	rows, err := s.db.Query(`SELECT symbol, timeframe, tbl FROM datasets ORDER BY symbol, timeframe`)
	if err != nil {
		return nil, fmt.Errorf("barstore: list datasets: %w", err)
	}
	defer rows.Close()

	type entry struct {
		symbol string
		tf     int
		tbl    string
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.symbol, &e.tf, &e.tbl); err != nil {
			return nil, fmt.Errorf("barstore: scan dataset: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Dataset, 0, len(entries))
	for _, e := range entries {
		var count sql.NullInt64
		var first, last sql.NullInt64
		err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*), MIN(time), MAX(time) FROM %q`, e.tbl)).
			Scan(&count, &first, &last)
		if err != nil {
			return nil, fmt.Errorf("barstore: stat %s: %w", e.tbl, err)
		}
		ds := Dataset{Symbol: e.symbol, Timeframe: terminal.Timeframe(e.tf), Rows: count.Int64}
		if first.Valid {
			ds.First = time.Unix(first.Int64, 0).UTC()
		}
		if last.Valid {
			ds.Last = time.Unix(last.Int64, 0).UTC()
		}
		out = append(out, ds)
	}
	return out, nil
}
