package persistence

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
)

// MemoryIndex opens an index that lives only as long as the process
const MemoryIndex = ":memory:"

// Index records written output files and analysis metrics
type Index struct {
	db *sql.DB
}

// Point is one value of a metric series
type Point struct {
	Step  int
	Value float64
}

// StepFile is an output file written for one step
type StepFile struct {
	Package string
	Step    int
	Path    string
	Bytes   int64
}

// OpenIndex opens or creates the sqlite index at path
func OpenIndex(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("empty index path")
	}
	if path != MemoryIndex {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db, path); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Index{db: db}, nil
}

func initPragmas(db *sql.DB, path string) error {
	pragmas := []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	if path != MemoryIndex {
		pragmas = append([]string{"PRAGMA journal_mode=WAL;"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS steps (
			sim_id INTEGER NOT NULL,
			package TEXT NOT NULL,
			step INTEGER NOT NULL,
			path TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			PRIMARY KEY (sim_id, package, step)
		);`,
		`CREATE TABLE IF NOT EXISTS analysis (
			sim_id INTEGER NOT NULL,
			metric TEXT NOT NULL,
			step INTEGER NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (sim_id, metric, step)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_metric ON analysis(metric, sim_id, step);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init index schema: %w", err)
		}
	}
	return nil
}

// RecordStep notes the file written for a package's step
func (ix *Index) RecordStep(simID foundation.SimulationID, pkg string, step int, path string, size int64) error {
	_, err := ix.db.Exec(
		`INSERT OR REPLACE INTO steps (sim_id, package, step, path, bytes) VALUES (?, ?, ?, ?, ?)`,
		int64(simID), pkg, step, path, size)
	return err
}

// RecordMetric stores one analysis value
func (ix *Index) RecordMetric(simID foundation.SimulationID, metric string, step int, value float64) error {
	_, err := ix.db.Exec(
		`INSERT OR REPLACE INTO analysis (sim_id, metric, step, value) VALUES (?, ?, ?, ?)`,
		int64(simID), metric, step, value)
	return err
}

// Series returns a metric's values ordered by step
func (ix *Index) Series(simID foundation.SimulationID, metric string) ([]Point, error) {
	rows, err := ix.db.Query(
		`SELECT step, value FROM analysis WHERE sim_id = ? AND metric = ? ORDER BY step`,
		int64(simID), metric)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Step, &p.Value); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Steps lists the files written for a simulation run, by package and step
func (ix *Index) Steps(simID foundation.SimulationID) ([]StepFile, error) {
	rows, err := ix.db.Query(
		`SELECT package, step, path, bytes FROM steps WHERE sim_id = ? ORDER BY package, step`,
		int64(simID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StepFile
	for rows.Next() {
		var f StepFile
		if err := rows.Scan(&f.Package, &f.Step, &f.Path, &f.Bytes); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (ix *Index) Close() error {
	return ix.db.Close()
}
