package audit

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const dbFilename = "runtime_events.db"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Repo persists audit records in a single SQLite database. Writes are
// batched by the Service; the repo itself is safe for one writer plus
// concurrent readers (WAL).
type Repo struct {
	db      *sql.DB
	maxRows int
}

// OpenRepo opens (or creates) dir/runtime_events.db, applies pragmas and
// schema migrations. maxRows <= 0 disables the row cap.
func OpenRepo(dir string, maxRows int) (*Repo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit repo mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, dbFilename)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit repo open %s: %w", path, err)
	}

	// Single-writer: one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit repo exec %q: %w", p, err)
		}
	}

	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Repo{db: db, maxRows: maxRows}, nil
}

func migrateDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("audit migrate: init source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("audit migrate: init db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("audit migrate: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit migrate: up: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (r *Repo) Close() error {
	return r.db.Close()
}

// InsertBatch writes a batch of records in one transaction and then enforces
// the row cap. Individual malformed rows are skipped, not fatal.
func (r *Repo) InsertBatch(records []Record) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("audit repo begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT INTO runtime_events (
		tenant_id, run_id, event, at_ns, data_json
	) VALUES (?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("audit repo prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range records {
		rec := &records[i]
		dataJSON := ""
		if len(rec.Data) > 0 {
			b, err := json.Marshal(rec.Data)
			if err != nil {
				log.Printf("[audit] warning: drop undecodable data for %s tenant=%s: %v", rec.Event, rec.TenantID, err)
			} else {
				dataJSON = string(b)
			}
		}
		if _, err := stmt.Exec(rec.TenantID, rec.RunID, string(rec.Event), rec.At.UnixNano(), dataJSON); err != nil {
			log.Printf("[audit] warning: skip event row insert failed: %v", err)
			continue
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("audit repo commit: %w", err)
	}

	if err := r.enforceRowCap(); err != nil {
		log.Printf("[audit] warning: row cap enforcement failed: %v", err)
	}
	return inserted, nil
}

// enforceRowCap deletes the oldest rows beyond maxRows.
func (r *Repo) enforceRowCap() error {
	if r.maxRows <= 0 {
		return nil
	}
	_, err := r.db.Exec(`DELETE FROM runtime_events WHERE seq <= (
		SELECT seq FROM runtime_events ORDER BY seq DESC LIMIT 1 OFFSET ?
	)`, r.maxRows)
	return err
}

// PruneBefore deletes all records older than t. Returns the number of rows
// removed.
func (r *Repo) PruneBefore(t time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM runtime_events WHERE at_ns < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("audit repo prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit repo prune: %w", err)
	}
	return n, nil
}

// StoredRecord is a persisted audit record.
type StoredRecord struct {
	Seq      int64          `json:"seq"`
	TenantID string         `json:"tenant_id"`
	RunID    string         `json:"run_id"`
	Event    Event          `json:"event"`
	AtNs     int64          `json:"at_ns"`
	Data     map[string]any `json:"data,omitempty"`
}

// ListFilter selects records for List.
type ListFilter struct {
	TenantID string
	RunID    string
	Event    Event
	After    int64 // at_ns > After (0 = no lower bound)
	Before   int64 // at_ns < Before (0 = no upper bound)
	Limit    int   // default 100, capped at 10000
}

// List returns matching records, newest first.
func (r *Repo) List(f ListFilter) ([]StoredRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 10000 {
		limit = 10000
	}

	var where []string
	var args []any
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Event != "" {
		where = append(where, "event = ?")
		args = append(args, string(f.Event))
	}
	if f.After > 0 {
		where = append(where, "at_ns > ?")
		args = append(args, f.After)
	}
	if f.Before > 0 {
		where = append(where, "at_ns < ?")
		args = append(args, f.Before)
	}

	q := "SELECT seq, tenant_id, run_id, event, at_ns, data_json FROM runtime_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit repo list: %w", err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var rec StoredRecord
		var event, dataJSON string
		if err := rows.Scan(&rec.Seq, &rec.TenantID, &rec.RunID, &event, &rec.AtNs, &dataJSON); err != nil {
			log.Printf("[audit] warning: skip malformed event row: %v", err)
			continue
		}
		rec.Event = Event(event)
		if dataJSON != "" {
			if err := json.Unmarshal([]byte(dataJSON), &rec.Data); err != nil {
				log.Printf("[audit] warning: undecodable data_json for seq=%d: %v", rec.Seq, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
