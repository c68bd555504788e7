// Package journal records every executed mutating operation in a small
// sqlite database under the fleet root. The journal is an observer, not a
// participant: recording failures are logged and swallowed so they can
// never abort the operation they describe.
package journal

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// FileName is the journal database file kept in the fleet root.
const FileName = "journal.db"

// Operation names recorded by the tool.
const (
	OpCreate = "create"
	OpRemove = "remove"
	OpStart  = "start"
	OpStop   = "stop"
	OpUpdate = "update"
	OpScale  = "scale"
)

// Entry is one recorded operation.
type Entry struct {
	ID        string `db:"id" json:"id"`
	Op        string `db:"op" json:"op"`
	Instance  string `db:"instance" json:"instance"`
	Detail    string `db:"detail" json:"detail,omitempty"`
	Timestamp int64  `db:"timestamp" json:"timestamp"`
}

// Time returns the entry's timestamp as a time.Time. Timestamps are stored
// with nanosecond precision so entries recorded in the same second still
// order correctly.
func (e Entry) Time() time.Time {
	return time.Unix(0, e.Timestamp)
}

// Journal is the sqlite-backed operations log.
type Journal struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open creates (or opens) the journal database at the given path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := dbInit(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize journal %s: %w", path, err)
	}
	return &Journal{db: db, logger: logger.With("component", "Journal")}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

func dbInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		op TEXT NOT NULL,
		instance TEXT NOT NULL,
		detail TEXT,
		timestamp INTEGER NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_operations_instance ON operations(instance)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_operations_timestamp ON operations(timestamp)`)
	return err
}

// Record appends one entry. Failures are logged, never returned: journal
// writes must not be able to fail the operation being journaled.
func (j *Journal) Record(op, instanceName, detail string) {
	entry := Entry{
		ID:        uuid.New().String(),
		Op:        op,
		Instance:  instanceName,
		Detail:    detail,
		Timestamp: time.Now().UnixNano(),
	}
	_, err := j.db.Exec(`
		INSERT INTO operations (id, op, instance, detail, timestamp)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.Op, entry.Instance, entry.Detail, entry.Timestamp,
	)
	if err != nil {
		j.logger.Error("Failed to record journal entry",
			"op", op, "instance", instanceName, "error", err)
	}
}

// Tail returns up to limit entries for one instance, newest first.
func (j *Journal) Tail(instanceName string, limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.Select(&entries, `
		SELECT id, op, instance, detail, timestamp FROM operations
		WHERE instance = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2`,
		instanceName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read journal tail for %s: %w", instanceName, err)
	}
	return entries, nil
}
