package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// AuditEntry is one row of the audit log: a successful mutation performed
// through the API.
type AuditEntry struct {
	ID         int64
	OccurredAt time.Time
	RequestID  string
	Caller     string
	Operation  string
	EscrowID   uint64
	Digest     string
	Detail     string
}

// AuditLog appends mutation records to a SQLite database.
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog opens or creates the audit database at path. ":memory:" keeps
// the log in process memory.
func OpenAuditLog(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	log := &AuditLog{db: db}
	if err := log.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

func (l *AuditLog) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            request_id TEXT,
            caller TEXT NOT NULL,
            operation TEXT NOT NULL,
            escrow_id INTEGER NOT NULL DEFAULT 0,
            digest TEXT,
            detail TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS audit_log_escrow ON audit_log(escrow_id, id);`,
	}
	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("audit: init schema: %w", err)
		}
	}
	return nil
}

func (l *AuditLog) Close() error {
	return l.db.Close()
}

// Append inserts entry. A zero OccurredAt is stamped with the current time.
func (l *AuditLog) Append(ctx context.Context, entry AuditEntry) (int64, error) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	const stmt = `INSERT INTO audit_log(occurred_at, request_id, caller, operation, escrow_id, digest, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := l.db.ExecContext(ctx, stmt, entry.OccurredAt, entry.RequestID, entry.Caller, entry.Operation, int64(entry.EscrowID), entry.Digest, entry.Detail)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ForEscrow returns the audit rows of one escrow, oldest first.
func (l *AuditLog) ForEscrow(ctx context.Context, escrowID uint64) ([]AuditEntry, error) {
	const query = `SELECT id, occurred_at, request_id, caller, operation, escrow_id, digest, detail FROM audit_log WHERE escrow_id = ? ORDER BY id ASC`
	rows, err := l.db.QueryContext(ctx, query, int64(escrowID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []AuditEntry
	for rows.Next() {
		var (
			entry AuditEntry
			id    int64
		)
		if err := rows.Scan(&entry.ID, &entry.OccurredAt, &entry.RequestID, &entry.Caller, &entry.Operation, &id, &entry.Digest, &entry.Detail); err != nil {
			return nil, err
		}
		entry.EscrowID = uint64(id)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
