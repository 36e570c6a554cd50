// Package store provides SQLite-backed persistence for autopatch.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/autopatch/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the autopatch SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL lets the dashboard read while the engine writes
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		file_count INTEGER NOT NULL,
		total_bytes INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		outcome TEXT NOT NULL,
		message TEXT,
		findings TEXT,
		snapshot_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		ticket_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		runtime TEXT NOT NULL,
		mode TEXT NOT NULL,
		stdout TEXT,
		stderr TEXT,
		error_kind TEXT,
		error_message TEXT,
		exit_code INTEGER,
		truncated INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL,
		started_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_status ON snapshots(status);
	CREATE INDEX IF NOT EXISTS idx_tickets_created_at ON tickets(created_at);
	CREATE INDEX IF NOT EXISTS idx_pdr_ticket_id ON pdr(ticket_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Snapshot Operations ---

// NextSnapshotSeq returns the sequence number for the next snapshot.
// Sequences never repeat, even after older snapshots are pruned.
func (s *Store) NextSnapshotSeq() (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM snapshots`).Scan(&max); err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return max.Int64 + 1, nil
}

// InsertActiveSnapshot records snap as ACTIVE and demotes the previous ACTIVE one in one transaction.
func (s *Store) InsertActiveSnapshot(snap *models.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE snapshots SET status = ? WHERE status = ?`, models.SnapshotArchived, models.SnapshotActive); err != nil {
		return fmt.Errorf("archive snapshots: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO snapshots (id, seq, created_at, status, file_count, total_bytes) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Seq, snap.CreatedAt, models.SnapshotActive, snap.FileCount, snap.TotalBytes,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	snap.Status = models.SnapshotActive
	return nil
}

// ActivateSnapshot marks id ACTIVE and every other snapshot ARCHIVED.
func (s *Store) ActivateSnapshot(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE snapshots SET status = ? WHERE id = ?`, models.SnapshotActive, id)
	if err != nil {
		return fmt.Errorf("activate snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("snapshot %s not found", id)
	}
	if _, err := tx.Exec(`UPDATE snapshots SET status = ? WHERE id != ?`, models.SnapshotArchived, id); err != nil {
		return fmt.Errorf("archive snapshots: %w", err)
	}
	return tx.Commit()
}

// GetSnapshot returns a snapshot index row or nil if it does not exist.
func (s *Store) GetSnapshot(id string) (*models.Snapshot, error) {
	snap := &models.Snapshot{}
	err := s.db.QueryRow(
		`SELECT id, seq, created_at, status, file_count, total_bytes FROM snapshots WHERE id = ?`,
		id,
	).Scan(&snap.ID, &snap.Seq, &snap.CreatedAt, &snap.Status, &snap.FileCount, &snap.TotalBytes)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return snap, nil
}

// ActiveSnapshot returns the ACTIVE snapshot or nil if none exists yet.
func (s *Store) ActiveSnapshot() (*models.Snapshot, error) {
	snap := &models.Snapshot{}
	err := s.db.QueryRow(
		`SELECT id, seq, created_at, status, file_count, total_bytes FROM snapshots WHERE status = ? ORDER BY seq DESC LIMIT 1`,
		models.SnapshotActive,
	).Scan(&snap.ID, &snap.Seq, &snap.CreatedAt, &snap.Status, &snap.FileCount, &snap.TotalBytes)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns all snapshots, newest first.
func (s *Store) ListSnapshots() ([]models.Snapshot, error) {
	rows, err := s.db.Query(`SELECT id, seq, created_at, status, file_count, total_bytes FROM snapshots ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.Snapshot
	for rows.Next() {
		var snap models.Snapshot
		if err := rows.Scan(&snap.ID, &snap.Seq, &snap.CreatedAt, &snap.Status, &snap.FileCount, &snap.TotalBytes); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// DeleteSnapshot removes an ARCHIVED snapshot row. ACTIVE rows are never deleted.
func (s *Store) DeleteSnapshot(id string) error {
	_, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ? AND status != ?`, id, models.SnapshotActive)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// --- Ticket Operations ---

// SaveTicket inserts or updates a ticket.
func (s *Store) SaveTicket(t *models.Ticket) error {
	source, err := json.Marshal(t.Source)
	if err != nil {
		return fmt.Errorf("marshal source: %w", err)
	}
	findings, err := json.Marshal(t.Findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO tickets (id, source, outcome, message, findings, snapshot_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET outcome = excluded.outcome, message = excluded.message,
		   findings = excluded.findings, snapshot_id = excluded.snapshot_id, updated_at = excluded.updated_at`,
		t.ID, string(source), t.Outcome, t.Message, string(findings), t.SnapshotID, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save ticket: %w", err)
	}
	return nil
}

// GetTicket returns a ticket or nil if it does not exist.
func (s *Store) GetTicket(id string) (*models.Ticket, error) {
	rows, err := s.db.Query(
		`SELECT id, source, outcome, message, findings, snapshot_id, created_at, updated_at FROM tickets WHERE id = ?`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("query ticket: %w", err)
	}
	defer rows.Close()

	tickets, err := scanTickets(rows)
	if err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return nil, nil
	}
	return &tickets[0], nil
}

// ListTickets returns the most recent tickets, newest first.
func (s *Store) ListTickets(limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, source, outcome, message, findings, snapshot_id, created_at, updated_at FROM tickets ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()
	return scanTickets(rows)
}

func scanTickets(rows *sql.Rows) ([]models.Ticket, error) {
	var tickets []models.Ticket
	for rows.Next() {
		var t models.Ticket
		var source string
		var message, findings, snapshotID sql.NullString
		if err := rows.Scan(&t.ID, &source, &t.Outcome, &message, &findings, &snapshotID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		if err := json.Unmarshal([]byte(source), &t.Source); err != nil {
			return nil, fmt.Errorf("decode ticket source: %w", err)
		}
		if findings.Valid && findings.String != "" {
			if err := json.Unmarshal([]byte(findings.String), &t.Findings); err != nil {
				return nil, fmt.Errorf("decode ticket findings: %w", err)
			}
		}
		t.Message = message.String
		t.SnapshotID = snapshotID.String
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, ticketID, details string) (*models.PDREntry, error) {
	now := time.Now().UTC()
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TicketID:   ticketID,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, ticket_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.TicketID, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDRs returns decision records, newest first. An empty ticketID lists all.
func (s *Store) ListPDRs(ticketID string, limit int) ([]models.PDREntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action, inputs_hash, outcome, ticket_id, details, timestamp FROM pdr`
	args := []interface{}{}
	if ticketID != "" {
		query += ` WHERE ticket_id = ?`
		args = append(args, ticketID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdrs: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var tid, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &tid, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.TicketID = tid.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Execution Operations ---

// RecordExecution stores an executor result.
func (s *Store) RecordExecution(r *models.ExecutionResult) error {
	var kind, msg sql.NullString
	var code sql.NullInt64
	if r.Error != nil {
		kind = sql.NullString{String: r.Error.Kind, Valid: true}
		msg = sql.NullString{String: r.Error.Message, Valid: true}
		code = sql.NullInt64{Int64: int64(r.Error.ExitCode), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO executions (id, runtime, mode, stdout, stderr, error_kind, error_message, exit_code, truncated, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Runtime, r.Mode, r.Stdout, r.Stderr, kind, msg, code, r.Truncated, r.Duration.Milliseconds(), r.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ListExecutions returns recent executions, newest first.
func (s *Store) ListExecutions(limit int) ([]models.ExecutionResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, runtime, mode, stdout, stderr, error_kind, error_message, exit_code, truncated, duration_ms, started_at
		 FROM executions ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var results []models.ExecutionResult
	for rows.Next() {
		var r models.ExecutionResult
		var stdout, stderr, kind, msg sql.NullString
		var code sql.NullInt64
		var durationMs int64
		if err := rows.Scan(&r.ID, &r.Runtime, &r.Mode, &stdout, &stderr, &kind, &msg, &code, &r.Truncated, &durationMs, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		r.Stdout = stdout.String
		r.Stderr = stderr.String
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if kind.Valid {
			r.Error = &models.RaisedError{Kind: kind.String, Message: msg.String, ExitCode: int(code.Int64)}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
