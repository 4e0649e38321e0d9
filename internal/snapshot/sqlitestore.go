package snapshot

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/procherder/agent/internal/herderr"
)

// SQLiteStore keeps every snapshot as a row, so past sessions stay
// queryable; Load returns only the newest. Selected with
// agent.snapshotBackend: sqlite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) snapshots.db in the state dir.
func NewSQLiteStore(dir string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "snapshots.db"))
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	// The agent is the single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			saved_at       TEXT NOT NULL,
			session_id     TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			payload        TEXT NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger.With("component", "snapshot")}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save appends a new snapshot row and prunes rows older than 7 days.
func (s *SQLiteStore) Save(snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO snapshots (saved_at, session_id, schema_version, payload) VALUES (?, ?, ?, ?)`,
		snap.SavedAt.String(), snap.SessionID, snap.SchemaVersion, string(payload),
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -7).Format(time.RFC3339Nano)
	if _, err := s.db.Exec(`DELETE FROM snapshots WHERE saved_at < ?`, cutoff); err != nil {
		s.logger.Warn("snapshot history prune failed", "error", err)
	}
	return nil
}

// Load returns the most recent snapshot row. A row that fails to parse or
// carries an unknown schema is deleted and reported as SnapshotCorrupt.
func (s *SQLiteStore) Load() (Snapshot, bool, error) {
	var id int64
	var payload string
	err := s.db.QueryRow(`SELECT id, payload FROM snapshots ORDER BY id DESC LIMIT 1`).Scan(&id, &payload)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("query snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return Snapshot{}, false, s.quarantineRow(id, fmt.Sprintf("unparseable: %v", err))
	}
	if snap.SchemaVersion != SchemaVersion {
		return Snapshot{}, false, s.quarantineRow(id, fmt.Sprintf("unknown schema version %d", snap.SchemaVersion))
	}
	return snap, true, nil
}

func (s *SQLiteStore) quarantineRow(id int64, reason string) error {
	if _, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		s.logger.Error("failed to delete corrupt snapshot row", "id", id, "error", err)
	} else {
		s.logger.Warn("deleted corrupt snapshot row", "id", id, "reason", reason)
	}
	return herderr.New(herderr.SnapshotCorrupt, "snapshot row discarded: "+reason)
}

// History returns the saved_at/session_id pairs of retained snapshots,
// newest first, for diagnostic queries.
func (s *SQLiteStore) History(limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT saved_at, session_id FROM snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshot history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.SavedAt, &e.SessionID); err != nil {
			return nil, fmt.Errorf("scan snapshot history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HistoryEntry is one retained snapshot's identifying metadata.
type HistoryEntry struct {
	SavedAt   string `json:"savedAt"`
	SessionID string `json:"sessionId"`
}
