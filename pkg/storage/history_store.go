package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dougsko/sotacat/pkg/logging"
)

// Tune sources
const (
	SourceManual = "manual"
	SourceSpot   = "spot"
	SourceMode   = "mode"
)

// Tune outcomes
const (
	OutcomeConfirmed        = "confirmed"
	OutcomePartiallyApplied = "partially_applied"
	OutcomeFailed           = "failed"
)

// HistoryEntry is one tuning attempt
type HistoryEntry struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	FrequencyHz int64     `json:"frequency_hz"`
	Mode        string    `json:"mode"`
	Source      string    `json:"source"`
	Activator   string    `json:"activator,omitempty"`
	Summit      string    `json:"summit,omitempty"`
	Outcome     string    `json:"outcome"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
}

// HistoryStore keeps tuning history and daemon settings in SQLite
type HistoryStore struct {
	db         *sql.DB
	dbPath     string
	maxHistory int
}

// NewHistoryStore creates a new history store with SQLite backend
func NewHistoryStore(dbPath string, maxHistory int) (*HistoryStore, error) {
	store := &HistoryStore{
		dbPath:     dbPath,
		maxHistory: maxHistory,
	}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize history store: %w", err)
	}

	return store, nil
}

// initialize sets up the database connection and creates tables
func (hs *HistoryStore) initialize() error {
	if hs.dbPath == "" {
		hs.dbPath = "./sotacat.db"
	}

	if err := os.MkdirAll(filepath.Dir(hs.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	connectionString := hs.dbPath + "?_busy_timeout=10000&_journal_mode=WAL"

	db, err := sql.Open("sqlite3", connectionString)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	hs.db = db

	if err := hs.createTables(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if err := hs.createIndexes(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logging.Info("storage", "History store initialized", map[string]interface{}{
		"path":        hs.dbPath,
		"max_history": hs.maxHistory,
	})
	return nil
}

// createTables creates the database schema
func (hs *HistoryStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tune_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL UNIQUE,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		frequency INTEGER NOT NULL,
		mode TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'manual',
		activator TEXT NOT NULL DEFAULT '',
		summit TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL CHECK (outcome IN ('confirmed', 'partially_applied', 'failed')),
		error_kind TEXT NOT NULL DEFAULT '',
		error_text TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS history_stats (
		id INTEGER PRIMARY KEY,
		total_tunes INTEGER NOT NULL DEFAULT 0,
		total_confirmed INTEGER NOT NULL DEFAULT 0,
		total_partial INTEGER NOT NULL DEFAULT 0,
		total_failed INTEGER NOT NULL DEFAULT 0,
		last_cleanup DATETIME
	);

	INSERT OR IGNORE INTO history_stats (id) VALUES (1);
	`

	_, err := hs.db.Exec(schema)
	return err
}

// createIndexes creates database indexes for performance
func (hs *HistoryStore) createIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_tune_history_timestamp ON tune_history(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_tune_history_outcome ON tune_history(outcome)",
		"CREATE INDEX IF NOT EXISTS idx_tune_history_source ON tune_history(source)",
	}

	for _, indexSQL := range indexes {
		if _, err := hs.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// RecordTune stores a tuning attempt. A missing request ID or timestamp
// is filled in; the stored entry is returned.
func (hs *HistoryStore) RecordTune(entry HistoryEntry) (HistoryEntry, error) {
	if entry.RequestID == "" {
		entry.RequestID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Source == "" {
		entry.Source = SourceManual
	}

	tx, err := hs.db.Begin()
	if err != nil {
		return entry, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO tune_history (
			request_id, timestamp, frequency, mode, source, activator, summit,
			outcome, error_kind, error_text, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.RequestID, entry.Timestamp, entry.FrequencyHz, entry.Mode, entry.Source,
		entry.Activator, entry.Summit, entry.Outcome, entry.ErrorKind, entry.Error, entry.DurationMs,
	)
	if err != nil {
		return entry, fmt.Errorf("failed to insert tune: %w", err)
	}

	entry.ID, err = result.LastInsertId()
	if err != nil {
		return entry, fmt.Errorf("failed to get tune ID: %w", err)
	}

	if err := hs.updateStats(tx, entry.Outcome); err != nil {
		return entry, fmt.Errorf("failed to update stats: %w", err)
	}

	if err := hs.cleanupOldHistory(tx); err != nil {
		logging.Warnf("storage", "Failed to cleanup old history: %v", err)
	}

	return entry, tx.Commit()
}

// updateStats updates tune statistics
func (hs *HistoryStore) updateStats(tx *sql.Tx, outcome string) error {
	_, err := tx.Exec(`
		UPDATE history_stats SET
			total_tunes = total_tunes + 1,
			total_confirmed = CASE WHEN ? = 'confirmed' THEN total_confirmed + 1 ELSE total_confirmed END,
			total_partial = CASE WHEN ? = 'partially_applied' THEN total_partial + 1 ELSE total_partial END,
			total_failed = CASE WHEN ? = 'failed' THEN total_failed + 1 ELSE total_failed END
		WHERE id = 1
	`, outcome, outcome, outcome)
	return err
}

// CleanupOldHistory removes entries beyond the maximum limit
func (hs *HistoryStore) CleanupOldHistory() error {
	tx, err := hs.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := hs.cleanupOldHistory(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func (hs *HistoryStore) cleanupOldHistory(tx *sql.Tx) error {
	if hs.maxHistory <= 0 {
		return nil
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM tune_history").Scan(&count); err != nil {
		return err
	}
	if count <= hs.maxHistory {
		return nil
	}

	_, err := tx.Exec(`
		DELETE FROM tune_history
		WHERE id IN (
			SELECT id FROM tune_history
			ORDER BY timestamp ASC, id ASC
			LIMIT ?
		)
	`, count-hs.maxHistory)
	if err != nil {
		return err
	}

	_, err = tx.Exec("UPDATE history_stats SET last_cleanup = CURRENT_TIMESTAMP WHERE id = 1")
	return err
}

// Close closes the database connection
func (hs *HistoryStore) Close() error {
	if hs.db != nil {
		return hs.db.Close()
	}
	return nil
}
