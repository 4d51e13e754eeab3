package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Setting keys
const (
	SettingMinFreqMHz = "tuning.min_freq_mhz"
	SettingMaxFreqMHz = "tuning.max_freq_mhz"
)

// ErrNotFound is returned when a lookup matches nothing
var ErrNotFound = errors.New("not found")

// HistoryQuery represents query parameters for retrieving history
type HistoryQuery struct {
	Limit   int
	Offset  int
	Since   *time.Time
	Source  string
	Outcome string
}

// HistoryStats represents database statistics
type HistoryStats struct {
	TotalTunes     int       `json:"total_tunes"`
	TotalConfirmed int       `json:"total_confirmed"`
	TotalPartial   int       `json:"total_partial"`
	TotalFailed    int       `json:"total_failed"`
	LastCleanup    time.Time `json:"last_cleanup"`
}

const historyColumns = `
	SELECT id, request_id, timestamp, frequency, mode, source, activator, summit,
		   outcome, error_kind, error_text, duration_ms
	FROM tune_history
`

func scanEntry(row interface{ Scan(...interface{}) error }) (HistoryEntry, error) {
	var e HistoryEntry
	err := row.Scan(
		&e.ID,
		&e.RequestID,
		&e.Timestamp,
		&e.FrequencyHz,
		&e.Mode,
		&e.Source,
		&e.Activator,
		&e.Summit,
		&e.Outcome,
		&e.ErrorKind,
		&e.Error,
		&e.DurationMs,
	)
	return e, err
}

// GetHistory retrieves history entries newest first
func (hs *HistoryStore) GetHistory(query HistoryQuery) ([]HistoryEntry, error) {
	var args []interface{}
	sqlQuery := historyColumns + " WHERE 1=1"

	if query.Since != nil {
		sqlQuery += " AND timestamp >= ?"
		args = append(args, query.Since)
	}
	if query.Source != "" {
		sqlQuery += " AND source = ?"
		args = append(args, query.Source)
	}
	if query.Outcome != "" {
		sqlQuery += " AND outcome = ?"
		args = append(args, query.Outcome)
	}

	sqlQuery += " ORDER BY timestamp DESC, id DESC"

	if query.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, query.Limit)

		if query.Offset > 0 {
			sqlQuery += " OFFSET ?"
			args = append(args, query.Offset)
		}
	}

	rows, err := hs.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetRecentHistory retrieves the most recent entries
func (hs *HistoryStore) GetRecentHistory(limit int) ([]HistoryEntry, error) {
	return hs.GetHistory(HistoryQuery{Limit: limit})
}

// GetEntry looks up one entry by request ID
func (hs *HistoryStore) GetEntry(requestID string) (HistoryEntry, error) {
	e, err := scanEntry(hs.db.QueryRow(historyColumns+" WHERE request_id = ?", requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("tune %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return e, fmt.Errorf("failed to get tune %s: %w", requestID, err)
	}
	return e, nil
}

// GetHistoryCount returns the number of stored entries
func (hs *HistoryStore) GetHistoryCount() (int, error) {
	var count int
	err := hs.db.QueryRow("SELECT COUNT(*) FROM tune_history").Scan(&count)
	return count, err
}

// GetHistoryStats retrieves lifetime statistics
func (hs *HistoryStore) GetHistoryStats() (*HistoryStats, error) {
	var stats HistoryStats
	var lastCleanup sql.NullTime

	err := hs.db.QueryRow(`
		SELECT total_tunes, total_confirmed, total_partial, total_failed, last_cleanup
		FROM history_stats WHERE id = 1
	`).Scan(&stats.TotalTunes, &stats.TotalConfirmed, &stats.TotalPartial, &stats.TotalFailed, &lastCleanup)
	if err != nil {
		return nil, fmt.Errorf("failed to get history stats: %w", err)
	}

	if lastCleanup.Valid {
		stats.LastCleanup = lastCleanup.Time
	}
	return &stats, nil
}

// GetSetting returns a stored setting
func (hs *HistoryStore) GetSetting(key string) (string, bool, error) {
	var value string
	err := hs.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting stores a setting
func (hs *HistoryStore) SetSetting(key, value string) error {
	_, err := hs.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetWindow returns the persisted tuning window in MHz. ok is false when
// none has been saved.
func (hs *HistoryStore) GetWindow() (minMHz, maxMHz float64, ok bool, err error) {
	minText, okMin, err := hs.GetSetting(SettingMinFreqMHz)
	if err != nil {
		return 0, 0, false, err
	}
	maxText, okMax, err := hs.GetSetting(SettingMaxFreqMHz)
	if err != nil {
		return 0, 0, false, err
	}
	if !okMin || !okMax {
		return 0, 0, false, nil
	}

	minMHz, err = strconv.ParseFloat(minText, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("stored minimum frequency %q: %w", minText, err)
	}
	maxMHz, err = strconv.ParseFloat(maxText, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("stored maximum frequency %q: %w", maxText, err)
	}
	return minMHz, maxMHz, true, nil
}

// SetWindow persists the tuning window in MHz
func (hs *HistoryStore) SetWindow(minMHz, maxMHz float64) error {
	tx, err := hs.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for key, v := range map[string]float64{SettingMinFreqMHz: minMHz, SettingMaxFreqMHz: maxMHz} {
		_, err := tx.Exec(`
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
		`, key, strconv.FormatFloat(v, 'f', -1, 64))
		if err != nil {
			return fmt.Errorf("failed to save tuning window: %w", err)
		}
	}

	return tx.Commit()
}
