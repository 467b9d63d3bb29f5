package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxQueryLength bounds a stored search query, in characters
const MaxQueryLength = 500

// SaveSnapshot stores the web search performed for a run. A reclaimed run
// searches again, so an existing snapshot for the run is replaced.
func (db *DB) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if utf8.RuneCountInString(snap.Query) > MaxQueryLength {
		snap.Query = string([]rune(snap.Query)[:MaxQueryLength])
	}
	items := snap.Results
	if items == nil {
		items = []SearchItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode search results: %w", err)
	}
	if snap.Status == "" {
		snap.Status = SnapshotOK
	}
	snap.ID = newID()
	snap.CreatedAt = time.Now().UTC()

	err = db.conn.QueryRowContext(ctx, `
		INSERT INTO web_search_snapshots (id, run_id, query, status, results_json, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			query = excluded.query, status = excluded.status, results_json = excluded.results_json,
			error_message = excluded.error_message, created_at = excluded.created_at
		RETURNING id
	`, snap.ID, snap.RunID, snap.Query, snap.Status, string(raw), snap.ErrorMessage, snap.CreatedAt).Scan(&snap.ID)
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// GetSnapshotByRun retrieves the web search snapshot of a run
func (db *DB) GetSnapshotByRun(ctx context.Context, runID string) (*Snapshot, error) {
	snap := &Snapshot{}
	var status, raw string
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, run_id, query, status, results_json, error_message, created_at
		FROM web_search_snapshots WHERE run_id = ?
	`, runID).Scan(&snap.ID, &snap.RunID, &snap.Query, &status, &raw, &snap.ErrorMessage, &snap.CreatedAt)
	if err != nil {
		return nil, notFound(err, "snapshot for run "+runID)
	}
	snap.Status = SnapshotStatus(status)
	if err := json.Unmarshal([]byte(raw), &snap.Results); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}
	return snap, nil
}
