package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"solartracker/solarsync/internal/model"
)

// InsertIngestionError records a payload that failed decoding.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		s.rebind(`INSERT INTO ingestion_errors (unit_id, payload, error, created_at) VALUES (?, ?, ?, ?);`),
		e.UnitID,
		e.Payload,
		e.Error,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// RecentIngestionErrors returns the newest journal entries first.
func (s *Store) RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		s.rebind(`SELECT unit_id, payload, error FROM ingestion_errors ORDER BY created_at DESC, id DESC LIMIT ?;`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	entries := make([]model.IngestionError, 0, limit)
	for rows.Next() {
		var unitID, payload sql.NullString
		var msg string
		if err := rows.Scan(&unitID, &payload, &msg); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		entries = append(entries, model.IngestionError{
			UnitID:  unitID.String,
			Payload: payload.String,
			Error:   msg,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}

	return entries, nil
}
