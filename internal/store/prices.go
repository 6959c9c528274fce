package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"solartracker/solarsync/internal/model"
)

// InsertGridPrice records a new current price. The latest row by recency is
// the current price.
func (s *Store) InsertGridPrice(ctx context.Context, price float64, savings *float64, at time.Time) (model.GridPrice, error) {
	if s.db == nil {
		return model.GridPrice{}, fmt.Errorf("store not initialized")
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return model.GridPrice{}, fmt.Errorf("grid price must be a positive number, got %v", price)
	}

	ts := formatTime(at)

	var id int64
	err := s.db.QueryRowContext(
		ctx,
		s.rebind(`INSERT INTO grid_price (price, estimated_savings, created_at, updated_at) VALUES (?, ?, ?, ?) RETURNING id;`),
		price,
		nullFloat(savings),
		ts,
		ts,
	).Scan(&id)
	if err != nil {
		return model.GridPrice{}, fmt.Errorf("insert grid price: %w", err)
	}

	return model.GridPrice{
		ID:               id,
		Price:            price,
		EstimatedSavings: savings,
		CreatedAt:        parseTime(ts),
		UpdatedAt:        parseTime(ts),
	}, nil
}

// LatestGridPrice returns the most recent price or ErrNotFound.
func (s *Store) LatestGridPrice(ctx context.Context) (model.GridPrice, error) {
	if s.db == nil {
		return model.GridPrice{}, fmt.Errorf("store not initialized")
	}

	var (
		gp                   model.GridPrice
		savings              sql.NullFloat64
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, price, estimated_savings, created_at, updated_at
		 FROM grid_price
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1;`,
	).Scan(&gp.ID, &gp.Price, &savings, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GridPrice{}, ErrNotFound
	}
	if err != nil {
		return model.GridPrice{}, fmt.Errorf("latest grid price: %w", err)
	}

	gp.EstimatedSavings = floatPtr(savings)
	gp.CreatedAt = parseTime(createdAt)
	gp.UpdatedAt = parseTime(updatedAt)
	return gp, nil
}
