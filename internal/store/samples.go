package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"solartracker/solarsync/internal/model"
)

const (
	// DefaultHistoryDays is used when a caller asks for a non-positive window.
	DefaultHistoryDays = 60
	// MaxHistoryDays bounds the aggregation window.
	MaxHistoryDays = 365
)

// InsertTelemetrySample persists a subset of an accepted telemetry message.
func (s *Store) InsertTelemetrySample(ctx context.Context, sample model.TelemetrySample) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	recordedAt := sample.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	var payload sql.NullString
	if len(sample.Payload) > 0 {
		payload = sql.NullString{String: string(sample.Payload), Valid: true}
	}

	_, err := s.db.ExecContext(
		ctx,
		s.rebind(`INSERT INTO telemetry_samples (device_name, energy_wh, battery_pct, payload, recorded_at) VALUES (?, ?, ?, ?, ?);`),
		sample.DeviceName,
		nullFloat(sample.EnergyWh),
		nullFloat(sample.BatteryPct),
		payload,
		formatTime(recordedAt),
	)
	if err != nil {
		return fmt.Errorf("insert telemetry sample: %w", err)
	}
	return nil
}

// ClampHistoryDays applies the default and the upper bound to a window size.
func ClampHistoryDays(days int) int {
	switch {
	case days <= 0:
		return DefaultHistoryDays
	case days > MaxHistoryDays:
		return MaxHistoryDays
	}
	return days
}

// DailyHistory aggregates samples into UTC day buckets covering the last
// days days up to now, oldest day first. Each bucket carries min/max energy,
// average battery, and the device seen last that day.
func (s *Store) DailyHistory(ctx context.Context, days int, now time.Time) ([]model.DailyHistory, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	days = ClampHistoryDays(days)
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(days - 1))

	rows, err := s.db.QueryContext(
		ctx,
		s.rebind(`SELECT device_name, energy_wh, battery_pct, recorded_at
		 FROM telemetry_samples
		 WHERE recorded_at >= ?
		 ORDER BY recorded_at ASC, id ASC;`),
		formatTime(start),
	)
	if err != nil {
		return nil, fmt.Errorf("query telemetry samples: %w", err)
	}
	defer rows.Close()

	type bucket struct {
		model.DailyHistory
		batterySum   float64
		batteryCount int
	}

	var (
		order   []string
		buckets = make(map[string]*bucket)
	)

	for rows.Next() {
		var (
			name        string
			energy      sql.NullFloat64
			battery     sql.NullFloat64
			recordedStr string
		)
		if err := rows.Scan(&name, &energy, &battery, &recordedStr); err != nil {
			return nil, fmt.Errorf("scan telemetry sample: %w", err)
		}

		day := parseTime(recordedStr).Format("2006-01-02")
		b, ok := buckets[day]
		if !ok {
			b = &bucket{DailyHistory: model.DailyHistory{Day: day}}
			buckets[day] = b
			order = append(order, day)
		}

		b.Samples++
		if name != "" {
			b.LastDeviceName = name
		}
		if energy.Valid {
			e := energy.Float64
			if b.MinEnergyWh == nil || e < *b.MinEnergyWh {
				v := e
				b.MinEnergyWh = &v
			}
			if b.MaxEnergyWh == nil || e > *b.MaxEnergyWh {
				v := e
				b.MaxEnergyWh = &v
			}
		}
		if battery.Valid {
			b.batterySum += battery.Float64
			b.batteryCount++
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry samples: %w", err)
	}

	history := make([]model.DailyHistory, 0, len(order))
	for _, day := range order {
		b := buckets[day]
		if b.batteryCount > 0 {
			avg := b.batterySum / float64(b.batteryCount)
			b.AvgBatteryPct = &avg
		}
		history = append(history, b.DailyHistory)
	}
	return history, nil
}
