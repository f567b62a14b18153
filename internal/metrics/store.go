package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StepMetric records one handled wizard step.
type StepMetric struct {
	Step      string
	Action    string
	Outcome   string
	LatencyMS int64
	Timestamp time.Time
}

// Store handles persistence of metrics to SQLite.
type Store struct {
	db *sql.DB
}

// NewStore initializes the Store with an existing database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record saves a metric to the database.
func (s *Store) Record(ctx context.Context, m StepMetric) error {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_metrics (step, action, outcome, latency_ms, timestamp) VALUES (?, ?, ?, ?, ?)`,
		m.Step, m.Action, m.Outcome, m.LatencyMS, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record step metric: %w", err)
	}
	return nil
}

// DailyUsage represents wizard totals for a single day.
type DailyUsage struct {
	Date         string
	TotalSteps   int
	TotalOK      int
	TotalFailed  int
	AvgLatencyMS int64
}

// GetDailyUsage retrieves totals for the last N days, newest first.
func (s *Store) GetDailyUsage(ctx context.Context, days int) ([]DailyUsage, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%d', timestamp) AS day,
			COUNT(*),
			SUM(CASE WHEN outcome IN ('ok', 'skipped') THEN 1 ELSE 0 END),
			CAST(AVG(latency_ms) AS INTEGER)
		FROM step_metrics
		WHERE timestamp >= ?
		GROUP BY day
		ORDER BY day DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer rows.Close()

	var results []DailyUsage
	for rows.Next() {
		var (
			day sql.NullString
			u   DailyUsage
		)
		if err := rows.Scan(&day, &u.TotalSteps, &u.TotalOK, &u.AvgLatencyMS); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		u.Date = "Unknown"
		if day.Valid {
			u.Date = day.String
		}
		u.TotalFailed = u.TotalSteps - u.TotalOK
		results = append(results, u)
	}
	return results, rows.Err()
}

// Cleanup removes records older than the specified number of days.
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	threshold := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM step_metrics WHERE timestamp < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up step metrics: %w", err)
	}
	return res.RowsAffected()
}
