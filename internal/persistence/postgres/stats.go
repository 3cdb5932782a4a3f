package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/castmarket/castmarket/internal/persistence"
)

type monthlyStatsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMonthlyStatsRepo creates the monthly-stats repository.
func NewMonthlyStatsRepo(db *sqlx.DB, timeout time.Duration) persistence.MonthlyStatsRepo {
	return &monthlyStatsRepo{db: db, timeout: timeout}
}

// Replace rewrites one (resource, year, month) wholesale: delete then
// insert in a single transaction, never an incremental update.
func (r *monthlyStatsRepo) Replace(ctx context.Context, resourceID string, year int, month time.Month, rows []persistence.MonthlyStatsRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stats replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM forecaster_monthly_stats
		WHERE resource_id = $1 AND year = $2 AND month = $3`,
		resourceID, year, int(month)); err != nil {
		return fmt.Errorf("delete stats for %s %d-%02d: %w", resourceID, year, int(month), err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO forecaster_monthly_stats
			(user_id, resource_id, year, month, metric, track, league, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("prepare stats insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.UserID, row.ResourceID, row.Year, row.Month,
			row.Metric, row.Track, row.League, row.Payload); err != nil {
			return fmt.Errorf("insert stats for %s/%s: %w", row.ResourceID, row.UserID, err)
		}
	}

	return tx.Commit()
}
