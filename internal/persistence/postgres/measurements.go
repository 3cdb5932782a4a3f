package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/castmarket/castmarket/internal/persistence"
)

type measurementsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMeasurementsRepo creates the raw-measurements repository.
func NewMeasurementsRepo(db *sqlx.DB, timeout time.Duration) persistence.MeasurementsRepo {
	return &measurementsRepo{db: db, timeout: timeout}
}

func (r *measurementsRepo) ListByResource(ctx context.Context, resourceID string, tr persistence.TimeRange) ([]persistence.Measurement, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT resource_id, ts, value
		FROM raw_measurements
		WHERE resource_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC`

	var out []persistence.Measurement
	if err := r.db.SelectContext(ctx, &out, query, resourceID, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("list measurements for %s: %w", resourceID, err)
	}
	return out, nil
}
