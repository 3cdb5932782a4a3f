// Package postgres implements the persistence repositories over a
// PostgreSQL store via sqlx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/castmarket/castmarket/internal/config"
	"github.com/castmarket/castmarket/internal/persistence"
)

// Connect opens and pings the database, then wires the repositories. A
// failed ping is fatal: the orchestrator refuses to start without its
// store.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, *persistence.Repository, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	return db, NewRepository(db, cfg.QueryTimeout), nil
}

// NewRepository wires every repository over one connection pool.
func NewRepository(db *sqlx.DB, timeout time.Duration) *persistence.Repository {
	return &persistence.Repository{
		Measurements:     NewMeasurementsRepo(db, timeout),
		SubmissionScores: NewSubmissionScoresRepo(db, timeout),
		EnsembleScores:   NewEnsembleScoresRepo(db, timeout),
		MonthlyStats:     NewMonthlyStatsRepo(db, timeout),
		Participation:    NewParticipationRepo(db, timeout),
	}
}
