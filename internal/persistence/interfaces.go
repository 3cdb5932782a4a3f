// Package persistence defines the repository contracts over the market's
// relational store: raw measurements, submission and ensemble scores,
// participation flags and the monthly stats table. Implementations live
// in the postgres subpackage.
package persistence

import (
	"context"
	"time"

	"github.com/castmarket/castmarket/internal/market"
)

// TimeRange is a closed query window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Measurement is one observed value for one resource.
type Measurement struct {
	ResourceID string    `json:"resource_id" db:"resource_id"`
	Timestamp  time.Time `json:"ts" db:"ts"`
	Value      float64   `json:"value" db:"value"`
}

// SubmissionScoreRow is one persisted submission score, keyed by the
// challenge's target day so score windows can be exported and deleted by
// day range.
type SubmissionScoreRow struct {
	SubmissionID string        `json:"submission_id" db:"submission_id"`
	ChallengeID  string        `json:"challenge_id" db:"challenge_id"`
	UserID       string        `json:"user_id" db:"user_id"`
	ResourceID   string        `json:"resource_id" db:"resource_id"`
	TargetDay    time.Time     `json:"target_day" db:"target_day"`
	Metric       market.Metric `json:"metric" db:"metric"`
	Value        float64       `json:"value" db:"value"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
}

// EnsembleScoreRow is one persisted ensemble score.
type EnsembleScoreRow struct {
	EnsembleID  string        `json:"ensemble_id" db:"ensemble_id"`
	ChallengeID string        `json:"challenge_id" db:"challenge_id"`
	Strategy    string        `json:"strategy" db:"strategy"`
	ResourceID  string        `json:"resource_id" db:"resource_id"`
	TargetDay   time.Time     `json:"target_day" db:"target_day"`
	Metric      market.Metric `json:"metric" db:"metric"`
	Value       float64       `json:"value" db:"value"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// MonthlyStatsRow is one forecaster's monthly KPI record; the full record
// (stats, league, histograms) travels as a JSON payload.
type MonthlyStatsRow struct {
	UserID     string `json:"user_id" db:"user_id"`
	ResourceID string `json:"resource_id" db:"resource_id"`
	Year       int    `json:"year" db:"year"`
	Month      int    `json:"month" db:"month"`
	Metric     string `json:"metric" db:"metric"`
	Track      string `json:"track" db:"track"`
	League     string `json:"league" db:"league"`
	Payload    []byte `json:"payload" db:"payload"`
}

// MeasurementsRepo reads the raw measurement series.
type MeasurementsRepo interface {
	// ListByResource returns the resource's observations inside the
	// window, ordered ascending by timestamp.
	ListByResource(ctx context.Context, resourceID string, tr TimeRange) ([]Measurement, error)
}

// SubmissionScoresRepo reads and prunes submission scores. Writes go
// through the market API; the repo's destructive surface exists for the
// score recompute, which must export before it deletes.
type SubmissionScoresRepo interface {
	// ListWindow returns every score whose target day falls in the window.
	ListWindow(ctx context.Context, tr TimeRange) ([]SubmissionScoreRow, error)

	// ListByResourceMonth returns the scores feeding one resource's
	// monthly aggregation.
	ListByResourceMonth(ctx context.Context, resourceID string, year int, month time.Month) ([]SubmissionScoreRow, error)

	// ChallengeIDsWithScores reports which challenges in the window
	// already carry at least one score.
	ChallengeIDsWithScores(ctx context.Context, tr TimeRange) (map[string]bool, error)

	// DeleteWindow removes every score in the window in one transaction
	// and returns the number of rows deleted.
	DeleteWindow(ctx context.Context, tr TimeRange) (int64, error)
}

// EnsembleScoresRepo is the ensemble-score counterpart.
type EnsembleScoresRepo interface {
	ListWindow(ctx context.Context, tr TimeRange) ([]EnsembleScoreRow, error)
	DeleteWindow(ctx context.Context, tr TimeRange) (int64, error)
}

// MonthlyStatsRepo rewrites the monthly KPI table.
type MonthlyStatsRepo interface {
	// Replace deletes the (resource, year, month) rows and inserts the
	// fresh records inside a single transaction.
	Replace(ctx context.Context, resourceID string, year int, month time.Month, rows []MonthlyStatsRow) error
}

// ParticipationRepo reads the user-resource participation flags.
type ParticipationRepo interface {
	// FixedPaymentUsers returns the forecasters contracted at a fixed
	// payment for the resource; they are excluded from league ranking.
	FixedPaymentUsers(ctx context.Context, resourceID string) (map[string]bool, error)
}

// Repository aggregates the store surface the orchestrator needs.
type Repository struct {
	Measurements     MeasurementsRepo
	SubmissionScores SubmissionScoresRepo
	EnsembleScores   EnsembleScoresRepo
	MonthlyStats     MonthlyStatsRepo
	Participation    ParticipationRepo
}
