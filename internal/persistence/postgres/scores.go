package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/castmarket/castmarket/internal/persistence"
)

type submissionScoresRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSubmissionScoresRepo creates the submission-scores repository.
func NewSubmissionScoresRepo(db *sqlx.DB, timeout time.Duration) persistence.SubmissionScoresRepo {
	return &submissionScoresRepo{db: db, timeout: timeout}
}

func (r *submissionScoresRepo) ListWindow(ctx context.Context, tr persistence.TimeRange) ([]persistence.SubmissionScoreRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT submission_id, challenge_id, user_id, resource_id, target_day, metric, value, created_at
		FROM submission_scores
		WHERE target_day >= $1 AND target_day <= $2
		ORDER BY target_day ASC, submission_id ASC`

	var out []persistence.SubmissionScoreRow
	if err := r.db.SelectContext(ctx, &out, query, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("list submission scores: %w", err)
	}
	return out, nil
}

func (r *submissionScoresRepo) ListByResourceMonth(ctx context.Context, resourceID string, year int, month time.Month) ([]persistence.SubmissionScoreRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0).Add(-time.Nanosecond)

	query := `
		SELECT submission_id, challenge_id, user_id, resource_id, target_day, metric, value, created_at
		FROM submission_scores
		WHERE resource_id = $1 AND target_day >= $2 AND target_day <= $3
		ORDER BY target_day ASC, user_id ASC`

	var out []persistence.SubmissionScoreRow
	if err := r.db.SelectContext(ctx, &out, query, resourceID, from, to); err != nil {
		return nil, fmt.Errorf("list submission scores for %s %d-%02d: %w", resourceID, year, int(month), err)
	}
	return out, nil
}

func (r *submissionScoresRepo) ChallengeIDsWithScores(ctx context.Context, tr persistence.TimeRange) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT challenge_id
		FROM submission_scores
		WHERE target_day >= $1 AND target_day <= $2`

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("list scored challenges: %w", err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (r *submissionScoresRepo) DeleteWindow(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	return deleteScoreWindow(ctx, r.db, r.timeout, "submission_scores", tr)
}

type ensembleScoresRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEnsembleScoresRepo creates the ensemble-scores repository.
func NewEnsembleScoresRepo(db *sqlx.DB, timeout time.Duration) persistence.EnsembleScoresRepo {
	return &ensembleScoresRepo{db: db, timeout: timeout}
}

func (r *ensembleScoresRepo) ListWindow(ctx context.Context, tr persistence.TimeRange) ([]persistence.EnsembleScoreRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ensemble_id, challenge_id, strategy, resource_id, target_day, metric, value, created_at
		FROM ensemble_scores
		WHERE target_day >= $1 AND target_day <= $2
		ORDER BY target_day ASC, ensemble_id ASC`

	var out []persistence.EnsembleScoreRow
	if err := r.db.SelectContext(ctx, &out, query, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("list ensemble scores: %w", err)
	}
	return out, nil
}

func (r *ensembleScoresRepo) DeleteWindow(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	return deleteScoreWindow(ctx, r.db, r.timeout, "ensemble_scores", tr)
}

// deleteScoreWindow removes one table's window inside a transaction so a
// partial delete never survives.
func deleteScoreWindow(ctx context.Context, db *sqlx.DB, timeout time.Duration, table string, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete on %s: %w", table, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE target_day >= $1 AND target_day <= $2", table),
		tr.From, tr.To)
	if err != nil {
		return 0, fmt.Errorf("delete window on %s: %w", table, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected on %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete on %s: %w", table, err)
	}
	return deleted, nil
}
