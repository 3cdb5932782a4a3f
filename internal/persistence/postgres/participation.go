package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/castmarket/castmarket/internal/persistence"
)

type participationRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewParticipationRepo creates the user-resource participation repository.
func NewParticipationRepo(db *sqlx.DB, timeout time.Duration) persistence.ParticipationRepo {
	return &participationRepo{db: db, timeout: timeout}
}

func (r *participationRepo) FixedPaymentUsers(ctx context.Context, resourceID string) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT user_id
		FROM user_resource_participation
		WHERE resource_id = $1 AND is_fixed_payment = TRUE`

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, resourceID); err != nil {
		return nil, fmt.Errorf("list fixed-payment users for %s: %w", resourceID, err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
