package subscription

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

type Repository interface {
	GetActiveByUser(ctx context.Context, userID int64) (*Subscription, error)
	ActivateOrExtend(ctx context.Context, userID int64, tier Tier, credits int, periodStart, periodEnd time.Time) (*Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, userID int64, cancel bool) error
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
	DeductCredit(ctx context.Context, userID int64) (bool, error)
	ListActiveUserIDs(ctx context.Context, tier Tier) ([]int64, error)
}

type postgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) GetActiveByUser(ctx context.Context, userID int64) (*Subscription, error) {
	var sub Subscription
	query := `
        SELECT * FROM subscriptions
        WHERE user_id = $1 AND status = 'active'
    `

	err := r.db.GetContext(ctx, &sub, query, userID)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveSubscription
	}
	if err != nil {
		return nil, err
	}

	return &sub, nil
}

// ActivateOrExtend upserts the member's active subscription. The partial unique
// index on (user_id) WHERE status = 'active' makes "at most one active per
// user" a storage-layer guarantee; the upsert rides on it.
func (r *postgresRepository) ActivateOrExtend(ctx context.Context, userID int64, tier Tier, credits int, periodStart, periodEnd time.Time) (*Subscription, error) {
	var sub Subscription
	query := `
        INSERT INTO subscriptions (
            user_id, tier, status, credits, current_period_start, current_period_end
        ) VALUES ($1, $2, 'active', $3, $4, $5)
        ON CONFLICT (user_id) WHERE status = 'active'
        DO UPDATE SET
            tier = $2,
            credits = subscriptions.credits + $3,
            current_period_end = $5,
            cancel_at_period_end = FALSE,
            updated_at = CURRENT_TIMESTAMP
        RETURNING *
    `

	err := r.db.GetContext(ctx, &sub, query, userID, tier, credits, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	return &sub, nil
}

func (r *postgresRepository) SetCancelAtPeriodEnd(ctx context.Context, userID int64, cancel bool) error {
	query := `
        UPDATE subscriptions
        SET cancel_at_period_end = $2, updated_at = CURRENT_TIMESTAMP
        WHERE user_id = $1 AND status = 'active'
    `

	res, err := r.db.ExecContext(ctx, query, userID, cancel)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoActiveSubscription
	}
	return nil
}

// ExpireDue is the time-based sweep: every active subscription whose period has
// ended flips to expired (or cancelled when the member flagged it).
func (r *postgresRepository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	query := `
        UPDATE subscriptions
        SET status = CASE WHEN cancel_at_period_end THEN 'cancelled' ELSE 'expired' END,
            updated_at = CURRENT_TIMESTAMP
        WHERE status = 'active' AND current_period_end < $1
    `

	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeductCredit atomically consumes one credit; returns false when none remain
func (r *postgresRepository) DeductCredit(ctx context.Context, userID int64) (bool, error) {
	query := `
        UPDATE subscriptions
        SET credits = credits - 1, updated_at = CURRENT_TIMESTAMP
        WHERE user_id = $1 AND status = 'active' AND credits > 0
    `

	res, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *postgresRepository) ListActiveUserIDs(ctx context.Context, tier Tier) ([]int64, error) {
	var ids []int64
	query := `
        SELECT user_id FROM subscriptions
        WHERE status = 'active' AND tier = $1
        ORDER BY user_id
    `

	err := r.db.SelectContext(ctx, &ids, query, tier)
	return ids, err
}
