package payment

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrDuplicateKey    = errors.New("idempotency key already used")
)

type Repository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id int64) (*Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error)
	GetByReference(ctx context.Context, reference string) (*Payment, error)
	GetByInternalRef(ctx context.Context, internalRef string) (*Payment, error)
	SetCheckout(ctx context.Context, id int64, reference, checkoutURL string) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	// CompletePending transitions pending to completed; returns false when the
	// row was not pending.
	CompletePending(ctx context.Context, id int64, credits int, at time.Time) (bool, error)
	// MarkEntitlementGranted records that the subscription side of a
	// completed payment has been applied. Until it is set, a re-delivered
	// webhook retries the grant.
	MarkEntitlementGranted(ctx context.Context, id int64) error
	RefundCompleted(ctx context.Context, id int64, at time.Time) (bool, error)
}

type postgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) Create(ctx context.Context, p *Payment) error {
	query := `
        INSERT INTO payments (
            user_id, internal_ref, idempotency_key, gateway, status,
            amount, currency, purpose, tier
        ) VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, $8)
        RETURNING id, status, created_at
    `

	err := r.db.QueryRowxContext(
		ctx, query,
		p.UserID, p.InternalRef, p.IdempotencyKey, p.Gateway,
		p.Amount, p.Currency, p.Purpose, p.Tier,
	).Scan(&p.ID, &p.Status, &p.CreatedAt)

	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateKey
	}
	return err
}

func (r *postgresRepository) GetByID(ctx context.Context, id int64) (*Payment, error) {
	return r.getOne(ctx, `SELECT * FROM payments WHERE id = $1`, id)
}

func (r *postgresRepository) GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error) {
	return r.getOne(ctx, `SELECT * FROM payments WHERE idempotency_key = $1`, key)
}

func (r *postgresRepository) GetByReference(ctx context.Context, reference string) (*Payment, error) {
	return r.getOne(ctx, `SELECT * FROM payments WHERE reference = $1`, reference)
}

func (r *postgresRepository) GetByInternalRef(ctx context.Context, internalRef string) (*Payment, error) {
	return r.getOne(ctx, `SELECT * FROM payments WHERE internal_ref = $1`, internalRef)
}

func (r *postgresRepository) getOne(ctx context.Context, query string, arg interface{}) (*Payment, error) {
	var p Payment
	err := r.db.GetContext(ctx, &p, query, arg)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *postgresRepository) SetCheckout(ctx context.Context, id int64, reference, checkoutURL string) error {
	query := `
        UPDATE payments
        SET reference = NULLIF($2, ''), checkout_url = $3
        WHERE id = $1
    `

	_, err := r.db.ExecContext(ctx, query, id, reference, checkoutURL)
	return err
}

func (r *postgresRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	query := `
        UPDATE payments
        SET status = 'failed', last_error = $2
        WHERE id = $1 AND status = 'pending'
    `

	_, err := r.db.ExecContext(ctx, query, id, reason)
	return err
}

func (r *postgresRepository) CompletePending(ctx context.Context, id int64, credits int, at time.Time) (bool, error) {
	query := `
        UPDATE payments
        SET status = 'completed', credits_granted = $2,
            webhook_received_at = $3, completed_at = $3
        WHERE id = $1 AND status = 'pending'
    `

	res, err := r.db.ExecContext(ctx, query, id, credits, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *postgresRepository) MarkEntitlementGranted(ctx context.Context, id int64) error {
	query := `
        UPDATE payments
        SET entitlement_granted = TRUE
        WHERE id = $1 AND status = 'completed'
    `

	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *postgresRepository) RefundCompleted(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
        UPDATE payments
        SET status = 'refunded', webhook_received_at = $2
        WHERE id = $1 AND status = 'completed'
    `

	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
