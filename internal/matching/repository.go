package matching

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/donmaleek/Kujuana-sub002/internal/subscription"
)

type Repository interface {
	// Match request ledger
	CreateMatchRequest(ctx context.Context, req *MatchRequest) error
	GetMatchRequest(ctx context.Context, id int64) (*MatchRequest, error)
	HasInFlightRequest(ctx context.Context, userID int64, tier subscription.Tier) (bool, error)
	SetJobRef(ctx context.Context, id int64, jobRef string) error
	ClaimRequest(ctx context.Context, id int64) (bool, error)
	CompleteRequest(ctx context.Context, id int64, matchIDs []int64) error
	FailRequest(ctx context.Context, id int64, lastError string) error

	// Match store
	CreateMatch(ctx context.Context, match *Match) (bool, error)
	GetMatch(ctx context.Context, id int64) (*Match, error)
	GetUserMatches(ctx context.Context, userID int64) ([]*Match, error)
	ListCounterpartIDs(ctx context.Context, userID int64) ([]int64, error)
	// UpdateMatchAction records one participant's response and derives the
	// new status inside the statement. Returns ErrMatchClosed when the match
	// left the open states between read and write.
	UpdateMatchAction(ctx context.Context, id int64, asInitiator bool, action string) (*Match, error)
}

type postgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

// Match request methods

// CreateMatchRequest inserts a queued ledger row. The partial unique index on
// (user_id, tier) over live statuses backs the at-most-one-in-flight invariant;
// a unique violation surfaces as ErrRequestInFlight.
func (r *postgresRepository) CreateMatchRequest(ctx context.Context, req *MatchRequest) error {
	query := `
        INSERT INTO match_requests (
            user_id, tier, queue_class, status, payment_id, max_attempts
        ) VALUES ($1, $2, $3, 'queued', $4, $5)
        RETURNING id, status, attempts, created_at
    `

	err := r.db.QueryRowxContext(
		ctx, query,
		req.UserID, req.Tier, req.QueueClass, req.PaymentID, req.MaxAttempts,
	).Scan(&req.ID, &req.Status, &req.Attempts, &req.CreatedAt)

	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrRequestInFlight
	}
	return err
}

func (r *postgresRepository) GetMatchRequest(ctx context.Context, id int64) (*MatchRequest, error) {
	var req MatchRequest
	query := `SELECT * FROM match_requests WHERE id = $1`

	err := r.db.GetContext(ctx, &req, query, id)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}

	return &req, nil
}

func (r *postgresRepository) HasInFlightRequest(ctx context.Context, userID int64, tier subscription.Tier) (bool, error) {
	var exists bool
	query := `
        SELECT EXISTS(
            SELECT 1 FROM match_requests
            WHERE user_id = $1 AND tier = $2 AND status IN ('queued', 'processing')
        )
    `

	err := r.db.GetContext(ctx, &exists, query, userID, tier)
	return exists, err
}

func (r *postgresRepository) SetJobRef(ctx context.Context, id int64, jobRef string) error {
	query := `UPDATE match_requests SET job_ref = $2 WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, id, jobRef)
	return err
}

// ClaimRequest moves a live row to processing and counts the attempt. A
// terminal row is not claimable, which is how a re-delivered job after a crash
// becomes a no-op.
func (r *postgresRepository) ClaimRequest(ctx context.Context, id int64) (bool, error) {
	query := `
        UPDATE match_requests
        SET status = 'processing', attempts = attempts + 1
        WHERE id = $1 AND status IN ('queued', 'processing')
    `

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *postgresRepository) CompleteRequest(ctx context.Context, id int64, matchIDs []int64) error {
	query := `
        UPDATE match_requests
        SET status = 'completed', result_match_ids = $2, completed_at = $3
        WHERE id = $1 AND status = 'processing'
    `

	_, err := r.db.ExecContext(ctx, query, id, pq.Int64Array(matchIDs), time.Now().UTC())
	return err
}

func (r *postgresRepository) FailRequest(ctx context.Context, id int64, lastError string) error {
	query := `
        UPDATE match_requests
        SET status = 'failed', last_error = $2, completed_at = $3
        WHERE id = $1 AND status IN ('queued', 'processing')
    `

	_, err := r.db.ExecContext(ctx, query, id, lastError, time.Now().UTC())
	return err
}

// Match store methods

// CreateMatch inserts a match guarded by the unordered-pair unique index.
// Returns false without error when the pair already exists in either
// direction: the reverse-direction race is expected and non-fatal.
func (r *postgresRepository) CreateMatch(ctx context.Context, match *Match) (bool, error) {
	query := `
        INSERT INTO matches (
            user_id, matched_user_id, score, score_breakdown, tier, status
        ) VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT ((LEAST(user_id, matched_user_id)), (GREATEST(user_id, matched_user_id)))
        DO NOTHING
        RETURNING id, created_at
    `

	err := r.db.QueryRowxContext(
		ctx, query,
		match.UserID, match.MatchedUserID, match.Score,
		match.ScoreBreakdown, match.Tier, match.Status,
	).Scan(&match.ID, &match.CreatedAt)

	if err == sql.ErrNoRows {
		// Conflict path: nothing inserted.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *postgresRepository) GetMatch(ctx context.Context, id int64) (*Match, error) {
	var match Match
	query := `SELECT * FROM matches WHERE id = $1`

	err := r.db.GetContext(ctx, &match, query, id)
	if err == sql.ErrNoRows {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}

	return &match, nil
}

func (r *postgresRepository) GetUserMatches(ctx context.Context, userID int64) ([]*Match, error) {
	var matches []*Match
	query := `
        SELECT * FROM matches
        WHERE user_id = $1 OR matched_user_id = $1
        ORDER BY created_at DESC
    `

	err := r.db.SelectContext(ctx, &matches, query, userID)
	return matches, err
}

// ListCounterpartIDs returns every user already paired with the member, in
// either direction. Used to exclude previously scored pairs from candidates.
func (r *postgresRepository) ListCounterpartIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	query := `
        SELECT CASE WHEN user_id = $1 THEN matched_user_id ELSE user_id END
        FROM matches
        WHERE user_id = $1 OR matched_user_id = $1
    `

	err := r.db.SelectContext(ctx, &ids, query, userID)
	return ids, err
}

// UpdateMatchAction writes one side's action. The row lock makes a concurrent
// responder re-evaluate against the committed counterpart action, so a decline
// always closes and a second accept seals.
func (r *postgresRepository) UpdateMatchAction(ctx context.Context, id int64, asInitiator bool, action string) (*Match, error) {
	query := `
        UPDATE matches
        SET user_action = $2,
            status = CASE
                WHEN $2 = 'decline' THEN 'declined'
                WHEN $2 = 'accept' AND matched_user_action = 'accept' THEN 'accepted'
                ELSE 'active'
            END
        WHERE id = $1 AND status IN ('pending', 'active')
        RETURNING *
    `
	if !asInitiator {
		query = `
        UPDATE matches
        SET matched_user_action = $2,
            status = CASE
                WHEN $2 = 'decline' THEN 'declined'
                WHEN $2 = 'accept' AND user_action = 'accept' THEN 'accepted'
                ELSE 'active'
            END
        WHERE id = $1 AND status IN ('pending', 'active')
        RETURNING *
    `
	}

	var match Match
	err := r.db.GetContext(ctx, &match, query, id, action)
	if err == sql.ErrNoRows {
		return nil, ErrMatchClosed
	}
	if err != nil {
		return nil, err
	}
	return &match, nil
}
