package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/donmaleek/Kujuana-sub002/internal/queue"
	"github.com/donmaleek/Kujuana-sub002/internal/subscription"
)

// Enqueuer is the slice of the job queue the service needs
type Enqueuer interface {
	Enqueue(ctx context.Context, class queue.Class, payload json.RawMessage, opts queue.Options) (string, bool, error)
}

var (
	ErrRequestInFlight = errors.New("a match request for this tier is already in flight")
	ErrNoCredits       = errors.New("no matchmaking credits remaining")
	ErrRequestNotFound = errors.New("match request not found")
	ErrMatchNotFound   = errors.New("match not found")
	ErrNotParticipant  = errors.New("user is not a participant of this match")
	ErrMatchClosed     = errors.New("match is no longer open for responses")
	ErrInvalidAction   = errors.New("invalid match action")
)

type Service interface {
	// RequestMatch gates on the member's effective tier, records a ledger row
	// and enqueues the corresponding job. At most one live request per
	// (user, tier) is admitted.
	RequestMatch(ctx context.Context, userID int64, tier subscription.Tier, paymentID *int64) (*MatchRequest, error)
	GetRequest(ctx context.Context, userID, requestID int64) (*MatchRequest, error)
	GetMatches(ctx context.Context, userID int64) ([]*Match, error)
	RespondToMatch(ctx context.Context, userID, matchID int64, action string) (*Match, error)
}

type Config struct {
	MaxAttempts      int
	VipCurationLimit int
}

type service struct {
	repo  Repository
	subs  subscription.Service
	queue Enqueuer
	cfg   Config
	log   *logrus.Logger
}

func NewService(repo Repository, subs subscription.Service, q Enqueuer, cfg Config, log *logrus.Logger) Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.VipCurationLimit <= 0 {
		cfg.VipCurationLimit = 5
	}
	return &service{repo: repo, subs: subs, queue: q, cfg: cfg, log: log}
}

func (s *service) RequestMatch(ctx context.Context, userID int64, tier subscription.Tier, paymentID *int64) (*MatchRequest, error) {
	if !tier.Valid() {
		return nil, subscription.ErrInvalidTier
	}
	if err := s.subs.RequireTier(ctx, userID, tier); err != nil {
		return nil, err
	}

	// Fast-path check before the insert; the partial unique index catches the
	// race between two concurrent requests.
	inFlight, err := s.repo.HasInFlightRequest(ctx, userID, tier)
	if err != nil {
		return nil, fmt.Errorf("checking in-flight requests: %w", err)
	}
	if inFlight {
		return nil, ErrRequestInFlight
	}

	// Paid-tier runs spend one credit; a run bought by a payment is prepaid.
	if paymentID == nil && tier != subscription.TierStandard {
		ok, err := s.subs.ConsumeCredit(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("consuming credit: %w", err)
		}
		if !ok {
			return nil, ErrNoCredits
		}
	}

	req := &MatchRequest{
		UserID:      userID,
		Tier:        tier,
		QueueClass:  string(ClassForTier(tier)),
		PaymentID:   paymentID,
		MaxAttempts: s.cfg.MaxAttempts,
	}
	if err := s.repo.CreateMatchRequest(ctx, req); err != nil {
		return nil, err
	}

	payload, err := s.buildPayload(userID, req.ID, tier)
	if err != nil {
		return nil, err
	}

	opts := queue.Options{
		JobKey:      fmt.Sprintf("match:%d:%s", userID, tier),
		MaxAttempts: s.cfg.MaxAttempts,
	}
	if paymentID != nil {
		// A run bought by a payment dispatches ahead of the nightly backlog
		// in its class.
		opts.Priority = 1
	}
	jobID, enqueued, err := s.queue.Enqueue(ctx, ClassForTier(tier), payload, opts)
	if err != nil {
		// The ledger row would otherwise sit queued forever.
		if failErr := s.repo.FailRequest(ctx, req.ID, "enqueue failed: "+err.Error()); failErr != nil {
			s.log.WithError(failErr).WithField("request_id", req.ID).Error("Failed to mark orphaned match request")
		}
		return nil, fmt.Errorf("enqueuing match job: %w", err)
	}
	if !enqueued {
		// A prior job still holds the dedup key but no longer carries this
		// request id, so this row would never be picked up. Settle it and
		// report the conflict.
		if failErr := s.repo.FailRequest(ctx, req.ID, "job key held by job "+jobID); failErr != nil {
			s.log.WithError(failErr).WithField("request_id", req.ID).Error("Failed to mark deduped match request")
		}
		return nil, ErrRequestInFlight
	}

	if err := s.repo.SetJobRef(ctx, req.ID, jobID); err != nil {
		s.log.WithError(err).WithField("request_id", req.ID).Warn("Failed to record job reference")
	}
	req.JobRef = &jobID

	s.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"tier":       tier,
		"request_id": req.ID,
		"job_id":     jobID,
	}).Info("Match request accepted")
	RecordRequestAccepted(string(tier))

	return req, nil
}

func (s *service) buildPayload(userID, requestID int64, tier subscription.Tier) ([]byte, error) {
	switch tier {
	case subscription.TierVip:
		return EncodePayload(JobVipCuration, VipCurationJob{
			UserID:    userID,
			RequestID: requestID,
			Limit:     s.cfg.VipCurationLimit,
		})
	case subscription.TierPriority:
		return EncodePayload(JobPriorityMatch, PriorityMatchJob{UserID: userID, RequestID: requestID})
	default:
		return EncodePayload(JobStandardMatch, StandardMatchJob{UserID: userID, RequestID: requestID})
	}
}

func (s *service) GetRequest(ctx context.Context, userID, requestID int64) (*MatchRequest, error) {
	req, err := s.repo.GetMatchRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.UserID != userID {
		return nil, ErrRequestNotFound
	}
	return req, nil
}

func (s *service) GetMatches(ctx context.Context, userID int64) ([]*Match, error) {
	return s.repo.GetUserMatches(ctx, userID)
}

func (s *service) RespondToMatch(ctx context.Context, userID, matchID int64, action string) (*Match, error) {
	if action != ActionAccept && action != ActionDecline {
		return nil, ErrInvalidAction
	}

	match, err := s.repo.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}

	switch match.Status {
	case MatchPending, MatchActive:
	default:
		return nil, ErrMatchClosed
	}

	if userID != match.UserID && userID != match.MatchedUserID {
		return nil, ErrNotParticipant
	}

	// The update is conditional on the match still being open and computes
	// the new status from the counterpart's stored action, so two
	// participants responding at once cannot overwrite each other.
	updated, err := s.repo.UpdateMatchAction(ctx, matchID, userID == match.UserID, action)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"match_id": matchID,
		"user_id":  userID,
		"action":   action,
		"status":   updated.Status,
	}).Info("Match response recorded")

	return updated, nil
}
