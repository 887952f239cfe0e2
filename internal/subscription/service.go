// internal/subscription/service.go

package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrTierRequired         = errors.New("subscription tier too low for this feature")
	ErrInvalidTier          = errors.New("invalid subscription tier")
)

// TierCredits maps a tier to the credits granted on activation
type TierCredits map[Tier]int

type Service interface {
	GetActive(ctx context.Context, userID int64) (*Subscription, error)
	// EffectiveTier is standard when no active subscription exists.
	EffectiveTier(ctx context.Context, userID int64) (Tier, error)
	// RequireTier permits an operation needing `required` only when the
	// member's effective tier is >= required in the standard<priority<vip order.
	RequireTier(ctx context.Context, userID int64, required Tier) error
	CanViewPrivateContent(ctx context.Context, userID int64) (bool, error)
	Activate(ctx context.Context, userID int64, tier Tier) (*Subscription, error)
	Extend(ctx context.Context, userID int64, tier Tier) (*Subscription, error)
	Cancel(ctx context.Context, userID int64) error
	ConsumeCredit(ctx context.Context, userID int64) (bool, error)
	ListActiveUserIDs(ctx context.Context, tier Tier) ([]int64, error)
	ExpireDue(ctx context.Context) (int64, error)
}

type Config struct {
	BillingPeriod time.Duration
	Credits       TierCredits
}

type service struct {
	repo Repository
	cfg  Config
	log  *logrus.Logger
	now  func() time.Time
}

func NewService(repo Repository, cfg Config, log *logrus.Logger) Service {
	if cfg.BillingPeriod <= 0 {
		cfg.BillingPeriod = 30 * 24 * time.Hour
	}
	return &service{repo: repo, cfg: cfg, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (s *service) GetActive(ctx context.Context, userID int64) (*Subscription, error) {
	return s.repo.GetActiveByUser(ctx, userID)
}

func (s *service) EffectiveTier(ctx context.Context, userID int64) (Tier, error) {
	sub, err := s.repo.GetActiveByUser(ctx, userID)
	if err == ErrNoActiveSubscription {
		return TierStandard, nil
	}
	if err != nil {
		return "", err
	}
	if !sub.IsActive(s.now()) {
		// Active row past its period end; the sweep hasn't caught it yet.
		return TierStandard, nil
	}
	return sub.Tier, nil
}

func (s *service) RequireTier(ctx context.Context, userID int64, required Tier) error {
	if !required.Valid() {
		return ErrInvalidTier
	}

	tier, err := s.EffectiveTier(ctx, userID)
	if err != nil {
		return err
	}
	if !tier.AtLeast(required) {
		return ErrTierRequired
	}
	return nil
}

// CanViewPrivateContent gates restricted profile content (non-default photos):
// priority and vip may view, standard may not.
func (s *service) CanViewPrivateContent(ctx context.Context, userID int64) (bool, error) {
	tier, err := s.EffectiveTier(ctx, userID)
	if err != nil {
		return false, err
	}
	return tier.AtLeast(TierPriority), nil
}

// Activate opens a fresh billing period at the given tier
func (s *service) Activate(ctx context.Context, userID int64, tier Tier) (*Subscription, error) {
	if !tier.Valid() {
		return nil, ErrInvalidTier
	}

	now := s.now()
	sub, err := s.repo.ActivateOrExtend(ctx, userID, tier, s.cfg.Credits[tier], now, now.Add(s.cfg.BillingPeriod))
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"tier":    tier,
		"until":   sub.CurrentPeriodEnd.Format(time.RFC3339),
	}).Info("subscription activated")
	return sub, nil
}

// Extend renews an existing subscription: the new period runs from the later
// of now and the current period end, so early renewals don't lose time.
func (s *service) Extend(ctx context.Context, userID int64, tier Tier) (*Subscription, error) {
	if !tier.Valid() {
		return nil, ErrInvalidTier
	}

	now := s.now()
	from := now
	if existing, err := s.repo.GetActiveByUser(ctx, userID); err == nil && existing.CurrentPeriodEnd.After(now) {
		from = existing.CurrentPeriodEnd
	}

	sub, err := s.repo.ActivateOrExtend(ctx, userID, tier, s.cfg.Credits[tier], now, from.Add(s.cfg.BillingPeriod))
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"tier":    tier,
		"until":   sub.CurrentPeriodEnd.Format(time.RFC3339),
	}).Info("subscription extended")
	return sub, nil
}

func (s *service) Cancel(ctx context.Context, userID int64) error {
	return s.repo.SetCancelAtPeriodEnd(ctx, userID, true)
}

func (s *service) ConsumeCredit(ctx context.Context, userID int64) (bool, error) {
	return s.repo.DeductCredit(ctx, userID)
}

func (s *service) ListActiveUserIDs(ctx context.Context, tier Tier) ([]int64, error) {
	return s.repo.ListActiveUserIDs(ctx, tier)
}

func (s *service) ExpireDue(ctx context.Context) (int64, error) {
	return s.repo.ExpireDue(ctx, s.now())
}
