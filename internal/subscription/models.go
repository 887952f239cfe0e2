package subscription

import (
	"time"
)

// Tier is a subscription level. Tiers form a total order
// standard < priority < vip used for feature gating.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPriority Tier = "priority"
	TierVip      Tier = "vip"
)

var tierRank = map[Tier]int{
	TierStandard: 0,
	TierPriority: 1,
	TierVip:      2,
}

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// AtLeast reports whether t grants everything required grants
func (t Tier) AtLeast(required Tier) bool {
	return tierRank[t] >= tierRank[required]
}

// Subscription statuses
const (
	StatusActive         = "active"
	StatusExpired        = "expired"
	StatusCancelled      = "cancelled"
	StatusPendingPayment = "pending_payment"
)

type Subscription struct {
	ID                 int64     `json:"id" db:"id"`
	UserID             int64     `json:"user_id" db:"user_id"`
	Tier               Tier      `json:"tier" db:"tier"`
	Status             string    `json:"status" db:"status"`
	Credits            int       `json:"credits" db:"credits"`
	CurrentPeriodStart time.Time `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end" db:"current_period_end"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the subscription currently grants its tier
func (s *Subscription) IsActive(now time.Time) bool {
	return s.Status == StatusActive && now.Before(s.CurrentPeriodEnd)
}
