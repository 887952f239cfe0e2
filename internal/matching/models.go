package matching

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/donmaleek/Kujuana-sub002/internal/queue"
	"github.com/donmaleek/Kujuana-sub002/internal/subscription"
)

// Match request statuses
const (
	RequestQueued     = "queued"
	RequestProcessing = "processing"
	RequestCompleted  = "completed"
	RequestFailed     = "failed"
)

// Match statuses
const (
	MatchPending  = "pending"
	MatchActive   = "active"
	MatchAccepted = "accepted"
	MatchDeclined = "declined"
	MatchExpired  = "expired"
)

// Match response actions
const (
	ActionAccept  = "accept"
	ActionDecline = "decline"
)

// MatchRequest is the per-attempt ledger row. Terminal states are immutable;
// only the worker that claimed the job mutates a queued/processing row.
type MatchRequest struct {
	ID             int64             `json:"id" db:"id"`
	UserID         int64             `json:"user_id" db:"user_id"`
	Tier           subscription.Tier `json:"tier" db:"tier"`
	QueueClass     string            `json:"queue_class" db:"queue_class"`
	Status         string            `json:"status" db:"status"`
	JobRef         *string           `json:"job_ref,omitempty" db:"job_ref"`
	PaymentID      *int64            `json:"payment_id,omitempty" db:"payment_id"`
	Attempts       int               `json:"attempts" db:"attempts"`
	MaxAttempts    int               `json:"max_attempts" db:"max_attempts"`
	ResultMatchIDs pq.Int64Array     `json:"result_match_ids,omitempty" db:"result_match_ids"`
	LastError      *string           `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// ScoreBreakdown is the weighted sub-score set produced by the scorer
// boundary. Total is the ranking aggregate.
type ScoreBreakdown struct {
	Values           float64 `json:"values"`
	Lifestyle        float64 `json:"lifestyle"`
	Location         float64 `json:"location"`
	Religion         float64 `json:"religion"`
	AgeCompatibility float64 `json:"age_compatibility"`
	Vision           float64 `json:"vision"`
	Preferences      float64 `json:"preferences"`
	Total            float64 `json:"total"`
}

// Value implements driver.Valuer so the breakdown persists as JSONB
func (s ScoreBreakdown) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner
func (s *ScoreBreakdown) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, s)
}

// Match is a computed pairing. The unordered pair (UserID, MatchedUserID) is
// unique; workers create matches, the respond action is the only later mutation.
type Match struct {
	ID                int64             `json:"id" db:"id"`
	UserID            int64             `json:"user_id" db:"user_id"`
	MatchedUserID     int64             `json:"matched_user_id" db:"matched_user_id"`
	Score             float64           `json:"score" db:"score"`
	ScoreBreakdown    ScoreBreakdown    `json:"score_breakdown" db:"score_breakdown"`
	Tier              subscription.Tier `json:"tier" db:"tier"`
	Status            string            `json:"status" db:"status"`
	UserAction        *string           `json:"user_action,omitempty" db:"user_action"`
	MatchedUserAction *string           `json:"matched_user_action,omitempty" db:"matched_user_action"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
}

// BasicSection is the core identity slice of a profile snapshot
type BasicSection struct {
	DisplayName string `json:"display_name"`
	Gender      string `json:"gender"`
	Age         int    `json:"age"`
	City        string `json:"city"`
	CountryCode string `json:"country_code"`
}

// BackgroundSection covers upbringing and circumstances
type BackgroundSection struct {
	Religion        string `json:"religion"`
	Education       string `json:"education"`
	Profession      string `json:"profession"`
	WillingRelocate bool   `json:"willing_relocate"`
}

// PreferencesSection is what the member is looking for
type PreferencesSection struct {
	PreferredGender    string `json:"preferred_gender"`
	MinAge             int    `json:"min_age"`
	MaxAge             int    `json:"max_age"`
	PreferredReligion  string `json:"preferred_religion,omitempty"`
	RequiresRelocation bool   `json:"requires_relocation"`
}

// VisionSection is the optional long-term outlook section. VIP curation
// requires it to be present on candidates.
type VisionSection struct {
	FamilyGoals   string `json:"family_goals"`
	TimelineYears int    `json:"timeline_years"`
	Statement     string `json:"statement"`
}

// ProfileSnapshot is the frozen value object handed to the scorer boundary.
// Built once per job; never mutated afterwards.
type ProfileSnapshot struct {
	UserID          int64              `json:"user_id"`
	Basic           BasicSection       `json:"basic"`
	Background      BackgroundSection  `json:"background"`
	Preferences     PreferencesSection `json:"preferences"`
	Vision          *VisionSection     `json:"vision,omitempty"`
	CompletionScore float64            `json:"completion_score"`
	PhotoCount      int                `json:"photo_count"`
}

// Validate checks the fields the scorer boundary depends on
func (p *ProfileSnapshot) Validate() error {
	if p.UserID == 0 {
		return errors.New("snapshot missing user id")
	}
	if p.Basic.DisplayName == "" || p.Basic.Gender == "" {
		return errors.New("snapshot missing basic section fields")
	}
	if p.Basic.Age < 18 {
		return errors.New("snapshot age below minimum")
	}
	if p.Preferences.MinAge == 0 || p.Preferences.MaxAge == 0 {
		return errors.New("snapshot missing preference age range")
	}
	return nil
}

// ClassForTier maps a subscription tier to its queue class. The names
// coincide but the types stay distinct.
func ClassForTier(tier subscription.Tier) queue.Class {
	switch tier {
	case subscription.TierPriority:
		return queue.ClassPriority
	case subscription.TierVip:
		return queue.ClassVip
	default:
		return queue.ClassStandard
	}
}
