package payment

import (
	"time"

	"github.com/donmaleek/Kujuana-sub002/internal/subscription"
)

// Payment statuses
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRefunded  = "refunded"
)

// Gateway names
const (
	GatewayPesapal     = "pesapal"
	GatewayFlutterwave = "flutterwave"
)

// Payment purposes. A new subscription triggers a matchmaking enqueue on
// completion; a renewal only extends the billing period.
const (
	PurposeNewSubscription = "new_subscription"
	PurposeRenewal         = "renewal"
)

// Payment is one reconciliation record. InternalRef is generated here and
// travels to the gateway; Reference is the gateway's own id when it issues
// one. IdempotencyKey is supplied by the caller and unique.
type Payment struct {
	ID                 int64             `json:"id" db:"id"`
	UserID             int64             `json:"user_id" db:"user_id"`
	InternalRef        string            `json:"internal_ref" db:"internal_ref"`
	Reference          *string           `json:"reference,omitempty" db:"reference"`
	IdempotencyKey     string            `json:"idempotency_key" db:"idempotency_key"`
	Gateway            string            `json:"gateway" db:"gateway"`
	Status             string            `json:"status" db:"status"`
	Amount             int64             `json:"amount" db:"amount"`
	Currency           string            `json:"currency" db:"currency"`
	Purpose            string            `json:"purpose" db:"purpose"`
	Tier               subscription.Tier `json:"tier" db:"tier"`
	CheckoutURL        *string           `json:"checkout_url,omitempty" db:"checkout_url"`
	CreditsGranted     *int              `json:"credits_granted,omitempty" db:"credits_granted"`
	EntitlementGranted bool              `json:"entitlement_granted" db:"entitlement_granted"`
	LastError          *string           `json:"last_error,omitempty" db:"last_error"`
	WebhookReceivedAt  *time.Time        `json:"webhook_received_at,omitempty" db:"webhook_received_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
}
