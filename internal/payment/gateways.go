package payment

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrGatewayDisabled  = errors.New("payment gateway is not enabled")
)

// CheckoutSession is the synchronous half of an initiation: where to send the
// member, plus the gateway's reference when it is issued up front.
type CheckoutSession struct {
	CheckoutURL string
	GatewayRef  string
}

// WebhookEvent is the provider-agnostic shape every callback is normalized
// into after verification. Reference correlates first; InternalRef is the
// fallback when the gateway reference is not yet stored.
type WebhookEvent struct {
	Reference   string
	InternalRef string
	Status      string
}

// Normalized webhook statuses
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventRefunded  = "refunded"
)

// Gateway is one payment provider. VerifyWebhook must authenticate the raw
// callback before parsing anything out of it; an unverifiable callback is
// rejected with ErrInvalidSignature and never reaches the store.
type Gateway interface {
	Name() string
	InitiateCheckout(ctx context.Context, p *Payment) (*CheckoutSession, error)
	VerifyWebhook(header http.Header, body []byte) (*WebhookEvent, error)
}
