package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/donmaleek/Kujuana-sub002/internal/matching"
	"github.com/donmaleek/Kujuana-sub002/internal/subscription"
)

var ErrUnknownGateway = errors.New("unknown payment gateway")

// InitiateInput is the validated initiation request
type InitiateInput struct {
	Gateway        string
	Tier           subscription.Tier
	Purpose        string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type Service interface {
	// Initiate creates a pending payment and a gateway checkout session. A
	// repeated idempotency key returns the stored payment without touching
	// the gateway.
	Initiate(ctx context.Context, userID int64, input InitiateInput) (*Payment, error)
	// HandleWebhook verifies the raw callback, then reconciles the matched
	// payment. Verification failures happen before any lookup.
	HandleWebhook(ctx context.Context, gatewayName string, header http.Header, body []byte) error
	GetPayment(ctx context.Context, userID, id int64) (*Payment, error)
}

type Config struct {
	Credits subscription.TierCredits
}

type service struct {
	repo     Repository
	subs     subscription.Service
	matching matching.Service
	gateways map[string]Gateway
	cfg      Config
	log      *logrus.Logger
	now      func() time.Time
}

func NewService(repo Repository, subs subscription.Service, matchingSvc matching.Service, gateways []Gateway, cfg Config, log *logrus.Logger) Service {
	byName := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		byName[g.Name()] = g
	}
	return &service{
		repo:     repo,
		subs:     subs,
		matching: matchingSvc,
		gateways: byName,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *service) Initiate(ctx context.Context, userID int64, input InitiateInput) (*Payment, error) {
	gateway, ok := s.gateways[input.Gateway]
	if !ok {
		return nil, ErrUnknownGateway
	}
	if !input.Tier.Valid() {
		return nil, subscription.ErrInvalidTier
	}

	// Idempotence: a replayed key returns the original record untouched.
	existing, err := s.repo.GetByIdempotencyKey(ctx, input.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}

	p := &Payment{
		UserID:         userID,
		InternalRef:    uuid.NewString(),
		IdempotencyKey: input.IdempotencyKey,
		Gateway:        input.Gateway,
		Amount:         input.Amount,
		Currency:       input.Currency,
		Purpose:        input.Purpose,
		Tier:           input.Tier,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// Lost the race against a concurrent identical request.
			return s.repo.GetByIdempotencyKey(ctx, input.IdempotencyKey)
		}
		return nil, err
	}

	session, err := gateway.InitiateCheckout(ctx, p)
	if err != nil {
		if failErr := s.repo.MarkFailed(ctx, p.ID, err.Error()); failErr != nil {
			s.log.WithError(failErr).WithField("payment_id", p.ID).Error("Failed to mark payment failed")
		}
		RecordInitiation(input.Gateway, "failed")
		return nil, fmt.Errorf("gateway checkout failed: %w", err)
	}

	if err := s.repo.SetCheckout(ctx, p.ID, session.GatewayRef, session.CheckoutURL); err != nil {
		return nil, err
	}
	if session.GatewayRef != "" {
		p.Reference = &session.GatewayRef
	}
	p.CheckoutURL = &session.CheckoutURL

	s.log.WithFields(logrus.Fields{
		"payment_id":   p.ID,
		"user_id":      userID,
		"gateway":      input.Gateway,
		"tier":         input.Tier,
		"internal_ref": p.InternalRef,
	}).Info("Payment initiated")
	RecordInitiation(input.Gateway, "pending")

	return p, nil
}

func (s *service) HandleWebhook(ctx context.Context, gatewayName string, header http.Header, body []byte) error {
	gateway, ok := s.gateways[gatewayName]
	if !ok {
		return ErrUnknownGateway
	}

	event, err := gateway.VerifyWebhook(header, body)
	if err != nil {
		RecordWebhook(gatewayName, "rejected")
		return err
	}

	return s.reconcile(ctx, gatewayName, event)
}

// reconcile applies a verified event to the matched payment. Conditional
// status updates make re-delivered events no-ops.
func (s *service) reconcile(ctx context.Context, gatewayName string, event *WebhookEvent) error {
	p, err := s.lookup(ctx, event)
	if err != nil {
		RecordWebhook(gatewayName, "unmatched")
		return err
	}

	switch event.Status {
	case EventCompleted:
		return s.complete(ctx, gatewayName, p)
	case EventRefunded:
		return s.refund(ctx, gatewayName, p)
	default:
		if err := s.repo.MarkFailed(ctx, p.ID, "gateway reported failure"); err != nil {
			return err
		}
		RecordWebhook(gatewayName, "failed")
		return nil
	}
}

func (s *service) lookup(ctx context.Context, event *WebhookEvent) (*Payment, error) {
	if event.Reference != "" {
		p, err := s.repo.GetByReference(ctx, event.Reference)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrPaymentNotFound) {
			return nil, err
		}
	}
	if event.InternalRef == "" {
		return nil, ErrPaymentNotFound
	}
	return s.repo.GetByInternalRef(ctx, event.InternalRef)
}

func (s *service) complete(ctx context.Context, gatewayName string, p *Payment) error {
	if p.Status == StatusCompleted && p.EntitlementGranted {
		// Re-delivered success: already granted, nothing to do.
		RecordWebhook(gatewayName, "duplicate")
		return nil
	}

	credits := s.cfg.Credits[p.Tier]
	if p.Status != StatusCompleted {
		transitioned, err := s.repo.CompletePending(ctx, p.ID, credits, s.now())
		if err != nil {
			return fmt.Errorf("completing payment %d: %w", p.ID, err)
		}
		if !transitioned {
			// Another delivery won the conditional update and owns the grant.
			RecordWebhook(gatewayName, "duplicate")
			return nil
		}
	}

	// Grant the entitlement, then mark the payment as granted. A failure
	// anywhere in between leaves the flag unset, so the gateway's retry
	// picks the grant back up instead of hitting the duplicate branch.
	if p.Purpose == PurposeRenewal {
		if _, err := s.subs.Extend(ctx, p.UserID, p.Tier); err != nil {
			return fmt.Errorf("extending subscription for payment %d: %w", p.ID, err)
		}
	} else {
		if _, err := s.subs.Activate(ctx, p.UserID, p.Tier); err != nil {
			return fmt.Errorf("activating subscription for payment %d: %w", p.ID, err)
		}
		// A fresh subscription buys a matchmaking run at its tier.
		if _, err := s.matching.RequestMatch(ctx, p.UserID, p.Tier, &p.ID); err != nil &&
			!errors.Is(err, matching.ErrRequestInFlight) {
			s.log.WithError(err).WithFields(logrus.Fields{
				"payment_id": p.ID,
				"user_id":    p.UserID,
			}).Error("Post-activation match enqueue failed")
		}
	}

	if err := s.repo.MarkEntitlementGranted(ctx, p.ID); err != nil {
		return fmt.Errorf("marking entitlement granted for payment %d: %w", p.ID, err)
	}

	s.log.WithFields(logrus.Fields{
		"payment_id": p.ID,
		"user_id":    p.UserID,
		"tier":       p.Tier,
		"purpose":    p.Purpose,
		"credits":    credits,
	}).Info("Payment reconciled")
	RecordWebhook(gatewayName, "completed")
	return nil
}

func (s *service) refund(ctx context.Context, gatewayName string, p *Payment) error {
	transitioned, err := s.repo.RefundCompleted(ctx, p.ID, s.now())
	if err != nil {
		return fmt.Errorf("refunding payment %d: %w", p.ID, err)
	}
	if !transitioned {
		RecordWebhook(gatewayName, "duplicate")
		return nil
	}

	s.log.WithFields(logrus.Fields{
		"payment_id": p.ID,
		"user_id":    p.UserID,
	}).Warn("Payment refunded")
	RecordWebhook(gatewayName, "refunded")
	return nil
}

func (s *service) GetPayment(ctx context.Context, userID, id int64) (*Payment, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrPaymentNotFound
	}
	return p, nil
}
