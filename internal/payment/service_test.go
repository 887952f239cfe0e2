package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/donmaleek/Kujuana-sub002/internal/matching"
	"github.com/donmaleek/Kujuana-sub002/internal/subscription"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakePaymentRepo keeps payments in memory with unique idempotency keys
type fakePaymentRepo struct {
	payments map[int64]*Payment
	nextID   int64
	failure  error
	lookups  int // webhook-side correlation reads
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: make(map[int64]*Payment), nextID: 1}
}

func (f *fakePaymentRepo) Create(ctx context.Context, p *Payment) error {
	if f.failure != nil {
		return f.failure
	}
	for _, existing := range f.payments {
		if existing.IdempotencyKey == p.IdempotencyKey {
			return ErrDuplicateKey
		}
	}
	p.ID = f.nextID
	f.nextID++
	p.Status = StatusPending
	p.CreatedAt = testTime
	stored := *p
	f.payments[p.ID] = &stored
	return nil
}

func (f *fakePaymentRepo) GetByID(ctx context.Context, id int64) (*Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakePaymentRepo) GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error) {
	for _, p := range f.payments {
		if p.IdempotencyKey == key {
			copied := *p
			return &copied, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (f *fakePaymentRepo) GetByReference(ctx context.Context, reference string) (*Payment, error) {
	f.lookups++
	for _, p := range f.payments {
		if p.Reference != nil && *p.Reference == reference {
			copied := *p
			return &copied, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (f *fakePaymentRepo) GetByInternalRef(ctx context.Context, internalRef string) (*Payment, error) {
	f.lookups++
	for _, p := range f.payments {
		if p.InternalRef == internalRef {
			copied := *p
			return &copied, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (f *fakePaymentRepo) SetCheckout(ctx context.Context, id int64, reference, checkoutURL string) error {
	p, ok := f.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if reference != "" {
		p.Reference = &reference
	}
	p.CheckoutURL = &checkoutURL
	return nil
}

func (f *fakePaymentRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	p, ok := f.payments[id]
	if !ok || p.Status != StatusPending {
		return nil
	}
	p.Status = StatusFailed
	p.LastError = &reason
	return nil
}

func (f *fakePaymentRepo) CompletePending(ctx context.Context, id int64, credits int, at time.Time) (bool, error) {
	if f.failure != nil {
		return false, f.failure
	}
	p, ok := f.payments[id]
	if !ok || p.Status != StatusPending {
		return false, nil
	}
	p.Status = StatusCompleted
	p.CreditsGranted = &credits
	p.WebhookReceivedAt = &at
	p.CompletedAt = &at
	return true, nil
}

func (f *fakePaymentRepo) MarkEntitlementGranted(ctx context.Context, id int64) error {
	p, ok := f.payments[id]
	if !ok || p.Status != StatusCompleted {
		return nil
	}
	p.EntitlementGranted = true
	return nil
}

func (f *fakePaymentRepo) RefundCompleted(ctx context.Context, id int64, at time.Time) (bool, error) {
	p, ok := f.payments[id]
	if !ok || p.Status != StatusCompleted {
		return false, nil
	}
	p.Status = StatusRefunded
	p.WebhookReceivedAt = &at
	return true, nil
}

// recordingSubs counts entitlement mutations. failActivations makes the next
// n Activate calls fail before counting.
type recordingSubs struct {
	activations     int
	extensions      int
	failActivations int
	lastTier        subscription.Tier
}

func (r *recordingSubs) GetActive(ctx context.Context, userID int64) (*subscription.Subscription, error) {
	return nil, subscription.ErrNoActiveSubscription
}

func (r *recordingSubs) EffectiveTier(ctx context.Context, userID int64) (subscription.Tier, error) {
	return subscription.TierStandard, nil
}

func (r *recordingSubs) RequireTier(ctx context.Context, userID int64, required subscription.Tier) error {
	return nil
}

func (r *recordingSubs) CanViewPrivateContent(ctx context.Context, userID int64) (bool, error) {
	return false, nil
}

func (r *recordingSubs) Activate(ctx context.Context, userID int64, tier subscription.Tier) (*subscription.Subscription, error) {
	if r.failActivations > 0 {
		r.failActivations--
		return nil, errors.New("subscription store unavailable")
	}
	r.activations++
	r.lastTier = tier
	return &subscription.Subscription{UserID: userID, Tier: tier, Status: subscription.StatusActive}, nil
}

func (r *recordingSubs) Extend(ctx context.Context, userID int64, tier subscription.Tier) (*subscription.Subscription, error) {
	r.extensions++
	r.lastTier = tier
	return &subscription.Subscription{UserID: userID, Tier: tier, Status: subscription.StatusActive}, nil
}

func (r *recordingSubs) Cancel(ctx context.Context, userID int64) error          { return nil }
func (r *recordingSubs) ConsumeCredit(ctx context.Context, userID int64) (bool, error) {
	return true, nil
}
func (r *recordingSubs) ListActiveUserIDs(ctx context.Context, tier subscription.Tier) ([]int64, error) {
	return nil, nil
}
func (r *recordingSubs) ExpireDue(ctx context.Context) (int64, error) { return 0, nil }

// recordingMatching counts post-activation enqueues
type recordingMatching struct {
	requests []subscription.Tier
}

func (r *recordingMatching) RequestMatch(ctx context.Context, userID int64, tier subscription.Tier, paymentID *int64) (*matching.MatchRequest, error) {
	r.requests = append(r.requests, tier)
	return &matching.MatchRequest{ID: 1, UserID: userID, Tier: tier}, nil
}

func (r *recordingMatching) GetRequest(ctx context.Context, userID, requestID int64) (*matching.MatchRequest, error) {
	return nil, matching.ErrRequestNotFound
}

func (r *recordingMatching) GetMatches(ctx context.Context, userID int64) ([]*matching.Match, error) {
	return nil, nil
}

func (r *recordingMatching) RespondToMatch(ctx context.Context, userID, matchID int64, action string) (*matching.Match, error) {
	return nil, matching.ErrMatchNotFound
}

// recordingGateway verifies against a fixed header value and records whether
// any lookup-side call happened after a rejection
type recordingGateway struct {
	name       string
	session    CheckoutSession
	initErr    error
	initiated  int
	event      *WebhookEvent
	verifyErrs int
}

func (g *recordingGateway) Name() string { return g.name }

func (g *recordingGateway) InitiateCheckout(ctx context.Context, p *Payment) (*CheckoutSession, error) {
	g.initiated++
	if g.initErr != nil {
		return nil, g.initErr
	}
	session := g.session
	return &session, nil
}

func (g *recordingGateway) VerifyWebhook(header http.Header, body []byte) (*WebhookEvent, error) {
	if header.Get("X-Test-Signature") != "valid" {
		g.verifyErrs++
		return nil, ErrInvalidSignature
	}
	if g.event != nil {
		return g.event, nil
	}
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestService(repo Repository, subs subscription.Service, match matching.Service, gw Gateway) *service {
	svc := NewService(repo, subs, match, []Gateway{gw}, Config{
		Credits: subscription.TierCredits{
			subscription.TierStandard: 5,
			subscription.TierPriority: 20,
			subscription.TierVip:      50,
		},
	}, quietLogger()).(*service)
	svc.now = func() time.Time { return testTime }
	return svc
}

func signedHeader() http.Header {
	h := http.Header{}
	h.Set("X-Test-Signature", "valid")
	return h
}

func TestInitiateIsIdempotentPerKey(t *testing.T) {
	repo := newFakePaymentRepo()
	gw := &recordingGateway{name: "pesapal", session: CheckoutSession{CheckoutURL: "https://pay.example/x", GatewayRef: "ref-1"}}
	svc := newTestService(repo, &recordingSubs{}, &recordingMatching{}, gw)
	ctx := context.Background()

	input := InitiateInput{
		Gateway:        "pesapal",
		Tier:           subscription.TierVip,
		Purpose:        PurposeNewSubscription,
		Amount:         499900,
		Currency:       "KES",
		IdempotencyKey: "order-abc-123",
	}

	first, err := svc.Initiate(ctx, 1, input)
	if err != nil {
		t.Fatalf("first initiation: %v", err)
	}
	second, err := svc.Initiate(ctx, 1, input)
	if err != nil {
		t.Fatalf("replayed initiation: %v", err)
	}

	if first.ID != second.ID || first.InternalRef != second.InternalRef {
		t.Errorf("replay created a different payment: %d/%s vs %d/%s",
			first.ID, first.InternalRef, second.ID, second.InternalRef)
	}
	if len(repo.payments) != 1 {
		t.Errorf("payments stored: got %d, want 1", len(repo.payments))
	}
	if gw.initiated != 1 {
		t.Errorf("gateway calls: got %d, want 1", gw.initiated)
	}
}

func TestInitiateMarksFailedWhenGatewayRejects(t *testing.T) {
	repo := newFakePaymentRepo()
	gw := &recordingGateway{name: "pesapal", initErr: errors.New("gateway timeout")}
	svc := newTestService(repo, &recordingSubs{}, &recordingMatching{}, gw)

	_, err := svc.Initiate(context.Background(), 1, InitiateInput{
		Gateway: "pesapal", Tier: subscription.TierPriority, Purpose: PurposeNewSubscription,
		Amount: 1000, Currency: "KES", IdempotencyKey: "order-failing",
	})
	if err == nil {
		t.Fatal("gateway failure not surfaced")
	}
	for _, p := range repo.payments {
		if p.Status != StatusFailed {
			t.Errorf("payment left %s after gateway failure", p.Status)
		}
	}
}

func TestInitiateRejectsUnknownGateway(t *testing.T) {
	svc := newTestService(newFakePaymentRepo(), &recordingSubs{}, &recordingMatching{}, &recordingGateway{name: "pesapal"})

	_, err := svc.Initiate(context.Background(), 1, InitiateInput{
		Gateway: "mpesa", Tier: subscription.TierVip, Purpose: PurposeRenewal,
		Amount: 1000, Currency: "KES", IdempotencyKey: "order-x",
	})
	if !errors.Is(err, ErrUnknownGateway) {
		t.Fatalf("unknown gateway accepted: %v", err)
	}
}

func TestWebhookInvalidSignatureRejectedBeforeLookup(t *testing.T) {
	repo := newFakePaymentRepo()
	subs := &recordingSubs{}
	gw := &recordingGateway{name: "pesapal", session: CheckoutSession{CheckoutURL: "u", GatewayRef: "ref-1"}}
	svc := newTestService(repo, subs, &recordingMatching{}, gw)
	ctx := context.Background()

	p, err := svc.Initiate(ctx, 1, InitiateInput{
		Gateway: "pesapal", Tier: subscription.TierVip, Purpose: PurposeNewSubscription,
		Amount: 1000, Currency: "KES", IdempotencyKey: "order-sig",
	})
	if err != nil {
		t.Fatal(err)
	}

	repo.lookups = 0
	err = svc.HandleWebhook(ctx, "pesapal", http.Header{}, []byte(`{"Reference":"ref-1","Status":"completed"}`))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("unsigned webhook: %v", err)
	}
	if repo.lookups != 0 {
		t.Errorf("rejection happened after %d lookups, want 0", repo.lookups)
	}

	stored, _ := repo.GetByID(ctx, p.ID)
	if stored.Status != StatusPending {
		t.Errorf("payment mutated by unverified webhook: %s", stored.Status)
	}
	if subs.activations != 0 {
		t.Errorf("subscription mutated by unverified webhook")
	}
}

func TestWebhookCompletionGrantsOnce(t *testing.T) {
	repo := newFakePaymentRepo()
	subs := &recordingSubs{}
	match := &recordingMatching{}
	gw := &recordingGateway{name: "pesapal", session: CheckoutSession{CheckoutURL: "u", GatewayRef: "ref-1"}}
	svc := newTestService(repo, subs, match, gw)
	ctx := context.Background()

	p, err := svc.Initiate(ctx, 1, InitiateInput{
		Gateway: "pesapal", Tier: subscription.TierVip, Purpose: PurposeNewSubscription,
		Amount: 499900, Currency: "KES", IdempotencyKey: "order-grant",
	})
	if err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"Reference":"ref-1","Status":"completed"}`)
	if err := svc.HandleWebhook(ctx, "pesapal", signedHeader(), body); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// The gateway re-delivers the same event.
	if err := svc.HandleWebhook(ctx, "pesapal", signedHeader(), body); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if subs.activations != 1 {
		t.Errorf("activations: got %d, want 1", subs.activations)
	}
	if subs.lastTier != subscription.TierVip {
		t.Errorf("activated tier: %s", subs.lastTier)
	}
	if len(match.requests) != 1 || match.requests[0] != subscription.TierVip {
		t.Errorf("post-activation enqueues: %v", match.requests)
	}

	stored, _ := repo.GetByID(ctx, p.ID)
	if stored.Status != StatusCompleted {
		t.Errorf("payment status: %s", stored.Status)
	}
	if stored.CreditsGranted == nil || *stored.CreditsGranted != 50 {
		t.Errorf("credits granted: %v", stored.CreditsGranted)
	}
	if !stored.EntitlementGranted {
		t.Error("completed payment not marked as granted")
	}
}

func TestWebhookRetriesGrantAfterActivationFailure(t *testing.T) {
	repo := newFakePaymentRepo()
	subs := &recordingSubs{failActivations: 1}
	match := &recordingMatching{}
	gw := &recordingGateway{name: "pesapal", session: CheckoutSession{CheckoutURL: "u", GatewayRef: "ref-5"}}
	svc := newTestService(repo, subs, match, gw)
	ctx := context.Background()

	p, err := svc.Initiate(ctx, 1, InitiateInput{
		Gateway: "pesapal", Tier: subscription.TierVip, Purpose: PurposeNewSubscription,
		Amount: 499900, Currency: "KES", IdempotencyKey: "order-grant-retry",
	})
	if err != nil {
		t.Fatal(err)
	}

	// The payment completes but the activation fails before the grant lands.
	body := []byte(`{"Reference":"ref-5","Status":"completed"}`)
	if err := svc.HandleWebhook(ctx, "pesapal", signedHeader(), body); err == nil {
		t.Fatal("activation failure swallowed; gateway would never retry")
	}

	stored, _ := repo.GetByID(ctx, p.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("payment status after failed grant: %s", stored.Status)
	}
	if stored.EntitlementGranted {
		t.Fatal("ungranted payment marked as granted")
	}

	// The re-delivered webhook must grant, not land in the duplicate branch.
	if err := svc.HandleWebhook(ctx, "pesapal", signedHeader(), body); err != nil {
		t.Fatalf("retry after activation recovery: %v", err)
	}
	if subs.activations != 1 {
		t.Errorf("activations after retry: got %d, want 1", subs.activations)
	}
	if len(match.requests) != 1 {
		t.Errorf("post-activation enqueues: %v", match.requests)
	}
	stored, _ = repo.GetByID(ctx, p.ID)
	if !stored.EntitlementGranted {
		t.Error("retried grant not marked")
	}
	if stored.CreditsGranted == nil || *stored.CreditsGranted != 50 {
		t.Errorf("credits granted: %v", stored.CreditsGranted)
	}
}

func TestWebhookRenewalExtendsWithoutEnqueue(t *testing.T) {
	repo := newFakePaymentRepo()
	subs := &recordingSubs{}
	match := &recordingMatching{}
	gw := &recordingGateway{name: "flutterwave", session: CheckoutSession{CheckoutURL: "u", GatewayRef: "ref-2"}}
	svc := newTestService(repo, subs, match, gw)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, 1, InitiateInput{
		Gateway: "flutterwave", Tier: subscription.TierPriority, Purpose: PurposeRenewal,
		Amount: 1000, Currency: "KES", IdempotencyKey: "order-renew",
	}); err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"Reference":"ref-2","Status":"completed"}`)
	if err := svc.HandleWebhook(ctx, "flutterwave", signedHeader(), body); err != nil {
		t.Fatal(err)
	}

	if subs.extensions != 1 || subs.activations != 0 {
		t.Errorf("extensions=%d activations=%d", subs.extensions, subs.activations)
	}
	if len(match.requests) != 0 {
		t.Errorf("renewal triggered a match enqueue: %v", match.requests)
	}
}

func TestWebhookFallsBackToInternalRef(t *testing.T) {
	repo := newFakePaymentRepo()
	subs := &recordingSubs{}
	// Gateway issued no synchronous reference.
	gw := &recordingGateway{name: "flutterwave", session: CheckoutSession{CheckoutURL: "u"}}
	svc := newTestService(repo, subs, &recordingMatching{}, gw)
	ctx := context.Background()

	p, err := svc.Initiate(ctx, 1, InitiateInput{
		Gateway: "flutterwave", Tier: subscription.TierPriority, Purpose: PurposeNewSubscription,
		Amount: 1000, Currency: "KES", IdempotencyKey: "order-fallback",
	})
	if err != nil {
		t.Fatal(err)
	}

	gw.event = &WebhookEvent{InternalRef: p.InternalRef, Status: EventCompleted}
	if err := svc.HandleWebhook(ctx, "flutterwave", signedHeader(), []byte(`{}`)); err != nil {
		t.Fatalf("internal-ref correlation failed: %v", err)
	}
	if subs.activations != 1 {
		t.Errorf("activations: got %d, want 1", subs.activations)
	}
}

func TestWebhookStoreFailureIsRetriable(t *testing.T) {
	repo := newFakePaymentRepo()
	subs := &recordingSubs{}
	gw := &recordingGateway{name: "pesapal", session: CheckoutSession{CheckoutURL: "u", GatewayRef: "ref-3"}}
	svc := newTestService(repo, subs, &recordingMatching{}, gw)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, 1, InitiateInput{
		Gateway: "pesapal", Tier: subscription.TierVip, Purpose: PurposeNewSubscription,
		Amount: 1000, Currency: "KES", IdempotencyKey: "order-retry",
	}); err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"Reference":"ref-3","Status":"completed"}`)

	repo.failure = errors.New("connection reset")
	if err := svc.HandleWebhook(ctx, "pesapal", signedHeader(), body); err == nil {
		t.Fatal("store failure swallowed; gateway would never retry")
	}
	if subs.activations != 0 {
		t.Error("entitlement granted despite store failure")
	}

	// The gateway retries after the store recovers.
	repo.failure = nil
	if err := svc.HandleWebhook(ctx, "pesapal", signedHeader(), body); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if subs.activations != 1 {
		t.Errorf("activations after recovery: got %d, want 1", subs.activations)
	}
}

func TestWebhookRefundTransition(t *testing.T) {
	repo := newFakePaymentRepo()
	subs := &recordingSubs{}
	gw := &recordingGateway{name: "pesapal", session: CheckoutSession{CheckoutURL: "u", GatewayRef: "ref-4"}}
	svc := newTestService(repo, subs, &recordingMatching{}, gw)
	ctx := context.Background()

	p, err := svc.Initiate(ctx, 1, InitiateInput{
		Gateway: "pesapal", Tier: subscription.TierPriority, Purpose: PurposeRenewal,
		Amount: 1000, Currency: "KES", IdempotencyKey: "order-refund",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.HandleWebhook(ctx, "pesapal", signedHeader(), []byte(`{"Reference":"ref-4","Status":"completed"}`)); err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleWebhook(ctx, "pesapal", signedHeader(), []byte(`{"Reference":"ref-4","Status":"refunded"}`)); err != nil {
		t.Fatal(err)
	}

	stored, _ := repo.GetByID(ctx, p.ID)
	if stored.Status != StatusRefunded {
		t.Errorf("payment status: %s, want refunded", stored.Status)
	}
}
