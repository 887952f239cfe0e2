package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const pesapalSignatureHeader = "X-Pesapal-Signature"

// PesapalConfig carries the credentials validated at startup
type PesapalConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
}

type pesapalGateway struct {
	cfg   PesapalConfig
	httpc *http.Client
}

func NewPesapalGateway(cfg PesapalConfig) Gateway {
	return &pesapalGateway{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *pesapalGateway) Name() string { return GatewayPesapal }

type pesapalTokenResponse struct {
	Token string `json:"token"`
}

type pesapalOrderResponse struct {
	OrderTrackingID string `json:"order_tracking_id"`
	RedirectURL     string `json:"redirect_url"`
	Error           *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// InitiateCheckout authenticates and submits an order request. The returned
// order tracking id becomes the payment's gateway reference.
func (g *pesapalGateway) InitiateCheckout(ctx context.Context, p *Payment) (*CheckoutSession, error) {
	token, err := g.requestToken(ctx)
	if err != nil {
		return nil, err
	}

	order := map[string]interface{}{
		"id":              p.InternalRef,
		"currency":        p.Currency,
		"amount":          float64(p.Amount) / 100,
		"description":     p.Purpose,
		"callback_url":    "",
		"notification_id": p.InternalRef,
	}
	body, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.BaseURL+"/api/Transactions/SubmitOrderRequest", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := g.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pesapal order request: %w", err)
	}
	defer res.Body.Close()

	var out pesapalOrderResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding pesapal order response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("pesapal rejected order: %s %s", out.Error.Code, out.Error.Message)
	}
	if out.RedirectURL == "" {
		return nil, fmt.Errorf("pesapal returned no redirect url")
	}

	return &CheckoutSession{CheckoutURL: out.RedirectURL, GatewayRef: out.OrderTrackingID}, nil
}

func (g *pesapalGateway) requestToken(ctx context.Context) (string, error) {
	creds, err := json.Marshal(map[string]string{
		"consumer_key":    g.cfg.ConsumerKey,
		"consumer_secret": g.cfg.ConsumerSecret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.BaseURL+"/api/Auth/RequestToken", bytes.NewReader(creds))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := g.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("pesapal token request: %w", err)
	}
	defer res.Body.Close()

	var out pesapalTokenResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding pesapal token: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("pesapal returned empty token")
	}
	return out.Token, nil
}

type pesapalWebhookPayload struct {
	OrderTrackingID   string `json:"order_tracking_id"`
	MerchantReference string `json:"merchant_reference"`
	Status            string `json:"status"`
}

// VerifyWebhook checks the HMAC-SHA256 signature over the raw body against
// the consumer secret before parsing the payload.
func (g *pesapalGateway) VerifyWebhook(header http.Header, body []byte) (*WebhookEvent, error) {
	sig, err := hex.DecodeString(header.Get(pesapalSignatureHeader))
	if err != nil || len(sig) == 0 {
		return nil, ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(g.cfg.ConsumerSecret))
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrInvalidSignature
	}

	var payload pesapalWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed pesapal webhook payload: %w", err)
	}

	return &WebhookEvent{
		Reference:   payload.OrderTrackingID,
		InternalRef: payload.MerchantReference,
		Status:      mapPesapalStatus(payload.Status),
	}, nil
}

func mapPesapalStatus(status string) string {
	switch strings.ToUpper(status) {
	case "COMPLETED":
		return EventCompleted
	case "REVERSED":
		return EventRefunded
	default:
		return EventFailed
	}
}
