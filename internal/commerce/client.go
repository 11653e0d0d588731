package commerce

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"follower-platform/config"
)

const (
	defaultBaseURL = "https://api.commerce.coinbase.com"
	apiVersion     = "2018-03-22"
)

// Webhook event types
const (
	EventChargeCreated   = "charge:created"
	EventChargePending   = "charge:pending"
	EventChargeConfirmed = "charge:confirmed"
	EventChargeFailed    = "charge:failed"
)

// HeaderWebhookSignature carries the HMAC of the webhook payload
const HeaderWebhookSignature = "X-CC-Webhook-Signature"

// Client handles Coinbase Commerce payment integration. It covers exactly
// what billing needs: creating hosted charges and verifying/parsing the
// webhook callbacks.
type Client struct {
	apiKey        string
	webhookSecret string
	httpClient    *http.Client
	baseURL       string
	logger        zerolog.Logger
}

// NewClient creates a new Coinbase Commerce client
func NewClient(cfg config.CommerceConfig, logger zerolog.Logger) *Client {
	return &Client{
		apiKey:        cfg.APIKey,
		webhookSecret: cfg.WebhookSecret,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		baseURL:       defaultBaseURL,
		logger:        logger.With().Str("component", "CommerceClient").Logger(),
	}
}

// IsConfigured returns true if the client can both create charges and verify
// webhooks
func (c *Client) IsConfigured() bool {
	return c.apiKey != "" && c.webhookSecret != ""
}

type chargeRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	PricingType string            `json:"pricing_type"`
	LocalPrice  localPrice        `json:"local_price"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type localPrice struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type chargeData struct {
	ID        string            `json:"id"`
	Code      string            `json:"code"`
	HostedURL string            `json:"hosted_url"`
	Metadata  map[string]string `json:"metadata"`
}

type chargeResponse struct {
	Data chargeData `json:"data"`
}

// CreateCharge creates a fixed-price USD charge and returns the provider's
// charge id plus the hosted payment URL the user completes payment on.
func (c *Client) CreateCharge(ctx context.Context, userID string, amount decimal.Decimal, description string, metadata map[string]string) (chargeID, hostedURL string, err error) {
	if c.apiKey == "" {
		return "", "", fmt.Errorf("commerce api key not configured")
	}

	payload := chargeRequest{
		Name:        "Trading profit share",
		Description: description,
		PricingType: "fixed_price",
		LocalPrice: localPrice{
			Amount:   amount.StringFixed(2),
			Currency: "USD",
		},
		Metadata: metadata,
	}

	respBody, err := c.post(ctx, "/charges", payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to create charge: %w", err)
	}

	var parsed chargeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", "", fmt.Errorf("failed to parse charge response: %w", err)
	}
	if parsed.Data.ID == "" {
		return "", "", fmt.Errorf("charge response missing id")
	}

	c.logger.Info().
		Str("user_id", userID).
		Str("charge_id", parsed.Data.ID).
		Str("amount", amount.StringFixed(2)).
		Msg("Commerce charge created")

	return parsed.Data.ID, parsed.Data.HostedURL, nil
}

// post makes an authenticated JSON request to the Commerce API
func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CC-Api-Key", c.apiKey)
	req.Header.Set("X-CC-Version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("commerce API error: %s - %s", resp.Status, string(respBody))
	}

	return respBody, nil
}

// VerifySignature checks the X-CC-Webhook-Signature header against the raw
// request body. The signature is a hex HMAC-SHA256 of the payload. An
// unconfigured webhook secret rejects everything; unsigned payment callbacks
// are never accepted.
func (c *Client) VerifySignature(payload []byte, signature string) bool {
	if c.webhookSecret == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// WebhookEvent is a parsed Commerce webhook notification
type WebhookEvent struct {
	ID     string
	Type   string
	Charge chargeData
}

// ChargeID returns the provider charge id the event refers to
func (e *WebhookEvent) ChargeID() string {
	return e.Charge.ID
}

type webhookEnvelope struct {
	Event struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	} `json:"event"`
}

// ParseEvent decodes a verified webhook payload. The charge object rides
// inside event.data.
func ParseEvent(payload []byte) (*WebhookEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	if envelope.Event.Type == "" {
		return nil, fmt.Errorf("webhook payload missing event type")
	}

	event := &WebhookEvent{
		ID:   envelope.Event.ID,
		Type: envelope.Event.Type,
	}
	if len(envelope.Event.Data) > 0 {
		if err := json.Unmarshal(envelope.Event.Data, &event.Charge); err != nil {
			return nil, fmt.Errorf("failed to parse charge data: %w", err)
		}
	}

	return event, nil
}
