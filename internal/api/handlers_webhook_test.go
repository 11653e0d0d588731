package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"follower-platform/internal/commerce"
	"follower-platform/internal/database"
)

func signPayload(payload string) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// postWebhook sends the exact bytes that were signed. The generic do helper
// re-marshals its body, which would break the HMAC.
func (e *testEnv) postWebhook(payload string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/commerce", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func chargeEvent(eventType, chargeID string) string {
	return fmt.Sprintf(`{"event":{"id":"evt-1","type":%q,"data":{"id":%q}}}`, eventType, chargeID)
}

func (e *testEnv) seedPendingInvoice(t *testing.T, userID, chargeID, amount string) *database.FollowerUser {
	t.Helper()
	user, _ := e.addUser(t, userID)
	id := chargeID
	user.PendingInvoiceID = &id
	user.PendingInvoiceAmount = decimal.NullDecimal{Decimal: decimal.RequireFromString(amount), Valid: true}
	e.store.mu.Lock()
	e.store.invoices[chargeID] = &database.Invoice{
		UserID:   userID,
		ChargeID: chargeID,
		Amount:   decimal.RequireFromString(amount),
		Currency: "USD",
		Status:   database.InvoiceStatusPending,
	}
	e.store.mu.Unlock()
	return user
}

func TestWebhookConfirmSettlesInvoice(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedPendingInvoice(t, "user-1", "charge-42", "25")

	payload := chargeEvent(commerce.EventChargeConfirmed, "charge-42")
	w := env.postWebhook(payload, map[string]string{
		commerce.HeaderWebhookSignature: signPayload(payload),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["received"] != true {
		t.Errorf("expected received true, got %v", body["received"])
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if env.store.invoices["charge-42"].Status != database.InvoiceStatusPaid {
		t.Errorf("expected invoice paid, got %s", env.store.invoices["charge-42"].Status)
	}
	if user.PendingInvoiceID != nil {
		t.Error("expected pending marker cleared")
	}
	if !user.LifetimeFeesPaid.Equal(decimal.RequireFromString("25")) {
		t.Errorf("expected 25 credited to fees paid, got %s", user.LifetimeFeesPaid)
	}
}

func TestWebhookFailureExpiresInvoice(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedPendingInvoice(t, "user-1", "charge-42", "25")

	payload := chargeEvent(commerce.EventChargeFailed, "charge-42")
	w := env.postWebhook(payload, map[string]string{
		commerce.HeaderWebhookSignature: signPayload(payload),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if env.store.invoices["charge-42"].Status != database.InvoiceStatusExpired {
		t.Errorf("expected invoice expired, got %s", env.store.invoices["charge-42"].Status)
	}
	if user.PendingInvoiceID != nil {
		t.Error("expected pending marker released for the next cycle")
	}
	if !user.LifetimeFeesPaid.IsZero() {
		t.Errorf("failed charge must not credit fees, got %s", user.LifetimeFeesPaid)
	}
}

func TestWebhookSignatureChecks(t *testing.T) {
	env := newTestEnv(t)
	env.seedPendingInvoice(t, "user-1", "charge-42", "25")
	payload := chargeEvent(commerce.EventChargeConfirmed, "charge-42")

	w := env.postWebhook(payload, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing signature: expected 400, got %d", w.Code)
	}

	w = env.postWebhook(payload, map[string]string{
		commerce.HeaderWebhookSignature: "deadbeef",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: expected 401, got %d", w.Code)
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if env.store.invoices["charge-42"].Status != database.InvoiceStatusPending {
		t.Error("rejected webhooks must not settle anything")
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	env := newTestEnv(t)

	for _, payload := range []string{`{not json`, `{}`} {
		w := env.postWebhook(payload, map[string]string{
			commerce.HeaderWebhookSignature: signPayload(payload),
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("payload %q: expected 400, got %d", payload, w.Code)
		}
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	env := newTestEnv(t)
	env.seedPendingInvoice(t, "user-1", "charge-42", "25")

	payload := chargeEvent(commerce.EventChargeCreated, "charge-42")
	w := env.postWebhook(payload, map[string]string{
		commerce.HeaderWebhookSignature: signPayload(payload),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", w.Code)
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if env.store.invoices["charge-42"].Status != database.InvoiceStatusPending {
		t.Error("informational events must not settle the invoice")
	}
}

func TestWebhookUnknownChargeAcked(t *testing.T) {
	env := newTestEnv(t)

	payload := chargeEvent(commerce.EventChargeConfirmed, "charge-ghost")
	w := env.postWebhook(payload, map[string]string{
		commerce.HeaderWebhookSignature: signPayload(payload),
	})
	if w.Code != http.StatusOK {
		t.Errorf("unknown charge must ack so the provider stops retrying, got %d", w.Code)
	}
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedPendingInvoice(t, "user-1", "charge-42", "25")

	payload := chargeEvent(commerce.EventChargeConfirmed, "charge-42")
	headers := map[string]string{commerce.HeaderWebhookSignature: signPayload(payload)}

	for i := 0; i < 2; i++ {
		if w := env.postWebhook(payload, headers); w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i+1, w.Code)
		}
	}

	if !user.LifetimeFeesPaid.Equal(decimal.RequireFromString("25")) {
		t.Errorf("replay must credit exactly once, got %s", user.LifetimeFeesPaid)
	}
}
