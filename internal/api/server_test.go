package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"follower-platform/config"
	"follower-platform/internal/auth"
	"follower-platform/internal/balance"
	"follower-platform/internal/billing"
	"follower-platform/internal/commerce"
	"follower-platform/internal/database"
	"follower-platform/internal/events"
	"follower-platform/internal/signal"
)

const (
	testMasterKey     = "test-master-key"
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "test-webhook-secret"
)

// fakeStore is an in-memory stand-in for the repository. It backs the
// PlatformStore surface plus the store interfaces of the engines wired
// into the test server, mirroring the row-guard semantics of the real one.
type fakeStore struct {
	mu         sync.Mutex
	users      map[string]*database.FollowerUser
	userOrder  []string
	portfolios map[string]*database.PortfolioState
	trades     []*database.Trade
	txns       map[string][]database.Transaction
	invoices   map[string]*database.Invoice
	cycles     map[string][]database.BillingCycleRecord
	signals    []database.Signal
	nextID     int64
	healthErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      make(map[string]*database.FollowerUser),
		portfolios: make(map[string]*database.PortfolioState),
		txns:       make(map[string][]database.Transaction),
		invoices:   make(map[string]*database.Invoice),
		cycles:     make(map[string][]database.BillingCycleRecord),
	}
}

func (f *fakeStore) HealthCheck(ctx context.Context) error {
	return f.healthErr
}

func (f *fakeStore) CreateUser(ctx context.Context, userID string, email *string) (*database.FollowerUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[userID]; ok {
		return nil, fmt.Errorf("duplicate key value violates unique constraint")
	}
	u := &database.FollowerUser{
		UserID:    userID,
		Email:     email,
		FeeTier:   database.TierStandard,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	f.users[userID] = u
	f.userOrder = append(f.userOrder, userID)
	return u, nil
}

func (f *fakeStore) GetUser(ctx context.Context, userID string) (*database.FollowerUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID], nil
}

func (f *fakeStore) ListUsers(ctx context.Context) ([]*database.FollowerUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]*database.FollowerUser, 0, len(f.userOrder))
	for _, id := range f.userOrder {
		users = append(users, f.users[id])
	}
	return users, nil
}

func (f *fakeStore) SetAccessGranted(ctx context.Context, userID string, granted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	u.AccessGranted = granted
	return nil
}

func (f *fakeStore) SetAgentActive(ctx context.Context, userID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		u.AgentActive = active
	}
	return nil
}

func (f *fakeStore) SetAgentKeyHash(ctx context.Context, userID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	h := hash
	u.AgentKeyHash = &h
	return nil
}

func (f *fakeStore) SetFeeTier(ctx context.Context, userID, tier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	u.FeeTier = tier
	return nil
}

func (f *fakeStore) SetNextCycleFeeTier(ctx context.Context, userID string, tier *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	u.NextCycleFeeTier = tier
	return nil
}

func (f *fakeStore) StoreEncryptedCredentials(ctx context.Context, userID, encryptedKey, encryptedSecret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	k, s := encryptedKey, encryptedSecret
	u.APIKeyEncrypted = &k
	u.APISecretEncrypted = &s
	return nil
}

func (f *fakeStore) ClearCredentials(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		u.APIKeyEncrypted = nil
		u.APISecretEncrypted = nil
	}
	return nil
}

func (f *fakeStore) InitPortfolio(ctx context.Context, userID string, initialCapital decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.portfolios[userID]; ok {
		return nil
	}
	f.portfolios[userID] = &database.PortfolioState{
		UserID:           userID,
		InitialCapital:   initialCapital,
		LastKnownBalance: initialCapital,
		UpdatedAt:        time.Now().UTC(),
	}
	return nil
}

func (f *fakeStore) InsertTradeWithTotals(ctx context.Context, trade *database.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[trade.UserID]
	if !ok {
		return fmt.Errorf("user %s not found during totals update", trade.UserID)
	}
	f.nextID++
	trade.ID = f.nextID
	trade.CreatedAt = time.Now().UTC()
	f.trades = append(f.trades, trade)

	u.LifetimeProfit = u.LifetimeProfit.Add(trade.PnL)
	u.LifetimeTrades++
	u.LifetimeFees = u.LifetimeFees.Add(trade.Fee)
	u.CurrentCycleProfit = u.CurrentCycleProfit.Add(trade.PnL)
	u.CurrentCycleTrades++
	u.CurrentCycleFees = u.CurrentCycleFees.Add(trade.Fee)
	return nil
}

func (f *fakeStore) TradeExistsNear(ctx context.Context, userID, symbol string, exitTime time.Time, tolerance time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.trades {
		if t.UserID != userID || t.Symbol != symbol {
			continue
		}
		diff := t.ExitTime.Sub(exitTime)
		if diff < 0 {
			diff = -diff
		}
		if diff <= tolerance {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetUserTrades(ctx context.Context, userID string, limit, offset int) ([]*database.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var trades []*database.Trade
	for _, t := range f.trades {
		if t.UserID == userID {
			trades = append(trades, t)
		}
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ExitTime.After(trades[j].ExitTime) })
	if offset >= len(trades) {
		return nil, nil
	}
	trades = trades[offset:]
	if limit < len(trades) {
		trades = trades[:limit]
	}
	return trades, nil
}

func (f *fakeStore) SumTradePnLSince(ctx context.Context, userID string, since *time.Time) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := decimal.Zero
	for _, t := range f.trades {
		if t.UserID != userID {
			continue
		}
		if since != nil && !t.ExitTime.After(*since) {
			continue
		}
		sum = sum.Add(t.PnL)
	}
	return sum, nil
}

func (f *fakeStore) GetUserTransactions(ctx context.Context, userID string, start, end time.Time) ([]database.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.Transaction
	for _, txn := range f.txns[userID] {
		if txn.DetectedAt.Before(start) || txn.DetectedAt.After(end) {
			continue
		}
		out = append(out, txn)
	}
	return out, nil
}

func (f *fakeStore) GetLedgerStats(ctx context.Context, userID string) (*database.UserLedgerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s not found", userID)
	}
	stats := &database.UserLedgerStats{
		UserID:             userID,
		LifetimeProfit:     u.LifetimeProfit,
		LifetimeTrades:     u.LifetimeTrades,
		LifetimeFees:       u.LifetimeFees,
		LifetimeFeesPaid:   u.LifetimeFeesPaid,
		CurrentCycleProfit: u.CurrentCycleProfit,
		CurrentCycleTrades: u.CurrentCycleTrades,
	}
	for _, rec := range f.cycles[userID] {
		stats.CyclesClosed++
		if rec.InvoiceStatus == database.CycleStatusWaived {
			stats.CyclesWaived++
		}
	}
	return stats, nil
}

func (f *fakeStore) GetPlatformBillingStats(ctx context.Context) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]interface{}{"total_users": len(f.users)}, nil
}

func (f *fakeStore) GetBillableUsers(ctx context.Context) ([]*database.FollowerUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var users []*database.FollowerUser
	for _, id := range f.userOrder {
		u := f.users[id]
		if u.AccessGranted && u.CredentialsSet() && u.BillingCycleStart != nil && u.PendingInvoiceID == nil {
			users = append(users, u)
		}
	}
	return users, nil
}

func (f *fakeStore) StartBillingCycle(ctx context.Context, userID string, start time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.BillingCycleStart != nil {
		return false, nil
	}
	s := start
	u.BillingCycleStart = &s
	u.CurrentCycleProfit = decimal.Zero
	u.CurrentCycleTrades = 0
	u.CurrentCycleFees = decimal.Zero
	return true, nil
}

func (f *fakeStore) CloseBillingCycle(ctx context.Context, record *database.BillingCycleRecord, rollover database.CycleRollover, invoice *database.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[record.UserID]
	if !ok {
		return fmt.Errorf("user %s not found during cycle rollover", record.UserID)
	}
	f.nextID++
	record.ID = f.nextID
	record.CreatedAt = time.Now().UTC()
	f.cycles[record.UserID] = append(f.cycles[record.UserID], *record)

	start := rollover.NewCycleStart
	u.BillingCycleStart = &start
	u.CurrentCycleProfit = decimal.Zero
	u.CurrentCycleTrades = 0
	u.CurrentCycleFees = decimal.Zero
	u.FeeTier = rollover.NewFeeTier
	u.NextCycleFeeTier = nil
	u.PendingInvoiceID = rollover.PendingInvoiceID
	u.PendingInvoiceAmount = rollover.PendingInvoiceAmount

	if invoice != nil {
		f.nextID++
		invoice.ID = f.nextID
		invoice.CreatedAt = time.Now().UTC()
		f.invoices[invoice.ChargeID] = invoice
	}
	return nil
}

func (f *fakeStore) GetUserCycleHistory(ctx context.Context, userID string, limit int) ([]database.BillingCycleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	records := append([]database.BillingCycleRecord(nil), f.cycles[userID]...)
	sort.Slice(records, func(i, j int) bool { return records[i].CycleEnd.After(records[j].CycleEnd) })
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}

func (f *fakeStore) MarkInvoicePaid(ctx context.Context, chargeID string, paidAt time.Time) (*database.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[chargeID]
	if !ok || inv.Status != database.InvoiceStatusPending {
		return nil, nil
	}
	inv.Status = database.InvoiceStatusPaid
	at := paidAt
	inv.PaidAt = &at
	if u, ok := f.users[inv.UserID]; ok {
		u.PendingInvoiceID = nil
		u.PendingInvoiceAmount = decimal.NullDecimal{}
		u.LifetimeFeesPaid = u.LifetimeFeesPaid.Add(inv.Amount)
	}
	return inv, nil
}

func (f *fakeStore) ExpireInvoice(ctx context.Context, chargeID string) (*database.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[chargeID]
	if !ok || inv.Status != database.InvoiceStatusPending {
		return nil, nil
	}
	inv.Status = database.InvoiceStatusExpired
	if u, ok := f.users[inv.UserID]; ok && u.PendingInvoiceID != nil && *u.PendingInvoiceID == chargeID {
		u.PendingInvoiceID = nil
		u.PendingInvoiceAmount = decimal.NullDecimal{}
	}
	return inv, nil
}

func (f *fakeStore) CreateSignal(ctx context.Context, sig *database.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sig.ID = f.nextID
	sig.CreatedAt = time.Now().UTC()
	f.signals = append(f.signals, *sig)
	return nil
}

func (f *fakeStore) GetSignalsSince(ctx context.Context, since time.Time, limit int) ([]database.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.Signal
	for _, sig := range f.signals {
		if sig.BroadcastAt.After(since) {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BroadcastAt.Before(out[j].BroadcastAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetBalanceCheckTargets(ctx context.Context) ([]database.BalanceCheckTarget, error) {
	return nil, nil
}

func (f *fakeStore) GetPortfolio(ctx context.Context, userID string) (*database.PortfolioState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.portfolios[userID], nil
}

func (f *fakeStore) UpdateBalanceCheckpoint(ctx context.Context, userID string, bal decimal.Decimal, checkedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.portfolios[userID]; ok {
		p.LastKnownBalance = bal
		at := checkedAt
		p.LastBalanceCheck = &at
	}
	return nil
}

func (f *fakeStore) RecordDetectedTransaction(ctx context.Context, txn *database.Transaction, checkedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	txn.ID = f.nextID
	f.txns[txn.UserID] = append(f.txns[txn.UserID], *txn)
	return nil
}

type testEnv struct {
	store   *fakeStore
	bus     *events.EventBus
	server  *Server
	hub     *signal.Hub
	authSvc *auth.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := newFakeStore()
	bus := events.NewEventBus()
	logger := zerolog.Nop()

	authSvc := auth.NewService(store, config.AuthConfig{
		MasterKey:          testMasterKey,
		JWTSecret:          testJWTSecret,
		AdminTokenDuration: time.Hour,
	}, logger)

	engine := billing.NewEngine(store, nil, bus, billing.Config{}, logger)
	billingSched := billing.NewScheduler(engine, time.Hour, logger)

	checker := balance.NewChecker(store, nil, decimal.NewFromInt(10), bus, logger)
	balanceSched := balance.NewScheduler(checker, time.Hour, 0, logger)

	hub := signal.NewHub(logger)
	go hub.Run()
	relay := signal.NewRelay(store, nil, hub, bus, logger)

	commerceClient := commerce.NewClient(config.CommerceConfig{
		Enabled:       true,
		APIKey:        "test-commerce-key",
		WebhookSecret: testWebhookSecret,
	}, logger)

	srv := NewServer(config.ServerConfig{ProductionMode: true}, store, bus, Services{
		Auth:             authSvc,
		BillingEngine:    engine,
		BillingScheduler: billingSched,
		BalanceChecker:   checker,
		BalanceScheduler: balanceSched,
		Relay:            relay,
		Commerce:         commerceClient,
	}, logger)

	return &testEnv{store: store, bus: bus, server: srv, hub: hub, authSvc: authSvc}
}

// addUser seeds a user with a real agent key and returns the plaintext key
func (e *testEnv) addUser(t *testing.T, userID string) (*database.FollowerUser, string) {
	t.Helper()
	plaintext, hash, err := auth.GenerateAgentKey(userID)
	if err != nil {
		t.Fatalf("GenerateAgentKey: %v", err)
	}
	u := &database.FollowerUser{
		UserID:        userID,
		AgentKeyHash:  &hash,
		AccessGranted: true,
		FeeTier:       database.TierStandard,
		CreatedAt:     time.Now().UTC(),
	}
	e.store.mu.Lock()
	e.store.users[userID] = u
	e.store.userOrder = append(e.store.userOrder, userID)
	e.store.mu.Unlock()
	return u, plaintext
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	tok, err := e.authSvc.IssueAdminToken(testMasterKey)
	if err != nil {
		t.Fatalf("IssueAdminToken: %v", err)
	}
	return tok.AccessToken
}

func (e *testEnv) do(method, path string, headers map[string]string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func agentHeaders(apiKey string) map[string]string {
	return map[string]string{auth.HeaderAPIKey: apiKey}
}

func adminHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return m
}

// dataField unwraps the successResponse envelope
func dataField(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	body := decodeBody(t, w)
	if body["success"] != true {
		t.Fatalf("expected success envelope, got %q", w.Body.String())
	}
	data, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected data object, got %q", w.Body.String())
	}
	return data
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", body["status"])
	}
	if body["database"] != "healthy" {
		t.Errorf("expected healthy database, got %v", body["database"])
	}
	if _, ok := body["agents_connected"]; !ok {
		t.Error("expected agents_connected in health payload")
	}
}

func TestHealthEndpointDatabaseDown(t *testing.T) {
	env := newTestEnv(t)
	env.store.healthErr = fmt.Errorf("connection refused")

	w := env.do(http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy status, got %v", body["status"])
	}
}

func TestRouteNotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/no-such-route", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] != true {
		t.Errorf("expected error envelope, got %q", w.Body.String())
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a") {
		t.Error("third request within the window should be rejected")
	}
	if !rl.Allow("b") {
		t.Error("a different key has its own window")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(1, 20*time.Millisecond)

	if !rl.Allow("a") {
		t.Fatal("first request should pass")
	}
	if rl.Allow("a") {
		t.Fatal("second request should be limited")
	}
	time.Sleep(30 * time.Millisecond)
	if !rl.Allow("a") {
		t.Error("request after the window expires should pass")
	}
}

func TestMasterKeyRequired(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]interface{}{"symbol": "PF_XBTUSD", "action": "long"}

	w := env.do(http.MethodPost, "/api/signal/broadcast", nil, body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing master key: expected 401, got %d", w.Code)
	}

	w = env.do(http.MethodPost, "/api/signal/broadcast", map[string]string{auth.HeaderMasterKey: "wrong"}, body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong master key: expected 401, got %d", w.Code)
	}

	env.store.mu.Lock()
	persisted := len(env.store.signals)
	env.store.mu.Unlock()
	if persisted != 0 {
		t.Errorf("rejected broadcasts must not persist, found %d signals", persisted)
	}
}

func TestAgentKeyRequired(t *testing.T) {
	env := newTestEnv(t)
	_, apiKey := env.addUser(t, "user-1")

	w := env.do(http.MethodGet, "/api/agent/status", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: expected 401, got %d", w.Code)
	}

	w = env.do(http.MethodGet, "/api/agent/status", agentHeaders("user-1.wrongsecret"), nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: expected 401, got %d", w.Code)
	}

	w = env.do(http.MethodGet, "/api/agent/status", agentHeaders(apiKey), nil)
	if w.Code != http.StatusOK {
		t.Errorf("valid key: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestAdminTokenEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/admin/auth/token", map[string]string{auth.HeaderMasterKey: "wrong"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong master key: expected 401, got %d", w.Code)
	}

	w = env.do(http.MethodPost, "/api/admin/auth/token", map[string]string{auth.HeaderMasterKey: testMasterKey}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatal("expected access_token in response")
	}
	if body["token_type"] != "Bearer" {
		t.Errorf("expected Bearer token type, got %v", body["token_type"])
	}

	// The minted token must open the admin surface.
	w = env.do(http.MethodGet, "/api/admin/users", adminHeaders(token), nil)
	if w.Code != http.StatusOK {
		t.Errorf("minted token rejected: %d (%s)", w.Code, w.Body.String())
	}
}

func TestAdminSurfaceRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	_, apiKey := env.addUser(t, "user-1")

	cases := []struct {
		name    string
		headers map[string]string
	}{
		{"no auth", nil},
		{"garbage token", adminHeaders("not-a-token")},
		{"agent key is not admin", agentHeaders(apiKey)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodGet, "/api/admin/users", tc.headers, nil)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
		})
	}
}
