package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/nvoskov/garant/internal/circuitbreaker"
	"github.com/nvoskov/garant/internal/config"
	"github.com/nvoskov/garant/internal/deal"
	"github.com/nvoskov/garant/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config.
func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		CommissionFlat: "1.000000",
		MinDealPrice:   "0.000001",
		MaxDealPrice:   "1000000",
		RateLimitRPM:   10000,
		AdminSecret:    "test-admin-secret",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	s.router.ServeHTTP(w, req)

	var resp map[string]any
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

// dealOf unwraps the {"deal": ...} envelope.
func dealOf(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	d, ok := resp["deal"].(map[string]any)
	if !ok {
		t.Fatalf("response has no deal object: %v", resp)
	}
	return d
}

// register creates an account with an API key and returns both.
func register(t *testing.T, s *Server, name string) (accountID, apiKey string) {
	t.Helper()
	w, resp := doJSON(t, s, "POST", "/v1/register", fmt.Sprintf(`{"name":%q}`, name), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	acc, ok := resp["account"].(map[string]any)
	if !ok {
		t.Fatalf("register: missing account in response")
	}
	key, _ := resp["apiKey"].(string)
	if key == "" {
		t.Fatal("register: missing apiKey in response")
	}
	return acc["id"].(string), key
}

// adminDeposit credits an account through the admin endpoint.
func adminDeposit(t *testing.T, s *Server, accountID, amount, txHash string) {
	t.Helper()
	body := fmt.Sprintf(`{"accountId":%q,"amount":%q,"txHash":%q}`, accountID, amount, txHash)
	w, _ := doJSON(t, s, "POST", "/v1/admin/deposits", body, map[string]string{
		"X-Admin-Secret": "test-admin-secret",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, resp := doJSON(t, s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if resp["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, "GET", "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, "GET", "/health/ready", "", nil)
	// Run() has not been called, so ready is false.
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/register",
		"GET:/v1/deals",
		"GET:/v1/deals/:id",
		"POST:/v1/deals",
		"POST:/v1/deals/:id/claim",
		"POST:/v1/deals/:id/fulfill",
		"POST:/v1/deals/:id/confirm",
		"POST:/v1/deals/:id/dispute",
		"POST:/v1/deals/:id/cancel",
		"POST:/v1/deals/:id/messages",
		"GET:/v1/deals/:id/messages",
		"POST:/v1/accounts",
		"POST:/v1/accounts/:id/withdraw",
		"POST:/v1/webhooks",
		"GET:/v1/admin/disputes",
		"POST:/v1/admin/deals/:id/resolve",
		"POST:/v1/admin/deals/:id/force-complete",
		"POST:/v1/admin/deals/:id/force-cancel",
		"POST:/v1/admin/deposits",
		"GET:/v1/admin/ledger/integrity",
		"GET:/v1/admin/reconcile",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestRegistrationIssuesAPIKey(t *testing.T) {
	s := newTestServer(t)

	accountID, apiKey := register(t, s, "alice")
	if !strings.HasPrefix(accountID, "acc_") {
		t.Errorf("Expected acc_ account ID, got %q", accountID)
	}
	if !strings.HasPrefix(apiKey, "sk_") {
		t.Errorf("Expected sk_ API key, got %q", apiKey)
	}

	// The key must authenticate.
	w, resp := doJSON(t, s, "GET", "/v1/whoami", "", map[string]string{
		"Authorization": "Bearer " + apiKey,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("whoami: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["accountId"] != accountID {
		t.Errorf("whoami: expected %q, got %v", accountID, resp["accountId"])
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, "POST", "/v1/deals", `{"title":"x","price":"10"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, "GET", "/v1/admin/disputes", "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without secret, got %d", w.Code)
	}

	w, _ = doJSON(t, s, "GET", "/v1/admin/disputes", "", map[string]string{
		"X-Admin-Secret": "wrong",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 with wrong secret, got %d", w.Code)
	}

	w, _ = doJSON(t, s, "GET", "/v1/admin/disputes", "", map[string]string{
		"X-Admin-Secret": "test-admin-secret",
	})
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with correct secret, got %d: %s", w.Code, w.Body.String())
	}
}

// TestDealLifecycle walks a deal from listing to completion over the
// HTTP API, checking the money movement at each step.
func TestDealLifecycle(t *testing.T) {
	s := newTestServer(t)

	sellerID, sellerKey := register(t, s, "seller")
	buyerID, buyerKey := register(t, s, "buyer")
	adminDeposit(t, s, buyerID, "100.000000", "0xdeadbeef")

	sellerAuth := map[string]string{"Authorization": "Bearer " + sellerKey}
	buyerAuth := map[string]string{"Authorization": "Bearer " + buyerKey}

	w, resp := doJSON(t, s, "POST", "/v1/deals",
		`{"title":"logo design","description":"vector logo","price":"25.000000"}`, sellerAuth)
	if w.Code != http.StatusCreated {
		t.Fatalf("create deal: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	d := dealOf(t, resp)
	dealID := d["id"].(string)
	if d["state"] != "listed" {
		t.Errorf("Expected state listed, got %v", d["state"])
	}
	if d["commission"] != "1.000000" {
		t.Errorf("Expected frozen commission 1.000000, got %v", d["commission"])
	}

	w, resp = doJSON(t, s, "POST", "/v1/deals/"+dealID+"/claim", "", buyerAuth)
	if w.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if dealOf(t, resp)["state"] != "funded" {
		t.Errorf("Expected state funded, got %v", dealOf(t, resp)["state"])
	}

	// Buyer balance drops by the full price while it sits in escrow.
	w, resp = doJSON(t, s, "GET", "/v1/accounts/"+buyerID+"/balance", "", buyerAuth)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["balance"] != "75.000000" {
		t.Errorf("Expected buyer balance 75.000000, got %v", resp["balance"])
	}

	w, resp = doJSON(t, s, "POST", "/v1/deals/"+dealID+"/fulfill", "", sellerAuth)
	if w.Code != http.StatusOK || dealOf(t, resp)["state"] != "fulfilling" {
		t.Fatalf("fulfill: got %d: %s", w.Code, w.Body.String())
	}

	w, resp = doJSON(t, s, "POST", "/v1/deals/"+dealID+"/confirm", "", buyerAuth)
	if w.Code != http.StatusOK || dealOf(t, resp)["state"] != "completed" {
		t.Fatalf("confirm: got %d: %s", w.Code, w.Body.String())
	}

	// Seller receives price minus commission.
	w, resp = doJSON(t, s, "GET", "/v1/accounts/"+sellerID+"/balance", "", sellerAuth)
	if w.Code != http.StatusOK {
		t.Fatalf("seller balance: expected 200, got %d", w.Code)
	}
	if resp["balance"] != "24.000000" {
		t.Errorf("Expected seller balance 24.000000, got %v", resp["balance"])
	}

	// Ledger invariants hold after the full cycle.
	w, _ = doJSON(t, s, "GET", "/v1/admin/ledger/integrity", "", map[string]string{
		"X-Admin-Secret": "test-admin-secret",
	})
	if w.Code != http.StatusOK {
		t.Errorf("integrity: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// TestDisputeResolution funds a deal, disputes it, and resolves it in
// the buyer's favor through the admin API.
func TestDisputeResolution(t *testing.T) {
	s := newTestServer(t)

	_, sellerKey := register(t, s, "seller")
	buyerID, buyerKey := register(t, s, "buyer")
	adminDeposit(t, s, buyerID, "50.000000", "0xfeed01")

	sellerAuth := map[string]string{"Authorization": "Bearer " + sellerKey}
	buyerAuth := map[string]string{"Authorization": "Bearer " + buyerKey}
	adminAuth := map[string]string{"X-Admin-Secret": "test-admin-secret"}

	w, resp := doJSON(t, s, "POST", "/v1/deals", `{"title":"widget","price":"30.000000"}`, sellerAuth)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", w.Code, w.Body.String())
	}
	dealID := dealOf(t, resp)["id"].(string)

	doJSON(t, s, "POST", "/v1/deals/"+dealID+"/claim", "", buyerAuth)
	w, _ = doJSON(t, s, "POST", "/v1/deals/"+dealID+"/dispute", `{"reason":"never arrived"}`, buyerAuth)
	if w.Code != http.StatusOK {
		t.Fatalf("dispute: got %d: %s", w.Code, w.Body.String())
	}

	w, resp = doJSON(t, s, "GET", "/v1/admin/disputes", "", adminAuth)
	if w.Code != http.StatusOK {
		t.Fatalf("list disputes: got %d: %s", w.Code, w.Body.String())
	}
	disputes, _ := resp["disputes"].([]any)
	if len(disputes) != 1 {
		t.Fatalf("Expected 1 open dispute, got %d", len(disputes))
	}

	w, resp = doJSON(t, s, "POST", "/v1/admin/deals/"+dealID+"/resolve",
		`{"winner":"buyer","comment":"refund approved"}`, adminAuth)
	if w.Code != http.StatusOK || dealOf(t, resp)["state"] != "resolved_buyer" {
		t.Fatalf("resolve: got %d: %s", w.Code, w.Body.String())
	}

	// Full price comes back to the buyer.
	w, resp = doJSON(t, s, "GET", "/v1/accounts/"+buyerID+"/balance", "", buyerAuth)
	if resp["balance"] != "50.000000" {
		t.Errorf("Expected refunded balance 50.000000, got %v", resp["balance"])
	}
}

func TestReconcileEndpoint(t *testing.T) {
	s := newTestServer(t)

	_, sellerKey := register(t, s, "seller")
	buyerID, buyerKey := register(t, s, "buyer")
	adminDeposit(t, s, buyerID, "20.000000", "0xfeed02")

	w, resp := doJSON(t, s, "POST", "/v1/deals", `{"title":"thing","price":"10.000000"}`,
		map[string]string{"Authorization": "Bearer " + sellerKey})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d", w.Code)
	}
	dealID := dealOf(t, resp)["id"].(string)
	doJSON(t, s, "POST", "/v1/deals/"+dealID+"/claim", "",
		map[string]string{"Authorization": "Bearer " + buyerKey})

	w, resp = doJSON(t, s, "GET", "/v1/admin/reconcile", "", map[string]string{
		"X-Admin-Secret": "test-admin-secret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["escrowMatch"] != true {
		t.Errorf("Expected escrowMatch true, got %v", resp["escrowMatch"])
	}
	if resp["escrowBalance"] != "10.000000" {
		t.Errorf("Expected escrow balance 10.000000, got %v", resp["escrowBalance"])
	}
}

func TestDashboardEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for dashboard, got %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Type"), "text/html") {
		t.Errorf("Expected HTML content type, got %q", w.Header().Get("Content-Type"))
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t)

	_, sellerKey := register(t, s, "seller")
	w, _ := doJSON(t, s, "POST", "/v1/deals", `{"title":"thing","price":"5.000000"}`,
		map[string]string{"Authorization": "Bearer " + sellerKey})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d", w.Code)
	}

	w, resp := doJSON(t, s, "GET", "/v1/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", w.Code)
	}
	if resp["listed"] != float64(1) {
		t.Errorf("Expected 1 listed deal, got %v", resp["listed"])
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, "GET", "/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

type fakePayoutExecutor struct {
	err   error
	calls int
}

func (f *fakePayoutExecutor) Transfer(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "0xdeadbeef", nil
}

func TestGuardedPayoutTripsAfterFailures(t *testing.T) {
	fake := &fakePayoutExecutor{err: fmt.Errorf("rpc timeout")}
	g := &guardedPayout{
		exec:    fake,
		breaker: circuitbreaker.New(3, time.Minute),
	}

	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	for i := 0; i < 3; i++ {
		if _, err := g.Transfer(context.Background(), to, big.NewInt(1)); err == nil {
			t.Fatal("expected transfer error")
		}
	}
	if fake.calls != 3 {
		t.Fatalf("executor calls = %d, want 3", fake.calls)
	}

	// Circuit is open now: the executor must not be reached.
	if _, err := g.Transfer(context.Background(), to, big.NewInt(1)); err == nil {
		t.Fatal("expected open-circuit error")
	}
	if fake.calls != 3 {
		t.Errorf("executor called while circuit open, calls = %d", fake.calls)
	}
}

// The deal service sees the ledger through the adapter, which turns
// ledger sentinels into the deal package's own.
func TestEscrowLedgerTranslatesSentinels(t *testing.T) {
	ctx := context.Background()
	led := ledger.New(ledger.NewMemoryStore())
	if err := led.EnsureSystemAccounts(ctx); err != nil {
		t.Fatalf("EnsureSystemAccounts: %v", err)
	}
	acc, err := led.OpenAccount(ctx, "user_poor", "broke buyer")
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}

	el := escrowLedger{led}
	if err := el.Hold(ctx, acc.ID, "5.000000", "deal_adapter"); !errors.Is(err, deal.ErrInsufficientFunds) {
		t.Errorf("hold on empty account: err = %v, want deal.ErrInsufficientFunds", err)
	}
	if err := el.Hold(ctx, "acc_missing", "5.000000", "deal_adapter"); !errors.Is(err, deal.ErrAccountNotFound) {
		t.Errorf("hold on missing account: err = %v, want deal.ErrAccountNotFound", err)
	}

	// Other errors pass through untouched.
	if err := el.Hold(ctx, acc.ID, "-1", "deal_adapter"); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("bad amount: err = %v, want ledger.ErrInvalidAmount", err)
	}
}
