package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylock/internal/config"
	"github.com/mbd888/paylock/internal/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testOperator = "0x00000000000000000000000000000000000000aa"
	testPayer    = "0x00000000000000000000000000000000000000b1"
	testReceiver = "0x00000000000000000000000000000000000000b2"
	testToken    = "0x00000000000000000000000000000000000000c1"
	testFeeRecv  = "0x00000000000000000000000000000000000000d1"
)

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		OperatorAddress: testOperator,
		ArbiterAddress:  testFeeRecv,
		EscrowPeriod:    time.Hour,
		TimelockDelay:   config.DefaultTimelockDelay,
		ProtocolFeeBps:  100,
		OperatorFeeBps:  50,
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

func termsJSON() string {
	now := time.Now()
	return fmt.Sprintf(`{
		"operator": %q, "payer": %q, "receiver": %q, "token": %q,
		"maxAmount": "1000000",
		"preApprovalExpiry": %d, "authorizationExpiry": %d, "refundExpiry": %d,
		"maxFeeBps": 1000, "feeReceiver": %q
	}`, testOperator, testPayer, testReceiver, testToken,
		now.Add(time.Hour).Unix(), now.Add(24*time.Hour).Unix(), now.Add(48*time.Hour).Unix(),
		testFeeRecv)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

func TestLifecycleRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"POST:/v1/payments/authorize",
		"POST:/v1/payments/charge",
		"POST:/v1/payments/release",
		"POST:/v1/payments/refund",
		"POST:/v1/payments/refund-post-escrow",
		"POST:/v1/payments/state",
		"GET:/v1/payments/:id/fees",
		"POST:/v1/payments/freeze",
		"POST:/v1/payments/unfreeze",
		"GET:/v1/payments/:id/period",
		"POST:/v1/protocol/calculator",
		"GET:/v1/protocol/pending",
		"POST:/v1/protocol/distribute",
		"POST:/v1/refund-requests",
		"GET:/v1/parties/:address/refund-requests",
		"GET:/ws",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestAuthorizeEndToEnd(t *testing.T) {
	s := newTestServer(t)

	body := fmt.Sprintf(`{"terms": %s, "amount": "10000"}`, termsJSON())
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/payments/authorize", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(validation.CallerHeader, testPayer)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "authorized" {
		t.Errorf("Expected status 'authorized', got %v", resp["status"])
	}
	payment, _ := resp["payment"].(string)
	if !strings.HasPrefix(payment, "0x") || len(payment) != 66 {
		t.Errorf("Expected 32-byte payment id, got %v", resp["payment"])
	}

	// Release is gated on the escrow period; immediately after
	// authorize it must be denied.
	body = fmt.Sprintf(`{"terms": %s, "amount": "10000"}`, termsJSON())
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/payments/release", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(validation.CallerHeader, testReceiver)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 (period not elapsed), got %d: %s", w.Code, w.Body.String())
	}
}

func TestAuthorizeRequiresCallerHeader(t *testing.T) {
	s := newTestServer(t)

	body := fmt.Sprintf(`{"terms": %s, "amount": "10000"}`, termsJSON())
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/payments/authorize", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestGovernanceRequiresGovernor(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/protocol/calculator", strings.NewReader(`{"feeBps": 200}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(validation.CallerHeader, testPayer)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-governor, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/protocol/calculator", strings.NewReader(`{"feeBps": 200}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(validation.CallerHeader, testFeeRecv) // the arbiter governs fees
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("Expected 202 for governor, got %d: %s", w.Code, w.Body.String())
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
