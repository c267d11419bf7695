package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/PortNumber53/botbuilder/backend/internal/billing"
	"github.com/PortNumber53/botbuilder/backend/internal/config"
	"github.com/PortNumber53/botbuilder/backend/internal/handlers"
	"github.com/PortNumber53/botbuilder/backend/internal/models"
)

const testJWTSecret = "test-jwt-secret"

type stubEntitlements struct{ userID string }

func (s *stubEntitlements) Refresh(ctx context.Context, userID string) (models.Entitlement, error) {
	s.userID = userID
	return models.Entitlement{}, nil
}

type stubIngestor struct{ called bool }

func (s *stubIngestor) Handle(ctx context.Context, body []byte, signature string) (string, error) {
	s.called = true
	return "invoice.paid", nil
}

type stubGate struct{}

func (stubGate) Evaluate(ctx context.Context, userID string) (billing.GateResult, error) {
	return billing.GateResult{}, nil
}

func newTestServer(ent *stubEntitlements, ingestor *stubIngestor) *Server {
	cfg := config.Config{ServerAddress: ":0", AuthJWTSecret: testJWTSecret}
	return New(cfg, Dependencies{
		Billing: handlers.NewBillingHandler(ent, nil, nil, stubGate{}),
		Stripe:  handlers.NewStripeHandler(ingestor),
	})
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"email": "a@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestHealthRoute(t *testing.T) {
	server := newTestServer(&stubEntitlements{}, &stubIngestor{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	server := newTestServer(&stubEntitlements{}, &stubIngestor{})

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatalf("expected prometheus exposition, got %q", rr.Body.String())
	}
}

func TestBillingRoutesRequireToken(t *testing.T) {
	ent := &stubEntitlements{}
	server := newTestServer(ent, &stubIngestor{})

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/billing/entitlement", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}
	if ent.userID != "" {
		t.Fatalf("entitlement read without a token")
	}
}

func TestBillingRoutesAcceptValidToken(t *testing.T) {
	ent := &stubEntitlements{}
	server := newTestServer(ent, &stubIngestor{})

	req := httptest.NewRequest(http.MethodGet, "/api/billing/entitlement", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-42"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	if ent.userID != "user-42" {
		t.Fatalf("expected user-42 got %q", ent.userID)
	}
}

func TestWebhookRouteSkipsAuthentication(t *testing.T) {
	ingestor := &stubIngestor{}
	server := newTestServer(&stubEntitlements{}, ingestor)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if !ingestor.called {
		t.Fatalf("expected webhook to reach the ingestor")
	}
}
