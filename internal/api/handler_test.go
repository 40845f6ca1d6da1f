package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/djlord-it/gengate/internal/domain"
)

func TestCircuitRetryAfter(t *testing.T) {
	until := testNow.Add(1500 * time.Millisecond)
	past := testNow.Add(-time.Second)

	tests := []struct {
		name     string
		circuits []domain.ProviderHealth
		want     int
	}{
		{"unknown provider", nil, retryAfterCircuitOpen},
		{"rounds up", []domain.ProviderHealth{{ProviderID: "p", OpenedUntil: &until}}, 2},
		{"cooldown elapsed", []domain.ProviderHealth{{ProviderID: "p", OpenedUntil: &past}}, 1},
		{"other provider", []domain.ProviderHealth{{ProviderID: "q", OpenedUntil: &until}}, retryAfterCircuitOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&mockGateway{circuits: tt.circuits}).WithClock(func() time.Time { return testNow })
			if got := h.circuitRetryAfter("p"); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewSecret(t *testing.T) {
	a, err := newSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := newSecret()
	if len(a) != 64 || a == b {
		t.Errorf("unexpected secrets %q %q", a, b)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	h := NewHandler(&mockGateway{})
	req := httptest.NewRequest(http.MethodGet, "/v1/generations", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRouter_HealthIsJSON(t *testing.T) {
	h := NewHandler(&mockGateway{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}
