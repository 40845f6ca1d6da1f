package api

import (
	"strings"
	"testing"

	"github.com/djlord-it/gengate/internal/domain"
)

func intPtr(v int) *int { return &v }

func TestValidateSubmit(t *testing.T) {
	base := SubmitRequest{UserID: "u1", ProviderID: "imagegen", MaxWaitSeconds: 30}

	tests := []struct {
		name    string
		modify  func(r *SubmitRequest)
		wantErr string
	}{
		{"valid", func(r *SubmitRequest) {}, ""},
		{"zero max wait uses default", func(r *SubmitRequest) { r.MaxWaitSeconds = 0 }, ""},
		{"missing user", func(r *SubmitRequest) { r.UserID = "" }, "user_id is required"},
		{"blank user", func(r *SubmitRequest) { r.UserID = "   " }, "user_id is required"},
		{"long user", func(r *SubmitRequest) { r.UserID = strings.Repeat("u", 129) }, "at most 128"},
		{"missing provider", func(r *SubmitRequest) { r.ProviderID = "" }, "provider_id is required"},
		{"negative max wait", func(r *SubmitRequest) { r.MaxWaitSeconds = -1 }, "max_wait_seconds"},
		{"max wait above ceiling", func(r *SubmitRequest) { r.MaxWaitSeconds = 301 }, "max_wait_seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.modify(&req)
			err := validateSubmit(req)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateLimits(t *testing.T) {
	limits, err := validateLimits(LimitsRequest{DailyLimit: intPtr(0), ConcurrentLimit: intPtr(-1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limits != (domain.QuotaLimits{DailyLimit: 0, ConcurrentLimit: domain.Unlimited}) {
		t.Errorf("limits = %+v", limits)
	}

	bad := []LimitsRequest{
		{DailyLimit: intPtr(10)},
		{ConcurrentLimit: intPtr(10)},
		{DailyLimit: intPtr(-2), ConcurrentLimit: intPtr(1)},
		{DailyLimit: intPtr(1), ConcurrentLimit: intPtr(-5)},
	}
	for i, req := range bad {
		if _, err := validateLimits(req); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestValidateWebhook_DedupesEvents(t *testing.T) {
	events, err := validateWebhook(WebhookRequest{
		URL:    "https://example.com/hook",
		Events: []string{"job.failed", "job.succeeded", "job.failed"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []domain.EventType{domain.EventJobFailed, domain.EventJobSucceeded}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestValidateWebhook_EmptyEventsMatchAll(t *testing.T) {
	events, err := validateWebhook(WebhookRequest{URL: "http://localhost:9090/hook"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no event filter, got %v", events)
	}
}

func TestValidateWebhook_Errors(t *testing.T) {
	tests := []struct {
		name    string
		req     WebhookRequest
		wantErr string
	}{
		{"missing url", WebhookRequest{}, "url is required"},
		{"bad scheme", WebhookRequest{URL: "ftp://example.com"}, "scheme must be http or https"},
		{"no host", WebhookRequest{URL: "https://"}, "host is required"},
		{"test event not subscribable", WebhookRequest{URL: "https://example.com", Events: []string{"test"}}, `unknown event "test"`},
		{"unknown event", WebhookRequest{URL: "https://example.com", Events: []string{"job.deleted"}}, "unknown event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validateWebhook(tt.req)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateWebhookURL(t *testing.T) {
	valid := []string{
		"http://example.com",
		"https://example.com/webhook",
		"https://example.com:8080/webhook?token=abc",
	}
	for _, u := range valid {
		if err := validateWebhookURL(u); err != nil {
			t.Errorf("%s: unexpected error %v", u, err)
		}
	}

	invalid := []string{"example.com/webhook", "ws://example.com", "://bad"}
	for _, u := range invalid {
		if err := validateWebhookURL(u); err == nil {
			t.Errorf("%s: expected error", u)
		}
	}
}
