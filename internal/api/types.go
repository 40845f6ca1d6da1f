package api

import (
	"encoding/json"
	"time"

	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/gateway"
)

type SubmitRequest struct {
	UserID         string          `json:"user_id"`
	ProviderID     string          `json:"provider_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	MaxWaitSeconds int             `json:"max_wait_seconds,omitempty"` // default ADMISSION_MAX_WAIT
}

type QuotaResponse struct {
	UserID          string `json:"user_id"`
	Used            int    `json:"used"`
	Limit           int    `json:"limit"`
	Remaining       int    `json:"remaining"`
	Concurrent      int    `json:"concurrent"`
	ConcurrentLimit int    `json:"concurrent_limit"`
	ResetsInSeconds int64  `json:"resets_in_seconds"`
}

func quotaResponse(userID string, st domain.QuotaStatus) QuotaResponse {
	return QuotaResponse{
		UserID:          userID,
		Used:            st.Used,
		Limit:           st.Limit,
		Remaining:       st.Remaining,
		Concurrent:      st.Concurrent,
		ConcurrentLimit: st.ConcurrentLimit,
		ResetsInSeconds: st.ResetsInSeconds,
	}
}

// LimitsRequest uses pointers so a missing field is a validation error
// rather than a silent zero.
type LimitsRequest struct {
	DailyLimit      *int `json:"daily_limit"`
	ConcurrentLimit *int `json:"concurrent_limit"`
}

type WebhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"` // generated when empty
	Events []string `json:"events,omitempty"` // empty = every job event
}

type WebhookResponse struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Events    []string `json:"events"`
	Secret    string   `json:"secret,omitempty"` // only returned on creation
	CreatedAt string   `json:"created_at"`
}

func webhookResponse(sub domain.Subscription, withSecret bool) WebhookResponse {
	resp := WebhookResponse{
		ID:        sub.ID.String(),
		URL:       sub.URL,
		Events:    make([]string, len(sub.Events)),
		CreatedAt: formatTime(sub.CreatedAt),
	}
	for i, e := range sub.Events {
		resp.Events[i] = string(e)
	}
	if withSecret {
		resp.Secret = sub.Secret
	}
	return resp
}

type ListWebhooksResponse struct {
	Webhooks []WebhookResponse `json:"webhooks"`
}

type WebhookTestResponse struct {
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	DeliveryID string `json:"delivery_id"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type CircuitsResponse struct {
	Providers []domain.ProviderHealth `json:"providers"`
}

type ReconcileResponse struct {
	Reconciled int `json:"reconciled"`
}

// ErrorResponse is the body of every non-2xx response. Job is set when the
// request got far enough to create one.
type ErrorResponse struct {
	Error  string              `json:"error"`
	Reason string              `json:"reason,omitempty"`
	Job    *gateway.Descriptor `json:"job,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
