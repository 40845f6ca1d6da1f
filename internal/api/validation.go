package api

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/djlord-it/gengate/internal/domain"
)

const (
	maxUserIDLength = 128
	maxWaitCeiling  = 300 // seconds
)

var subscribableEvents = map[string]domain.EventType{
	string(domain.EventJobQueued):    domain.EventJobQueued,
	string(domain.EventJobRunning):   domain.EventJobRunning,
	string(domain.EventJobSucceeded): domain.EventJobSucceeded,
	string(domain.EventJobFailed):    domain.EventJobFailed,
}

func validateSubmit(req SubmitRequest) error {
	if err := validateUserID(req.UserID); err != nil {
		return err
	}
	if strings.TrimSpace(req.ProviderID) == "" {
		return fmt.Errorf("provider_id is required")
	}
	if req.MaxWaitSeconds < 0 || req.MaxWaitSeconds > maxWaitCeiling {
		return fmt.Errorf("max_wait_seconds must be between 0 and %d", maxWaitCeiling)
	}
	return nil
}

func validateUserID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("user_id is required")
	}
	if len(id) > maxUserIDLength {
		return fmt.Errorf("user_id must be at most %d characters", maxUserIDLength)
	}
	return nil
}

func validateLimits(req LimitsRequest) (domain.QuotaLimits, error) {
	if req.DailyLimit == nil || req.ConcurrentLimit == nil {
		return domain.QuotaLimits{}, fmt.Errorf("daily_limit and concurrent_limit are required")
	}
	limits := domain.QuotaLimits{DailyLimit: *req.DailyLimit, ConcurrentLimit: *req.ConcurrentLimit}
	if limits.DailyLimit < domain.Unlimited {
		return domain.QuotaLimits{}, fmt.Errorf("daily_limit must be -1 (unlimited) or non-negative")
	}
	if limits.ConcurrentLimit < domain.Unlimited {
		return domain.QuotaLimits{}, fmt.Errorf("concurrent_limit must be -1 (unlimited) or non-negative")
	}
	return limits, nil
}

func validateWebhook(req WebhookRequest) ([]domain.EventType, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if err := validateWebhookURL(req.URL); err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	events := make([]domain.EventType, 0, len(req.Events))
	seen := make(map[domain.EventType]bool)
	for _, name := range req.Events {
		e, ok := subscribableEvents[name]
		if !ok {
			return nil, fmt.Errorf("unknown event %q", name)
		}
		if !seen[e] {
			seen[e] = true
			events = append(events, e)
		}
	}
	return events, nil
}

func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
