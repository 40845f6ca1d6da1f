// Package webhook delivers signed job notifications to user endpoints.
//
// Deliver makes exactly one POST and reports the outcome as a Result; it
// never retries and never returns a Go error. Durable retry is layered on
// top by reusing the same DeliveryID for every attempt.
package webhook

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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/metrics"
)

// Header names sent with every delivery.
const (
	HeaderSignature = "X-Gengate-Signature"
	HeaderEvent     = "X-Gengate-Event"
	HeaderDelivery  = "X-Gengate-Delivery"

	signaturePrefix = "sha256="
	userAgent       = "gengate-webhook/1"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 8 * time.Second

// MetricsSink defines the interface for recording delivery metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	WebhookAttemptCompleted(statusClass string, duration time.Duration)
}

// Payload is the JSON body of a delivery. Field order is fixed so the same
// payload always serializes to the same bytes.
type Payload struct {
	Event       domain.EventType `json:"event"`
	DeliveryID  string           `json:"delivery_id"`
	JobID       string           `json:"job_id,omitempty"`
	OwnerID     string           `json:"owner_id"`
	Provider    string           `json:"provider,omitempty"`
	Status      domain.JobStatus `json:"status,omitempty"`
	ErrorReason string           `json:"error_reason,omitempty"`
	OccurredAt  time.Time        `json:"occurred_at"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// PayloadForEvent builds the payload announcing a job event.
func PayloadForEvent(event domain.JobEvent) Payload {
	return Payload{
		Event:       event.Type,
		JobID:       event.Job.ID.String(),
		OwnerID:     event.Job.OwnerID,
		Provider:    event.Job.ProviderID,
		Status:      event.Job.Status,
		ErrorReason: event.Job.ErrorReason,
		OccurredAt:  event.OccurredAt.UTC(),
	}
}

// Request is one delivery.
type Request struct {
	URL    string
	Secret string

	// DeliveryID identifies the delivery across retries. A new id is
	// generated when it is uuid.Nil.
	DeliveryID uuid.UUID
	Payload    Payload
}

// Result is the outcome of one attempt.
type Result struct {
	OK         bool          `json:"ok"`
	StatusCode int           `json:"status_code,omitempty"`
	DeliveryID uuid.UUID     `json:"delivery_id"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	Signature  string        `json:"-"`

	err error
}

// Err returns the transport error behind a failed attempt, if any.
func (r Result) Err() error { return r.err }

// IsRetryable reports whether another attempt could succeed.
func (r Result) IsRetryable() bool {
	if r.OK {
		return false
	}
	if r.err != nil || r.StatusCode == 0 {
		return true
	}
	if r.StatusCode == http.StatusTooManyRequests || r.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return r.StatusCode >= 500
}

// Dispatcher sends webhook requests.
type Dispatcher struct {
	client  *http.Client
	timeout time.Duration
	clock   func() time.Time
	metrics MetricsSink // optional, nil = disabled
}

// New creates a Dispatcher. A non-positive timeout uses DefaultTimeout.
func New(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		client:  &http.Client{},
		timeout: timeout,
		clock:   time.Now,
	}
}

// WithHTTPClient replaces the HTTP client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// Deliver posts the signed payload once.
// Headers: X-Gengate-Signature (sha256=<hex>), X-Gengate-Event, X-Gengate-Delivery.
func (d *Dispatcher) Deliver(ctx context.Context, req Request) Result {
	if req.DeliveryID == uuid.Nil {
		req.DeliveryID = uuid.New()
	}
	req.Payload.DeliveryID = req.DeliveryID.String()

	start := d.clock()
	res := d.send(ctx, req)
	res.DeliveryID = req.DeliveryID
	res.Duration = d.clock().Sub(start)
	if res.err != nil {
		res.Error = res.err.Error()
	}

	if d.metrics != nil {
		d.metrics.WebhookAttemptCompleted(metrics.ClassifyStatus(res.StatusCode, res.err), res.Duration)
	}
	return res
}

// DeliverTest sends a "test" event to validate a destination.
func (d *Dispatcher) DeliverTest(ctx context.Context, url, secret, ownerID string) Result {
	return d.Deliver(ctx, Request{
		URL:    url,
		Secret: secret,
		Payload: Payload{
			Event:      domain.EventTest,
			OwnerID:    ownerID,
			OccurredAt: d.clock().UTC(),
			Metadata:   map[string]any{"message": "webhook destination verified"},
		},
	})
}

func (d *Dispatcher) send(ctx context.Context, req Request) Result {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return Result{err: fmt.Errorf("marshal: %w", err)}
	}
	signature := Sign(req.Secret, body)

	ctxTimeout, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Signature: signature, err: fmt.Errorf("create request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set(HeaderSignature, signature)
	httpReq.Header.Set(HeaderEvent, string(req.Payload.Event))
	httpReq.Header.Set(HeaderDelivery, req.DeliveryID.String())

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return Result{Signature: signature, err: fmt.Errorf("send: %w", err)}
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return Result{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Signature:  signature,
	}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks against the
// raw request body.
func VerifySignature(secret string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
