// Package provider is the boundary to upstream generation services.
// gengate treats providers as opaque: a request goes in, an opaque JSON
// result or an error comes out.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownProvider is returned for names missing from the catalog.
var ErrUnknownProvider = errors.New("unknown provider")

// DefaultTimeout bounds one upstream call when the catalog sets none.
const DefaultTimeout = 60 * time.Second

// Request is one generation call.
type Request struct {
	JobID   uuid.UUID       `json:"job_id"`
	OwnerID string          `json:"owner_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is the opaque upstream output stored on the job.
type Result struct {
	Output json.RawMessage
}

type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Provider.
type Func struct {
	ID string
	Fn func(ctx context.Context, req Request) (Result, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Generate(ctx context.Context, req Request) (Result, error) {
	return f.Fn(ctx, req)
}

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// HTTPProvider posts the request as JSON and returns the response body as
// the result.
type HTTPProvider struct {
	name     string
	endpoint string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
}

// NewHTTP creates an HTTPProvider. A non-positive timeout uses DefaultTimeout.
func NewHTTP(name, endpoint, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		timeout:  timeout,
		client:   &http.Client{},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Generate(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(out), 256)}
	}
	if len(out) == 0 || !json.Valid(out) {
		out, _ = json.Marshal(string(out))
	}
	return Result{Output: out}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
