package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/gateway"
	"github.com/djlord-it/gengate/internal/lifecycle"
	"github.com/djlord-it/gengate/internal/reconciler"
	"github.com/djlord-it/gengate/internal/webhook"
)

// Gateway is the admission entry point.
type Gateway interface {
	Submit(ctx context.Context, req gateway.Request) (gateway.Descriptor, error)
	Job(ctx context.Context, id uuid.UUID) (gateway.Descriptor, error)
	Quota(ctx context.Context, userID string) (domain.QuotaStatus, error)
	SetLimits(ctx context.Context, userID string, limits domain.QuotaLimits) error
	Circuits() []domain.ProviderHealth
}

type SubscriptionStore interface {
	PutSubscription(ctx context.Context, sub domain.Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error)
	ListSubscriptions(ctx context.Context, ownerID string) ([]domain.Subscription, error)
	DeleteSubscription(ctx context.Context, ownerID string, id uuid.UUID) error
}

// WebhookTester sends the "test" event to a destination.
type WebhookTester interface {
	DeliverTest(ctx context.Context, url, secret, ownerID string) webhook.Result
}

// Reconciler runs one stuck-job sweep.
type Reconciler interface {
	RunOnce(ctx context.Context) (int, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// Retry-After hints, in seconds.
const (
	retryAfterAdmission   = 5
	retryAfterCircuitOpen = 30
)

type Handler struct {
	gw         Gateway
	subs       SubscriptionStore // optional, nil = webhook routes return 501
	tester     WebhookTester
	reconciler Reconciler // optional
	db         HealthChecker
	logger     zerolog.Logger
	clock      func() time.Time
	router     chi.Router
}

func NewHandler(gw Gateway) *Handler {
	h := &Handler{gw: gw, logger: zerolog.Nop(), clock: time.Now}
	h.router = h.routes()
	return h
}

// WithSubscriptions enables the webhook subscription routes.
func (h *Handler) WithSubscriptions(store SubscriptionStore, tester WebhookTester) *Handler {
	h.subs = store
	h.tester = tester
	return h
}

// WithReconciler enables POST /admin/jobs/reconcile.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) WithLogger(logger zerolog.Logger) *Handler {
	h.logger = logger
	return h
}

func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, h.requestLogger)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", h.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generations", h.submit)
		r.Get("/jobs/{jobID}", h.getJob)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/quota", h.getQuota)
			r.Put("/webhooks", h.putWebhook)
			r.Get("/webhooks", h.listWebhooks)
			r.Delete("/webhooks/{webhookID}", h.deleteWebhook)
			r.Post("/webhooks/{webhookID}/test", h.testWebhook)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/circuits", h.circuits)
		r.Post("/jobs/reconcile", h.reconcile)
		r.Put("/users/{userID}/limits", h.putLimits)
	})
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := h.clock()
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", h.clock().Sub(start)).
			Msg("api: request")
	})
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{Status: "ok", Components: make(map[string]string)}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateSubmit(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	desc, err := h.gw.Submit(r.Context(), gateway.Request{
		UserID:     req.UserID,
		ProviderID: req.ProviderID,
		Payload:    req.Payload,
		MaxWait:    time.Duration(req.MaxWaitSeconds) * time.Second,
	})
	if err != nil {
		h.writeSubmitError(w, r, req, desc, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, r *http.Request, req SubmitRequest, desc gateway.Descriptor, err error) {
	resp := ErrorResponse{Error: err.Error(), Reason: string(domain.ReasonOf(err))}
	if desc.JobID != uuid.Nil {
		resp.Job = &desc
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrUnknownProvider):
		status = http.StatusBadRequest
		resp.Reason = "unknown_provider"
	case errors.Is(err, domain.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
		if st, qerr := h.gw.Quota(r.Context(), req.UserID); qerr == nil && st.ResetsInSeconds > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(st.ResetsInSeconds, 10))
		}
	case errors.Is(err, domain.ErrConcurrencyExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrAdmissionTimeout):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterAdmission))
	case errors.Is(err, domain.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", strconv.Itoa(h.circuitRetryAfter(req.ProviderID)))
	case errors.Is(err, domain.ErrProviderFailure):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrStuckJobTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
		resp.Error = "request canceled"
	default:
		h.logger.Error().Err(err).Str("user_id", req.UserID).Str("provider", req.ProviderID).Msg("api: submit failed")
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func (h *Handler) circuitRetryAfter(provider string) int {
	now := h.clock()
	for _, c := range h.gw.Circuits() {
		if c.ProviderID != provider || c.OpenedUntil == nil {
			continue
		}
		if secs := int(c.OpenedUntil.Sub(now).Seconds() + 0.999); secs > 0 {
			return secs
		}
		return 1
	}
	return retryAfterCircuitOpen
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	desc, err := h.gw.Job(r.Context(), id)
	if errors.Is(err, lifecycle.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("api: get job failed")
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (h *Handler) getQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := validateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.gw.Quota(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("api: quota query failed")
		writeError(w, http.StatusInternalServerError, "failed to read quota")
		return
	}
	writeJSON(w, http.StatusOK, quotaResponse(userID, st))
}

func (h *Handler) putLimits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := validateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req LimitsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	limits, err := validateLimits(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.gw.SetLimits(r.Context(), userID, limits); err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("api: set limits failed")
		writeError(w, http.StatusInternalServerError, "failed to set limits")
		return
	}
	h.logger.Info().Str("user_id", userID).Int("daily_limit", limits.DailyLimit).
		Int("concurrent_limit", limits.ConcurrentLimit).Msg("api: limits updated")

	st, err := h.gw.Quota(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusOK, limits)
		return
	}
	writeJSON(w, http.StatusOK, quotaResponse(userID, st))
}

func (h *Handler) circuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CircuitsResponse{Providers: h.gw.Circuits()})
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeError(w, http.StatusNotImplemented, "reconciler not configured")
		return
	}
	n, err := h.reconciler.RunOnce(r.Context())
	if errors.Is(err, reconciler.ErrSweepInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("api: reconcile failed")
		writeError(w, http.StatusInternalServerError, "reconcile failed")
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Reconciled: n})
}

func (h *Handler) putWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.subscriptionsEnabled(w) {
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := validateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req WebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	events, err := validateWebhook(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	secret := req.Secret
	if secret == "" {
		if secret, err = newSecret(); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate secret")
			return
		}
	}

	sub := domain.Subscription{
		ID:        uuid.New(),
		OwnerID:   userID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		CreatedAt: h.clock().UTC(),
	}
	if err := h.subs.PutSubscription(r.Context(), sub); err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("api: put webhook failed")
		writeError(w, http.StatusInternalServerError, "failed to save webhook")
		return
	}
	writeJSON(w, http.StatusCreated, webhookResponse(sub, true))
}

func (h *Handler) listWebhooks(w http.ResponseWriter, r *http.Request) {
	if !h.subscriptionsEnabled(w) {
		return
	}
	userID := chi.URLParam(r, "userID")
	subs, err := h.subs.ListSubscriptions(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("api: list webhooks failed")
		writeError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	resp := ListWebhooksResponse{Webhooks: make([]WebhookResponse, len(subs))}
	for i, sub := range subs {
		resp.Webhooks[i] = webhookResponse(sub, false)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.subscriptionsEnabled(w) {
		return
	}
	userID := chi.URLParam(r, "userID")
	id, err := uuid.Parse(chi.URLParam(r, "webhookID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook id")
		return
	}
	if err := h.subs.DeleteSubscription(r.Context(), userID, id); err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			writeError(w, http.StatusNotFound, "webhook not found")
			return
		}
		h.logger.Error().Err(err).Msg("api: delete webhook failed")
		writeError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) testWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.subscriptionsEnabled(w) {
		return
	}
	userID := chi.URLParam(r, "userID")
	id, err := uuid.Parse(chi.URLParam(r, "webhookID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook id")
		return
	}
	sub, err := h.subs.GetSubscription(r.Context(), id)
	if errors.Is(err, domain.ErrSubscriptionNotFound) || (err == nil && sub.OwnerID != userID) {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("api: get webhook failed")
		writeError(w, http.StatusInternalServerError, "failed to load webhook")
		return
	}

	res := h.tester.DeliverTest(r.Context(), sub.URL, sub.Secret, userID)
	writeJSON(w, http.StatusOK, WebhookTestResponse{
		OK:         res.OK,
		StatusCode: res.StatusCode,
		DeliveryID: res.DeliveryID.String(),
		Error:      res.Error,
		DurationMS: res.Duration.Milliseconds(),
	})
}

func (h *Handler) subscriptionsEnabled(w http.ResponseWriter) bool {
	if h.subs == nil || h.tester == nil {
		writeError(w, http.StatusNotImplemented, "webhooks not configured")
		return false
	}
	return true
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
