package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailhook/internal/db"
	"github.com/lalithlochan/mailhook/internal/delivery"
	"github.com/lalithlochan/mailhook/internal/objectstore"
	"github.com/lalithlochan/mailhook/internal/pipeline"
	"github.com/lalithlochan/mailhook/internal/reconcile"
)

// Ingestor is the inbound pipeline as seen by HTTP.
type Ingestor interface {
	HandlePush(ctx context.Context, header http.Header, body []byte) *pipeline.Result
	HandleObjectEvent(ctx context.Context, header http.Header, body []byte) *pipeline.Result
	Reparse(ctx context.Context, id uuid.UUID) (*db.InboundEmail, error)
}

// EmailRepository defines the read side of the inbound email store.
type EmailRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*db.InboundEmail, error)
	List(ctx context.Context, f db.EmailFilter) ([]*db.InboundEmail, error)
}

// SubscriptionRepository defines the subscription registry operations.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *db.WebhookSubscription) error
	Get(ctx context.Context, id uuid.UUID) (*db.WebhookSubscription, error)
	List(ctx context.Context, status string) ([]*db.WebhookSubscription, error)
	Update(ctx context.Context, id uuid.UUID, p db.SubscriptionPatch) (*db.WebhookSubscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Reactivate(ctx context.Context, id uuid.UUID) (*db.WebhookSubscription, error)
}

// DeliveryRepository defines the delivery queries exposed to operators.
type DeliveryRepository interface {
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit, offset int) ([]*db.WebhookDelivery, error)
	ListUndelivered(ctx context.Context, limit int) ([]*db.UndeliveredDelivery, error)
}

// DeliveryConfirmer applies consumer callbacks.
type DeliveryConfirmer interface {
	Confirm(ctx context.Context, c db.Confirmation) (*delivery.ConfirmResult, error)
}

// Reconciler runs and previews reconciliation sweeps.
type Reconciler interface {
	RunOnce(ctx context.Context) (*reconcile.RunResult, error)
	Orphans(ctx context.Context) ([]objectstore.ObjectInfo, int, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Config holds the handler settings.
type Config struct {
	MaxInboundBodyBytes    int64
	DefaultMaxRetries      int
	DefaultDeliveryTimeout time.Duration
}

// Deps are the collaborators of Handler. Reconciler may be nil when no
// inbound bucket is known.
type Deps struct {
	Ingestor      Ingestor
	Emails        EmailRepository
	Subscriptions SubscriptionRepository
	Deliveries    DeliveryRepository
	Confirmer     DeliveryConfirmer
	Reconciler    Reconciler
	HealthChecks  map[string]HealthCheck
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	deps     Deps
	cfg      Config
	validate *validator.Validate
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps Deps, cfg Config) *Handler {
	if cfg.MaxInboundBodyBytes <= 0 {
		cfg.MaxInboundBodyBytes = 40 << 20
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.DefaultDeliveryTimeout <= 0 {
		cfg.DefaultDeliveryTimeout = 120 * time.Second
	}

	return &Handler{
		logger:   logger,
		deps:     deps,
		cfg:      cfg,
		validate: newValidator(),
	}
}

// ReceiveInbound handles POST /inbound. The response is always 200; the
// outcome is carried in the body so the provider never retries a message
// that was stored.
func (h *Handler) ReceiveInbound(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, h.deps.Ingestor.HandlePush)
}

// ReceiveObjectEvent handles POST /inbound/object.
func (h *Handler) ReceiveObjectEvent(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, h.deps.Ingestor.HandleObjectEvent)
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, handle func(context.Context, http.Header, []byte) *pipeline.Result) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxInboundBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read inbound body", zap.Error(err))
		h.writeJSON(w, http.StatusOK, &pipeline.Result{
			Status:  pipeline.StatusError,
			Message: "unreadable body: " + err.Error(),
		})
		return
	}

	res := handle(r.Context(), r.Header, body)

	h.logger.Info("inbound request handled",
		zap.String("route", r.URL.Path),
		zap.String("status", string(res.Status)),
		zap.String("message_id", res.MessageID),
		zap.Bool("duplicate", res.Duplicate),
	)

	h.writeJSON(w, http.StatusOK, res)
}

// ListInbound handles GET /inbound?limit=20&offset=0&to=x&exclude_to=a,b&status=failed
func (h *Handler) ListInbound(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(r)

	filter := db.EmailFilter{
		Limit:  limit,
		Offset: offset,
		To:     strings.TrimSpace(q.Get("to")),
		Status: q.Get("status"),
	}

	if filter.Status != "" &&
		filter.Status != db.EmailStatusPending &&
		filter.Status != db.EmailStatusProcessed &&
		filter.Status != db.EmailStatusFailed {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, processed, failed")
		return
	}

	if exclude := q.Get("exclude_to"); exclude != "" {
		for _, addr := range strings.Split(exclude, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				filter.ExcludeTo = append(filter.ExcludeTo, addr)
			}
		}
	}

	emails, err := h.deps.Emails.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list inbound emails", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list inbound emails", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   emails,
		"limit":  limit,
		"offset": offset,
		"count":  len(emails),
	})
}

// GetInbound handles GET /inbound/{id}
func (h *Handler) GetInbound(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	email, err := h.deps.Emails.Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, "Inbound email not found", "failed to get inbound email")
		return
	}

	h.writeJSON(w, http.StatusOK, email)
}

// ListUnprocessed handles GET /inbound/unprocessed: stored objects that have
// no email row yet.
func (h *Handler) ListUnprocessed(w http.ResponseWriter, r *http.Request) {
	if h.deps.Reconciler == nil {
		h.writeError(w, http.StatusServiceUnavailable, "not_configured", "Reconciliation unavailable",
			"no inbound bucket is configured or discoverable")
		return
	}

	orphans, listed, err := h.deps.Reconciler.Orphans(r.Context())
	if err != nil {
		h.logger.Error("failed to list unprocessed objects", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "storage_error", "Failed to list stored objects", err.Error())
		return
	}

	keys := make([]map[string]any, 0, len(orphans))
	for _, o := range orphans {
		keys = append(keys, map[string]any{
			"key":          o.Key,
			"size":         o.Size,
			"lastModified": o.LastModified,
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   keys,
		"listed": listed,
		"count":  len(keys),
	})
}

// ReparseInbound handles POST /inbound/{id}/reparse
func (h *Handler) ReparseInbound(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	email, err := h.deps.Ingestor.Reparse(r.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Inbound email not found", "")
		return
	case errors.Is(err, pipeline.ErrNoLocation):
		h.writeError(w, http.StatusUnprocessableEntity, "no_source", "Raw message unavailable", err.Error())
		return
	case err != nil:
		h.logger.Error("failed to reparse inbound email",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusBadGateway, "reparse_failed", "Failed to reparse inbound email", err.Error())
		return
	}

	h.logger.Info("inbound email reparsed",
		zap.String("id", email.ID.String()),
		zap.String("status", email.Status),
	)

	h.writeJSON(w, http.StatusOK, email)
}

// ConfirmationRequest is the consumer callback body.
type ConfirmationRequest struct {
	InboundEmailID string  `json:"inboundEmailId" validate:"required,uuid"`
	SubscriptionID string  `json:"subscriptionId" validate:"required,uuid"`
	Status         string  `json:"status" validate:"required,oneof=delivered failed"`
	HTTPStatus     *int    `json:"httpStatus" validate:"omitempty,min=100,max=599"`
	TicketID       *string `json:"ticketId" validate:"omitempty,max=255"`
	CommentID      *string `json:"commentId" validate:"omitempty,max=255"`
	Error          *string `json:"error"`
}

// ConfirmDelivery handles POST /delivery-confirmation
func (h *Handler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	var req ConfirmationRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.deps.Confirmer.Confirm(r.Context(), db.Confirmation{
		InboundEmailID: uuid.MustParse(req.InboundEmailID),
		SubscriptionID: uuid.MustParse(req.SubscriptionID),
		Status:         req.Status,
		HTTPStatus:     req.HTTPStatus,
		TicketID:       req.TicketID,
		CommentID:      req.CommentID,
		Error:          req.Error,
	})
	switch {
	case errors.Is(err, delivery.ErrDeliveryNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found",
			"no delivery exists for this email and subscription")
		return
	case errors.Is(err, delivery.ErrInvalidStatus):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", err.Error())
		return
	case err != nil:
		h.logger.Error("failed to confirm delivery",
			zap.Error(err),
			zap.String("inbound_email_id", req.InboundEmailID),
			zap.String("subscription_id", req.SubscriptionID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to confirm delivery", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"delivery": res.Delivery,
		"changed":  res.Changed,
	})
}

// ListUndelivered handles GET /undelivered?limit=100
func (h *Handler) ListUndelivered(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}

	items, err := h.deps.Deliveries.ListUndelivered(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list undelivered", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list undelivered deliveries", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

// RunReconcile handles POST /reconcile/run
func (h *Handler) RunReconcile(w http.ResponseWriter, r *http.Request) {
	if h.deps.Reconciler == nil {
		h.writeError(w, http.StatusServiceUnavailable, "not_configured", "Reconciliation unavailable",
			"no inbound bucket is configured or discoverable")
		return
	}

	res, err := h.deps.Reconciler.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("manual reconciliation failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "reconcile_failed", "Reconciliation failed", err.Error())
		return
	}

	status := http.StatusOK
	if res.Skipped {
		status = http.StatusConflict
	}
	h.writeJSON(w, status, res)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.deps.HealthChecks))
	healthy := true
	for name, check := range h.deps.HealthChecks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	h.writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit, offset = 20, 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}

func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, notFoundTitle, logMsg string) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", notFoundTitle, "")
		return
	}
	h.logger.Error(logMsg, zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "database_error", "Database error", "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
