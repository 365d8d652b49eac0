package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/mailhook/internal/db"
)

// FiltersRequest is the optional subscription predicate.
type FiltersRequest struct {
	To             []string `json:"to" validate:"omitempty,dive,required,max=320"`
	From           []string `json:"from" validate:"omitempty,dive,required,max=320"`
	SubjectPattern *string  `json:"subjectPattern" validate:"omitempty,regexp"`
}

func (f *FiltersRequest) toModel() db.Filters {
	if f == nil {
		return db.Filters{}
	}
	return db.Filters{
		To:             f.To,
		From:           f.From,
		SubjectPattern: f.SubjectPattern,
	}
}

// SubscriptionRequest is the body of POST /subscriptions.
type SubscriptionRequest struct {
	ServiceName       string          `json:"serviceName" validate:"required,max=200"`
	WebhookURL        string          `json:"webhookUrl" validate:"required,http_url"`
	Secret            *string         `json:"secret" validate:"omitempty,max=512"`
	Filters           *FiltersRequest `json:"filters"`
	MaxRetries        *int            `json:"maxRetries" validate:"omitempty,min=1,max=10"`
	DeliveryTimeoutMs *int64          `json:"deliveryTimeoutMs" validate:"omitempty,min=100"`
}

// SubscriptionPatchRequest is the body of PATCH /subscriptions/{id}; absent
// fields are left unchanged.
type SubscriptionPatchRequest struct {
	ServiceName       *string         `json:"serviceName" validate:"omitempty,min=1,max=200"`
	WebhookURL        *string         `json:"webhookUrl" validate:"omitempty,http_url"`
	Secret            *string         `json:"secret" validate:"omitempty,max=512"`
	Filters           *FiltersRequest `json:"filters"`
	Status            *string         `json:"status" validate:"omitempty,oneof=active inactive suspended"`
	MaxRetries        *int            `json:"maxRetries" validate:"omitempty,min=1,max=10"`
	DeliveryTimeoutMs *int64          `json:"deliveryTimeoutMs" validate:"omitempty,min=100"`
}

// CreateSubscription handles POST /subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	sub := &db.WebhookSubscription{
		ServiceName:       req.ServiceName,
		WebhookURL:        req.WebhookURL,
		Secret:            req.Secret,
		Filters:           req.Filters.toModel(),
		Status:            db.SubscriptionActive,
		MaxRetries:        h.cfg.DefaultMaxRetries,
		DeliveryTimeoutMs: h.cfg.DefaultDeliveryTimeout.Milliseconds(),
	}
	if req.MaxRetries != nil {
		sub.MaxRetries = *req.MaxRetries
	}
	if req.DeliveryTimeoutMs != nil {
		sub.DeliveryTimeoutMs = *req.DeliveryTimeoutMs
	}

	if err := h.deps.Subscriptions.Create(r.Context(), sub); err != nil {
		h.logger.Error("failed to create subscription",
			zap.Error(err),
			zap.String("service_name", req.ServiceName),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create subscription", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, sub)
}

// ListSubscriptions handles GET /subscriptions?status=active
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" &&
		status != db.SubscriptionActive &&
		status != db.SubscriptionInactive &&
		status != db.SubscriptionSuspended {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: active, inactive, suspended")
		return
	}

	subs, err := h.deps.Subscriptions.List(r.Context(), status)
	if err != nil {
		h.logger.Error("failed to list subscriptions", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list subscriptions", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  subs,
		"count": len(subs),
	})
}

// GetSubscription handles GET /subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	sub, err := h.deps.Subscriptions.Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, "Subscription not found", "failed to get subscription")
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// UpdateSubscription handles PATCH /subscriptions/{id}
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req SubscriptionPatchRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	patch := db.SubscriptionPatch{
		ServiceName:       req.ServiceName,
		WebhookURL:        req.WebhookURL,
		Secret:            req.Secret,
		Status:            req.Status,
		MaxRetries:        req.MaxRetries,
		DeliveryTimeoutMs: req.DeliveryTimeoutMs,
	}
	if req.Filters != nil {
		f := req.Filters.toModel()
		patch.Filters = &f
	}

	sub, err := h.deps.Subscriptions.Update(r.Context(), id, patch)
	if err != nil {
		h.writeLookupError(w, err, "Subscription not found", "failed to update subscription")
		return
	}

	h.logger.Info("subscription updated",
		zap.String("subscription_id", id.String()),
		zap.String("status", sub.Status),
	)

	h.writeJSON(w, http.StatusOK, sub)
}

// DeleteSubscription handles DELETE /subscriptions/{id}
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.deps.Subscriptions.Delete(r.Context(), id); err != nil {
		h.writeLookupError(w, err, "Subscription not found", "failed to delete subscription")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ReactivateSubscription handles POST /subscriptions/{id}/reactivate
func (h *Handler) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	sub, err := h.deps.Subscriptions.Reactivate(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, "Subscription not found", "failed to reactivate subscription")
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// ListSubscriptionDeliveries handles GET /subscriptions/{id}/deliveries
func (h *Handler) ListSubscriptionDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.deps.Subscriptions.Get(r.Context(), id); err != nil {
		h.writeLookupError(w, err, "Subscription not found", "failed to get subscription")
		return
	}

	limit, offset := pagination(r)
	deliveries, err := h.deps.Deliveries.ListBySubscription(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("failed to list deliveries",
			zap.Error(err),
			zap.String("subscription_id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   deliveries,
		"limit":  limit,
		"offset": offset,
		"count":  len(deliveries),
	})
}
