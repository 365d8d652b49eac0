package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SubscriptionRepository stores webhook subscriptions. Counter, status and
// timeout changes made by the dispatcher are single UPDATE statements so
// concurrent deliveries to one subscription never lose an increment.
type SubscriptionRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db DBTX, logger *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:     db,
		logger: logger,
	}
}

// SubscriptionPatch holds optional updates; nil fields are left unchanged.
type SubscriptionPatch struct {
	ServiceName       *string
	WebhookURL        *string
	Secret            *string
	Filters           *Filters
	Status            *string
	MaxRetries        *int
	DeliveryTimeoutMs *int64
}

// FailureOutcome is the subscription state after a recorded failure.
type FailureOutcome struct {
	Status     string
	RetryCount int
	// Suspended is true only for the failure that caused the transition.
	Suspended bool
}

const subscriptionColumns = `
	id, service_name, webhook_url, secret, filters, status,
	retry_count, max_retries, delivery_timeout_ms,
	last_delivery_at, last_error_at, last_error,
	total_deliveries, total_failures, created_at, updated_at`

func scanSubscription(row pgx.Row) (*WebhookSubscription, error) {
	var s WebhookSubscription
	err := row.Scan(
		&s.ID,
		&s.ServiceName,
		&s.WebhookURL,
		&s.Secret,
		&s.Filters,
		&s.Status,
		&s.RetryCount,
		&s.MaxRetries,
		&s.DeliveryTimeoutMs,
		&s.LastDeliveryAt,
		&s.LastErrorAt,
		&s.LastError,
		&s.TotalDeliveries,
		&s.TotalFailures,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SubscriptionRepository) queryList(ctx context.Context, query string, args ...any) ([]*WebhookSubscription, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*WebhookSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// Create inserts sub, filling ID and the server-side defaults.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *WebhookSubscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.Status == "" {
		sub.Status = SubscriptionActive
	}

	query := `
		INSERT INTO webhook_subscriptions (
			id, service_name, webhook_url, secret, filters,
			status, max_retries, delivery_timeout_ms
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING ` + subscriptionColumns

	created, err := scanSubscription(r.db.QueryRow(ctx, query,
		sub.ID,
		sub.ServiceName,
		sub.WebhookURL,
		sub.Secret,
		sub.Filters,
		sub.Status,
		sub.MaxRetries,
		sub.DeliveryTimeoutMs,
	))
	if err != nil {
		r.logger.Error("failed to create subscription",
			zap.Error(err),
			zap.String("service_name", sub.ServiceName),
		)
		return fmt.Errorf("insert subscription: %w", err)
	}

	*sub = *created

	r.logger.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("service_name", sub.ServiceName),
	)

	return nil
}

// Get returns one subscription.
func (r *SubscriptionRepository) Get(ctx context.Context, id uuid.UUID) (*WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE id = $1`

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}

	return sub, nil
}

// List returns subscriptions, optionally restricted to one status.
func (r *SubscriptionRepository) List(ctx context.Context, status string) ([]*WebhookSubscription, error) {
	if status == "" {
		return r.queryList(ctx,
			`SELECT `+subscriptionColumns+` FROM webhook_subscriptions ORDER BY created_at`)
	}
	return r.queryList(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE status = $1 ORDER BY created_at`,
		status)
}

// ListActive returns the subscriptions eligible for dispatch.
func (r *SubscriptionRepository) ListActive(ctx context.Context) ([]*WebhookSubscription, error) {
	return r.List(ctx, SubscriptionActive)
}

// Update applies the non-nil fields of p and returns the updated row. An
// empty Secret clears the signing secret. Moving a subscription back to
// active resets its retry budget the same way Reactivate does.
func (r *SubscriptionRepository) Update(ctx context.Context, id uuid.UUID, p SubscriptionPatch) (*WebhookSubscription, error) {
	var filters any
	if p.Filters != nil {
		filters = *p.Filters
	}

	query := `
		UPDATE webhook_subscriptions SET
			service_name = COALESCE($2, service_name),
			webhook_url = COALESCE($3, webhook_url),
			secret = CASE WHEN $4::text = '' THEN NULL ELSE COALESCE($4::text, secret) END,
			filters = COALESCE($5::jsonb, filters),
			status = COALESCE($6::text, status),
			retry_count = CASE
				WHEN $6::text = 'active' AND status <> 'active' THEN 0
				ELSE retry_count
			END,
			max_retries = COALESCE($7, max_retries),
			delivery_timeout_ms = COALESCE($8, delivery_timeout_ms),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(r.db.QueryRow(ctx, query,
		id,
		p.ServiceName,
		p.WebhookURL,
		p.Secret,
		filters,
		p.Status,
		p.MaxRetries,
		p.DeliveryTimeoutMs,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}

	return sub, nil
}

// Delete removes a subscription; its deliveries cascade.
func (r *SubscriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}

	r.logger.Info("subscription deleted", zap.String("subscription_id", id.String()))
	return nil
}

// Reactivate returns a subscription to active with a clean retry budget.
func (r *SubscriptionRepository) Reactivate(ctx context.Context, id uuid.UUID) (*WebhookSubscription, error) {
	query := `
		UPDATE webhook_subscriptions
		SET status = 'active', retry_count = 0, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reactivate subscription: %w", err)
	}

	r.logger.Info("subscription reactivated", zap.String("subscription_id", id.String()))
	return sub, nil
}

// RecordSuccess resets the retry budget and counts a delivery.
func (r *SubscriptionRepository) RecordSuccess(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE webhook_subscriptions
		SET retry_count = 0,
			total_deliveries = total_deliveries + 1,
			last_delivery_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("record delivery success: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}

	return nil
}

// RecordFailure counts a failed delivery and suspends the subscription once
// retry_count reaches max_retries. The row lock taken by prev lets the
// statement report whether this call caused the suspension.
func (r *SubscriptionRepository) RecordFailure(ctx context.Context, id uuid.UUID, reason string) (FailureOutcome, error) {
	query := `
		WITH prev AS (
			SELECT id, status FROM webhook_subscriptions WHERE id = $1 FOR UPDATE
		)
		UPDATE webhook_subscriptions s SET
			retry_count = s.retry_count + 1,
			total_failures = s.total_failures + 1,
			last_error = $2,
			last_error_at = NOW(),
			status = CASE
				WHEN s.status = 'active' AND s.retry_count + 1 >= s.max_retries THEN 'suspended'
				ELSE s.status
			END,
			updated_at = NOW()
		FROM prev
		WHERE s.id = prev.id
		RETURNING s.status, s.retry_count, prev.status
	`

	var (
		out        FailureOutcome
		prevStatus string
	)
	err := r.db.QueryRow(ctx, query, id, reason).Scan(&out.Status, &out.RetryCount, &prevStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return out, fmt.Errorf("record delivery failure: %w", err)
	}

	out.Suspended = out.Status == SubscriptionSuspended && prevStatus != SubscriptionSuspended
	if out.Suspended {
		r.logger.Warn("subscription suspended",
			zap.String("subscription_id", id.String()),
			zap.Int("retry_count", out.RetryCount),
		)
	}

	return out, nil
}

// DoubleTimeout doubles delivery_timeout_ms, capped at ceilingMs, and returns
// the new value. retry_count is not touched.
func (r *SubscriptionRepository) DoubleTimeout(ctx context.Context, id uuid.UUID, ceilingMs int64) (int64, error) {
	query := `
		UPDATE webhook_subscriptions
		SET delivery_timeout_ms = LEAST(delivery_timeout_ms * 2, GREATEST($2::bigint, delivery_timeout_ms)),
			updated_at = NOW()
		WHERE id = $1
		RETURNING delivery_timeout_ms
	`

	var timeoutMs int64
	err := r.db.QueryRow(ctx, query, id, ceilingMs).Scan(&timeoutMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("double delivery timeout: %w", err)
	}

	return timeoutMs, nil
}
