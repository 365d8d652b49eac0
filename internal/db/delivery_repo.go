package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// DeliveryRepository stores one delivery row per (email, subscription) pair.
// Every terminal transition is conditional on status = 'sent', which makes
// synchronous results and out-of-band confirmations race-free.
type DeliveryRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewDeliveryRepository creates a new delivery repository
func NewDeliveryRepository(db DBTX, logger *zap.Logger) *DeliveryRepository {
	return &DeliveryRepository{
		db:     db,
		logger: logger,
	}
}

// Confirmation is a consumer's out-of-band report for one delivery.
type Confirmation struct {
	InboundEmailID uuid.UUID
	SubscriptionID uuid.UUID
	Status         string // delivered or failed
	HTTPStatus     *int
	TicketID       *string
	CommentID      *string
	Error          *string
}

const deliveryColumns = `
	id, inbound_email_id, subscription_id, status, http_status,
	delivered_at, ticket_id, comment_id, error, created_at, updated_at`

func scanDelivery(row pgx.Row) (*WebhookDelivery, error) {
	var d WebhookDelivery
	err := row.Scan(
		&d.ID,
		&d.InboundEmailID,
		&d.SubscriptionID,
		&d.Status,
		&d.HTTPStatus,
		&d.DeliveredAt,
		&d.TicketID,
		&d.CommentID,
		&d.Error,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateSent claims the (email, subscription) pair with a sent row. When the
// pair already has a row, created is false and the delivery is nil: somebody
// else has already dispatched it.
func (r *DeliveryRepository) CreateSent(ctx context.Context, emailID, subscriptionID uuid.UUID) (*WebhookDelivery, bool, error) {
	query := `
		INSERT INTO webhook_deliveries (inbound_email_id, subscription_id, status)
		VALUES ($1, $2, 'sent')
		ON CONFLICT (inbound_email_id, subscription_id) DO NOTHING
		RETURNING ` + deliveryColumns

	d, err := scanDelivery(r.db.QueryRow(ctx, query, emailID, subscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert delivery: %w", err)
	}

	return d, true, nil
}

// MarkDelivered moves a sent delivery to delivered. changed is false when the
// row had already left the sent state.
func (r *DeliveryRepository) MarkDelivered(ctx context.Context, id uuid.UUID, httpStatus int) (bool, error) {
	query := `
		UPDATE webhook_deliveries
		SET status = 'delivered', http_status = $2, delivered_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'sent'
	`

	result, err := r.db.Exec(ctx, query, id, httpStatus)
	if err != nil {
		return false, fmt.Errorf("mark delivery delivered: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// MarkFailed moves a sent delivery to failed.
func (r *DeliveryRepository) MarkFailed(ctx context.Context, id uuid.UUID, httpStatus *int, reason string) (bool, error) {
	query := `
		UPDATE webhook_deliveries
		SET status = 'failed', http_status = $2, error = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'sent'
	`

	result, err := r.db.Exec(ctx, query, id, httpStatus, reason)
	if err != nil {
		return false, fmt.Errorf("mark delivery failed: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// Confirm applies a consumer confirmation. A sent row transitions and changed
// is true. A row that is already terminal keeps its status and only has
// missing correlation ids filled in. An unknown pair yields ErrNotFound.
func (r *DeliveryRepository) Confirm(ctx context.Context, c Confirmation) (*WebhookDelivery, bool, error) {
	transition := `
		UPDATE webhook_deliveries SET
			status = $3::text,
			http_status = COALESCE($4, http_status),
			delivered_at = CASE WHEN $3::text = 'delivered' THEN NOW() ELSE delivered_at END,
			ticket_id = COALESCE($5, ticket_id),
			comment_id = COALESCE($6, comment_id),
			error = CASE WHEN $3::text = 'failed' THEN COALESCE($7, error) ELSE error END,
			updated_at = NOW()
		WHERE inbound_email_id = $1 AND subscription_id = $2 AND status = 'sent'
		RETURNING ` + deliveryColumns

	d, err := scanDelivery(r.db.QueryRow(ctx, transition,
		c.InboundEmailID,
		c.SubscriptionID,
		c.Status,
		c.HTTPStatus,
		c.TicketID,
		c.CommentID,
		c.Error,
	))
	if err == nil {
		r.logger.Info("delivery confirmed",
			zap.String("delivery_id", d.ID.String()),
			zap.String("status", d.Status),
		)
		return d, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("confirm delivery: %w", err)
	}

	backfill := `
		UPDATE webhook_deliveries SET
			ticket_id = COALESCE(ticket_id, $3),
			comment_id = COALESCE(comment_id, $4)
		WHERE inbound_email_id = $1 AND subscription_id = $2
		RETURNING ` + deliveryColumns

	d, err = scanDelivery(r.db.QueryRow(ctx, backfill,
		c.InboundEmailID,
		c.SubscriptionID,
		c.TicketID,
		c.CommentID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("delivery for email %s and subscription %s: %w",
			c.InboundEmailID, c.SubscriptionID, ErrNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("backfill delivery ids: %w", err)
	}

	return d, false, nil
}

// ListBySubscription returns a subscription's deliveries, newest first.
func (r *DeliveryRepository) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit, offset int) ([]*WebhookDelivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, subscriptionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return deliveries, nil
}

// ListUndelivered returns sent deliveries older than their subscription's
// current delivery timeout, oldest first.
func (r *DeliveryRepository) ListUndelivered(ctx context.Context, limit int) ([]*UndeliveredDelivery, error) {
	query := `
		SELECT
			d.id, d.inbound_email_id, d.subscription_id, d.status, d.http_status,
			d.delivered_at, d.ticket_id, d.comment_id, d.error, d.created_at, d.updated_at,
			s.service_name, s.webhook_url, s.delivery_timeout_ms
		FROM webhook_deliveries d
		JOIN webhook_subscriptions s ON s.id = d.subscription_id
		WHERE d.status = 'sent'
		  AND d.created_at < NOW() - s.delivery_timeout_ms * INTERVAL '1 millisecond'
		ORDER BY d.created_at
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query undelivered: %w", err)
	}
	defer rows.Close()

	var out []*UndeliveredDelivery
	for rows.Next() {
		var u UndeliveredDelivery
		err := rows.Scan(
			&u.ID,
			&u.InboundEmailID,
			&u.SubscriptionID,
			&u.Status,
			&u.HTTPStatus,
			&u.DeliveredAt,
			&u.TicketID,
			&u.CommentID,
			&u.Error,
			&u.CreatedAt,
			&u.UpdatedAt,
			&u.ServiceName,
			&u.WebhookURL,
			&u.DeliveryTimeoutMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan undelivered: %w", err)
		}
		out = append(out, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return out, nil
}
