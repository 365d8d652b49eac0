package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/mailhook/internal/db"
	"github.com/lalithlochan/mailhook/internal/metrics"
	"github.com/lalithlochan/mailhook/internal/sns"
)

var (
	// ErrDeliveryNotFound is returned when a confirmation names an unknown
	// (email, subscription) pair.
	ErrDeliveryNotFound = errors.New("delivery not found")
	// ErrInvalidStatus is returned for a confirmation status other than
	// delivered or failed.
	ErrInvalidStatus = errors.New("confirmation status must be delivered or failed")
)

// SubscriptionStore is the subscription state the dispatcher reads and
// mutates.
type SubscriptionStore interface {
	ListActive(ctx context.Context) ([]*db.WebhookSubscription, error)
	Get(ctx context.Context, id uuid.UUID) (*db.WebhookSubscription, error)
	RecordSuccess(ctx context.Context, id uuid.UUID) error
	RecordFailure(ctx context.Context, id uuid.UUID, reason string) (db.FailureOutcome, error)
	DoubleTimeout(ctx context.Context, id uuid.UUID, ceilingMs int64) (int64, error)
}

// DeliveryStore persists delivery rows.
type DeliveryStore interface {
	CreateSent(ctx context.Context, emailID, subscriptionID uuid.UUID) (*db.WebhookDelivery, bool, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, httpStatus int) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, httpStatus *int, reason string) (bool, error)
	Confirm(ctx context.Context, c db.Confirmation) (*db.WebhookDelivery, bool, error)
}

// AlertPublisher announces suspended subscriptions.
type AlertPublisher interface {
	PublishSuspension(ctx context.Context, alert sns.SuspensionAlert) (string, error)
}

// Config tunes the dispatcher.
type Config struct {
	Concurrency        int
	MaxDeliveryTimeout time.Duration
}

// Outcome is the result of one delivery attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeAborted   Outcome = "aborted"
)

// Summary counts what one Dispatch call did.
type Summary struct {
	Matched   int `json:"matched"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timedOut"`
	Skipped   int `json:"skipped"`
}

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeDelivered:
		s.Delivered++
	case OutcomeFailed:
		s.Failed++
	case OutcomeTimeout:
		s.TimedOut++
	case OutcomeSkipped:
		s.Skipped++
	}
}

// Dispatcher fans an email out to the matching active subscriptions and
// drives the delivery state machine.
type Dispatcher struct {
	subs       SubscriptionStore
	deliveries DeliveryStore
	sender     *Sender
	alerts     AlertPublisher
	cfg        Config
	logger     *zap.Logger
}

// NewDispatcher creates a dispatcher. alerts may be nil.
func NewDispatcher(subs SubscriptionStore, deliveries DeliveryStore, sender *Sender, alerts AlertPublisher, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxDeliveryTimeout <= 0 {
		cfg.MaxDeliveryTimeout = 30 * time.Minute
	}
	return &Dispatcher{
		subs:       subs,
		deliveries: deliveries,
		sender:     sender,
		alerts:     alerts,
		cfg:        cfg,
		logger:     logger,
	}
}

// Dispatch delivers email to every active subscription whose filters match.
// Per-subscription failures are recorded and never returned; the error is
// only set when the subscriptions or the payload could not be loaded.
func (d *Dispatcher) Dispatch(ctx context.Context, email *db.InboundEmail) (Summary, error) {
	var summary Summary

	subs, err := d.subs.ListActive(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active subscriptions: %w", err)
	}

	var matched []*db.WebhookSubscription
	for _, sub := range subs {
		ok, err := Matches(sub.Filters, email)
		if err != nil {
			d.logger.Warn("invalid subject pattern, subscription skipped",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if ok {
			matched = append(matched, sub)
		}
	}
	summary.Matched = len(matched)
	if len(matched) == 0 {
		return summary, nil
	}

	body, err := NewPayload(email).Marshal()
	if err != nil {
		return summary, fmt.Errorf("marshal payload: %w", err)
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Concurrency)

	for _, sub := range matched {
		sub := sub
		g.Go(func() error {
			outcome := d.deliver(ctx, email, sub, body)
			mu.Lock()
			summary.add(outcome)
			mu.Unlock()
			// Do not propagate; every subscription gets its attempt.
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info("email dispatched",
		zap.String("email_id", email.ID.String()),
		zap.Int("matched", summary.Matched),
		zap.Int("delivered", summary.Delivered),
		zap.Int("failed", summary.Failed),
		zap.Int("timed_out", summary.TimedOut),
		zap.Int("skipped", summary.Skipped),
	)

	return summary, nil
}

func (d *Dispatcher) deliver(ctx context.Context, email *db.InboundEmail, sub *db.WebhookSubscription, body []byte) Outcome {
	log := d.logger.With(
		zap.String("email_id", email.ID.String()),
		zap.String("subscription_id", sub.ID.String()),
		zap.String("service_name", sub.ServiceName),
	)

	delivery, created, err := d.deliveries.CreateSent(ctx, email.ID, sub.ID)
	if err != nil {
		log.Error("failed to create delivery row", zap.Error(err))
		return OutcomeAborted
	}
	if !created {
		metrics.RecordWebhookSkipped()
		log.Debug("pair already dispatched")
		return OutcomeSkipped
	}

	resp, err := d.sender.Send(ctx, Request{
		URL:            sub.WebhookURL,
		Body:           body,
		Secret:         sub.Secret,
		EmailID:        email.ID.String(),
		SubscriptionID: sub.ID.String(),
		Timeout:        sub.DeliveryTimeout(),
	})

	if ctx.Err() != nil {
		// Shutting down: the row stays sent and shows up as undelivered.
		log.Warn("dispatch aborted", zap.Error(ctx.Err()))
		return OutcomeAborted
	}

	var latency time.Duration
	if resp != nil {
		latency = resp.Latency
	}

	switch {
	case errors.Is(err, ErrTimeout):
		metrics.RecordWebhookDelivery(string(OutcomeTimeout), latency)
		d.handleTimeout(ctx, sub, log)
		return OutcomeTimeout

	case err != nil:
		metrics.RecordWebhookDelivery(string(OutcomeFailed), latency)
		d.fail(ctx, delivery.ID, sub, nil, err.Error(), log)
		return OutcomeFailed

	case !resp.Success():
		metrics.RecordWebhookDelivery(string(OutcomeFailed), latency)
		status := resp.StatusCode
		reason := fmt.Sprintf("webhook returned non-2xx status: %d", status)
		if resp.Preview != "" {
			reason += ", body: " + resp.Preview
		}
		d.fail(ctx, delivery.ID, sub, &status, reason, log)
		return OutcomeFailed
	}

	metrics.RecordWebhookDelivery(string(OutcomeDelivered), latency)

	changed, err := d.deliveries.MarkDelivered(ctx, delivery.ID, resp.StatusCode)
	if err != nil {
		log.Error("failed to mark delivery delivered", zap.Error(err))
		return OutcomeDelivered
	}
	if changed {
		if err := d.subs.RecordSuccess(ctx, sub.ID); err != nil {
			log.Error("failed to record delivery success", zap.Error(err))
		}
	}

	log.Info("webhook delivered",
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("latency", latency),
	)
	return OutcomeDelivered
}

// handleTimeout leaves the delivery sent and doubles the subscription's
// timeout for the next attempt. The retry budget is untouched.
func (d *Dispatcher) handleTimeout(ctx context.Context, sub *db.WebhookSubscription, log *zap.Logger) {
	timeoutMs, err := d.subs.DoubleTimeout(ctx, sub.ID, d.cfg.MaxDeliveryTimeout.Milliseconds())
	if err != nil {
		log.Error("failed to raise delivery timeout", zap.Error(err))
		return
	}
	log.Warn("webhook timed out, delivery left pending confirmation",
		zap.Int64("previous_timeout_ms", sub.DeliveryTimeoutMs),
		zap.Int64("delivery_timeout_ms", timeoutMs),
	)
}

func (d *Dispatcher) fail(ctx context.Context, deliveryID uuid.UUID, sub *db.WebhookSubscription, httpStatus *int, reason string, log *zap.Logger) {
	changed, err := d.deliveries.MarkFailed(ctx, deliveryID, httpStatus, reason)
	if err != nil {
		log.Error("failed to mark delivery failed", zap.Error(err))
		return
	}

	log.Warn("webhook delivery failed", zap.String("reason", reason))

	if changed {
		d.recordFailure(ctx, sub.ID, reason, log)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, subID uuid.UUID, reason string, log *zap.Logger) {
	outcome, err := d.subs.RecordFailure(ctx, subID, reason)
	if err != nil {
		log.Error("failed to record delivery failure", zap.Error(err))
		return
	}
	if !outcome.Suspended {
		return
	}

	metrics.RecordSuspension()
	d.alertSuspended(ctx, subID, outcome, reason, log)
}

func (d *Dispatcher) alertSuspended(ctx context.Context, subID uuid.UUID, outcome db.FailureOutcome, reason string, log *zap.Logger) {
	if d.alerts == nil {
		return
	}

	alert := sns.SuspensionAlert{
		SubscriptionID: subID.String(),
		RetryCount:     outcome.RetryCount,
		LastError:      reason,
	}
	if sub, err := d.subs.Get(ctx, subID); err == nil {
		alert.ServiceName = sub.ServiceName
		alert.WebhookURL = sub.WebhookURL
	}

	messageID, err := d.alerts.PublishSuspension(ctx, alert)
	if err != nil {
		log.Error("failed to publish suspension alert", zap.Error(err))
		return
	}
	log.Info("suspension alert published", zap.String("sns_message_id", messageID))
}

// ConfirmResult is the outcome of a consumer confirmation.
type ConfirmResult struct {
	Delivery *db.WebhookDelivery `json:"delivery"`
	Changed  bool                `json:"changed"`
}

// Confirm applies an out-of-band confirmation. Subscription statistics are
// updated only when the delivery actually left the sent state, so repeating
// a confirmation has no further effect.
func (d *Dispatcher) Confirm(ctx context.Context, c db.Confirmation) (*ConfirmResult, error) {
	if c.Status != db.DeliveryDelivered && c.Status != db.DeliveryFailed {
		return nil, ErrInvalidStatus
	}

	delivery, changed, err := d.deliveries.Confirm(ctx, c)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordConfirmation(c.Status, changed)

	log := d.logger.With(
		zap.String("email_id", c.InboundEmailID.String()),
		zap.String("subscription_id", c.SubscriptionID.String()),
		zap.Bool("changed", changed),
	)

	if changed {
		switch c.Status {
		case db.DeliveryDelivered:
			if err := d.subs.RecordSuccess(ctx, c.SubscriptionID); err != nil {
				log.Error("failed to record delivery success", zap.Error(err))
			}
		case db.DeliveryFailed:
			reason := "consumer reported failure"
			if c.Error != nil && *c.Error != "" {
				reason = *c.Error
			}
			d.recordFailure(ctx, c.SubscriptionID, reason, log)
		}
	}

	log.Info("delivery confirmation applied", zap.String("status", delivery.Status))

	return &ConfirmResult{Delivery: delivery, Changed: changed}, nil
}
