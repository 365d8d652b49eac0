package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/mailhook/internal/db"
	"github.com/lalithlochan/mailhook/internal/sns"
)

// fakeSubs mirrors the single-statement semantics of SubscriptionRepository.
type fakeSubs struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*db.WebhookSubscription
}

func newFakeSubs(subs ...*db.WebhookSubscription) *fakeSubs {
	f := &fakeSubs{subs: make(map[uuid.UUID]*db.WebhookSubscription)}
	for _, s := range subs {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if s.Status == "" {
			s.Status = db.SubscriptionActive
		}
		if s.MaxRetries == 0 {
			s.MaxRetries = 3
		}
		if s.DeliveryTimeoutMs == 0 {
			s.DeliveryTimeoutMs = 2000
		}
		f.subs[s.ID] = s
	}
	return f
}

func (f *fakeSubs) snapshot(id uuid.UUID) db.WebhookSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.subs[id]
}

func (f *fakeSubs) ListActive(ctx context.Context) ([]*db.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.WebhookSubscription
	for _, s := range f.subs {
		if s.Status == db.SubscriptionActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSubs) Get(ctx context.Context, id uuid.UUID) (*db.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSubs) RecordSuccess(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subs[id]
	s.RetryCount = 0
	s.TotalDeliveries++
	now := time.Now()
	s.LastDeliveryAt = &now
	return nil
}

func (f *fakeSubs) RecordFailure(ctx context.Context, id uuid.UUID, reason string) (db.FailureOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subs[id]
	prev := s.Status
	s.RetryCount++
	s.TotalFailures++
	s.LastError = &reason
	if s.Status == db.SubscriptionActive && s.RetryCount >= s.MaxRetries {
		s.Status = db.SubscriptionSuspended
	}
	return db.FailureOutcome{
		Status:     s.Status,
		RetryCount: s.RetryCount,
		Suspended:  s.Status == db.SubscriptionSuspended && prev != db.SubscriptionSuspended,
	}, nil
}

func (f *fakeSubs) DoubleTimeout(ctx context.Context, id uuid.UUID, ceilingMs int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subs[id]
	next := s.DeliveryTimeoutMs * 2
	ceiling := max(ceilingMs, s.DeliveryTimeoutMs)
	s.DeliveryTimeoutMs = min(next, ceiling)
	return s.DeliveryTimeoutMs, nil
}

type pairKey struct{ email, sub uuid.UUID }

// fakeDeliveries mirrors the conditional transitions of DeliveryRepository.
type fakeDeliveries struct {
	mu   sync.Mutex
	rows map[pairKey]*db.WebhookDelivery
	byID map[uuid.UUID]*db.WebhookDelivery
}

func newFakeDeliveries() *fakeDeliveries {
	return &fakeDeliveries{
		rows: make(map[pairKey]*db.WebhookDelivery),
		byID: make(map[uuid.UUID]*db.WebhookDelivery),
	}
}

func (f *fakeDeliveries) get(emailID, subID uuid.UUID) *db.WebhookDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[pairKey{emailID, subID}]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

func (f *fakeDeliveries) CreateSent(ctx context.Context, emailID, subID uuid.UUID) (*db.WebhookDelivery, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := pairKey{emailID, subID}
	if _, ok := f.rows[k]; ok {
		return nil, false, nil
	}
	d := &db.WebhookDelivery{
		ID:             uuid.New(),
		InboundEmailID: emailID,
		SubscriptionID: subID,
		Status:         db.DeliverySent,
		CreatedAt:      time.Now(),
	}
	f.rows[k] = d
	f.byID[d.ID] = d
	cp := *d
	return &cp, true, nil
}

func (f *fakeDeliveries) MarkDelivered(ctx context.Context, id uuid.UUID, httpStatus int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.byID[id]
	if d.Status != db.DeliverySent {
		return false, nil
	}
	d.Status = db.DeliveryDelivered
	d.HTTPStatus = &httpStatus
	now := time.Now()
	d.DeliveredAt = &now
	return true, nil
}

func (f *fakeDeliveries) MarkFailed(ctx context.Context, id uuid.UUID, httpStatus *int, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.byID[id]
	if d.Status != db.DeliverySent {
		return false, nil
	}
	d.Status = db.DeliveryFailed
	d.HTTPStatus = httpStatus
	d.Error = &reason
	return true, nil
}

func (f *fakeDeliveries) Confirm(ctx context.Context, c db.Confirmation) (*db.WebhookDelivery, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[pairKey{c.InboundEmailID, c.SubscriptionID}]
	if !ok {
		return nil, false, fmt.Errorf("delivery: %w", db.ErrNotFound)
	}
	changed := false
	if d.Status == db.DeliverySent {
		d.Status = c.Status
		changed = true
		if c.HTTPStatus != nil {
			d.HTTPStatus = c.HTTPStatus
		}
		if c.Status == db.DeliveryFailed && c.Error != nil {
			d.Error = c.Error
		}
	}
	if d.TicketID == nil {
		d.TicketID = c.TicketID
	}
	if d.CommentID == nil {
		d.CommentID = c.CommentID
	}
	cp := *d
	return &cp, changed, nil
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []sns.SuspensionAlert
}

func (f *fakeAlerts) PublishSuspension(ctx context.Context, alert sns.SuspensionAlert) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return fmt.Sprintf("msg-%d", len(f.alerts)), nil
}

func (f *fakeAlerts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}
