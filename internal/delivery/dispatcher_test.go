package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailhook/internal/db"
)

func newEmail() *db.InboundEmail {
	subject := "Order #42"
	return &db.InboundEmail{
		ID:         uuid.New(),
		MessageID:  "msg-" + uuid.NewString(),
		From:       "alice@example.com",
		To:         "support@x.com",
		Subject:    &subject,
		BodyText:   "hello",
		ReceivedAt: time.Now(),
		RawEmail:   []byte("From: alice@example.com\r\n\r\nhello"),
	}
}

func newTestDispatcher(subs *fakeSubs, deliveries *fakeDeliveries, alerts AlertPublisher) *Dispatcher {
	sender := NewSender(zap.NewNop(), SenderConfig{UserAgent: "test"})
	return NewDispatcher(subs, deliveries, sender, alerts, Config{
		Concurrency:        4,
		MaxDeliveryTimeout: time.Second,
	}, zap.NewNop())
}

func TestDispatch_DeliveredResetsRetryCount(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sub := &db.WebhookSubscription{ServiceName: "helpdesk", WebhookURL: srv.URL, RetryCount: 2}
	subs := newFakeSubs(sub)
	deliveries := newFakeDeliveries()
	d := newTestDispatcher(subs, deliveries, nil)

	email := newEmail()
	summary, err := d.Dispatch(context.Background(), email)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Matched)
	assert.Equal(t, 1, summary.Delivered)
	assert.Equal(t, int32(1), hits.Load())

	got := subs.snapshot(sub.ID)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, int64(1), got.TotalDeliveries)
	assert.NotNil(t, got.LastDeliveryAt)

	row := deliveries.get(email.ID, sub.ID)
	require.NotNil(t, row)
	assert.Equal(t, db.DeliveryDelivered, row.Status)
	require.NotNil(t, row.HTTPStatus)
	assert.Equal(t, http.StatusAccepted, *row.HTTPStatus)
}

func TestDispatch_FailuresSuspendAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := &db.WebhookSubscription{ServiceName: "crm", WebhookURL: srv.URL, MaxRetries: 2}
	subs := newFakeSubs(sub)
	deliveries := newFakeDeliveries()
	alerts := &fakeAlerts{}
	d := newTestDispatcher(subs, deliveries, alerts)

	first := newEmail()
	summary, err := d.Dispatch(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	got := subs.snapshot(sub.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, db.SubscriptionActive, got.Status)

	row := deliveries.get(first.ID, sub.ID)
	require.NotNil(t, row)
	assert.Equal(t, db.DeliveryFailed, row.Status)
	require.NotNil(t, row.HTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, *row.HTTPStatus)

	_, err = d.Dispatch(context.Background(), newEmail())
	require.NoError(t, err)

	got = subs.snapshot(sub.ID)
	assert.Equal(t, db.SubscriptionSuspended, got.Status)
	assert.Equal(t, int64(2), got.TotalFailures)
	assert.Equal(t, 1, alerts.count())
	assert.Equal(t, "crm", alerts.alerts[0].ServiceName)

	// Suspended subscriptions receive nothing.
	summary, err = d.Dispatch(context.Background(), newEmail())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Matched)
}

func TestDispatch_NetworkErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	sub := &db.WebhookSubscription{ServiceName: "gone", WebhookURL: url}
	subs := newFakeSubs(sub)
	deliveries := newFakeDeliveries()
	d := newTestDispatcher(subs, deliveries, nil)

	email := newEmail()
	summary, err := d.Dispatch(context.Background(), email)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	row := deliveries.get(email.ID, sub.ID)
	assert.Equal(t, db.DeliveryFailed, row.Status)
	assert.Nil(t, row.HTTPStatus)
	assert.NotNil(t, row.Error)
	assert.Equal(t, 1, subs.snapshot(sub.ID).RetryCount)
}

func TestDispatch_TimeoutIsNotFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	sub := &db.WebhookSubscription{ServiceName: "slow", WebhookURL: srv.URL, DeliveryTimeoutMs: 50}
	subs := newFakeSubs(sub)
	deliveries := newFakeDeliveries()
	d := newTestDispatcher(subs, deliveries, nil)

	email := newEmail()
	summary, err := d.Dispatch(context.Background(), email)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TimedOut)

	row := deliveries.get(email.ID, sub.ID)
	require.NotNil(t, row)
	assert.Equal(t, db.DeliverySent, row.Status)

	got := subs.snapshot(sub.ID)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, int64(0), got.TotalFailures)
	assert.Equal(t, int64(100), got.DeliveryTimeoutMs)
	assert.Equal(t, db.SubscriptionActive, got.Status)
}

func TestDispatch_TimeoutDoublingIsCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	sub := &db.WebhookSubscription{WebhookURL: srv.URL, DeliveryTimeoutMs: 50}
	subs := newFakeSubs(sub)
	sender := NewSender(zap.NewNop(), SenderConfig{})
	d := NewDispatcher(subs, newFakeDeliveries(), sender, nil, Config{
		Concurrency:        1,
		MaxDeliveryTimeout: 80 * time.Millisecond,
	}, zap.NewNop())

	_, err := d.Dispatch(context.Background(), newEmail())
	require.NoError(t, err)
	assert.Equal(t, int64(80), subs.snapshot(sub.ID).DeliveryTimeoutMs)

	_, err = d.Dispatch(context.Background(), newEmail())
	require.NoError(t, err)
	assert.Equal(t, int64(80), subs.snapshot(sub.ID).DeliveryTimeoutMs)
}

func TestDispatch_SkipsAlreadyDispatchedPair(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	sub := &db.WebhookSubscription{WebhookURL: srv.URL}
	d := newTestDispatcher(newFakeSubs(sub), newFakeDeliveries(), nil)

	email := newEmail()
	_, err := d.Dispatch(context.Background(), email)
	require.NoError(t, err)

	summary, err := d.Dispatch(context.Background(), email)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDispatch_OnlyMatchingSubscriptions(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	pattern := "^Invoice"
	bad := "("
	subs := newFakeSubs(
		&db.WebhookSubscription{WebhookURL: srv.URL, Filters: db.Filters{To: []string{"support@"}}},
		&db.WebhookSubscription{WebhookURL: srv.URL, Filters: db.Filters{To: []string{"sales@x.com"}}},
		&db.WebhookSubscription{WebhookURL: srv.URL, Filters: db.Filters{SubjectPattern: &pattern}},
		&db.WebhookSubscription{WebhookURL: srv.URL, Filters: db.Filters{SubjectPattern: &bad}},
		&db.WebhookSubscription{WebhookURL: srv.URL, Status: db.SubscriptionInactive},
	)
	d := newTestDispatcher(subs, newFakeDeliveries(), nil)

	summary, err := d.Dispatch(context.Background(), newEmail())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Matched)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDispatch_SendsSignedPayload(t *testing.T) {
	secret := "s3cr3t"
	type captured struct {
		header http.Header
		body   []byte
	}
	got := make(chan captured, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{header: r.Header.Clone(), body: body}
	}))
	defer srv.Close()

	sub := &db.WebhookSubscription{WebhookURL: srv.URL, Secret: &secret}
	d := newTestDispatcher(newFakeSubs(sub), newFakeDeliveries(), nil)

	email := newEmail()
	email.Attachments = []db.Attachment{{Filename: "a.bin", ContentType: "application/octet-stream", Content: []byte{0, 1, 2}}}

	_, err := d.Dispatch(context.Background(), email)
	require.NoError(t, err)

	c := <-got
	assert.Equal(t, "application/json", c.header.Get("Content-Type"))
	assert.Equal(t, "test", c.header.Get("User-Agent"))
	assert.Equal(t, email.ID.String(), c.header.Get(HeaderEmailID))
	assert.Equal(t, sub.ID.String(), c.header.Get(HeaderSubscriptionID))
	assert.True(t, Verify(c.body, c.header.Get(HeaderSignature), secret, time.Now(), time.Minute))

	var p Payload
	require.NoError(t, json.Unmarshal(c.body, &p))
	assert.Equal(t, email.MessageID, p.MessageID)
	require.Len(t, p.Attachments, 1)
	assert.Equal(t, "AAEC", p.Attachments[0].Content)
	assert.Equal(t, 3, p.Attachments[0].Size)
	assert.NotEmpty(t, p.RawContent)
}

func TestConfirm_IsIdempotent(t *testing.T) {
	sub := &db.WebhookSubscription{WebhookURL: "http://unused", RetryCount: 1}
	subs := newFakeSubs(sub)
	deliveries := newFakeDeliveries()
	d := newTestDispatcher(subs, deliveries, nil)

	email := newEmail()
	_, _, err := deliveries.CreateSent(context.Background(), email.ID, sub.ID)
	require.NoError(t, err)

	ticket := "T-1"
	c := db.Confirmation{
		InboundEmailID: email.ID,
		SubscriptionID: sub.ID,
		Status:         db.DeliveryDelivered,
		TicketID:       &ticket,
	}

	res, err := d.Confirm(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, db.DeliveryDelivered, res.Delivery.Status)
	assert.Equal(t, int64(1), subs.snapshot(sub.ID).TotalDeliveries)
	assert.Equal(t, 0, subs.snapshot(sub.ID).RetryCount)

	// A late failure report does not change a terminal row or the stats.
	c.Status = db.DeliveryFailed
	comment := "C-9"
	c.CommentID = &comment
	res, err = d.Confirm(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, db.DeliveryDelivered, res.Delivery.Status)
	require.NotNil(t, res.Delivery.CommentID)
	assert.Equal(t, "C-9", *res.Delivery.CommentID)

	got := subs.snapshot(sub.ID)
	assert.Equal(t, int64(1), got.TotalDeliveries)
	assert.Equal(t, int64(0), got.TotalFailures)
}

func TestConfirm_FailureCountsTowardsSuspension(t *testing.T) {
	sub := &db.WebhookSubscription{WebhookURL: "http://unused", MaxRetries: 1}
	subs := newFakeSubs(sub)
	deliveries := newFakeDeliveries()
	alerts := &fakeAlerts{}
	d := newTestDispatcher(subs, deliveries, alerts)

	email := newEmail()
	_, _, err := deliveries.CreateSent(context.Background(), email.ID, sub.ID)
	require.NoError(t, err)

	reason := "ticket rejected"
	res, err := d.Confirm(context.Background(), db.Confirmation{
		InboundEmailID: email.ID,
		SubscriptionID: sub.ID,
		Status:         db.DeliveryFailed,
		Error:          &reason,
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)

	got := subs.snapshot(sub.ID)
	assert.Equal(t, db.SubscriptionSuspended, got.Status)
	assert.Equal(t, 1, alerts.count())
	assert.Equal(t, reason, alerts.alerts[0].LastError)
}

func TestConfirm_UnknownPair(t *testing.T) {
	d := newTestDispatcher(newFakeSubs(), newFakeDeliveries(), nil)

	_, err := d.Confirm(context.Background(), db.Confirmation{
		InboundEmailID: uuid.New(),
		SubscriptionID: uuid.New(),
		Status:         db.DeliveryDelivered,
	})
	assert.True(t, errors.Is(err, ErrDeliveryNotFound))
}

func TestConfirm_InvalidStatus(t *testing.T) {
	d := newTestDispatcher(newFakeSubs(), newFakeDeliveries(), nil)

	_, err := d.Confirm(context.Background(), db.Confirmation{Status: "sent"})
	assert.True(t, errors.Is(err, ErrInvalidStatus))
}
