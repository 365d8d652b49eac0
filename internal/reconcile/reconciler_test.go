package reconcile

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailhook/internal/db"
	"github.com/lalithlochan/mailhook/internal/delivery"
	"github.com/lalithlochan/mailhook/internal/objectstore"
	"github.com/lalithlochan/mailhook/internal/pipeline"
	"github.com/lalithlochan/mailhook/internal/redis"
	"github.com/lalithlochan/mailhook/internal/ses"
)

const sampleMIME = "From: bob@example.com\r\nTo: support@x.com\r\nSubject: Hi\r\n\r\nhello\r\n"

// memStore is an in-memory email store keyed like the real table.
type memStore struct {
	mu     sync.Mutex
	emails map[string]*db.InboundEmail // by message id
}

func newMemStore() *memStore {
	return &memStore{emails: make(map[string]*db.InboundEmail)}
}

func (s *memStore) find(id uuid.UUID) *db.InboundEmail {
	for _, e := range s.emails {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (s *memStore) Ingest(ctx context.Context, p db.IngestParams) (*db.InboundEmail, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.emails[p.MessageID]; ok {
		cp := *e
		return &cp, false, nil
	}
	e := &db.InboundEmail{
		ID:        uuid.New(),
		MessageID: p.MessageID,
		Status:    db.EmailStatusPending,
		Source:    p.Source,
		S3Key:     p.S3Key,
		RawEmail:  p.RawEmail,
		UpdatedAt: time.Now(),
	}
	s.emails[p.MessageID] = e
	cp := *e
	return &cp, true, nil
}

func (s *memStore) SaveParsed(ctx context.Context, id uuid.UUID, f db.ParsedFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.find(id).BodyText = f.BodyText
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(id)
	e.Status = db.EmailStatusFailed
	e.Error = &reason
	return nil
}

func (s *memStore) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.find(id).Status = db.EmailStatusProcessed
	return nil
}

func (s *memStore) Get(ctx context.Context, id uuid.UUID) (*db.InboundEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(id)
	if e == nil {
		return nil, db.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) FindExistingKeys(ctx context.Context, prefix string, keys []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, k := range keys {
		for _, e := range s.emails {
			if (e.S3Key != nil && *e.S3Key == k) || e.MessageID == ses.MessageIDFromKey(k, prefix) {
				out[k] = true
			}
		}
	}
	return out, nil
}

func (s *memStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, e := range s.emails {
		if e.Status == db.EmailStatusPending && e.UpdatedAt.Before(before) && len(ids) < limit {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

// memBucket lists like S3: key order, strictly after startAfter, capped at
// maxKeys.
type memBucket struct {
	objects map[string][]byte
	listErr error
	calls   int
}

func (b *memBucket) List(ctx context.Context, bucket, prefix, startAfter string, maxKeys int) ([]objectstore.ObjectInfo, error) {
	b.calls++
	if b.listErr != nil {
		return nil, b.listErr
	}
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) && k > startAfter {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
	}
	out := make([]objectstore.ObjectInfo, len(keys))
	for i, k := range keys {
		out[i] = objectstore.ObjectInfo{Key: k, Size: int64(len(b.objects[k]))}
	}
	return out, nil
}

func (b *memBucket) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	v, ok := b.objects[key]
	if !ok || v == nil {
		return nil, objectstore.ErrObjectNotFound
	}
	return v, nil
}

type countingDispatcher struct {
	mu sync.Mutex
	n  int
}

func (d *countingDispatcher) Dispatch(ctx context.Context, email *db.InboundEmail) (delivery.Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.n++
	return delivery.Summary{}, nil
}

type fixture struct {
	store      *memStore
	bucket     *memBucket
	dispatcher *countingDispatcher
	pipeline   *pipeline.Pipeline
	reconciler *Reconciler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWith(t, "inbound/", 100, opts...)
}

func newFixtureWith(t *testing.T, prefix string, maxKeys int, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:      newMemStore(),
		bucket:     &memBucket{objects: map[string][]byte{}},
		dispatcher: &countingDispatcher{},
	}
	f.pipeline = pipeline.New(f.store, f.bucket, f.dispatcher, nil, pipeline.Config{
		Bucket:       "mail-in",
		Prefix:       prefix,
		SyncDispatch: true,
	}, zap.NewNop())
	f.reconciler = New(f.bucket, f.store, f.pipeline, Config{
		Bucket:  "mail-in",
		Prefix:  prefix,
		MaxKeys: maxKeys,
	}, zap.NewNop(), opts...)
	return f
}

func TestRunOnce_IngestsOrphansExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.bucket.objects["inbound/a"] = []byte(sampleMIME)
	f.bucket.objects["inbound/b"] = []byte(sampleMIME)
	f.bucket.objects["inbound/c"] = []byte(sampleMIME)

	// "a" arrived through the push path and is stored by message id only.
	f.store.emails["a"] = &db.InboundEmail{ID: uuid.New(), MessageID: "a", Status: db.EmailStatusProcessed}

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Listed)
	assert.Equal(t, 2, res.Orphaned)
	assert.Equal(t, 2, res.Ingested)
	assert.Equal(t, 0, res.Failed)
	assert.Len(t, f.store.emails, 3)
	assert.Equal(t, db.EmailStatusProcessed, f.store.emails["b"].Status)
	assert.Equal(t, db.SourceReconcile, f.store.emails["b"].Source)
	assert.Equal(t, 2, f.dispatcher.n)

	again, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Orphaned)
	assert.Len(t, f.store.emails, 3)
	assert.Equal(t, 2, f.dispatcher.n)
}

func TestRunOnce_DecodeFailureCreatesFailedRow(t *testing.T) {
	f := newFixture(t)
	f.bucket.objects["inbound/broken"] = []byte("   ")

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "inbound/broken", res.Errors[0].Key)
	assert.Equal(t, db.EmailStatusFailed, f.store.emails["broken"].Status)

	again, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Orphaned)
	assert.Len(t, f.store.emails, 1)
}

func TestRunOnce_FetchFailureDoesNotStopSweep(t *testing.T) {
	f := newFixture(t)
	f.bucket.objects["inbound/vanished"] = nil
	f.bucket.objects["inbound/ok"] = []byte(sampleMIME)

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Orphaned)
	assert.Equal(t, 1, res.Ingested)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, f.store.emails, 1)
}

func TestRunOnce_ListError(t *testing.T) {
	f := newFixture(t)
	f.bucket.listErr = errors.New("access denied")

	_, err := f.reconciler.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRunOnce_NoBucket(t *testing.T) {
	r := New(&memBucket{}, newMemStore(), nil, Config{}, zap.NewNop())

	_, err := r.RunOnce(context.Background())
	assert.True(t, errors.Is(err, ErrNoBucket))
}

func newLocker(t *testing.T) *redis.Locker {
	t.Helper()
	mr := miniredis.RunT(t)

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return redis.NewLocker(client, zap.NewNop())
}

func TestRunOnce_SkippedWhileAnotherReplicaHoldsLock(t *testing.T) {
	locker := newLocker(t)
	f := newFixture(t, WithLocker(locker))
	f.bucket.objects["inbound/x"] = []byte(sampleMIME)

	held, ok, err := locker.TryLock(context.Background(), lockName, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, f.store.emails)

	require.NoError(t, held.Release(context.Background()))

	res, err = f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Ingested)

	// The sweep released its own lock.
	_, ok, err = locker.TryLock(context.Background(), lockName, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOrphans(t *testing.T) {
	f := newFixture(t)
	f.bucket.objects["inbound/known"] = []byte(sampleMIME)
	f.bucket.objects["inbound/new"] = []byte(sampleMIME)
	key := "inbound/known"
	f.store.emails["other-id"] = &db.InboundEmail{ID: uuid.New(), MessageID: "other-id", S3Key: &key}

	orphans, listed, err := f.reconciler.Orphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, listed)
	require.Len(t, orphans, 1)
	assert.Equal(t, "inbound/new", orphans[0].Key)
}

func TestRunOnce_CursorReachesKeysPastTheCap(t *testing.T) {
	f := newFixtureWith(t, "inbound/", 3)
	for _, id := range []string{"a", "b", "c"} {
		f.bucket.objects["inbound/"+id] = []byte(sampleMIME)
		f.store.emails[id] = &db.InboundEmail{ID: uuid.New(), MessageID: id, Status: db.EmailStatusProcessed}
	}
	f.bucket.objects["inbound/z-orphan"] = []byte(sampleMIME)

	first, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Listed)
	assert.Equal(t, 0, first.Orphaned)
	assert.Equal(t, "inbound/c", f.reconciler.Cursor())

	second, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "inbound/c", second.StartAfter)
	assert.Equal(t, 1, second.Listed)
	assert.Equal(t, 1, second.Ingested)
	require.Contains(t, f.store.emails, "z-orphan")
	assert.Equal(t, db.EmailStatusProcessed, f.store.emails["z-orphan"].Status)

	// A short listing reached the end, so the next sweep starts over.
	assert.Empty(t, f.reconciler.Cursor())
	third, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, third.StartAfter)
	assert.Equal(t, 3, third.Listed)
	assert.Equal(t, 1, f.dispatcher.n)
}

func TestOrphans_DoesNotMoveCursor(t *testing.T) {
	f := newFixtureWith(t, "inbound/", 1)
	f.bucket.objects["inbound/a"] = []byte(sampleMIME)
	f.bucket.objects["inbound/b"] = []byte(sampleMIME)

	for i := 0; i < 2; i++ {
		orphans, listed, err := f.reconciler.Orphans(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, listed)
		require.Len(t, orphans, 1)
		assert.Equal(t, "inbound/a", orphans[0].Key)
	}
	assert.Empty(t, f.reconciler.Cursor())
}

func TestRunOnce_PrefixWithoutSlashMatchesPushedMessage(t *testing.T) {
	f := newFixtureWith(t, "inbound", 100)
	f.bucket.objects["inboundABC"] = []byte(sampleMIME)
	f.bucket.objects["inboundXYZ"] = []byte(sampleMIME)

	// ABC was delivered by push and is stored by message id only.
	f.store.emails["ABC"] = &db.InboundEmail{ID: uuid.New(), MessageID: "ABC", Status: db.EmailStatusProcessed}

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Listed)
	assert.Equal(t, 1, res.Orphaned)
	assert.Equal(t, 1, res.Ingested)
	assert.Len(t, f.store.emails, 2)
	assert.Contains(t, f.store.emails, "XYZ")
	assert.NotContains(t, f.store.emails, "inboundXYZ")
	assert.Equal(t, 1, f.dispatcher.n)
}

func TestRunOnce_RedispatchesStalePendingEmails(t *testing.T) {
	f := newFixture(t)
	f.reconciler = New(f.bucket, f.store, f.pipeline, Config{
		Bucket:       "mail-in",
		Prefix:       "inbound/",
		PendingGrace: time.Hour,
	}, zap.NewNop(), WithPendingRetry(f.store))

	stuck := &db.InboundEmail{
		ID:        uuid.New(),
		MessageID: "stuck",
		Status:    db.EmailStatusPending,
		RawEmail:  []byte(sampleMIME),
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	}
	fresh := &db.InboundEmail{
		ID:        uuid.New(),
		MessageID: "fresh",
		Status:    db.EmailStatusPending,
		RawEmail:  []byte(sampleMIME),
		UpdatedAt: time.Now(),
	}
	f.store.emails["stuck"] = stuck
	f.store.emails["fresh"] = fresh

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Redispatched)
	assert.Equal(t, 1, f.dispatcher.n)
	assert.Equal(t, db.EmailStatusProcessed, f.store.emails["stuck"].Status)
	assert.Equal(t, db.EmailStatusPending, f.store.emails["fresh"].Status)

	again, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Redispatched)
	assert.Equal(t, 1, f.dispatcher.n)
}

func TestStart_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.reconciler.config.Interval = 10 * time.Millisecond
	f.bucket.objects["inbound/tick"] = []byte(sampleMIME)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reconciler.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return len(f.store.emails) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
