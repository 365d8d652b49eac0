// Package reconcile periodically diffs the inbound bucket against stored
// emails and ingests objects the push path never delivered.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailhook/internal/db"
	"github.com/lalithlochan/mailhook/internal/metrics"
	"github.com/lalithlochan/mailhook/internal/objectstore"
	"github.com/lalithlochan/mailhook/internal/pipeline"
	"github.com/lalithlochan/mailhook/internal/redis"
)

const lockName = "reconcile"

// ErrNoBucket is returned when no inbound bucket is configured or discovered.
var ErrNoBucket = errors.New("reconcile: inbound bucket not configured")

// Lister lists stored message objects in key order after startAfter.
type Lister interface {
	List(ctx context.Context, bucket, prefix, startAfter string, maxKeys int) ([]objectstore.ObjectInfo, error)
}

// KeyIndex reports which object keys already have an email row.
type KeyIndex interface {
	FindExistingKeys(ctx context.Context, prefix string, keys []string) (map[string]bool, error)
}

// Ingester re-enters the pipeline at the fetch stage, or re-runs decode and
// dispatch for an email that never finished.
type Ingester interface {
	IngestObject(ctx context.Context, bucket, key, source string) (*pipeline.Result, error)
	Reparse(ctx context.Context, id uuid.UUID) (*db.InboundEmail, error)
}

// StaleEmails finds emails stuck in pending.
type StaleEmails interface {
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

// Locker provides the cross-replica sweep lock.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (*redis.Lock, bool, error)
}

type Config struct {
	Bucket   string
	Prefix   string
	Interval time.Duration
	MaxKeys  int
	LockTTL  time.Duration

	// PendingGrace is how long an email may stay pending before a sweep
	// dispatches it again. It must exceed the longest delivery timeout.
	PendingGrace time.Duration
}

// KeyError is a per-key ingest failure.
type KeyError struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// RunResult summarises one sweep.
type RunResult struct {
	Bucket     string `json:"bucket"`
	Prefix     string `json:"prefix"`
	StartAfter string `json:"startAfter,omitempty"`
	Listed     int    `json:"listed"`
	Orphaned   int    `json:"orphaned"`
	Ingested   int    `json:"ingested"`
	Failed     int    `json:"failed"`
	// Redispatched counts stale pending emails sent through dispatch again.
	Redispatched int        `json:"redispatched"`
	Skipped      bool       `json:"skipped,omitempty"`
	Errors       []KeyError `json:"errors,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	Duration     string     `json:"duration"`
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLocker makes sweeps exclusive across replicas.
func WithLocker(l Locker) Option {
	return func(r *Reconciler) { r.locker = l }
}

// WithPendingRetry makes every sweep re-dispatch emails that have been
// pending for longer than Config.PendingGrace.
func WithPendingRetry(s StaleEmails) Option {
	return func(r *Reconciler) { r.stale = s }
}

type Reconciler struct {
	lister   Lister
	index    KeyIndex
	ingester Ingester
	locker   Locker
	stale    StaleEmails
	config   Config
	logger   *zap.Logger

	running sync.Mutex

	// cursor is the last key listed by the previous sweep. Empty starts
	// from the beginning of the prefix.
	cursorMu sync.Mutex
	cursor   string
}

func New(lister Lister, index KeyIndex, ingester Ingester, cfg Config, logger *zap.Logger, opts ...Option) *Reconciler {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.MaxKeys == 0 {
		cfg.MaxKeys = 1000
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.PendingGrace == 0 {
		cfg.PendingGrace = time.Hour
	}

	r := &Reconciler{
		lister:   lister,
		index:    index,
		ingester: ingester,
		config:   cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start sweeps on every tick until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started",
		zap.String("bucket", r.config.Bucket),
		zap.String("prefix", r.config.Prefix),
		zap.Duration("interval", r.config.Interval),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// Orphans returns the keys without an email row in the window the next
// sweep will list, along with the number of keys listed.
func (r *Reconciler) Orphans(ctx context.Context) ([]objectstore.ObjectInfo, int, error) {
	orphans, objects, err := r.orphansAfter(ctx, r.Cursor())
	return orphans, len(objects), err
}

// Cursor returns the key the next sweep lists after.
func (r *Reconciler) Cursor() string {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	return r.cursor
}

// advance moves the cursor past a listing. A listing shorter than the cap
// reached the end of the prefix, so the next sweep starts over.
func (r *Reconciler) advance(objects []objectstore.ObjectInfo) {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	if len(objects) < r.config.MaxKeys {
		r.cursor = ""
		return
	}
	r.cursor = objects[len(objects)-1].Key
}

func (r *Reconciler) orphansAfter(ctx context.Context, startAfter string) ([]objectstore.ObjectInfo, []objectstore.ObjectInfo, error) {
	if r.config.Bucket == "" {
		return nil, nil, ErrNoBucket
	}

	objects, err := r.lister.List(ctx, r.config.Bucket, r.config.Prefix, startAfter, r.config.MaxKeys)
	if err != nil {
		return nil, nil, fmt.Errorf("list objects: %w", err)
	}
	if len(objects) == 0 {
		return nil, nil, nil
	}

	keys := make([]string, len(objects))
	for i, o := range objects {
		keys[i] = o.Key
	}

	existing, err := r.index.FindExistingKeys(ctx, r.config.Prefix, keys)
	if err != nil {
		return nil, objects, fmt.Errorf("find existing keys: %w", err)
	}

	var orphans []objectstore.ObjectInfo
	for _, o := range objects {
		if !existing[o.Key] {
			orphans = append(orphans, o)
		}
	}
	return orphans, objects, nil
}

// RunOnce performs one sweep. A sweep already running in this process or
// holding the shared lock elsewhere makes the call a no-op with Skipped set.
// Per-key failures are counted, never returned.
func (r *Reconciler) RunOnce(ctx context.Context) (*RunResult, error) {
	result := &RunResult{
		Bucket:    r.config.Bucket,
		Prefix:    r.config.Prefix,
		StartedAt: time.Now().UTC(),
	}

	if !r.running.TryLock() {
		result.Skipped = true
		metrics.RecordReconcileRun("skipped", 0, 0, 0, 0)
		return result, nil
	}
	defer r.running.Unlock()

	if r.locker != nil {
		lock, acquired, err := r.locker.TryLock(ctx, lockName, r.config.LockTTL)
		if err != nil {
			r.logger.Warn("reconcile lock unavailable, sweeping without it", zap.Error(err))
		} else if !acquired {
			r.logger.Info("reconciliation running on another replica, skipped")
			result.Skipped = true
			metrics.RecordReconcileRun("skipped", 0, 0, 0, 0)
			return result, nil
		} else {
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					r.logger.Warn("failed to release reconcile lock", zap.Error(err))
				}
			}()
		}
	}

	result.StartAfter = r.Cursor()
	orphans, objects, err := r.orphansAfter(ctx, result.StartAfter)
	result.Listed = len(objects)
	if err != nil {
		metrics.RecordReconcileRun("error", result.Listed, 0, 0, 0)
		return result, err
	}
	result.Orphaned = len(orphans)
	r.advance(objects)

	for _, o := range orphans {
		if ctx.Err() != nil {
			break
		}

		res, err := r.ingester.IngestObject(ctx, r.config.Bucket, o.Key, db.SourceReconcile)
		switch {
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, KeyError{Key: o.Key, Error: err.Error()})
			r.logger.Warn("failed to ingest orphaned object", zap.String("key", o.Key), zap.Error(err))
		case res.Failed():
			result.Failed++
			result.Errors = append(result.Errors, KeyError{Key: o.Key, Error: res.Message})
		case res.Status == pipeline.StatusProcessed:
			result.Ingested++
		}
	}

	if r.stale != nil && ctx.Err() == nil {
		r.redispatchStale(ctx, result)
	}

	result.Duration = time.Since(result.StartedAt).String()
	metrics.RecordReconcileRun("ok", result.Listed, result.Orphaned, result.Ingested, result.Failed)

	r.logger.Info("reconciliation sweep finished",
		zap.String("start_after", result.StartAfter),
		zap.Int("listed", result.Listed),
		zap.Int("orphaned", result.Orphaned),
		zap.Int("ingested", result.Ingested),
		zap.Int("failed", result.Failed),
		zap.Int("redispatched", result.Redispatched),
		zap.String("duration", result.Duration),
	)

	return result, nil
}

// redispatchStale reparses emails left pending past the grace period, which
// dispatches them to subscriptions that have no delivery row yet.
func (r *Reconciler) redispatchStale(ctx context.Context, result *RunResult) {
	ids, err := r.stale.ListStalePending(ctx, time.Now().Add(-r.config.PendingGrace), r.config.MaxKeys)
	if err != nil {
		r.logger.Warn("failed to list stale pending emails", zap.Error(err))
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.ingester.Reparse(ctx, id); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, KeyError{Key: "email/" + id.String(), Error: err.Error()})
			r.logger.Warn("failed to redispatch pending email", zap.String("email_id", id.String()), zap.Error(err))
			continue
		}
		result.Redispatched++
	}
}
