// Package pipeline turns provider notifications and stored objects into
// inbound email rows and hands them to the delivery dispatcher.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailhook/internal/db"
	"github.com/lalithlochan/mailhook/internal/delivery"
	"github.com/lalithlochan/mailhook/internal/metrics"
	"github.com/lalithlochan/mailhook/internal/mime"
	"github.com/lalithlochan/mailhook/internal/objectstore"
	"github.com/lalithlochan/mailhook/internal/redis"
	"github.com/lalithlochan/mailhook/internal/ses"
)

// ErrNoLocation is returned when a notification carries no content and no
// object location can be derived for it.
var ErrNoLocation = errors.New("notification has no content and no object location")

// EmailStore is the persistence the pipeline needs.
type EmailStore interface {
	Ingest(ctx context.Context, p db.IngestParams) (*db.InboundEmail, bool, error)
	SaveParsed(ctx context.Context, id uuid.UUID, f db.ParsedFields) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*db.InboundEmail, error)
}

// ObjectFetcher reads raw messages from object storage.
type ObjectFetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// Dispatcher delivers a stored email to its subscriptions.
type Dispatcher interface {
	Dispatch(ctx context.Context, email *db.InboundEmail) (delivery.Summary, error)
}

// Confirmer completes SNS subscription handshakes.
type Confirmer interface {
	Confirm(ctx context.Context, subscribeURL string) error
}

// IngestGuard is the optional fast-path duplicate check in front of the
// database unique constraint.
type IngestGuard interface {
	CheckOrReserve(ctx context.Context, messageID string) (*redis.IngestResult, error)
	Complete(ctx context.Context, messageID string, result *redis.IngestResult) error
	Release(ctx context.Context, messageID string) error
}

// Config holds the pipeline settings.
type Config struct {
	// Bucket and Prefix locate raw messages whose notification names no S3
	// action.
	Bucket string
	Prefix string
	// SyncDispatch runs delivery inside the ingest call instead of in a
	// tracked background goroutine.
	SyncDispatch bool
}

// Status is the discriminator returned to push callers.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusConfirmed Status = "confirmed"
	StatusIgnored   Status = "ignored"
	StatusError     Status = "error"
)

// Result reports what happened to one ingestion request.
type Result struct {
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	MessageID   string    `json:"messageId,omitempty"`
	EmailID     string    `json:"emailId,omitempty"`
	EmailStatus string    `json:"emailStatus,omitempty"`
	Duplicate   bool      `json:"duplicate,omitempty"`
	Results     []*Result `json:"results,omitempty"`
}

// Failed reports whether the request produced no usable email.
func (r *Result) Failed() bool {
	return r.Status == StatusError || r.EmailStatus == db.EmailStatusFailed
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithGuard enables the Redis ingest guard.
func WithGuard(g IngestGuard) Option {
	return func(p *Pipeline) { p.guard = g }
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	store      EmailStore
	objects    ObjectFetcher
	dispatcher Dispatcher
	confirmer  Confirmer
	guard      IngestGuard
	cfg        Config
	logger     *zap.Logger

	wg sync.WaitGroup
}

// New creates a pipeline.
func New(store EmailStore, objects ObjectFetcher, dispatcher Dispatcher, confirmer Confirmer, cfg Config, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		objects:    objects,
		dispatcher: dispatcher,
		confirmer:  confirmer,
		cfg:        cfg,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// loaded is the raw material of one ingest.
type loaded struct {
	params db.IngestParams
	raw    []byte
}

// ProcessNotification ingests one SES receipt notification. raw is the
// notification document exactly as it arrived and is stored verbatim.
func (p *Pipeline) ProcessNotification(ctx context.Context, n *ses.Notification, raw []byte, source string) (*Result, error) {
	if !n.IsReceived() {
		return &Result{
			Status:  StatusIgnored,
			Message: fmt.Sprintf("notification type %q ignored", n.NotificationType),
		}, nil
	}

	messageID := n.Mail.MessageID
	if messageID == "" {
		return nil, errors.New("notification has no mail.messageId")
	}

	return p.ingest(ctx, messageID, source, func(ctx context.Context) (*loaded, error) {
		l := &loaded{params: db.IngestParams{
			MessageID: messageID,
			From:      n.Sender(),
			To:        n.Recipient(),
			Subject:   n.Subject(),
			RawData:   string(raw),
			Source:    source,
		}}

		if n.HasContent() {
			content, err := n.RawContent()
			if err != nil {
				return nil, err
			}
			l.raw = content
			return l, nil
		}

		bucket, key, ok := n.Location(p.cfg.Bucket, p.cfg.Prefix)
		if !ok {
			return nil, ErrNoLocation
		}
		l.params.S3Bucket = &bucket
		l.params.S3Key = &key

		content, err := p.fetch(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		l.raw = content
		return l, nil
	})
}

// IngestObject ingests a raw message stored by an S3 receipt action. The
// message id is the key with the inbound prefix removed, matching what the
// push path stores.
func (p *Pipeline) IngestObject(ctx context.Context, bucket, key, source string) (*Result, error) {
	messageID := ses.MessageIDFromKey(key, p.cfg.Prefix)
	if !objectstore.IsMessageKey(key) || messageID == "" {
		return &Result{Status: StatusIgnored, Message: fmt.Sprintf("key %q is not a message", key)}, nil
	}

	return p.ingest(ctx, messageID, source, func(ctx context.Context) (*loaded, error) {
		ref, err := ses.ObjectReference(bucket, key, p.cfg.Prefix)
		if err != nil {
			return nil, err
		}

		content, err := p.fetch(ctx, bucket, key)
		if err != nil {
			return nil, err
		}

		return &loaded{
			params: db.IngestParams{
				MessageID: messageID,
				RawData:   string(ref),
				S3Bucket:  &bucket,
				S3Key:     &key,
				Source:    source,
			},
			raw: content,
		}, nil
	})
}

func (p *Pipeline) fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	content, err := p.objects.Fetch(ctx, bucket, key)
	switch {
	case errors.Is(err, objectstore.ErrObjectNotFound):
		metrics.RecordObjectFetch("not_found")
	case err != nil:
		metrics.RecordObjectFetch("error")
	default:
		metrics.RecordObjectFetch("ok")
	}
	if err != nil {
		return nil, fmt.Errorf("fetch s3://%s/%s: %w", bucket, key, err)
	}
	return content, nil
}

// ingest runs the shared path: guard, load, decode, insert, then parse
// results and dispatch for newly created rows. Nothing is written when the
// raw message cannot be loaded, so a later push or sweep can retry.
func (p *Pipeline) ingest(ctx context.Context, messageID, source string, load func(context.Context) (*loaded, error)) (*Result, error) {
	log := p.logger.With(zap.String("message_id", messageID), zap.String("source", source))

	if p.guard != nil {
		cached, err := p.guard.CheckOrReserve(ctx, messageID)
		switch {
		case errors.Is(err, redis.ErrIngestInProgress):
			metrics.RecordIngestGuardHit()
			return &Result{
				Status:    StatusIgnored,
				Message:   "ingest already in progress",
				MessageID: messageID,
			}, nil
		case err != nil:
			log.Warn("ingest guard unavailable, relying on database", zap.Error(err))
		case cached != nil:
			metrics.RecordIngestGuardHit()
			return &Result{
				Status:      StatusProcessed,
				MessageID:   messageID,
				EmailID:     cached.EmailID,
				EmailStatus: cached.Status,
				Duplicate:   true,
			}, nil
		}
	}

	result, err := p.ingestLoaded(ctx, messageID, load, log)
	if p.guard != nil {
		if err != nil {
			if rerr := p.guard.Release(ctx, messageID); rerr != nil {
				log.Warn("failed to release ingest guard", zap.Error(rerr))
			}
		} else if result.EmailID != "" {
			if cerr := p.guard.Complete(ctx, messageID, &redis.IngestResult{
				EmailID: result.EmailID,
				Status:  result.EmailStatus,
			}); cerr != nil {
				log.Warn("failed to record ingest result", zap.Error(cerr))
			}
		}
	}
	return result, err
}

func (p *Pipeline) ingestLoaded(ctx context.Context, messageID string, load func(context.Context) (*loaded, error), log *zap.Logger) (*Result, error) {
	l, err := load(ctx)
	if err != nil {
		log.Error("failed to load raw message", zap.Error(err))
		return nil, err
	}
	l.params.RawEmail = l.raw

	parsed, decodeErr := mime.Decode(l.raw)
	if decodeErr == nil {
		if l.params.From == "" {
			l.params.From = parsed.From
		}
		if l.params.To == "" {
			l.params.To = parsed.To
		}
		if l.params.Subject == nil {
			l.params.Subject = parsed.Subject
		}
	}

	email, created, err := p.store.Ingest(ctx, l.params)
	if err != nil {
		return nil, fmt.Errorf("store inbound email: %w", err)
	}
	metrics.RecordIngest(l.params.Source, created)

	result := &Result{
		Status:      StatusProcessed,
		MessageID:   messageID,
		EmailID:     email.ID.String(),
		EmailStatus: email.Status,
		Duplicate:   !created,
	}
	if !created {
		log.Info("duplicate message, existing email returned", zap.String("email_id", email.ID.String()))
		return result, nil
	}

	if decodeErr != nil {
		reason := fmt.Sprintf("decode: %v", decodeErr)
		if err := p.store.MarkFailed(ctx, email.ID, reason); err != nil {
			return nil, fmt.Errorf("record decode failure: %w", err)
		}
		metrics.RecordEmailCompleted(db.EmailStatusFailed)
		result.EmailStatus = db.EmailStatusFailed
		result.Message = reason
		return result, nil
	}

	if err := p.saveParsed(ctx, email, parsed); err != nil {
		return nil, err
	}

	result.EmailStatus = p.dispatch(ctx, email)
	return result, nil
}

// saveParsed persists the decoded fields and copies them onto email so the
// dispatcher sees the same values that were stored.
func (p *Pipeline) saveParsed(ctx context.Context, email *db.InboundEmail, parsed *mime.Result) error {
	fields := parsedFields(parsed)
	if err := p.store.SaveParsed(ctx, email.ID, fields); err != nil {
		if merr := p.store.MarkFailed(ctx, email.ID, err.Error()); merr != nil {
			p.logger.Error("failed to mark email failed", zap.Error(merr))
		}
		return fmt.Errorf("save parsed email: %w", err)
	}

	if email.From == "" {
		email.From = fields.From
	}
	if email.To == "" {
		email.To = fields.To
	}
	if fields.Subject != nil {
		email.Subject = fields.Subject
	}
	email.BodyText = fields.BodyText
	email.BodyHTML = fields.BodyHTML
	email.HTMLSynthesized = fields.HTMLSynthesized
	email.Attachments = fields.Attachments
	email.Diagnostics = fields.Diagnostics
	email.Error = nil
	return nil
}

// dispatch delivers email and then marks it processed. It returns the email
// status as seen by the caller: pending while a background dispatch runs.
func (p *Pipeline) dispatch(ctx context.Context, email *db.InboundEmail) string {
	if p.cfg.SyncDispatch {
		return p.runDispatch(ctx, email)
	}

	// The request context ends with the HTTP response; the dispatch must not.
	bg := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runDispatch(bg, email)
	}()
	return db.EmailStatusPending
}

func (p *Pipeline) runDispatch(ctx context.Context, email *db.InboundEmail) string {
	log := p.logger.With(zap.String("email_id", email.ID.String()))

	if _, err := p.dispatcher.Dispatch(ctx, email); err != nil {
		log.Error("dispatch failed", zap.Error(err))
		if merr := p.store.MarkFailed(ctx, email.ID, fmt.Sprintf("dispatch: %v", err)); merr != nil {
			log.Error("failed to mark email failed", zap.Error(merr))
		}
		metrics.RecordEmailCompleted(db.EmailStatusFailed)
		return db.EmailStatusFailed
	}

	if err := p.store.MarkProcessed(ctx, email.ID); err != nil {
		log.Error("failed to mark email processed", zap.Error(err))
		return db.EmailStatusPending
	}
	metrics.RecordEmailCompleted(db.EmailStatusProcessed)
	return db.EmailStatusProcessed
}

// Reparse re-derives the decoded fields of an email from its stored raw
// message, or from the stored notification when no raw message was kept.
// raw_data is never modified. An email that had failed, or that never left
// pending, is dispatched once the new decode succeeds. Subscriptions that
// already hold a delivery row for it are skipped by the dispatcher, and
// processed emails are not delivered again.
func (p *Pipeline) Reparse(ctx context.Context, id uuid.UUID) (*db.InboundEmail, error) {
	email, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	raw := email.RawEmail
	if len(raw) == 0 {
		raw, err = p.rawFromStoredData(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("load raw message: %w", err)
		}
	}

	parsed, err := mime.Decode(raw)
	if err != nil {
		reason := fmt.Sprintf("decode: %v", err)
		if merr := p.store.MarkFailed(ctx, id, reason); merr != nil {
			p.logger.Error("failed to mark email failed", zap.Error(merr))
		}
		return nil, fmt.Errorf("reparse %s: %w", id, err)
	}

	undelivered := email.Status == db.EmailStatusFailed || email.Status == db.EmailStatusPending
	email.RawEmail = raw
	if err := p.saveParsed(ctx, email, parsed); err != nil {
		return nil, err
	}

	p.logger.Info("email reparsed",
		zap.String("email_id", id.String()),
		zap.Int("attachments", len(parsed.Attachments)),
		zap.Int("diagnostics", len(parsed.Diagnostics)),
	)

	if undelivered {
		p.dispatch(ctx, email)
	}

	return p.store.Get(ctx, id)
}

func (p *Pipeline) rawFromStoredData(ctx context.Context, email *db.InboundEmail) ([]byte, error) {
	if email.S3Bucket != nil && email.S3Key != nil {
		return p.fetch(ctx, *email.S3Bucket, *email.S3Key)
	}

	n, err := ses.ParseNotification([]byte(email.RawData))
	if err != nil {
		return nil, err
	}
	if n.HasContent() {
		return n.RawContent()
	}

	bucket, key, ok := n.Location(p.cfg.Bucket, p.cfg.Prefix)
	if !ok {
		return nil, ErrNoLocation
	}
	return p.fetch(ctx, bucket, key)
}

// Drain waits for background dispatches to finish or ctx to end.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parsedFields(r *mime.Result) db.ParsedFields {
	f := db.ParsedFields{
		From:            r.From,
		To:              r.To,
		Subject:         r.Subject,
		BodyText:        r.BodyText,
		BodyHTML:        r.BodyHTML,
		HTMLSynthesized: r.HTMLSynthesized,
		Attachments:     make([]db.Attachment, 0, len(r.Attachments)),
		Diagnostics:     make([]db.Diagnostic, 0, len(r.Diagnostics)),
	}
	for _, a := range r.Attachments {
		f.Attachments = append(f.Attachments, db.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}
	for _, d := range r.Diagnostics {
		f.Diagnostics = append(f.Diagnostics, db.Diagnostic{
			PartID:      d.PartID,
			ContentType: d.ContentType,
			Message:     d.Message,
			Severe:      d.Severe,
		})
	}
	return f
}
