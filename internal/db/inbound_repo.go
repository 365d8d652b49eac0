package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// InboundRepository persists inbound emails and their attachments.
type InboundRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewInboundRepository creates a new inbound email repository
func NewInboundRepository(db DBTX, logger *zap.Logger) *InboundRepository {
	return &InboundRepository{
		db:     db,
		logger: logger,
	}
}

// IngestParams describes a new inbound email before decoding.
type IngestParams struct {
	MessageID string
	From      string
	To        string
	Subject   *string
	RawData   string
	RawEmail  []byte
	S3Bucket  *string
	S3Key     *string
	Source    string
}

// ParsedFields are the columns derived from the MIME source.
type ParsedFields struct {
	From            string
	To              string
	Subject         *string
	BodyText        string
	BodyHTML        *string
	HTMLSynthesized bool
	Attachments     []Attachment
	Diagnostics     []Diagnostic
}

// EmailFilter narrows List results.
type EmailFilter struct {
	Limit     int
	Offset    int
	To        string   // case-insensitive contains match on the recipient
	ExcludeTo []string // exact recipients to leave out, case-insensitive
	Status    string
}

const emailColumns = `
	id, message_id, from_address, to_address, subject,
	body_text, body_html, body_html_synthesized, decode_diagnostics,
	status, error, source, s3_bucket, s3_key, raw_data, raw_email,
	received_at, processed_at, updated_at`

// Same shape as emailColumns with the raw payloads blanked, for listings.
const emailListColumns = `
	id, message_id, from_address, to_address, subject,
	body_text, body_html, body_html_synthesized, decode_diagnostics,
	status, error, source, s3_bucket, s3_key, '' AS raw_data, NULL::bytea AS raw_email,
	received_at, processed_at, updated_at`

func scanEmail(row pgx.Row) (*InboundEmail, error) {
	var e InboundEmail
	err := row.Scan(
		&e.ID,
		&e.MessageID,
		&e.From,
		&e.To,
		&e.Subject,
		&e.BodyText,
		&e.BodyHTML,
		&e.HTMLSynthesized,
		&e.Diagnostics,
		&e.Status,
		&e.Error,
		&e.Source,
		&e.S3Bucket,
		&e.S3Key,
		&e.RawData,
		&e.RawEmail,
		&e.ReceivedAt,
		&e.ProcessedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Ingest inserts a pending email keyed by its provider message id. When a row
// for the message id already exists it is returned unchanged and created is
// false. Uniqueness is enforced by the message_id constraint, so concurrent
// ingests of the same message converge on one row.
func (r *InboundRepository) Ingest(ctx context.Context, p IngestParams) (*InboundEmail, bool, error) {
	if p.MessageID == "" {
		return nil, false, errors.New("ingest: message id is required")
	}
	if p.Source == "" {
		p.Source = SourcePush
	}

	query := `
		INSERT INTO inbound_emails (
			message_id, from_address, to_address, subject,
			raw_data, raw_email, s3_bucket, s3_key, source
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (message_id) DO NOTHING
		RETURNING ` + emailColumns

	email, err := scanEmail(r.db.QueryRow(ctx, query,
		p.MessageID,
		p.From,
		p.To,
		p.Subject,
		p.RawData,
		p.RawEmail,
		p.S3Bucket,
		p.S3Key,
		p.Source,
	))

	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := r.GetByMessageID(ctx, p.MessageID)
		if err != nil {
			return nil, false, fmt.Errorf("load existing email: %w", err)
		}
		r.logger.Debug("inbound email already ingested",
			zap.String("message_id", p.MessageID),
			zap.String("email_id", existing.ID.String()),
		)
		return existing, false, nil
	}

	if err != nil {
		r.logger.Error("failed to ingest inbound email",
			zap.Error(err),
			zap.String("message_id", p.MessageID),
		)
		return nil, false, fmt.Errorf("insert inbound email: %w", err)
	}

	r.logger.Info("inbound email ingested",
		zap.String("email_id", email.ID.String()),
		zap.String("message_id", p.MessageID),
		zap.String("source", p.Source),
	)

	return email, true, nil
}

// SaveParsed overwrites every derived column and replaces the attachment rows
// in one statement. raw_data is never touched. The error column is cleared
// because a successful decode supersedes any earlier failure.
func (r *InboundRepository) SaveParsed(ctx context.Context, id uuid.UUID, f ParsedFields) error {
	diags := f.Diagnostics
	if diags == nil {
		diags = []Diagnostic{}
	}

	names := make([]string, len(f.Attachments))
	types := make([]string, len(f.Attachments))
	contents := make([][]byte, len(f.Attachments))
	for i, a := range f.Attachments {
		names[i] = a.Filename
		types[i] = a.ContentType
		contents[i] = a.Content
		if contents[i] == nil {
			contents[i] = []byte{}
		}
	}

	query := `
		WITH updated AS (
			UPDATE inbound_emails SET
				from_address = COALESCE(NULLIF($2::text, ''), from_address),
				to_address = CASE WHEN to_address = '' THEN $3::text ELSE to_address END,
				subject = COALESCE($4, subject),
				body_text = $5,
				body_html = $6,
				body_html_synthesized = $7,
				decode_diagnostics = $8,
				error = NULL,
				updated_at = NOW()
			WHERE id = $1
			RETURNING id
		), cleared AS (
			DELETE FROM inbound_email_attachments
			WHERE inbound_email_id IN (SELECT id FROM updated)
		), inserted AS (
			INSERT INTO inbound_email_attachments (
				inbound_email_id, position, filename, content_type, content
			)
			SELECT u.id, a.ord - 1, a.filename, a.content_type, a.content
			FROM updated u,
				unnest($9::text[], $10::text[], $11::bytea[])
				WITH ORDINALITY AS a(filename, content_type, content, ord)
		)
		SELECT COUNT(*) FROM updated
	`

	var n int
	err := r.db.QueryRow(ctx, query,
		id,
		f.From,
		f.To,
		f.Subject,
		f.BodyText,
		f.BodyHTML,
		f.HTMLSynthesized,
		diags,
		names,
		types,
		contents,
	).Scan(&n)
	if err != nil {
		r.logger.Error("failed to save parsed email",
			zap.Error(err),
			zap.String("email_id", id.String()),
		)
		return fmt.Errorf("save parsed email: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("inbound email %s: %w", id, ErrNotFound)
	}

	return nil
}

// MarkFailed records a pipeline failure on the email.
func (r *InboundRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE inbound_emails
		SET status = 'failed', error = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("mark email failed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("inbound email %s: %w", id, ErrNotFound)
	}

	r.logger.Warn("inbound email marked failed",
		zap.String("email_id", id.String()),
		zap.String("reason", reason),
	)

	return nil
}

// MarkProcessed records that dispatch finished for every matching subscription.
func (r *InboundRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE inbound_emails
		SET status = 'processed', processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark email processed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("inbound email %s: %w", id, ErrNotFound)
	}

	return nil
}

// Get loads one email with its attachments.
func (r *InboundRepository) Get(ctx context.Context, id uuid.UUID) (*InboundEmail, error) {
	query := `SELECT ` + emailColumns + ` FROM inbound_emails WHERE id = $1`

	email, err := scanEmail(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("inbound email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query inbound email: %w", err)
	}

	email.Attachments, err = r.ListAttachments(ctx, id)
	if err != nil {
		return nil, err
	}

	return email, nil
}

// GetByMessageID loads an email by provider message id, without attachments.
func (r *InboundRepository) GetByMessageID(ctx context.Context, messageID string) (*InboundEmail, error) {
	query := `SELECT ` + emailColumns + ` FROM inbound_emails WHERE message_id = $1`

	email, err := scanEmail(r.db.QueryRow(ctx, query, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("inbound email with message id %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query inbound email by message id: %w", err)
	}

	return email, nil
}

// ListAttachments returns attachments in their original MIME order.
func (r *InboundRepository) ListAttachments(ctx context.Context, emailID uuid.UUID) ([]Attachment, error) {
	query := `
		SELECT filename, content_type, content
		FROM inbound_email_attachments
		WHERE inbound_email_id = $1
		ORDER BY position
	`

	rows, err := r.db.Query(ctx, query, emailID)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	var attachments []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.Filename, &a.ContentType, &a.Content); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}

	return attachments, nil
}

// List returns emails newest first. Raw payloads and attachments are omitted.
func (r *InboundRepository) List(ctx context.Context, f EmailFilter) ([]*InboundEmail, error) {
	var (
		conds []string
		args  []any
	)

	if f.To != "" {
		args = append(args, f.To)
		conds = append(conds, fmt.Sprintf("to_address ILIKE '%%' || $%d || '%%'", len(args)))
	}

	if len(f.ExcludeTo) > 0 {
		lowered := make([]string, len(f.ExcludeTo))
		for i, addr := range f.ExcludeTo {
			lowered[i] = strings.ToLower(strings.TrimSpace(addr))
		}
		args = append(args, lowered)
		conds = append(conds, fmt.Sprintf("NOT (lower(to_address) = ANY($%d))", len(args)))
	}

	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + emailListColumns + ` FROM inbound_emails`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}

	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY received_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query inbound emails: %w", err)
	}
	defer rows.Close()

	var emails []*InboundEmail
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inbound email: %w", err)
		}
		emails = append(emails, email)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return emails, nil
}

// ListStalePending returns the ids of emails still pending that were last
// updated before the cutoff, oldest first.
func (r *InboundRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id
		FROM inbound_emails
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, EmailStatusPending, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale pending emails: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan email id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale pending emails: %w", err)
	}

	return ids, nil
}

// FindExistingKeys returns the subset of object keys already represented by
// an inbound email, either through the s3_key column or because the key with
// prefix removed ends in a stored message id. The id rule matches
// ses.MessageIDFromKey.
func (r *InboundRepository) FindExistingKeys(ctx context.Context, prefix string, keys []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(keys) == 0 {
		return existing, nil
	}

	query := `
		SELECT k
		FROM unnest($1::text[]) AS k
		WHERE EXISTS (
			SELECT 1 FROM inbound_emails e
			WHERE e.s3_key = k
			   OR e.message_id = regexp_replace(
					CASE
						WHEN $2 <> '' AND length(k) > length($2) AND left(k, length($2)) = $2
						THEN substr(k, length($2) + 1)
						ELSE k
					END,
					'^.*/', '')
		)
	`

	rows, err := r.db.Query(ctx, query, keys, prefix)
	if err != nil {
		return nil, fmt.Errorf("query existing keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		existing[key] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}

	return existing, nil
}
