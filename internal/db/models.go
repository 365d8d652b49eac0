package db

import (
	"time"

	"github.com/google/uuid"
)

// InboundEmail is one ingested message. RawData is the provider notification
// exactly as received and is never updated after insert.
type InboundEmail struct {
	ID              uuid.UUID    `json:"id"`
	MessageID       string       `json:"messageId"`
	From            string       `json:"from"`
	To              string       `json:"to"`
	Subject         *string      `json:"subject"`
	BodyText        string       `json:"bodyText"`
	BodyHTML        *string      `json:"bodyHtml"`
	HTMLSynthesized bool         `json:"bodyHtmlSynthesized"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Diagnostics     []Diagnostic `json:"decodeDiagnostics,omitempty"`
	Status          string       `json:"status"`
	Error           *string      `json:"error"`
	Source          string       `json:"source"`
	S3Bucket        *string      `json:"s3Bucket,omitempty"`
	S3Key           *string      `json:"s3Key,omitempty"`
	RawData         string       `json:"rawData,omitempty"`
	RawEmail        []byte       `json:"-"`
	ReceivedAt      time.Time    `json:"receivedAt"`
	ProcessedAt     *time.Time   `json:"processedAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Attachment is stored as raw decoded bytes in a BYTEA column.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

// Diagnostic is one per-part decode problem, persisted as JSONB.
type Diagnostic struct {
	PartID      string `json:"partId"`
	ContentType string `json:"contentType,omitempty"`
	Message     string `json:"message"`
	Severe      bool   `json:"severe"`
}

// Inbound email status constants
const (
	EmailStatusPending   = "pending"
	EmailStatusProcessed = "processed"
	EmailStatusFailed    = "failed"
)

// Ingestion path that created the row.
const (
	SourcePush      = "push"
	SourceObject    = "object"
	SourceReconcile = "reconcile"
	SourceQueue     = "queue"
)

// WebhookSubscription is one downstream consumer registration.
type WebhookSubscription struct {
	ID                uuid.UUID  `json:"id"`
	ServiceName       string     `json:"serviceName"`
	WebhookURL        string     `json:"webhookUrl"`
	Secret            *string    `json:"-"`
	Filters           Filters    `json:"filters"`
	Status            string     `json:"status"`
	RetryCount        int        `json:"retryCount"`
	MaxRetries        int        `json:"maxRetries"`
	DeliveryTimeoutMs int64      `json:"deliveryTimeoutMs"`
	LastDeliveryAt    *time.Time `json:"lastDeliveryAt"`
	LastErrorAt       *time.Time `json:"lastErrorAt"`
	LastError         *string    `json:"lastError"`
	TotalDeliveries   int64      `json:"totalDeliveries"`
	TotalFailures     int64      `json:"totalFailures"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// DeliveryTimeout returns the per-attempt timeout as a duration.
func (s *WebhookSubscription) DeliveryTimeout() time.Duration {
	return time.Duration(s.DeliveryTimeoutMs) * time.Millisecond
}

// Filters is the optional predicate of a subscription. Empty lists match
// everything; a nil SubjectPattern matches everything.
type Filters struct {
	To             []string `json:"to,omitempty"`
	From           []string `json:"from,omitempty"`
	SubjectPattern *string  `json:"subjectPattern,omitempty"`
}

// Subscription status constants
const (
	SubscriptionActive    = "active"
	SubscriptionInactive  = "inactive"
	SubscriptionSuspended = "suspended"
)

// WebhookDelivery is the outcome of forwarding one email to one subscription.
type WebhookDelivery struct {
	ID             uuid.UUID  `json:"id"`
	InboundEmailID uuid.UUID  `json:"inboundEmailId"`
	SubscriptionID uuid.UUID  `json:"subscriptionId"`
	Status         string     `json:"status"`
	HTTPStatus     *int       `json:"httpStatus"`
	DeliveredAt    *time.Time `json:"deliveredAt"`
	TicketID       *string    `json:"ticketId"`
	CommentID      *string    `json:"commentId"`
	Error          *string    `json:"error"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// UndeliveredDelivery is a sent delivery older than its subscription's
// timeout, joined with the subscription details operators need.
type UndeliveredDelivery struct {
	WebhookDelivery
	ServiceName       string `json:"serviceName"`
	WebhookURL        string `json:"webhookUrl"`
	DeliveryTimeoutMs int64  `json:"deliveryTimeoutMs"`
}

// Delivery status constants
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)
