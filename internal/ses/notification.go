// Package ses models Amazon SES inbound ("Received") notifications and the
// receipt rule configuration that decides where raw messages are stored.
package ses

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// NotificationTypeReceived is the only notification type that carries mail.
const NotificationTypeReceived = "Received"

// ErrNoContent is returned by Content when the notification did not inline
// the message and it has to be fetched from object storage.
var ErrNoContent = errors.New("ses: notification has no inline content")

// Notification is the SES receipt notification published for inbound mail.
type Notification struct {
	NotificationType string  `json:"notificationType"`
	Mail             Mail    `json:"mail"`
	Receipt          Receipt `json:"receipt"`
	Content          string  `json:"content,omitempty"`
}

type Mail struct {
	Timestamp        string        `json:"timestamp"`
	Source           string        `json:"source"`
	MessageID        string        `json:"messageId"`
	Destination      []string      `json:"destination"`
	HeadersTruncated bool          `json:"headersTruncated"`
	Headers          []Header      `json:"headers,omitempty"`
	CommonHeaders    CommonHeaders `json:"commonHeaders"`
}

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type CommonHeaders struct {
	From      []string `json:"from,omitempty"`
	To        []string `json:"to,omitempty"`
	Subject   *string  `json:"subject,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
	Date      string   `json:"date,omitempty"`
}

type Receipt struct {
	Timestamp            string   `json:"timestamp"`
	ProcessingTimeMillis int64    `json:"processingTimeMillis"`
	Recipients           []string `json:"recipients"`
	SpamVerdict          *Verdict `json:"spamVerdict,omitempty"`
	VirusVerdict         *Verdict `json:"virusVerdict,omitempty"`
	Action               Action   `json:"action"`
}

type Verdict struct {
	Status string `json:"status"`
}

// Action is the receipt rule action that produced the notification.
type Action struct {
	Type            string `json:"type"`
	TopicARN        string `json:"topicArn,omitempty"`
	Encoding        string `json:"encoding,omitempty"`
	BucketName      string `json:"bucketName,omitempty"`
	ObjectKeyPrefix string `json:"objectKeyPrefix,omitempty"`
	ObjectKey       string `json:"objectKey,omitempty"`
}

// ParseNotification decodes a provider notification and checks the fields the
// pipeline depends on.
func ParseNotification(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decode ses notification: %w", err)
	}
	if n.NotificationType == "" {
		return nil, errors.New("ses notification: missing notificationType")
	}
	if n.NotificationType == NotificationTypeReceived && n.Mail.MessageID == "" {
		return nil, errors.New("ses notification: missing mail.messageId")
	}
	return &n, nil
}

// IsReceived reports whether the notification announces new inbound mail.
func (n *Notification) IsReceived() bool {
	return n.NotificationType == NotificationTypeReceived
}

// HasContent reports whether the raw message was inlined.
func (n *Notification) HasContent() bool {
	return n.Content != ""
}

// RawContent returns the inlined raw message. SNS actions publish it base64
// encoded unless the rule asked for UTF8; when the encoding is not stated the
// value is treated as base64 if it decodes cleanly.
func (n *Notification) RawContent() ([]byte, error) {
	if n.Content == "" {
		return nil, ErrNoContent
	}

	switch strings.ToUpper(n.Receipt.Action.Encoding) {
	case "UTF8", "UTF-8":
		return []byte(n.Content), nil
	case "BASE64":
		b, err := base64.StdEncoding.DecodeString(n.Content)
		if err != nil {
			return nil, fmt.Errorf("decode base64 content: %w", err)
		}
		return b, nil
	}

	if b, err := base64.StdEncoding.DecodeString(n.Content); err == nil {
		return b, nil
	}
	return []byte(n.Content), nil
}

// Recipient is the single address the receipt rule matched.
func (n *Notification) Recipient() string {
	if len(n.Receipt.Recipients) > 0 {
		return n.Receipt.Recipients[0]
	}
	if len(n.Mail.Destination) > 0 {
		return n.Mail.Destination[0]
	}
	return ""
}

// Sender prefers the From header over the envelope sender.
func (n *Notification) Sender() string {
	if len(n.Mail.CommonHeaders.From) > 0 {
		return n.Mail.CommonHeaders.From[0]
	}
	return n.Mail.Source
}

// Subject is nil when the message had no Subject header.
func (n *Notification) Subject() *string {
	return n.Mail.CommonHeaders.Subject
}

// Location returns where the raw message is stored. The S3 receipt action
// names it directly; otherwise the object is assumed to live at
// fallbackBucket/prefix+messageId, which is how the S3 action names objects.
func (n *Notification) Location(fallbackBucket, prefix string) (bucket, key string, ok bool) {
	a := n.Receipt.Action
	if strings.EqualFold(a.Type, "S3") && a.BucketName != "" {
		key = a.ObjectKey
		if key == "" {
			key = a.ObjectKeyPrefix + n.Mail.MessageID
		}
		return a.BucketName, key, true
	}

	if fallbackBucket == "" || n.Mail.MessageID == "" {
		return "", "", false
	}
	return fallbackBucket, prefix + n.Mail.MessageID, true
}

// MessageIDFromKey derives the message id from an object key written by an
// S3 receipt action, which stores objects at prefix + messageId. The prefix
// need not end in a slash, so it is stripped before taking the basename.
func MessageIDFromKey(key, prefix string) string {
	if prefix != "" {
		if rest, ok := strings.CutPrefix(key, prefix); ok && rest != "" {
			key = rest
		}
	}
	return path.Base(key)
}

// ObjectReference builds the provider-shaped document stored as rawData for
// emails that were ingested from an object rather than a push notification.
func ObjectReference(bucket, key, prefix string) ([]byte, error) {
	n := Notification{
		NotificationType: NotificationTypeReceived,
		Mail: Mail{
			MessageID: MessageIDFromKey(key, prefix),
		},
		Receipt: Receipt{
			Action: Action{
				Type:       "S3",
				BucketName: bucket,
				ObjectKey:  key,
			},
		},
	}
	return json.Marshal(n)
}
