// Package sns handles the SNS side of inbound mail: decoding HTTP push
// deliveries into one tagged type, confirming subscriptions, and publishing
// operator alerts.
package sns

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lalithlochan/mailhook/internal/ses"
)

// Kind discriminates what an SNS HTTP delivery carries.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfirmation
	KindNotification
	KindUnsubscribe
)

func (k Kind) String() string {
	switch k {
	case KindConfirmation:
		return "SubscriptionConfirmation"
	case KindNotification:
		return "Notification"
	case KindUnsubscribe:
		return "UnsubscribeConfirmation"
	default:
		return "Unknown"
	}
}

// SNS message type values, as sent in the Type field and the
// x-amz-sns-message-type header.
const (
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeNotification             = "Notification"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

const (
	headerMessageType = "x-amz-sns-message-type"
	headerRawDelivery = "x-amz-sns-rawdelivery"
	headerTopicARN    = "x-amz-sns-topic-arn"
	headerMessageID   = "x-amz-sns-message-id"
)

// ErrEmptyBody is returned for a missing or blank request body.
var ErrEmptyBody = errors.New("sns: empty request body")

// Envelope is the JSON document SNS posts to HTTP subscribers.
type Envelope struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	Token            string `json:"Token,omitempty"`
	TopicARN         string `json:"TopicArn"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion,omitempty"`
	Signature        string `json:"Signature,omitempty"`
	SigningCertURL   string `json:"SigningCertURL,omitempty"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
	UnsubscribeURL   string `json:"UnsubscribeURL,omitempty"`
}

// Inbound is a decoded push delivery. Message holds the inner payload: the
// envelope's Message for wrapped deliveries or the whole body for raw ones.
type Inbound struct {
	Kind     Kind
	Raw      bool
	Envelope *Envelope
	Message  []byte
}

// TopicARN returns the topic the delivery came from, when known.
func (in *Inbound) TopicARN() string {
	if in.Envelope != nil {
		return in.Envelope.TopicARN
	}
	return ""
}

// SES parses Message as an SES receipt notification.
func (in *Inbound) SES() (*ses.Notification, error) {
	if in.Kind != KindNotification {
		return nil, fmt.Errorf("sns: %s carries no notification", in.Kind)
	}
	return ses.ParseNotification(in.Message)
}

type wireShape struct {
	Type             string          `json:"Type"`
	SubscribeURL     string          `json:"SubscribeURL"`
	NotificationType string          `json:"notificationType"`
	Records          json.RawMessage `json:"Records"`
}

// Decode classifies one HTTP push delivery. Raw message delivery is detected
// from the x-amz-sns-rawdelivery header or from a body that carries a
// provider notification with no envelope Type.
func Decode(header http.Header, body []byte) (*Inbound, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}

	var p wireShape
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("sns: malformed body: %w", err)
	}

	if strings.EqualFold(header.Get(headerRawDelivery), "true") ||
		(p.Type == "" && (p.NotificationType != "" || len(p.Records) > 0)) {
		return &Inbound{
			Kind:    KindNotification,
			Raw:     true,
			Message: body,
			Envelope: &Envelope{
				Type:      TypeNotification,
				TopicARN:  header.Get(headerTopicARN),
				MessageID: header.Get(headerMessageID),
			},
		}, nil
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("sns: malformed envelope: %w", err)
	}

	msgType := env.Type
	if msgType == "" {
		msgType = header.Get(headerMessageType)
	}

	in := &Inbound{Envelope: &env, Message: []byte(env.Message)}

	switch {
	case msgType == TypeSubscriptionConfirmation || (msgType == "" && env.SubscribeURL != ""):
		in.Kind = KindConfirmation
	case msgType == TypeNotification:
		in.Kind = KindNotification
	case msgType == TypeUnsubscribeConfirmation:
		in.Kind = KindUnsubscribe
	default:
		in.Kind = KindUnknown
	}

	return in, nil
}
