package delivery

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/mailhook/internal/db"
)

// Payload is the JSON body POSTed to every matching subscription.
type Payload struct {
	InboundEmailID      uuid.UUID           `json:"inboundEmailId"`
	MessageID           string              `json:"messageId"`
	From                string              `json:"from"`
	To                  string              `json:"to"`
	Subject             *string             `json:"subject"`
	BodyText            string              `json:"bodyText"`
	BodyHTML            *string             `json:"bodyHtml"`
	BodyHTMLSynthesized bool                `json:"bodyHtmlSynthesized"`
	Attachments         []PayloadAttachment `json:"attachments"`
	DecodeDiagnostics   []db.Diagnostic     `json:"decodeDiagnostics,omitempty"`
	RawContent          string              `json:"rawContent,omitempty"`
	ReceivedAt          time.Time           `json:"receivedAt"`
}

// PayloadAttachment carries attachment bytes as standard base64.
type PayloadAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	Content     string `json:"content"`
}

// NewPayload builds the webhook body for email. Attachments and the raw
// MIME source are base64 encoded here; storage keeps raw bytes.
func NewPayload(email *db.InboundEmail) Payload {
	p := Payload{
		InboundEmailID:      email.ID,
		MessageID:           email.MessageID,
		From:                email.From,
		To:                  email.To,
		Subject:             email.Subject,
		BodyText:            email.BodyText,
		BodyHTML:            email.BodyHTML,
		BodyHTMLSynthesized: email.HTMLSynthesized,
		Attachments:         make([]PayloadAttachment, 0, len(email.Attachments)),
		DecodeDiagnostics:   email.Diagnostics,
		ReceivedAt:          email.ReceivedAt,
	}

	for _, a := range email.Attachments {
		p.Attachments = append(p.Attachments, PayloadAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        len(a.Content),
			Content:     base64.StdEncoding.EncodeToString(a.Content),
		})
	}

	if len(email.RawEmail) > 0 {
		p.RawContent = base64.StdEncoding.EncodeToString(email.RawEmail)
	}

	return p
}

// Marshal encodes the payload.
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}
