// Package mime turns raw RFC 5322 messages into the fields stored on an
// inbound email. Multipart splitting, transfer decoding and charset
// conversion are delegated to enmime; this package decides what each leaf
// part becomes and keeps going when a single part is broken.
package mime

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/jhillyerd/enmime"
)

var (
	// ErrEmptyMessage is returned for a nil or whitespace-only message.
	ErrEmptyMessage = errors.New("mime: empty message")

	// ErrUnreadable means the message envelope itself could not be parsed.
	// Individual broken parts never produce this error.
	ErrUnreadable = errors.New("mime: unreadable message")
)

// Attachment is one decoded attachment. Content holds the raw decoded bytes.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

// Diagnostic records a problem with one MIME part.
type Diagnostic struct {
	PartID      string `json:"partId"`
	ContentType string `json:"contentType,omitempty"`
	Message     string `json:"message"`
	Severe      bool   `json:"severe"`
}

// Result is the structured form of a decoded message.
type Result struct {
	Headers         map[string][]string
	From            string
	To              string
	Subject         *string
	BodyText        string
	BodyHTML        *string
	HTMLSynthesized bool
	Attachments     []Attachment
	Diagnostics     []Diagnostic
}

// PartResult is the outcome of decoding one leaf part. When Err is set the
// part contributes empty content and the error is kept as a diagnostic.
type PartResult struct {
	Part *enmime.Part
	Err  error
}

// Decode parses a complete message (headers and body).
func Decode(raw []byte) (*Result, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	res := &Result{
		Headers: make(map[string][]string),
		From:    firstAddress(env, "From"),
		To:      firstAddress(env, "To"),
	}

	for _, key := range env.GetHeaderKeys() {
		res.Headers[key] = env.GetHeaderValues(key)
	}

	if subject := env.GetHeader("Subject"); subject != "" {
		res.Subject = &subject
	}

	if env.Root != nil {
		res.collect(env.Root)
	}

	if res.BodyHTML == nil {
		synth := SynthesizeHTML(res.BodyText)
		res.BodyHTML = &synth
		res.HTMLSynthesized = true
	}

	return res, nil
}

// DecodeBody decodes a message body whose Content-Type arrived separately,
// e.g. from a transport header.
func DecodeBody(contentType string, body []byte) (*Result, error) {
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}

	var buf bytes.Buffer
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: " + contentType + "\r\n\r\n")
	buf.Write(body)

	return Decode(buf.Bytes())
}

// SynthesizeHTML derives an HTML body from plain text by escaping it and
// turning every line break into a <br> marker.
func SynthesizeHTML(text string) string {
	escaped := html.EscapeString(strings.ReplaceAll(text, "\r\n", "\n"))
	return strings.ReplaceAll(escaped, "\n", "<br>\n")
}

func (r *Result) collect(root *enmime.Part) {
	var texts, htmls []string

	for _, pr := range walkLeaves(root, r) {
		p := pr.Part
		if pr.Err != nil {
			r.Diagnostics = append(r.Diagnostics, Diagnostic{
				PartID:      p.PartID,
				ContentType: p.ContentType,
				Message:     pr.Err.Error(),
				Severe:      true,
			})
		}

		content := p.Content
		if pr.Err != nil {
			content = nil
		}

		switch {
		case isAttachment(p):
			r.Attachments = append(r.Attachments, Attachment{
				Filename:    attachmentName(p),
				ContentType: p.ContentType,
				Content:     nonNil(content),
			})
		case strings.EqualFold(p.ContentType, "text/html"):
			htmls = append(htmls, string(content))
		case p.ContentType == "" || strings.EqualFold(p.ContentType, "text/plain"):
			texts = append(texts, string(content))
		case strings.HasPrefix(strings.ToLower(p.ContentType), "multipart/"):
			// A multipart container without children: the boundary was never found.
			r.Diagnostics = append(r.Diagnostics, Diagnostic{
				PartID:      p.PartID,
				ContentType: p.ContentType,
				Message:     "multipart part has no child parts",
			})
		default:
			r.Attachments = append(r.Attachments, Attachment{
				Filename:    attachmentName(p),
				ContentType: p.ContentType,
				Content:     nonNil(content),
			})
		}
	}

	r.BodyText = joinNonEmpty(texts)
	if len(htmls) > 0 {
		h := joinNonEmpty(htmls)
		r.BodyHTML = &h
	}
}

// walkLeaves visits the part tree depth-first and returns one PartResult per
// leaf. Non-severe parser complaints on any part are recorded on r.
func walkLeaves(p *enmime.Part, r *Result) []PartResult {
	var out []PartResult

	for ; p != nil; p = p.NextSibling {
		var severe error
		for _, perr := range p.Errors {
			if perr == nil {
				continue
			}
			if perr.Severe && p.FirstChild == nil {
				if severe == nil {
					severe = perr
				}
				continue
			}
			r.Diagnostics = append(r.Diagnostics, Diagnostic{
				PartID:      p.PartID,
				ContentType: p.ContentType,
				Message:     perr.Error(),
				Severe:      perr.Severe,
			})
		}

		if p.FirstChild != nil {
			out = append(out, walkLeaves(p.FirstChild, r)...)
			continue
		}

		out = append(out, PartResult{Part: p, Err: severe})
	}

	return out
}

func isAttachment(p *enmime.Part) bool {
	return strings.EqualFold(p.Disposition, "attachment") || p.FileName != ""
}

func attachmentName(p *enmime.Part) string {
	if p.FileName != "" {
		return p.FileName
	}
	id := p.PartID
	if id == "" {
		id = "0"
	}
	return "part-" + id
}

func firstAddress(env *enmime.Envelope, key string) string {
	list, err := env.AddressList(key)
	if err == nil && len(list) > 0 {
		return list[0].Address
	}
	return strings.TrimSpace(env.GetHeader(key))
}

func joinNonEmpty(parts []string) string {
	kept := parts[:0:0]
	for _, s := range parts {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n")
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
