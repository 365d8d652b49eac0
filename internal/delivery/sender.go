package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Delivery request headers.
const (
	HeaderEmailID        = "X-Inbound-Email-ID"
	HeaderSubscriptionID = "X-Subscription-ID"
	HeaderSignature      = "X-Webhook-Signature"
)

// ErrTimeout marks a request that hit its per-attempt deadline.
var ErrTimeout = errors.New("webhook timed out")

// Sender POSTs payloads to subscriber endpoints.
type Sender struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
	now       func() time.Time
}

// SenderConfig configures the HTTP sender.
type SenderConfig struct {
	UserAgent string
	// Transport overrides the default transport, mainly for tests.
	Transport http.RoundTripper
}

// NewSender creates a webhook sender. Deadlines come from the request
// context, one per subscription, so the client itself has no timeout.
func NewSender(logger *zap.Logger, cfg SenderConfig) *Sender {
	ua := cfg.UserAgent
	if ua == "" {
		ua = "Mailhook/1.0"
	}

	client := &http.Client{}
	if cfg.Transport != nil {
		client.Transport = cfg.Transport
	}

	return &Sender{
		client:    client,
		userAgent: ua,
		logger:    logger,
		now:       time.Now,
	}
}

// Request is one webhook attempt.
type Request struct {
	URL            string
	Body           []byte
	Secret         *string
	EmailID        string
	SubscriptionID string
	Timeout        time.Duration
}

// Response describes what the endpoint answered.
type Response struct {
	StatusCode int
	Preview    string
	Latency    time.Duration
}

// Success reports a 2xx answer.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Send performs the POST. A non-2xx status is returned as a Response, not an
// error. Transport failures are errors; deadline expiry wraps ErrTimeout.
func (s *Sender) Send(ctx context.Context, r Request) (*Response, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderEmailID, r.EmailID)
	req.Header.Set(HeaderSubscriptionID, r.SubscriptionID)
	if r.Secret != nil && *r.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(r.Body, *r.Secret, s.now()))
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if isTimeout(err) {
			return &Response{Latency: latency}, fmt.Errorf("%w after %s: %v", ErrTimeout, r.Timeout, err)
		}
		return &Response{Latency: latency}, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	out := &Response{
		StatusCode: resp.StatusCode,
		Preview:    string(bodyBytes),
		Latency:    latency,
	}

	s.logger.Debug("webhook answered",
		zap.String("url", r.URL),
		zap.String("subscription_id", r.SubscriptionID),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("latency", latency),
	)

	return out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Sign returns the signature header value "t=<unix>,v1=<hex>" where v1 is
// HMAC-SHA256 over "<unix>.<body>".
func Sign(body []byte, secret string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return "t=" + ts + ",v1=" + computeHMAC(ts, body, secret)
}

// Verify checks a signature header produced by Sign. Consumers can use the
// same function; tolerance bounds the accepted clock skew, zero disables
// the check.
func Verify(body []byte, header, secret string, now time.Time, tolerance time.Duration) bool {
	var ts, v1 string
	for _, segment := range bytes.Split([]byte(header), []byte(",")) {
		k, v, ok := bytes.Cut(bytes.TrimSpace(segment), []byte("="))
		if !ok {
			continue
		}
		switch string(k) {
		case "t":
			ts = string(v)
		case "v1":
			v1 = string(v)
		}
	}
	if ts == "" || v1 == "" {
		return false
	}

	if tolerance > 0 {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return false
		}
		skew := now.Sub(time.Unix(unix, 0))
		if skew < -tolerance || skew > tolerance {
			return false
		}
	}

	expected := computeHMAC(ts, body, secret)
	return hmac.Equal([]byte(v1), []byte(expected))
}

func computeHMAC(ts string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
