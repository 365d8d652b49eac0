package sns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUntrustedURL is returned when a SubscribeURL does not point at the
// configured host suffix.
var ErrUntrustedURL = errors.New("sns: untrusted subscribe url")

// Confirmer completes the SNS subscription handshake by visiting SubscribeURL.
// Failures are reported to the caller and never retried here: SNS re-sends
// the confirmation request on its own.
type Confirmer struct {
	client     *http.Client
	hostSuffix string
	logger     *zap.Logger
}

// NewConfirmer creates a confirmer. An empty hostSuffix disables the host check.
func NewConfirmer(hostSuffix string, logger *zap.Logger) *Confirmer {
	return &Confirmer{
		client:     &http.Client{Timeout: 10 * time.Second},
		hostSuffix: strings.ToLower(hostSuffix),
		logger:     logger,
	}
}

// Confirm issues the GET. Any non-2xx status is an error.
func (c *Confirmer) Confirm(ctx context.Context, subscribeURL string) error {
	u, err := url.Parse(subscribeURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrUntrustedURL, subscribeURL)
	}

	if c.hostSuffix != "" && !strings.HasSuffix(strings.ToLower(u.Hostname()), c.hostSuffix) {
		return fmt.Errorf("%w: host %s", ErrUntrustedURL, u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL, nil)
	if err != nil {
		return fmt.Errorf("create confirmation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("subscription confirmation request failed",
			zap.String("host", u.Hostname()),
			zap.Error(err),
		)
		return fmt.Errorf("confirm subscription: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("subscription confirmation rejected",
			zap.String("host", u.Hostname()),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("confirm subscription: status %d", resp.StatusCode)
	}

	c.logger.Info("sns subscription confirmed", zap.String("host", u.Hostname()))
	return nil
}
