// Package fallback delivers telemetry over HTTP when the broker is
// unreachable. It POSTs the same JSON message the MQTT path carries,
// authenticated with the message's own payload hash as a bearer token,
// so the backend validates freshness the same way on both paths.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gomama/pod-agent/internal/config"
	"github.com/gomama/pod-agent/internal/httpkit"
	"github.com/gomama/pod-agent/internal/telemetry"
)

// Client posts telemetry messages to the fallback endpoint. It
// satisfies [telemetry.Fallback].
type Client struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// New creates a fallback client from config. The underlying transport
// retries transient connect errors once; anything beyond that is the
// offline queue's problem.
func New(cfg config.FallbackConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url: cfg.URL,
		http: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(1, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Send posts one message. Any non-2xx response is an error; the body
// excerpt goes into the error for the send-cycle log line.
func (c *Client) Send(ctx context.Context, msg telemetry.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal fallback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build fallback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+msg.AuthHash)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fallback post: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("fallback post: status %d: %s", resp.StatusCode, detail)
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	c.logger.Debug("fallback delivery accepted",
		"status", resp.StatusCode, "bytes", len(body))
	return nil
}
