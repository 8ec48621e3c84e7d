package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrWebhookRejected is returned when the endpoint refuses the request
// with a 4xx status other than 429; such requests are not retried.
var ErrWebhookRejected = errors.New("webhook rejected alert")

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	URL         string
	Username    string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// WebhookNotifier posts alerts as multipart/form-data with a payload_json
// part and an optional file part, the shape Discord webhooks accept.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier creates a notifier for cfg.URL.
func NewWebhookNotifier(cfg WebhookConfig, logger *zap.Logger) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("webhook"),
	}, nil
}

type webhookPayload struct {
	Username string `json:"username,omitempty"`
	Content  string `json:"content"`
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	content, err := RenderAlert(a)
	if err != nil {
		return err
	}
	body, contentType, err := buildMultipart(webhookPayload{Username: n.cfg.Username, Content: content}, a)
	if err != nil {
		return err
	}

	attempt := 0
	err = SendWithRetry(ctx, RetryConfig{
		MaxAttempts: n.cfg.MaxAttempts,
		Delay:       n.cfg.RetryDelay,
		MaxDelay:    5 * n.cfg.RetryDelay,
	}, func(ctx context.Context) error {
		attempt++
		err := n.post(ctx, body, contentType)
		if err != nil {
			n.logger.Debug("Webhook attempt failed",
				zap.Int("attempt", attempt),
				zap.String("event_id", a.EventID),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("notify %s: %w", a.EventID, err)
	}

	n.logger.Info("Alert delivered",
		zap.String("event_id", a.EventID),
		zap.String("type", a.Type),
		zap.Int("attempts", attempt))
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook rate limited: %s", resp.Status)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrWebhookRejected, resp.Status))
	default:
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
}

func buildMultipart(payload webhookPayload, a Alert) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	if err := w.WriteField("payload_json", string(payloadJSON)); err != nil {
		return nil, "", err
	}

	if len(a.Snapshot) > 0 {
		name := filepath.Base(a.SnapshotName)
		if name == "" || name == "." {
			name = "snapshot.jpg"
		}
		part, err := w.CreateFormFile("file", name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(a.Snapshot); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
