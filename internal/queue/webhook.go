package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"subsync/internal/external"
	"subsync/internal/security"
	"subsync/internal/types"
)

const webhookUserAgent = "subsync-effects/1.0"

// WebhookConfig locates and authenticates the effect receiver.
type WebhookConfig struct {
	URL            string
	Secret         types.SecretString
	PreviousSecret types.SecretString
}

// WebhookPublisher POSTs each effect as signed JSON. Transport errors, 429
// and 5xx are retried by the BaseClient; any other non-2xx is final.
type WebhookPublisher struct {
	client *external.BaseClient
	url    string
	signer security.Signer
	logger *slog.Logger
	now    func() time.Time
}

// NewWebhookPublisher builds a publisher over httpClient. Production callers
// pass security.NewSafeHTTPClient so deliveries cannot reach private ranges.
func NewWebhookPublisher(httpClient *http.Client, cfg WebhookConfig, logger *slog.Logger, opts ...external.BaseClientOption) *WebhookPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	policy := external.RetryPolicy{MaxRetries: 2, MinWait: 200 * time.Millisecond, MaxWait: 2 * time.Second}
	return &WebhookPublisher{
		client: external.NewBaseClient(httpClient, "effect-webhook", policy, webhookUserAgent, opts...),
		url:    cfg.URL,
		signer: security.Signer{
			Secret:         cfg.Secret.Unmask(),
			PreviousSecret: cfg.PreviousSecret.Unmask(),
		},
		logger: logger,
		now:    time.Now,
	}
}

// Notify implements billing.Notifier.
func (p *WebhookPublisher) Notify(ctx context.Context, effect types.Effect) error {
	body, err := json.Marshal(effect)
	if err != nil {
		return fmt.Errorf("webhook: failed to marshal effect: %w", err)
	}
	sig, err := p.signer.Sign(body, p.now())
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(security.SignatureHeader, sig)
	req.Header.Set("X-Subsync-Effect", string(effect.Kind))
	req.Header.Set("X-Subsync-Delivery", effect.EventID+":"+string(effect.Kind))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: receiver returned %d", resp.StatusCode)
	}

	p.logger.InfoContext(ctx, "effect delivered",
		"effect", string(effect.Kind),
		"account_id", effect.AccountID,
		"event_id", effect.EventID,
		"status", resp.StatusCode,
	)
	return nil
}
