package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/ratelimit"
	"github.com/goliatone/go-alignment/transport"
	"github.com/goliatone/go-alignment/webhooks"
)

const (
	SignatureHeader   = "X-Alignment-Signature"
	AlertIDHeader     = "X-Alignment-Alert-Id"
	TargetKindWebhook = "webhook"
)

// WebhookNotifier posts alert payloads signed with the target's secret.
type WebhookNotifier struct {
	transport core.TransportAdapter
	limiter   *ratelimit.KeyedLimiter
	timeout   time.Duration
}

type NotifierOption func(*WebhookNotifier)

// WithHostLimiter throttles deliveries per target host.
func WithHostLimiter(limiter *ratelimit.KeyedLimiter) NotifierOption {
	return func(n *WebhookNotifier) {
		n.limiter = limiter
	}
}

func NewWebhookNotifier(adapter core.TransportAdapter, opts ...NotifierOption) *WebhookNotifier {
	if adapter == nil {
		adapter = transport.NewRESTAdapter(&http.Client{})
	}
	notifier := &WebhookNotifier{transport: adapter, timeout: core.DefaultConfig().Alerts.DispatchTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(notifier)
		}
	}
	return notifier
}

func (n *WebhookNotifier) Dispatch(ctx context.Context, target core.NotificationTarget, payload core.AlertPayload) error {
	kind := strings.ToLower(strings.TrimSpace(target.Kind))
	if kind != "" && kind != TargetKindWebhook {
		return core.NewBadInputError("alerts: unsupported notification target kind", map[string]any{
			"target_id": target.ID,
			"kind":      target.Kind,
		})
	}
	endpoint, err := url.Parse(strings.TrimSpace(target.URL))
	if err != nil || endpoint.Host == "" {
		return core.NewBadInputError("alerts: notification target url is invalid", map[string]any{"target_id": target.ID})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("alerts: encode payload: %w", err)
	}
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx, endpoint.Host); err != nil {
			return err
		}
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		AlertIDHeader:  payload.AlertID,
	}
	if secret := strings.TrimSpace(target.Secret); secret != "" {
		headers[SignatureHeader] = webhooks.Sign(secret, body)
	}
	res, err := n.transport.Do(ctx, core.TransportRequest{
		Method:      http.MethodPost,
		URL:         endpoint.String(),
		Headers:     headers,
		Body:        body,
		Timeout:     n.timeout,
		Idempotency: payload.AlertID + ":" + target.ID,
	})
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &transport.StatusError{StatusCode: res.StatusCode, Body: string(res.Body)}
	}
	return nil
}

var _ core.Notifier = (*WebhookNotifier)(nil)
