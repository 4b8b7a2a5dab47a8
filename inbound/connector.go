package inbound

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/webhooks"
)

// WebhookPayload is what a provider mapper sees: the provider tag, the topic
// taken from the signed request headers and the untouched body. Each
// provider decodes its own typed shape from Body.
type WebhookPayload struct {
	Provider   string
	Topic      string
	DeliveryID string
	Headers    map[string]string
	Body       []byte
}

// WebhookConnector is a connector that also accepts signed webhooks.
//
// MapWebhook returns zero events for topics the provider does not track.
// Returned events only need provider scoped fields: EventType,
// IdempotencyKey, OccurredAt and the raw actor attributes. The pipeline
// fills tenant fields and hashes the actor before storage.
type WebhookConnector interface {
	core.Connector
	WebhookTemplate(secret string) webhooks.Template
	MapWebhook(ctx context.Context, payload WebhookPayload) ([]core.CanonicalEvent, error)
}

// SecretResolver returns the webhook signing secret for a connection.
type SecretResolver interface {
	WebhookSecret(ctx context.Context, conn core.Connection) (string, error)
}

type SecretResolverFunc func(ctx context.Context, conn core.Connection) (string, error)

func (fn SecretResolverFunc) WebhookSecret(ctx context.Context, conn core.Connection) (string, error) {
	return fn(ctx, conn)
}

// EnvelopeSecretResolver opens the encrypted secret stored on the
// connection row.
type EnvelopeSecretResolver struct {
	Provider core.SecretProvider
}

func NewEnvelopeSecretResolver(provider core.SecretProvider) EnvelopeSecretResolver {
	return EnvelopeSecretResolver{Provider: provider}
}

func (r EnvelopeSecretResolver) WebhookSecret(ctx context.Context, conn core.Connection) (string, error) {
	if r.Provider == nil {
		return "", fmt.Errorf("inbound: secret provider is not configured")
	}
	if len(conn.EncryptedSecret) == 0 {
		return "", fmt.Errorf("inbound: connection %q has no webhook secret", conn.ID)
	}
	plaintext, err := r.Provider.Decrypt(ctx, conn.EncryptedSecret)
	if err != nil {
		return "", fmt.Errorf("inbound: decrypt webhook secret: %w", err)
	}
	secret := strings.TrimSpace(string(plaintext))
	if secret == "" {
		return "", fmt.Errorf("inbound: connection %q has an empty webhook secret", conn.ID)
	}
	return secret, nil
}

// ActorHasher replaces raw actor attributes with project scoped hashes.
type ActorHasher interface {
	HashActor(projectID string, actor map[string]string) (map[string]string, error)
}
