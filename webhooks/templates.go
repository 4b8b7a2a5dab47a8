package webhooks

import (
	"context"
	"strings"

	"github.com/goliatone/go-alignment/core"
)

// Template binds a provider's signature scheme to the headers that carry
// the topic and the delivery id.
type Template struct {
	ProviderID     string
	Verifier       Verifier
	TopicHeader    string
	DeliveryHeader string
}

func (t Template) Verify(ctx context.Context, req core.InboundRequest) error {
	if t.Verifier == nil {
		return ErrInvalidSignature
	}
	return t.Verifier.Verify(ctx, req)
}

func (t Template) Topic(req core.InboundRequest) string {
	if strings.TrimSpace(t.TopicHeader) == "" {
		return ""
	}
	return HeaderValue(req.Headers, t.TopicHeader)
}

func (t Template) DeliveryID(req core.InboundRequest) string {
	if strings.TrimSpace(t.DeliveryHeader) == "" {
		return ""
	}
	return HeaderValue(req.Headers, t.DeliveryHeader)
}

func NewShopifyTemplate(secret string) Template {
	return Template{
		ProviderID: "shopify",
		Verifier: HeaderHMACVerifier{
			Header:   "X-Shopify-Hmac-Sha256",
			Secret:   strings.TrimSpace(secret),
			Encoding: "base64",
		},
		TopicHeader:    "X-Shopify-Topic",
		DeliveryHeader: "X-Shopify-Webhook-Id",
	}
}

func NewMetaTemplate(secret string) Template {
	return Template{
		ProviderID: "meta",
		Verifier: HeaderHMACVerifier{
			Header:   "X-Hub-Signature-256",
			Prefix:   "sha256=",
			Secret:   strings.TrimSpace(secret),
			Encoding: "hex",
		},
		DeliveryHeader: "X-Meta-Delivery-Id",
	}
}

func NewTikTokTemplate(secret string) Template {
	return Template{
		ProviderID: "tiktok",
		Verifier: HeaderHMACVerifier{
			Header:   "X-Tt-Signature",
			Secret:   strings.TrimSpace(secret),
			Encoding: "hex",
		},
		TopicHeader:    "X-Tt-Event",
		DeliveryHeader: "X-Tt-Request-Id",
	}
}

// NewGenericTemplate covers custom senders that sign the raw body with
// "X-Signature: sha256=<hex>".
func NewGenericTemplate(providerID string, secret string) Template {
	return Template{
		ProviderID: strings.TrimSpace(providerID),
		Verifier: HeaderHMACVerifier{
			Header:   "X-Signature",
			Prefix:   "sha256=",
			Secret:   strings.TrimSpace(secret),
			Encoding: "hex",
		},
		TopicHeader:    "X-Event-Type",
		DeliveryHeader: "X-Delivery-Id",
	}
}
