package shopify

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/inbound"
	"github.com/goliatone/go-alignment/providers"
)

const (
	ProviderID = "shopify"

	defaultAuthorizePath = "/admin/oauth/authorize"
	defaultTokenPath     = "/admin/oauth/access_token"
	defaultDomainSuffix  = ".myshopify.com"
	defaultAPIVersion    = "2024-10"
)

const (
	ScopeReadOrders    = "read_orders"
	ScopeReadCustomers = "read_customers"
)

type Config struct {
	ClientID      string
	ClientSecret  string
	ShopDomain    string
	AuthURL       string
	TokenURL      string
	APIVersion    string
	DefaultScopes []string
	TokenTTL      time.Duration
	Now           func() time.Time
	Transport     core.TransportAdapter
}

// Connector ingests Shopify order, customer and refund activity.
type Connector struct {
	*providers.OAuth2Connector
	shopDomain string
	apiVersion string
}

func DefaultConfig() Config {
	return Config{
		APIVersion:    defaultAPIVersion,
		DefaultScopes: []string{ScopeReadOrders, ScopeReadCustomers},
	}
}

func New(cfg Config) (*Connector, error) {
	defaults := DefaultConfig()
	if len(cfg.DefaultScopes) == 0 {
		cfg.DefaultScopes = defaults.DefaultScopes
	}
	if strings.TrimSpace(cfg.APIVersion) == "" {
		cfg.APIVersion = defaults.APIVersion
	}

	authURL, tokenURL, err := resolveOAuthEndpoints(cfg)
	if err != nil {
		return nil, err
	}

	oauth, err := providers.NewOAuth2Connector(providers.OAuth2Config{
		ID:                 ProviderID,
		AuthURL:            authURL,
		TokenURL:           tokenURL,
		ClientID:           cfg.ClientID,
		ClientSecret:       cfg.ClientSecret,
		ClientSecretInBody: true,
		DefaultScopes:      cfg.DefaultScopes,
		TokenTTL:           cfg.TokenTTL,
		Now:                cfg.Now,
		Transport:          cfg.Transport,
	})
	if err != nil {
		return nil, err
	}

	domain, _ := normalizeShopDomain(cfg.ShopDomain)
	return &Connector{
		OAuth2Connector: oauth,
		shopDomain:      domain,
		apiVersion:      strings.TrimSpace(cfg.APIVersion),
	}, nil
}

func resolveOAuthEndpoints(cfg Config) (string, string, error) {
	authURL := strings.TrimSpace(cfg.AuthURL)
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if authURL != "" && tokenURL != "" {
		return authURL, tokenURL, nil
	}

	domain, err := normalizeShopDomain(cfg.ShopDomain)
	if err != nil {
		return "", "", fmt.Errorf(
			"providers/shopify: auth_url and token_url are required when shop_domain is not configured: %w",
			err,
		)
	}
	if authURL == "" {
		authURL = (&url.URL{Scheme: "https", Host: domain, Path: defaultAuthorizePath}).String()
	}
	if tokenURL == "" {
		tokenURL = (&url.URL{Scheme: "https", Host: domain, Path: defaultTokenPath}).String()
	}
	return authURL, tokenURL, nil
}

func normalizeShopDomain(value string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "", fmt.Errorf("providers/shopify: shop_domain is required")
	}
	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", fmt.Errorf("providers/shopify: parse shop_domain: %w", err)
		}
		trimmed = strings.TrimSpace(strings.ToLower(parsed.Hostname()))
	}
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("providers/shopify: invalid shop_domain")
	}
	if !strings.Contains(trimmed, ".") {
		trimmed += defaultDomainSuffix
	}
	if !strings.HasSuffix(trimmed, defaultDomainSuffix) {
		return "", fmt.Errorf("providers/shopify: shop_domain must end with %q", defaultDomainSuffix)
	}
	return trimmed, nil
}

var _ inbound.WebhookConnector = (*Connector)(nil)
