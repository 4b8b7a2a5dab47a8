package meta

import (
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/inbound"
	"github.com/goliatone/go-alignment/providers"
	"github.com/goliatone/go-alignment/webhooks"
)

const (
	ProviderID = "meta"

	OAuthAuthURL  = "https://www.facebook.com/v23.0/dialog/oauth"
	OAuthTokenURL = "https://graph.facebook.com/v23.0/oauth/access_token"
)

const (
	ScopeLeadsRetrieval     = "leads_retrieval"
	ScopeAdsRead            = "ads_read"
	ScopePagesShowList      = "pages_show_list"
	ScopeBusinessManagement = "business_management"
)

type Config struct {
	ClientID      string
	ClientSecret  string
	AuthURL       string
	TokenURL      string
	DefaultScopes []string
	TokenTTL      time.Duration
	Now           func() time.Time
	Transport     core.TransportAdapter
}

// Connector maps Meta page webhooks (lead forms and ad insight pushes).
// Historical sync is not available, so Sync comes from the embedded
// OAuth2Connector and returns an empty page.
type Connector struct {
	*providers.OAuth2Connector
}

func DefaultConfig() Config {
	return Config{
		AuthURL:  OAuthAuthURL,
		TokenURL: OAuthTokenURL,
		DefaultScopes: []string{
			ScopeLeadsRetrieval,
			ScopeAdsRead,
			ScopePagesShowList,
			ScopeBusinessManagement,
		},
		// Graph API user tokens are long lived; 60 days.
		TokenTTL: 60 * 24 * time.Hour,
	}
}

func New(cfg Config) (*Connector, error) {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.AuthURL) == "" {
		cfg.AuthURL = defaults.AuthURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = defaults.TokenURL
	}
	if len(cfg.DefaultScopes) == 0 {
		cfg.DefaultScopes = defaults.DefaultScopes
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaults.TokenTTL
	}

	oauth, err := providers.NewOAuth2Connector(providers.OAuth2Config{
		ID:                 ProviderID,
		AuthURL:            cfg.AuthURL,
		TokenURL:           cfg.TokenURL,
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
	return &Connector{OAuth2Connector: oauth}, nil
}

func (c *Connector) WebhookTemplate(secret string) webhooks.Template {
	return webhooks.NewMetaTemplate(secret)
}

var _ inbound.WebhookConnector = (*Connector)(nil)
