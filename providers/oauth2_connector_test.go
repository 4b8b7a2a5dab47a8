package providers

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-alignment/core"
)

type recordingTransport struct {
	requests []core.TransportRequest
	response core.TransportResponse
	err      error
}

func (*recordingTransport) Kind() string { return "stub" }

func (r *recordingTransport) Do(_ context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	r.requests = append(r.requests, req)
	return r.response, r.err
}

func newTestConnector(t *testing.T, adapter core.TransportAdapter, inBody bool) *OAuth2Connector {
	t.Helper()
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	connector, err := NewOAuth2Connector(OAuth2Config{
		ID:                 "Acme",
		AuthURL:            "https://auth.example.com/authorize",
		TokenURL:           "https://auth.example.com/token",
		ClientID:           "client-1",
		ClientSecret:       "secret-1",
		ClientSecretInBody: inBody,
		DefaultScopes:      []string{"read_orders", "READ_ORDERS", "ads"},
		Now:                func() time.Time { return now },
		Transport:          adapter,
	})
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	return connector
}

func TestNewOAuth2Connector_RequiresEndpoints(t *testing.T) {
	if _, err := NewOAuth2Connector(OAuth2Config{ID: "acme"}); err == nil {
		t.Fatalf("expected missing auth url error")
	}
	if _, err := NewOAuth2Connector(OAuth2Config{ID: "acme", AuthURL: "https://a", TokenURL: "https://t"}); err == nil {
		t.Fatalf("expected missing client id error")
	}
}

func TestOAuth2Connector_AuthURLCarriesStateAndScopes(t *testing.T) {
	connector := newTestConnector(t, &recordingTransport{}, false)
	if connector.ID() != "acme" {
		t.Fatalf("expected lower-cased id, got %q", connector.ID())
	}

	raw, err := connector.AuthURL(context.Background(), core.AuthURLRequest{
		State:       "state-1",
		RedirectURI: "https://app.example.com/callback",
	})
	if err != nil {
		t.Fatalf("auth url: %v", err)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	query := parsed.Query()
	if query.Get("client_id") != "client-1" {
		t.Fatalf("unexpected client_id %q", query.Get("client_id"))
	}
	if query.Get("state") != "state-1" {
		t.Fatalf("unexpected state %q", query.Get("state"))
	}
	if query.Get("scope") != "ads read_orders" {
		t.Fatalf("expected default scopes, got %q", query.Get("scope"))
	}
	if query.Get("redirect_uri") != "https://app.example.com/callback" {
		t.Fatalf("unexpected redirect %q", query.Get("redirect_uri"))
	}
}

func TestOAuth2Connector_AuthURLGeneratesState(t *testing.T) {
	connector := newTestConnector(t, &recordingTransport{}, false)
	raw, err := connector.AuthURL(context.Background(), core.AuthURLRequest{Scopes: []string{"leads"}})
	if err != nil {
		t.Fatalf("auth url: %v", err)
	}
	parsed, _ := url.Parse(raw)
	if parsed.Query().Get("state") == "" {
		t.Fatalf("expected generated state")
	}
	if parsed.Query().Get("scope") != "leads" {
		t.Fatalf("expected requested scope, got %q", parsed.Query().Get("scope"))
	}
}

func TestOAuth2Connector_ExchangeTokenParsesJSON(t *testing.T) {
	adapter := &recordingTransport{response: core.TransportResponse{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","scope":"read_orders,ads","expires_in":120}`),
	}}
	connector := newTestConnector(t, adapter, false)

	token, err := connector.ExchangeToken(context.Background(), "code-1", "https://app.example.com/callback")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if token.AccessToken != "at-1" || token.RefreshToken != "rt-1" {
		t.Fatalf("unexpected token %+v", token)
	}
	if token.TokenType != "bearer" {
		t.Fatalf("expected normalized token type, got %q", token.TokenType)
	}
	if len(token.Scopes) != 2 || token.Scopes[0] != "ads" {
		t.Fatalf("unexpected scopes %v", token.Scopes)
	}
	want := time.Date(2026, 10, 14, 9, 2, 0, 0, time.UTC)
	if token.ExpiresAt == nil || !token.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %v", want, token.ExpiresAt)
	}

	if len(adapter.requests) != 1 {
		t.Fatalf("expected one token request, got %d", len(adapter.requests))
	}
	req := adapter.requests[0]
	if !strings.HasPrefix(req.Headers["Authorization"], "Basic ") {
		t.Fatalf("expected basic auth header")
	}
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		t.Fatalf("parse form: %v", err)
	}
	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "code-1" {
		t.Fatalf("unexpected form %v", form)
	}
	if form.Get("client_secret") != "" {
		t.Fatalf("client secret must not be sent in body")
	}
}

func TestOAuth2Connector_ExchangeTokenParsesForm(t *testing.T) {
	adapter := &recordingTransport{response: core.TransportResponse{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:       []byte("access_token=at-2&token_type=bearer&expires_in=60"),
	}}
	connector := newTestConnector(t, adapter, true)

	token, err := connector.ExchangeToken(context.Background(), "code-2", "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if token.AccessToken != "at-2" {
		t.Fatalf("unexpected token %+v", token)
	}
	form, _ := url.ParseQuery(string(adapter.requests[0].Body))
	if form.Get("client_secret") != "secret-1" {
		t.Fatalf("expected client secret in body")
	}
}

func TestOAuth2Connector_ExchangeTokenSurfacesEndpointError(t *testing.T) {
	adapter := &recordingTransport{response: core.TransportResponse{
		StatusCode: 400,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`{"error":"invalid_grant","error_description":"code expired"}`),
	}}
	connector := newTestConnector(t, adapter, false)

	_, err := connector.ExchangeToken(context.Background(), "code-3", "")
	if err == nil || !strings.Contains(err.Error(), "code expired") {
		t.Fatalf("expected endpoint error description, got %v", err)
	}
	if _, err := connector.ExchangeToken(context.Background(), " ", ""); err == nil {
		t.Fatalf("expected missing code error")
	}
}

func TestOAuth2Connector_RefreshKeepsRefreshToken(t *testing.T) {
	adapter := &recordingTransport{response: core.TransportResponse{
		StatusCode: 200,
		Body:       []byte(`{"access_token":"at-4"}`),
	}}
	connector := newTestConnector(t, adapter, false)

	token, err := connector.Refresh(context.Background(), "rt-keep")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if token.RefreshToken != "rt-keep" {
		t.Fatalf("expected refresh token carried over, got %q", token.RefreshToken)
	}
	// Fallback TTL applies when the endpoint omits expires_in.
	want := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	if token.ExpiresAt == nil || !token.ExpiresAt.Equal(want) {
		t.Fatalf("expected fallback expiry %s, got %v", want, token.ExpiresAt)
	}
}
