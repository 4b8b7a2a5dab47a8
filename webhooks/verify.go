package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-alignment/core"
)

// ErrInvalidSignature wraps every verification failure, including missing
// headers, so callers can answer 401 with a single errors.Is check.
var ErrInvalidSignature = errors.New("webhooks: invalid signature")

type Verifier interface {
	Verify(ctx context.Context, req core.InboundRequest) error
}

type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func (v HeaderHMACVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	header := strings.TrimSpace(HeaderValue(req.Headers, v.Header))
	if header == "" {
		return fmt.Errorf("%w: %s header is required", ErrInvalidSignature, strings.TrimSpace(v.Header))
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("%w: signing secret is not configured", ErrInvalidSignature)
	}
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))
	if signature == "" {
		return fmt.Errorf("%w: signature value is required", ErrInvalidSignature)
	}

	var (
		decoded []byte
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(strings.ToLower(signature))
	}
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrInvalidSignature, err)
	}
	if subtle.ConstantTimeCompare(decoded, computeHMAC(secret, req.Body)) != 1 {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}
	return nil
}

type HeaderTokenVerifier struct {
	Header string
	Token  string
}

func (v HeaderTokenVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	expected := strings.TrimSpace(v.Token)
	if expected == "" {
		return fmt.Errorf("%w: verification token is not configured", ErrInvalidSignature)
	}
	actual := strings.TrimSpace(HeaderValue(req.Headers, v.Header))
	if actual == "" {
		return fmt.Errorf("%w: %s header is required", ErrInvalidSignature, strings.TrimSpace(v.Header))
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return fmt.Errorf("%w: verification token mismatch", ErrInvalidSignature)
	}
	return nil
}

// Sign returns the "sha256=<hex>" signature used on outbound notifications.
func Sign(secret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(computeHMAC(strings.TrimSpace(secret), body))
}

// HeaderValue looks a header up case-insensitively.
func HeaderValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	key = strings.TrimSpace(key)
	if value, ok := headers[key]; ok {
		return strings.TrimSpace(value)
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func computeHMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}
