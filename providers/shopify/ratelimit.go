package shopify

import (
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
)

const defaultRetryAfter429 = 2 * time.Second

// callLimit reports the Admin API bucket state from
// X-Shopify-Shop-Api-Call-Limit ("used/limit").
type callLimit struct {
	Used      int
	Limit     int
	Remaining int
}

func parseCallLimit(headers map[string]string) (callLimit, bool) {
	parts := strings.Split(strings.TrimSpace(headerValue(headers, "x-shopify-shop-api-call-limit")), "/")
	if len(parts) != 2 {
		return callLimit{}, false
	}
	used, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || used < 0 {
		return callLimit{}, false
	}
	limit, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || limit <= 0 {
		return callLimit{}, false
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return callLimit{Used: used, Limit: limit, Remaining: remaining}, true
}

func parseRetryAfter(headers map[string]string) (time.Duration, bool) {
	raw := strings.TrimSpace(headerValue(headers, "retry-after"))
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second)), true
	}
	return 0, false
}

// throttleError turns a 429 into a transient error that carries the delay the
// API asked for.
func throttleError(response core.TransportResponse) error {
	retryAfter, ok := parseRetryAfter(response.Headers)
	if !ok {
		retryAfter = defaultRetryAfter429
	}
	metadata := map[string]any{
		"provider":            ProviderID,
		"status_code":         response.StatusCode,
		"retry_after_seconds": retryAfter.Seconds(),
	}
	if limit, ok := parseCallLimit(response.Headers); ok {
		metadata["api_call_limit"] = limit.Limit
		metadata["api_call_remaining"] = limit.Remaining
	}
	if id := headerValue(response.Headers, "x-request-id"); id != "" {
		metadata["shopify_request_id"] = id
	}
	return core.NewTransientError(nil, "providers/shopify: admin api throttled", metadata)
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
