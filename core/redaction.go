package core

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const RedactedValue = "[REDACTED]"

// MaxErrorMessageBytes caps error text persisted on job and DLQ rows.
const MaxErrorMessageBytes = 512

var secretAssignmentPattern = regexp.MustCompile(`(?i)\b(password|secret|token|api[_-]?key|authorization|access[_-]?key|signature)(["']?\s*[:=]\s*)("[^"]*"|'[^']*'|[^\s,;&]+)`)

var bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/=-]+`)

func RedactSensitiveMap(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(metadata)
}

// RedactErrorMessage masks inline credentials and truncates the message on a
// rune boundary.
func RedactErrorMessage(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return ""
	}
	message = bearerPattern.ReplaceAllString(message, "Bearer "+RedactedValue)
	message = secretAssignmentPattern.ReplaceAllString(message, "${1}${2}"+RedactedValue)
	if len(message) <= MaxErrorMessageBytes {
		return message
	}
	cut := MaxErrorMessageBytes
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case map[string]string:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			if shouldRedactKey(key) {
				out[key] = RedactedValue
				continue
			}
			out[key] = item
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactSensitiveValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	sensitiveTokens := []string{
		"password",
		"secret",
		"token",
		"authorization",
		"api_key",
		"apikey",
		"access_key",
		"credential",
		"signature",
		"email",
		"phone",
	}
	for _, token := range sensitiveTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "project_id",
		"connection_id",
		"provider",
		"job_id",
		"dlq_event_id",
		"alert_id",
		"report_id",
		"idempotency_key",
		"worker_id",
		"correlation_id",
		"trace_id",
		"request_id":
		return true
	default:
		return false
	}
}
