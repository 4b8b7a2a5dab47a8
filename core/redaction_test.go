package core

import (
	"strings"
	"testing"
)

func TestRedactSensitiveMap_KeepsTraceabilityKeys(t *testing.T) {
	out := RedactSensitiveMap(map[string]any{
		"project_id":      "prj_1",
		"idempotency_key": "shopify:1:purchase",
		"webhook_secret":  "s3cr3t",
		"nested": map[string]any{
			"api_key": "k",
			"status":  "ok",
		},
	})
	if out["project_id"] != "prj_1" || out["idempotency_key"] != "shopify:1:purchase" {
		t.Fatalf("expected traceability keys to survive: %#v", out)
	}
	if out["webhook_secret"] != RedactedValue {
		t.Fatalf("expected secret to be redacted")
	}
	nested := out["nested"].(map[string]any)
	if nested["api_key"] != RedactedValue || nested["status"] != "ok" {
		t.Fatalf("unexpected nested redaction: %#v", nested)
	}
}

func TestRedactErrorMessage(t *testing.T) {
	got := RedactErrorMessage("analysis failed: token=abc123 Authorization: Bearer xyz.987")
	if strings.Contains(got, "abc123") || strings.Contains(got, "xyz.987") {
		t.Fatalf("expected credentials to be masked, got %q", got)
	}
	if !strings.Contains(got, "analysis failed") {
		t.Fatalf("expected message context to be kept, got %q", got)
	}

	long := RedactErrorMessage(strings.Repeat("é", MaxErrorMessageBytes))
	if len(long) > MaxErrorMessageBytes {
		t.Fatalf("expected truncation to %d bytes, got %d", MaxErrorMessageBytes, len(long))
	}
	if !strings.HasSuffix(long, "é") {
		t.Fatalf("expected truncation on a rune boundary")
	}
}
