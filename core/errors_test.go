package core

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestDefaultErrorMapper_AssignsStableCodes(t *testing.T) {
	mapped := DefaultErrorMapper(fmt.Errorf("lookup: %w", ErrConnectionNotFound))
	if mapped.TextCode != ErrorNotFound {
		t.Fatalf("expected not found text code, got %q", mapped.TextCode)
	}
	if mapped.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", mapped.Code)
	}

	mapped = DefaultErrorMapper(stderrors.New("webhooks: invalid signature"))
	if mapped.TextCode != ErrorUnauthorized {
		t.Fatalf("expected unauthorized text code, got %q", mapped.TextCode)
	}

	mapped = DefaultErrorMapper(context.DeadlineExceeded)
	if mapped.TextCode != ErrorTransient {
		t.Fatalf("expected transient text code, got %q", mapped.TextCode)
	}
}

func TestDefaultErrorMapper_KeepsRichErrors(t *testing.T) {
	original := NewLeaseLostError("lease lost", map[string]any{"job_id": "job_1"})
	mapped := DefaultErrorMapper(fmt.Errorf("wrapped: %w", original))
	if mapped.TextCode != ErrorLeaseLost {
		t.Fatalf("expected lease lost text code, got %q", mapped.TextCode)
	}
	if mapped.Category != goerrors.CategoryConflict {
		t.Fatalf("expected conflict category, got %q", mapped.Category)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ""},
		{"unauthorized", NewUnauthorizedError("bad signature", nil), ErrorClassUnauthorized},
		{"mapping", NewMappingError(stderrors.New("bad json"), "decode payload", nil), ErrorClassMapping},
		{"transient", NewTransientError(stderrors.New("reset"), "upstream", nil), ErrorClassTransient},
		{"dead", NewDeadError("budget exhausted", nil), ErrorClassDead},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorClassTransient},
		{"storage", stderrors.New("sqlstore: insert canonical event: disk full"), ErrorClassStorage},
		{"internal", stderrors.New("boom"), ErrorClassInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyError(tc.err); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
