package inbound

import (
	"errors"
	"net/http"

	"github.com/goliatone/go-alignment/core"
	goerrors "github.com/goliatone/go-errors"
)

var (
	// ErrNotWebhookConnector is returned when the registered connector for a
	// provider cannot map webhook payloads.
	ErrNotWebhookConnector = errors.New("inbound: connector does not accept webhooks")
	ErrPipelineNotReady    = errors.New("inbound: pipeline is not configured")
)

func inboundError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func inboundWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	if source == nil {
		return inboundError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func inboundNotFound(source error, message string, metadata map[string]any) error {
	return inboundWrapError(
		source,
		goerrors.CategoryNotFound,
		message,
		http.StatusNotFound,
		core.ErrorNotFound,
		metadata,
	)
}

func inboundUnauthorized(source error, metadata map[string]any) error {
	return inboundWrapError(
		source,
		goerrors.CategoryAuth,
		"inbound: webhook verification failed",
		http.StatusUnauthorized,
		core.ErrorUnauthorized,
		metadata,
	)
}

// errorStatus reads the HTTP code carried by a rich error.
func errorStatus(err error, fallback int) int {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.Code > 0 {
		return richErr.Code
	}
	return fallback
}
