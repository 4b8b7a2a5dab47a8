package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/inbound"
	"github.com/labstack/echo/v4"
)

type receivedBody struct {
	Received bool `json:"received"`
}

// handleWebhook answers 200 for every delivery it could attribute and
// verify, including ones that were parked in the DLQ. Only unknown
// connections (404) and bad signatures (401) are rejected.
func (s *Server) handleWebhook(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}

	result, err := s.ingestor.Ingest(req.Context(), inbound.Delivery{
		ProviderID:   c.Param("provider"),
		ConnectionID: c.Param("connectionId"),
		Headers:      flattenHeaders(req.Header),
		Body:         body,
	})
	if err != nil {
		switch result.StatusCode {
		case http.StatusNotFound:
			return echo.NewHTTPError(http.StatusNotFound, "unknown connection")
		case http.StatusUnauthorized:
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		}
		return err
	}
	return c.JSON(http.StatusOK, receivedBody{Received: true})
}

// flattenHeaders keeps the first value of each header under its canonical
// name.
func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) == 0 {
			continue
		}
		out[key] = values[0]
	}
	return out
}

type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	body := healthBody{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			body.Checks[name] = core.RedactErrorMessage(strings.TrimSpace(err.Error()))
			body.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		body.Checks[name] = "ok"
	}
	return c.JSON(status, body)
}
