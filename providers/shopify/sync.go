package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
)

const (
	defaultSyncLimit = 50
	maxSyncLimit     = 250
)

type ordersPage struct {
	Orders []orderPayload `json:"orders"`
}

// Sync re-scans orders updated at or after the cursor. The cursor is the
// updated_at of the last order seen; boundary orders come back on the next
// page and collapse through the idempotency key.
func (c *Connector) Sync(ctx context.Context, req core.SyncRequest) (core.SyncResult, error) {
	token := strings.TrimSpace(req.AccessToken)
	if token == "" {
		return core.SyncResult{}, core.NewUnauthorizedError("providers/shopify: access token is required", map[string]any{
			"connection_id": req.Connection.ID,
		})
	}
	domain, err := c.syncDomain(req.Connection)
	if err != nil {
		return core.SyncResult{}, core.NewBadInputError(err.Error(), map[string]any{"connection_id": req.Connection.ID})
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultSyncLimit
	}
	if limit > maxSyncLimit {
		limit = maxSyncLimit
	}
	query := map[string]string{
		"status": "any",
		"order":  "updated_at asc",
		"limit":  strconv.Itoa(limit),
	}
	if cursor := strings.TrimSpace(req.Cursor); cursor != "" {
		query["updated_at_min"] = cursor
	}

	endpoint := (&url.URL{
		Scheme: "https",
		Host:   domain,
		Path:   fmt.Sprintf("/admin/api/%s/orders.json", c.apiVersion),
	}).String()
	response, err := c.Transport().Do(ctx, core.TransportRequest{
		Method: http.MethodGet,
		URL:    endpoint,
		Query:  query,
		Headers: map[string]string{
			"Accept":                 "application/json",
			"X-Shopify-Access-Token": token,
		},
	})
	if err != nil {
		return core.SyncResult{}, core.NewTransientError(err, "providers/shopify: list orders", map[string]any{"shop": domain})
	}
	switch {
	case response.StatusCode == http.StatusTooManyRequests:
		return core.SyncResult{}, throttleError(response)
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return core.SyncResult{}, core.NewUnauthorizedError("providers/shopify: access token rejected", map[string]any{
			"shop":        domain,
			"status_code": response.StatusCode,
		})
	case response.StatusCode >= http.StatusInternalServerError:
		return core.SyncResult{}, core.NewTransientError(nil, "providers/shopify: list orders", map[string]any{
			"shop":        domain,
			"status_code": response.StatusCode,
		})
	case response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices:
		return core.SyncResult{}, core.NewExternalError(nil, "providers/shopify: list orders", map[string]any{
			"shop":        domain,
			"status_code": response.StatusCode,
		})
	}

	var page ordersPage
	if err := json.Unmarshal(response.Body, &page); err != nil {
		return core.SyncResult{}, core.NewMappingError(err, "providers/shopify: decode orders page", map[string]any{"shop": domain})
	}

	result := core.SyncResult{
		Events:     make([]core.CanonicalEvent, 0, len(page.Orders)),
		NextCursor: strings.TrimSpace(req.Cursor),
	}
	for _, order := range page.Orders {
		event, err := orderEvent(order)
		if err != nil {
			continue
		}
		event.RawRef = "sync:orders"
		result.Events = append(result.Events, event)
		if updated := strings.TrimSpace(order.UpdatedAt); updated != "" && laterThan(updated, result.NextCursor) {
			result.NextCursor = updated
		}
	}
	// A full page with an unchanged cursor would loop forever on the same
	// updated_at, so only advance when the cursor moved.
	result.HasMore = len(page.Orders) >= limit && result.NextCursor != strings.TrimSpace(req.Cursor)
	return result, nil
}

func (c *Connector) syncDomain(conn core.Connection) (string, error) {
	if account := strings.TrimSpace(conn.ExternalAccountID); account != "" {
		return normalizeShopDomain(account)
	}
	if c.shopDomain != "" {
		return c.shopDomain, nil
	}
	return "", fmt.Errorf("providers/shopify: connection has no shop domain")
}

func laterThan(candidate, current string) bool {
	if current == "" {
		return true
	}
	a, errA := time.Parse(time.RFC3339, candidate)
	b, errB := time.Parse(time.RFC3339, current)
	if errA != nil || errB != nil {
		return candidate > current
	}
	return a.After(b)
}
