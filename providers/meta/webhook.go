package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/inbound"
)

const (
	FieldLeadgen     = "leadgen"
	FieldAdsInsights = "ads_insights"

	EventLead     = "lead"
	EventAdMetric = "ad_metric"
)

type webhookEnvelope struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Time    int64           `json:"time"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type leadgenValue struct {
	LeadgenID   string      `json:"leadgen_id"`
	PageID      string      `json:"page_id"`
	FormID      string      `json:"form_id"`
	AdID        string      `json:"ad_id"`
	AdgroupID   string      `json:"adgroup_id"`
	CreatedTime json.Number `json:"created_time"`
}

type adsInsightsValue struct {
	AdID        string      `json:"ad_id"`
	CampaignID  string      `json:"campaign_id"`
	DateStart   string      `json:"date_start"`
	Impressions json.Number `json:"impressions"`
	Clicks      json.Number `json:"clicks"`
	Spend       json.Number `json:"spend"`
	Currency    string      `json:"account_currency"`
}

// MapWebhook walks every entry change. Unknown fields are skipped so one
// delivery can mix subscribed and unsubscribed changes.
func (c *Connector) MapWebhook(_ context.Context, payload inbound.WebhookPayload) ([]core.CanonicalEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload.Body, &envelope); err != nil {
		return nil, fmt.Errorf("providers/meta: parse webhook payload: %w", err)
	}
	if strings.TrimSpace(envelope.Object) == "" {
		return nil, fmt.Errorf("providers/meta: webhook object is required")
	}

	events := []core.CanonicalEvent{}
	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			var (
				event core.CanonicalEvent
				ok    bool
				err   error
			)
			switch strings.ToLower(strings.TrimSpace(change.Field)) {
			case FieldLeadgen:
				event, ok, err = leadEvent(entry, change.Value)
			case FieldAdsInsights:
				event, ok, err = adMetricEvent(entry, change.Value)
			default:
				continue
			}
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			event.RawRef = rawRef(change.Field, payload.DeliveryID)
			events = append(events, event)
		}
	}
	return events, nil
}

func leadEvent(entry webhookEntry, raw json.RawMessage) (core.CanonicalEvent, bool, error) {
	var value leadgenValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return core.CanonicalEvent{}, false, fmt.Errorf("providers/meta: decode leadgen change: %w", err)
	}
	leadID := strings.TrimSpace(value.LeadgenID)
	if leadID == "" {
		return core.CanonicalEvent{}, false, fmt.Errorf("providers/meta: leadgen change has no leadgen_id")
	}
	adID := strings.TrimSpace(value.AdID)
	if adID == "" {
		adID = strings.TrimSpace(value.AdgroupID)
	}
	entities := map[string]any{"lead_id": leadID}
	setEntity(entities, "page_id", firstNonEmpty(value.PageID, entry.ID))
	setEntity(entities, "form_id", value.FormID)
	setEntity(entities, "ad_id", adID)

	return core.CanonicalEvent{
		EventType:      EventLead,
		IdempotencyKey: core.IdempotencyKey(ProviderID, leadID, EventLead),
		OccurredAt:     unixTime(value.CreatedTime, entry.Time),
		Actor:          map[string]string{},
		Entities:       entities,
		Value:          map[string]any{},
	}, true, nil
}

func adMetricEvent(entry webhookEntry, raw json.RawMessage) (core.CanonicalEvent, bool, error) {
	var value adsInsightsValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return core.CanonicalEvent{}, false, fmt.Errorf("providers/meta: decode ads_insights change: %w", err)
	}
	adID := strings.TrimSpace(value.AdID)
	if adID == "" {
		return core.CanonicalEvent{}, false, fmt.Errorf("providers/meta: ads_insights change has no ad_id")
	}
	day := strings.TrimSpace(value.DateStart)
	transaction := adID
	if day != "" {
		transaction = adID + "@" + day
	}

	metrics := map[string]any{}
	setNumber(metrics, "impressions", value.Impressions)
	setNumber(metrics, "clicks", value.Clicks)
	setNumber(metrics, "spend", value.Spend)
	if currency := strings.ToUpper(strings.TrimSpace(value.Currency)); currency != "" {
		metrics["currency"] = currency
	}
	entities := map[string]any{"ad_id": adID}
	setEntity(entities, "campaign_id", value.CampaignID)
	setEntity(entities, "date", day)

	occurredAt := unixTime("", entry.Time)
	if parsed, err := time.Parse(time.DateOnly, day); err == nil {
		occurredAt = parsed.UTC()
	}
	return core.CanonicalEvent{
		EventType:      EventAdMetric,
		IdempotencyKey: core.IdempotencyKey(ProviderID, transaction, EventAdMetric),
		OccurredAt:     occurredAt,
		Actor:          map[string]string{},
		Entities:       entities,
		Value:          metrics,
	}, true, nil
}

func rawRef(field, deliveryID string) string {
	field = strings.ToLower(strings.TrimSpace(field))
	if deliveryID = strings.TrimSpace(deliveryID); deliveryID == "" {
		return field
	}
	return field + "#" + deliveryID
}

func setEntity(target map[string]any, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		target[key] = value
	}
}

func setNumber(target map[string]any, key string, value json.Number) {
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(value.String()), 64); err == nil {
		target[key] = parsed
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// unixTime reads a unix seconds value and falls back to the entry time.
// Zero means the pipeline clock applies.
func unixTime(value json.Number, fallback int64) time.Time {
	if seconds, err := strconv.ParseInt(strings.TrimSpace(value.String()), 10, 64); err == nil && seconds > 0 {
		return time.Unix(seconds, 0).UTC()
	}
	if fallback > 0 {
		return time.Unix(fallback, 0).UTC()
	}
	return time.Time{}
}
