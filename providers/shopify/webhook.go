package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/inbound"
	"github.com/goliatone/go-alignment/webhooks"
)

const (
	TopicOrdersCreate    = "orders/create"
	TopicOrdersPaid      = "orders/paid"
	TopicCustomersCreate = "customers/create"
	TopicCustomersUpdate = "customers/update"
	TopicRefundsCreate   = "refunds/create"
)

const (
	EventPurchase      = "purchase"
	EventContactUpdate = "contact_update"
	EventRefund        = "refund"
)

type orderPayload struct {
	ID                json.Number      `json:"id"`
	Email             string           `json:"email"`
	Phone             string           `json:"phone"`
	TotalPrice        string           `json:"total_price"`
	Currency          string           `json:"currency"`
	FinancialStatus   string           `json:"financial_status"`
	LandingSite       string           `json:"landing_site"`
	ReferringSite     string           `json:"referring_site"`
	CreatedAt         string           `json:"created_at"`
	UpdatedAt         string           `json:"updated_at"`
	ProcessedAt       string           `json:"processed_at"`
	Customer          *customerPayload `json:"customer"`
	LineItems         []struct {
		Quantity int `json:"quantity"`
	} `json:"line_items"`
}

type customerPayload struct {
	ID        json.Number `json:"id"`
	Email     string      `json:"email"`
	Phone     string      `json:"phone"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	UpdatedAt string      `json:"updated_at"`
	CreatedAt string      `json:"created_at"`
}

type refundPayload struct {
	ID           json.Number `json:"id"`
	OrderID      json.Number `json:"order_id"`
	CreatedAt    string      `json:"created_at"`
	Transactions []struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"transactions"`
}

func (c *Connector) WebhookTemplate(secret string) webhooks.Template {
	return webhooks.NewShopifyTemplate(secret)
}

func (c *Connector) MapWebhook(_ context.Context, payload inbound.WebhookPayload) ([]core.CanonicalEvent, error) {
	topic := strings.ToLower(strings.TrimSpace(payload.Topic))
	switch topic {
	case TopicOrdersCreate, TopicOrdersPaid:
		var order orderPayload
		if err := decode(payload.Body, &order); err != nil {
			return nil, err
		}
		event, err := orderEvent(order)
		if err != nil {
			return nil, err
		}
		event.RawRef = rawRef(topic, payload.DeliveryID)
		return []core.CanonicalEvent{event}, nil
	case TopicCustomersCreate, TopicCustomersUpdate:
		var customer customerPayload
		if err := decode(payload.Body, &customer); err != nil {
			return nil, err
		}
		event, err := customerEvent(customer)
		if err != nil {
			return nil, err
		}
		event.RawRef = rawRef(topic, payload.DeliveryID)
		return []core.CanonicalEvent{event}, nil
	case TopicRefundsCreate:
		var refund refundPayload
		if err := decode(payload.Body, &refund); err != nil {
			return nil, err
		}
		event, err := refundEvent(refund)
		if err != nil {
			return nil, err
		}
		event.RawRef = rawRef(topic, payload.DeliveryID)
		return []core.CanonicalEvent{event}, nil
	default:
		return nil, nil
	}
}

func decode(body []byte, target any) error {
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("providers/shopify: decode webhook payload: %w", err)
	}
	return nil
}

// orderEvent keys purchases by order id alone so orders/create, orders/paid
// and a later sync of the same order collapse into one canonical purchase.
func orderEvent(order orderPayload) (core.CanonicalEvent, error) {
	orderID := strings.TrimSpace(order.ID.String())
	if orderID == "" {
		return core.CanonicalEvent{}, fmt.Errorf("providers/shopify: order id is required")
	}

	actor := map[string]string{}
	setIfPresent(actor, "email", order.Email)
	setIfPresent(actor, "phone", order.Phone)
	entities := map[string]any{"order_id": orderID}
	if order.Customer != nil {
		setIfPresent(actor, "email", order.Customer.Email)
		setIfPresent(actor, "phone", order.Customer.Phone)
		if id := strings.TrimSpace(order.Customer.ID.String()); id != "" {
			entities["customer_id"] = id
		}
	}
	if landing := strings.TrimSpace(order.LandingSite); landing != "" {
		entities["landing_site"] = landing
	}
	if referrer := strings.TrimSpace(order.ReferringSite); referrer != "" {
		entities["referring_site"] = referrer
	}

	quantity := 0
	for _, item := range order.LineItems {
		quantity += item.Quantity
	}
	value := map[string]any{
		"currency": strings.ToUpper(strings.TrimSpace(order.Currency)),
		"items":    quantity,
	}
	if amount, ok := parseAmount(order.TotalPrice); ok {
		value["amount"] = amount
	}
	if status := strings.TrimSpace(order.FinancialStatus); status != "" {
		value["financial_status"] = status
	}

	return core.CanonicalEvent{
		EventType:      EventPurchase,
		IdempotencyKey: core.IdempotencyKey(ProviderID, orderID, EventPurchase),
		OccurredAt:     firstTime(order.ProcessedAt, order.CreatedAt, order.UpdatedAt),
		Actor:          actor,
		Entities:       entities,
		Value:          value,
	}, nil
}

// customerEvent keys on the customer's updated_at so each distinct profile
// change lands once.
func customerEvent(customer customerPayload) (core.CanonicalEvent, error) {
	customerID := strings.TrimSpace(customer.ID.String())
	if customerID == "" {
		return core.CanonicalEvent{}, fmt.Errorf("providers/shopify: customer id is required")
	}
	actor := map[string]string{}
	setIfPresent(actor, "email", customer.Email)
	setIfPresent(actor, "phone", customer.Phone)
	setIfPresent(actor, "first_name", customer.FirstName)
	setIfPresent(actor, "last_name", customer.LastName)

	version := strings.TrimSpace(customer.UpdatedAt)
	if version == "" {
		version = strings.TrimSpace(customer.CreatedAt)
	}
	transaction := customerID
	if version != "" {
		transaction = customerID + "@" + version
	}

	return core.CanonicalEvent{
		EventType:      EventContactUpdate,
		IdempotencyKey: core.IdempotencyKey(ProviderID, transaction, EventContactUpdate),
		OccurredAt:     firstTime(customer.UpdatedAt, customer.CreatedAt),
		Actor:          actor,
		Entities:       map[string]any{"customer_id": customerID},
		Value:          map[string]any{},
	}, nil
}

func refundEvent(refund refundPayload) (core.CanonicalEvent, error) {
	refundID := strings.TrimSpace(refund.ID.String())
	if refundID == "" {
		return core.CanonicalEvent{}, fmt.Errorf("providers/shopify: refund id is required")
	}
	total := 0.0
	currency := ""
	for _, txn := range refund.Transactions {
		if amount, ok := parseAmount(txn.Amount); ok {
			total += amount
		}
		if currency == "" {
			currency = strings.ToUpper(strings.TrimSpace(txn.Currency))
		}
	}
	entities := map[string]any{"refund_id": refundID}
	if orderID := strings.TrimSpace(refund.OrderID.String()); orderID != "" {
		entities["order_id"] = orderID
	}
	return core.CanonicalEvent{
		EventType:      EventRefund,
		IdempotencyKey: core.IdempotencyKey(ProviderID, refundID, EventRefund),
		OccurredAt:     firstTime(refund.CreatedAt),
		Actor:          map[string]string{},
		Entities:       entities,
		Value:          map[string]any{"amount": total, "currency": currency},
	}, nil
}

func rawRef(topic, deliveryID string) string {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return topic
	}
	return topic + "#" + deliveryID
}

func setIfPresent(target map[string]string, key, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if _, ok := target[key]; ok {
		return
	}
	target[key] = value
}

func parseAmount(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// firstTime returns the first parseable RFC 3339 timestamp, or the zero time
// which the pipeline replaces with its clock.
func firstTime(values ...string) time.Time {
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339, value); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
