package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/webhooks"
)

const (
	SurfaceWebhook = "webhook"

	// SyncTopic marks DLQ rows that carry one canonical event from a
	// connector sync instead of a raw webhook body.
	SyncTopic = "alignment/sync"

	defaultDeadAfter  = 72 * time.Hour
	defaultFirstRetry = 5 * time.Minute
	maxSyncPages      = 100
)

// Delivery is one inbound webhook request as received on the wire.
type Delivery struct {
	ProviderID   string
	ConnectionID string
	Headers      map[string]string
	Body         []byte
}

// Result is the per-request outcome. Deferred is set when processing failed
// after verification and the body was parked for retry.
type Result struct {
	StatusCode int
	Events     int
	Inserted   int
	Duplicates int
	Deferred   bool
	DLQEventID string
}

func (r Result) outcome() string {
	switch {
	case r.StatusCode == http.StatusUnauthorized:
		return "unauthorized"
	case r.StatusCode == http.StatusNotFound:
		return "not_found"
	case r.Deferred:
		return "deferred"
	case r.Events == 0:
		return "ignored"
	default:
		return "stored"
	}
}

type BatchResult struct {
	Inserted    int
	Duplicates  int
	Failed      int
	DLQEventIDs []string
}

type SyncSummary struct {
	Pages  int
	Cursor string
	Batch  BatchResult
}

type Dependencies struct {
	Connections core.ConnectionStore
	Connectors  *core.ConnectorRegistry
	Secrets     SecretResolver
	Hasher      ActorHasher
	Events      core.EventStore
	DLQ         core.DLQStore
}

type Option func(*Pipeline)

func WithObserver(observer *core.Observer) Option {
	return func(p *Pipeline) {
		if observer != nil {
			p.observer = observer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRetryDelay sets the delay before the first DLQ attempt. Later
// attempts are scheduled by the retry scheduler.
func WithRetryDelay(delay func(attempt int) time.Duration) Option {
	return func(p *Pipeline) {
		if delay != nil {
			p.retryDelay = delay
		}
	}
}

func WithDeadAfter(deadAfter time.Duration) Option {
	return func(p *Pipeline) {
		if deadAfter > 0 {
			p.deadAfter = deadAfter
		}
	}
}

// Pipeline verifies, maps, hashes and stores inbound events.
type Pipeline struct {
	deps       Dependencies
	observer   *core.Observer
	now        func() time.Time
	retryDelay func(attempt int) time.Duration
	deadAfter  time.Duration
}

func NewPipeline(deps Dependencies, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Connections == nil:
		return nil, fmt.Errorf("%w: connection store is required", ErrPipelineNotReady)
	case deps.Connectors == nil:
		return nil, fmt.Errorf("%w: connector registry is required", ErrPipelineNotReady)
	case deps.Secrets == nil:
		return nil, fmt.Errorf("%w: secret resolver is required", ErrPipelineNotReady)
	case deps.Hasher == nil:
		return nil, fmt.Errorf("%w: actor hasher is required", ErrPipelineNotReady)
	case deps.Events == nil:
		return nil, fmt.Errorf("%w: event store is required", ErrPipelineNotReady)
	case deps.DLQ == nil:
		return nil, fmt.Errorf("%w: dlq store is required", ErrPipelineNotReady)
	}
	pipeline := &Pipeline{
		deps:      deps,
		observer:  core.NewObserver(nil, nil),
		now:       func() time.Time { return time.Now().UTC() },
		deadAfter: defaultDeadAfter,
		retryDelay: func(int) time.Duration {
			return defaultFirstRetry
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(pipeline)
		}
	}
	return pipeline, nil
}

// Ingest handles one webhook delivery. Unknown connections and failed
// signatures return an error with a 404 or 401 status, and a connection
// lookup that fails for any other reason returns a 500. Every other outcome
// returns a 200 result and a nil error, including failures that were parked
// in the DLQ.
func (p *Pipeline) Ingest(ctx context.Context, delivery Delivery) (result Result, err error) {
	startedAt := time.Now()
	providerID := strings.ToLower(strings.TrimSpace(delivery.ProviderID))
	connectionID := strings.TrimSpace(delivery.ConnectionID)
	fields := map[string]any{
		"provider":      providerID,
		"connection_id": connectionID,
	}
	defer func() {
		fields["outcome"] = result.outcome()
		fields["events"] = result.Events
		fields["inserted"] = result.Inserted
		fields["duplicates"] = result.Duplicates
		if result.DLQEventID != "" {
			fields["dlq_event_id"] = result.DLQEventID
		}
		p.observer.Observe(ctx, startedAt, "inbound.ingest", err, fields)
	}()

	conn, connector, err := p.resolve(ctx, providerID, connectionID)
	if err != nil {
		return Result{StatusCode: errorStatus(err, http.StatusNotFound)}, err
	}
	fields["project_id"] = conn.ProjectID

	secret, err := p.deps.Secrets.WebhookSecret(ctx, conn)
	if err != nil {
		return Result{StatusCode: http.StatusUnauthorized}, inboundUnauthorized(err, map[string]any{
			"provider":      providerID,
			"connection_id": connectionID,
		})
	}
	template := connector.WebhookTemplate(secret)
	req := core.InboundRequest{
		ProviderID: providerID,
		Surface:    SurfaceWebhook,
		Headers:    delivery.Headers,
		Body:       delivery.Body,
	}
	if err := template.Verify(ctx, req); err != nil {
		return Result{StatusCode: http.StatusUnauthorized}, inboundUnauthorized(err, map[string]any{
			"provider":      providerID,
			"connection_id": connectionID,
		})
	}

	payload := WebhookPayload{
		Provider:   providerID,
		Topic:      template.Topic(req),
		DeliveryID: template.DeliveryID(req),
		Headers:    copyHeaders(delivery.Headers),
		Body:       delivery.Body,
	}
	fields["topic"] = payload.Topic

	result = Result{StatusCode: http.StatusOK}
	counts, processErr := p.process(ctx, conn, connector, payload)
	result.Events = counts.events
	result.Inserted = counts.inserted
	result.Duplicates = counts.duplicates
	if processErr == nil {
		return result, nil
	}

	result.Deferred = true
	fields["processing_error"] = core.RedactErrorMessage(processErr.Error())
	fields["error_class"] = string(core.ClassifyError(processErr))
	dlqID, parkErr := p.park(ctx, conn, payload, processErr)
	if parkErr != nil {
		p.observer.Count(ctx, "inbound.dlq_enqueue_failed", 1, map[string]string{"provider": providerID})
		p.observer.Error(ctx, "inbound dlq enqueue failed", map[string]any{
			"provider":      providerID,
			"connection_id": connectionID,
			"project_id":    conn.ProjectID,
			"error":         core.RedactErrorMessage(parkErr.Error()),
		})
		return result, nil
	}
	result.DLQEventID = dlqID
	return result, nil
}

// Replay re-runs mapping and insertion for a parked DLQ row. Verification
// is not repeated: only verified deliveries are ever parked.
func (p *Pipeline) Replay(ctx context.Context, event core.DLQEvent) (result Result, err error) {
	startedAt := time.Now()
	defer func() {
		p.observer.Observe(ctx, startedAt, "inbound.replay", err, map[string]any{
			"provider":     event.Provider,
			"dlq_event_id": event.ID,
			"inserted":     result.Inserted,
			"duplicates":   result.Duplicates,
		})
	}()

	conn, err := p.deps.Connections.Get(ctx, strings.TrimSpace(event.ConnectionID))
	if err != nil {
		return Result{}, err
	}

	if event.Topic == SyncTopic {
		var canonical core.CanonicalEvent
		if err := json.Unmarshal(event.Payload, &canonical); err != nil {
			return Result{}, core.NewMappingError(err, "inbound: decode parked sync event", map[string]any{"dlq_event_id": event.ID})
		}
		counts, err := p.store(ctx, conn, []core.CanonicalEvent{canonical})
		return Result{StatusCode: http.StatusOK, Events: 1, Inserted: counts.inserted, Duplicates: counts.duplicates}, err
	}

	connector, err := p.webhookConnector(event.Provider)
	if err != nil {
		return Result{}, err
	}
	payload := WebhookPayload{
		Provider: strings.ToLower(strings.TrimSpace(event.Provider)),
		Topic:    event.Topic,
		Headers:  copyHeaders(event.Headers),
		Body:     event.Payload,
	}
	counts, err := p.process(ctx, conn, connector, payload)
	return Result{
		StatusCode: http.StatusOK,
		Events:     counts.events,
		Inserted:   counts.inserted,
		Duplicates: counts.duplicates,
	}, err
}

// IngestBatch stores events produced by a connector sync. Each event that
// fails is parked on its own, already hashed, so retries converge per event.
func (p *Pipeline) IngestBatch(ctx context.Context, conn core.Connection, events []core.CanonicalEvent) (BatchResult, error) {
	startedAt := time.Now()
	var (
		result  BatchResult
		parkErr error
	)
	for _, event := range events {
		prepared, err := p.prepare(conn, event)
		if err == nil {
			insert := p.deps.Events.Insert(ctx, prepared)
			switch insert.Outcome {
			case core.InsertInserted:
				result.Inserted++
				continue
			case core.InsertDuplicate:
				result.Duplicates++
				continue
			default:
				err = insertFailure(insert)
			}
		}
		result.Failed++
		id, parkFailure := p.parkEvent(ctx, conn, prepared, err)
		if parkFailure != nil {
			parkErr = errors.Join(parkErr, parkFailure)
			continue
		}
		result.DLQEventIDs = append(result.DLQEventIDs, id)
	}
	p.observer.Observe(ctx, startedAt, "inbound.ingest_batch", parkErr, map[string]any{
		"provider":   conn.Provider,
		"project_id": conn.ProjectID,
		"inserted":   result.Inserted,
		"duplicates": result.Duplicates,
		"failed":     result.Failed,
	})
	return result, parkErr
}

// SyncConnection pages through connector.Sync from cursor and feeds every
// page to IngestBatch.
func (p *Pipeline) SyncConnection(ctx context.Context, conn core.Connection, accessToken string, cursor string, limit int) (SyncSummary, error) {
	connector, ok := p.deps.Connectors.Get(conn.Provider)
	if !ok {
		return SyncSummary{}, inboundNotFound(core.ErrConnectorNotFound, "inbound: connector not registered", map[string]any{"provider": conn.Provider})
	}
	summary := SyncSummary{Cursor: cursor}
	for summary.Pages < maxSyncPages {
		page, err := connector.Sync(ctx, core.SyncRequest{
			Connection:  conn,
			AccessToken: accessToken,
			Cursor:      summary.Cursor,
			Limit:       limit,
		})
		if err != nil {
			return summary, err
		}
		summary.Pages++
		batch, err := p.IngestBatch(ctx, conn, page.Events)
		summary.Batch.Inserted += batch.Inserted
		summary.Batch.Duplicates += batch.Duplicates
		summary.Batch.Failed += batch.Failed
		summary.Batch.DLQEventIDs = append(summary.Batch.DLQEventIDs, batch.DLQEventIDs...)
		if err != nil {
			return summary, err
		}
		if strings.TrimSpace(page.NextCursor) != "" {
			summary.Cursor = page.NextCursor
		}
		if !page.HasMore || strings.TrimSpace(page.NextCursor) == "" {
			return summary, nil
		}
	}
	return summary, nil
}

func (p *Pipeline) resolve(ctx context.Context, providerID string, connectionID string) (core.Connection, WebhookConnector, error) {
	metadata := map[string]any{"provider": providerID, "connection_id": connectionID}
	if providerID == "" || connectionID == "" {
		return core.Connection{}, nil, inboundNotFound(core.ErrConnectionNotFound, "inbound: provider and connection are required", metadata)
	}
	conn, err := p.deps.Connections.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, core.ErrConnectionNotFound) || errors.Is(err, core.ErrNotFound) {
			return core.Connection{}, nil, inboundNotFound(err, "inbound: connection not found", metadata)
		}
		return core.Connection{}, nil, core.NewInternalError(err, "inbound: resolve connection", metadata)
	}
	if !strings.EqualFold(strings.TrimSpace(conn.Provider), providerID) || conn.Status == core.ConnectionStatusDisabled {
		return core.Connection{}, nil, inboundNotFound(core.ErrConnectionNotFound, "inbound: connection not found", metadata)
	}
	connector, err := p.webhookConnector(providerID)
	if err != nil {
		return core.Connection{}, nil, err
	}
	return conn, connector, nil
}

func (p *Pipeline) webhookConnector(providerID string) (WebhookConnector, error) {
	connector, ok := p.deps.Connectors.Get(providerID)
	if !ok {
		return nil, inboundNotFound(core.ErrConnectorNotFound, "inbound: connector not registered", map[string]any{"provider": providerID})
	}
	webhookConnector, ok := connector.(WebhookConnector)
	if !ok {
		return nil, inboundNotFound(ErrNotWebhookConnector, "inbound: connector does not accept webhooks", map[string]any{"provider": providerID})
	}
	return webhookConnector, nil
}

type storeCounts struct {
	events     int
	inserted   int
	duplicates int
}

func (p *Pipeline) process(ctx context.Context, conn core.Connection, connector WebhookConnector, payload WebhookPayload) (counts storeCounts, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.NewInternalError(fmt.Errorf("%v", recovered), "inbound: webhook mapper panicked", map[string]any{
				"provider": payload.Provider,
				"topic":    payload.Topic,
			})
		}
	}()
	events, err := connector.MapWebhook(ctx, payload)
	if err != nil {
		return storeCounts{}, core.NewMappingError(err, "inbound: map webhook payload", map[string]any{
			"provider": payload.Provider,
			"topic":    payload.Topic,
		})
	}
	counts, err = p.store(ctx, conn, events)
	counts.events = len(events)
	return counts, err
}

// store stops at the first failure. Events inserted before it come back as
// duplicates when the payload is replayed.
func (p *Pipeline) store(ctx context.Context, conn core.Connection, events []core.CanonicalEvent) (storeCounts, error) {
	var counts storeCounts
	for _, event := range events {
		prepared, err := p.prepare(conn, event)
		if err != nil {
			return counts, err
		}
		insert := p.deps.Events.Insert(ctx, prepared)
		switch insert.Outcome {
		case core.InsertInserted:
			counts.inserted++
		case core.InsertDuplicate:
			counts.duplicates++
		default:
			return counts, insertFailure(insert)
		}
	}
	return counts, nil
}

func (p *Pipeline) prepare(conn core.Connection, event core.CanonicalEvent) (core.CanonicalEvent, error) {
	event.ProjectID = conn.ProjectID
	event.ConnectionID = conn.ID
	event.Provider = strings.ToLower(strings.TrimSpace(conn.Provider))
	actor, err := p.deps.Hasher.HashActor(conn.ProjectID, event.Actor)
	if err != nil {
		event.Actor = nil
		return event, core.NewMappingError(err, "inbound: hash actor", nil)
	}
	event.Actor = actor
	event.EventType = strings.ToLower(strings.TrimSpace(event.EventType))
	event.IdempotencyKey = strings.TrimSpace(event.IdempotencyKey)
	if event.EventType == "" {
		return event, core.NewMappingError(nil, "inbound: mapped event has no type", nil)
	}
	if event.IdempotencyKey == "" {
		return event, core.NewMappingError(nil, "inbound: mapped event has no idempotency key", map[string]any{"event_type": event.EventType})
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now()
	}
	return event, nil
}

func (p *Pipeline) park(ctx context.Context, conn core.Connection, payload WebhookPayload, cause error) (string, error) {
	return p.createDLQ(ctx, core.DLQEvent{
		ProjectID:    conn.ProjectID,
		ConnectionID: conn.ID,
		Provider:     payload.Provider,
		Topic:        payload.Topic,
		Payload:      payload.Body,
		Headers:      parkedHeaders(payload),
	}, cause)
}

func (p *Pipeline) parkEvent(ctx context.Context, conn core.Connection, event core.CanonicalEvent, cause error) (string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("inbound: encode sync event for dlq: %w", err)
	}
	return p.createDLQ(ctx, core.DLQEvent{
		ProjectID:    conn.ProjectID,
		ConnectionID: conn.ID,
		Provider:     strings.ToLower(strings.TrimSpace(conn.Provider)),
		Topic:        SyncTopic,
		Payload:      body,
	}, cause)
}

func (p *Pipeline) createDLQ(ctx context.Context, event core.DLQEvent, cause error) (string, error) {
	now := p.now()
	event.Status = core.DLQStatusPending
	event.ErrorClass = core.ClassifyError(cause)
	if cause != nil {
		event.ErrorMessage = cause.Error()
	}
	event.NextRetryAt = now.Add(p.retryDelay(0))
	event.DeadAfter = now.Add(p.deadAfter)
	created, err := p.deps.DLQ.Create(ctx, event)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func insertFailure(result core.InsertResult) error {
	if result.Reason != nil {
		return result.Reason
	}
	return fmt.Errorf("sqlstore: insert canonical event failed")
}

// parkedHeaders keeps the routing headers of a delivery and drops anything
// that carries a credential.
func parkedHeaders(payload WebhookPayload) map[string]string {
	out := make(map[string]string, len(payload.Headers)+1)
	for key, value := range payload.Headers {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "signature") || strings.Contains(lower, "hmac") ||
			strings.Contains(lower, "authorization") || strings.Contains(lower, "token") {
			continue
		}
		out[key] = value
	}
	if payload.DeliveryID != "" {
		out["X-Alignment-Delivery-Id"] = payload.DeliveryID
	}
	return out
}

func copyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for key, value := range headers {
		out[key] = value
	}
	return out
}

// HeaderValue is exposed for mappers that need extra provider headers.
func HeaderValue(headers map[string]string, key string) string {
	return webhooks.HeaderValue(headers, key)
}
