package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// EventStore persists canonical events behind UNIQUE(project_id,
// idempotency_key). A violation of that constraint is the duplicate signal.
type EventStore struct {
	db *bun.DB
}

func NewEventStore(db *bun.DB) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &EventStore{db: db}, nil
}

func (s *EventStore) Insert(ctx context.Context, event core.CanonicalEvent) core.InsertResult {
	if s == nil || s.db == nil {
		return failed(fmt.Errorf("sqlstore: event store is not configured"))
	}
	projectID := strings.TrimSpace(event.ProjectID)
	key := strings.TrimSpace(event.IdempotencyKey)
	if projectID == "" {
		return failed(fmt.Errorf("sqlstore: project id is required"))
	}
	if key == "" {
		return failed(fmt.Errorf("sqlstore: idempotency key is required"))
	}
	if strings.TrimSpace(event.EventType) == "" {
		return failed(fmt.Errorf("sqlstore: event type is required"))
	}

	now := time.Now().UTC()
	occurredAt := event.OccurredAt.UTC()
	if event.OccurredAt.IsZero() {
		occurredAt = now
	}
	record := &canonicalEventRecord{
		ID:             strings.TrimSpace(event.ID),
		ProjectID:      projectID,
		ConnectionID:   strings.TrimSpace(event.ConnectionID),
		Provider:       strings.TrimSpace(event.Provider),
		EventType:      strings.TrimSpace(event.EventType),
		IdempotencyKey: key,
		OccurredAt:     occurredAt,
		Actor:          copyStringMap(event.Actor),
		Entities:       copyAnyMap(event.Entities),
		Value:          copyAnyMap(event.Value),
		RawRef:         strings.TrimSpace(event.RawRef),
		CreatedAt:      now,
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if !isUniqueViolation(err) {
			return failed(fmt.Errorf("sqlstore: insert canonical event: %w", err))
		}
		result := core.InsertResult{Outcome: core.InsertDuplicate}
		existing := &canonicalEventRecord{}
		lookupErr := s.db.NewSelect().
			Model(existing).
			Column("id").
			Where("?TableAlias.project_id = ?", projectID).
			Where("?TableAlias.idempotency_key = ?", key).
			Limit(1).
			Scan(ctx)
		if lookupErr == nil {
			result.EventID = existing.ID
		}
		return result
	}
	return core.InsertResult{Outcome: core.InsertInserted, EventID: record.ID}
}

// Count returns the stored events for a project, mostly for operators and
// tests asserting convergence.
func (s *EventStore) Count(ctx context.Context, projectID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: event store is not configured")
	}
	return s.db.NewSelect().
		Model((*canonicalEventRecord)(nil)).
		Where("?TableAlias.project_id = ?", strings.TrimSpace(projectID)).
		Count(ctx)
}

func failed(reason error) core.InsertResult {
	return core.InsertResult{Outcome: core.InsertFailed, Reason: reason}
}

var _ core.EventStore = (*EventStore)(nil)
