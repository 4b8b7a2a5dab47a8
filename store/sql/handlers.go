package sqlstore

import (
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// keyedRecord is a bun model whose primary key is a uuid string column.
type keyedRecord[R any] interface {
	*R
	primaryKey() *string
}

func modelHandlers[R any, T keyedRecord[R]]() repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: func() T {
			return T(new(R))
		},
		GetID: func(record T) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(*record.primaryKey())
		},
		SetID: func(record T, id uuid.UUID) {
			if record == nil {
				return
			}
			*record.primaryKey() = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(*record.primaryKey())
		},
	}
}

func (r *connectionRecord) primaryKey() *string         { return &r.ID }
func (r *monitoredAdRecord) primaryKey() *string        { return &r.ID }
func (r *scheduleSettingsRecord) primaryKey() *string   { return &r.ID }
func (r *notificationTargetRecord) primaryKey() *string { return &r.ID }
func (r *alertDispatchRecord) primaryKey() *string      { return &r.ID }

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}
