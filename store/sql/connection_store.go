package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type ConnectionStore struct {
	db   *bun.DB
	repo repository.Repository[*connectionRecord]
}

func NewConnectionStore(db *bun.DB) (*ConnectionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*connectionRecord](db, modelHandlers[connectionRecord, *connectionRecord]())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid connection repository wiring: %w", err)
		}
	}
	return &ConnectionStore{db: db, repo: repo}, nil
}

func (s *ConnectionStore) Create(ctx context.Context, conn core.Connection) (core.Connection, error) {
	if s == nil || s.repo == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	if strings.TrimSpace(conn.ProjectID) == "" {
		return core.Connection{}, fmt.Errorf("sqlstore: project id is required")
	}
	if strings.TrimSpace(conn.Provider) == "" {
		return core.Connection{}, fmt.Errorf("sqlstore: provider is required")
	}

	now := time.Now().UTC()
	record := &connectionRecord{
		ID:                strings.TrimSpace(conn.ID),
		ProjectID:         strings.TrimSpace(conn.ProjectID),
		Provider:          strings.ToLower(strings.TrimSpace(conn.Provider)),
		Status:            string(conn.Status),
		ExternalAccountID: strings.TrimSpace(conn.ExternalAccountID),
		EncryptedSecret:   append([]byte(nil), conn.EncryptedSecret...),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if strings.TrimSpace(record.Status) == "" {
		record.Status = string(core.ConnectionStatusActive)
	}

	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.Connection{}, err
	}
	return created.toDomain(), nil
}

func (s *ConnectionStore) Get(ctx context.Context, id string) (core.Connection, error) {
	if s == nil || s.db == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Connection{}, fmt.Errorf("sqlstore: connection id is required")
	}
	record := &connectionRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Connection{}, fmt.Errorf("sqlstore: connection %q: %w", id, core.ErrConnectionNotFound)
		}
		return core.Connection{}, err
	}
	return record.toDomain(), nil
}

func (r *connectionRecord) toDomain() core.Connection {
	if r == nil {
		return core.Connection{}
	}
	return core.Connection{
		ID:                r.ID,
		ProjectID:         r.ProjectID,
		Provider:          r.Provider,
		Status:            core.ConnectionStatus(r.Status),
		ExternalAccountID: r.ExternalAccountID,
		EncryptedSecret:   append([]byte(nil), r.EncryptedSecret...),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

var _ core.ConnectionStore = (*ConnectionStore)(nil)
