package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-alignment/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const settingsCacheKeyPrefix = "alignment::schedule_settings::v1"

// CachedSettingsStore reads schedule settings through a cache service and
// drops the cached entry on every write.
type CachedSettingsStore struct {
	base  core.SettingsStore
	cache repositorycache.CacheService
}

func NewCachedSettingsStore(
	base core.SettingsStore,
	cacheService repositorycache.CacheService,
) (*CachedSettingsStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base schedule settings store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: schedule settings cache service is required")
	}
	return &CachedSettingsStore{base: base, cache: cacheService}, nil
}

// SettingsCacheKey returns alignment::schedule_settings::v1::<project_id>
// with the project segment URL-path escaped.
func SettingsCacheKey(projectID string) (string, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return "", fmt.Errorf("sqlstore: project id is required")
	}
	return settingsCacheKeyPrefix + "::" + url.PathEscape(projectID), nil
}

func (s *CachedSettingsStore) Get(ctx context.Context, projectID string) (core.ScheduleSettings, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.ScheduleSettings{}, fmt.Errorf("sqlstore: cached schedule settings store is not configured")
	}
	key, err := SettingsCacheKey(projectID)
	if err != nil {
		return core.ScheduleSettings{}, err
	}
	return repositorycache.GetOrFetch(ctx, s.cache, key, func(ctx context.Context) (core.ScheduleSettings, error) {
		return s.base.Get(ctx, projectID)
	})
}

func (s *CachedSettingsStore) Upsert(ctx context.Context, settings core.ScheduleSettings) (core.ScheduleSettings, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.ScheduleSettings{}, fmt.Errorf("sqlstore: cached schedule settings store is not configured")
	}
	key, err := SettingsCacheKey(settings.ProjectID)
	if err != nil {
		return core.ScheduleSettings{}, err
	}
	updated, err := s.base.Upsert(ctx, settings)
	if err != nil {
		return core.ScheduleSettings{}, err
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		return core.ScheduleSettings{}, err
	}
	return updated, nil
}

// ListEnabled always reads through so the scheduler sees new projects on the
// next tick.
func (s *CachedSettingsStore) ListEnabled(ctx context.Context) ([]core.ScheduleSettings, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached schedule settings store is not configured")
	}
	return s.base.ListEnabled(ctx)
}

var _ core.SettingsStore = (*CachedSettingsStore)(nil)
