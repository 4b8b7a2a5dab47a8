// Package resultcache reuses earlier analysis results for identical ad and
// page content within one project.
package resultcache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const memoKeyPrefix = "alignment::report_cache::v1"

var errMiss = errors.New("resultcache: miss")

type Option func(*Cache)

// WithMemo keeps recent hits in a short-lived cache service in front of the
// report store. Misses are never memoized.
func WithMemo(service repositorycache.CacheService) Option {
	return func(c *Cache) {
		c.memo = service
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(c *Cache) {
		if observer != nil {
			c.observer = observer
		}
	}
}

type Cache struct {
	reports  core.ReportStore
	memo     repositorycache.CacheService
	ttl      time.Duration
	now      func() time.Time
	observer *core.Observer
}

func New(reports core.ReportStore, opts ...Option) (*Cache, error) {
	if reports == nil {
		return nil, fmt.Errorf("resultcache: report store is required")
	}
	cache := &Cache{
		reports:  reports,
		ttl:      core.DefaultConfig().Cache.TTL,
		now:      func() time.Time { return time.Now().UTC() },
		observer: core.NewObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache, nil
}

// MemoKey returns alignment::report_cache::v1::<project_id>::<cache_key>.
func MemoKey(projectID string, cacheKey string) (string, error) {
	projectID = strings.TrimSpace(projectID)
	cacheKey = strings.TrimSpace(cacheKey)
	if projectID == "" || cacheKey == "" {
		return "", fmt.Errorf("resultcache: project id and cache key are required")
	}
	return memoKeyPrefix + "::" + url.PathEscape(projectID) + "::" + cacheKey, nil
}

// Lookup returns the newest original full report for the key in this
// project that is younger than the TTL.
func (c *Cache) Lookup(ctx context.Context, projectID string, cacheKey string) (core.AlignmentReport, bool, error) {
	memoKey, err := MemoKey(projectID, cacheKey)
	if err != nil {
		return core.AlignmentReport{}, false, err
	}
	since := c.now().Add(-c.ttl)

	if c.memo == nil {
		return c.reports.FindCached(ctx, projectID, cacheKey, since)
	}

	report, err := repositorycache.GetOrFetch(ctx, c.memo, memoKey, func(ctx context.Context) (core.AlignmentReport, error) {
		found, ok, err := c.reports.FindCached(ctx, projectID, cacheKey, since)
		if err != nil {
			return core.AlignmentReport{}, err
		}
		if !ok {
			return core.AlignmentReport{}, errMiss
		}
		return found, nil
	})
	if errors.Is(err, errMiss) {
		return core.AlignmentReport{}, false, nil
	}
	if err != nil {
		return core.AlignmentReport{}, false, err
	}
	if report.CreatedAt.Before(since) {
		// Memoized entry outlived the TTL window.
		if err := c.memo.Delete(ctx, memoKey); err != nil {
			c.observer.Warn(ctx, "report memo delete failed", map[string]any{"error": err.Error()})
		}
		return c.reports.FindCached(ctx, projectID, cacheKey, since)
	}
	return report, true, nil
}

// Reuse writes a new report row for job copying the source result. The
// source row itself is never returned to callers.
func (c *Cache) Reuse(ctx context.Context, source core.AlignmentReport, job core.AlignmentJob) (core.AlignmentReport, error) {
	if strings.TrimSpace(source.ID) == "" {
		return core.AlignmentReport{}, fmt.Errorf("resultcache: source report id is required")
	}
	if source.ProjectID != job.ProjectID {
		return core.AlignmentReport{}, fmt.Errorf("resultcache: source report belongs to another project")
	}
	origin := source.ID
	if source.Cached && strings.TrimSpace(source.CachedFrom) != "" {
		origin = source.CachedFrom
	}
	clone := core.AlignmentReport{
		ProjectID:       job.ProjectID,
		JobID:           job.ID,
		AdID:            job.AdID,
		URL:             job.URL,
		CacheKey:        source.CacheKey,
		Score:           source.Score,
		Scores:          cloneScores(source.Scores),
		Findings:        append([]core.Finding(nil), source.Findings...),
		TrackingSignals: cloneSignals(source.TrackingSignals),
		Mode:            source.Mode,
		Cached:          true,
		CachedFrom:      origin,
		CreatedAt:       c.now(),
	}
	created, err := c.reports.Create(ctx, clone)
	if err != nil {
		return core.AlignmentReport{}, err
	}
	c.observer.Count(ctx, "alignment.cache.hit", 1, map[string]string{"project_id": job.ProjectID})
	return created, nil
}

// Store persists an original report. Only full-mode reports become cache
// sources; heuristics-only rows are stored for the audit trail but never
// matched by Lookup.
func (c *Cache) Store(ctx context.Context, report core.AlignmentReport) (core.AlignmentReport, error) {
	report.Cached = false
	report.CachedFrom = ""
	if report.CreatedAt.IsZero() {
		report.CreatedAt = c.now()
	}
	created, err := c.reports.Create(ctx, report)
	if err != nil {
		return core.AlignmentReport{}, err
	}
	if Cacheable(created) && c.memo != nil {
		memoKey, err := MemoKey(created.ProjectID, created.CacheKey)
		if err == nil {
			if err := c.memo.Delete(ctx, memoKey); err != nil {
				c.observer.Warn(ctx, "report memo delete failed", map[string]any{"error": err.Error()})
			}
		}
	}
	c.observer.Count(ctx, "alignment.cache.miss", 1, map[string]string{
		"project_id": created.ProjectID,
		"mode":       string(created.Mode),
	})
	return created, nil
}

func Cacheable(report core.AlignmentReport) bool {
	return !report.Cached && report.Mode == core.ReportModeFull && strings.TrimSpace(report.CacheKey) != ""
}

func cloneScores(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func cloneSignals(in map[string]bool) map[string]bool {
	if in == nil {
		return nil
	}
	out := make(map[string]bool, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
