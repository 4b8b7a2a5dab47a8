package resultcache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-alignment/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

type stubReports struct {
	rows      []core.AlignmentReport
	findCalls int
}

func (s *stubReports) Create(_ context.Context, report core.AlignmentReport) (core.AlignmentReport, error) {
	if report.ID == "" {
		report.ID = fmt.Sprintf("rep_%d", len(s.rows)+1)
	}
	s.rows = append(s.rows, report)
	return report, nil
}

func (s *stubReports) Get(_ context.Context, id string) (core.AlignmentReport, error) {
	for _, row := range s.rows {
		if row.ID == id {
			return row, nil
		}
	}
	return core.AlignmentReport{}, core.ErrNotFound
}

func (s *stubReports) FindCached(_ context.Context, projectID string, key string, since time.Time) (core.AlignmentReport, bool, error) {
	s.findCalls++
	for i := len(s.rows) - 1; i >= 0; i-- {
		row := s.rows[i]
		if row.ProjectID == projectID && row.CacheKey == key && !row.Cached &&
			row.Mode == core.ReportModeFull && !row.CreatedAt.Before(since) {
			return row, true, nil
		}
	}
	return core.AlignmentReport{}, false, nil
}

var cacheNow = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func sampleAd() core.AdContent {
	return core.AdContent{Headline: "Winter Sale", Body: "Up to 50% off boots", CTA: "Shop now", Keywords: []string{"boots", "sale"}}
}

func samplePage() core.PageSnapshot {
	return core.PageSnapshot{
		URL:             "https://shop.example/boots",
		Title:           "Winter boots sale",
		H1:              []string{"Boots up to 50% off"},
		CTAs:            []string{"Shop now"},
		TrackingSignals: map[string]bool{"ga4": true, "meta_pixel": true},
		Screenshot:      []byte{1, 2, 3},
	}
}

func newTestCache(t *testing.T, reports *stubReports, opts ...Option) *Cache {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return cacheNow })}, opts...)
	cache, err := New(reports, opts...)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return cache
}

func TestKey_ChangesWithEitherInput(t *testing.T) {
	base := Key(sampleAd(), samplePage())
	if len(base) != 64 {
		t.Fatalf("expected hex sha256 key, got %q", base)
	}

	ad := sampleAd()
	ad.Offer = "free shipping"
	if Key(ad, samplePage()) == base {
		t.Fatalf("expected ad change to alter the key")
	}
	page := samplePage()
	page.TrackingSignals["meta_pixel"] = false
	if Key(sampleAd(), page) == base {
		t.Fatalf("expected page change to alter the key")
	}
}

func TestKey_IgnoresFormattingAndScreenshot(t *testing.T) {
	base := Key(sampleAd(), samplePage())

	ad := sampleAd()
	ad.Headline = "  winter   SALE "
	ad.Keywords = []string{"sale", "boots"}
	page := samplePage()
	page.Screenshot = []byte("another render")
	if Key(ad, page) != base {
		t.Fatalf("expected normalized inputs to share a key")
	}
	if !strings.Contains(NormalizeAd(ad), "headline=winter sale\n") {
		t.Fatalf("unexpected normalized ad %q", NormalizeAd(ad))
	}
}

func TestLookup_ScopedByProjectAndTTL(t *testing.T) {
	reports := &stubReports{rows: []core.AlignmentReport{
		{ID: "rep_a", ProjectID: "proj_a", CacheKey: "K", Mode: core.ReportModeFull, CreatedAt: cacheNow.Add(-time.Hour)},
		{ID: "rep_old", ProjectID: "proj_c", CacheKey: "K", Mode: core.ReportModeFull, CreatedAt: cacheNow.Add(-8 * 24 * time.Hour)},
	}}
	cache := newTestCache(t, reports)
	ctx := context.Background()

	if report, ok, err := cache.Lookup(ctx, "proj_a", "K"); err != nil || !ok || report.ID != "rep_a" {
		t.Fatalf("expected project A hit, got %+v ok=%v err=%v", report, ok, err)
	}
	if _, ok, err := cache.Lookup(ctx, "proj_b", "K"); err != nil || ok {
		t.Fatalf("project B must not see project A entries, ok=%v err=%v", ok, err)
	}
	if _, ok, err := cache.Lookup(ctx, "proj_c", "K"); err != nil || ok {
		t.Fatalf("expected entry older than seven days to miss, ok=%v err=%v", ok, err)
	}
	if _, _, err := cache.Lookup(ctx, "", "K"); err == nil {
		t.Fatalf("expected project id error")
	}
}

func TestReuse_ClonesIntoNewRow(t *testing.T) {
	source := core.AlignmentReport{
		ID: "rep_src", ProjectID: "proj_a", CacheKey: "K", Score: 72,
		Scores: map[string]float64{"message_match": 72}, Mode: core.ReportModeFull,
		Findings: []core.Finding{{Code: "cta_mismatch", Severity: "warn"}},
	}
	reports := &stubReports{rows: []core.AlignmentReport{source}}
	cache := newTestCache(t, reports)

	clone, err := cache.Reuse(context.Background(), source, core.AlignmentJob{ID: "job_2", ProjectID: "proj_a", AdID: "ad_1", URL: "https://shop.example"})
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if clone.ID == source.ID || !clone.Cached || clone.CachedFrom != "rep_src" || clone.JobID != "job_2" {
		t.Fatalf("unexpected clone %+v", clone)
	}
	if len(reports.rows) != 2 {
		t.Fatalf("expected one new row, got %d", len(reports.rows))
	}
	clone.Scores["message_match"] = 0
	if source.Scores["message_match"] != 72 {
		t.Fatalf("clone must not share score maps with the source")
	}

	if _, err := cache.Reuse(context.Background(), source, core.AlignmentJob{ID: "job_3", ProjectID: "proj_b"}); err == nil {
		t.Fatalf("expected cross-project reuse to fail")
	}
}

func TestStore_HeuristicsAreNotCacheSources(t *testing.T) {
	reports := &stubReports{}
	cache := newTestCache(t, reports)
	ctx := context.Background()

	stored, err := cache.Store(ctx, core.AlignmentReport{ProjectID: "proj_a", CacheKey: "K", Mode: core.ReportModeHeuristics})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if Cacheable(stored) {
		t.Fatalf("heuristics report must not be cacheable")
	}
	if _, ok, _ := cache.Lookup(ctx, "proj_a", "K"); ok {
		t.Fatalf("expected heuristics report to be skipped by lookup")
	}
	if _, err := cache.Store(ctx, core.AlignmentReport{ProjectID: "proj_a", CacheKey: "K", Mode: core.ReportModeFull}); err != nil {
		t.Fatalf("store full: %v", err)
	}
	if _, ok, _ := cache.Lookup(ctx, "proj_a", "K"); !ok {
		t.Fatalf("expected full report to be found")
	}
}

func TestLookup_MemoizesHits(t *testing.T) {
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	reports := &stubReports{}
	cache := newTestCache(t, reports, WithMemo(service))
	ctx := context.Background()

	if _, ok, err := cache.Lookup(ctx, "proj_a", "K"); err != nil || ok {
		t.Fatalf("expected initial miss, ok=%v err=%v", ok, err)
	}
	if _, err := cache.Store(ctx, core.AlignmentReport{ProjectID: "proj_a", CacheKey: "K", Mode: core.ReportModeFull}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, ok, err := cache.Lookup(ctx, "proj_a", "K"); err != nil || !ok {
		t.Fatalf("expected hit after store, ok=%v err=%v", ok, err)
	}
	calls := reports.findCalls
	if _, ok, err := cache.Lookup(ctx, "proj_a", "K"); err != nil || !ok {
		t.Fatalf("expected memoized hit, ok=%v err=%v", ok, err)
	}
	if reports.findCalls != calls {
		t.Fatalf("expected memoized lookup to skip the store")
	}
}
