package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/goliatone/go-alignment/core"
	alignmigrations "github.com/goliatone/go-alignment/migrations"
	sqlstore "github.com/goliatone/go-alignment/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-alignment-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{
		"alignment_connections",
		"canonical_events",
		"dlq_events",
		"monitored_ads",
		"alignment_jobs",
		"alignment_reports",
		"alignment_alerts",
		"schedule_settings",
		"notification_targets",
		"alert_dispatches",
	} {
		var count int
		if err := client.DB().NewRaw(
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &count); err != nil {
			t.Fatalf("query sqlite_master for %s: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestEventStore_SameKeyConvergesToOneRow(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()

	event := core.CanonicalEvent{
		ProjectID:      "proj_1",
		ConnectionID:   "conn_1",
		Provider:       "shopify",
		EventType:      "purchase",
		IdempotencyKey: core.IdempotencyKey("shopify", "order_1001", "purchase"),
		OccurredAt:     time.Now().UTC(),
		Actor:          map[string]string{"email_hash": "abc"},
		Value:          map[string]any{"amount": 42.5},
	}

	first := factory.EventStore().Insert(ctx, event)
	if first.Outcome != core.InsertInserted {
		t.Fatalf("expected first insert to be inserted, got %q (%v)", first.Outcome, first.Reason)
	}
	for i := 0; i < 3; i++ {
		result := factory.EventStore().Insert(ctx, event)
		if result.Outcome != core.InsertDuplicate {
			t.Fatalf("attempt %d: expected duplicate, got %q (%v)", i, result.Outcome, result.Reason)
		}
		if result.EventID != first.EventID {
			t.Fatalf("expected duplicate to point at %q, got %q", first.EventID, result.EventID)
		}
		if !result.OK() {
			t.Fatalf("expected duplicate to count as ok")
		}
	}

	count, err := factory.EventStore().Count(ctx, "proj_1")
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one stored event, got %d", count)
	}

	other := event
	other.ProjectID = "proj_2"
	if result := factory.EventStore().Insert(ctx, other); result.Outcome != core.InsertInserted {
		t.Fatalf("expected same key in another project to insert, got %q", result.Outcome)
	}
}

func TestEventStore_MissingKeyFails(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()

	result := factory.EventStore().Insert(context.Background(), core.CanonicalEvent{
		ProjectID: "proj_1",
		EventType: "purchase",
	})
	if result.Outcome != core.InsertFailed || result.Reason == nil {
		t.Fatalf("expected failed outcome with reason, got %+v", result)
	}
}

func TestDLQStore_ClaimDueIsExclusiveAndCompletes(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()
	store := factory.DLQStore()
	now := time.Now().UTC()

	due := make([]core.DLQEvent, 0, 2)
	for i := 0; i < 2; i++ {
		created, err := store.Create(ctx, core.DLQEvent{
			ProjectID:    "proj_1",
			ConnectionID: "conn_1",
			Provider:     "shopify",
			Topic:        "orders/create",
			Payload:      []byte(fmt.Sprintf(`{"id":%d}`, i)),
			Headers:      map[string]string{"X-Shopify-Topic": "orders/create"},
			ErrorClass:   core.ErrorClassStorage,
			ErrorMessage: "sqlstore: insert canonical event: boom",
			NextRetryAt:  now.Add(-time.Minute),
			DeadAfter:    now.Add(72 * time.Hour),
		})
		if err != nil {
			t.Fatalf("create dlq event: %v", err)
		}
		if created.Status != core.DLQStatusPending || created.AttemptCount != 0 {
			t.Fatalf("expected pending row with zero attempts, got %+v", created)
		}
		due = append(due, created)
	}
	if _, err := store.Create(ctx, core.DLQEvent{
		ProjectID:    "proj_1",
		ConnectionID: "conn_1",
		Provider:     "shopify",
		Payload:      []byte(`{}`),
		NextRetryAt:  now.Add(time.Hour),
		DeadAfter:    now.Add(72 * time.Hour),
	}); err != nil {
		t.Fatalf("create future dlq event: %v", err)
	}

	claimed, err := store.ClaimDue(ctx, now, now.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed rows, got %d", len(claimed))
	}
	firstToken := claimed[0].ClaimToken
	for _, event := range claimed {
		if event.Status != core.DLQStatusRetrying {
			t.Fatalf("expected claimed row to be retrying, got %q", event.Status)
		}
		if event.ClaimToken == "" || event.ClaimToken != firstToken {
			t.Fatalf("expected one claim token per batch, got %q and %q", event.ClaimToken, firstToken)
		}
		if string(event.Payload) == "" {
			t.Fatalf("expected payload to be returned on claim")
		}
	}

	again, err := store.ClaimDue(ctx, now, now.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no rows for a concurrent poller, got %d", len(again))
	}

	if err := store.Complete(ctx, core.DLQOutcome{ID: due[0].ID, Status: core.DLQStatusResolved}); err == nil {
		t.Fatalf("expected complete without a claim token to fail")
	}
	if err := store.Complete(ctx, core.DLQOutcome{
		ID:           due[0].ID,
		ClaimToken:   firstToken,
		Status:       core.DLQStatusResolved,
		AttemptCount: 1,
		At:           now,
	}); err != nil {
		t.Fatalf("complete resolved: %v", err)
	}
	resolved, err := store.Get(ctx, due[0].ID)
	if err != nil {
		t.Fatalf("get resolved: %v", err)
	}
	if resolved.Status != core.DLQStatusResolved || resolved.ResolvedAt == nil || resolved.AttemptCount != 1 || resolved.ClaimToken != "" {
		t.Fatalf("unexpected resolved row %+v", resolved)
	}

	err = store.Complete(ctx, core.DLQOutcome{ID: due[0].ID, ClaimToken: firstToken, Status: core.DLQStatusDead, AttemptCount: 2})
	if !errors.Is(err, sqlstore.ErrClaimNotHeld) {
		t.Fatalf("expected terminal row to reject further outcomes, got %v", err)
	}

	expired, err := store.ClaimDue(ctx, now.Add(10*time.Minute), now.Add(15*time.Minute), 10)
	if err != nil {
		t.Fatalf("claim after lease: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != due[1].ID {
		t.Fatalf("expected abandoned claim to be claimable again, got %+v", expired)
	}
	if expired[0].ClaimToken == firstToken {
		t.Fatalf("expected a reclaim to issue a new token")
	}

	// The poller whose lease ran out must not settle the row it lost.
	err = store.Complete(ctx, core.DLQOutcome{ID: due[1].ID, ClaimToken: firstToken, Status: core.DLQStatusResolved, AttemptCount: 1})
	if !errors.Is(err, sqlstore.ErrClaimNotHeld) {
		t.Fatalf("expected stale claim token to be rejected, got %v", err)
	}
	if err := store.Complete(ctx, core.DLQOutcome{
		ID:           due[1].ID,
		ClaimToken:   expired[0].ClaimToken,
		Status:       core.DLQStatusPending,
		AttemptCount: 1,
		NextRetryAt:  now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("complete with current token: %v", err)
	}

	pending, err := store.List(ctx, core.DLQStatusPending, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected the future and rescheduled rows to be pending, got %d", len(pending))
	}
}

func TestDLQStore_GetUnknownIsNotFound(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()

	_, err := factory.DLQStore().Get(context.Background(), uuid.NewString())
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestJobStore_ClaimIsExclusive(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()
	store := factory.JobStore()
	job := createJob(t, store, "proj_1")
	now := time.Now().UTC()

	won, err := store.Claim(ctx, core.LeaseClaim{JobID: job.ID, WorkerID: "w1", Now: now, ExpiresAt: now.Add(2 * time.Minute)})
	if err != nil || !won {
		t.Fatalf("expected w1 to claim, won=%v err=%v", won, err)
	}
	won, err = store.Claim(ctx, core.LeaseClaim{JobID: job.ID, WorkerID: "w2", Now: now, ExpiresAt: now.Add(2 * time.Minute)})
	if err != nil || won {
		t.Fatalf("expected second claim to lose, won=%v err=%v", won, err)
	}
	won, err = store.Reclaim(ctx, core.LeaseClaim{JobID: job.ID, WorkerID: "w2", Now: now.Add(time.Second), ExpiresAt: now.Add(3 * time.Minute), Note: "reclaimed after worker crash"})
	if err != nil || won {
		t.Fatalf("expected reclaim of a live lease to lose, won=%v err=%v", won, err)
	}

	ok, err := store.Heartbeat(ctx, core.LeaseClaim{JobID: job.ID, WorkerID: "w2", Now: now.Add(time.Second), ExpiresAt: now.Add(3 * time.Minute)})
	if err != nil || ok {
		t.Fatalf("expected non-holder heartbeat to fail, ok=%v err=%v", ok, err)
	}
	ok, err = store.Heartbeat(ctx, core.LeaseClaim{JobID: job.ID, WorkerID: "w1", Now: now.Add(time.Second), ExpiresAt: now.Add(3 * time.Minute)})
	if err != nil || !ok {
		t.Fatalf("expected holder heartbeat to succeed, ok=%v err=%v", ok, err)
	}

	stored, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != core.JobStatusRunning || stored.LockedBy != "w1" || stored.Attempts != 1 {
		t.Fatalf("unexpected job after claim %+v", stored)
	}
}

func TestJobStore_ReclaimExpiredLease(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()
	store := factory.JobStore()
	job := createJob(t, store, "proj_1")
	now := time.Now().UTC()

	if won, err := store.Claim(ctx, core.LeaseClaim{JobID: job.ID, WorkerID: "w1", Now: now, ExpiresAt: now.Add(2 * time.Minute)}); err != nil || !won {
		t.Fatalf("claim: won=%v err=%v", won, err)
	}

	later := now.Add(3 * time.Minute)
	claimable, err := store.ListClaimable(ctx, later, 10)
	if err != nil {
		t.Fatalf("list claimable: %v", err)
	}
	if len(claimable) != 1 || claimable[0].ID != job.ID {
		t.Fatalf("expected expired job to be claimable, got %+v", claimable)
	}

	won, err := store.Reclaim(ctx, core.LeaseClaim{
		JobID:     job.ID,
		WorkerID:  "w2",
		Now:       later,
		ExpiresAt: later.Add(2 * time.Minute),
		Note:      "reclaimed after worker crash",
	})
	if err != nil || !won {
		t.Fatalf("expected reclaim to win, won=%v err=%v", won, err)
	}

	if ok, err := store.Heartbeat(ctx, core.LeaseClaim{JobID: job.ID, WorkerID: "w1", Now: later, ExpiresAt: later.Add(time.Minute)}); err != nil || ok {
		t.Fatalf("expected stale holder heartbeat to fail, ok=%v err=%v", ok, err)
	}
	if ok, err := store.Finalize(ctx, core.JobFinalize{JobID: job.ID, WorkerID: "w1", Status: core.JobStatusCompleted, At: later}); err != nil || ok {
		t.Fatalf("expected stale holder finalize to fail, ok=%v err=%v", ok, err)
	}
	if ok, err := store.Finalize(ctx, core.JobFinalize{JobID: job.ID, WorkerID: "w2", Status: core.JobStatusCompleted, ReportID: "rep_1", At: later}); err != nil || !ok {
		t.Fatalf("expected holder finalize to succeed, ok=%v err=%v", ok, err)
	}

	stored, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != core.JobStatusCompleted {
		t.Fatalf("expected completed, got %q", stored.Status)
	}
	if stored.LockedBy != "" || stored.LockExpiresAt != nil {
		t.Fatalf("expected lease to be cleared, got %q %v", stored.LockedBy, stored.LockExpiresAt)
	}
	if stored.ErrorMessage != "reclaimed after worker crash" {
		t.Fatalf("expected reclaim audit note, got %q", stored.ErrorMessage)
	}
	if stored.ReportID != "rep_1" || stored.FinishedAt == nil || stored.Attempts != 2 {
		t.Fatalf("unexpected finalized job %+v", stored)
	}
}

func TestJobStore_LastSuccessAndCounts(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()
	store := factory.JobStore()

	last, err := store.LastSuccess(ctx, "proj_1")
	if err != nil {
		t.Fatalf("last success: %v", err)
	}
	if last != nil {
		t.Fatalf("expected no last success, got %v", last)
	}

	now := time.Now().UTC()
	job := createJob(t, store, "proj_1")
	createJob(t, store, "proj_1")
	createJob(t, store, "proj_2")
	if won, err := store.Claim(ctx, core.LeaseClaim{JobID: job.ID, WorkerID: "w1", Now: now, ExpiresAt: now.Add(time.Minute)}); err != nil || !won {
		t.Fatalf("claim: won=%v err=%v", won, err)
	}
	if ok, err := store.Finalize(ctx, core.JobFinalize{JobID: job.ID, WorkerID: "w1", Status: core.JobStatusCompleted, At: now}); err != nil || !ok {
		t.Fatalf("finalize: ok=%v err=%v", ok, err)
	}

	last, err = store.LastSuccess(ctx, "proj_1")
	if err != nil {
		t.Fatalf("last success: %v", err)
	}
	if last == nil || last.Sub(now).Abs() > time.Second {
		t.Fatalf("expected last success near %v, got %v", now, last)
	}

	count, err := store.CountCreatedSince(ctx, "proj_1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 jobs for proj_1, got %d", count)
	}
}

func TestReportStore_FindCachedIsProjectScoped(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()
	store := factory.ReportStore()
	now := time.Now().UTC()

	reportA, err := store.Create(ctx, core.AlignmentReport{
		ProjectID:       "proj_a",
		CacheKey:        "K",
		Score:           80,
		Scores:          map[string]float64{"message_match": 80},
		Findings:        []core.Finding{{Code: "cta_mismatch", Severity: "warning", Message: "CTA differs"}},
		TrackingSignals: map[string]bool{"ga4": true},
		Mode:            core.ReportModeFull,
		CreatedAt:       now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("create report a: %v", err)
	}
	if _, err := store.Create(ctx, core.AlignmentReport{
		ProjectID: "proj_b",
		CacheKey:  "K",
		Score:     10,
		Mode:      core.ReportModeFull,
		CreatedAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("create report b: %v", err)
	}
	if _, err := store.Create(ctx, core.AlignmentReport{
		ProjectID:  "proj_a",
		CacheKey:   "K",
		Score:      80,
		Mode:       core.ReportModeFull,
		Cached:     true,
		CachedFrom: reportA.ID,
		CreatedAt:  now,
	}); err != nil {
		t.Fatalf("create clone: %v", err)
	}

	found, ok, err := store.FindCached(ctx, "proj_a", "K", now.Add(-168*time.Hour))
	if err != nil || !ok {
		t.Fatalf("expected a hit for proj_a, ok=%v err=%v", ok, err)
	}
	if found.ID != reportA.ID || found.Score != 80 {
		t.Fatalf("expected original proj_a report, got %+v", found)
	}
	if len(found.Findings) != 1 || !found.TrackingSignals["ga4"] {
		t.Fatalf("expected findings and signals to round trip, got %+v", found)
	}

	if _, ok, err := store.FindCached(ctx, "proj_c", "K", now.Add(-168*time.Hour)); err != nil || ok {
		t.Fatalf("expected miss for proj_c, ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.FindCached(ctx, "proj_a", "K", now.Add(-time.Minute)); err != nil || ok {
		t.Fatalf("expected entries older than the window to miss, ok=%v err=%v", ok, err)
	}
}

func TestAlertStore_SameFingerprintIsSuppressed(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()
	store := factory.AlertStore()

	alert := core.AlignmentAlert{
		ProjectID:   "proj_1",
		URL:         "https://example.com/landing",
		AdID:        "ad_1",
		AlertType:   core.AlertTypeLowScore,
		Fingerprint: "fp_1",
		Day:         "2026-10-14",
		Severity:    "critical",
		Message:     "score 22 below 40",
	}
	created, isNew, err := store.CreateOrSuppress(ctx, alert)
	if err != nil || !isNew {
		t.Fatalf("expected first alert to be created, new=%v err=%v", isNew, err)
	}
	second, isNew, err := store.CreateOrSuppress(ctx, alert)
	if err != nil || isNew {
		t.Fatalf("expected second alert to be suppressed, new=%v err=%v", isNew, err)
	}
	if second.ID != created.ID || second.SuppressedCount != 1 {
		t.Fatalf("expected suppression on the same row, got %+v", second)
	}

	alerts, err := store.List(ctx, "proj_1", "2026-10-14")
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected one alert row, got %d", len(alerts))
	}

	resolved, err := store.Resolve(ctx, created.ID, time.Now())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != core.AlertStatusResolved || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected resolved alert %+v", resolved)
	}
	if _, err := store.Resolve(ctx, uuid.NewString(), time.Now()); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found for unknown alert, got %v", err)
	}
}

func TestSettingsStore_UpsertAndListEnabled(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()
	store := factory.SettingsStore()

	if _, err := store.Get(ctx, "proj_1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found before upsert, got %v", err)
	}

	created, err := store.Upsert(ctx, core.ScheduleSettings{
		ProjectID:       "proj_1",
		Enabled:         true,
		Cadence:         core.CadenceWeekly,
		MaxChecksPerDay: 3,
		QuietHours:      core.QuietHours{Start: "22:00", End: "06:00"},
		Timezone:        "Europe/Madrid",
	})
	if err != nil {
		t.Fatalf("upsert create: %v", err)
	}
	if created.Cadence != core.CadenceWeekly || created.QuietHours.Start != "22:00" {
		t.Fatalf("unexpected created settings %+v", created)
	}

	if _, err := store.Upsert(ctx, core.ScheduleSettings{ProjectID: "proj_2", Enabled: false}); err != nil {
		t.Fatalf("upsert disabled: %v", err)
	}
	updated, err := store.Upsert(ctx, core.ScheduleSettings{ProjectID: "proj_1", Enabled: true, MaxChecksPerDay: 5})
	if err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	if updated.MaxChecksPerDay != 5 || updated.Cadence != core.CadenceDaily {
		t.Fatalf("unexpected updated settings %+v", updated)
	}

	enabled, err := store.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].ProjectID != "proj_1" {
		t.Fatalf("expected only proj_1 enabled, got %+v", enabled)
	}
}

func TestCachedSettingsStore_ReadsThroughAndInvalidates(t *testing.T) {
	base := &countingSettingsStore{settings: map[string]core.ScheduleSettings{
		"proj_1": {ProjectID: "proj_1", Enabled: true, MaxChecksPerDay: 2},
	}}
	store, err := sqlstore.NewCachedSettingsStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached settings store: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := store.Get(ctx, "proj_1")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if got.MaxChecksPerDay != 2 {
			t.Fatalf("unexpected settings %+v", got)
		}
	}
	if base.getCalls != 1 {
		t.Fatalf("expected one base read, got %d", base.getCalls)
	}

	if _, err := store.Upsert(ctx, core.ScheduleSettings{ProjectID: "proj_1", Enabled: true, MaxChecksPerDay: 9}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := store.Get(ctx, "proj_1")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got.MaxChecksPerDay != 9 || base.getCalls != 2 {
		t.Fatalf("expected invalidated read, got %+v after %d calls", got, base.getCalls)
	}

	key, err := sqlstore.SettingsCacheKey("proj 1")
	if err != nil {
		t.Fatalf("cache key: %v", err)
	}
	if key != "alignment::schedule_settings::v1::proj%201" {
		t.Fatalf("unexpected cache key %q", key)
	}
}

func TestConnectionStore_CreateAndGet(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()

	created, err := factory.ConnectionStore().Create(ctx, core.Connection{
		ProjectID:         "proj_1",
		Provider:          "Shopify",
		ExternalAccountID: "shop_1",
		EncryptedSecret:   []byte("alignment.secret.v1:opaque"),
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	got, err := factory.ConnectionStore().Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if got.Provider != "shopify" || got.Status != core.ConnectionStatusActive {
		t.Fatalf("unexpected connection %+v", got)
	}
	if string(got.EncryptedSecret) != "alignment.secret.v1:opaque" {
		t.Fatalf("expected secret bytes to round trip, got %q", got.EncryptedSecret)
	}

	if _, err := factory.ConnectionStore().Get(ctx, uuid.NewString()); !errors.Is(err, core.ErrConnectionNotFound) {
		t.Fatalf("expected connection not found, got %v", err)
	}
}

func TestMonitoredAdsTargetsAndDispatchLedger(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	ctx := context.Background()

	for i, enabled := range []bool{true, false} {
		if _, err := factory.MonitoredAdStore().Create(ctx, core.MonitoredAd{
			ProjectID: "proj_1",
			AdID:      fmt.Sprintf("ad_%d", i),
			URL:       "https://example.com/landing",
			Ad:        core.AdContent{Headline: "Summer sale", Keywords: []string{"sale"}},
			Enabled:   enabled,
		}); err != nil {
			t.Fatalf("create monitored ad: %v", err)
		}
	}
	ads, err := factory.MonitoredAdStore().ListEnabled(ctx, "proj_1")
	if err != nil {
		t.Fatalf("list ads: %v", err)
	}
	if len(ads) != 1 || ads[0].AdID != "ad_0" || ads[0].Ad.Headline != "Summer sale" {
		t.Fatalf("unexpected enabled ads %+v", ads)
	}
	if _, err := factory.MonitoredAdStore().Get(ctx, "proj_1", "ad_9"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected missing ad to be not found, got %v", err)
	}

	target, err := factory.NotificationTargetStore().Create(ctx, core.NotificationTarget{
		ProjectID: "proj_1",
		URL:       "https://hooks.example.com/alerts",
		Secret:    "s3cret",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	if _, err := factory.NotificationTargetStore().Create(ctx, core.NotificationTarget{
		ProjectID: "proj_1",
		URL:       "https://hooks.example.com/muted",
		Enabled:   false,
	}); err != nil {
		t.Fatalf("create disabled target: %v", err)
	}
	targets, err := factory.NotificationTargetStore().ListEnabled(ctx, "proj_1")
	if err != nil {
		t.Fatalf("list targets: %v", err)
	}
	if len(targets) != 1 || targets[0].Kind != "webhook" || targets[0].ID != target.ID {
		t.Fatalf("unexpected targets %+v", targets)
	}

	alert, _, err := factory.AlertStore().CreateOrSuppress(ctx, core.AlignmentAlert{
		ProjectID:   "proj_1",
		AlertType:   core.AlertTypeMissingTracking,
		Fingerprint: "fp_dispatch",
		Day:         "2026-10-14",
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}
	if _, err := factory.DispatchLedger().Record(ctx, core.AlertDispatch{
		AlertID:  alert.ID,
		TargetID: target.ID,
		Status:   core.DispatchStatusFailed,
		Error:    "status 500",
	}); err != nil {
		t.Fatalf("record dispatch: %v", err)
	}
	dispatches, err := factory.DispatchLedger().ListByAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("list dispatches: %v", err)
	}
	if len(dispatches) != 1 || dispatches[0].Status != core.DispatchStatusFailed {
		t.Fatalf("unexpected dispatches %+v", dispatches)
	}
}

func createJob(t *testing.T, store *sqlstore.JobStore, projectID string) core.AlignmentJob {
	t.Helper()
	job, err := store.Create(context.Background(), core.AlignmentJob{
		ProjectID: projectID,
		AdID:      "ad_1",
		URL:       "https://example.com/landing",
		Ad:        core.AdContent{Headline: "Summer sale"},
		Trigger:   core.JobTriggerManual,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != core.JobStatusQueued || job.CorrelationID == "" {
		t.Fatalf("unexpected created job %+v", job)
	}
	return job
}

type countingSettingsStore struct {
	settings map[string]core.ScheduleSettings
	getCalls int
}

func (s *countingSettingsStore) Get(_ context.Context, projectID string) (core.ScheduleSettings, error) {
	s.getCalls++
	settings, ok := s.settings[projectID]
	if !ok {
		return core.ScheduleSettings{}, core.ErrNotFound
	}
	return settings, nil
}

func (s *countingSettingsStore) Upsert(_ context.Context, settings core.ScheduleSettings) (core.ScheduleSettings, error) {
	s.settings[settings.ProjectID] = settings
	return settings, nil
}

func (s *countingSettingsStore) ListEnabled(context.Context) ([]core.ScheduleSettings, error) {
	out := make([]core.ScheduleSettings, 0, len(s.settings))
	for _, settings := range s.settings {
		out = append(out, settings)
	}
	return out, nil
}

func newTestCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}

func newFactory(t *testing.T) (*sqlstore.RepositoryFactory, func()) {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		cleanup()
		t.Fatalf("new repository factory: %v", err)
	}
	return factory, cleanup
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:alignment-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	if _, err := alignmigrations.RegisterDialect(ctx, alignmigrations.DialectSQLite, func(fsys fs.FS) {
		client.RegisterSQLMigrations(fsys)
	}); err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
