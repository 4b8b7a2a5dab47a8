// Package schedule decides which projects are due and turns monitored ads
// into queued alignment jobs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/leader"
)

// JobScriptPath tags alignment runs on the job queue.
const JobScriptPath = "alignment/run"

const defaultRecoveryLimit = 100

type Dependencies struct {
	Locker   leader.Locker
	Settings core.SettingsStore
	Ads      core.MonitoredAdStore
	Jobs     core.JobStore
	Enqueuer core.JobEnqueuer
}

type Config struct {
	LockKey       string
	TickInterval  time.Duration
	RecoveryLimit int
}

func ConfigFrom(cfg core.SchedulerConfig) Config {
	return Config{LockKey: cfg.LockKey, TickInterval: cfg.TickInterval}
}

type TickStats struct {
	Ran       bool
	Projects  int
	Due       int
	Enqueued  int
	Refused   map[AdmitReason]int
	InFlight  int
	Recovered int
}

type Option func(*Scheduler)

func WithObserver(observer *core.Observer) Option {
	return func(s *Scheduler) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

type Scheduler struct {
	deps     Dependencies
	config   Config
	observer *core.Observer
	now      func() time.Time
}

func NewScheduler(deps Dependencies, config Config, opts ...Option) (*Scheduler, error) {
	switch {
	case deps.Locker == nil:
		return nil, fmt.Errorf("schedule: locker is required")
	case deps.Settings == nil:
		return nil, fmt.Errorf("schedule: settings store is required")
	case deps.Ads == nil:
		return nil, fmt.Errorf("schedule: monitored ad store is required")
	case deps.Jobs == nil:
		return nil, fmt.Errorf("schedule: job store is required")
	case deps.Enqueuer == nil:
		return nil, fmt.Errorf("schedule: job enqueuer is required")
	}
	defaults := ConfigFrom(core.DefaultConfig().Scheduler)
	if strings.TrimSpace(config.LockKey) == "" {
		config.LockKey = defaults.LockKey
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.RecoveryLimit <= 0 {
		config.RecoveryLimit = defaultRecoveryLimit
	}
	scheduler := &Scheduler{
		deps:     deps,
		config:   config,
		observer: core.NewObserver(nil, nil),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(scheduler)
		}
	}
	return scheduler, nil
}

// Tick runs one scheduling pass under the leader lock. Losing the lock race
// returns Ran=false and no error.
func (s *Scheduler) Tick(ctx context.Context) (stats TickStats, err error) {
	startedAt := time.Now()
	defer func() {
		s.observer.Observe(ctx, startedAt, "schedule.tick", err, map[string]any{
			"ran":       stats.Ran,
			"projects":  stats.Projects,
			"due":       stats.Due,
			"enqueued":  stats.Enqueued,
			"recovered": stats.Recovered,
		})
	}()

	result, ran, err := leader.WithLeaderLock(ctx, s.deps.Locker, s.config.LockKey, s.tick)
	result.Ran = ran
	return result, err
}

func (s *Scheduler) tick(ctx context.Context) (TickStats, error) {
	stats := TickStats{Refused: map[AdmitReason]int{}}
	now := s.now()

	projects, err := s.deps.Settings.ListEnabled(ctx)
	if err != nil {
		return stats, fmt.Errorf("schedule: list enabled projects: %w", err)
	}
	stats.Projects = len(projects)

	var tickErr error
	for _, settings := range projects {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := s.scheduleProject(ctx, settings, now, &stats); err != nil {
			s.observer.Warn(ctx, "schedule project failed", map[string]any{
				"project_id": settings.ProjectID,
				"error":      err.Error(),
			})
			tickErr = errors.Join(tickErr, err)
		}
	}

	recovered, err := s.recoverExpired(ctx, now)
	stats.Recovered = recovered
	if err != nil {
		tickErr = errors.Join(tickErr, err)
	}
	return stats, tickErr
}

func (s *Scheduler) scheduleProject(ctx context.Context, settings core.ScheduleSettings, now time.Time, stats *TickStats) error {
	projectID := strings.TrimSpace(settings.ProjectID)
	last, err := s.deps.Jobs.LastSuccess(ctx, projectID)
	if err != nil {
		return fmt.Errorf("schedule: last success for %s: %w", projectID, err)
	}
	if !IsDue(settings, last, now) {
		return nil
	}
	stats.Due++

	checks, err := s.deps.Jobs.CountCreatedSince(ctx, projectID, StartOfDay(settings, now))
	if err != nil {
		return fmt.Errorf("schedule: count checks for %s: %w", projectID, err)
	}
	ads, err := s.deps.Ads.ListEnabled(ctx, projectID)
	if err != nil {
		return fmt.Errorf("schedule: list monitored ads for %s: %w", projectID, err)
	}

	var projectErr error
	for _, ad := range ads {
		open, err := s.deps.Jobs.HasOpen(ctx, projectID, ad.AdID)
		if err != nil {
			projectErr = errors.Join(projectErr, fmt.Errorf("schedule: open jobs for ad %s: %w", ad.AdID, err))
			continue
		}
		if open {
			// Ticks keep finding the project due until a run succeeds.
			stats.InFlight++
			continue
		}
		allowed, reason := CanAdmit(settings, checks, now)
		if !allowed {
			stats.Refused[reason]++
			break
		}
		if _, err := s.enqueue(ctx, ad, core.JobTriggerSchedule, now); err != nil {
			projectErr = errors.Join(projectErr, err)
			continue
		}
		checks++
		stats.Enqueued++
	}
	return projectErr
}

// recoverExpired republishes running jobs whose lease ran out so another
// worker can reclaim them.
func (s *Scheduler) recoverExpired(ctx context.Context, now time.Time) (int, error) {
	jobs, err := s.deps.Jobs.ListClaimable(ctx, now, s.config.RecoveryLimit)
	if err != nil {
		return 0, fmt.Errorf("schedule: list claimable jobs: %w", err)
	}
	recovered := 0
	var recoverErr error
	for _, job := range jobs {
		if !s.needsRecovery(job, now) {
			continue
		}
		if err := s.publish(ctx, job); err != nil {
			recoverErr = errors.Join(recoverErr, err)
			continue
		}
		recovered++
	}
	return recovered, recoverErr
}

// needsRecovery picks expired running jobs, and queued jobs that sat for a
// whole tick without being picked up.
func (s *Scheduler) needsRecovery(job core.AlignmentJob, now time.Time) bool {
	switch job.Status {
	case core.JobStatusRunning:
		return job.LockExpiresAt != nil && job.LockExpiresAt.Before(now)
	case core.JobStatusQueued:
		return !job.CreatedAt.IsZero() && job.CreatedAt.Add(s.config.TickInterval).Before(now)
	default:
		return false
	}
}

// Trigger queues a user-requested run for one ad. Cadence is bypassed; the
// enabled flag, quiet hours and daily budget still apply.
func (s *Scheduler) Trigger(ctx context.Context, projectID string, adID string) (job core.AlignmentJob, err error) {
	startedAt := time.Now()
	defer func() {
		s.observer.Observe(ctx, startedAt, "schedule.trigger", err, map[string]any{
			"project_id": projectID,
			"ad_id":      adID,
			"job_id":     job.ID,
		})
	}()

	projectID = strings.TrimSpace(projectID)
	adID = strings.TrimSpace(adID)
	if projectID == "" || adID == "" {
		return core.AlignmentJob{}, core.NewBadInputError("schedule: project id and ad id are required", nil)
	}
	settings, err := s.deps.Settings.Get(ctx, projectID)
	if err != nil {
		return core.AlignmentJob{}, err
	}
	ad, err := s.deps.Ads.Get(ctx, projectID, adID)
	if err != nil {
		return core.AlignmentJob{}, err
	}

	now := s.now()
	checks, err := s.deps.Jobs.CountCreatedSince(ctx, projectID, StartOfDay(settings, now))
	if err != nil {
		return core.AlignmentJob{}, fmt.Errorf("schedule: count checks for %s: %w", projectID, err)
	}
	if allowed, reason := CanAdmit(settings, checks, now); !allowed {
		return core.AlignmentJob{}, core.NewBadInputError("schedule: run not admitted", map[string]any{
			"project_id": projectID,
			"ad_id":      adID,
			"reason":     string(reason),
		})
	}
	return s.enqueue(ctx, ad, core.JobTriggerManual, now)
}

func (s *Scheduler) enqueue(ctx context.Context, ad core.MonitoredAd, trigger core.JobTrigger, now time.Time) (core.AlignmentJob, error) {
	job, err := s.deps.Jobs.Create(ctx, core.AlignmentJob{
		ProjectID: ad.ProjectID,
		AdID:      ad.AdID,
		URL:       ad.URL,
		Ad:        ad.Ad,
		Status:    core.JobStatusQueued,
		Trigger:   trigger,
		CreatedAt: now,
	})
	if err != nil {
		return core.AlignmentJob{}, fmt.Errorf("schedule: create job for ad %s: %w", ad.AdID, err)
	}
	if err := s.publish(ctx, job); err != nil {
		// The row stays queued and the recovery sweep republishes it.
		return job, err
	}
	return job, nil
}

func (s *Scheduler) publish(ctx context.Context, job core.AlignmentJob) error {
	err := s.deps.Enqueuer.Enqueue(ctx, &core.JobExecutionMessage{
		JobID:          job.ID,
		ScriptPath:     JobScriptPath,
		IdempotencyKey: job.ID,
		Parameters: map[string]any{
			"project_id":     job.ProjectID,
			"ad_id":          job.AdID,
			"trigger":        string(job.Trigger),
			"correlation_id": job.CorrelationID,
		},
	})
	if err != nil {
		return fmt.Errorf("schedule: enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.observer.Warn(ctx, "schedule tick finished with errors", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
