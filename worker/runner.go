// Package worker executes alignment jobs: it holds the job lease, builds the
// report and raises alerts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-alignment/alerts"
	"github.com/goliatone/go-alignment/analysis"
	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/lease"
	"github.com/goliatone/go-alignment/resultcache"
)

type Dependencies struct {
	Jobs     core.JobStore
	Settings core.SettingsStore
	Leases   *lease.Manager
	Fetcher  core.PageFetcher
	Cache    *resultcache.Cache
	Scorer   *analysis.Scorer
	// Alerts is optional; without it reports are stored but never alerted on.
	Alerts *alerts.Dispatcher
}

type Option func(*Runner)

func WithWorkerID(id string) Option {
	return func(r *Runner) {
		if id = strings.TrimSpace(id); id != "" {
			r.workerID = id
		}
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(r *Runner) {
		if observer != nil {
			r.observer = observer
		}
	}
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusSkipped means another worker holds the lease or the job is
	// already terminal.
	StatusSkipped Status = "skipped"
	// StatusLeaseLost means the lease expired mid-run and nothing was
	// finalized; whoever reclaims the job redoes it.
	StatusLeaseLost Status = "lease_lost"
)

type Outcome struct {
	JobID    string
	Status   Status
	ReportID string
	Cached   bool
	Mode     core.ReportMode
	Alerts   int
}

type Runner struct {
	deps     Dependencies
	workerID string
	observer *core.Observer
}

func NewRunner(deps Dependencies, opts ...Option) (*Runner, error) {
	switch {
	case deps.Jobs == nil:
		return nil, fmt.Errorf("worker: job store is required")
	case deps.Leases == nil:
		return nil, fmt.Errorf("worker: lease manager is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("worker: page fetcher is required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("worker: result cache is required")
	case deps.Scorer == nil:
		return nil, fmt.Errorf("worker: scorer is required")
	}
	runner := &Runner{
		deps:     deps,
		workerID: "worker-" + uuid.NewString(),
		observer: core.NewObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	return runner, nil
}

func (r *Runner) WorkerID() string {
	return r.workerID
}

// Execute runs one job end to end. Job-level failures are written to the job
// row and reported through the outcome; the returned error is reserved for
// store and lease failures the caller may want to retry.
func (r *Runner) Execute(ctx context.Context, jobID string) (outcome Outcome, err error) {
	startedAt := time.Now()
	defer func() {
		r.observer.Observe(ctx, startedAt, "worker.execute", err, map[string]any{
			"job_id":    jobID,
			"worker_id": r.workerID,
			"status":    string(outcome.Status),
			"report_id": outcome.ReportID,
			"cached":    outcome.Cached,
		})
	}()

	jobID = strings.TrimSpace(jobID)
	outcome = Outcome{JobID: jobID}
	job, err := r.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return outcome, err
	}
	if job.Status.Terminal() {
		outcome.Status = StatusSkipped
		return outcome, nil
	}
	acquired, err := r.deps.Leases.Acquire(ctx, jobID, r.workerID)
	if err != nil {
		return outcome, err
	}
	if !acquired {
		outcome.Status = StatusSkipped
		return outcome, nil
	}

	keeper := r.deps.Leases.KeepAlive(ctx, jobID, r.workerID)
	defer keeper.Stop()

	run, runErr := r.run(ctx, job, keeper)
	if errors.Is(runErr, lease.ErrLeaseLost) || keeper.IsLost() {
		r.observer.Warn(ctx, "job lease lost, abandoning run", map[string]any{"job_id": jobID, "worker_id": r.workerID})
		outcome.Status = StatusLeaseLost
		return outcome, nil
	}

	final := core.JobFinalize{JobID: jobID, WorkerID: r.workerID, Status: core.JobStatusCompleted, ReportID: run.ReportID}
	outcome.ReportID, outcome.Cached, outcome.Mode, outcome.Alerts = run.ReportID, run.Cached, run.Mode, run.Alerts
	outcome.Status = StatusCompleted
	if runErr != nil {
		final.Status = core.JobStatusFailed
		final.ErrorMessage = runErr.Error()
		outcome.Status = StatusFailed
	}
	if err := r.deps.Leases.Finalize(context.WithoutCancel(ctx), final); err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			outcome.Status = StatusLeaseLost
			return outcome, nil
		}
		return outcome, err
	}
	return outcome, nil
}

type runResult struct {
	ReportID string
	Cached   bool
	Mode     core.ReportMode
	Alerts   int
}

func (r *Runner) run(ctx context.Context, job core.AlignmentJob, keeper *lease.KeepAlive) (result runResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.NewInternalError(fmt.Errorf("%v", recovered), "worker: job panicked", map[string]any{"job_id": job.ID})
		}
	}()

	page, err := r.deps.Fetcher.Fetch(ctx, job.URL)
	if err != nil {
		return result, err
	}
	key := resultcache.Key(job.Ad, page)

	// The cache is consulted before the analysis service is ever called.
	cached, hit, err := r.deps.Cache.Lookup(ctx, job.ProjectID, key)
	if err != nil {
		return result, err
	}
	if keeper.IsLost() {
		return result, lease.ErrLeaseLost
	}

	var report core.AlignmentReport
	if hit {
		report, err = r.deps.Cache.Reuse(ctx, cached, job)
		if err != nil {
			return result, err
		}
	} else {
		scored := r.deps.Scorer.Score(analysis.WithProject(ctx, job.ProjectID), job.Ad, page)
		if keeper.IsLost() {
			return result, lease.ErrLeaseLost
		}
		report, err = r.deps.Cache.Store(ctx, core.AlignmentReport{
			ProjectID:       job.ProjectID,
			JobID:           job.ID,
			AdID:            job.AdID,
			URL:             job.URL,
			CacheKey:        key,
			Score:           scored.Score,
			Scores:          scored.Scores,
			Findings:        scored.Findings,
			TrackingSignals: page.TrackingSignals,
			Mode:            scored.Mode,
		})
		if err != nil {
			return result, err
		}
	}
	result = runResult{ReportID: report.ID, Cached: report.Cached, Mode: report.Mode}

	if r.deps.Alerts != nil {
		settings := r.settings(ctx, job.ProjectID)
		alerted, alertErr := r.deps.Alerts.MaybeAlert(ctx, report, settings)
		if alertErr != nil {
			r.observer.Error(ctx, "alert evaluation failed", map[string]any{
				"job_id":    job.ID,
				"report_id": report.ID,
				"error":     alertErr.Error(),
			})
		}
		result.Alerts = len(alerted.Created)
	}
	return result, nil
}

func (r *Runner) settings(ctx context.Context, projectID string) core.ScheduleSettings {
	if r.deps.Settings == nil {
		return core.ScheduleSettings{ProjectID: projectID}
	}
	settings, err := r.deps.Settings.Get(ctx, projectID)
	if err != nil {
		r.observer.Warn(ctx, "schedule settings unavailable for alerts", map[string]any{
			"project_id": projectID,
			"error":      err.Error(),
		})
		return core.ScheduleSettings{ProjectID: projectID}
	}
	return settings
}
