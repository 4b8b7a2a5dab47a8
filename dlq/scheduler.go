package dlq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/inbound"
)

// Replayer re-runs a parked delivery. inbound.Pipeline satisfies it.
type Replayer interface {
	Replay(ctx context.Context, event core.DLQEvent) (inbound.Result, error)
}

type Config struct {
	BatchSize    int
	MaxAttempts  int
	ClaimLease   time.Duration
	PollInterval time.Duration
}

func DefaultConfig() Config {
	defaults := core.DefaultConfig().DLQ
	return ConfigFrom(defaults)
}

func ConfigFrom(cfg core.DLQConfig) Config {
	return Config{
		BatchSize:    cfg.BatchSize,
		MaxAttempts:  cfg.MaxAttempts,
		ClaimLease:   cfg.ClaimLease,
		PollInterval: cfg.PollInterval,
	}
}

type Stats struct {
	Claimed     int
	Resolved    int
	Rescheduled int
	Dead        int
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

// Scheduler drains due DLQ rows through the replayer.
type Scheduler struct {
	store    core.DLQStore
	replayer Replayer
	backoff  Backoff
	config   Config
	observer *core.Observer
	now      func() time.Time
}

func NewScheduler(store core.DLQStore, replayer Replayer, backoff Backoff, config Config, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("dlq: store is required")
	}
	if replayer == nil {
		return nil, fmt.Errorf("dlq: replayer is required")
	}
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = defaults.ClaimLease
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	scheduler := &Scheduler{
		store:    store,
		replayer: replayer,
		backoff:  backoff,
		config:   config,
		observer: core.NewObserver(nil, nil),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(scheduler)
		}
	}
	return scheduler, nil
}

// RunOnce claims one batch of due rows and settles each of them. Errors
// writing outcomes are joined and returned after the whole batch ran.
func (s *Scheduler) RunOnce(ctx context.Context) (Stats, error) {
	if s == nil {
		return Stats{}, fmt.Errorf("dlq: scheduler is not configured")
	}
	return s.RunBatch(ctx, s.config.BatchSize)
}

// RunBatch is RunOnce with an explicit claim limit; limit <= 0 uses the
// configured batch size.
func (s *Scheduler) RunBatch(ctx context.Context, limit int) (stats Stats, err error) {
	if s == nil {
		return Stats{}, fmt.Errorf("dlq: scheduler is not configured")
	}
	if limit <= 0 {
		limit = s.config.BatchSize
	}
	startedAt := time.Now()
	defer func() {
		s.observer.Observe(ctx, startedAt, "dlq.run_once", err, map[string]any{
			"claimed":     stats.Claimed,
			"resolved":    stats.Resolved,
			"rescheduled": stats.Rescheduled,
			"dead":        stats.Dead,
			"limit":       limit,
		})
	}()

	now := s.now()
	rows, err := s.store.ClaimDue(ctx, now, now.Add(s.config.ClaimLease), limit)
	if err != nil {
		return Stats{}, err
	}
	stats.Claimed = len(rows)

	var settleErr error
	for _, row := range rows {
		status, err := s.process(ctx, row)
		switch status {
		case core.DLQStatusResolved:
			stats.Resolved++
		case core.DLQStatusDead:
			stats.Dead++
		case core.DLQStatusPending:
			stats.Rescheduled++
		}
		if err != nil {
			settleErr = errors.Join(settleErr, err)
		}
	}
	return stats, settleErr
}

func (s *Scheduler) process(ctx context.Context, row core.DLQEvent) (core.DLQStatus, error) {
	now := s.now()
	if s.exhausted(row, row.AttemptCount, now) {
		return core.DLQStatusDead, s.complete(ctx, core.DLQOutcome{
			ID:           row.ID,
			ClaimToken:   row.ClaimToken,
			Status:       core.DLQStatusDead,
			AttemptCount: row.AttemptCount,
			ErrorClass:   core.ErrorClassDead,
			ErrorMessage: "dlq: retry budget exhausted before replay",
			At:           now,
		})
	}

	_, replayErr := s.replay(ctx, row)
	now = s.now()
	if replayErr == nil {
		return core.DLQStatusResolved, s.complete(ctx, core.DLQOutcome{
			ID:           row.ID,
			ClaimToken:   row.ClaimToken,
			Status:       core.DLQStatusResolved,
			AttemptCount: row.AttemptCount + 1,
			At:           now,
		})
	}

	attempts := row.AttemptCount + 1
	outcome := core.DLQOutcome{
		ID:           row.ID,
		ClaimToken:   row.ClaimToken,
		AttemptCount: attempts,
		ErrorClass:   core.ClassifyError(replayErr),
		ErrorMessage: core.RedactErrorMessage(replayErr.Error()),
		At:           now,
	}
	if s.exhausted(row, attempts, now) {
		outcome.Status = core.DLQStatusDead
		s.observer.Warn(ctx, "dlq event dead-lettered", map[string]any{
			"dlq_event_id":  row.ID,
			"provider":      row.Provider,
			"attempt_count": attempts,
			"error_class":   string(outcome.ErrorClass),
		})
		return core.DLQStatusDead, s.complete(ctx, outcome)
	}
	outcome.Status = core.DLQStatusPending
	outcome.NextRetryAt = now.Add(s.backoff.Delay(attempts))
	return core.DLQStatusPending, s.complete(ctx, outcome)
}

// replay converts a panicking mapper into an ordinary failed attempt.
func (s *Scheduler) replay(ctx context.Context, row core.DLQEvent) (result inbound.Result, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.NewInternalError(fmt.Errorf("%v", recovered), "dlq: replay panicked", map[string]any{"dlq_event_id": row.ID})
		}
	}()
	return s.replayer.Replay(ctx, row)
}

func (s *Scheduler) exhausted(row core.DLQEvent, attempts int, now time.Time) bool {
	if attempts >= s.config.MaxAttempts {
		return true
	}
	return !row.DeadAfter.IsZero() && now.After(row.DeadAfter)
}

func (s *Scheduler) complete(ctx context.Context, outcome core.DLQOutcome) error {
	if err := s.store.Complete(ctx, outcome); err != nil {
		s.observer.Error(ctx, "dlq outcome not recorded", map[string]any{
			"dlq_event_id": strings.TrimSpace(outcome.ID),
			"status":       string(outcome.Status),
			"error":        err.Error(),
		})
		return fmt.Errorf("dlq: complete %s: %w", outcome.ID, err)
	}
	return nil
}

// Run polls until ctx is done. A failed pass is logged and the loop carries
// on at the next interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("dlq: scheduler is not configured")
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.observer.Warn(ctx, "dlq pass finished with errors", map[string]any{"error": err.Error()})
		}
		timer.Reset(s.config.PollInterval)
	}
}
