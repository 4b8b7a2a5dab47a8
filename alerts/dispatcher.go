package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/schedule"
)

type Dependencies struct {
	Alerts   core.AlertStore
	Targets  core.NotificationTargetStore
	Ledger   core.DispatchLedger
	Notifier core.Notifier
}

type Config struct {
	Rules           Rules
	DispatchTimeout time.Duration
	FanOutLimit     int
}

func ConfigFrom(cfg core.AlertsConfig) Config {
	return Config{
		Rules:           RulesFrom(cfg),
		DispatchTimeout: cfg.DispatchTimeout,
		FanOutLimit:     cfg.FanOutLimit,
	}
}

type Option func(*Dispatcher)

func WithObserver(observer *core.Observer) Option {
	return func(d *Dispatcher) {
		if observer != nil {
			d.observer = observer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Outcome summarizes one MaybeAlert call.
type Outcome struct {
	Created    []core.AlignmentAlert
	Suppressed int
	Delivered  int
	Failed     int
}

type Dispatcher struct {
	deps     Dependencies
	config   Config
	observer *core.Observer
	now      func() time.Time
}

func NewDispatcher(deps Dependencies, config Config, opts ...Option) (*Dispatcher, error) {
	switch {
	case deps.Alerts == nil:
		return nil, fmt.Errorf("alerts: alert store is required")
	case deps.Targets == nil:
		return nil, fmt.Errorf("alerts: notification target store is required")
	case deps.Notifier == nil:
		return nil, fmt.Errorf("alerts: notifier is required")
	}
	defaults := ConfigFrom(core.DefaultConfig().Alerts)
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = defaults.DispatchTimeout
	}
	if config.FanOutLimit <= 0 {
		config.FanOutLimit = defaults.FanOutLimit
	}
	dispatcher := &Dispatcher{
		deps:     deps,
		config:   config,
		observer: core.NewObserver(nil, nil),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}
	return dispatcher, nil
}

// MaybeAlert records an alert for every condition the report meets. A repeat
// detection on the same day only bumps suppressed_count. Delivery failures are
// logged and never undo the alert row.
func (d *Dispatcher) MaybeAlert(ctx context.Context, report core.AlignmentReport, settings core.ScheduleSettings) (outcome Outcome, err error) {
	startedAt := time.Now()
	defer func() {
		d.observer.Observe(ctx, startedAt, "alerts.maybe_alert", err, map[string]any{
			"project_id": report.ProjectID,
			"report_id":  report.ID,
			"created":    len(outcome.Created),
			"suppressed": outcome.Suppressed,
			"delivered":  outcome.Delivered,
			"failed":     outcome.Failed,
		})
	}()

	detections := Evaluate(report, settings, d.config.Rules)
	if len(detections) == 0 {
		return Outcome{}, nil
	}
	day := Day(d.now(), schedule.Location(settings))

	for _, detection := range detections {
		alert, created, err := d.deps.Alerts.CreateOrSuppress(ctx, core.AlignmentAlert{
			ProjectID:   report.ProjectID,
			URL:         report.URL,
			AdID:        report.AdID,
			AlertType:   detection.Type,
			Fingerprint: Fingerprint(report.ProjectID, report.URL, report.AdID, detection.Type, day),
			Day:         day,
			Severity:    detection.Severity,
			Message:     detection.Message,
			ReportID:    report.ID,
		})
		if err != nil {
			return outcome, fmt.Errorf("alerts: record %s alert: %w", detection.Type, err)
		}
		if !created {
			outcome.Suppressed++
			continue
		}
		outcome.Created = append(outcome.Created, alert)
		delivered, failed := d.fanOut(ctx, alert, report.Score)
		outcome.Delivered += delivered
		outcome.Failed += failed
	}
	return outcome, nil
}

func (d *Dispatcher) fanOut(ctx context.Context, alert core.AlignmentAlert, score float64) (int, int) {
	targets, err := d.deps.Targets.ListEnabled(ctx, alert.ProjectID)
	if err != nil {
		d.observer.Error(ctx, "alert targets not loaded", map[string]any{
			"alert_id": alert.ID,
			"error":    err.Error(),
		})
		return 0, 0
	}
	payload := core.AlertPayload{
		AlertID:   alert.ID,
		ProjectID: alert.ProjectID,
		URL:       alert.URL,
		AdID:      alert.AdID,
		AlertType: alert.AlertType,
		Severity:  alert.Severity,
		Message:   alert.Message,
		ReportID:  alert.ReportID,
		Score:     score,
		Day:       alert.Day,
	}

	var (
		mu        sync.Mutex
		delivered int
		failed    int
	)
	group := &errgroup.Group{}
	group.SetLimit(d.config.FanOutLimit)
	for _, target := range targets {
		group.Go(func() error {
			ok := d.deliver(ctx, target, payload)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				delivered++
			} else {
				failed++
			}
			return nil
		})
	}
	_ = group.Wait()
	return delivered, failed
}

func (d *Dispatcher) deliver(ctx context.Context, target core.NotificationTarget, payload core.AlertPayload) bool {
	dispatchCtx, cancel := context.WithTimeout(ctx, d.config.DispatchTimeout)
	defer cancel()

	err := d.dispatch(dispatchCtx, target, payload)
	record := core.AlertDispatch{
		AlertID:     payload.AlertID,
		TargetID:    target.ID,
		Status:      core.DispatchStatusDelivered,
		AttemptedAt: d.now(),
	}
	if err != nil {
		record.Status = core.DispatchStatusFailed
		record.Error = core.RedactErrorMessage(err.Error())
		d.observer.Warn(ctx, "alert dispatch failed", map[string]any{
			"alert_id":  payload.AlertID,
			"target_id": target.ID,
			"error":     err.Error(),
		})
	}
	if d.deps.Ledger != nil {
		if _, ledgerErr := d.deps.Ledger.Record(context.WithoutCancel(ctx), record); ledgerErr != nil {
			d.observer.Error(ctx, "alert dispatch not recorded", map[string]any{
				"alert_id":  payload.AlertID,
				"target_id": target.ID,
				"error":     ledgerErr.Error(),
			})
		}
	}
	return err == nil
}

// dispatch keeps a panicking notifier from taking the other targets down.
func (d *Dispatcher) dispatch(ctx context.Context, target core.NotificationTarget, payload core.AlertPayload) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.NewInternalError(fmt.Errorf("%v", recovered), "alerts: notifier panicked", map[string]any{"target_id": target.ID})
		}
	}()
	return d.deps.Notifier.Dispatch(ctx, target, payload)
}

// Resolve closes an open alert.
func (d *Dispatcher) Resolve(ctx context.Context, alertID string) (alert core.AlignmentAlert, err error) {
	startedAt := time.Now()
	defer func() {
		d.observer.Observe(ctx, startedAt, "alerts.resolve", err, map[string]any{"alert_id": alertID})
	}()
	alertID = strings.TrimSpace(alertID)
	if alertID == "" {
		return core.AlignmentAlert{}, core.NewBadInputError("alerts: alert id is required", nil)
	}
	current, err := d.deps.Alerts.Get(ctx, alertID)
	if err != nil {
		return core.AlignmentAlert{}, err
	}
	if current.Status == core.AlertStatusResolved {
		return current, nil
	}
	if !core.CanTransitionAlert(current.Status, core.AlertStatusResolved) {
		return core.AlignmentAlert{}, core.NewBadInputError("alerts: alert cannot be resolved", map[string]any{
			"alert_id": alertID,
			"status":   string(current.Status),
		})
	}
	return d.deps.Alerts.Resolve(ctx, alertID, d.now())
}
