// Package command holds the go-command handlers that mutate alignment state.
// Handlers store their result in the go-command result collector when the
// caller put one on the context.
package command

import (
	"context"
	"strings"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/dlq"
	"github.com/goliatone/go-alignment/inbound"
	"github.com/goliatone/go-alignment/schedule"
	"github.com/goliatone/go-alignment/worker"
	gocmd "github.com/goliatone/go-command"
)

type Scheduler interface {
	Tick(ctx context.Context) (schedule.TickStats, error)
	Trigger(ctx context.Context, projectID string, adID string) (core.AlignmentJob, error)
}

type DLQRetrier interface {
	RunBatch(ctx context.Context, limit int) (dlq.Stats, error)
}

type JobExecutor interface {
	Execute(ctx context.Context, jobID string) (worker.Outcome, error)
}

type AlertResolver interface {
	Resolve(ctx context.Context, alertID string) (core.AlignmentAlert, error)
}

type ConnectionGetter interface {
	Get(ctx context.Context, id string) (core.Connection, error)
}

type ConnectionSyncer interface {
	SyncConnection(ctx context.Context, conn core.Connection, accessToken string, cursor string, limit int) (inbound.SyncSummary, error)
}

type RunSchedulerTickCommand struct {
	scheduler Scheduler
}

func NewRunSchedulerTickCommand(scheduler Scheduler) *RunSchedulerTickCommand {
	return &RunSchedulerTickCommand{scheduler: scheduler}
}

func (c *RunSchedulerTickCommand) Execute(ctx context.Context, _ RunSchedulerTick) error {
	if c == nil || c.scheduler == nil {
		return commandDependencyError("command: scheduler is required")
	}
	stats, err := c.scheduler.Tick(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, stats)
	return nil
}

type RetryDLQBatchCommand struct {
	retrier DLQRetrier
}

func NewRetryDLQBatchCommand(retrier DLQRetrier) *RetryDLQBatchCommand {
	return &RetryDLQBatchCommand{retrier: retrier}
}

func (c *RetryDLQBatchCommand) Execute(ctx context.Context, msg RetryDLQBatch) error {
	if c == nil || c.retrier == nil {
		return commandDependencyError("command: dlq scheduler is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	stats, err := c.retrier.RunBatch(ctx, msg.BatchSize)
	// A partial batch still reports what it settled.
	storeResult(ctx, stats)
	return err
}

type TriggerAlignmentRunCommand struct {
	scheduler Scheduler
}

func NewTriggerAlignmentRunCommand(scheduler Scheduler) *TriggerAlignmentRunCommand {
	return &TriggerAlignmentRunCommand{scheduler: scheduler}
}

func (c *TriggerAlignmentRunCommand) Execute(ctx context.Context, msg TriggerAlignmentRun) error {
	if c == nil || c.scheduler == nil {
		return commandDependencyError("command: scheduler is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	job, err := c.scheduler.Trigger(ctx, strings.TrimSpace(msg.ProjectID), strings.TrimSpace(msg.AdID))
	if err != nil {
		return err
	}
	storeResult(ctx, job)
	return nil
}

type ExecuteJobCommand struct {
	executor JobExecutor
}

func NewExecuteJobCommand(executor JobExecutor) *ExecuteJobCommand {
	return &ExecuteJobCommand{executor: executor}
}

func (c *ExecuteJobCommand) Execute(ctx context.Context, msg ExecuteJob) error {
	if c == nil || c.executor == nil {
		return commandDependencyError("command: job executor is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	outcome, err := c.executor.Execute(ctx, strings.TrimSpace(msg.JobID))
	if err != nil {
		return err
	}
	storeResult(ctx, outcome)
	return nil
}

type ResolveAlertCommand struct {
	resolver AlertResolver
}

func NewResolveAlertCommand(resolver AlertResolver) *ResolveAlertCommand {
	return &ResolveAlertCommand{resolver: resolver}
}

func (c *ResolveAlertCommand) Execute(ctx context.Context, msg ResolveAlert) error {
	if c == nil || c.resolver == nil {
		return commandDependencyError("command: alert resolver is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	alert, err := c.resolver.Resolve(ctx, strings.TrimSpace(msg.AlertID))
	if err != nil {
		return err
	}
	storeResult(ctx, alert)
	return nil
}

type SyncConnectionCommand struct {
	connections ConnectionGetter
	syncer      ConnectionSyncer
}

func NewSyncConnectionCommand(connections ConnectionGetter, syncer ConnectionSyncer) *SyncConnectionCommand {
	return &SyncConnectionCommand{connections: connections, syncer: syncer}
}

// Execute syncs one enabled connection. A partial sync still stores its
// summary so the caller can resume from the returned cursor.
func (c *SyncConnectionCommand) Execute(ctx context.Context, msg SyncConnection) error {
	if c == nil || c.connections == nil || c.syncer == nil {
		return commandDependencyError("command: connection sync is not configured")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	conn, err := c.connections.Get(ctx, strings.TrimSpace(msg.ConnectionID))
	if err != nil {
		return err
	}
	if conn.Status == core.ConnectionStatusDisabled {
		return core.NewNotFoundError("command: connection is disabled", map[string]any{
			"connection_id": conn.ID,
			"status":        string(conn.Status),
		})
	}
	summary, err := c.syncer.SyncConnection(ctx, conn, strings.TrimSpace(msg.AccessToken), strings.TrimSpace(msg.Cursor), msg.Limit)
	storeResult(ctx, summary)
	return err
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
