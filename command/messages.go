package command

import "strings"

const (
	TypeRunSchedulerTick    = "alignment.command.scheduler.tick"
	TypeRetryDLQBatch       = "alignment.command.dlq.retry_batch"
	TypeTriggerAlignmentRun = "alignment.command.run.trigger"
	TypeExecuteJob          = "alignment.command.job.execute"
	TypeResolveAlert        = "alignment.command.alert.resolve"
	TypeSyncConnection      = "alignment.command.connection.sync"

	maxRetryBatch = 500
	maxSyncLimit  = 1000
)

type RunSchedulerTick struct{}

func (RunSchedulerTick) Type() string { return TypeRunSchedulerTick }

// RetryDLQBatch replays up to BatchSize due rows; zero uses the configured
// batch size.
type RetryDLQBatch struct {
	BatchSize int
}

func (RetryDLQBatch) Type() string { return TypeRetryDLQBatch }

func (m RetryDLQBatch) Validate() error {
	if m.BatchSize < 0 || m.BatchSize > maxRetryBatch {
		return commandValidationError("batch_size", "must be between 0 and 500")
	}
	return nil
}

type TriggerAlignmentRun struct {
	ProjectID string
	AdID      string
}

func (TriggerAlignmentRun) Type() string { return TypeTriggerAlignmentRun }

func (m TriggerAlignmentRun) Validate() error {
	if strings.TrimSpace(m.ProjectID) == "" {
		return commandValidationError("project_id", "is required")
	}
	if strings.TrimSpace(m.AdID) == "" {
		return commandValidationError("ad_id", "is required")
	}
	return nil
}

type ExecuteJob struct {
	JobID string
}

func (ExecuteJob) Type() string { return TypeExecuteJob }

func (m ExecuteJob) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return commandValidationError("job_id", "is required")
	}
	return nil
}

type ResolveAlert struct {
	AlertID string
}

func (ResolveAlert) Type() string { return TypeResolveAlert }

func (m ResolveAlert) Validate() error {
	if strings.TrimSpace(m.AlertID) == "" {
		return commandValidationError("alert_id", "is required")
	}
	return nil
}

// SyncConnection pulls events from the connection's provider starting at
// Cursor. Limit is a page size hint; zero leaves it to the connector.
type SyncConnection struct {
	ConnectionID string
	AccessToken  string
	Cursor       string
	Limit        int
}

func (SyncConnection) Type() string { return TypeSyncConnection }

func (m SyncConnection) Validate() error {
	if strings.TrimSpace(m.ConnectionID) == "" {
		return commandValidationError("connection_id", "is required")
	}
	if strings.TrimSpace(m.AccessToken) == "" {
		return commandValidationError("access_token", "is required")
	}
	if m.Limit < 0 || m.Limit > maxSyncLimit {
		return commandValidationError("limit", "must be between 0 and 1000")
	}
	return nil
}
