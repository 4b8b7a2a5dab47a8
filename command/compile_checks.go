package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[RunSchedulerTick]    = (*RunSchedulerTickCommand)(nil)
	_ gocmd.Commander[RetryDLQBatch]       = (*RetryDLQBatchCommand)(nil)
	_ gocmd.Commander[TriggerAlignmentRun] = (*TriggerAlignmentRunCommand)(nil)
	_ gocmd.Commander[ExecuteJob]          = (*ExecuteJobCommand)(nil)
	_ gocmd.Commander[ResolveAlert]        = (*ResolveAlertCommand)(nil)
	_ gocmd.Commander[SyncConnection]      = (*SyncConnectionCommand)(nil)
)
