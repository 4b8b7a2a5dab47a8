package query

import (
	"github.com/goliatone/go-alignment/core"
	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Querier[GetJob, core.AlignmentJob]         = (*GetJobQuery)(nil)
	_ gocmd.Querier[ListDLQEvents, []core.DLQEvent]    = (*ListDLQEventsQuery)(nil)
	_ gocmd.Querier[GetReport, core.AlignmentReport]   = (*GetReportQuery)(nil)
	_ gocmd.Querier[ListAlerts, []core.AlignmentAlert] = (*ListAlertsQuery)(nil)
)
