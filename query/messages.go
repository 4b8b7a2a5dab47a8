package query

import (
	"strings"

	"github.com/goliatone/go-alignment/core"
)

const (
	TypeGetJob        = "alignment.query.job.get"
	TypeListDLQEvents = "alignment.query.dlq.list"
	TypeGetReport     = "alignment.query.report.get"
	TypeListAlerts    = "alignment.query.alert.list"

	defaultListLimit = 50
	maxListLimit     = 500
)

type GetJob struct {
	JobID string
}

func (GetJob) Type() string { return TypeGetJob }

func (m GetJob) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return queryValidationError("job_id", "is required")
	}
	return nil
}

// ListDLQEvents lists rows in one status, oldest retry first. An empty
// status lists pending rows.
type ListDLQEvents struct {
	Status core.DLQStatus
	Limit  int
}

func (ListDLQEvents) Type() string { return TypeListDLQEvents }

func (m ListDLQEvents) Validate() error {
	switch m.Status {
	case "", core.DLQStatusPending, core.DLQStatusRetrying, core.DLQStatusResolved, core.DLQStatusDead:
	default:
		return queryValidationError("status", "is not a dlq status")
	}
	if m.Limit < 0 || m.Limit > maxListLimit {
		return queryValidationError("limit", "must be between 0 and 500")
	}
	return nil
}

type GetReport struct {
	ReportID string
}

func (GetReport) Type() string { return TypeGetReport }

func (m GetReport) Validate() error {
	if strings.TrimSpace(m.ReportID) == "" {
		return queryValidationError("report_id", "is required")
	}
	return nil
}

// ListAlerts lists a project's alerts, optionally for one local day
// (YYYY-MM-DD).
type ListAlerts struct {
	ProjectID string
	Day       string
}

func (ListAlerts) Type() string { return TypeListAlerts }

func (m ListAlerts) Validate() error {
	if strings.TrimSpace(m.ProjectID) == "" {
		return queryValidationError("project_id", "is required")
	}
	if day := strings.TrimSpace(m.Day); day != "" && !validDay(day) {
		return queryValidationError("day", "must be formatted YYYY-MM-DD")
	}
	return nil
}
