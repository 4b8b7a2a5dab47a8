// Package query holds the read-only go-command handlers.
package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-alignment/core"
)

type JobReader interface {
	Get(ctx context.Context, id string) (core.AlignmentJob, error)
}

type DLQReader interface {
	List(ctx context.Context, status core.DLQStatus, limit int) ([]core.DLQEvent, error)
}

type ReportReader interface {
	Get(ctx context.Context, id string) (core.AlignmentReport, error)
}

type AlertReader interface {
	List(ctx context.Context, projectID string, day string) ([]core.AlignmentAlert, error)
}

type GetJobQuery struct {
	reader JobReader
}

func NewGetJobQuery(reader JobReader) *GetJobQuery {
	return &GetJobQuery{reader: reader}
}

func (q *GetJobQuery) Query(ctx context.Context, msg GetJob) (core.AlignmentJob, error) {
	if q == nil || q.reader == nil {
		return core.AlignmentJob{}, queryDependencyError("query: job reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.AlignmentJob{}, err
	}
	return q.reader.Get(ctx, strings.TrimSpace(msg.JobID))
}

type ListDLQEventsQuery struct {
	reader DLQReader
}

func NewListDLQEventsQuery(reader DLQReader) *ListDLQEventsQuery {
	return &ListDLQEventsQuery{reader: reader}
}

func (q *ListDLQEventsQuery) Query(ctx context.Context, msg ListDLQEvents) ([]core.DLQEvent, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: dlq reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	status := msg.Status
	if status == "" {
		status = core.DLQStatusPending
	}
	limit := msg.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	return q.reader.List(ctx, status, limit)
}

type GetReportQuery struct {
	reader ReportReader
}

func NewGetReportQuery(reader ReportReader) *GetReportQuery {
	return &GetReportQuery{reader: reader}
}

func (q *GetReportQuery) Query(ctx context.Context, msg GetReport) (core.AlignmentReport, error) {
	if q == nil || q.reader == nil {
		return core.AlignmentReport{}, queryDependencyError("query: report reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.AlignmentReport{}, err
	}
	return q.reader.Get(ctx, strings.TrimSpace(msg.ReportID))
}

type ListAlertsQuery struct {
	reader AlertReader
}

func NewListAlertsQuery(reader AlertReader) *ListAlertsQuery {
	return &ListAlertsQuery{reader: reader}
}

func (q *ListAlertsQuery) Query(ctx context.Context, msg ListAlerts) ([]core.AlignmentAlert, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: alert reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.List(ctx, strings.TrimSpace(msg.ProjectID), strings.TrimSpace(msg.Day))
}
