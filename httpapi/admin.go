package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/query"
	"github.com/labstack/echo/v4"
)

func (s *Server) mountAdmin(g *echo.Group) {
	if s.queries.Job != nil {
		g.GET("/jobs/:id", s.getJob)
	}
	if s.queries.DLQ != nil {
		g.GET("/dlq", s.listDLQ)
	}
	if s.queries.Report != nil {
		g.GET("/reports/:id", s.getReport)
	}
	if s.queries.Alerts != nil {
		g.GET("/projects/:projectId/alerts", s.listAlerts)
	}
}

type jobView struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	AdID          string     `json:"ad_id"`
	URL           string     `json:"url"`
	Status        string     `json:"status"`
	Trigger       string     `json:"trigger"`
	LockedBy      string     `json:"locked_by,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ReportID      string     `json:"report_id,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (s *Server) getJob(c echo.Context) error {
	job, err := s.queries.Job.Query(c.Request().Context(), query.GetJob{JobID: c.Param("id")})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jobView{
		ID:            job.ID,
		ProjectID:     job.ProjectID,
		AdID:          job.AdID,
		URL:           job.URL,
		Status:        string(job.Status),
		Trigger:       string(job.Trigger),
		LockedBy:      job.LockedBy,
		LockExpiresAt: job.LockExpiresAt,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
		ReportID:      job.ReportID,
		ErrorMessage:  job.ErrorMessage,
		Attempts:      job.Attempts,
		CreatedAt:     job.CreatedAt,
	})
}

// dlqView leaves the payload out; operators replay rows, they do not read
// raw provider bodies here.
type dlqView struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	ConnectionID string     `json:"connection_id"`
	Provider     string     `json:"provider"`
	Topic        string     `json:"topic"`
	ErrorClass   string     `json:"error_class"`
	ErrorMessage string     `json:"error_message"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	NextRetryAt  time.Time  `json:"next_retry_at"`
	DeadAfter    time.Time  `json:"dead_after"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (s *Server) listDLQ(c echo.Context) error {
	msg := query.ListDLQEvents{Status: core.DLQStatus(strings.TrimSpace(c.QueryParam("status")))}
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return core.NewBadInputError("limit must be an integer", map[string]any{"limit": raw})
		}
		msg.Limit = limit
	}
	events, err := s.queries.DLQ.Query(c.Request().Context(), msg)
	if err != nil {
		return err
	}
	views := make([]dlqView, 0, len(events))
	for _, event := range events {
		views = append(views, dlqView{
			ID:           event.ID,
			ProjectID:    event.ProjectID,
			ConnectionID: event.ConnectionID,
			Provider:     event.Provider,
			Topic:        event.Topic,
			ErrorClass:   string(event.ErrorClass),
			ErrorMessage: event.ErrorMessage,
			Status:       string(event.Status),
			AttemptCount: event.AttemptCount,
			NextRetryAt:  event.NextRetryAt,
			DeadAfter:    event.DeadAfter,
			ResolvedAt:   event.ResolvedAt,
			CreatedAt:    event.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"events": views, "count": len(views)})
}

type reportView struct {
	ID              string             `json:"id"`
	ProjectID       string             `json:"project_id"`
	JobID           string             `json:"job_id"`
	AdID            string             `json:"ad_id"`
	URL             string             `json:"url"`
	Score           float64            `json:"score"`
	Scores          map[string]float64 `json:"scores"`
	Findings        []core.Finding     `json:"findings"`
	TrackingSignals map[string]bool    `json:"tracking_signals"`
	Mode            string             `json:"mode"`
	Cached          bool               `json:"cached"`
	CachedFrom      string             `json:"cached_from,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

func (s *Server) getReport(c echo.Context) error {
	report, err := s.queries.Report.Query(c.Request().Context(), query.GetReport{ReportID: c.Param("id")})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reportView{
		ID:              report.ID,
		ProjectID:       report.ProjectID,
		JobID:           report.JobID,
		AdID:            report.AdID,
		URL:             report.URL,
		Score:           report.Score,
		Scores:          report.Scores,
		Findings:        report.Findings,
		TrackingSignals: report.TrackingSignals,
		Mode:            string(report.Mode),
		Cached:          report.Cached,
		CachedFrom:      report.CachedFrom,
		CreatedAt:       report.CreatedAt,
	})
}

type alertView struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	URL             string     `json:"url"`
	AdID            string     `json:"ad_id"`
	AlertType       string     `json:"alert_type"`
	Day             string     `json:"day"`
	Severity        string     `json:"severity"`
	Message         string     `json:"message"`
	ReportID        string     `json:"report_id"`
	Status          string     `json:"status"`
	SuppressedCount int        `json:"suppressed_count"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

func (s *Server) listAlerts(c echo.Context) error {
	alerts, err := s.queries.Alerts.Query(c.Request().Context(), query.ListAlerts{
		ProjectID: c.Param("projectId"),
		Day:       strings.TrimSpace(c.QueryParam("day")),
	})
	if err != nil {
		return err
	}
	views := make([]alertView, 0, len(alerts))
	for _, alert := range alerts {
		views = append(views, alertView{
			ID:              alert.ID,
			ProjectID:       alert.ProjectID,
			URL:             alert.URL,
			AdID:            alert.AdID,
			AlertType:       string(alert.AlertType),
			Day:             alert.Day,
			Severity:        alert.Severity,
			Message:         alert.Message,
			ReportID:        alert.ReportID,
			Status:          string(alert.Status),
			SuppressedCount: alert.SuppressedCount,
			CreatedAt:       alert.CreatedAt,
			ResolvedAt:      alert.ResolvedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"alerts": views, "count": len(views)})
}
