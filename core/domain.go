package core

import (
	"strings"
	"time"
)

// CanonicalEvent is the provider agnostic record produced by a connector
// mapper. Actor only ever holds hashed values.
type CanonicalEvent struct {
	ID             string
	ProjectID      string
	ConnectionID   string
	Provider       string
	EventType      string
	IdempotencyKey string
	OccurredAt     time.Time
	Actor          map[string]string
	Entities       map[string]any
	Value          map[string]any
	RawRef         string
	CreatedAt      time.Time
}

type InsertOutcome string

const (
	InsertInserted  InsertOutcome = "inserted"
	InsertDuplicate InsertOutcome = "duplicate"
	InsertFailed    InsertOutcome = "failed"
)

// InsertResult is returned by the idempotency store. A uniqueness violation
// is reported as InsertDuplicate and never as an error.
type InsertResult struct {
	Outcome InsertOutcome
	EventID string
	Reason  error
}

func (r InsertResult) OK() bool {
	return r.Outcome == InsertInserted || r.Outcome == InsertDuplicate
}

type DLQStatus string

const (
	DLQStatusPending  DLQStatus = "pending"
	DLQStatusRetrying DLQStatus = "retrying"
	DLQStatusResolved DLQStatus = "resolved"
	DLQStatusDead     DLQStatus = "dead"
)

type DLQEvent struct {
	ID           string
	ProjectID    string
	ConnectionID string
	Provider     string
	Topic        string
	Payload      []byte
	Headers      map[string]string
	ErrorClass   ErrorClass
	ErrorMessage string
	Status       DLQStatus
	AttemptCount int
	NextRetryAt  time.Time
	DeadAfter    time.Time
	ClaimToken   string
	ResolvedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type JobTrigger string

const (
	JobTriggerSchedule JobTrigger = "schedule"
	JobTriggerManual   JobTrigger = "manual"
)

type AlignmentJob struct {
	ID            string
	ProjectID     string
	AdID          string
	URL           string
	Ad            AdContent
	Status        JobStatus
	Trigger       JobTrigger
	LockedBy      string
	LockExpiresAt *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	CorrelationID string
	ReportID      string
	ErrorMessage  string
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HeldBy reports whether workerID holds a lease that has not expired at now.
func (j AlignmentJob) HeldBy(workerID string, now time.Time) bool {
	if j.Status != JobStatusRunning || j.LockExpiresAt == nil {
		return false
	}
	return j.LockedBy == strings.TrimSpace(workerID) && j.LockExpiresAt.After(now)
}

type AdContent struct {
	Headline   string   `json:"headline,omitempty"`
	Body       string   `json:"body,omitempty"`
	CTA        string   `json:"cta,omitempty"`
	Offer      string   `json:"offer,omitempty"`
	DisplayURL string   `json:"display_url,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
}

type PageSnapshot struct {
	URL             string          `json:"url"`
	Title           string          `json:"title"`
	H1              []string        `json:"h1"`
	CTAs            []string        `json:"ctas"`
	TrackingSignals map[string]bool `json:"tracking_signals"`
	Screenshot      []byte          `json:"screenshot,omitempty"`
}

type Finding struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type AnalysisResult struct {
	Scores   map[string]float64 `json:"scores"`
	Findings []Finding          `json:"findings"`
}

type ReportMode string

const (
	ReportModeFull       ReportMode = "full"
	ReportModeHeuristics ReportMode = "heuristics"
)

type AlignmentReport struct {
	ID              string
	ProjectID       string
	JobID           string
	AdID            string
	URL             string
	CacheKey        string
	Score           float64
	Scores          map[string]float64
	Findings        []Finding
	TrackingSignals map[string]bool
	Mode            ReportMode
	Cached          bool
	CachedFrom      string
	CreatedAt       time.Time
}

type AlertType string

const (
	AlertTypeLowScore        AlertType = "low_score"
	AlertTypeMissingTracking AlertType = "missing_tracking"
)

type AlertStatus string

const (
	AlertStatusOpen     AlertStatus = "open"
	AlertStatusResolved AlertStatus = "resolved"
)

type AlignmentAlert struct {
	ID              string
	ProjectID       string
	URL             string
	AdID            string
	AlertType       AlertType
	Fingerprint     string
	Day             string
	Severity        string
	Message         string
	ReportID        string
	Status          AlertStatus
	SuppressedCount int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}

type Cadence string

const (
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

// Interval returns the minimum time between successful runs.
func (c Cadence) Interval() time.Duration {
	switch Cadence(strings.ToLower(strings.TrimSpace(string(c)))) {
	case CadenceWeekly:
		return 168 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// QuietHours is a local time-of-day window in HH:MM. End before Start wraps
// past midnight.
type QuietHours struct {
	Start string
	End   string
}

func (q QuietHours) Configured() bool {
	return strings.TrimSpace(q.Start) != "" && strings.TrimSpace(q.End) != ""
}

type ScheduleSettings struct {
	ProjectID              string
	Enabled                bool
	Cadence                Cadence
	MaxChecksPerDay        int
	QuietHours             QuietHours
	Timezone               string
	MinScoreAlertThreshold float64
	UpdatedAt              time.Time
}

type ConnectionStatus string

const (
	ConnectionStatusActive   ConnectionStatus = "active"
	ConnectionStatusDisabled ConnectionStatus = "disabled"
)

type Connection struct {
	ID                string
	ProjectID         string
	Provider          string
	Status            ConnectionStatus
	ExternalAccountID string
	EncryptedSecret   []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type MonitoredAd struct {
	ID        string
	ProjectID string
	AdID      string
	URL       string
	Ad        AdContent
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type NotificationTarget struct {
	ID        string
	ProjectID string
	Kind      string
	URL       string
	Secret    string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DispatchStatus string

const (
	DispatchStatusDelivered DispatchStatus = "delivered"
	DispatchStatusFailed    DispatchStatus = "failed"
)

type AlertDispatch struct {
	ID          string
	AlertID     string
	TargetID    string
	Status      DispatchStatus
	Error       string
	AttemptedAt time.Time
}

var dlqTransitions = map[DLQStatus]map[DLQStatus]struct{}{
	DLQStatusPending: {
		DLQStatusRetrying: {},
		DLQStatusResolved: {},
		DLQStatusDead:     {},
	},
	DLQStatusRetrying: {
		DLQStatusPending:  {},
		DLQStatusResolved: {},
		DLQStatusDead:     {},
	},
}

var jobTransitions = map[JobStatus]map[JobStatus]struct{}{
	JobStatusQueued: {
		JobStatusRunning: {},
		JobStatusFailed:  {},
	},
	JobStatusRunning: {
		JobStatusRunning:   {},
		JobStatusCompleted: {},
		JobStatusFailed:    {},
	},
}

var alertTransitions = map[AlertStatus]map[AlertStatus]struct{}{
	AlertStatusOpen: {
		AlertStatusResolved: {},
	},
}

// CanTransitionDLQ keeps resolved and dead terminal.
func CanTransitionDLQ(from DLQStatus, to DLQStatus) bool {
	_, ok := dlqTransitions[from][to]
	return ok
}

// CanTransitionJob allows running to running for reclaims.
func CanTransitionJob(from JobStatus, to JobStatus) bool {
	_, ok := jobTransitions[from][to]
	return ok
}

func CanTransitionAlert(from AlertStatus, to AlertStatus) bool {
	_, ok := alertTransitions[from][to]
	return ok
}

// IdempotencyKey joins source, transaction and event type into the dedup
// key used by the canonical event store.
func IdempotencyKey(source string, transactionID string, eventType string) string {
	parts := []string{source, transactionID, eventType}
	for i, part := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(part))
	}
	return strings.Join(parts, ":")
}
