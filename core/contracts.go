package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// EventStore is the idempotency store. Insert never returns a duplicate as a
// failure.
type EventStore interface {
	Insert(ctx context.Context, event CanonicalEvent) InsertResult
}

// DLQOutcome closes a claimed retry attempt. Stores apply it only to rows
// that are still in the retrying state.
// DLQOutcome settles a claimed row. ClaimToken must match the token the
// row was claimed with.
type DLQOutcome struct {
	ID           string
	ClaimToken   string
	Status       DLQStatus
	AttemptCount int
	NextRetryAt  time.Time
	ErrorClass   ErrorClass
	ErrorMessage string
	At           time.Time
}

type DLQStore interface {
	Create(ctx context.Context, event DLQEvent) (DLQEvent, error)
	Get(ctx context.Context, id string) (DLQEvent, error)
	// ClaimDue moves up to limit due rows to retrying and pushes their
	// next_retry_at to claimUntil so a crashed poller releases them.
	ClaimDue(ctx context.Context, now time.Time, claimUntil time.Time, limit int) ([]DLQEvent, error)
	Complete(ctx context.Context, outcome DLQOutcome) error
	List(ctx context.Context, status DLQStatus, limit int) ([]DLQEvent, error)
}

type LeaseClaim struct {
	JobID     string
	WorkerID  string
	Now       time.Time
	ExpiresAt time.Time
	Note      string
}

type JobFinalize struct {
	JobID        string
	WorkerID     string
	Status       JobStatus
	ReportID     string
	ErrorMessage string
	At           time.Time
}

type JobStore interface {
	Create(ctx context.Context, job AlignmentJob) (AlignmentJob, error)
	Get(ctx context.Context, id string) (AlignmentJob, error)
	Claim(ctx context.Context, claim LeaseClaim) (bool, error)
	Reclaim(ctx context.Context, claim LeaseClaim) (bool, error)
	Heartbeat(ctx context.Context, claim LeaseClaim) (bool, error)
	Finalize(ctx context.Context, in JobFinalize) (bool, error)
	// ListClaimable returns queued jobs and running jobs whose lease expired.
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]AlignmentJob, error)
	CountCreatedSince(ctx context.Context, projectID string, since time.Time) (int, error)
	// HasOpen reports whether the ad already has a queued or running job.
	HasOpen(ctx context.Context, projectID string, adID string) (bool, error)
	LastSuccess(ctx context.Context, projectID string) (*time.Time, error)
}

type ReportStore interface {
	Create(ctx context.Context, report AlignmentReport) (AlignmentReport, error)
	Get(ctx context.Context, id string) (AlignmentReport, error)
	// FindCached returns the newest original full report for the key
	// created at or after since.
	FindCached(ctx context.Context, projectID string, cacheKey string, since time.Time) (AlignmentReport, bool, error)
}

type AlertStore interface {
	CreateOrSuppress(ctx context.Context, alert AlignmentAlert) (AlignmentAlert, bool, error)
	Get(ctx context.Context, id string) (AlignmentAlert, error)
	Resolve(ctx context.Context, id string, at time.Time) (AlignmentAlert, error)
	List(ctx context.Context, projectID string, day string) ([]AlignmentAlert, error)
}

type SettingsStore interface {
	Get(ctx context.Context, projectID string) (ScheduleSettings, error)
	Upsert(ctx context.Context, settings ScheduleSettings) (ScheduleSettings, error)
	ListEnabled(ctx context.Context) ([]ScheduleSettings, error)
}

type ConnectionStore interface {
	Create(ctx context.Context, conn Connection) (Connection, error)
	Get(ctx context.Context, id string) (Connection, error)
}

type MonitoredAdStore interface {
	Create(ctx context.Context, ad MonitoredAd) (MonitoredAd, error)
	Get(ctx context.Context, projectID string, adID string) (MonitoredAd, error)
	ListEnabled(ctx context.Context, projectID string) ([]MonitoredAd, error)
}

type NotificationTargetStore interface {
	Create(ctx context.Context, target NotificationTarget) (NotificationTarget, error)
	ListEnabled(ctx context.Context, projectID string) ([]NotificationTarget, error)
}

type DispatchLedger interface {
	Record(ctx context.Context, dispatch AlertDispatch) (AlertDispatch, error)
	ListByAlert(ctx context.Context, alertID string) ([]AlertDispatch, error)
}

type AuthURLRequest struct {
	State       string
	RedirectURI string
	Scopes      []string
}

type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string
	ExpiresAt    *time.Time
}

type SyncRequest struct {
	Connection  Connection
	AccessToken string
	Cursor      string
	Limit       int
}

type SyncResult struct {
	Events     []CanonicalEvent
	NextCursor string
	HasMore    bool
}

// Connector is a third-party integration. OAuth details stay inside each
// implementation.
type Connector interface {
	ID() string
	AuthURL(ctx context.Context, req AuthURLRequest) (string, error)
	ExchangeToken(ctx context.Context, code string, redirectURI string) (OAuthToken, error)
	Sync(ctx context.Context, req SyncRequest) (SyncResult, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, ad AdContent, page PageSnapshot) (AnalysisResult, error)
}

type PageFetcher interface {
	Fetch(ctx context.Context, url string) (PageSnapshot, error)
}

type AlertPayload struct {
	AlertID   string    `json:"alert_id"`
	ProjectID string    `json:"project_id"`
	URL       string    `json:"url"`
	AdID      string    `json:"ad_id"`
	AlertType AlertType `json:"alert_type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	ReportID  string    `json:"report_id"`
	Score     float64   `json:"score"`
	Day       string    `json:"day"`
}

type Notifier interface {
	Dispatch(ctx context.Context, target NotificationTarget, payload AlertPayload) error
}

type InboundRequest struct {
	ProviderID string
	Surface    string
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportRequest struct {
	Method               string
	URL                  string
	Headers              map[string]string
	Query                map[string]string
	Body                 []byte
	Metadata             map[string]any
	Timeout              time.Duration
	Idempotency          string
	MaxResponseBodyBytes int64
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportAdapter interface {
	Kind() string
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
