package sqlstore

import (
	"time"

	"github.com/goliatone/go-alignment/core"
	"github.com/uptrace/bun"
)

type connectionRecord struct {
	bun.BaseModel `bun:"table:alignment_connections,alias:acn"`

	ID                string    `bun:"id,pk"`
	ProjectID         string    `bun:"project_id,notnull"`
	Provider          string    `bun:"provider,notnull"`
	Status            string    `bun:"status,notnull"`
	ExternalAccountID string    `bun:"external_account_id,notnull"`
	EncryptedSecret   []byte    `bun:"encrypted_secret"`
	CreatedAt         time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type canonicalEventRecord struct {
	bun.BaseModel `bun:"table:canonical_events,alias:ce"`

	ID             string            `bun:"id,pk"`
	ProjectID      string            `bun:"project_id,notnull"`
	ConnectionID   string            `bun:"connection_id,notnull"`
	Provider       string            `bun:"provider,notnull"`
	EventType      string            `bun:"event_type,notnull"`
	IdempotencyKey string            `bun:"idempotency_key,notnull"`
	OccurredAt     time.Time         `bun:"occurred_at,notnull"`
	Actor          map[string]string `bun:"actor,type:jsonb,notnull"`
	Entities       map[string]any    `bun:"entities,type:jsonb,notnull"`
	Value          map[string]any    `bun:"value,type:jsonb,notnull"`
	RawRef         string            `bun:"raw_ref,notnull"`
	CreatedAt      time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type dlqEventRecord struct {
	bun.BaseModel `bun:"table:dlq_events,alias:dq"`

	ID           string            `bun:"id,pk"`
	ProjectID    string            `bun:"project_id,notnull"`
	ConnectionID string            `bun:"connection_id,notnull"`
	Provider     string            `bun:"provider,notnull"`
	Topic        string            `bun:"topic,notnull"`
	Payload      []byte            `bun:"payload,notnull"`
	Headers      map[string]string `bun:"headers,type:jsonb,notnull"`
	ErrorClass   string            `bun:"error_class,notnull"`
	ErrorMessage string            `bun:"error_message,notnull"`
	Status       string            `bun:"status,notnull"`
	AttemptCount int               `bun:"attempt_count,notnull"`
	NextRetryAt  time.Time         `bun:"next_retry_at,notnull"`
	DeadAfter    time.Time         `bun:"dead_after,notnull"`
	ClaimToken   string            `bun:"claim_token,notnull"`
	ResolvedAt   *time.Time        `bun:"resolved_at,nullzero"`
	CreatedAt    time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type monitoredAdRecord struct {
	bun.BaseModel `bun:"table:monitored_ads,alias:ma"`

	ID        string         `bun:"id,pk"`
	ProjectID string         `bun:"project_id,notnull"`
	AdID      string         `bun:"ad_id,notnull"`
	URL       string         `bun:"url,notnull"`
	Ad        core.AdContent `bun:"ad,type:jsonb,notnull"`
	Enabled   bool           `bun:"enabled,notnull"`
	CreatedAt time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type jobRecord struct {
	bun.BaseModel `bun:"table:alignment_jobs,alias:aj"`

	ID            string         `bun:"id,pk"`
	ProjectID     string         `bun:"project_id,notnull"`
	AdID          string         `bun:"ad_id,notnull"`
	URL           string         `bun:"url,notnull"`
	Ad            core.AdContent `bun:"ad,type:jsonb,notnull"`
	Status        string         `bun:"status,notnull"`
	Trigger       string         `bun:"trigger_source,notnull"`
	LockedBy      string         `bun:"locked_by,notnull"`
	LockExpiresAt *time.Time     `bun:"lock_expires_at,nullzero"`
	StartedAt     *time.Time     `bun:"started_at,nullzero"`
	FinishedAt    *time.Time     `bun:"finished_at,nullzero"`
	CorrelationID string         `bun:"correlation_id,notnull"`
	ReportID      string         `bun:"report_id,notnull"`
	ErrorMessage  string         `bun:"error_message,notnull"`
	Attempts      int            `bun:"attempts,notnull"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type reportRecord struct {
	bun.BaseModel `bun:"table:alignment_reports,alias:ar"`

	ID              string             `bun:"id,pk"`
	ProjectID       string             `bun:"project_id,notnull"`
	JobID           string             `bun:"job_id,notnull"`
	AdID            string             `bun:"ad_id,notnull"`
	URL             string             `bun:"url,notnull"`
	CacheKey        string             `bun:"cache_key,notnull"`
	Score           float64            `bun:"score,notnull"`
	Scores          map[string]float64 `bun:"scores,type:jsonb,notnull"`
	Findings        []core.Finding     `bun:"findings,type:jsonb,notnull"`
	TrackingSignals map[string]bool    `bun:"tracking_signals,type:jsonb,notnull"`
	Mode            string             `bun:"mode,notnull"`
	Cached          bool               `bun:"cached,notnull"`
	CachedFrom      string             `bun:"cached_from,notnull"`
	CreatedAt       time.Time          `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type alertRecord struct {
	bun.BaseModel `bun:"table:alignment_alerts,alias:aa"`

	ID              string     `bun:"id,pk"`
	ProjectID       string     `bun:"project_id,notnull"`
	URL             string     `bun:"url,notnull"`
	AdID            string     `bun:"ad_id,notnull"`
	AlertType       string     `bun:"alert_type,notnull"`
	Fingerprint     string     `bun:"fingerprint,notnull"`
	Day             string     `bun:"day,notnull"`
	Severity        string     `bun:"severity,notnull"`
	Message         string     `bun:"message,notnull"`
	ReportID        string     `bun:"report_id,notnull"`
	Status          string     `bun:"status,notnull"`
	SuppressedCount int        `bun:"suppressed_count,notnull"`
	CreatedAt       time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	ResolvedAt      *time.Time `bun:"resolved_at,nullzero"`
}

type scheduleSettingsRecord struct {
	bun.BaseModel `bun:"table:schedule_settings,alias:ss"`

	ID                     string    `bun:"id,pk"`
	ProjectID              string    `bun:"project_id,notnull"`
	Enabled                bool      `bun:"enabled,notnull"`
	Cadence                string    `bun:"cadence,notnull"`
	MaxChecksPerDay        int       `bun:"max_checks_per_day,notnull"`
	QuietStart             string    `bun:"quiet_start,notnull"`
	QuietEnd               string    `bun:"quiet_end,notnull"`
	Timezone               string    `bun:"timezone,notnull"`
	MinScoreAlertThreshold float64   `bun:"min_score_alert_threshold,notnull"`
	CreatedAt              time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt              time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type notificationTargetRecord struct {
	bun.BaseModel `bun:"table:notification_targets,alias:nt"`

	ID        string    `bun:"id,pk"`
	ProjectID string    `bun:"project_id,notnull"`
	Kind      string    `bun:"kind,notnull"`
	URL       string    `bun:"url,notnull"`
	Secret    string    `bun:"secret,notnull"`
	Enabled   bool      `bun:"enabled,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type alertDispatchRecord struct {
	bun.BaseModel `bun:"table:alert_dispatches,alias:ad"`

	ID          string    `bun:"id,pk"`
	AlertID     string    `bun:"alert_id,notnull"`
	TargetID    string    `bun:"target_id,notnull"`
	Status      string    `bun:"status,notnull"`
	Error       string    `bun:"error,notnull"`
	AttemptedAt time.Time `bun:"attempted_at,notnull"`
}

const dlqColumns = `
	id,
	project_id,
	connection_id,
	provider,
	topic,
	payload,
	headers,
	error_class,
	error_message,
	status,
	attempt_count,
	next_retry_at,
	dead_after,
	claim_token,
	resolved_at,
	created_at,
	updated_at`
