// Package alerts turns alignment reports into deduplicated alerts and fans
// them out to notification targets.
package alerts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Fingerprint identifies one logical alert per calendar day.
func Fingerprint(projectID string, url string, adID string, alertType core.AlertType, day string) string {
	parts := []string{
		strings.TrimSpace(projectID),
		strings.TrimSpace(url),
		strings.TrimSpace(adID),
		strings.TrimSpace(string(alertType)),
		strings.TrimSpace(day),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Day formats now as a calendar day in loc.
func Day(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(time.DateOnly)
}

type Detection struct {
	Type     core.AlertType
	Severity string
	Message  string
}

type Rules struct {
	// CriticalScore applies when the project sets no threshold of its own.
	CriticalScore   float64
	RequiredSignals []string
}

func RulesFrom(cfg core.AlertsConfig) Rules {
	return Rules{CriticalScore: cfg.CriticalScore, RequiredSignals: append([]string(nil), cfg.RequiredSignals...)}
}

func (r Rules) threshold(settings core.ScheduleSettings) float64 {
	if settings.MinScoreAlertThreshold > 0 {
		return settings.MinScoreAlertThreshold
	}
	return r.CriticalScore
}

// Evaluate lists the alert conditions a report meets.
func Evaluate(report core.AlignmentReport, settings core.ScheduleSettings, rules Rules) []Detection {
	var detections []Detection
	if threshold := rules.threshold(settings); threshold > 0 && report.Score < threshold {
		detections = append(detections, Detection{
			Type:     core.AlertTypeLowScore,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("alignment score %.1f is below %.1f", report.Score, threshold),
		})
	}
	if missing := missingSignals(report.TrackingSignals, rules.RequiredSignals); len(missing) > 0 {
		detections = append(detections, Detection{
			Type:     core.AlertTypeMissingTracking,
			Severity: SeverityWarning,
			Message:  "missing tracking signals: " + strings.Join(missing, ", "),
		})
	}
	return detections
}

func missingSignals(present map[string]bool, required []string) []string {
	var missing []string
	seen := map[string]struct{}{}
	for _, name := range required {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if !present[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
