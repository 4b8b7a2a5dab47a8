package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/core"
)

type AdmitReason string

const (
	AdmitOK         AdmitReason = ""
	AdmitDisabled   AdmitReason = "disabled"
	AdmitQuietHours AdmitReason = "quiet_hours"
	AdmitBudget     AdmitReason = "daily_budget_exhausted"
)

// Location resolves the project's timezone, falling back to UTC.
func Location(settings core.ScheduleSettings) *time.Location {
	name := strings.TrimSpace(settings.Timezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StartOfDay is local midnight in the project's timezone.
func StartOfDay(settings core.ScheduleSettings, now time.Time) time.Time {
	local := now.In(Location(settings))
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

// IsDue reports whether more than the cadence interval has passed since
// the last successful run. A project that never succeeded is due.
func IsDue(settings core.ScheduleSettings, lastSuccess *time.Time, now time.Time) bool {
	if !settings.Enabled {
		return false
	}
	if lastSuccess == nil || lastSuccess.IsZero() {
		return true
	}
	return now.After(lastSuccess.Add(settings.Cadence.Interval()))
}

// InQuietHours checks now against a local [Start, End) window. A window
// whose end is before its start runs past midnight.
func InQuietHours(settings core.ScheduleSettings, now time.Time) bool {
	if !settings.QuietHours.Configured() {
		return false
	}
	start, err := parseClock(settings.QuietHours.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(settings.QuietHours.End)
	if err != nil || start == end {
		return false
	}
	local := now.In(Location(settings))
	minute := local.Hour()*60 + local.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// CanAdmit applies the enabled flag, quiet hours and the daily budget. A
// budget of zero admits nothing. Manual triggers go through it too; only
// cadence is skipped for them.
func CanAdmit(settings core.ScheduleSettings, checksToday int, now time.Time) (bool, AdmitReason) {
	if !settings.Enabled {
		return false, AdmitDisabled
	}
	if InQuietHours(settings, now) {
		return false, AdmitQuietHours
	}
	if checksToday >= settings.MaxChecksPerDay {
		return false, AdmitBudget
	}
	return true, AdmitOK
}

func parseClock(value string) (int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("schedule: invalid clock %q: %w", value, err)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}
