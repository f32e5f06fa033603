package sendpool

import (
	"fmt"
	"math"
	"time"

	"github.com/rbaliyan/sendpool/store"
)

// WarmupPhase is the coarse warm-up state of a mailbox.
type WarmupPhase string

const (
	WarmupDisabled    WarmupPhase = "disabled"
	WarmupWarming     WarmupPhase = "warming"
	WarmupAlmostReady WarmupPhase = "almost_ready"
	WarmupReady       WarmupPhase = "ready"
)

// WarmupDays is the length of the ramp.
const WarmupDays = 28

const day = 24 * time.Hour

// WarmupWeek is the daily range allowed during one week of the ramp.
type WarmupWeek struct {
	MinEmails int
	MaxEmails int
}

// warmupSchedule: the limit moves linearly from MinEmails on the first day of
// a week to MaxEmails on the seventh.
var warmupSchedule = [4]WarmupWeek{
	{MinEmails: 5, MaxEmails: 10},
	{MinEmails: 15, MaxEmails: 25},
	{MinEmails: 30, MaxEmails: 40},
	{MinEmails: 50, MaxEmails: 50},
}

// WarmupSchedule returns a copy of the four-week ramp.
func WarmupSchedule() [4]WarmupWeek {
	return warmupSchedule
}

// WarmupStatus describes where a mailbox is on the ramp at a point in time.
type WarmupStatus struct {
	Enabled bool        `json:"enabled"`
	Status  WarmupPhase `json:"status"`
	// DailyLimit is the ramp limit for the day, or the mailbox's configured
	// limit once warm-up is disabled or complete.
	DailyLimit int `json:"daily_limit"`
	// Progress is the percentage of the ramp completed (0-100).
	Progress int `json:"progress"`
	// WeekNumber is 1..4 while warming, 0 otherwise.
	WeekNumber int `json:"week_number"`
	// DayInWeek is 1..7 while warming, 0 otherwise.
	DayInWeek         int    `json:"day_in_week"`
	DaysSinceCreation int    `json:"days_since_creation"`
	Message           string `json:"message"`
}

// ComputeWarmupStatus computes the warm-up status of m at now. It is pure.
//
// Elapsed time before CreatedAt (clock skew) counts as day 0.
func ComputeWarmupStatus(m *store.Mailbox, now time.Time) WarmupStatus {
	if !m.WarmupEnabled {
		return WarmupStatus{
			Enabled:    false,
			Status:     WarmupDisabled,
			DailyLimit: m.DailyLimit,
			Progress:   100,
			Message:    "Warm-up disabled",
		}
	}

	days := 0
	if elapsed := now.Sub(m.CreatedAt); elapsed > 0 {
		days = int(elapsed / day)
	}

	if days >= WarmupDays {
		return WarmupStatus{
			Enabled:           true,
			Status:            WarmupReady,
			DailyLimit:        m.DailyLimit,
			Progress:          100,
			DaysSinceCreation: days,
			Message:           "Warm-up complete",
		}
	}

	weekIdx := min(days/7, len(warmupSchedule)-1)
	dayInWeek := days % 7
	w := warmupSchedule[weekIdx]
	limit := w.MinEmails + int(math.Round(float64(w.MaxEmails-w.MinEmails)/6*float64(dayInWeek)))

	phase := WarmupWarming
	if weekIdx == len(warmupSchedule)-1 {
		phase = WarmupAlmostReady
	}

	return WarmupStatus{
		Enabled:           true,
		Status:            phase,
		DailyLimit:        limit,
		Progress:          int(math.Round(float64(days) / WarmupDays * 100)),
		WeekNumber:        weekIdx + 1,
		DayInWeek:         dayInWeek + 1,
		DaysSinceCreation: days,
		Message:           fmt.Sprintf("Week %d of %d, up to %d emails/day", weekIdx+1, len(warmupSchedule), limit),
	}
}

// EffectiveDailyLimit is the smaller of the mailbox's configured limit and
// its warm-up limit at now.
func EffectiveDailyLimit(m *store.Mailbox, now time.Time) int {
	return min(m.DailyLimit, ComputeWarmupStatus(m, now).DailyLimit)
}
