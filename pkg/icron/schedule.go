// Package icron describes when a standard five-field cron schedule fires
// relative to a reference time.
package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type TriggerInfo struct {
	Expression string    `json:"expression"`
	Next       time.Time `json:"next"`
	Last       time.Time `json:"last,omitempty"`

	TimeSinceLast time.Duration `json:"time_since_last,omitempty"`
	TimeUntilNext time.Duration `json:"time_until_next"`
}

// lookback windows tried in order when searching for the previous firing.
var lookback = []time.Duration{
	time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
	31 * 24 * time.Hour,
	366 * 24 * time.Hour,
}

// GetTriggerInfo reports the next firing after refTime and the latest one
// at or before it. Last is zero when the schedule did not fire in the past
// year.
func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	info := &TriggerInfo{
		Expression: cronExpr,
		Next:       schedule.Next(refTime),
	}
	info.TimeUntilNext = info.Next.Sub(refTime)

	if last := previous(schedule, refTime); !last.IsZero() {
		info.Last = last
		info.TimeSinceLast = refTime.Sub(last)
	}
	return info, nil
}

func previous(schedule cron.Schedule, refTime time.Time) time.Time {
	for _, window := range lookback {
		var last time.Time
		// Next is exclusive, so start one second early to include firings
		// exactly at the window start.
		t := schedule.Next(refTime.Add(-window - time.Second))
		for !t.IsZero() && !t.After(refTime) {
			last = t
			t = schedule.Next(t)
		}
		if !last.IsZero() {
			return last
		}
	}
	return time.Time{}
}
