package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts standard five-field expressions and descriptors such as
// "@every 1h". It matches cron.New's default.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type TriggerInfo struct {
	Next       time.Time
	Last       time.Time
	Expression string

	TimeSinceLast time.Duration
	TimeUntilNext time.Duration
}

// GetTriggerInfo reports the next trigger after refTime and the latest one
// at or before it, searched hour by hour up to a year back.
func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := Parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	info := &TriggerInfo{
		Expression: cronExpr,
		Next:       schedule.Next(refTime),
	}
	info.TimeUntilNext = info.Next.Sub(refTime)

	for i := 1; i <= 366*24; i++ {
		from := refTime.Add(-time.Duration(i) * time.Hour)
		candidate := schedule.Next(from)
		if candidate.After(refTime) {
			continue
		}
		// walk forward to the latest trigger not after refTime
		for {
			following := schedule.Next(candidate)
			if following.After(refTime) {
				break
			}
			candidate = following
		}
		info.Last = candidate
		info.TimeSinceLast = refTime.Sub(candidate)
		break
	}
	return info, nil
}
