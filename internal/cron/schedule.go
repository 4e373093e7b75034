// Package cron implements a persistent scheduler: a single scheduler
// goroutine that owns the active job set, fires jobs at their computed
// next-run time via one of two delivery modes, and records a capped
// run history. Schedules are a tagged At/Every/Cron sum, and delivery
// splits between the main session and an isolated one-off session.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/moltisdev/moltis/internal/models"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Next computes the next fire time for sched after now, mirroring
// the following schedule computation exactly:
//
//   - At{at_ms}: fires once at at_ms; in the past with no grace means no
//     next fire.
//   - Every{interval_ms, anchor_ms}: the smallest anchor + k*interval > now.
//   - Cron{expr, tz}: standard 5-field cron evaluated in tz (default UTC).
//
// ok is false when the schedule has no further fire (a past-due At).
func Next(sched models.CronSchedule, now time.Time) (next time.Time, ok bool, err error) {
	switch sched.Kind {
	case "at":
		at := time.UnixMilli(sched.AtMs)
		if now.After(at) {
			return time.Time{}, false, nil
		}
		return at, true, nil

	case "every":
		if sched.IntervalMs <= 0 {
			return time.Time{}, false, fmt.Errorf("cron: every schedule missing interval")
		}
		interval := time.Duration(sched.IntervalMs) * time.Millisecond
		anchor := time.UnixMilli(sched.AnchorMs)
		if sched.AnchorMs == 0 {
			anchor = now
		}
		if !anchor.After(now) {
			elapsed := now.Sub(anchor)
			steps := elapsed/interval + 1
			return anchor.Add(steps * interval), true, nil
		}
		return anchor, true, nil

	case "cron":
		if sched.Expr == "" {
			return time.Time{}, false, fmt.Errorf("cron: missing cron expression")
		}
		loc := time.UTC
		if sched.TZ != "" {
			if tz, err := time.LoadLocation(sched.TZ); err == nil {
				loc = tz
			}
		}
		schedule, err := cronParser.Parse(sched.Expr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("cron: parse expression %q: %w", sched.Expr, err)
		}
		next := schedule.Next(now.In(loc))
		return next, !next.IsZero(), nil

	default:
		return time.Time{}, false, fmt.Errorf("cron: unknown schedule kind %q", sched.Kind)
	}
}

// Validate parses/sanity-checks a schedule without computing a next fire,
// used by cron.add to reject malformed schedules up front.
func Validate(sched models.CronSchedule) error {
	_, _, err := Next(sched, time.Now())
	return err
}
