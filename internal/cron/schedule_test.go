package cron

import (
	"testing"
	"time"

	"github.com/moltisdev/moltis/internal/models"
)

func TestNextAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)

	next, ok, err := Next(models.CronSchedule{Kind: "at", AtMs: future.UnixMilli()}, now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Fatal("expected ok = true for a future At schedule")
	}
	if !next.Equal(future) {
		t.Fatalf("next = %v, want %v", next, future)
	}
}

func TestNextAtPastDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	_, ok, err := Next(models.CronSchedule{Kind: "at", AtMs: past.UnixMilli()}, now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ok {
		t.Fatal("expected ok = false for a past-due At schedule")
	}
}

func TestNextEveryFromFutureAnchor(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	anchor := now.Add(time.Hour)

	next, ok, err := Next(models.CronSchedule{Kind: "every", IntervalMs: int64(time.Hour / time.Millisecond), AnchorMs: anchor.UnixMilli()}, now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok || !next.Equal(anchor) {
		t.Fatalf("next = %v, ok = %v, want %v, true", next, ok, anchor)
	}
}

func TestNextEveryAdvancesPastElapsedAnchors(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	anchor := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	interval := 10 * time.Minute

	next, ok, err := Next(models.CronSchedule{Kind: "every", IntervalMs: int64(interval / time.Millisecond), AnchorMs: anchor.UnixMilli()}, now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	want := time.Date(2026, 1, 1, 12, 40, 0, 0, time.UTC)
	if !ok || !next.Equal(want) {
		t.Fatalf("next = %v, ok = %v, want %v, true", next, ok, want)
	}
}

func TestNextEveryMissingInterval(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if _, ok, err := Next(models.CronSchedule{Kind: "every"}, now); err == nil || ok {
		t.Fatal("expected an error for a missing interval")
	}
}

func TestNextCronDaily(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, ok, err := Next(models.CronSchedule{Kind: "cron", Expr: "0 9 * * *"}, now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	want := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	if !ok || !next.Equal(want) {
		t.Fatalf("next = %v, ok = %v, want %v, true", next, ok, want)
	}
}

func TestNextCronInvalidExpression(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if _, _, err := Next(models.CronSchedule{Kind: "cron", Expr: "not a cron expression"}, now); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestNextCronRespectsTimezone(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, ok, err := Next(models.CronSchedule{Kind: "cron", Expr: "0 9 * * *", TZ: "America/New_York"}, now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Fatal("expected ok = true")
	}
	loc, _ := time.LoadLocation("America/New_York")
	want := time.Date(2026, 1, 1, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next.In(loc), want)
	}
}

func TestValidateUnknownKind(t *testing.T) {
	if err := Validate(models.CronSchedule{Kind: "bogus"}); err == nil {
		t.Fatal("expected an error for an unknown schedule kind")
	}
}
