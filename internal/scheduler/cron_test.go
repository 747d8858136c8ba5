package scheduler

import (
	"testing"
	"time"
)

func TestNextCronRun_ValidExpression(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, ok := nextCronRun("job-1", "0 3 * * *", after)
	if !ok {
		t.Fatal("expected a valid parse")
	}
	want := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextCronRun_InvalidExpressionIsManualOnly(t *testing.T) {
	_, ok := nextCronRun("job-1", "not a cron expression", time.Now())
	if ok {
		t.Error("expected an unparseable expression to report ok=false")
	}
}

func TestNextCronRun_Descriptor(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next, ok := nextCronRun("job-1", "@daily", after)
	if !ok {
		t.Fatal("expected @daily to parse")
	}
	if next.Hour() != 0 || next.Day() != 2 {
		t.Errorf("next = %v, want midnight the following day", next)
	}
}
