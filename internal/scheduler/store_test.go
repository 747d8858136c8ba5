package scheduler

import (
	"testing"
	"time"

	"catalogd/internal/storerail"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := storerail.Open(t.TempDir(), "scheduler", Migrations())
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db.Conn())
}

func TestStore_RecordAndFinishRun(t *testing.T) {
	s := testStore(t)

	runID, err := s.RecordJobStart("job-1", "schedule", time.Now())
	if err != nil {
		t.Fatalf("RecordJobStart() error: %v", err)
	}

	running, err := s.IsRunning("job-1")
	if err != nil {
		t.Fatalf("IsRunning() error: %v", err)
	}
	if !running {
		t.Error("expected job-1 to be running")
	}

	if err := s.FinishRun(runID, RunCompleted, "", time.Now()); err != nil {
		t.Fatalf("FinishRun() error: %v", err)
	}

	running, _ = s.IsRunning("job-1")
	if running {
		t.Error("expected job-1 to no longer be running after finish")
	}

	history, err := s.History("job-1", 10)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("got %d history rows, want 1", len(history))
	}
	if history[0].Status != RunCompleted {
		t.Errorf("Status = %q, want %q", history[0].Status, RunCompleted)
	}
}

func TestStore_SweepStaleRunning(t *testing.T) {
	s := testStore(t)

	runID, _ := s.RecordJobStart("job-1", "schedule", time.Now())

	n, err := s.SweepStaleRunning(time.Now())
	if err != nil {
		t.Fatalf("SweepStaleRunning() error: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d rows, want 1", n)
	}

	history, _ := s.History("job-1", 1)
	if len(history) != 1 || history[0].Status != RunFailed {
		t.Fatalf("expected the swept run to be Failed, got %+v", history)
	}
	if history[0].Error != "interrupted (server restart)" {
		t.Errorf("Error = %q, want the interrupted message", history[0].Error)
	}
	_ = runID
}

func TestStore_UpsertAndGetSchedule(t *testing.T) {
	s := testStore(t)

	next := time.Now().Add(time.Hour).Truncate(time.Second)
	last := time.Now().Truncate(time.Second)
	if err := s.UpsertSchedule("job-1", &next, &last); err != nil {
		t.Fatalf("UpsertSchedule() error: %v", err)
	}

	st, err := s.GetSchedule("job-1")
	if err != nil {
		t.Fatalf("GetSchedule() error: %v", err)
	}
	if st.NextRunAt == nil || !st.NextRunAt.Equal(next) {
		t.Errorf("NextRunAt = %v, want %v", st.NextRunAt, next)
	}

	next2 := next.Add(time.Hour)
	if err := s.UpsertSchedule("job-1", &next2, &last); err != nil {
		t.Fatalf("UpsertSchedule() (update) error: %v", err)
	}
	st, _ = s.GetSchedule("job-1")
	if !st.NextRunAt.Equal(next2) {
		t.Errorf("NextRunAt after update = %v, want %v", st.NextRunAt, next2)
	}
}

func TestStore_GetSchedule_Unregistered(t *testing.T) {
	s := testStore(t)
	st, err := s.GetSchedule("unknown-job")
	if err != nil {
		t.Fatalf("GetSchedule() error: %v", err)
	}
	if st.NextRunAt != nil || st.LastRunAt != nil {
		t.Error("expected empty schedule state for an unregistered job")
	}
}
