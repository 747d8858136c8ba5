package queue

import (
	"testing"
	"time"

	"catalogd/internal/apperrors"
	"catalogd/internal/storerail"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := storerail.Open(t.TempDir(), "queue", Migrations())
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db.Conn())
}

func TestStore_CreateAndGetByID(t *testing.T) {
	s := testStore(t)

	it := &QueueItem{
		Status:        StatusPending,
		Priority:      PriorityUser,
		ContentKind:   ContentTrackAudio,
		ContentID:     "track-1",
		RequestSource: SourceUser,
		MaxRetries:    5,
	}
	if err := s.Create(it); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if it.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := s.GetByID(it.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.ContentID != "track-1" {
		t.Errorf("ContentID = %q, want %q", got.ContentID, "track-1")
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
}

func TestStore_ExistsActiveByContent(t *testing.T) {
	s := testStore(t)

	it := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "t1", RequestSource: SourceUser}
	if err := s.Create(it); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	existing, err := s.ExistsActiveByContent(ContentTrackAudio, "t1")
	if err != nil {
		t.Fatalf("ExistsActiveByContent() error: %v", err)
	}
	if existing == nil {
		t.Fatal("expected an active item")
	}

	if err := s.MarkCompleted(it.ID, 100, 10, time.Now()); err != nil {
		t.Fatalf("MarkCompleted() error: %v", err)
	}

	existing, err = s.ExistsActiveByContent(ContentTrackAudio, "t1")
	if err != nil {
		t.Fatalf("ExistsActiveByContent() error: %v", err)
	}
	if existing != nil {
		t.Error("completed item should not be considered active")
	}
}

func TestStore_ClaimNextReady_PriorityOrder(t *testing.T) {
	s := testStore(t)

	low := &QueueItem{Status: StatusPending, Priority: PriorityExpansion, ContentKind: ContentTrackAudio, ContentID: "a", RequestSource: SourceExpansion}
	high := &QueueItem{Status: StatusPending, Priority: PriorityWatchdog, ContentKind: ContentTrackAudio, ContentID: "b", RequestSource: SourceWatchdog}
	s.Create(low)
	s.Create(high)

	claimed, err := s.ClaimNextReady(time.Now())
	if err != nil {
		t.Fatalf("ClaimNextReady() error: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimed item")
	}
	if claimed.ID != high.ID {
		t.Errorf("claimed %q, want the higher-priority item %q", claimed.ID, high.ID)
	}
	if claimed.Status != StatusInProgress {
		t.Errorf("Status = %q, want %q", claimed.Status, StatusInProgress)
	}
}

func TestStore_ClaimNextReady_RespectsRetryWaiting(t *testing.T) {
	s := testStore(t)

	future := time.Now().Add(time.Hour)
	it := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "c", RequestSource: SourceUser}
	s.Create(it)
	kind := ErrorConnection
	s.ScheduleRetry(it.ID, kind, "boom", future, 1)

	claimed, err := s.ClaimNextReady(time.Now())
	if err != nil {
		t.Fatalf("ClaimNextReady() error: %v", err)
	}
	if claimed != nil {
		t.Error("item whose next_retry_at is in the future should not be claimable")
	}
}

func TestStore_AdminRetry_RequiresFailed(t *testing.T) {
	s := testStore(t)

	it := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "d", RequestSource: SourceUser}
	s.Create(it)

	if err := s.AdminRetry(it.ID); err == nil {
		t.Fatal("expected InvalidStateTransition for a non-Failed item")
	}

	s.MarkFailed(it.ID, ErrorUnknown, "boom", time.Now())
	if err := s.AdminRetry(it.ID); err != nil {
		t.Fatalf("AdminRetry() on a Failed item should succeed: %v", err)
	}

	got, _ := s.GetByID(it.ID)
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}
}

func TestStore_Cancel(t *testing.T) {
	s := testStore(t)

	it := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "e", RequestSource: SourceUser}
	s.Create(it)

	if err := s.Cancel(it.ID, time.Now()); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}

	got, _ := s.GetByID(it.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, StatusFailed)
	}
}

func TestStore_MarkStaleInProgressFailed(t *testing.T) {
	s := testStore(t)

	it := &QueueItem{Status: StatusInProgress, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "f", RequestSource: SourceUser}
	s.Create(it)
	s.db.Exec("UPDATE queue_items SET status='in_progress' WHERE id=?", it.ID)

	n, err := s.MarkStaleInProgressFailed(time.Now())
	if err != nil {
		t.Fatalf("MarkStaleInProgressFailed() error: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d rows, want 1", n)
	}

	got, _ := s.GetByID(it.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, StatusFailed)
	}
}

func TestStore_Create_RejectsNonAlbumParent(t *testing.T) {
	s := testStore(t)

	track := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "parent-track", RequestSource: SourceUser}
	if err := s.Create(track); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	child := &QueueItem{ParentID: &track.ID, Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "child-track", RequestSource: SourceUser}
	err := s.Create(child)
	if err == nil {
		t.Fatal("expected an error enqueueing a child under a non-album parent")
	}
	if apperrors.KindOf(err) != apperrors.KindInvalidMessage {
		t.Errorf("KindOf(err) = %v, want %v", apperrors.KindOf(err), apperrors.KindInvalidMessage)
	}
}

func TestStore_Create_AcceptsAlbumParent(t *testing.T) {
	s := testStore(t)

	album := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentAlbum, ContentID: "album-1", RequestSource: SourceUser}
	if err := s.Create(album); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	child := &QueueItem{ParentID: &album.ID, Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "child-track", RequestSource: SourceUser}
	if err := s.Create(child); err != nil {
		t.Fatalf("Create() with album parent should succeed: %v", err)
	}
}

func TestStore_ListActive_OrdersByPriorityThenCreatedAt(t *testing.T) {
	s := testStore(t)

	low := &QueueItem{Status: StatusPending, Priority: PriorityExpansion, ContentKind: ContentTrackAudio, ContentID: "a", RequestSource: SourceExpansion}
	high := &QueueItem{Status: StatusPending, Priority: PriorityWatchdog, ContentKind: ContentTrackAudio, ContentID: "b", RequestSource: SourceWatchdog}
	mid := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "c", RequestSource: SourceUser}
	s.Create(low)
	s.Create(high)
	s.Create(mid)

	done := &QueueItem{Status: StatusPending, Priority: PriorityWatchdog, ContentKind: ContentTrackAudio, ContentID: "d", RequestSource: SourceWatchdog}
	s.Create(done)
	s.MarkCompleted(done.ID, 0, 0, time.Now())

	active, err := s.ListActive()
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("got %d active items, want 3", len(active))
	}
	wantOrder := []string{high.ID, mid.ID, low.ID}
	for i, want := range wantOrder {
		if active[i].ID != want {
			t.Errorf("active[%d].ID = %q, want %q", i, active[i].ID, want)
		}
	}
}

func TestStore_AuditLog(t *testing.T) {
	s := testStore(t)

	it := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "g", RequestSource: SourceUser}
	s.Create(it)

	qid := it.ID
	if err := s.AppendAudit(&AuditEntry{QueueID: &qid, Kind: AuditRequestCreated, Detail: map[string]any{"x": "y"}}); err != nil {
		t.Fatalf("AppendAudit() error: %v", err)
	}

	entries, err := s.AuditForQueueItem(it.ID)
	if err != nil {
		t.Fatalf("AuditForQueueItem() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Kind != AuditRequestCreated {
		t.Errorf("Kind = %q, want %q", entries[0].Kind, AuditRequestCreated)
	}
}
