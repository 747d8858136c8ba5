package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"catalogd/internal/apperrors"
	"catalogd/internal/storerail"
)

// fakeDownloader is a hand-built test double, the queue package's
// equivalent of kingo's tests bypassing a real network-calling client:
// GetAlbum/DownloadTrackAudio/DownloadImage behavior is scripted per test.
type fakeDownloader struct {
	mu sync.Mutex

	albums    map[string]*AlbumMeta
	albumErr  map[string]error
	trackErr  map[string]error
	imageErr  map[string]error
	failCount map[string]int // number of times to fail before succeeding

	calls []string
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		albums:    make(map[string]*AlbumMeta),
		albumErr:  make(map[string]error),
		trackErr:  make(map[string]error),
		imageErr:  make(map[string]error),
		failCount: make(map[string]int),
	}
}

func (f *fakeDownloader) GetArtist(ctx context.Context, id string) (*ArtistMeta, error) {
	return &ArtistMeta{ID: id}, nil
}

func (f *fakeDownloader) GetAlbum(ctx context.Context, id string) (*AlbumMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "GetAlbum:"+id)
	if err, ok := f.albumErr[id]; ok {
		return nil, err
	}
	return f.albums[id], nil
}

func (f *fakeDownloader) GetTrack(ctx context.Context, id string) (*TrackMeta, error) {
	return &TrackMeta{ID: id}, nil
}

func (f *fakeDownloader) DownloadTrackAudio(ctx context.Context, id, outputPath string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "DownloadTrackAudio:"+id)
	if n, scripted := f.failCount[id]; scripted {
		if n > 0 {
			f.failCount[id]--
			return 0, f.trackErr[id]
		}
		return 1024, nil
	}
	if err, ok := f.trackErr[id]; ok {
		return 0, err
	}
	return 1024, nil
}

func (f *fakeDownloader) DownloadImage(ctx context.Context, id, outputPath string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "DownloadImage:"+id)
	if err, ok := f.imageErr[id]; ok {
		return 0, err
	}
	return 512, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	queueID string
	status  Status
}

func (r *recordingSink) PublishProgress(queueID string, parentID *string, status Status, pct float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sinkEvent{queueID: queueID, status: status})
}

func (r *recordingSink) terminalCount(status Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.status == status {
			n++
		}
	}
	return n
}

func testEngine(t *testing.T, dl Downloader) (*Engine, *Store, *recordingSink) {
	t.Helper()
	db, err := storerail.Open(t.TempDir(), "queue", Migrations())
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := NewStore(db.Conn())
	sink := &recordingSink{}
	eng := NewEngine(store, dl, sink, EngineConfig{
		Workers:           2,
		DefaultMaxRetries: 3,
		OutputDir:         t.TempDir(),
	})
	return eng, store, sink
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEngine_AlbumFanOutHappyPath(t *testing.T) {
	dl := newFakeDownloader()
	dl.albums["album-1"] = &AlbumMeta{
		ID: "album-1",
		Tracks: []TrackMeta{
			{ID: "track-1"},
			{ID: "track-2"},
		},
	}

	eng, store, _ := testEngine(t, dl)
	eng.Start()
	defer eng.Stop()

	item := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentAlbum, ContentID: "album-1", RequestSource: SourceUser}
	if _, err := eng.Enqueue(item); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		got, err := store.GetByID(item.ID)
		return err == nil && got.Status == StatusCompleted
	})

	children, err := store.Children(item.ID)
	if err != nil {
		t.Fatalf("Children() error: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("got %d children, want 2", len(children))
	}
	for _, c := range children {
		if c.Status != StatusCompleted {
			t.Errorf("child %q: Status = %q, want completed", c.ContentID, c.Status)
		}
	}

	entries, err := store.AuditForQueueItem(item.ID)
	if err != nil {
		t.Fatalf("AuditForQueueItem() error: %v", err)
	}
	var kinds []AuditEventKind
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	wantPrefix := []AuditEventKind{AuditRequestCreated, AuditDownloadStarted, AuditChildrenCreated}
	for i, want := range wantPrefix {
		if i >= len(kinds) || kinds[i] != want {
			t.Fatalf("audit sequence = %v, want prefix %v", kinds, wantPrefix)
		}
	}
	if kinds[len(kinds)-1] != AuditDownloadCompleted {
		t.Errorf("last audit event = %q, want %q", kinds[len(kinds)-1], AuditDownloadCompleted)
	}
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	dl := newFakeDownloader()
	dl.failCount["track-1"] = 2
	dl.trackErr["track-1"] = apperrors.New("downloader", apperrors.KindConnection, "connection reset")

	eng, store, _ := testEngine(t, dl)
	eng.Start()
	defer eng.Stop()

	item := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "track-1", RequestSource: SourceUser, MaxRetries: 5}
	if _, err := eng.Enqueue(item); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	// Force the scheduled retries to fire immediately instead of waiting
	// out the real backoff delay.
	waitFor(t, 2*time.Second, func() bool {
		got, err := store.GetByID(item.ID)
		return err == nil && got.Status == StatusRetryWaiting
	})
	store.db.Exec("UPDATE queue_items SET next_retry_at = ? WHERE id = ?", time.Now().Add(-time.Second), item.ID)
	select {
	case eng.wake <- struct{}{}:
	default:
	}

	waitFor(t, 2*time.Second, func() bool {
		got, _ := store.GetByID(item.ID)
		return got != nil && got.Status == StatusRetryWaiting && got.RetryCount == 2
	})
	store.db.Exec("UPDATE queue_items SET next_retry_at = ? WHERE id = ?", time.Now().Add(-time.Second), item.ID)
	select {
	case eng.wake <- struct{}{}:
	default:
	}

	waitFor(t, 3*time.Second, func() bool {
		got, err := store.GetByID(item.ID)
		return err == nil && got.Status == StatusCompleted
	})

	got, _ := store.GetByID(item.ID)
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
}

func TestEngine_NotFoundFailsFast(t *testing.T) {
	dl := newFakeDownloader()
	dl.trackErr["missing-track"] = apperrors.New("downloader", apperrors.KindNotFound, "no such track")

	eng, store, _ := testEngine(t, dl)
	eng.Start()
	defer eng.Stop()

	item := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "missing-track", RequestSource: SourceUser, MaxRetries: 5}
	if _, err := eng.Enqueue(item); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, err := store.GetByID(item.ID)
		return err == nil && got.Status == StatusFailed
	})

	got, _ := store.GetByID(item.ID)
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 — a not-found error must never be retried", got.RetryCount)
	}
	if got.ErrorKind == nil || *got.ErrorKind != ErrorNotFound {
		t.Errorf("ErrorKind = %v, want %v", got.ErrorKind, ErrorNotFound)
	}
}

func TestEngine_Enqueue_AlreadyQueuedConflict(t *testing.T) {
	dl := newFakeDownloader()
	eng, _, _ := testEngine(t, dl)

	first := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "dup-track", RequestSource: SourceUser}
	if _, err := eng.Enqueue(first); err != nil {
		t.Fatalf("first Enqueue() error: %v", err)
	}

	second := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "dup-track", RequestSource: SourceUser}
	_, err := eng.Enqueue(second)
	if err == nil {
		t.Fatal("expected AlreadyQueued error on duplicate enqueue")
	}
	if apperrors.KindOf(err) != apperrors.KindAlreadyQueued {
		t.Errorf("KindOf(err) = %v, want %v", apperrors.KindOf(err), apperrors.KindAlreadyQueued)
	}
}

func TestEngine_Enqueue_ReturnsQueuePosition(t *testing.T) {
	dl := newFakeDownloader()
	eng, _, _ := testEngine(t, dl)

	first := &QueueItem{Status: StatusPending, Priority: PriorityWatchdog, ContentKind: ContentTrackAudio, ContentID: "pos-1", RequestSource: SourceWatchdog}
	pos, err := eng.Enqueue(first)
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if pos != 1 {
		t.Errorf("first Enqueue() position = %d, want 1", pos)
	}

	second := &QueueItem{Status: StatusPending, Priority: PriorityExpansion, ContentKind: ContentTrackAudio, ContentID: "pos-2", RequestSource: SourceExpansion}
	if pos, err = eng.Enqueue(second); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if pos != 2 {
		t.Errorf("second (lower-priority) Enqueue() position = %d, want 2", pos)
	}

	third := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "pos-3", RequestSource: SourceUser}
	if pos, err = eng.Enqueue(third); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if pos != 2 {
		t.Errorf("third (mid-priority) Enqueue() position = %d, want 2 — it should rank ahead of the expansion item", pos)
	}
}

func TestEngine_Enqueue_RejectsNonAlbumParent(t *testing.T) {
	dl := newFakeDownloader()
	eng, _, _ := testEngine(t, dl)

	parent := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "not-an-album", RequestSource: SourceUser}
	if _, err := eng.Enqueue(parent); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	child := &QueueItem{ParentID: &parent.ID, Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "child", RequestSource: SourceUser}
	_, err := eng.Enqueue(child)
	if err == nil {
		t.Fatal("expected an error enqueueing a child whose parent is not an album")
	}
	if apperrors.KindOf(err) != apperrors.KindInvalidMessage {
		t.Errorf("KindOf(err) = %v, want %v", apperrors.KindOf(err), apperrors.KindInvalidMessage)
	}
}

func TestEngine_AdminRetry_ResetsFailedItem(t *testing.T) {
	dl := newFakeDownloader()
	dl.trackErr["bad-track"] = apperrors.New("downloader", apperrors.KindNotFound, "gone")

	eng, store, _ := testEngine(t, dl)
	eng.Start()
	defer eng.Stop()

	item := &QueueItem{Status: StatusPending, Priority: PriorityUser, ContentKind: ContentTrackAudio, ContentID: "bad-track", RequestSource: SourceUser}
	eng.Enqueue(item)

	waitFor(t, 2*time.Second, func() bool {
		got, err := store.GetByID(item.ID)
		return err == nil && got.Status == StatusFailed
	})

	delete(dl.trackErr, "bad-track")
	if err := eng.AdminRetry(item.ID, "admin-1"); err != nil {
		t.Fatalf("AdminRetry() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, err := store.GetByID(item.ID)
		return err == nil && got.Status == StatusCompleted
	})

	entries, _ := store.AuditForQueueItem(item.ID)
	found := false
	for _, e := range entries {
		if e.Kind == AuditAdminRetry {
			found = true
		}
	}
	if !found {
		t.Error("expected an admin_retry audit entry")
	}
}

func TestEngine_WatchdogScan_QueuesRepairs(t *testing.T) {
	dl := newFakeDownloader()
	eng, store, _ := testEngine(t, dl)

	catalog := fakeCatalog{tracks: []string{"t1", "t2"}, images: []string{"i1"}}
	disk := fakeDisk{hasTrack: map[string]bool{"t1": true}}

	report, err := eng.WatchdogScan(catalog, disk)
	if err != nil {
		t.Fatalf("WatchdogScan() error: %v", err)
	}
	if report.MissingTracks != 1 {
		t.Errorf("MissingTracks = %d, want 1", report.MissingTracks)
	}
	if report.MissingImages != 1 {
		t.Errorf("MissingImages = %d, want 1", report.MissingImages)
	}
	if report.QueuedRepairs != 2 {
		t.Errorf("QueuedRepairs = %d, want 2", report.QueuedRepairs)
	}
	if report.IsClean {
		t.Error("IsClean should be false when repairs were queued")
	}

	existing, _ := store.ExistsActiveByContent(ContentTrackAudio, "t2")
	if existing == nil {
		t.Error("expected a repair item queued for the missing track")
	}
}

type fakeCatalog struct {
	tracks []string
	images []string
}

func (f fakeCatalog) ExpectedTrackAudioIDs() ([]string, error) { return f.tracks, nil }
func (f fakeCatalog) ExpectedImageIDs() ([]string, error)      { return f.images, nil }

type fakeDisk struct {
	hasTrack map[string]bool
	hasImage map[string]bool
}

func (f fakeDisk) HasTrackAudio(id string) bool { return f.hasTrack[id] }
func (f fakeDisk) HasImage(id string) bool      { return f.hasImage[id] }
