package queue

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"catalogd/internal/apperrors"
	"catalogd/internal/logger"
)

// ProgressSink receives coalesced progress notifications. The server
// backs it with the sync fabric's DownloadProgressBridge, which turns each
// notification into a per-user event for the requesting user's devices.
type ProgressSink interface {
	PublishProgress(queueID string, parentID *string, status Status, percentage float64)
}

type noopProgressSink struct{}

func (noopProgressSink) PublishProgress(string, *string, Status, float64) {}

// EngineConfig configures engine-wide policy knobs.
type EngineConfig struct {
	Workers            int
	DefaultMaxRetries  int
	BandwidthPerMinute int64
	BandwidthPerHour   int64
	Corruption         CorruptionConfig
	OutputDir          string
}

// Engine is the download queue's dispatcher and worker pool: it claims
// ready items from the store, dispatches them to a bounded worker pool,
// fans parents into children, applies retry policy, and supervises
// downloader health.
type Engine struct {
	store      *Store
	downloader Downloader
	progress   ProgressSink
	cfg        EngineConfig

	throttle   *Throttle
	corruption *CorruptionSupervisor

	activeSlots chan struct{}
	wake        chan struct{}
	quit        chan struct{}
	wg          sync.WaitGroup

	mu             sync.Mutex
	activeCount    int
	totalCompleted int64
	totalFailed    int64

	pendingProgress map[string]progressSnapshot
	progressMu      sync.Mutex
	progressTicker  *time.Ticker
}

type progressSnapshot struct {
	parentID   *string
	status     Status
	percentage float64
}

func NewEngine(store *Store, downloader Downloader, progress ProgressSink, cfg EngineConfig) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.Workers > 32 {
		cfg.Workers = 32
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 5
	}
	if progress == nil {
		progress = noopProgressSink{}
	}
	return &Engine{
		store:           store,
		downloader:      downloader,
		progress:        progress,
		cfg:             cfg,
		throttle:        NewThrottle(cfg.BandwidthPerMinute, cfg.BandwidthPerHour),
		corruption:      NewCorruptionSupervisor(cfg.Corruption),
		activeSlots:     make(chan struct{}, cfg.Workers),
		wake:            make(chan struct{}, 1),
		quit:            make(chan struct{}),
		pendingProgress: make(map[string]progressSnapshot),
	}
}

// Start sweeps stale in-progress items, then begins the dispatch loop.
func (e *Engine) Start() {
	if n, err := e.store.MarkStaleInProgressFailed(time.Now()); err != nil {
		logger.Log.Error().Err(err).Msg("failed to sweep stale in-progress queue items")
	} else if n > 0 {
		logger.Log.Info().Int64("count", n).Msg("marked stale in-progress queue items as failed")
	}

	go e.logStatsLoop()

	e.progressTicker = time.NewTicker(50 * time.Millisecond)
	go e.flushProgressLoop()

	go e.dispatchLoop()
}

// Stop drains workers and flushes any buffered progress.
func (e *Engine) Stop() {
	close(e.quit)
	if e.progressTicker != nil {
		e.progressTicker.Stop()
	}
	e.flushPendingProgress()
	e.wg.Wait()
	logger.Log.Info().Msg("queue engine stopped")
}

// Enqueue inserts a new item and wakes the dispatcher. Fails with
// AlreadyQueued if a non-terminal item already targets the same content.
func (e *Engine) Enqueue(it *QueueItem) (int, error) {
	existing, err := e.store.ExistsActiveByContent(it.ContentKind, it.ContentID)
	if err != nil {
		return 0, apperrors.Wrap("queue.Engine.Enqueue", apperrors.KindStorage, err)
	}
	if existing != nil {
		return 0, apperrors.New("queue.Engine.Enqueue", apperrors.KindAlreadyQueued, "item already queued for this content")
	}

	if it.Status == "" {
		it.Status = StatusPending
	}
	if it.MaxRetries == 0 {
		it.MaxRetries = e.cfg.DefaultMaxRetries
	}
	if err := e.store.Create(it); err != nil {
		if apperrors.Is(err, apperrors.KindInvalidMessage) || apperrors.Is(err, apperrors.KindNotFound) {
			return 0, err
		}
		return 0, apperrors.Wrap("queue.Engine.Enqueue", apperrors.KindStorage, err)
	}

	qid := it.ID
	e.store.AppendAudit(&AuditEntry{QueueID: &qid, Kind: AuditRequestCreated, Detail: map[string]any{
		"content_kind": it.ContentKind, "content_id": it.ContentID,
	}})

	select {
	case e.wake <- struct{}{}:
	default:
	}

	position, err := e.queuePosition(it.ID)
	if err != nil {
		return 0, apperrors.Wrap("queue.Engine.Enqueue", apperrors.KindStorage, err)
	}
	return position, nil
}

// queuePosition returns id's 1-based rank among non-terminal items in
// dispatch order, or 0 if it is no longer active.
func (e *Engine) queuePosition(id string) (int, error) {
	active, err := e.store.ListActive()
	if err != nil {
		return 0, err
	}
	for i, it := range active {
		if it.ID == id {
			return i + 1, nil
		}
	}
	return 0, nil
}

func (e *Engine) AdminRetry(itemID, adminID string) error {
	if err := e.store.AdminRetry(itemID); err != nil {
		return err
	}
	e.store.AppendAudit(&AuditEntry{QueueID: &itemID, Kind: AuditAdminRetry, Detail: map[string]any{"admin_id": adminID}})
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

func (e *Engine) Cancel(itemID string) error {
	return e.store.Cancel(itemID, time.Now())
}

// GetProgress summarizes a parent's children for the admin/status surface.
func (e *Engine) GetProgress(parentID string) (Progress, error) {
	children, err := e.store.Children(parentID)
	if err != nil {
		return Progress{}, apperrors.Wrap("queue.Engine.GetProgress", apperrors.KindStorage, err)
	}
	var p Progress
	p.Total = len(children)
	for _, c := range children {
		switch c.Status {
		case StatusCompleted:
			p.Completed++
		case StatusFailed:
			p.Failed++
		case StatusPending, StatusRetryWaiting:
			p.Pending++
		case StatusInProgress:
			p.InProgress++
		}
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) / float64(p.Total) * 100
	}
	return p, nil
}

// dispatchLoop tries to fill free worker slots with ready items once a
// second, and early when Enqueue/AdminRetry wake it. Retries that have
// come due are picked up on the next one-second tick.
func (e *Engine) dispatchLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			return
		case <-e.wake:
			e.fillSlots()
		case <-ticker.C:
			e.fillSlots()
		}
	}
}

func (e *Engine) fillSlots() {
	for {
		select {
		case e.activeSlots <- struct{}{}:
		default:
			return // all workers busy
		}

		check := e.throttle.Check(time.Now())
		if !check.OK {
			<-e.activeSlots
			return
		}

		item, err := e.store.ClaimNextReady(time.Now())
		if err != nil {
			logger.Log.Error().Err(err).Msg("failed to claim next queue item")
			<-e.activeSlots
			return
		}
		if item == nil {
			<-e.activeSlots
			return
		}

		e.mu.Lock()
		e.activeCount++
		e.mu.Unlock()

		e.wg.Add(1)
		go func(it *QueueItem) {
			defer e.wg.Done()
			defer func() { <-e.activeSlots }()
			defer func() {
				e.mu.Lock()
				e.activeCount--
				e.mu.Unlock()
			}()
			e.processItem(it)
		}(item)
	}
}

func (e *Engine) processItem(it *QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error().Interface("panic", r).Str("id", it.ID).Msg("queue worker panicked")
			e.store.MarkFailed(it.ID, ErrorUnknown, "worker panic", time.Now())
			e.appendAudit(it.ID, AuditDownloadFailed, map[string]any{"error": "panic"})
			e.checkParentCompletion(it.ParentID)
		}
	}()

	e.appendAudit(it.ID, AuditDownloadStarted, nil)
	e.bufferProgress(it.ID, it.ParentID, StatusInProgress, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch it.ContentKind {
	case ContentAlbum:
		e.processAlbum(ctx, it)
	default:
		e.processLeaf(ctx, it)
	}
}

func (e *Engine) processAlbum(ctx context.Context, it *QueueItem) {
	album, err := e.downloader.GetAlbum(ctx, it.ContentID)
	if err != nil {
		e.handleError(it, err)
		return
	}

	children := fanOutAlbum(it, album, time.Now())
	for _, c := range children {
		if err := e.store.Create(c); err != nil {
			logger.Log.Error().Err(err).Str("parent", it.ID).Msg("failed to create fan-out child")
		}
	}
	trackCount, imageCount := countChildKinds(children)
	e.appendAudit(it.ID, AuditChildrenCreated, map[string]any{
		"children_count": len(children), "track_count": trackCount, "image_count": imageCount,
	})

	select {
	case e.wake <- struct{}{}:
	default:
	}

	// The parent stays InProgress; checkParentCompletion (invoked by each
	// child's terminal transition) finalizes it once every child is done.
	// Handle the degenerate zero-children case here since no child will
	// ever trigger the check.
	if len(children) == 0 {
		e.finishParent(it.ID)
	}
}

func (e *Engine) processLeaf(ctx context.Context, it *QueueItem) {
	outputPath := filepath.Join(e.cfg.OutputDir, string(it.ContentKind), it.ContentID)

	var bytesWritten int64
	var err error
	switch it.ContentKind {
	case ContentTrackAudio:
		bytesWritten, err = e.downloader.DownloadTrackAudio(ctx, it.ContentID, outputPath)
	case ContentArtistImage, ContentAlbumImage:
		bytesWritten, err = e.downloader.DownloadImage(ctx, it.ContentID, outputPath)
	}

	if err == nil && (it.ContentKind == ContentArtistImage || it.ContentKind == ContentAlbumImage) {
		if verr := ValidateImage(outputPath); verr != nil {
			err = verr
		}
	}

	if err != nil {
		if e.corruption.RecordResult(false) {
			e.maybeRestartDownloader()
		}
		e.handleError(it, err)
		return
	}

	e.corruption.RecordResult(true)
	e.throttle.Record(time.Now(), bytesWritten)

	start := it.StartedAt
	var processingMillis int64
	if start != nil {
		processingMillis = time.Since(*start).Milliseconds()
	}
	now := time.Now()
	if err := e.store.MarkCompleted(it.ID, bytesWritten, processingMillis, now); err != nil {
		logger.Log.Error().Err(err).Str("id", it.ID).Msg("failed to mark item completed")
	}
	e.appendAudit(it.ID, AuditDownloadCompleted, map[string]any{"bytes": bytesWritten})
	e.bufferProgress(it.ID, it.ParentID, StatusCompleted, 100)
	e.mu.Lock()
	e.totalCompleted++
	e.mu.Unlock()

	e.checkParentCompletion(it.ParentID)
}

func (e *Engine) handleError(it *QueueItem, err error) {
	kind := mapErrorKind(err)
	now := time.Now()

	if !kind.Retryable() || it.RetryCount >= it.MaxRetries {
		e.store.MarkFailed(it.ID, kind, err.Error(), now)
		e.appendAudit(it.ID, AuditDownloadFailed, map[string]any{"error_kind": kind, "error": err.Error()})
		e.bufferProgress(it.ID, it.ParentID, StatusFailed, 0)
		e.mu.Lock()
		e.totalFailed++
		e.mu.Unlock()
		e.checkParentCompletion(it.ParentID)
		return
	}

	retryCount := it.RetryCount + 1
	delay := backoffDelay(kind, retryCount)
	nextRetryAt := now.Add(delay)
	if err := e.store.ScheduleRetry(it.ID, kind, err.Error(), nextRetryAt, retryCount); err != nil {
		logger.Log.Error().Err(err).Str("id", it.ID).Msg("failed to schedule retry")
	}
	e.appendAudit(it.ID, AuditRetryScheduled, map[string]any{
		"retry_count": retryCount, "next_retry_at": nextRetryAt, "error_kind": kind,
	})
	e.bufferProgress(it.ID, it.ParentID, StatusRetryWaiting, 0)
}

// mapErrorKind extracts a queue ErrorKind from an apperrors.Error, defaulting
// to Unknown for anything the downloader didn't classify itself.
func mapErrorKind(err error) ErrorKind {
	switch apperrors.KindOf(err) {
	case apperrors.KindConnection:
		return ErrorConnection
	case apperrors.KindTimeout:
		return ErrorTimeout
	case apperrors.KindNotFound:
		return ErrorNotFound
	case apperrors.KindParse:
		return ErrorParse
	case apperrors.KindStorage:
		return ErrorStorage
	default:
		return ErrorUnknown
	}
}

// checkParentCompletion re-evaluates a parent album item after one of its
// children reaches a terminal state, finalizing the parent if every child
// is now terminal.
func (e *Engine) checkParentCompletion(parentID *string) {
	if parentID == nil {
		return
	}
	children, err := e.store.Children(*parentID)
	if err != nil {
		logger.Log.Error().Err(err).Str("parent", *parentID).Msg("failed to load children for parent completion check")
		return
	}
	done, status := parentOutcome(children)
	if !done {
		return
	}
	if status == StatusCompleted {
		e.finishParent(*parentID)
	} else {
		now := time.Now()
		e.store.MarkFailed(*parentID, ErrorUnknown, "one or more children failed", now)
		e.appendAudit(*parentID, AuditDownloadFailed, map[string]any{"reason": "child failure"})
		e.bufferProgress(*parentID, nil, StatusFailed, 0)
	}
}

func (e *Engine) finishParent(parentID string) {
	now := time.Now()
	if err := e.store.MarkCompleted(parentID, 0, 0, now); err != nil {
		logger.Log.Error().Err(err).Str("id", parentID).Msg("failed to mark parent completed")
	}
	e.appendAudit(parentID, AuditDownloadCompleted, nil)
	e.bufferProgress(parentID, nil, StatusCompleted, 100)
}

func (e *Engine) maybeRestartDownloader() {
	if e.corruption.TryAcquireRestart() {
		logger.Log.Warn().Msg("corruption supervisor restarting downloader")
		time.Sleep(e.corruption.Cooldown())
		e.corruption.RecordRestart(time.Now())
	}
}

func (e *Engine) appendAudit(queueID string, kind AuditEventKind, detail map[string]any) {
	e.store.AppendAudit(&AuditEntry{QueueID: &queueID, Kind: kind, Detail: detail})
}

// bufferProgress coalesces progress notifications on a 50ms window,
// flushing terminal-state transitions immediately.
func (e *Engine) bufferProgress(id string, parentID *string, status Status, pct float64) {
	if status.Terminal() {
		e.progress.PublishProgress(id, parentID, status, pct)
		return
	}
	e.progressMu.Lock()
	e.pendingProgress[id] = progressSnapshot{parentID: parentID, status: status, percentage: pct}
	e.progressMu.Unlock()
}

func (e *Engine) flushProgressLoop() {
	for {
		select {
		case <-e.progressTicker.C:
			e.flushPendingProgress()
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) flushPendingProgress() {
	e.progressMu.Lock()
	if len(e.pendingProgress) == 0 {
		e.progressMu.Unlock()
		return
	}
	pending := e.pendingProgress
	e.pendingProgress = make(map[string]progressSnapshot)
	e.progressMu.Unlock()

	for id, snap := range pending {
		e.progress.PublishProgress(id, snap.parentID, snap.status, snap.percentage)
	}
}

func (e *Engine) logStatsLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			active := e.activeCount
			completed := e.totalCompleted
			failed := e.totalFailed
			e.mu.Unlock()
			logger.Log.Info().
				Int("activeJobs", active).
				Int64("totalCompleted", completed).
				Int64("totalFailed", failed).
				Msg("queue engine stats")
		case <-e.quit:
			return
		}
	}
}
