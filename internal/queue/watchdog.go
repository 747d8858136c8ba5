package queue

import "time"

// CatalogLister is the minimal catalog-store capability the watchdog scan
// needs: the set of track/image ids the catalog believes it already has
// on disk, to diff against what's actually present.
type CatalogLister interface {
	ExpectedTrackAudioIDs() ([]string, error)
	ExpectedImageIDs() ([]string, error)
}

// DiskChecker reports whether a given content id's file is present and
// well-formed on disk.
type DiskChecker interface {
	HasTrackAudio(id string) bool
	HasImage(id string) bool
}

// WatchdogScan compares catalog membership to on-disk files and enqueues
// Watchdog-priority repair items for anything missing. Repair items are
// marked ephemeral, which makes them eligible for
// Store.PruneEphemeralTerminal once terminal.
func (e *Engine) WatchdogScan(catalog CatalogLister, disk DiskChecker) (WatchdogReport, error) {
	e.store.AppendAudit(&AuditEntry{Kind: AuditWatchdogScanStarted})

	trackIDs, err := catalog.ExpectedTrackAudioIDs()
	if err != nil {
		return WatchdogReport{}, err
	}
	imageIDs, err := catalog.ExpectedImageIDs()
	if err != nil {
		return WatchdogReport{}, err
	}

	var report WatchdogReport
	report.ScannedEntities = len(trackIDs) + len(imageIDs)

	for _, id := range trackIDs {
		if disk.HasTrackAudio(id) {
			continue
		}
		report.MissingTracks++
		if e.enqueueRepair(ContentTrackAudio, id) {
			report.QueuedRepairs++
		}
	}
	for _, id := range imageIDs {
		if disk.HasImage(id) {
			continue
		}
		report.MissingImages++
		if e.enqueueRepair(ContentAlbumImage, id) {
			report.QueuedRepairs++
		}
	}

	report.IsClean = report.MissingTracks == 0 && report.MissingImages == 0

	e.store.AppendAudit(&AuditEntry{Kind: AuditWatchdogScanDone, Detail: map[string]any{
		"scanned_entities": report.ScannedEntities,
		"missing_tracks":   report.MissingTracks,
		"missing_images":   report.MissingImages,
		"queued_repairs":   report.QueuedRepairs,
		"is_clean":         report.IsClean,
	}})

	return report, nil
}

func (e *Engine) enqueueRepair(kind ContentKind, contentID string) bool {
	item := &QueueItem{
		Status:        StatusPending,
		Priority:      PriorityWatchdog,
		ContentKind:   kind,
		ContentID:     contentID,
		RequestSource: SourceWatchdog,
		CreatedAt:     time.Now(),
		MaxRetries:    e.cfg.DefaultMaxRetries,
		Ephemeral:     true,
	}
	if _, err := e.Enqueue(item); err != nil {
		return false // already queued, or enqueue failed; not a repair worth counting twice
	}
	qid := item.ID
	e.store.AppendAudit(&AuditEntry{QueueID: &qid, Kind: AuditWatchdogQueued, Detail: map[string]any{
		"content_kind": kind, "content_id": contentID,
	}})
	return true
}
