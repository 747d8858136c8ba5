package sync

import (
	"catalogd/internal/logger"
	"catalogd/internal/queue"
)

// DownloadProgressBridge adapts queue.ProgressSink onto the sync fabric:
// every coalesced progress notification becomes a per-user event-log
// entry and a broadcast to that user's devices. Download progress
// has no "source device" (it originates from a background worker, not a
// user action on one device), so every one of the user's devices receives it.
type DownloadProgressBridge struct {
	eventLog *EventLog
	registry *ConnectionRegistry
	store    *queue.Store
}

func NewDownloadProgressBridge(eventLog *EventLog, registry *ConnectionRegistry, store *queue.Store) *DownloadProgressBridge {
	return &DownloadProgressBridge{eventLog: eventLog, registry: registry, store: store}
}

// PublishProgress implements queue.ProgressSink.
func (b *DownloadProgressBridge) PublishProgress(queueID string, parentID *string, status queue.Status, percentage float64) {
	item, err := b.store.GetByID(queueID)
	if err != nil {
		logger.Log.Warn().Err(err).Str("queueId", queueID).Msg("progress bridge could not load queue item")
		return
	}
	if item.RequestedBy == nil {
		return // non-user-originated item (watchdog/expansion); nothing to notify
	}
	userID := *item.RequestedBy

	kind := EventDownloadStatusChanged
	if status == queue.StatusCompleted {
		kind = EventDownloadCompleted
	} else if status == queue.StatusInProgress {
		kind = EventDownloadProgressUpdated
	}

	payload := map[string]any{
		"queueId":    queueID,
		"contentId":  item.ContentID,
		"status":     string(status),
		"percentage": percentage,
	}
	if parentID != nil {
		payload["parentId"] = *parentID
	}

	event, err := b.eventLog.AppendEvent(userID, UserEvent{Kind: kind, Payload: payload})
	if err != nil {
		logger.Log.Error().Err(err).Str("queueId", queueID).Msg("failed to append download progress event")
		return
	}

	b.registry.BroadcastToUser(userID, Message{Type: "sync", Body: SyncMessage{Event: *event}})
}
