package queue

import "time"

// fanOutAlbum materializes TrackAudio and image children for a completed
// album metadata fetch. Children inherit the parent's request source and
// requesting user; priority defaults to the parent's. The parent item
// itself is left InProgress by the caller until every child terminates.
func fanOutAlbum(parent *QueueItem, album *AlbumMeta, now time.Time) []*QueueItem {
	children := make([]*QueueItem, 0, len(album.Tracks)+len(album.Images))

	for _, tr := range album.Tracks {
		children = append(children, &QueueItem{
			ParentID:      &parent.ID,
			Status:        StatusPending,
			Priority:      parent.Priority,
			ContentKind:   ContentTrackAudio,
			ContentID:     tr.ID,
			DisplayName:   tr.Name,
			RequestSource: parent.RequestSource,
			RequestedBy:   parent.RequestedBy,
			CreatedAt:     now,
			MaxRetries:    parent.MaxRetries,
			Ephemeral:     parent.Ephemeral,
		})
	}

	for _, img := range album.Images {
		children = append(children, &QueueItem{
			ParentID:      &parent.ID,
			Status:        StatusPending,
			Priority:      parent.Priority,
			ContentKind:   img.Kind,
			ContentID:     img.ID,
			RequestSource: parent.RequestSource,
			RequestedBy:   parent.RequestedBy,
			CreatedAt:     now,
			MaxRetries:    parent.MaxRetries,
			Ephemeral:     parent.Ephemeral,
		})
	}

	return children
}

// parentOutcome computes the parent's terminal status once every child has
// reached a terminal state, or (false, "") if children are still pending.
func parentOutcome(children []*QueueItem) (done bool, status Status) {
	anyFailed := false
	for _, c := range children {
		if !c.Status.Terminal() {
			return false, ""
		}
		if c.Status == StatusFailed {
			anyFailed = true
		}
	}
	if anyFailed {
		return true, StatusFailed
	}
	return true, StatusCompleted
}

func countChildKinds(children []*QueueItem) (trackCount, imageCount int) {
	for _, c := range children {
		switch c.ContentKind {
		case ContentTrackAudio:
			trackCount++
		case ContentArtistImage, ContentAlbumImage:
			imageCount++
		}
	}
	return
}
