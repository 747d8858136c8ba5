package organic

import "catalogd/internal/apperrors"

// Expand applies the touch expansion rules for one entity: the entity
// itself plus the related entities its type pulls in. It is one level
// deep — related artists are indexed but not themselves expanded again,
// keeping one touch's fan-out bounded.
func Expand(expander CatalogExpander, t Touch) ([]Touch, error) {
	const op = "organic.Expand"

	out := []Touch{t}
	switch t.Type {
	case ItemArtist:
		related, err := expander.RelatedArtists(t.ID)
		if err != nil {
			return nil, apperrors.Wrap(op, apperrors.KindStorage, err)
		}
		for _, id := range related {
			out = append(out, Touch{ID: id, Type: ItemArtist})
		}

		albums, err := expander.ArtistDiscography(t.ID)
		if err != nil {
			return nil, apperrors.Wrap(op, apperrors.KindStorage, err)
		}
		for _, id := range albums {
			out = append(out, Touch{ID: id, Type: ItemAlbum})
		}

	case ItemAlbum:
		artists, err := expander.AlbumArtists(t.ID)
		if err != nil {
			return nil, apperrors.Wrap(op, apperrors.KindStorage, err)
		}
		for _, id := range artists {
			out = append(out, Touch{ID: id, Type: ItemArtist})
		}

		tracks, err := expander.AlbumTracks(t.ID)
		if err != nil {
			return nil, apperrors.Wrap(op, apperrors.KindStorage, err)
		}
		for _, id := range tracks {
			out = append(out, Touch{ID: id, Type: ItemTrack})
		}

	case ItemTrack:
		albumID, err := expander.TrackAlbum(t.ID)
		if err != nil {
			return nil, apperrors.Wrap(op, apperrors.KindStorage, err)
		}
		if albumID != "" {
			out = append(out, Touch{ID: albumID, Type: ItemAlbum})
		}

		artists, err := expander.TrackArtists(t.ID)
		if err != nil {
			return nil, apperrors.Wrap(op, apperrors.KindStorage, err)
		}
		for _, id := range artists {
			out = append(out, Touch{ID: id, Type: ItemArtist})
		}
	}

	return out, nil
}
