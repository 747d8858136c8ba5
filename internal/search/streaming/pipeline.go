package streaming

import (
	"context"
	"time"

	"catalogd/internal/logger"
)

// Stream runs the pipeline in a goroutine, emitting sections on the
// returned channel in the fixed order: primary artist (+ enrichment),
// primary album (+ enrichment), primary track, the remaining results,
// then a closing Done section. The channel is closed once Done is sent
// or ctx is cancelled, whichever comes first.
func Stream(ctx context.Context, query string, results []RankedResult, cfg TargetConfig, enricher Enricher) <-chan Section {
	out := make(chan Section)
	go func() {
		defer close(out)
		start := time.Now()
		emit(ctx, out, query, results, cfg, enricher, start)
	}()
	return out
}

func emit(ctx context.Context, out chan<- Section, query string, results []RankedResult, cfg TargetConfig, enricher Enricher, start time.Time) {
	emitted := map[string]bool{}
	anyPrimary := false

	if artist, confidence, ok := identifyPrimary(results, ResultArtist, query, cfg); ok {
		if !send(ctx, out, Section{Kind: SectionPrimaryArtist, Item: artist, Confidence: confidence}) {
			return
		}
		emitted[artist.ID] = true
		anyPrimary = true

		enrichment := Section{Kind: SectionArtistEnrich}
		enrichment.PopularBy = fetchOrLog(enricher.PopularTracksByArtist, artist.ID, "popular tracks")
		enrichment.AlbumsBy = fetchOrLog(enricher.AlbumsByArtist, artist.ID, "albums by artist")
		enrichment.RelatedArtists = fetchOrLog(enricher.RelatedArtists, artist.ID, "related artists")
		if !send(ctx, out, enrichment) {
			return
		}
	}

	if album, confidence, ok := identifyPrimary(results, ResultAlbum, query, cfg); ok {
		if !send(ctx, out, Section{Kind: SectionPrimaryAlbum, Item: album, Confidence: confidence}) {
			return
		}
		emitted[album.ID] = true
		anyPrimary = true

		enrichment := Section{Kind: SectionAlbumEnrich}
		enrichment.TracksFrom = fetchOrLog(enricher.TracksFromAlbum, album.ID, "tracks from album")
		if primaryArtistID, err := enricher.AlbumPrimaryArtist(album.ID); err != nil {
			logger.Log.Warn().Str("albumId", album.ID).Err(err).Msg("streaming pipeline: album primary artist lookup failed")
		} else if primaryArtistID != "" {
			enrichment.RelatedArtists = fetchOrLog(enricher.RelatedArtists, primaryArtistID, "related artists")
		}
		if !send(ctx, out, enrichment) {
			return
		}
	}

	if track, confidence, ok := identifyPrimary(results, ResultTrack, query, cfg); ok {
		if !send(ctx, out, Section{Kind: SectionPrimaryTrack, Item: track, Confidence: confidence}) {
			return
		}
		emitted[track.ID] = true
		anyPrimary = true
	}

	var remaining []RankedResult
	for _, r := range results {
		if !emitted[r.ID] {
			remaining = append(remaining, r)
		}
	}

	kind := SectionResults
	if anyPrimary {
		kind = SectionMoreResults
	}
	if !send(ctx, out, Section{Kind: kind, Items: remaining}) {
		return
	}

	send(ctx, out, Section{Kind: SectionDone, TotalTimeMs: time.Since(start).Milliseconds()})
}

func send(ctx context.Context, out chan<- Section, s Section) bool {
	select {
	case out <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

func fetchOrLog(fn func(string) ([]RankedResult, error), id, what string) []RankedResult {
	items, err := fn(id)
	if err != nil {
		logger.Log.Warn().Str("id", id).Str("what", what).Err(err).Msg("streaming pipeline: enrichment lookup failed")
		return nil
	}
	return items
}
