// Package streaming turns a flat set of ranked search results into a
// user-friendly progression of sections: a confident primary match (with
// enrichment) ahead of the long tail of remaining results.
package streaming

// ResultType names the catalog entity kind a ranked result refers to.
type ResultType string

const (
	ResultArtist ResultType = "artist"
	ResultAlbum  ResultType = "album"
	ResultTrack  ResultType = "track"
)

// RankedResult is one scored search hit, as handed to the pipeline by the
// underlying search backend.
type RankedResult struct {
	ID       string
	Type     ResultType
	Name     string
	RawScore float64
}

// SectionKind names a Section variant.
type SectionKind string

const (
	SectionPrimaryArtist SectionKind = "primary_artist"
	SectionArtistEnrich  SectionKind = "artist_enrichment"
	SectionPrimaryAlbum  SectionKind = "primary_album"
	SectionAlbumEnrich   SectionKind = "album_enrichment"
	SectionPrimaryTrack  SectionKind = "primary_track"
	SectionMoreResults   SectionKind = "more_results"
	SectionResults       SectionKind = "results"
	SectionDone          SectionKind = "done"
)

// Section is one emitted stage of the progressive response. Only the
// fields relevant to Kind are populated.
type Section struct {
	Kind SectionKind

	Item       *RankedResult // Primary*
	Confidence float64       // Primary*

	PopularBy      []RankedResult // ArtistEnrich
	AlbumsBy       []RankedResult // ArtistEnrich
	RelatedArtists []RankedResult // ArtistEnrich, AlbumEnrich
	TracksFrom     []RankedResult // AlbumEnrich

	Items []RankedResult // MoreResults, Results

	TotalTimeMs int64 // Done
}

// Enricher supplies the related entities shown alongside a primary
// artist or album match.
type Enricher interface {
	PopularTracksByArtist(artistID string) ([]RankedResult, error)
	AlbumsByArtist(artistID string) ([]RankedResult, error)
	RelatedArtists(artistID string) ([]RankedResult, error)
	TracksFromAlbum(albumID string) ([]RankedResult, error)
	AlbumPrimaryArtist(albumID string) (string, error)
}

// TargetConfig tunes primary-match identification and score normalization.
type TargetConfig struct {
	MinAbsoluteScore float64
	MinScoreGapRatio float64
	ExactMatchBoost  float64
	MaxRawScore      float64
}
