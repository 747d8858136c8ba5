package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"catalogd/internal/apperrors"
	"catalogd/internal/search/organic"
	"catalogd/internal/search/streaming"
	syncfabric "catalogd/internal/sync"
)

// manifestArtist, manifestAlbum and manifestTrack mirror the subset of
// catalog-database rows every core collaborator interface needs. The core
// never owns catalog data (no catalog edit UI, no arbitrary SQL surface),
// so this process reads them from a flat JSON file maintained out of band
// rather than opening a catalog database of its own.
type manifestArtist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type manifestAlbum struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	ArtistIDs []string `json:"artistIds"`
	TrackIDs  []string `json:"trackIds"`
}

type manifestTrack struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	AlbumID   string   `json:"albumId"`
	ArtistIDs []string `json:"artistIds"`
	HasAudio  bool     `json:"hasAudio"`
}

type manifestImage struct {
	ID      string `json:"id"`
	Present bool   `json:"present"`
}

type manifestDoc struct {
	Artists []manifestArtist `json:"artists"`
	Albums  []manifestAlbum  `json:"albums"`
	Tracks  []manifestTrack  `json:"tracks"`
	Images  []manifestImage  `json:"images"`
}

// manifestCatalog is a read-only, reloadable view over manifestDoc. It
// implements every catalog-facing collaborator interface the core
// packages declare: queue.CatalogLister/DiskChecker, sync.SkeletonSource,
// organic.CatalogExpander and streaming.Enricher. It is deliberately thin
// — callers needing richer catalog semantics are expected to run their
// own catalog database and adapter ahead of this process.
type manifestCatalog struct {
	path string

	mu      sync.RWMutex
	artists map[string]manifestArtist
	albums  map[string]manifestAlbum
	tracks  map[string]manifestTrack
	images  map[string]manifestImage
}

func newManifestCatalog(path string) (*manifestCatalog, error) {
	m := &manifestCatalog{path: path}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *manifestCatalog) reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.artists = map[string]manifestArtist{}
			m.albums = map[string]manifestAlbum{}
			m.tracks = map[string]manifestTrack{}
			m.images = map[string]manifestImage{}
			m.mu.Unlock()
			return nil
		}
		return apperrors.Wrap("manifestCatalog.reload", apperrors.KindStorage, err)
	}

	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return apperrors.Wrap("manifestCatalog.reload", apperrors.KindParse, err)
	}

	artists := make(map[string]manifestArtist, len(doc.Artists))
	for _, a := range doc.Artists {
		artists[a.ID] = a
	}
	albums := make(map[string]manifestAlbum, len(doc.Albums))
	for _, a := range doc.Albums {
		albums[a.ID] = a
	}
	tracks := make(map[string]manifestTrack, len(doc.Tracks))
	for _, t := range doc.Tracks {
		tracks[t.ID] = t
	}
	images := make(map[string]manifestImage, len(doc.Images))
	for _, i := range doc.Images {
		images[i.ID] = i
	}

	m.mu.Lock()
	m.artists, m.albums, m.tracks, m.images = artists, albums, tracks, images
	m.mu.Unlock()
	return nil
}

// --- queue.CatalogLister / queue.DiskChecker ---

func (m *manifestCatalog) ExpectedTrackAudioIDs() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, t := range m.tracks {
		if t.HasAudio {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *manifestCatalog) ExpectedImageIDs() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.images))
	for id := range m.images {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *manifestCatalog) HasTrackAudio(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tracks[id]
	return ok && t.HasAudio
}

func (m *manifestCatalog) HasImage(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[id]
	return ok && img.Present
}

// --- sync.SkeletonSource ---

func (m *manifestCatalog) ArtistIDs() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.artists))
	for id := range m.artists {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *manifestCatalog) Albums() ([]syncfabric.SkeletonAlbum, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]syncfabric.SkeletonAlbum, 0, len(m.albums))
	for _, a := range m.albums {
		out = append(out, syncfabric.SkeletonAlbum{ID: a.ID, ArtistIDs: a.ArtistIDs})
	}
	return out, nil
}

func (m *manifestCatalog) Tracks() ([]syncfabric.SkeletonTrack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]syncfabric.SkeletonTrack, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, syncfabric.SkeletonTrack{ID: t.ID, AlbumID: t.AlbumID})
	}
	return out, nil
}

// --- organic.CatalogExpander ---

func (m *manifestCatalog) RelatedArtists(artistID string) ([]string, error) {
	// No similarity graph is maintained in the manifest; related-artist
	// discovery belongs to the catalog database a real deployment layers
	// underneath this adapter.
	return nil, nil
}

func (m *manifestCatalog) ArtistDiscography(artistID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var albumIDs []string
	for _, a := range m.albums {
		for _, aid := range a.ArtistIDs {
			if aid == artistID {
				albumIDs = append(albumIDs, a.ID)
				break
			}
		}
	}
	return albumIDs, nil
}

func (m *manifestCatalog) AlbumArtists(albumID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.albums[albumID]
	if !ok {
		return nil, nil
	}
	return a.ArtistIDs, nil
}

func (m *manifestCatalog) AlbumTracks(albumID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.albums[albumID]
	if !ok {
		return nil, nil
	}
	return a.TrackIDs, nil
}

func (m *manifestCatalog) TrackAlbum(trackID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracks[trackID].AlbumID, nil
}

func (m *manifestCatalog) TrackArtists(trackID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracks[trackID].ArtistIDs, nil
}

var _ organic.CatalogExpander = (*manifestCatalog)(nil)

// --- streaming.Enricher ---

func (m *manifestCatalog) PopularTracksByArtist(artistID string) ([]streaming.RankedResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []streaming.RankedResult
	for _, t := range m.tracks {
		for _, aid := range t.ArtistIDs {
			if aid == artistID {
				out = append(out, streaming.RankedResult{ID: t.ID, Type: streaming.ResultTrack, Name: t.Name})
				break
			}
		}
	}
	return out, nil
}

func (m *manifestCatalog) AlbumsByArtist(artistID string) ([]streaming.RankedResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []streaming.RankedResult
	for _, a := range m.albums {
		for _, aid := range a.ArtistIDs {
			if aid == artistID {
				out = append(out, streaming.RankedResult{ID: a.ID, Type: streaming.ResultAlbum, Name: a.Name})
				break
			}
		}
	}
	return out, nil
}

func (m *manifestCatalog) streamingRelatedArtists(artistID string) ([]streaming.RankedResult, error) {
	related, err := m.RelatedArtists(artistID)
	if err != nil {
		return nil, err
	}
	out := make([]streaming.RankedResult, 0, len(related))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range related {
		if a, ok := m.artists[id]; ok {
			out = append(out, streaming.RankedResult{ID: a.ID, Type: streaming.ResultArtist, Name: a.Name})
		}
	}
	return out, nil
}

func (m *manifestCatalog) TracksFromAlbum(albumID string) ([]streaming.RankedResult, error) {
	m.mu.RLock()
	a, ok := m.albums[albumID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	out := make([]streaming.RankedResult, 0, len(a.TrackIDs))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tid := range a.TrackIDs {
		if t, ok := m.tracks[tid]; ok {
			out = append(out, streaming.RankedResult{ID: t.ID, Type: streaming.ResultTrack, Name: t.Name})
		}
	}
	return out, nil
}

func (m *manifestCatalog) AlbumPrimaryArtist(albumID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.albums[albumID]
	if !ok || len(a.ArtistIDs) == 0 {
		return "", nil
	}
	return a.ArtistIDs[0], nil
}

// streamingEnricher adapts manifestCatalog to streaming.Enricher: the two
// RelatedArtists signatures (organic returns ids, streaming returns ranked
// results) can't share one method name on the same receiver.
type streamingEnricher struct{ m *manifestCatalog }

func (s streamingEnricher) PopularTracksByArtist(id string) ([]streaming.RankedResult, error) {
	return s.m.PopularTracksByArtist(id)
}
func (s streamingEnricher) AlbumsByArtist(id string) ([]streaming.RankedResult, error) {
	return s.m.AlbumsByArtist(id)
}
func (s streamingEnricher) RelatedArtists(id string) ([]streaming.RankedResult, error) {
	return s.m.streamingRelatedArtists(id)
}
func (s streamingEnricher) TracksFromAlbum(id string) ([]streaming.RankedResult, error) {
	return s.m.TracksFromAlbum(id)
}
func (s streamingEnricher) AlbumPrimaryArtist(id string) (string, error) {
	return s.m.AlbumPrimaryArtist(id)
}

var _ streaming.Enricher = streamingEnricher{}
var _ syncfabric.SkeletonSource = (*manifestCatalog)(nil)

func defaultManifestPath(dataDir string) string {
	return filepath.Join(dataDir, "catalog-manifest.json")
}
