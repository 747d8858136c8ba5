package ingestion

import (
	"context"
	"math"

	"catalogd/internal/apperrors"
)

// AudioProbe inspects an uploaded file's duration, codec, bitrate and
// embedded tags without decoding the full stream.
type AudioProbe interface {
	Probe(path string) (durationSeconds float64, codec string, bitrateKbps int, tags map[string]string, err error)
}

// TargetTrack is one catalog track a file can be matched against during
// MappingTracks.
type TargetTrack struct {
	ID          string
	TrackNumber int
	Duration    float64
}

// Transcoder converts one uploaded file to the canonical target format,
// reporting why it did (or didn't) need to re-encode.
type Transcoder interface {
	Convert(ctx context.Context, sourcePath string, target TargetTrack) (outputPath string, reason ConversionReason, err error)
}

// durationToleranceSeconds is how close a file's existing encoding must be
// to a target track's duration to skip re-encoding.
const durationToleranceSeconds = 0.25

// Lifecycle drives one IngestionJob through Pending..Completed, delegating
// album identification to an Engine-driven Workflow and file conversion to
// a Transcoder.
type Lifecycle struct {
	store  *Store
	probe  AudioProbe
	engine *Engine
	conv   Transcoder
}

func NewLifecycle(store *Store, probe AudioProbe, engine *Engine, conv Transcoder) *Lifecycle {
	return &Lifecycle{store: store, probe: probe, engine: engine, conv: conv}
}

// Analyze moves a job Pending → Analyzing, probing every uploaded file, and
// then on to IdentifyingAlbum with the resulting summary. Per-file probe
// errors are recorded on the file and do not fail the job; the job moves to
// Failed only when no file could be probed.
func (l *Lifecycle) Analyze(job *IngestionJob, files []*IngestionFile) (*AlbumMetadataSummary, error) {
	const op = "ingestion.Lifecycle.Analyze"
	if err := l.store.UpdateJobStatus(job.ID, JobAnalyzing, nil, nil, nil, nil); err != nil {
		return nil, err
	}

	summary := &AlbumMetadataSummary{CommonTags: map[string]string{}}
	for _, f := range files {
		duration, codec, bitrate, tags, err := l.probe.Probe(f.SourcePath)
		if err != nil {
			msg := err.Error()
			f.ErrorMessage = &msg
			if recErr := l.store.RecordFileError(f.ID, msg); recErr != nil {
				return nil, recErr
			}
			continue
		}
		f.DurationSeconds, f.Codec, f.BitrateKbps, f.Tags = duration, codec, bitrate, tags

		summary.FileCount++
		summary.TotalDuration += duration
		if title, ok := tags["title"]; ok {
			summary.TrackTitleHints = append(summary.TrackTitleHints, title)
		}
		for k, v := range tags {
			if existing, ok := summary.CommonTags[k]; !ok {
				summary.CommonTags[k] = v
			} else if existing != v {
				delete(summary.CommonTags, k)
			}
		}
	}

	if summary.FileCount == 0 {
		errMsg := "no files could be analyzed"
		if err := l.store.UpdateJobStatus(job.ID, JobFailed, nil, nil, nil, &errMsg); err != nil {
			return nil, err
		}
		return nil, apperrors.New(op, apperrors.KindExecutionFailed, errMsg)
	}

	if err := l.store.UpdateJobStatus(job.ID, JobIdentifyingAlbum, nil, nil, nil, nil); err != nil {
		return nil, err
	}
	return summary, nil
}

// RequestReview moves IdentifyingAlbum → AwaitingReview once the workflow
// engine surfaces an AwaitingReview state.
func (l *Lifecycle) RequestReview(job *IngestionJob) error {
	return l.store.UpdateJobStatus(job.ID, JobAwaitingReview, nil, nil, nil, nil)
}

// ResolveReview moves AwaitingReview → MappingTracks once a user answers
// the pending review question and records the agent's proposed album.
func (l *Lifecycle) ResolveReview(job *IngestionJob, albumID string) error {
	return l.store.UpdateJobStatus(job.ID, JobMappingTracks, nil, &albumID, nil, nil)
}

// MapTracks matches each uploaded file against the album's target tracks
// by track-number and duration-fingerprint affinity, recording a match
// source and classifying the overall ticket quality.
func (l *Lifecycle) MapTracks(job *IngestionJob, files []*IngestionFile, targets []TargetTrack) (TicketType, error) {
	byTrackNumber := map[int]TargetTrack{}
	for _, t := range targets {
		byTrackNumber[t.TrackNumber] = t
	}

	matched := 0
	maxDelta := 0.0
	for _, f := range files {
		if f.ErrorMessage != nil {
			continue
		}
		best, delta, ok := bestFingerprintMatch(f, targets)
		if trackNumStr, has := f.Tags["track"]; has {
			if n, parseOK := parseTrackNumber(trackNumStr); parseOK {
				if t, found := byTrackNumber[n]; found {
					best, delta, ok = t, math.Abs(t.Duration-f.DurationSeconds), true
				}
			}
		}
		if !ok {
			continue
		}

		if err := l.store.RecordFileMatch(f.ID, best.ID, MatchFingerprint, delta); err != nil {
			return TicketFailure, err
		}
		fs := MatchFingerprint
		f.MatchedTrackID, f.MatchSource, f.DurationDeltaSecs = &best.ID, &fs, &delta

		matched++
		if delta > maxDelta {
			maxDelta = delta
		}
	}

	var fraction float64
	if len(targets) > 0 {
		fraction = float64(matched) / float64(len(targets))
	}
	ticket := ClassifyTicket(fraction, maxDelta)

	if err := l.store.UpdateJobStatus(job.ID, JobConverting, nil, nil, &ticket, nil); err != nil {
		return ticket, err
	}
	return ticket, nil
}

// bestFingerprintMatch finds the target track whose duration is closest
// to f's, used when track-number tags are missing or ambiguous.
func bestFingerprintMatch(f *IngestionFile, targets []TargetTrack) (TargetTrack, float64, bool) {
	var best TargetTrack
	bestDelta := math.Inf(1)
	found := false
	for _, t := range targets {
		delta := math.Abs(t.Duration - f.DurationSeconds)
		if delta < bestDelta {
			best, bestDelta, found = t, delta, true
		}
	}
	return best, bestDelta, found
}

func parseTrackNumber(s string) (int, bool) {
	n := 0
	any := false
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
		any = true
	}
	return n, any
}

// Convert moves Converting → Completed, transcoding each matched file
// unless its existing encoding is already within tolerance of its target.
func (l *Lifecycle) Convert(ctx context.Context, job *IngestionJob, files []*IngestionFile, targets map[string]TargetTrack) error {
	for _, f := range files {
		if f.MatchedTrackID == nil {
			continue
		}
		target, ok := targets[*f.MatchedTrackID]
		if !ok {
			continue
		}

		if f.DurationDeltaSecs != nil && *f.DurationDeltaSecs <= durationToleranceSeconds {
			if err := l.store.RecordConversion(f.ID, ConversionWithinTolerance); err != nil {
				return err
			}
			reason := ConversionWithinTolerance
			f.ConversionReason = &reason
			continue
		}

		_, reason, err := l.conv.Convert(ctx, f.SourcePath, target)
		if err != nil {
			msg := err.Error()
			f.ErrorMessage = &msg
			if recErr := l.store.RecordFileError(f.ID, msg); recErr != nil {
				return recErr
			}
			continue
		}
		if err := l.store.RecordConversion(f.ID, reason); err != nil {
			return err
		}
		f.ConversionReason = &reason
	}

	return l.store.UpdateJobStatus(job.ID, JobCompleted, nil, nil, nil, nil)
}

// Fail sets a job's terminal failure state. Used when a per-job error
// (not a per-file one) occurs: analysis finding zero usable files,
// workflow exhaustion, or an unrecoverable conversion environment error.
func (l *Lifecycle) Fail(job *IngestionJob, reason string) error {
	return l.store.UpdateJobStatus(job.ID, JobFailed, nil, nil, nil, &reason)
}
