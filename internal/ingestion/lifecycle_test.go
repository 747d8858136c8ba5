package ingestion

import (
	"context"
	"errors"
	"testing"
)

type fakeProbe struct {
	byPath map[string]probeResult
}

type probeResult struct {
	duration float64
	codec    string
	bitrate  int
	tags     map[string]string
	err      error
}

func (f *fakeProbe) Probe(path string) (float64, string, int, map[string]string, error) {
	r, ok := f.byPath[path]
	if !ok {
		return 0, "", 0, nil, errors.New("no such file")
	}
	return r.duration, r.codec, r.bitrate, r.tags, r.err
}

type fakeTranscoder struct {
	converted []string
	fail      map[string]bool
}

func (f *fakeTranscoder) Convert(ctx context.Context, sourcePath string, target TargetTrack) (string, ConversionReason, error) {
	if f.fail[sourcePath] {
		return "", "", errors.New("unsupported codec")
	}
	f.converted = append(f.converted, sourcePath)
	return sourcePath + ".converted", ConversionTranscoded, nil
}

func newTestJob(t *testing.T, s *Store) *IngestionJob {
	t.Helper()
	job := &IngestionJob{}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}
	return job
}

func TestLifecycle_Analyze_HappyPath(t *testing.T) {
	s := testStore(t)
	job := newTestJob(t, s)

	probe := &fakeProbe{byPath: map[string]probeResult{
		"a.flac": {duration: 180, codec: "flac", bitrate: 900, tags: map[string]string{"title": "Intro", "album": "X"}},
		"b.flac": {duration: 200, codec: "flac", bitrate: 900, tags: map[string]string{"title": "Outro", "album": "X"}},
	}}
	lc := NewLifecycle(s, probe, nil, nil)

	fa := &IngestionFile{JobID: job.ID, SourcePath: "a.flac"}
	fb := &IngestionFile{JobID: job.ID, SourcePath: "b.flac"}
	s.CreateFile(fa)
	s.CreateFile(fb)

	summary, err := lc.Analyze(job, []*IngestionFile{fa, fb})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if summary.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2", summary.FileCount)
	}
	if summary.CommonTags["album"] != "X" {
		t.Errorf("CommonTags[album] = %q, want %q (shared across files)", summary.CommonTags["album"], "X")
	}
	if _, ok := summary.CommonTags["title"]; ok {
		t.Error("title differs per file and should not survive as a common tag")
	}

	got, _ := s.GetJob(job.ID)
	if got.Status != JobIdentifyingAlbum {
		t.Errorf("Status = %v, want %v", got.Status, JobIdentifyingAlbum)
	}
}

func TestLifecycle_Analyze_PerFileErrorDoesNotAbortJob(t *testing.T) {
	s := testStore(t)
	job := newTestJob(t, s)

	probe := &fakeProbe{byPath: map[string]probeResult{
		"a.flac": {duration: 180, codec: "flac", tags: map[string]string{}},
	}}
	lc := NewLifecycle(s, probe, nil, nil)

	fa := &IngestionFile{JobID: job.ID, SourcePath: "a.flac"}
	fb := &IngestionFile{JobID: job.ID, SourcePath: "corrupt.flac"}
	s.CreateFile(fa)
	s.CreateFile(fb)

	summary, err := lc.Analyze(job, []*IngestionFile{fa, fb})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if summary.FileCount != 1 {
		t.Errorf("FileCount = %d, want 1 (corrupt file should be skipped, not fatal)", summary.FileCount)
	}
	if fb.ErrorMessage == nil {
		t.Error("expected the failing file to carry an error message")
	}
}

func TestLifecycle_Analyze_AllFilesFailingFailsTheJob(t *testing.T) {
	s := testStore(t)
	job := newTestJob(t, s)
	probe := &fakeProbe{byPath: map[string]probeResult{}}
	lc := NewLifecycle(s, probe, nil, nil)

	fa := &IngestionFile{JobID: job.ID, SourcePath: "missing.flac"}
	s.CreateFile(fa)

	_, err := lc.Analyze(job, []*IngestionFile{fa})
	if err == nil {
		t.Fatal("expected an error when no file could be analyzed")
	}

	got, _ := s.GetJob(job.ID)
	if got.Status != JobFailed {
		t.Errorf("Status = %v, want %v", got.Status, JobFailed)
	}
}

func TestLifecycle_MapTracks_ClassifiesSuccessTicket(t *testing.T) {
	s := testStore(t)
	job := newTestJob(t, s)
	lc := NewLifecycle(s, nil, nil, nil)

	fa := &IngestionFile{JobID: job.ID, SourcePath: "a.flac", DurationSeconds: 180.1, Tags: map[string]string{}}
	fb := &IngestionFile{JobID: job.ID, SourcePath: "b.flac", DurationSeconds: 200.2, Tags: map[string]string{}}
	s.CreateFile(fa)
	s.CreateFile(fb)

	targets := []TargetTrack{
		{ID: "t1", TrackNumber: 1, Duration: 180.0},
		{ID: "t2", TrackNumber: 2, Duration: 200.0},
	}

	ticket, err := lc.MapTracks(job, []*IngestionFile{fa, fb}, targets)
	if err != nil {
		t.Fatalf("MapTracks() error: %v", err)
	}
	if ticket != TicketSuccess {
		t.Errorf("ticket = %v, want %v", ticket, TicketSuccess)
	}

	got, _ := s.GetJob(job.ID)
	if got.Status != JobConverting {
		t.Errorf("Status = %v, want %v", got.Status, JobConverting)
	}
}

func TestLifecycle_MapTracks_ClassifiesFailureWhenNoTargetsMatch(t *testing.T) {
	s := testStore(t)
	job := newTestJob(t, s)
	lc := NewLifecycle(s, nil, nil, nil)

	fa := &IngestionFile{JobID: job.ID, SourcePath: "a.flac", DurationSeconds: 180, Tags: map[string]string{}}
	s.CreateFile(fa)

	ticket, err := lc.MapTracks(job, []*IngestionFile{fa}, nil)
	if err != nil {
		t.Fatalf("MapTracks() error: %v", err)
	}
	if ticket != TicketFailure {
		t.Errorf("ticket = %v, want %v", ticket, TicketFailure)
	}
}

func TestLifecycle_Convert_SkipsWithinToleranceAndTranscodesOthers(t *testing.T) {
	s := testStore(t)
	job := newTestJob(t, s)
	conv := &fakeTranscoder{fail: map[string]bool{}}
	lc := NewLifecycle(s, nil, nil, conv)

	withinTol := 0.1
	needsConv := 5.0
	trackA := "track-a"
	trackB := "track-b"
	fa := &IngestionFile{JobID: job.ID, SourcePath: "a.flac", MatchedTrackID: &trackA, DurationDeltaSecs: &withinTol}
	fb := &IngestionFile{JobID: job.ID, SourcePath: "b.flac", MatchedTrackID: &trackB, DurationDeltaSecs: &needsConv}
	s.CreateFile(fa)
	s.CreateFile(fb)

	targets := map[string]TargetTrack{"track-a": {ID: "track-a"}, "track-b": {ID: "track-b"}}
	if err := lc.Convert(context.Background(), job, []*IngestionFile{fa, fb}, targets); err != nil {
		t.Fatalf("Convert() error: %v", err)
	}

	if len(conv.converted) != 1 || conv.converted[0] != "b.flac" {
		t.Errorf("converted = %v, want only b.flac to be transcoded", conv.converted)
	}
	if fa.ConversionReason == nil || *fa.ConversionReason != ConversionWithinTolerance {
		t.Errorf("fa.ConversionReason = %v, want %v", fa.ConversionReason, ConversionWithinTolerance)
	}
	if fb.ConversionReason == nil || *fb.ConversionReason != ConversionTranscoded {
		t.Errorf("fb.ConversionReason = %v, want %v", fb.ConversionReason, ConversionTranscoded)
	}

	got, _ := s.GetJob(job.ID)
	if got.Status != JobCompleted {
		t.Errorf("Status = %v, want %v", got.Status, JobCompleted)
	}
}

func TestLifecycle_Convert_PerFileFailureDoesNotAbortJob(t *testing.T) {
	s := testStore(t)
	job := newTestJob(t, s)
	conv := &fakeTranscoder{fail: map[string]bool{"bad.flac": true}}
	lc := NewLifecycle(s, nil, nil, conv)

	delta := 5.0
	trackID := "track-a"
	fa := &IngestionFile{JobID: job.ID, SourcePath: "bad.flac", MatchedTrackID: &trackID, DurationDeltaSecs: &delta}
	s.CreateFile(fa)

	targets := map[string]TargetTrack{"track-a": {ID: "track-a"}}
	if err := lc.Convert(context.Background(), job, []*IngestionFile{fa}, targets); err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	if fa.ErrorMessage == nil {
		t.Error("expected the failing file to carry an error message")
	}

	got, _ := s.GetJob(job.ID)
	if got.Status != JobCompleted {
		t.Errorf("Status = %v, want %v (per-file errors do not abort the job)", got.Status, JobCompleted)
	}
}

func TestClassifyTicket(t *testing.T) {
	cases := []struct {
		fraction, maxDelta float64
		want               TicketType
	}{
		{1.0, 0.5, TicketSuccess},
		{1.0, 1.5, TicketReview},
		{0.95, 0.1, TicketReview},
		{0.5, 0.1, TicketFailure},
	}
	for _, c := range cases {
		if got := ClassifyTicket(c.fraction, c.maxDelta); got != c.want {
			t.Errorf("ClassifyTicket(%v, %v) = %v, want %v", c.fraction, c.maxDelta, got, c.want)
		}
	}
}
