package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"strconv"

	"catalogd/internal/apperrors"
	"catalogd/internal/ingestion"
)

// ffprobeAudioInspector implements ingestion.AudioProbe by shelling out to
// ffprobe the same way the converter package shells out to ffmpeg: build
// args, run, parse CombinedOutput.
type ffprobeAudioInspector struct {
	ffprobePath string
}

func newFFProbeAudioInspector(ffprobePath string) *ffprobeAudioInspector {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &ffprobeAudioInspector{ffprobePath: ffprobePath}
}

type ffprobeFormat struct {
	Duration string            `json:"duration"`
	BitRate  string            `json:"bit_rate"`
	Tags     map[string]string `json:"tags"`
}

type ffprobeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
}

type ffprobeOutput struct {
	Format  ffprobeFormat    `json:"format"`
	Streams []ffprobeStream  `json:"streams"`
}

func (p *ffprobeAudioInspector) Probe(path string) (float64, string, int, map[string]string, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	cmd := exec.Command(p.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, "", 0, nil, apperrors.Wrap("ffprobeAudioInspector.Probe", apperrors.KindExecutionFailed, err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return 0, "", 0, nil, apperrors.Wrap("ffprobeAudioInspector.Probe", apperrors.KindParse, err)
	}

	duration, _ := strconv.ParseFloat(parsed.Format.Duration, 64)
	bitrateBps, _ := strconv.Atoi(parsed.Format.BitRate)
	bitrateKbps := int(math.Round(float64(bitrateBps) / 1000))

	codec := ""
	for _, s := range parsed.Streams {
		if s.CodecType == "audio" {
			codec = s.CodecName
			break
		}
	}

	return duration, codec, bitrateKbps, parsed.Format.Tags, nil
}

var _ ingestion.AudioProbe = (*ffprobeAudioInspector)(nil)

// ffmpegTranscoder implements ingestion.Transcoder by re-encoding to a
// fixed canonical format (320kbps MP3), mirroring ExtractAudio's
// args-then-CombinedOutput shape.
type ffmpegTranscoder struct {
	ffmpegPath string
	outputDir  string
}

func newFFmpegTranscoder(ffmpegPath, outputDir string) *ffmpegTranscoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &ffmpegTranscoder{ffmpegPath: ffmpegPath, outputDir: outputDir}
}

const canonicalBitrateKbps = 320

func (t *ffmpegTranscoder) Convert(ctx context.Context, sourcePath string, target ingestion.TargetTrack) (string, ingestion.ConversionReason, error) {
	outputPath := filepath.Join(t.outputDir, fmt.Sprintf("%s.mp3", target.ID))

	args := []string{
		"-y", "-i", sourcePath,
		"-vn",
		"-b:a", fmt.Sprintf("%dk", canonicalBitrateKbps),
		outputPath,
	}
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", "", apperrors.Wrap("ffmpegTranscoder.Convert", apperrors.KindExecutionFailed, fmt.Errorf("%w: %s", err, output))
	}

	return outputPath, ingestion.ConversionTranscoded, nil
}

var _ ingestion.Transcoder = (*ffmpegTranscoder)(nil)
