package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// Transcoding timeouts and conversion parameters.
const (
	// DefaultProbeTimeout bounds a single ffprobe invocation.
	DefaultProbeTimeout = 10 * time.Second
	// DefaultConvertTimeout bounds a single ffmpeg conversion.
	DefaultConvertTimeout = 30 * time.Second
	// ConvertBitrate is the MP3 bitrate handed to ffmpeg.
	ConvertBitrate = "192k"
	// ConvertSampleRate is the MP3 sample rate handed to ffmpeg.
	ConvertSampleRate = "44100"
)

// ErrInvalidAudio is returned when ffprobe cannot decode the input file.
var ErrInvalidAudio = errors.New("audio file is not decodable")

// ErrConversion is returned when ffmpeg fails to produce MP3 output.
var ErrConversion = errors.New("audio conversion failed")

// Transcoder validates and converts audio files.
type Transcoder interface {
	Validate(ctx context.Context, path string) error
	Duration(ctx context.Context, path string) (float64, error)
	Convert(ctx context.Context, in, out string) error
}

// FFmpegTranscoder shells out to ffmpeg and ffprobe.
type FFmpegTranscoder struct {
	ffmpegPath  string
	ffprobePath string
}

// FFmpegOption configures NewFFmpegTranscoder.
type FFmpegOption func(*FFmpegTranscoder)

// WithFFmpegPath overrides the ffmpeg binary location.
func WithFFmpegPath(path string) FFmpegOption {
	return func(t *FFmpegTranscoder) { t.ffmpegPath = path }
}

// WithFFprobePath overrides the ffprobe binary location.
func WithFFprobePath(path string) FFmpegOption {
	return func(t *FFmpegTranscoder) { t.ffprobePath = path }
}

// NewFFmpegTranscoder creates a transcoder using binaries on PATH unless
// overridden.
func NewFFmpegTranscoder(opts ...FFmpegOption) *FFmpegTranscoder {
	t := &FFmpegTranscoder{ffmpegPath: "ffmpeg", ffprobePath: "ffprobe"}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// probeResult mirrors the subset of ffprobe JSON output the transcoder reads.
type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

func (t *FFmpegTranscoder) probe(ctx context.Context, path string) (*probeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}
	var result probeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("ffprobe output decode failed: %w", err)
	}
	return &result, nil
}

// Validate checks that the file decodes, has at least one audio stream and a
// positive duration.
func (t *FFmpegTranscoder) Validate(ctx context.Context, path string) error {
	result, err := t.probe(ctx, path)
	if err != nil {
		slog.Warn("FFmpegTranscoder Validate probe failed", "error", err, "path", path)
		return fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}
	hasAudio := false
	for _, s := range result.Streams {
		if s.CodecType == "audio" {
			hasAudio = true
			break
		}
	}
	if !hasAudio {
		return fmt.Errorf("%w: no audio stream", ErrInvalidAudio)
	}
	dur, err := strconv.ParseFloat(result.Format.Duration, 64)
	if err != nil || dur <= 0 {
		return fmt.Errorf("%w: missing or zero duration", ErrInvalidAudio)
	}
	return nil
}

// Duration returns the file duration in seconds.
func (t *FFmpegTranscoder) Duration(ctx context.Context, path string) (float64, error) {
	result, err := t.probe(ctx, path)
	if err != nil {
		return 0, err
	}
	dur, err := strconv.ParseFloat(result.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration parse failed: %w", err)
	}
	return dur, nil
}

// Convert transcodes the input into MP3 suitable for transcription.
func (t *FFmpegTranscoder) Convert(ctx context.Context, in, out string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultConvertTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.ffmpegPath,
		"-i", in,
		"-f", "mp3",
		"-acodec", "libmp3lame",
		"-ab", ConvertBitrate,
		"-ar", ConvertSampleRate,
		"-y",
		out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		slog.Error("FFmpegTranscoder Convert failed", "error", err, "in", in, "output", string(output))
		return fmt.Errorf("%w: %v", ErrConversion, err)
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		slog.Error("FFmpegTranscoder Convert produced no output", "in", in, "out", out)
		return fmt.Errorf("%w: output file missing or empty", ErrConversion)
	}
	slog.Debug("FFmpegTranscoder Convert succeeded", "in", in, "out", out, "size", info.Size())
	return nil
}
