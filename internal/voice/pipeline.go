package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kdinof/voice-retro-bot/internal/messaging"
	"github.com/kdinof/voice-retro-bot/internal/models"
)

// Pipeline timing constants.
const (
	// DefaultPipelineTimeout bounds one Process call end to end.
	DefaultPipelineTimeout = 120 * time.Second
	// DefaultDownloadTimeout bounds the voice file download.
	DefaultDownloadTimeout = 30 * time.Second
)

// Stage names a pipeline phase for failure classification.
type Stage string

// Pipeline failure stages.
const (
	StageDownload   Stage = "download"
	StageValidate   Stage = "validate"
	StageConvert    Stage = "convert"
	StageTranscribe Stage = "transcribe"
	StageTimeout    Stage = "timeout"
)

// PipelineError carries the stage a voice-processing run failed in.
type PipelineError struct {
	Stage Stage
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("voice pipeline failed at %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// stageMessages maps failure stages to user-facing Russian explanations.
var stageMessages = map[Stage]string{
	StageDownload:   "Не удалось скачать голосовое сообщение. Попробуйте ещё раз.",
	StageValidate:   "Не удалось распознать аудиофайл. Попробуйте записать сообщение заново.",
	StageConvert:    "Не удалось обработать аудио. Попробуйте записать сообщение заново.",
	StageTranscribe: "Не удалось распознать речь. Попробуйте говорить чётче или напишите ответ текстом.",
	StageTimeout:    "Обработка заняла слишком много времени. Попробуйте отправить сообщение покороче.",
}

// UserMessage returns the explanation shown to the participant for a failed
// stage.
func (e *PipelineError) UserMessage() string {
	if msg, ok := stageMessages[e.Stage]; ok {
		return msg
	}
	return stageMessages[StageTranscribe]
}

// Pipeline downloads, validates, converts and transcribes one voice message.
type Pipeline struct {
	source     messaging.AudioSource
	transcoder Transcoder
	transcr    Transcriber
	tempDir    string
	timeout    time.Duration
}

// PipelineOpts holds configuration for NewPipeline.
type PipelineOpts struct {
	Source     messaging.AudioSource
	Transcoder Transcoder
	Transcr    Transcriber
	TempDir    string
	Timeout    time.Duration
}

// PipelineOption configures NewPipeline.
type PipelineOption func(*PipelineOpts)

// WithAudioSource sets where voice files are fetched from.
func WithAudioSource(s messaging.AudioSource) PipelineOption {
	return func(o *PipelineOpts) { o.Source = s }
}

// WithTranscoder sets the audio validator/converter.
func WithTranscoder(t Transcoder) PipelineOption {
	return func(o *PipelineOpts) { o.Transcoder = t }
}

// WithTranscriber sets the speech-to-text backend.
func WithTranscriber(t Transcriber) PipelineOption {
	return func(o *PipelineOpts) { o.Transcr = t }
}

// WithTempDir sets the directory for intermediate files.
func WithTempDir(dir string) PipelineOption {
	return func(o *PipelineOpts) { o.TempDir = dir }
}

// WithPipelineTimeout overrides the overall processing deadline.
func WithPipelineTimeout(d time.Duration) PipelineOption {
	return func(o *PipelineOpts) { o.Timeout = d }
}

// NewPipeline creates a voice-processing pipeline.
func NewPipeline(opts ...PipelineOption) (*Pipeline, error) {
	cfg := PipelineOpts{Timeout: DefaultPipelineTimeout, TempDir: os.TempDir()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("audio source not set")
	}
	if cfg.Transcoder == nil {
		return nil, fmt.Errorf("transcoder not set")
	}
	if cfg.Transcr == nil {
		return nil, fmt.Errorf("transcriber not set")
	}
	return &Pipeline{
		source:     cfg.Source,
		transcoder: cfg.Transcoder,
		transcr:    cfg.Transcr,
		tempDir:    cfg.TempDir,
		timeout:    cfg.Timeout,
	}, nil
}

// Process runs the full pipeline for one voice message and reports progress
// through the reporter. It never returns an error; failures are folded into
// the VoiceResult so callers have a single completion path.
func (p *Pipeline) Process(ctx context.Context, fileRef, language string, reporter *Reporter) models.VoiceResult {
	started := time.Now()
	// The terminal progress flush must survive deadline expiry, so it runs
	// on a context detached from the pipeline timeout.
	flushCtx := context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, perr := p.run(ctx, fileRef, language, reporter)
	result.Elapsed = time.Since(started)

	if perr != nil {
		if ctx.Err() != nil {
			perr = &PipelineError{Stage: StageTimeout, Err: ctx.Err()}
		}
		slog.Error("Pipeline Process failed", "error", perr, "fileRef", fileRef, "stage", perr.Stage, "elapsed", result.Elapsed)
		result.Success = false
		result.ErrorMessage = perr.UserMessage()
		reporter.Fail(flushCtx, perr.UserMessage())
		return result
	}

	slog.Info("Pipeline Process succeeded", "fileRef", fileRef, "elapsed", result.Elapsed, "chars", len(result.Text), "fallbackTier", result.Meta.FallbackTier)
	reporter.CompletePhase(ctx, PhaseComplete)
	return result
}

func (p *Pipeline) run(ctx context.Context, fileRef, language string, reporter *Reporter) (models.VoiceResult, *PipelineError) {
	var result models.VoiceResult

	reporter.StartPhase(ctx, PhaseDownload)
	downloadCtx, cancel := context.WithTimeout(ctx, DefaultDownloadTimeout)
	origPath, size, err := p.source.Fetch(downloadCtx, fileRef, p.tempDir, models.MaxVoiceFileSize)
	cancel()
	if err != nil {
		return result, &PipelineError{Stage: StageDownload, Err: err}
	}
	defer removeTemp(origPath)
	result.FileSize = size
	reporter.CompletePhase(ctx, PhaseDownload)

	reporter.StartPhase(ctx, PhaseValidate)
	if err := p.transcoder.Validate(ctx, origPath); err != nil {
		return result, &PipelineError{Stage: StageValidate, Err: err}
	}
	if dur, err := p.transcoder.Duration(ctx, origPath); err == nil {
		result.Meta.Duration = dur
	}
	reporter.CompletePhase(ctx, PhaseValidate)

	reporter.StartPhase(ctx, PhaseConvert)
	convPath := strings.TrimSuffix(origPath, filepath.Ext(origPath)) + ".mp3"
	// ffmpeg creates the output before encoding, so a failed or killed run
	// can still leave a partial file behind.
	defer removeTemp(convPath)
	if err := p.transcoder.Convert(ctx, origPath, convPath); err != nil {
		return result, &PipelineError{Stage: StageConvert, Err: err}
	}
	reporter.CompletePhase(ctx, PhaseConvert)

	reporter.StartPhase(ctx, PhaseTranscribe)
	transcription, tier, err := TranscribeWithFallback(ctx, p.transcr, convPath, language)
	if err != nil {
		return result, &PipelineError{Stage: StageTranscribe, Err: err}
	}
	result.Meta.FallbackTier = tier
	result.Language = transcription.Language
	result.Text = transcription.Text
	reporter.CompletePhase(ctx, PhaseTranscribe)

	result.Meta.QualityOK = checkQuality(transcription.Text)
	if !result.Meta.QualityOK {
		slog.Warn("Pipeline transcript flagged low confidence", "fileRef", fileRef, "chars", len(transcription.Text))
	}
	result.Success = true
	return result, nil
}

func removeTemp(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Pipeline temp file cleanup failed", "error", err, "path", path)
	}
}
