package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/kdinof/voice-retro-bot/internal/models"
	"github.com/kdinof/voice-retro-bot/internal/retry"
)

// Transcription settings.
const (
	// DefaultTranscribeTimeout bounds a single Whisper call.
	DefaultTranscribeTimeout = 30 * time.Second
	// transcribeAttempts is the bounded retry count per language tier.
	transcribeAttempts = 2
)

// ErrTranscription is returned when every language tier fails to produce text.
var ErrTranscription = errors.New("transcription failed on all language tiers")

// transcribeBackoff spaces out retry attempts within one tier.
var transcribeBackoff = []time.Duration{2 * time.Second}

// qualityMarkers are substrings Whisper emits when it could not make out the
// speech. Their presence flags a transcript as low confidence.
var qualityMarkers = []string{"[неразборчиво]", "[inaudible]", "???", "........."}

// Transcription is the output of a single successful transcription call.
type Transcription struct {
	Text     string
	Language string
}

// Transcriber converts an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path, language string) (Transcription, error)
}

// OpenAITranscriber transcribes audio through the Whisper API.
type OpenAITranscriber struct {
	client openai.Client
}

// NewOpenAITranscriber creates a Whisper-backed transcriber.
func NewOpenAITranscriber(apiKey string) *OpenAITranscriber {
	return &OpenAITranscriber{client: openai.NewClient(option.WithAPIKey(apiKey))}
}

// Transcribe sends the file to Whisper. An empty language requests
// auto-detection.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, path, language string) (Transcription, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTranscribeTimeout)
	defer cancel()

	file, err := os.Open(path)
	if err != nil {
		return Transcription{}, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	params := openai.AudioTranscriptionNewParams{
		Model: openai.AudioModelWhisper1,
		File:  file,
	}
	if language != "" {
		params.Language = param.NewOpt(language)
	}
	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return Transcription{}, fmt.Errorf("whisper transcription failed: %w", err)
	}
	return Transcription{Text: strings.TrimSpace(resp.Text), Language: language}, nil
}

// languageTiers returns the fallback order for a requested language: the
// request itself, a fixed secondary, then auto-detect.
func languageTiers(requested string) []string {
	secondary := "en"
	if requested == "en" {
		secondary = "ru"
	}
	if requested == "" {
		return []string{"", "en", "ru"}
	}
	return []string{requested, secondary, ""}
}

// TranscribeWithFallback tries each language tier in order, retrying
// transient failures within a tier, and returns the first non-empty
// transcript along with the tier index that produced it.
func TranscribeWithFallback(ctx context.Context, tr Transcriber, path, requested string) (Transcription, int, error) {
	tiers := languageTiers(requested)
	for i, lang := range tiers {
		var result Transcription
		err := retry.Do(ctx, transcribeAttempts, transcribeBackoff, retry.Any, func(ctx context.Context) error {
			var callErr error
			result, callErr = tr.Transcribe(ctx, path, lang)
			return callErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return Transcription{}, i, ctx.Err()
			}
			slog.Warn("Transcription tier failed", "error", err, "tier", i, "language", lang)
			continue
		}
		if result.Text == "" {
			slog.Warn("Transcription tier returned empty text", "tier", i, "language", lang)
			continue
		}
		return result, i, nil
	}
	return Transcription{}, len(tiers) - 1, ErrTranscription
}

// checkQuality reports whether a transcript looks usable: long enough and
// free of known unintelligibility markers.
func checkQuality(text string) bool {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < models.MinTranscriptRunes {
		return false
	}
	lower := strings.ToLower(text)
	for _, marker := range qualityMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}
