// Package models defines the core data structures for the voice retro bot.
//
// It includes the conversation step machinery, daily retrospective records,
// derived follow-up lists and the transient result types exchanged between
// the voice pipeline and the conversation engine.
package models

import (
	"errors"
	"time"
)

// Validation and sizing constants shared across modules.
const (
	// MaxVoiceFileSize is the ceiling for remote voice artifacts (25 MB).
	MaxVoiceFileSize = 25 * 1024 * 1024
	// MinTranscriptRunes is the minimum transcript length considered usable.
	MinTranscriptRunes = 3
	// MaxTelegramMessageLength is the Bot API limit for a single message.
	MaxTelegramMessageLength = 4096
	// DefaultConversationTimeout is the inactivity window before a
	// conversation expires.
	DefaultConversationTimeout = 30 * time.Minute
)

// Error variables for better error handling and testability.
var (
	ErrStateConflict    = errors.New("conversation state was modified concurrently")
	ErrNotActive        = errors.New("no active conversation")
	ErrConversationOver = errors.New("conversation already completed")
	ErrStepNotOptional  = errors.New("current step cannot be skipped")
	ErrUnknownStep      = errors.New("unknown conversation step")
	ErrEmptyAnswer      = errors.New("answer cannot be empty")
	ErrRecordNotFound   = errors.New("record not found")
)

// Participant represents a single bot user. The ID doubles as the Telegram
// chat ID for private conversations.
type Participant struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"first_name,omitempty"`
	Username  string    `json:"username,omitempty"`
	Language  string    `json:"language,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Response represents an inbound participant message delivered by the
// messaging service. Exactly one of Body, VoiceFileID or Callback carries
// the payload.
type Response struct {
	From        int64  `json:"from"`
	FirstName   string `json:"first_name,omitempty"`
	Username    string `json:"username,omitempty"`
	Language    string `json:"language,omitempty"`
	Body        string `json:"body,omitempty"`
	VoiceFileID string `json:"voice_file_id,omitempty"`
	Callback    string `json:"callback,omitempty"`
	MessageID   int    `json:"message_id,omitempty"`
	Time        int64  `json:"time"`
}

// IsVoice reports whether the response carries a voice artifact.
func (r Response) IsVoice() bool {
	return r.VoiceFileID != ""
}

// VoiceMeta carries diagnostic metadata about a pipeline run.
type VoiceMeta struct {
	Duration     float64 `json:"duration,omitempty"`      // seconds, from ffprobe
	FallbackTier int     `json:"fallback_tier,omitempty"` // 0 primary, 1 secondary, 2 auto-detect
	QualityOK    bool    `json:"quality_ok"`
}

// VoiceResult is the transient outcome of one voice pipeline run. It is
// consumed immediately by the conversation engine and never persisted.
type VoiceResult struct {
	Success      bool          `json:"success"`
	Text         string        `json:"text,omitempty"`
	Language     string        `json:"language,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	FileSize     int64         `json:"file_size,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Meta         VoiceMeta     `json:"meta"`
}
