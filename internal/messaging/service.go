// Package messaging provides the outbound delivery abstraction and the
// Telegram implementation used by the voice retro bot.
package messaging

import (
	"context"

	"github.com/kdinof/voice-retro-bot/internal/models"
)

// Button is one inline keyboard option attached to an outbound message.
type Button struct {
	Label string
	Data  string
}

// Service defines a pluggable message delivery abstraction.
// It supports sending and in-place editing of messages, and exposes a
// channel of inbound participant responses.
type Service interface {
	// SendMessage sends a message and returns the provider message ID,
	// which callers keep for later in-place edits.
	SendMessage(ctx context.Context, to int64, text string) (int, error)

	// SendMessageWithButtons sends a message with an inline keyboard.
	SendMessageWithButtons(ctx context.Context, to int64, text string, buttons []Button) (int, error)

	// EditMessage replaces the text of a previously sent message.
	EditMessage(ctx context.Context, to int64, messageID int, text string) error

	// Start begins background processing (e.g. polling for updates).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of incoming participant responses.
	Responses() <-chan models.Response
}

// AudioSource fetches a remote audio artifact into local temporary storage.
// Implementations must reject artifacts whose declared size exceeds maxSize
// before transferring the payload, when the remote reports a size.
type AudioSource interface {
	Fetch(ctx context.Context, fileRef, dir string, maxSize int64) (path string, size int64, err error)
}
