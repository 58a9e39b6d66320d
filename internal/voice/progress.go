package voice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kdinof/voice-retro-bot/internal/messaging"
)

// Phase identifies a stage of voice processing shown to the participant.
type Phase string

// Processing phases in execution order.
const (
	PhaseDownload   Phase = "download"
	PhaseValidate   Phase = "validate"
	PhaseConvert    Phase = "convert"
	PhaseTranscribe Phase = "transcribe"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
)

// phaseLabels maps each phase to its icon and user-facing Russian label.
var phaseLabels = map[Phase]struct {
	Icon  string
	Label string
}{
	PhaseDownload:   {"📥", "Загружаю голосовое сообщение"},
	PhaseValidate:   {"🔍", "Проверяю аудио"},
	PhaseConvert:    {"🔄", "Конвертирую аудио"},
	PhaseTranscribe: {"🎙", "Распознаю речь"},
	PhaseComplete:   {"✅", "Готово"},
	PhaseFailed:     {"❌", "Не получилось обработать"},
}

// progressBarWidth is the number of cells in the textual progress bar.
const progressBarWidth = 6

// DefaultThrottle is the minimum interval between intermediate edits.
const DefaultThrottle = 2 * time.Second

// Reporter renders voice-processing progress into a single chat message,
// editing it in place. One Reporter serves one pipeline run.
type Reporter struct {
	msg       messaging.Service
	chatID    int64
	messageID int
	throttle  time.Duration
	lastFlush time.Time
	now       func() time.Time
}

// NewReporter creates a progress reporter for one chat.
func NewReporter(msg messaging.Service, chatID int64) *Reporter {
	return &Reporter{
		msg:      msg,
		chatID:   chatID,
		throttle: DefaultThrottle,
		now:      time.Now,
	}
}

// StartPhase announces a phase beginning. Always flushes.
func (r *Reporter) StartPhase(ctx context.Context, phase Phase) {
	r.flush(ctx, render(phase, 0), true)
}

// Update refreshes the current phase's percentage. Throttled.
func (r *Reporter) Update(ctx context.Context, phase Phase, percent int) {
	r.flush(ctx, render(phase, percent), false)
}

// CompletePhase announces a phase finishing. Always flushes.
func (r *Reporter) CompletePhase(ctx context.Context, phase Phase) {
	r.flush(ctx, render(phase, 100), true)
}

// Fail replaces the progress message with an error description. Always
// flushes.
func (r *Reporter) Fail(ctx context.Context, userMessage string) {
	info := phaseLabels[PhaseFailed]
	text := fmt.Sprintf("%s %s", info.Icon, info.Label)
	if userMessage != "" {
		text += "\n" + userMessage
	}
	r.flush(ctx, text, true)
}

// MessageID returns the ID of the progress message, or 0 before first flush.
func (r *Reporter) MessageID() int { return r.messageID }

func (r *Reporter) flush(ctx context.Context, text string, force bool) {
	now := r.now()
	if !force && now.Sub(r.lastFlush) < r.throttle {
		return
	}
	r.lastFlush = now

	if r.messageID == 0 {
		id, err := r.msg.SendMessage(ctx, r.chatID, text)
		if err != nil {
			slog.Warn("Reporter initial send failed", "error", err, "chatID", r.chatID)
			return
		}
		r.messageID = id
		return
	}
	if err := r.msg.EditMessage(ctx, r.chatID, r.messageID, text); err != nil {
		slog.Warn("Reporter edit failed", "error", err, "chatID", r.chatID, "messageID", r.messageID)
	}
}

// render produces the icon, label and, for partial progress, a textual bar.
func render(phase Phase, percent int) string {
	info := phaseLabels[phase]
	text := fmt.Sprintf("%s %s", info.Icon, info.Label)
	if percent > 0 && percent < 100 {
		filled := percent * progressBarWidth / 100
		bar := strings.Repeat("█", filled) + strings.Repeat("░", progressBarWidth-filled)
		text += fmt.Sprintf("\n[%s] %d%%", bar, percent)
	}
	return text
}
