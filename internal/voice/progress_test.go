package voice

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kdinof/voice-retro-bot/internal/messaging"
)

func TestReporterCreatesThenEdits(t *testing.T) {
	msg := messaging.NewMockService()
	r := NewReporter(msg, 42)
	ctx := context.Background()

	r.StartPhase(ctx, PhaseDownload)
	if len(msg.Sent) != 1 {
		t.Fatalf("first flush should send one message, got %d", len(msg.Sent))
	}
	if r.MessageID() == 0 {
		t.Fatal("message ID not captured")
	}

	r.CompletePhase(ctx, PhaseDownload)
	r.StartPhase(ctx, PhaseValidate)
	if len(msg.Sent) != 1 {
		t.Errorf("later flushes should edit, not send; sent = %d", len(msg.Sent))
	}
	if len(msg.Edited) != 2 {
		t.Errorf("edits = %d, want 2", len(msg.Edited))
	}
	for _, e := range msg.Edited {
		if e.MessageID != r.MessageID() {
			t.Error("edit targeted a different message")
		}
	}
}

func TestReporterThrottlesIntermediateUpdates(t *testing.T) {
	msg := messaging.NewMockService()
	r := NewReporter(msg, 42)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	r.StartPhase(ctx, PhaseTranscribe)
	for pct := 10; pct <= 90; pct += 10 {
		now = now.Add(500 * time.Millisecond)
		r.Update(ctx, PhaseTranscribe, pct)
	}
	// 4.5s elapsed over nine updates at a 2s throttle: only two slip through.
	if len(msg.Edited) != 2 {
		t.Errorf("throttled edits = %d, want 2", len(msg.Edited))
	}

	// A forced flush goes out regardless of the throttle window.
	r.CompletePhase(ctx, PhaseTranscribe)
	if len(msg.Edited) != 3 {
		t.Errorf("forced flush suppressed; edits = %d", len(msg.Edited))
	}
}

func TestReporterRendersBarForPartialProgress(t *testing.T) {
	if text := render(PhaseTranscribe, 50); !strings.Contains(text, "[███░░░] 50%") {
		t.Errorf("partial progress missing bar: %q", text)
	}
	if text := render(PhaseTranscribe, 0); strings.Contains(text, "[") {
		t.Errorf("zero progress should have no bar: %q", text)
	}
	if text := render(PhaseTranscribe, 100); strings.Contains(text, "%") {
		t.Errorf("full progress should have no bar: %q", text)
	}
}

func TestReporterFail(t *testing.T) {
	msg := messaging.NewMockService()
	r := NewReporter(msg, 42)
	r.Fail(context.Background(), "Попробуйте ещё раз.")

	last := msg.LastSent()
	if last == nil {
		t.Fatal("failure not reported")
	}
	if !strings.Contains(last.Text, "Не получилось") || !strings.Contains(last.Text, "Попробуйте ещё раз.") {
		t.Errorf("failure text = %q", last.Text)
	}
}
