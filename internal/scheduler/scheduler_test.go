package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kdinof/voice-retro-bot/internal/messaging"
	"github.com/kdinof/voice-retro-bot/internal/models"
	"github.com/kdinof/voice-retro-bot/internal/store"
)

func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *store.InMemoryStore, *messaging.MockService) {
	t.Helper()
	st := store.NewInMemoryStore()
	msg := messaging.NewMockService()
	base := []Option{
		WithStore(st),
		WithMessaging(msg),
		WithPerUserDelay(time.Millisecond),
	}
	s, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s, st, msg
}

func TestParseReminderTime(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"08:00", 480, false},
		{"00:00", 0, false},
		{"23:59", 1439, false},
		{"8", 0, true},
		{"24:00", 0, true},
		{"08:60", 0, true},
		{"morning", 0, true},
	}
	for _, tt := range tests {
		got, err := parseReminderTime(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseReminderTime(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseReminderTime(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseReminderTime(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestInWindow(t *testing.T) {
	s, _, _ := newTestScheduler(t, WithReminderTime("08:00"))
	tests := []struct {
		hour, minute int
		want         bool
	}{
		{7, 58, false},
		{7, 59, true},
		{8, 0, true},
		{8, 1, true},
		{8, 2, false},
		{20, 0, false},
	}
	for _, tt := range tests {
		local := time.Date(2026, 9, 1, tt.hour, tt.minute, 30, 0, time.UTC)
		if got := s.inWindow(local); got != tt.want {
			t.Errorf("inWindow(%02d:%02d) = %v, want %v", tt.hour, tt.minute, got, tt.want)
		}
	}
}

func TestInWindowWrapsMidnight(t *testing.T) {
	s, _, _ := newTestScheduler(t, WithReminderTime("00:00"))
	tests := []struct {
		hour, minute int
		want         bool
	}{
		{23, 58, false},
		{23, 59, true},
		{0, 0, true},
		{0, 1, true},
		{0, 2, false},
		{12, 0, false},
	}
	for _, tt := range tests {
		local := time.Date(2026, 9, 1, tt.hour, tt.minute, 30, 0, time.UTC)
		if got := s.inWindow(local); got != tt.want {
			t.Errorf("inWindow(%02d:%02d) = %v, want %v", tt.hour, tt.minute, got, tt.want)
		}
	}
}

func TestBroadcastSendsAndDedupes(t *testing.T) {
	s, st, msg := newTestScheduler(t)
	st.UpsertFollowUp(&models.FollowUp{ParticipantID: 1, Date: "2026-09-01", MITs: []string{"отчет"}})
	st.UpsertFollowUp(&models.FollowUp{ParticipantID: 2, Date: "2026-09-01", NextActions: []string{"звонок"}})
	// An empty follow-up is listed but produces no message.
	st.UpsertFollowUp(&models.FollowUp{ParticipantID: 3, Date: "2026-09-01"})

	s.broadcast(context.Background(), "2026-09-01")
	if len(msg.Sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(msg.Sent))
	}
	if !strings.Contains(msg.Sent[0].Text, "Дела на") {
		t.Errorf("reminder text = %q", msg.Sent[0].Text)
	}

	// A second run inside the same window must not send again.
	s.broadcast(context.Background(), "2026-09-01")
	if len(msg.Sent) != 2 {
		t.Errorf("duplicate reminders sent: %d", len(msg.Sent))
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	s, st, msg := newTestScheduler(t)
	st.UpsertFollowUp(&models.FollowUp{ParticipantID: 1, Date: "2026-09-01", MITs: []string{"a"}})
	st.UpsertFollowUp(&models.FollowUp{ParticipantID: 2, Date: "2026-09-01", MITs: []string{"b"}})

	// Every send fails; the run must still visit both participants and mark
	// them notified.
	msg.SendErr = context.DeadlineExceeded
	s.broadcast(context.Background(), "2026-09-01")

	s.mu.Lock()
	notified := len(s.notified)
	s.mu.Unlock()
	if notified != 2 {
		t.Errorf("notified = %d, want 2", notified)
	}
}

func TestTickOutsideWindowClearsDedupe(t *testing.T) {
	now := time.Date(2026, 9, 1, 5, 0, 30, 0, time.UTC) // 08:00 local, in window
	s, st, msg := newTestScheduler(t, WithClock(func() time.Time { return now }))
	st.UpsertFollowUp(&models.FollowUp{ParticipantID: 1, Date: "2026-09-01", MITs: []string{"a"}})

	s.tick(context.Background())
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.broadcastOn && len(s.notified) == 1
	})
	if len(msg.Sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(msg.Sent))
	}

	// Outside the window the dedupe set resets for the next day.
	now = now.Add(2 * time.Hour)
	s.tick(context.Background())
	s.mu.Lock()
	remaining := len(s.notified)
	s.mu.Unlock()
	if remaining != 0 {
		t.Errorf("dedupe set not cleared: %d entries", remaining)
	}
}

func TestCleanupRemovesOldRecords(t *testing.T) {
	now := time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)
	s, st, _ := newTestScheduler(t, WithClock(func() time.Time { return now }), WithRetention(30*24*time.Hour))

	st.UpsertFollowUp(&models.FollowUp{ParticipantID: 1, Date: "2026-07-01", MITs: []string{"старое"}})
	st.UpsertFollowUp(&models.FollowUp{ParticipantID: 1, Date: "2026-09-01", MITs: []string{"свежее"}})
	expired := now.Add(-time.Hour)
	st.SaveConversationState(models.ConversationState{ParticipantID: 1, CurrentStep: models.StepMood, ExpiresAt: &expired})

	s.cleanup()

	if old, _ := st.GetFollowUpByDate(1, "2026-07-01"); old != nil {
		t.Error("old follow-up survived cleanup")
	}
	if fresh, _ := st.GetFollowUpByDate(1, "2026-09-01"); fresh == nil {
		t.Error("fresh follow-up removed")
	}
	if state, _ := st.GetConversationState(1); state != nil {
		t.Error("expired conversation state survived cleanup")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
