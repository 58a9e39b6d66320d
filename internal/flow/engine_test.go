package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kdinof/voice-retro-bot/internal/messaging"
	"github.com/kdinof/voice-retro-bot/internal/models"
	"github.com/kdinof/voice-retro-bot/internal/store"
	"github.com/kdinof/voice-retro-bot/internal/voice"
)

type fakePipeline struct {
	result models.VoiceResult
	calls  int
}

func (p *fakePipeline) Process(_ context.Context, _, _ string, _ *voice.Reporter) models.VoiceResult {
	p.calls++
	return p.result
}

type testHarness struct {
	engine *Engine
	store  store.Store
	msg    *messaging.MockService
	now    time.Time
}

func newHarness(t *testing.T, extra ...EngineOption) *testHarness {
	t.Helper()
	h := &testHarness{
		store: store.NewInMemoryStore(),
		msg:   messaging.NewMockService(),
		now:   time.Date(2026, 8, 31, 18, 0, 0, 0, time.UTC),
	}
	opts := append([]EngineOption{
		WithStore(h.store),
		WithMessaging(h.msg),
		WithClock(func() time.Time { return h.now }),
	}, extra...)
	engine, err := NewEngine(opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.engine = engine
	return h
}

func (h *testHarness) allSent() string {
	var texts []string
	for _, m := range h.msg.Sent {
		texts = append(texts, m.Text)
	}
	return strings.Join(texts, "\n---\n")
}

func answer(body string) models.Response {
	return models.Response{From: 1, FirstName: "Иван", Body: body}
}

func TestEngineFullWalkthrough(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.engine.Start(ctx, answer("/retro")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st, _ := h.store.GetConversationState(1)
	if st == nil || st.CurrentStep != models.StepEnergy {
		t.Fatalf("state after start = %+v", st)
	}
	if st.ExpiresAt == nil || !st.ExpiresAt.Equal(h.now.Add(30*time.Minute)) {
		t.Errorf("expiry = %v", st.ExpiresAt)
	}

	steps := []string{
		"4, чувствую себя отлично",
		"😊 день прошел продуктивно",
		"закрыл большую задачу\nпомог коллеге с ревью",
		"узнал про новые инструменты",
		"написать отчет; позвонить клиенту",
		"отчет",
	}
	for _, body := range steps {
		if err := h.engine.HandleAnswer(ctx, answer(body)); err != nil {
			t.Fatalf("HandleAnswer(%q) failed: %v", body, err)
		}
	}
	st, _ = h.store.GetConversationState(1)
	if st.CurrentStep != models.StepExperiment {
		t.Fatalf("step after six answers = %s, want experiment", st.CurrentStep)
	}

	if err := h.engine.Skip(ctx, models.Response{From: 1, Callback: messaging.CallbackSkip}); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	st, _ = h.store.GetConversationState(1)
	if st.CurrentStep != models.StepReview {
		t.Fatalf("step after skip = %s, want review", st.CurrentStep)
	}
	last := h.msg.LastSent()
	if last == nil || !strings.Contains(last.Text, "# Daily Retro") {
		t.Errorf("review document not shown: %v", last)
	}
	if len(last.Buttons) != 1 || last.Buttons[0].Data != messaging.CallbackConfirm {
		t.Errorf("review buttons = %v", last.Buttons)
	}

	if err := h.engine.Confirm(ctx, models.Response{From: 1, Callback: messaging.CallbackConfirm}); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	retro, _ := h.store.GetRetroByDate(1, "2026-08-31")
	if retro == nil || !retro.IsCompleted() {
		t.Fatal("retro not completed")
	}
	if retro.EnergyLevel == nil || *retro.EnergyLevel != 4 {
		t.Errorf("energy = %v", retro.EnergyLevel)
	}
	if retro.Mood != "😊" || retro.MoodExplanation != "день прошел продуктивно" {
		t.Errorf("mood = %q / %q", retro.Mood, retro.MoodExplanation)
	}
	if len(retro.Wins) != 2 || len(retro.NextActions) != 2 || len(retro.MITs) != 1 {
		t.Errorf("lists = %d/%d/%d", len(retro.Wins), len(retro.NextActions), len(retro.MITs))
	}
	if retro.Experiment != "" {
		t.Errorf("skipped experiment = %q", retro.Experiment)
	}

	st, _ = h.store.GetConversationState(1)
	if st.CurrentStep != models.StepIdle {
		t.Errorf("state after confirm = %s, want idle", st.CurrentStep)
	}

	followUp, _ := h.store.GetFollowUpByDate(1, "2026-09-01")
	if followUp == nil || len(followUp.NextActions) != 2 || len(followUp.MITs) != 1 {
		t.Errorf("follow-up = %+v", followUp)
	}
}

func TestEngineIdleAnswerDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.HandleAnswer(context.Background(), answer("просто текст")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st, _ := h.store.GetConversationState(1); st != nil {
		t.Error("idle submission created state")
	}
	if retro, _ := h.store.GetRetroByDate(1, "2026-08-31"); retro != nil {
		t.Error("idle submission created a retro")
	}
	if !strings.Contains(h.allSent(), "/retro") {
		t.Error("participant not pointed at /retro")
	}
}

func TestEngineExpiredSessionRefusesAnswer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Start(ctx, answer("/retro"))
	h.engine.HandleAnswer(ctx, answer("4"))

	before, _ := h.store.GetRetroByDate(1, "2026-08-31")

	h.now = h.now.Add(31 * time.Minute)
	if err := h.engine.HandleAnswer(ctx, answer("😊 настроение")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := h.store.GetConversationState(1)
	if st.CurrentStep != models.StepIdle {
		t.Errorf("expired state = %s, want idle", st.CurrentStep)
	}
	after, _ := h.store.GetRetroByDate(1, "2026-08-31")
	if after.Mood != "" || after.UpdatedAt != before.UpdatedAt {
		t.Error("expired submission mutated the retro")
	}
	if !strings.Contains(h.allSent(), "истекла") {
		t.Error("expiry not explained to the participant")
	}
}

func TestEngineExpiredSessionResetsOnSkip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Start(ctx, answer("/retro"))

	h.now = h.now.Add(31 * time.Minute)
	if err := h.engine.Skip(ctx, models.Response{From: 1, Callback: messaging.CallbackSkip}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := h.store.GetConversationState(1)
	if st.CurrentStep != models.StepIdle {
		t.Errorf("expired state after skip = %s, want idle", st.CurrentStep)
	}
	if !strings.Contains(h.allSent(), "истекла") {
		t.Error("expiry not explained to the participant")
	}
}

func TestEngineExpiredSessionResetsOnConfirm(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Start(ctx, answer("/retro"))
	h.engine.HandleAnswer(ctx, answer("4"))

	h.now = h.now.Add(31 * time.Minute)
	if err := h.engine.Confirm(ctx, models.Response{From: 1, Callback: messaging.CallbackConfirm}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := h.store.GetConversationState(1)
	if st.CurrentStep != models.StepIdle {
		t.Errorf("expired state after confirm = %s, want idle", st.CurrentStep)
	}
	retro, _ := h.store.GetRetroByDate(1, "2026-08-31")
	if retro == nil || retro.IsCompleted() {
		t.Error("expired confirm completed the retro")
	}
	if !strings.Contains(h.allSent(), "истекла") {
		t.Error("expiry not explained to the participant")
	}
}

func TestEngineSkipRefusedOnRequiredStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Start(ctx, answer("/retro"))

	if err := h.engine.Skip(ctx, models.Response{From: 1, Callback: messaging.CallbackSkip}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, _ := h.store.GetConversationState(1)
	if st.CurrentStep != models.StepEnergy {
		t.Errorf("required step was skipped, now at %s", st.CurrentStep)
	}
	if !strings.Contains(h.allSent(), "нельзя пропустить") {
		t.Error("refusal not explained")
	}
}

func TestEngineInvalidEnergyReAsks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Start(ctx, answer("/retro"))

	h.engine.HandleAnswer(ctx, answer("отлично себя чувствую"))
	st, _ := h.store.GetConversationState(1)
	if st.CurrentStep != models.StepEnergy {
		t.Errorf("unparsable energy advanced to %s", st.CurrentStep)
	}
	retro, _ := h.store.GetRetroByDate(1, "2026-08-31")
	if retro.EnergyLevel != nil {
		t.Error("invalid answer persisted an energy level")
	}
}

func TestEngineEmptyAnswerRePrompts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Start(ctx, answer("/retro"))
	sent := len(h.msg.Sent)

	h.engine.HandleAnswer(ctx, answer("   \n "))
	st, _ := h.store.GetConversationState(1)
	if st.CurrentStep != models.StepEnergy {
		t.Errorf("empty answer advanced to %s", st.CurrentStep)
	}
	if len(h.msg.Sent) <= sent {
		t.Error("no re-prompt sent")
	}
}

func TestEngineStartResumesActiveSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Start(ctx, answer("/retro"))
	h.engine.HandleAnswer(ctx, answer("3"))

	h.engine.Start(ctx, answer("/retro"))
	st, _ := h.store.GetConversationState(1)
	if st.CurrentStep != models.StepMood {
		t.Errorf("restart reset the session to %s", st.CurrentStep)
	}
	if !strings.Contains(h.allSent(), "Продолжаем") {
		t.Error("resume not announced")
	}
}

func TestEngineStartAfterCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	completed := h.now
	h.store.SaveRetro(&models.Retro{
		ParticipantID: 1,
		Date:          "2026-08-31",
		CompletedAt:   &completed,
	})

	h.engine.Start(ctx, answer("/retro"))
	st, _ := h.store.GetConversationState(1)
	if st != nil && st.CurrentStep != models.StepIdle {
		t.Errorf("completed day restarted at %s", st.CurrentStep)
	}
	if !strings.Contains(h.allSent(), "/today") {
		t.Error("participant not offered the completed retro")
	}
}

func TestEngineStopKeepsAnswers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Start(ctx, answer("/retro"))
	h.engine.HandleAnswer(ctx, answer("5"))

	if err := h.engine.Stop(ctx, answer("/stop")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, _ := h.store.GetConversationState(1)
	if st.CurrentStep != models.StepIdle {
		t.Errorf("state after stop = %s", st.CurrentStep)
	}
	retro, _ := h.store.GetRetroByDate(1, "2026-08-31")
	if retro == nil || retro.EnergyLevel == nil {
		t.Error("stop discarded recorded answers")
	}
}

func TestEngineVoiceAnswer(t *testing.T) {
	pipeline := &fakePipeline{result: models.VoiceResult{
		Success:  true,
		Text:     "4 отличный день",
		Language: "ru",
		Meta:     models.VoiceMeta{QualityOK: true},
	}}
	h := newHarness(t, WithPipeline(pipeline))
	ctx := context.Background()
	h.engine.Start(ctx, answer("/retro"))

	h.engine.HandleAnswer(ctx, models.Response{From: 1, VoiceFileID: "voice123"})
	if pipeline.calls != 1 {
		t.Fatalf("pipeline calls = %d", pipeline.calls)
	}
	st, _ := h.store.GetConversationState(1)
	if st.CurrentStep != models.StepMood {
		t.Errorf("voice answer did not advance, at %s", st.CurrentStep)
	}
	retro, _ := h.store.GetRetroByDate(1, "2026-08-31")
	if retro.EnergyLevel == nil || *retro.EnergyLevel != 4 {
		t.Errorf("energy from voice = %v", retro.EnergyLevel)
	}
	if st.Scratch.EnergyExplanation != "отличный день" {
		t.Errorf("scratch explanation = %q", st.Scratch.EnergyExplanation)
	}
}

func TestEngineVoiceFailureDoesNotAdvance(t *testing.T) {
	pipeline := &fakePipeline{result: models.VoiceResult{
		Success:      false,
		ErrorMessage: "Не удалось распознать речь.",
	}}
	h := newHarness(t, WithPipeline(pipeline))
	ctx := context.Background()
	h.engine.Start(ctx, answer("/retro"))

	h.engine.HandleAnswer(ctx, models.Response{From: 1, VoiceFileID: "voice123"})
	st, _ := h.store.GetConversationState(1)
	if st.CurrentStep != models.StepEnergy {
		t.Errorf("failed voice advanced to %s", st.CurrentStep)
	}
	if !strings.Contains(h.allSent(), "текстом") {
		t.Error("typing fallback not suggested")
	}
}

// conflictStore fails the first optimistic update to simulate a concurrent
// interaction winning the race.
type conflictStore struct {
	store.Store
	conflicts int
}

func (s *conflictStore) UpdateConversationState(st models.ConversationState, expected models.Step) error {
	if s.conflicts > 0 {
		s.conflicts--
		return models.ErrStateConflict
	}
	return s.Store.UpdateConversationState(st, expected)
}

func TestEngineConflictAbortsAdvance(t *testing.T) {
	cs := &conflictStore{Store: store.NewInMemoryStore(), conflicts: 1}
	msg := messaging.NewMockService()
	now := time.Date(2026, 8, 31, 18, 0, 0, 0, time.UTC)
	engine, err := NewEngine(
		WithStore(cs),
		WithMessaging(msg),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	engine.Start(ctx, answer("/retro"))

	err = engine.HandleAnswer(ctx, answer("4"))
	if !errors.Is(err, models.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	st, _ := cs.GetConversationState(1)
	if st.CurrentStep != models.StepEnergy {
		t.Errorf("losing update advanced the step to %s", st.CurrentStep)
	}
}

func TestEngineShowToday(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.engine.ShowToday(ctx, answer("/today"))
	if !strings.Contains(h.allSent(), "ещё нет") {
		t.Error("missing-retro notice not sent")
	}

	h.store.SaveRetro(&models.Retro{ParticipantID: 1, Date: "2026-08-31", Mood: "😊"})
	h.engine.ShowToday(ctx, answer("/today"))
	if !strings.Contains(h.allSent(), "# Daily Retro — 2026-08-31") {
		t.Error("retro document not sent")
	}
}
