// Package flow implements the guided retrospective conversation: a persisted
// step machine advanced by participant answers, with voice input routed
// through the transcription pipeline.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kdinof/voice-retro-bot/internal/messaging"
	"github.com/kdinof/voice-retro-bot/internal/models"
	"github.com/kdinof/voice-retro-bot/internal/store"
	"github.com/kdinof/voice-retro-bot/internal/voice"
)

// DefaultTZOffset is the fixed offset used to derive the participant-local
// calendar date.
const DefaultTZOffset = 3 * time.Hour

// User-facing Russian messages.
const (
	msgIntro = "👋 Привет! Давай проведем ретроспективу дня.\n\n" +
		"Я задам 7 коротких вопросов. Можешь отвечать текстом или голосовыми сообщениями.\n\n" +
		"Начнем! 🚀"
	msgContinuing      = "📝 У тебя уже есть активная ретроспектива. Продолжаем с текущего вопроса!"
	msgAlreadyDone     = "✅ Ты уже завершил ретроспективу сегодня! Посмотреть её можно командой /today."
	msgNoActive        = "🤔 Сейчас нет активной ретроспективы. Начни новую командой /retro"
	msgExpired         = "⏰ Сессия истекла из-за неактивности. Твои ответы сохранены — начни заново командой /retro"
	msgEmptyAnswer     = "✍️ Похоже, сообщение пустое. Попробуй ответить ещё раз."
	msgReviewOnly      = "👆 Проверь итог выше и нажми «Подтвердить», чтобы завершить ретроспективу."
	msgSkipRefused     = "🙅 Этот вопрос нельзя пропустить. Пожалуйста, ответь на него."
	msgConflict        = "⚙️ Не удалось сохранить ответ, попробуй отправить его ещё раз."
	msgStoreFailure    = "⚙️ Что-то пошло не так. Попробуй ещё раз чуть позже."
	msgVoiceTryTyping  = "⌨️ Попробуй написать ответ текстом."
	msgLowConfidence   = "⚠️ Распознал не очень уверенно, проверь текст ниже:"
	msgStopped         = "🛑 Ретроспектива остановлена. Твои ответы сохранены.\n\nЗаполнено: %.0f%%\n\nВернуться можно командой /retro"
	msgNothingToStop   = "🤷 Сейчас нет активной ретроспективы."
	msgNoRetroToday    = "📭 Сегодня ретроспективы ещё нет. Начни командой /retro"
	msgCompleted       = "🎉 *Ретроспектива завершена!*\n\nОтличная работа! Завтра утром напомню о запланированных делах."
	msgReviewIntro     = "📋 *Проверь свою ретроспективу:*"
	buttonSkipLabel    = "⏭ Пропустить"
	buttonConfirmLabel = "✅ Подтвердить"
)

// VoicePipeline converts a voice message reference into text. Implemented by
// voice.Pipeline; faked in tests.
type VoicePipeline interface {
	Process(ctx context.Context, fileRef, language string, reporter *voice.Reporter) models.VoiceResult
}

// Engine drives the retrospective conversation.
type Engine struct {
	store    store.Store
	msg      messaging.Service
	pipeline VoicePipeline
	timeout  time.Duration
	tzOffset time.Duration
	now      func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// EngineOpts holds configuration for NewEngine.
type EngineOpts struct {
	Store    store.Store
	Msg      messaging.Service
	Pipeline VoicePipeline
	Timeout  time.Duration
	TZOffset time.Duration
	Now      func() time.Time
}

// EngineOption configures NewEngine.
type EngineOption func(*EngineOpts)

// WithStore sets the persistence backend.
func WithStore(s store.Store) EngineOption {
	return func(o *EngineOpts) { o.Store = s }
}

// WithMessaging sets the outbound message service.
func WithMessaging(m messaging.Service) EngineOption {
	return func(o *EngineOpts) { o.Msg = m }
}

// WithPipeline sets the voice transcription pipeline.
func WithPipeline(p VoicePipeline) EngineOption {
	return func(o *EngineOpts) { o.Pipeline = p }
}

// WithTimeout overrides the conversation inactivity timeout.
func WithTimeout(d time.Duration) EngineOption {
	return func(o *EngineOpts) { o.Timeout = d }
}

// WithTZOffset overrides the participant-local timezone offset.
func WithTZOffset(d time.Duration) EngineOption {
	return func(o *EngineOpts) { o.TZOffset = d }
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) EngineOption {
	return func(o *EngineOpts) { o.Now = now }
}

// NewEngine creates a conversation engine.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	cfg := EngineOpts{
		Timeout:  models.DefaultConversationTimeout,
		TZOffset: DefaultTZOffset,
		Now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store not set")
	}
	if cfg.Msg == nil {
		return nil, fmt.Errorf("messaging service not set")
	}
	return &Engine{
		store:    cfg.Store,
		msg:      cfg.Msg,
		pipeline: cfg.Pipeline,
		timeout:  cfg.Timeout,
		tzOffset: cfg.TZOffset,
		now:      cfg.Now,
		locks:    make(map[int64]*sync.Mutex),
	}, nil
}

// lock returns the per-participant mutex, creating it on first use. It keeps
// two interleaved updates for the same participant from racing ahead of the
// store's optimistic check.
func (e *Engine) lock(participantID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[participantID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[participantID] = l
	}
	return l
}

// localDate returns the participant-local calendar date for the engine's
// current time.
func (e *Engine) localDate() string {
	return e.now().UTC().Add(e.tzOffset).Format(models.DateFormat)
}

func (e *Engine) ensureParticipant(resp models.Response) {
	p := models.Participant{
		ID:        resp.From,
		FirstName: resp.FirstName,
		Username:  resp.Username,
		Language:  resp.Language,
		CreatedAt: e.now(),
		LastSeen:  e.now(),
	}
	if err := e.store.SaveParticipant(p); err != nil {
		slog.Error("Engine ensureParticipant failed", "error", err, "participantID", resp.From)
	}
}

// expireStale lazily resets a session whose inactivity window has elapsed and
// notifies the participant. Returns true when the session was expired. The op
// name is only used for logging.
func (e *Engine) expireStale(ctx context.Context, st *models.ConversationState, now time.Time, op string) bool {
	if !st.IsExpired(now) {
		return false
	}
	st.Reset(now)
	if err := e.store.SaveConversationState(*st); err != nil {
		slog.Error("Engine "+op+" expiry reset failed", "error", err, "participantID", st.ParticipantID)
	}
	e.send(ctx, st.ParticipantID, msgExpired)
	return true
}

// Start opens a retrospective session or resumes an active one.
func (e *Engine) Start(ctx context.Context, resp models.Response) error {
	l := e.lock(resp.From)
	l.Lock()
	defer l.Unlock()

	e.ensureParticipant(resp)
	now := e.now()

	st, err := e.store.GetConversationState(resp.From)
	if err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return fmt.Errorf("failed to load conversation state: %w", err)
	}
	if st != nil && st.IsActive(now) {
		e.send(ctx, resp.From, msgContinuing)
		return e.sendPrompt(ctx, resp.From, st.CurrentStep, nil)
	}

	date := e.localDate()
	retro, err := e.store.GetRetroByDate(resp.From, date)
	if err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return fmt.Errorf("failed to load retro: %w", err)
	}
	if retro != nil && retro.IsCompleted() {
		e.send(ctx, resp.From, msgAlreadyDone)
		return nil
	}
	if retro == nil {
		retro = &models.Retro{
			ParticipantID: resp.From,
			Date:          date,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := e.store.SaveRetro(retro); err != nil {
			e.send(ctx, resp.From, msgStoreFailure)
			return fmt.Errorf("failed to create retro: %w", err)
		}
	}

	newState := models.ConversationState{
		ParticipantID: resp.From,
		CurrentStep:   models.Steps[0].Step,
		RetroID:       &retro.ID,
		CreatedAt:     now,
	}
	newState.Touch(now, e.timeout)
	if err := e.store.SaveConversationState(newState); err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return fmt.Errorf("failed to save conversation state: %w", err)
	}

	slog.Info("Engine Start succeeded", "participantID", resp.From, "date", date, "retroID", retro.ID)
	e.send(ctx, resp.From, msgIntro)
	return e.sendPrompt(ctx, resp.From, newState.CurrentStep, nil)
}

// HandleAnswer consumes a free-form answer (text or voice) for the current
// step.
func (e *Engine) HandleAnswer(ctx context.Context, resp models.Response) error {
	l := e.lock(resp.From)
	l.Lock()
	defer l.Unlock()

	e.ensureParticipant(resp)
	now := e.now()

	st, err := e.store.GetConversationState(resp.From)
	if err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return fmt.Errorf("failed to load conversation state: %w", err)
	}
	if st == nil || st.CurrentStep == models.StepIdle || st.CurrentStep == models.StepCompleted {
		e.send(ctx, resp.From, msgNoActive)
		return nil
	}
	if e.expireStale(ctx, st, now, "HandleAnswer") {
		return nil
	}

	text := resp.Body
	if resp.IsVoice() {
		text, err = e.transcribe(ctx, resp, st)
		if err != nil {
			return nil // user already notified; no advance
		}
	}
	if isBlank(text) {
		e.send(ctx, resp.From, msgEmptyAnswer)
		return e.sendPrompt(ctx, resp.From, st.CurrentStep, nil)
	}

	if st.CurrentStep == models.StepReview {
		e.send(ctx, resp.From, msgReviewOnly)
		return nil
	}
	if !models.IsAnswerStep(st.CurrentStep) {
		slog.Error("Engine HandleAnswer unknown persisted step", "participantID", resp.From, "step", st.CurrentStep)
		e.send(ctx, resp.From, msgStoreFailure)
		return models.ErrUnknownStep
	}

	retro, err := e.loadRetro(st)
	if err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return err
	}

	if reprompt := applyAnswer(st.CurrentStep, text, retro, &st.Scratch); reprompt != "" {
		e.send(ctx, resp.From, reprompt)
		return nil
	}
	retro.UpdatedAt = now
	if err := e.store.SaveRetro(retro); err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return fmt.Errorf("failed to save retro: %w", err)
	}

	return e.advance(ctx, resp.From, st, retro)
}

// Skip advances past the current step without recording an answer. Only
// optional steps can be skipped.
func (e *Engine) Skip(ctx context.Context, resp models.Response) error {
	l := e.lock(resp.From)
	l.Lock()
	defer l.Unlock()

	now := e.now()
	st, err := e.store.GetConversationState(resp.From)
	if err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return fmt.Errorf("failed to load conversation state: %w", err)
	}
	if st == nil || st.CurrentStep == models.StepIdle || st.CurrentStep == models.StepCompleted {
		e.send(ctx, resp.From, msgNoActive)
		return nil
	}
	if e.expireStale(ctx, st, now, "Skip") {
		return nil
	}
	spec, ok := models.SpecFor(st.CurrentStep)
	if !ok || !spec.Optional {
		e.send(ctx, resp.From, msgSkipRefused)
		return nil
	}

	retro, err := e.loadRetro(st)
	if err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return err
	}
	slog.Info("Engine Skip succeeded", "participantID", resp.From, "step", st.CurrentStep)
	return e.advance(ctx, resp.From, st, retro)
}

// Confirm finalizes the retro from the review step.
func (e *Engine) Confirm(ctx context.Context, resp models.Response) error {
	l := e.lock(resp.From)
	l.Lock()
	defer l.Unlock()

	now := e.now()
	st, err := e.store.GetConversationState(resp.From)
	if err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return fmt.Errorf("failed to load conversation state: %w", err)
	}
	if st == nil || st.CurrentStep == models.StepIdle || st.CurrentStep == models.StepCompleted {
		e.send(ctx, resp.From, msgNoActive)
		return nil
	}
	if e.expireStale(ctx, st, now, "Confirm") {
		return nil
	}
	if st.CurrentStep != models.StepReview {
		e.send(ctx, resp.From, msgReviewOnly)
		return nil
	}

	retro, err := e.loadRetro(st)
	if err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return err
	}
	completed := now
	retro.CompletedAt = &completed
	retro.UpdatedAt = now
	if err := e.store.SaveRetro(retro); err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return fmt.Errorf("failed to complete retro: %w", err)
	}

	followUp := models.DeriveFollowUp(retro, now)
	if followUp.HasItems() {
		if err := e.store.UpsertFollowUp(followUp); err != nil {
			slog.Error("Engine Confirm follow-up upsert failed", "error", err, "participantID", resp.From)
		}
	}

	st.Reset(now)
	if err := e.store.SaveConversationState(*st); err != nil {
		slog.Error("Engine Confirm state reset failed", "error", err, "participantID", resp.From)
	}

	slog.Info("Engine Confirm succeeded", "participantID", resp.From, "retroID", retro.ID)
	e.send(ctx, resp.From, msgCompleted)
	e.send(ctx, resp.From, retro.ToMarkdown())
	return nil
}

// Stop abandons the active session, keeping accumulated answers.
func (e *Engine) Stop(ctx context.Context, resp models.Response) error {
	l := e.lock(resp.From)
	l.Lock()
	defer l.Unlock()

	now := e.now()
	st, err := e.store.GetConversationState(resp.From)
	if err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return fmt.Errorf("failed to load conversation state: %w", err)
	}
	if st == nil || !st.IsActive(now) {
		e.send(ctx, resp.From, msgNothingToStop)
		return nil
	}

	percent := 0.0
	if retro, err := e.loadRetro(st); err == nil {
		percent = retro.CompletionPercent()
	}

	st.Reset(now)
	if err := e.store.SaveConversationState(*st); err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return fmt.Errorf("failed to reset conversation state: %w", err)
	}
	slog.Info("Engine Stop succeeded", "participantID", resp.From)
	e.send(ctx, resp.From, fmt.Sprintf(msgStopped, percent))
	return nil
}

// ShowToday sends today's retro document, completed or not.
func (e *Engine) ShowToday(ctx context.Context, resp models.Response) error {
	retro, err := e.store.GetRetroByDate(resp.From, e.localDate())
	if err != nil {
		e.send(ctx, resp.From, msgStoreFailure)
		return fmt.Errorf("failed to load retro: %w", err)
	}
	if retro == nil {
		e.send(ctx, resp.From, msgNoRetroToday)
		return nil
	}
	e.send(ctx, resp.From, retro.ToMarkdown())
	return nil
}

// transcribe runs the voice pipeline for a voice response. A nil error means
// usable text came back; on failure the participant has already been told.
func (e *Engine) transcribe(ctx context.Context, resp models.Response, st *models.ConversationState) (string, error) {
	if e.pipeline == nil {
		e.send(ctx, resp.From, msgVoiceTryTyping)
		return "", fmt.Errorf("voice pipeline not configured")
	}
	language := st.Scratch.VoiceLanguage
	if language == "" {
		language = "ru"
	}
	reporter := voice.NewReporter(e.msg, resp.From)
	result := e.pipeline.Process(ctx, resp.VoiceFileID, language, reporter)
	if !result.Success {
		e.send(ctx, resp.From, msgVoiceTryTyping)
		return "", fmt.Errorf("voice processing failed: %s", result.ErrorMessage)
	}
	if result.Language != "" && result.Language != st.Scratch.VoiceLanguage {
		st.Scratch.VoiceLanguage = result.Language
	}
	if !result.Meta.QualityOK {
		e.send(ctx, resp.From, msgLowConfidence+"\n\n"+result.Text)
	}
	return result.Text, nil
}

// advance commits a step transition with the optimistic check and emits the
// next prompt.
func (e *Engine) advance(ctx context.Context, to int64, st *models.ConversationState, retro *models.Retro) error {
	prev := st.CurrentStep
	next, ok := models.NextStep(prev)
	if !ok {
		slog.Error("Engine advance no successor", "participantID", to, "step", prev)
		e.send(ctx, to, msgStoreFailure)
		return models.ErrUnknownStep
	}
	st.CurrentStep = next
	st.Touch(e.now(), e.timeout)
	if err := e.store.UpdateConversationState(*st, prev); err != nil {
		slog.Warn("Engine advance state update failed", "error", err, "participantID", to, "from", prev, "to", next)
		e.send(ctx, to, msgConflict)
		return err
	}
	return e.sendPrompt(ctx, to, next, retro)
}

// sendPrompt emits the question for a step, or the review document when the
// step is review. retro may be nil for answer steps.
func (e *Engine) sendPrompt(ctx context.Context, to int64, step models.Step, retro *models.Retro) error {
	if step == models.StepReview {
		if retro == nil {
			st, err := e.store.GetConversationState(to)
			if err != nil || st == nil {
				e.send(ctx, to, msgStoreFailure)
				return fmt.Errorf("failed to load state for review: %w", err)
			}
			if retro, err = e.loadRetro(st); err != nil {
				e.send(ctx, to, msgStoreFailure)
				return err
			}
		}
		e.send(ctx, to, msgReviewIntro)
		_, err := e.msg.SendMessageWithButtons(ctx, to, retro.ToMarkdown(), []messaging.Button{
			{Label: buttonConfirmLabel, Data: messaging.CallbackConfirm},
		})
		return err
	}

	spec, ok := models.SpecFor(step)
	if !ok {
		return models.ErrUnknownStep
	}
	current, total := models.StepProgress(step)
	text := fmt.Sprintf("*Шаг %d/%d*\n\n%s\n\n%s", current, total, spec.Question, spec.Hint)
	if spec.Optional {
		_, err := e.msg.SendMessageWithButtons(ctx, to, text, []messaging.Button{
			{Label: buttonSkipLabel, Data: messaging.CallbackSkip},
		})
		return err
	}
	_, err := e.msg.SendMessage(ctx, to, text)
	return err
}

func (e *Engine) loadRetro(st *models.ConversationState) (*models.Retro, error) {
	if st.RetroID == nil {
		return nil, fmt.Errorf("conversation state has no retro reference")
	}
	retro, err := e.store.GetRetro(*st.RetroID)
	if err != nil {
		return nil, fmt.Errorf("failed to load retro %d: %w", *st.RetroID, err)
	}
	if retro == nil {
		return nil, models.ErrRecordNotFound
	}
	return retro, nil
}

func (e *Engine) send(ctx context.Context, to int64, text string) {
	if _, err := e.msg.SendMessage(ctx, to, text); err != nil {
		slog.Error("Engine send failed", "error", err, "to", to)
	}
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
