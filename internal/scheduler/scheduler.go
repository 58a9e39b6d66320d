// Package scheduler delivers the morning follow-up reminders and runs
// periodic retention cleanup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kdinof/voice-retro-bot/internal/messaging"
	"github.com/kdinof/voice-retro-bot/internal/models"
	"github.com/kdinof/voice-retro-bot/internal/store"
)

// Scheduler defaults.
const (
	// DefaultReminderTime is the local wall-clock time reminders go out.
	DefaultReminderTime = "08:00"
	// DefaultTZOffset converts UTC to the participants' local time.
	DefaultTZOffset = 3 * time.Hour
	// DefaultPollInterval is how often the loop checks the clock.
	DefaultPollInterval = 60 * time.Second
	// DefaultPerUserDelay spaces out sends within one broadcast.
	DefaultPerUserDelay = 500 * time.Millisecond
	// DefaultRetention is how long follow-ups are kept.
	DefaultRetention = 30 * 24 * time.Hour
	// reminderTolerance is how far from the target minute a poll tick may
	// land and still trigger the broadcast.
	reminderTolerance = time.Minute
	// panicRestartDelay is the pause before the loop restarts after a panic.
	panicRestartDelay = 30 * time.Second
	// cleanupSpec runs retention cleanup daily at 03:00.
	cleanupSpec = "0 3 * * *"
)

// Scheduler broadcasts follow-up reminders at a fixed local time each day.
type Scheduler struct {
	store        store.Store
	msg          messaging.Service
	reminderTime string
	tzOffset     time.Duration
	pollInterval time.Duration
	perUserDelay time.Duration
	retention    time.Duration
	now          func() time.Time

	targetMinute int // minute-of-day the reminder fires

	mu          sync.Mutex
	broadcastOn bool
	notified    map[int64]struct{}

	cancel context.CancelFunc
	done   chan struct{}
	cron   *cron.Cron
}

// Opts holds configuration for New.
type Opts struct {
	Store        store.Store
	Msg          messaging.Service
	ReminderTime string
	TZOffset     time.Duration
	PollInterval time.Duration
	PerUserDelay time.Duration
	Retention    time.Duration
	Now          func() time.Time
}

// Option configures New.
type Option func(*Opts)

// WithStore sets the persistence backend.
func WithStore(s store.Store) Option {
	return func(o *Opts) { o.Store = s }
}

// WithMessaging sets the outbound message service.
func WithMessaging(m messaging.Service) Option {
	return func(o *Opts) { o.Msg = m }
}

// WithReminderTime sets the HH:MM local reminder time.
func WithReminderTime(t string) Option {
	return func(o *Opts) { o.ReminderTime = t }
}

// WithTZOffset sets the UTC-to-local offset.
func WithTZOffset(d time.Duration) Option {
	return func(o *Opts) { o.TZOffset = d }
}

// WithPollInterval overrides the clock-check cadence.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithPerUserDelay overrides the pause between sends in one broadcast.
func WithPerUserDelay(d time.Duration) Option {
	return func(o *Opts) { o.PerUserDelay = d }
}

// WithRetention overrides how long follow-ups are kept.
func WithRetention(d time.Duration) Option {
	return func(o *Opts) { o.Retention = d }
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// New creates a reminder scheduler.
func New(opts ...Option) (*Scheduler, error) {
	cfg := Opts{
		ReminderTime: DefaultReminderTime,
		TZOffset:     DefaultTZOffset,
		PollInterval: DefaultPollInterval,
		PerUserDelay: DefaultPerUserDelay,
		Retention:    DefaultRetention,
		Now:          time.Now,
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
	minute, err := parseReminderTime(cfg.ReminderTime)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:        cfg.Store,
		msg:          cfg.Msg,
		reminderTime: cfg.ReminderTime,
		tzOffset:     cfg.TZOffset,
		pollInterval: cfg.PollInterval,
		perUserDelay: cfg.PerUserDelay,
		retention:    cfg.Retention,
		now:          cfg.Now,
		targetMinute: minute,
		notified:     make(map[int64]struct{}),
		done:         make(chan struct{}),
	}, nil
}

// parseReminderTime converts "HH:MM" into a minute-of-day.
func parseReminderTime(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid reminder time %q, expected HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid reminder hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid reminder minute in %q", s)
	}
	return hour*60 + minute, nil
}

// Start launches the poll loop and the cleanup cron. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(cleanupSpec, s.cleanup); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	s.cron.Start()

	go s.run(loopCtx)
	slog.Info("Scheduler started", "reminderTime", s.reminderTime, "pollInterval", s.pollInterval)
	return nil
}

// Stop terminates the poll loop and the cleanup cron.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	slog.Info("Scheduler stopped")
}

// run polls the clock until the context ends. A panic in the loop body is
// logged and the loop restarts after a backoff.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	for ctx.Err() == nil {
		s.runOnce(ctx)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scheduler loop panicked, restarting", "panic", r)
			select {
			case <-ctx.Done():
			case <-time.After(panicRestartDelay):
			}
		}
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// inWindow reports whether a local time is within tolerance of the reminder
// target.
func (s *Scheduler) inWindow(local time.Time) bool {
	minuteOfDay := local.Hour()*60 + local.Minute()
	diff := minuteOfDay - s.targetMinute
	if diff < 0 {
		diff = -diff
	}
	// The tolerance wraps midnight: 23:59 is one minute from a 00:00 target.
	if wrapped := 24*60 - diff; wrapped < diff {
		diff = wrapped
	}
	return diff <= int(reminderTolerance.Minutes())
}

// tick checks whether the local time is within tolerance of the reminder
// target and, if so, launches a broadcast unless one is already running.
func (s *Scheduler) tick(ctx context.Context) {
	local := s.now().UTC().Add(s.tzOffset)
	if !s.inWindow(local) {
		s.mu.Lock()
		// Outside the window; clear the dedupe set for the next run.
		if len(s.notified) > 0 && !s.broadcastOn {
			s.notified = make(map[int64]struct{})
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.broadcastOn {
		s.mu.Unlock()
		return
	}
	s.broadcastOn = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.broadcastOn = false
			s.mu.Unlock()
		}()
		s.broadcast(ctx, local.Format(models.DateFormat))
	}()
}

// broadcast sends today's follow-up reminder to every participant holding
// one, skipping participants already notified in this run. Failures are
// logged per participant and do not stop the run.
func (s *Scheduler) broadcast(ctx context.Context, date string) {
	ids, err := s.store.ListFollowUpParticipants(date)
	if err != nil {
		slog.Error("Scheduler broadcast listing failed", "error", err, "date", date)
		return
	}

	sent, failed, skipped := 0, 0, 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		_, already := s.notified[id]
		if !already {
			s.notified[id] = struct{}{}
		}
		s.mu.Unlock()
		if already {
			skipped++
			continue
		}

		if err := s.remind(ctx, id, date); err != nil {
			slog.Error("Scheduler reminder failed", "error", err, "participantID", id, "date", date)
			failed++
		} else {
			sent++
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.perUserDelay):
		}
	}
	slog.Info("Scheduler broadcast finished", "date", date, "sent", sent, "failed", failed, "skipped", skipped)
}

func (s *Scheduler) remind(ctx context.Context, participantID int64, date string) error {
	f, err := s.store.GetFollowUpByDate(participantID, date)
	if err != nil {
		return fmt.Errorf("failed to load follow-up: %w", err)
	}
	if f == nil || !f.HasItems() {
		return nil
	}
	if _, err := s.msg.SendMessage(ctx, participantID, f.ToMessage()); err != nil {
		return fmt.Errorf("failed to send reminder: %w", err)
	}
	return nil
}

// cleanup removes follow-ups past the retention window and expired
// conversation states.
func (s *Scheduler) cleanup() {
	now := s.now()
	cutoff := now.UTC().Add(s.tzOffset).Add(-s.retention).Format(models.DateFormat)

	removed, err := s.store.DeleteFollowUpsBefore(cutoff)
	if err != nil {
		slog.Error("Scheduler cleanup follow-ups failed", "error", err)
	} else {
		slog.Info("Scheduler cleanup removed old follow-ups", "count", removed, "cutoff", cutoff)
	}

	expired, err := s.store.DeleteExpiredConversationStates(now)
	if err != nil {
		slog.Error("Scheduler cleanup states failed", "error", err)
	} else {
		slog.Info("Scheduler cleanup removed expired states", "count", expired)
	}
}
