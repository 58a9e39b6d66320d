package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kdinof/voice-retro-bot/internal/flow"
	"github.com/kdinof/voice-retro-bot/internal/messaging"
	"github.com/kdinof/voice-retro-bot/internal/models"
	"github.com/kdinof/voice-retro-bot/internal/scheduler"
	"github.com/kdinof/voice-retro-bot/internal/store"
	"github.com/kdinof/voice-retro-bot/internal/util"
	"github.com/kdinof/voice-retro-bot/internal/voice"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for bot state data
	DefaultStateDir = "/var/lib/voiceretro"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "voiceretro.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping voice-retro-bot with configured modules")
	if err := run(config, flags); err != nil {
		slog.Error("voice-retro-bot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("voice-retro-bot exited successfully")
}

// Config holds environment configuration
type Config struct {
	DbDriver      string
	DatabaseURL   string
	StateDir      string
	TelegramToken string
	OpenAIKey     string
	ReminderTime  string
	TZOffsetHours int
	ConvTimeout   time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDriver      *string
	dbDSN         *string
	telegramToken *string
	openaiKey     *string
	reminderTime  *string
	tzOffsetHours *int
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DbDriver:      os.Getenv("RETRO_DB_DRIVER"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      util.GetEnv("RETRO_STATE_DIR", DefaultStateDir),
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		ReminderTime:  util.GetEnv("REMINDER_TIME", scheduler.DefaultReminderTime),
		TZOffsetHours: util.ParseIntEnv("TZ_OFFSET_HOURS", int(scheduler.DefaultTZOffset.Hours())),
		ConvTimeout:   util.ParseDurationEnv("CONVERSATION_TIMEOUT", models.DefaultConversationTimeout),
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"RETRO_DB_DRIVER", config.DbDriver,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"RETRO_STATE_DIR", config.StateDir,
		"TELEGRAM_BOT_TOKEN_SET", config.TelegramToken != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"REMINDER_TIME", config.ReminderTime,
		"TZ_OFFSET_HOURS", config.TZOffsetHours,
		"CONVERSATION_TIMEOUT", config.ConvTimeout)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for bot data (overrides $RETRO_STATE_DIR)"),
		dbDriver:      flag.String("db-driver", config.DbDriver, "database driver: sqlite3 or postgres (overrides $RETRO_DB_DRIVER)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		telegramToken: flag.String("telegram-token", config.TelegramToken, "Telegram bot token (overrides $TELEGRAM_BOT_TOKEN)"),
		openaiKey:     flag.String("openai-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		reminderTime:  flag.String("reminder-time", config.ReminderTime, "daily reminder time HH:MM (overrides $REMINDER_TIME)"),
		tzOffsetHours: flag.Int("tz-offset-hours", config.TZOffsetHours, "participant timezone offset from UTC in hours (overrides $TZ_OFFSET_HOURS)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDriver", *flags.dbDriver,
		"dbDSN_set", *flags.dbDSN != "",
		"telegramTokenSet", *flags.telegramToken != "",
		"openaiKeySet", *flags.openaiKey != "",
		"reminderTime", *flags.reminderTime,
		"tzOffsetHours", *flags.tzOffsetHours)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// openStore selects the database backend from the driver flag, falling back
// to DSN auto-detection.
func openStore(flags Flags) (store.Store, error) {
	driver := *flags.dbDriver
	if driver == "" {
		driver = store.DetectDSNType(*flags.dbDSN)
	}
	if driver == "postgres" {
		slog.Debug("Configuring PostgreSQL store", "dsn_set", *flags.dbDSN != "")
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// run wires the modules together and blocks until shutdown.
func run(config Config, flags Flags) error {
	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	telegram, err := messaging.NewTelegramService(messaging.WithToken(*flags.telegramToken))
	if err != nil {
		return err
	}

	tzOffset := time.Duration(*flags.tzOffsetHours) * time.Hour

	pipeline, err := voice.NewPipeline(
		voice.WithAudioSource(telegram),
		voice.WithTranscoder(voice.NewFFmpegTranscoder()),
		voice.WithTranscriber(voice.NewOpenAITranscriber(*flags.openaiKey)),
		voice.WithTempDir(filepath.Join(*flags.stateDir, "tmp")),
	)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(*flags.stateDir, "tmp"), 0755); err != nil {
		return err
	}

	engine, err := flow.NewEngine(
		flow.WithStore(st),
		flow.WithMessaging(telegram),
		flow.WithPipeline(pipeline),
		flow.WithTimeout(config.ConvTimeout),
		flow.WithTZOffset(tzOffset),
	)
	if err != nil {
		return err
	}

	reminders, err := scheduler.New(
		scheduler.WithStore(st),
		scheduler.WithMessaging(telegram),
		scheduler.WithReminderTime(*flags.reminderTime),
		scheduler.WithTZOffset(tzOffset),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := telegram.Start(ctx); err != nil {
		return err
	}
	if err := reminders.Start(ctx); err != nil {
		return err
	}

	handler := messaging.NewResponseHandler(engine)
	go handler.Run(ctx, telegram.Responses())

	slog.Info("voice-retro-bot running", "reminder_time", *flags.reminderTime, "tz_offset_hours", *flags.tzOffsetHours)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("Shutdown signal received, stopping modules")

	cancel()
	reminders.Stop()
	if err := telegram.Stop(); err != nil {
		slog.Error("Telegram service stop failed", "error", err)
	}
	return nil
}
