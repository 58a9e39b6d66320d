// Package store provides storage backends for the voice retro bot.
//
// It includes an in-memory store for tests and local development, plus
// SQLite and PostgreSQL backed stores with embedded migrations.
package store

import (
	"strings"
	"time"

	"github.com/kdinof/voice-retro-bot/internal/models"
)

// DetectDSNType classifies a connection string as "postgres" or "sqlite3".
// Anything that is not a PostgreSQL URL or key=value connection string is
// treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Store is the persistence contract shared by all backends.
//
// Conversation-state writes come in two flavors: SaveConversationState is an
// unconditional upsert used when a conversation is created or reset, while
// UpdateConversationState commits only if the stored row's step still equals
// expectedStep. Two near-simultaneous interactions for the same participant
// therefore cannot both advance the step; the loser observes
// models.ErrStateConflict.
type Store interface {
	// Participants.
	SaveParticipant(p models.Participant) error
	GetParticipant(id int64) (*models.Participant, error)
	ListParticipants() ([]models.Participant, error)

	// Conversation state, one row per participant. Get returns nil without
	// error when no state exists.
	GetConversationState(participantID int64) (*models.ConversationState, error)
	SaveConversationState(st models.ConversationState) error
	UpdateConversationState(st models.ConversationState, expectedStep models.Step) error
	DeleteConversationState(participantID int64) error
	// DeleteExpiredConversationStates removes states whose expiry passed
	// before the given instant and returns the number removed.
	DeleteExpiredConversationStates(before time.Time) (int64, error)

	// Daily retro records, keyed by (participant, date).
	GetRetro(id int64) (*models.Retro, error)
	GetRetroByDate(participantID int64, date string) (*models.Retro, error)
	// SaveRetro inserts when r.ID is zero (assigning the new ID) and
	// updates otherwise.
	SaveRetro(r *models.Retro) error

	// Derived follow-up records, keyed by (participant, date).
	UpsertFollowUp(f *models.FollowUp) error
	GetFollowUpByDate(participantID int64, date string) (*models.FollowUp, error)
	// ListFollowUpParticipants returns the IDs of participants holding a
	// follow-up for the given date.
	ListFollowUpParticipants(date string) ([]int64, error)
	// DeleteFollowUpsBefore removes follow-ups dated strictly before the
	// given date and returns the number removed.
	DeleteFollowUpsBefore(date string) (int64, error)

	Close() error
}

// Opts holds configuration for store constructors.
type Opts struct {
	// DSN is the database connection string: a file path for SQLite, a
	// connection URL for PostgreSQL.
	DSN string
}

// Option configures store constructors.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}
