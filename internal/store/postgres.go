// Package store provides storage backends for the voice retro bot.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/kdinof/voice-retro-bot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveParticipant(p models.Participant) error {
	_, err := s.db.Exec(`INSERT INTO participants (id, first_name, username, language, created_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET first_name = EXCLUDED.first_name,
			username = EXCLUDED.username, language = EXCLUDED.language,
			last_seen = EXCLUDED.last_seen`,
		p.ID, p.FirstName, p.Username, p.Language, p.CreatedAt, p.LastSeen)
	if err != nil {
		slog.Error("PostgresStore SaveParticipant failed", "error", err, "participantID", p.ID)
		return fmt.Errorf("failed to save participant %d: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetParticipant(id int64) (*models.Participant, error) {
	var p models.Participant
	err := s.db.QueryRow(`SELECT id, first_name, username, language, created_at, last_seen
		FROM participants WHERE id = $1`, id).
		Scan(&p.ID, &p.FirstName, &p.Username, &p.Language, &p.CreatedAt, &p.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetParticipant failed", "error", err, "participantID", id)
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListParticipants() ([]models.Participant, error) {
	rows, err := s.db.Query(`SELECT id, first_name, username, language, created_at, last_seen
		FROM participants ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore ListParticipants query failed", "error", err)
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.FirstName, &p.Username, &p.Language, &p.CreatedAt, &p.LastSeen); err != nil {
			slog.Error("PostgresStore ListParticipants scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (s *PostgresStore) GetConversationState(participantID int64) (*models.ConversationState, error) {
	row := s.db.QueryRow(`SELECT participant_id, current_step, retro_id, scratch, last_message_id, created_at, updated_at, expires_at
		FROM conversation_states WHERE participant_id = $1`, participantID)
	st, err := scanConversationState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversationState failed", "error", err, "participantID", participantID)
		return nil, err
	}
	return st, nil
}

func (s *PostgresStore) SaveConversationState(st models.ConversationState) error {
	_, err := s.db.Exec(`INSERT INTO conversation_states
		(participant_id, current_step, retro_id, scratch, last_message_id, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (participant_id) DO UPDATE SET current_step = EXCLUDED.current_step,
			retro_id = EXCLUDED.retro_id, scratch = EXCLUDED.scratch,
			last_message_id = EXCLUDED.last_message_id, updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`,
		st.ParticipantID, st.CurrentStep, nullableInt64(st.RetroID), marshalScratch(st.Scratch),
		st.LastMessageID, st.CreatedAt, st.UpdatedAt, nullableTime(st.ExpiresAt))
	if err != nil {
		slog.Error("PostgresStore SaveConversationState failed", "error", err, "participantID", st.ParticipantID)
		return fmt.Errorf("failed to save conversation state for %d: %w", st.ParticipantID, err)
	}
	return nil
}

// UpdateConversationState commits only when the stored step still equals
// expectedStep, so concurrent interactions cannot both advance it.
func (s *PostgresStore) UpdateConversationState(st models.ConversationState, expectedStep models.Step) error {
	res, err := s.db.Exec(`UPDATE conversation_states
		SET current_step = $1, retro_id = $2, scratch = $3, last_message_id = $4, updated_at = $5, expires_at = $6
		WHERE participant_id = $7 AND current_step = $8`,
		st.CurrentStep, nullableInt64(st.RetroID), marshalScratch(st.Scratch),
		st.LastMessageID, st.UpdatedAt, nullableTime(st.ExpiresAt),
		st.ParticipantID, expectedStep)
	if err != nil {
		slog.Error("PostgresStore UpdateConversationState failed", "error", err, "participantID", st.ParticipantID)
		return fmt.Errorf("failed to update conversation state for %d: %w", st.ParticipantID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		slog.Warn("PostgresStore UpdateConversationState conflict", "participantID", st.ParticipantID, "expected", expectedStep)
		return models.ErrStateConflict
	}
	return nil
}

func (s *PostgresStore) DeleteConversationState(participantID int64) error {
	_, err := s.db.Exec(`DELETE FROM conversation_states WHERE participant_id = $1`, participantID)
	if err != nil {
		slog.Error("PostgresStore DeleteConversationState failed", "error", err, "participantID", participantID)
		return err
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredConversationStates(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM conversation_states WHERE expires_at IS NOT NULL AND expires_at < $1`, before)
	if err != nil {
		slog.Error("PostgresStore DeleteExpiredConversationStates failed", "error", err)
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) GetRetro(id int64) (*models.Retro, error) {
	row := s.db.QueryRow(`SELECT id, participant_id, date, energy_level, mood, mood_explanation,
		wins, learnings, next_actions, mits, experiment, completed_at, created_at, updated_at
		FROM retros WHERE id = $1`, id)
	r, err := scanRetro(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetRetro failed", "error", err, "retroID", id)
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) GetRetroByDate(participantID int64, date string) (*models.Retro, error) {
	row := s.db.QueryRow(`SELECT id, participant_id, date, energy_level, mood, mood_explanation,
		wins, learnings, next_actions, mits, experiment, completed_at, created_at, updated_at
		FROM retros WHERE participant_id = $1 AND date = $2`, participantID, date)
	r, err := scanRetro(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetRetroByDate failed", "error", err, "participantID", participantID, "date", date)
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) SaveRetro(r *models.Retro) error {
	if r.ID == 0 {
		err := s.db.QueryRow(`INSERT INTO retros (participant_id, date, energy_level, mood, mood_explanation,
			wins, learnings, next_actions, mits, experiment, completed_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING id`,
			r.ParticipantID, r.Date, nullableEnergy(r.EnergyLevel), r.Mood, r.MoodExplanation,
			marshalList(r.Wins), marshalList(r.Learnings), marshalList(r.NextActions), marshalList(r.MITs),
			r.Experiment, nullableTime(r.CompletedAt), r.CreatedAt, r.UpdatedAt).Scan(&r.ID)
		if err != nil {
			slog.Error("PostgresStore SaveRetro insert failed", "error", err, "participantID", r.ParticipantID)
			return fmt.Errorf("failed to insert retro for %d: %w", r.ParticipantID, err)
		}
		return nil
	}

	_, err := s.db.Exec(`UPDATE retros SET energy_level = $1, mood = $2, mood_explanation = $3,
		wins = $4, learnings = $5, next_actions = $6, mits = $7, experiment = $8, completed_at = $9, updated_at = $10
		WHERE id = $11`,
		nullableEnergy(r.EnergyLevel), r.Mood, r.MoodExplanation,
		marshalList(r.Wins), marshalList(r.Learnings), marshalList(r.NextActions), marshalList(r.MITs),
		r.Experiment, nullableTime(r.CompletedAt), r.UpdatedAt, r.ID)
	if err != nil {
		slog.Error("PostgresStore SaveRetro update failed", "error", err, "retroID", r.ID)
		return fmt.Errorf("failed to update retro %d: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertFollowUp(f *models.FollowUp) error {
	_, err := s.db.Exec(`INSERT INTO follow_ups (participant_id, date, retro_id, next_actions, mits, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (participant_id, date) DO UPDATE SET retro_id = EXCLUDED.retro_id,
			next_actions = EXCLUDED.next_actions, mits = EXCLUDED.mits, updated_at = EXCLUDED.updated_at`,
		f.ParticipantID, f.Date, f.RetroID, marshalList(f.NextActions), marshalList(f.MITs),
		f.CreatedAt, f.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore UpsertFollowUp failed", "error", err, "participantID", f.ParticipantID, "date", f.Date)
		return fmt.Errorf("failed to upsert follow-up for %d: %w", f.ParticipantID, err)
	}
	return nil
}

func (s *PostgresStore) GetFollowUpByDate(participantID int64, date string) (*models.FollowUp, error) {
	row := s.db.QueryRow(`SELECT id, participant_id, date, retro_id, next_actions, mits, created_at, updated_at
		FROM follow_ups WHERE participant_id = $1 AND date = $2`, participantID, date)
	f, err := scanFollowUp(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFollowUpByDate failed", "error", err, "participantID", participantID, "date", date)
		return nil, err
	}
	return f, nil
}

func (s *PostgresStore) ListFollowUpParticipants(date string) ([]int64, error) {
	rows, err := s.db.Query(`SELECT participant_id FROM follow_ups WHERE date = $1 ORDER BY participant_id`, date)
	if err != nil {
		slog.Error("PostgresStore ListFollowUpParticipants query failed", "error", err, "date", date)
		return nil, fmt.Errorf("failed to query follow-up participants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			slog.Error("PostgresStore ListFollowUpParticipants scan failed", "error", err)
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) DeleteFollowUpsBefore(date string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM follow_ups WHERE date < $1`, date)
	if err != nil {
		slog.Error("PostgresStore DeleteFollowUpsBefore failed", "error", err, "date", date)
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
