// Package store provides storage backends for the voice retro bot.
//
// This file implements the SQLite-backed store, the default for
// single-instance deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/kdinof/voice-retro-bot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveParticipant(p models.Participant) error {
	_, err := s.db.Exec(`INSERT INTO participants (id, first_name, username, language, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET first_name = excluded.first_name,
			username = excluded.username, language = excluded.language,
			last_seen = excluded.last_seen`,
		p.ID, p.FirstName, p.Username, p.Language, p.CreatedAt, p.LastSeen)
	if err != nil {
		slog.Error("SQLiteStore SaveParticipant failed", "error", err, "participantID", p.ID)
		return fmt.Errorf("failed to save participant %d: %w", p.ID, err)
	}
	slog.Debug("SQLiteStore SaveParticipant succeeded", "participantID", p.ID)
	return nil
}

func (s *SQLiteStore) GetParticipant(id int64) (*models.Participant, error) {
	var p models.Participant
	err := s.db.QueryRow(`SELECT id, first_name, username, language, created_at, last_seen
		FROM participants WHERE id = ?`, id).
		Scan(&p.ID, &p.FirstName, &p.Username, &p.Language, &p.CreatedAt, &p.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetParticipant failed", "error", err, "participantID", id)
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) ListParticipants() ([]models.Participant, error) {
	rows, err := s.db.Query(`SELECT id, first_name, username, language, created_at, last_seen
		FROM participants ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore ListParticipants query failed", "error", err)
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.FirstName, &p.Username, &p.Language, &p.CreatedAt, &p.LastSeen); err != nil {
			slog.Error("SQLiteStore ListParticipants scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (s *SQLiteStore) GetConversationState(participantID int64) (*models.ConversationState, error) {
	row := s.db.QueryRow(`SELECT participant_id, current_step, retro_id, scratch, last_message_id, created_at, updated_at, expires_at
		FROM conversation_states WHERE participant_id = ?`, participantID)
	st, err := scanConversationState(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetConversationState not found", "participantID", participantID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversationState failed", "error", err, "participantID", participantID)
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) SaveConversationState(st models.ConversationState) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO conversation_states
		(participant_id, current_step, retro_id, scratch, last_message_id, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ParticipantID, st.CurrentStep, nullableInt64(st.RetroID), marshalScratch(st.Scratch),
		st.LastMessageID, st.CreatedAt, st.UpdatedAt, nullableTime(st.ExpiresAt))
	if err != nil {
		slog.Error("SQLiteStore SaveConversationState failed", "error", err, "participantID", st.ParticipantID)
		return fmt.Errorf("failed to save conversation state for %d: %w", st.ParticipantID, err)
	}
	slog.Debug("SQLiteStore SaveConversationState succeeded", "participantID", st.ParticipantID, "step", st.CurrentStep)
	return nil
}

// UpdateConversationState commits only when the stored step still equals
// expectedStep, so concurrent interactions cannot both advance it.
func (s *SQLiteStore) UpdateConversationState(st models.ConversationState, expectedStep models.Step) error {
	res, err := s.db.Exec(`UPDATE conversation_states
		SET current_step = ?, retro_id = ?, scratch = ?, last_message_id = ?, updated_at = ?, expires_at = ?
		WHERE participant_id = ? AND current_step = ?`,
		st.CurrentStep, nullableInt64(st.RetroID), marshalScratch(st.Scratch),
		st.LastMessageID, st.UpdatedAt, nullableTime(st.ExpiresAt),
		st.ParticipantID, expectedStep)
	if err != nil {
		slog.Error("SQLiteStore UpdateConversationState failed", "error", err, "participantID", st.ParticipantID)
		return fmt.Errorf("failed to update conversation state for %d: %w", st.ParticipantID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		slog.Warn("SQLiteStore UpdateConversationState conflict", "participantID", st.ParticipantID, "expected", expectedStep)
		return models.ErrStateConflict
	}
	slog.Debug("SQLiteStore UpdateConversationState succeeded", "participantID", st.ParticipantID, "step", st.CurrentStep)
	return nil
}

func (s *SQLiteStore) DeleteConversationState(participantID int64) error {
	_, err := s.db.Exec(`DELETE FROM conversation_states WHERE participant_id = ?`, participantID)
	if err != nil {
		slog.Error("SQLiteStore DeleteConversationState failed", "error", err, "participantID", participantID)
		return err
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredConversationStates(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM conversation_states WHERE expires_at IS NOT NULL AND expires_at < ?`, before)
	if err != nil {
		slog.Error("SQLiteStore DeleteExpiredConversationStates failed", "error", err)
		return 0, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	slog.Debug("SQLiteStore DeleteExpiredConversationStates succeeded", "count", count)
	return count, nil
}

func (s *SQLiteStore) GetRetro(id int64) (*models.Retro, error) {
	row := s.db.QueryRow(`SELECT id, participant_id, date, energy_level, mood, mood_explanation,
		wins, learnings, next_actions, mits, experiment, completed_at, created_at, updated_at
		FROM retros WHERE id = ?`, id)
	r, err := scanRetro(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetRetro failed", "error", err, "retroID", id)
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) GetRetroByDate(participantID int64, date string) (*models.Retro, error) {
	row := s.db.QueryRow(`SELECT id, participant_id, date, energy_level, mood, mood_explanation,
		wins, learnings, next_actions, mits, experiment, completed_at, created_at, updated_at
		FROM retros WHERE participant_id = ? AND date = ?`, participantID, date)
	r, err := scanRetro(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetRetroByDate failed", "error", err, "participantID", participantID, "date", date)
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) SaveRetro(r *models.Retro) error {
	if r.ID == 0 {
		res, err := s.db.Exec(`INSERT INTO retros (participant_id, date, energy_level, mood, mood_explanation,
			wins, learnings, next_actions, mits, experiment, completed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ParticipantID, r.Date, nullableEnergy(r.EnergyLevel), r.Mood, r.MoodExplanation,
			marshalList(r.Wins), marshalList(r.Learnings), marshalList(r.NextActions), marshalList(r.MITs),
			r.Experiment, nullableTime(r.CompletedAt), r.CreatedAt, r.UpdatedAt)
		if err != nil {
			slog.Error("SQLiteStore SaveRetro insert failed", "error", err, "participantID", r.ParticipantID)
			return fmt.Errorf("failed to insert retro for %d: %w", r.ParticipantID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		r.ID = id
		slog.Debug("SQLiteStore SaveRetro inserted", "retroID", r.ID, "participantID", r.ParticipantID)
		return nil
	}

	_, err := s.db.Exec(`UPDATE retros SET energy_level = ?, mood = ?, mood_explanation = ?,
		wins = ?, learnings = ?, next_actions = ?, mits = ?, experiment = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		nullableEnergy(r.EnergyLevel), r.Mood, r.MoodExplanation,
		marshalList(r.Wins), marshalList(r.Learnings), marshalList(r.NextActions), marshalList(r.MITs),
		r.Experiment, nullableTime(r.CompletedAt), r.UpdatedAt, r.ID)
	if err != nil {
		slog.Error("SQLiteStore SaveRetro update failed", "error", err, "retroID", r.ID)
		return fmt.Errorf("failed to update retro %d: %w", r.ID, err)
	}
	slog.Debug("SQLiteStore SaveRetro updated", "retroID", r.ID)
	return nil
}

func (s *SQLiteStore) UpsertFollowUp(f *models.FollowUp) error {
	_, err := s.db.Exec(`INSERT INTO follow_ups (participant_id, date, retro_id, next_actions, mits, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (participant_id, date) DO UPDATE SET retro_id = excluded.retro_id,
			next_actions = excluded.next_actions, mits = excluded.mits, updated_at = excluded.updated_at`,
		f.ParticipantID, f.Date, f.RetroID, marshalList(f.NextActions), marshalList(f.MITs),
		f.CreatedAt, f.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore UpsertFollowUp failed", "error", err, "participantID", f.ParticipantID, "date", f.Date)
		return fmt.Errorf("failed to upsert follow-up for %d: %w", f.ParticipantID, err)
	}
	slog.Debug("SQLiteStore UpsertFollowUp succeeded", "participantID", f.ParticipantID, "date", f.Date)
	return nil
}

func (s *SQLiteStore) GetFollowUpByDate(participantID int64, date string) (*models.FollowUp, error) {
	row := s.db.QueryRow(`SELECT id, participant_id, date, retro_id, next_actions, mits, created_at, updated_at
		FROM follow_ups WHERE participant_id = ? AND date = ?`, participantID, date)
	f, err := scanFollowUp(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFollowUpByDate failed", "error", err, "participantID", participantID, "date", date)
		return nil, err
	}
	return f, nil
}

func (s *SQLiteStore) ListFollowUpParticipants(date string) ([]int64, error) {
	rows, err := s.db.Query(`SELECT participant_id FROM follow_ups WHERE date = ? ORDER BY participant_id`, date)
	if err != nil {
		slog.Error("SQLiteStore ListFollowUpParticipants query failed", "error", err, "date", date)
		return nil, fmt.Errorf("failed to query follow-up participants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			slog.Error("SQLiteStore ListFollowUpParticipants scan failed", "error", err)
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) DeleteFollowUpsBefore(date string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM follow_ups WHERE date < ?`, date)
	if err != nil {
		slog.Error("SQLiteStore DeleteFollowUpsBefore failed", "error", err, "date", date)
		return 0, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	slog.Debug("SQLiteStore DeleteFollowUpsBefore succeeded", "count", count, "before", date)
	return count, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
