package store

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kdinof/voice-retro-bot/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows so scan helpers can serve both.
type rowScanner interface {
	Scan(dest ...any) error
}

// marshalList converts a string slice to a JSON value for a nullable text
// column. Empty slices persist as NULL.
func marshalList(items []string) any {
	if len(items) == 0 {
		return nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		slog.Error("store marshalList failed", "error", err)
		return nil
	}
	return string(b)
}

// unmarshalList converts a nullable JSON text column back to a string slice.
// Malformed payloads yield an empty slice rather than an error.
func unmarshalList(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw.String), &items); err != nil {
		slog.Error("store unmarshalList failed", "error", err, "raw_length", len(raw.String))
		return nil
	}
	return items
}

// marshalScratch converts conversation scratch data to a JSON value for a
// nullable text column.
func marshalScratch(s models.Scratch) any {
	if s.IsZero() {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		slog.Error("store marshalScratch failed", "error", err)
		return nil
	}
	return string(b)
}

func unmarshalScratch(raw sql.NullString) models.Scratch {
	var s models.Scratch
	if !raw.Valid || raw.String == "" {
		return s
	}
	if err := json.Unmarshal([]byte(raw.String), &s); err != nil {
		slog.Error("store unmarshalScratch failed", "error", err)
	}
	return s
}

// scanConversationState scans one conversation_states row.
func scanConversationState(row rowScanner) (*models.ConversationState, error) {
	var st models.ConversationState
	var retroID sql.NullInt64
	var scratch sql.NullString
	var expiresAt sql.NullTime
	err := row.Scan(&st.ParticipantID, &st.CurrentStep, &retroID, &scratch,
		&st.LastMessageID, &st.CreatedAt, &st.UpdatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	if retroID.Valid {
		st.RetroID = &retroID.Int64
	}
	st.Scratch = unmarshalScratch(scratch)
	if expiresAt.Valid {
		t := expiresAt.Time
		st.ExpiresAt = &t
	}
	return &st, nil
}

// scanRetro scans one retros row.
func scanRetro(row rowScanner) (*models.Retro, error) {
	var r models.Retro
	var energy sql.NullInt64
	var wins, learnings, nextActions, mits sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.ParticipantID, &r.Date, &energy, &r.Mood,
		&r.MoodExplanation, &wins, &learnings, &nextActions, &mits,
		&r.Experiment, &completedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if energy.Valid {
		level := int(energy.Int64)
		r.EnergyLevel = &level
	}
	r.Wins = unmarshalList(wins)
	r.Learnings = unmarshalList(learnings)
	r.NextActions = unmarshalList(nextActions)
	r.MITs = unmarshalList(mits)
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

// scanFollowUp scans one follow_ups row.
func scanFollowUp(row rowScanner) (*models.FollowUp, error) {
	var f models.FollowUp
	var nextActions, mits sql.NullString
	err := row.Scan(&f.ID, &f.ParticipantID, &f.Date, &f.RetroID,
		&nextActions, &mits, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.NextActions = unmarshalList(nextActions)
	f.MITs = unmarshalList(mits)
	return &f, nil
}

// nullableEnergy converts an optional energy level for a nullable column.
func nullableEnergy(level *int) any {
	if level == nil {
		return nil
	}
	return *level
}

// nullableTime converts an optional timestamp for a nullable column.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// nullableInt64 converts an optional ID for a nullable column.
func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
