package models

import "time"

// Scratch holds cross-step intermediate values for one conversation. The
// set of such values is known and finite, so it is a fixed struct rather
// than an open key->value bag.
type Scratch struct {
	EnergyExplanation string `json:"energy_explanation,omitempty"`
	VoiceLanguage     string `json:"voice_language,omitempty"`
}

// IsZero reports whether no scratch values are set.
func (s Scratch) IsZero() bool {
	return s == Scratch{}
}

// ConversationState tracks one participant's position in the retrospective
// flow. There is at most one live state per participant.
type ConversationState struct {
	ParticipantID int64      `json:"participant_id"`
	CurrentStep   Step       `json:"current_step"`
	RetroID       *int64     `json:"retro_id,omitempty"`
	Scratch       Scratch    `json:"scratch,omitempty"`
	LastMessageID int        `json:"last_message_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the state's inactivity window has elapsed.
// A state without an expiry never expires.
func (c *ConversationState) IsExpired(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Before(*c.ExpiresAt)
}

// IsActive reports whether the conversation is live: neither idle nor
// completed, and not past its expiry.
func (c *ConversationState) IsActive(now time.Time) bool {
	return c.CurrentStep != StepIdle &&
		c.CurrentStep != StepCompleted &&
		!c.IsExpired(now)
}

// Reset returns the conversation to idle, dropping the record reference,
// scratch values and expiry. Accumulated retro data is never rolled back.
func (c *ConversationState) Reset(now time.Time) {
	c.CurrentStep = StepIdle
	c.RetroID = nil
	c.Scratch = Scratch{}
	c.LastMessageID = 0
	c.ExpiresAt = nil
	c.UpdatedAt = now
}

// Touch refreshes the update timestamp and pushes the expiry forward by the
// given timeout.
func (c *ConversationState) Touch(now time.Time, timeout time.Duration) {
	c.UpdatedAt = now
	expires := now.Add(timeout)
	c.ExpiresAt = &expires
}
