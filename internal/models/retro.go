package models

import (
	"fmt"
	"strings"
	"time"
)

// DateFormat is the canonical layout for retro and follow-up dates.
const DateFormat = "2006-01-02"

// Retro accumulates one participant's answers for one calendar day. Fields
// are filled step by step as the conversation advances; the record is never
// rolled back once a field is written.
type Retro struct {
	ID              int64      `json:"id"`
	ParticipantID   int64      `json:"participant_id"`
	Date            string     `json:"date"` // YYYY-MM-DD, participant-local
	EnergyLevel     *int       `json:"energy_level,omitempty"` // 1-5
	Mood            string     `json:"mood,omitempty"`
	MoodExplanation string     `json:"mood_explanation,omitempty"`
	Wins            []string   `json:"wins,omitempty"`
	Learnings       []string   `json:"learnings,omitempty"`
	NextActions     []string   `json:"next_actions,omitempty"`
	MITs            []string   `json:"mits,omitempty"`
	Experiment      string     `json:"experiment,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsCompleted reports whether the retro was confirmed at review.
func (r *Retro) IsCompleted() bool {
	return r.CompletedAt != nil
}

// CompletionPercent reports how many of the six core fields are filled.
// The optional experiment is not counted.
func (r *Retro) CompletionPercent() float64 {
	total := 6
	filled := 0
	if r.EnergyLevel != nil {
		filled++
	}
	if r.Mood != "" {
		filled++
	}
	if len(r.Wins) > 0 {
		filled++
	}
	if len(r.Learnings) > 0 {
		filled++
	}
	if len(r.NextActions) > 0 {
		filled++
	}
	if len(r.MITs) > 0 {
		filled++
	}
	return float64(filled) / float64(total) * 100
}

// ToMarkdown renders the retro as a human-readable document for the review
// step and the completion message.
func (r *Retro) ToMarkdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Daily Retro — %s\n\n", r.Date)

	if r.EnergyLevel != nil {
		fmt.Fprintf(&b, "**Energy Level:** %d/5\n", *r.EnergyLevel)
	}
	if r.Mood != "" {
		if r.MoodExplanation != "" {
			fmt.Fprintf(&b, "**Mood:** %s — %s\n", r.Mood, r.MoodExplanation)
		} else {
			fmt.Fprintf(&b, "**Mood:** %s\n", r.Mood)
		}
	}
	b.WriteString("\n")

	sections := []struct {
		title string
		items []string
	}{
		{"🏆 Wins", r.Wins},
		{"📚 Learnings", r.Learnings},
		{"🎯 Next Actions", r.NextActions},
		{"⭐ Tomorrow's MITs", r.MITs},
	}
	for _, s := range sections {
		if len(s.items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n", s.title)
		for _, item := range s.items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteString("\n")
	}

	if r.Experiment != "" {
		fmt.Fprintf(&b, "## 🧪 Experiment\n%s\n\n", r.Experiment)
	}
	if r.CompletedAt != nil {
		fmt.Fprintf(&b, "*Completed at %s*\n", r.CompletedAt.Format("2006-01-02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// FollowUp is the derived action-item list for the day after a retro. It is
// read by the scheduler for the morning reminder broadcast and superseded by
// the next day's record.
type FollowUp struct {
	ID            int64     `json:"id"`
	ParticipantID int64     `json:"participant_id"`
	Date          string    `json:"date"` // YYYY-MM-DD the items are planned for
	RetroID       int64     `json:"retro_id,omitempty"`
	NextActions   []string  `json:"next_actions,omitempty"`
	MITs          []string  `json:"mits,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasItems reports whether the follow-up carries anything worth reminding.
func (f *FollowUp) HasItems() bool {
	return len(f.NextActions) > 0 || len(f.MITs) > 0
}

// ToMessage renders the reminder message sent by the scheduler.
func (f *FollowUp) ToMessage() string {
	var b strings.Builder
	if d, err := time.Parse(DateFormat, f.Date); err == nil {
		fmt.Fprintf(&b, "📝 *Дела на %s*\n\n", d.Format("02.01.2006"))
	} else {
		fmt.Fprintf(&b, "📝 *Дела на %s*\n\n", f.Date)
	}

	if len(f.NextActions) > 0 {
		b.WriteString("🎯 *Запланированные дела:*\n")
		for i, a := range f.NextActions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, a)
		}
		b.WriteString("\n")
	}
	if len(f.MITs) > 0 {
		b.WriteString("⭐ *Главные задачи дня:*\n")
		for i, m := range f.MITs {
			fmt.Fprintf(&b, "%d. %s\n", i+1, m)
		}
		b.WriteString("\n")
	}

	if !f.HasItems() {
		b.WriteString("😌 На сегодня дел не запланировано")
	} else {
		b.WriteString("💪 Удачного дня!")
	}
	return b.String()
}

// DeriveFollowUp builds the next-day follow-up from a completed retro's
// planned-actions sections.
func DeriveFollowUp(r *Retro, now time.Time) *FollowUp {
	date := r.Date
	if d, err := time.Parse(DateFormat, r.Date); err == nil {
		date = d.AddDate(0, 0, 1).Format(DateFormat)
	}
	return &FollowUp{
		ParticipantID: r.ParticipantID,
		Date:          date,
		RetroID:       r.ID,
		NextActions:   append([]string(nil), r.NextActions...),
		MITs:          append([]string(nil), r.MITs...),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
