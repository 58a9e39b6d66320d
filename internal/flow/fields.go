package flow

import (
	"strings"
	"unicode"

	"github.com/kdinof/voice-retro-bot/internal/models"
)

// parseEnergy extracts a 1-5 energy level from the leading portion of an
// answer. Text after the digit becomes the explanation. ok is false when no
// valid digit leads the answer.
func parseEnergy(text string) (level int, explanation string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, "", false
	}
	r := rune(trimmed[0])
	if r < '1' || r > '5' {
		return 0, "", false
	}
	level = int(r - '0')
	rest := strings.TrimLeftFunc(trimmed[1:], func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == ',' || r == '.' || r == ':'
	})
	return level, rest, true
}

// parseMood splits an answer into the mood itself (first word or emoji
// cluster) and the remainder as an explanation.
func parseMood(text string) (mood, explanation string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ""
	}
	fields := strings.Fields(trimmed)
	mood = fields[0]
	if len(fields) > 1 {
		explanation = strings.TrimSpace(strings.TrimPrefix(trimmed, mood))
	}
	return mood, explanation
}

// listSeparators splits list answers on newlines, semicolons and commas.
func listSeparators(r rune) bool {
	return r == '\n' || r == ';' || r == ','
}

// parseList splits an answer into discrete items, stripping bullet markers
// and numbering. Empty fragments are dropped.
func parseList(text string) []string {
	var items []string
	for _, part := range strings.FieldsFunc(text, listSeparators) {
		item := stripBullet(strings.TrimSpace(part))
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// stripBullet removes a leading bullet marker or "1." / "1)" numbering.
func stripBullet(s string) string {
	for _, prefix := range []string{"-", "*", "•", "–"} {
		if strings.HasPrefix(s, prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}
	// Numbered prefix: digits followed by '.' or ')'.
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// applyAnswer writes a cleaned answer into the retro field owned by the given
// step, using the conversation scratch for cross-step values. It returns a
// non-empty reprompt message when the answer cannot be parsed for the step.
func applyAnswer(step models.Step, text string, retro *models.Retro, scratch *models.Scratch) (reprompt string) {
	switch step {
	case models.StepEnergy:
		level, explanation, ok := parseEnergy(text)
		if !ok {
			return "🔢 Пожалуйста, укажи уровень энергии цифрой от 1 до 5"
		}
		retro.EnergyLevel = &level
		scratch.EnergyExplanation = explanation
	case models.StepMood:
		mood, explanation := parseMood(text)
		retro.Mood = mood
		retro.MoodExplanation = explanation
	case models.StepWins:
		retro.Wins = parseList(text)
	case models.StepLearnings:
		retro.Learnings = parseList(text)
	case models.StepNextActions:
		retro.NextActions = parseList(text)
	case models.StepMITs:
		retro.MITs = parseList(text)
	case models.StepExperiment:
		retro.Experiment = strings.TrimSpace(text)
	}
	return ""
}
