// Package models defines the conversation step machinery.
package models

// Step represents a single stage of the retrospective conversation.
type Step string

// Conversation steps in flow order. Review and Completed are pseudo-steps:
// they are not answer steps and are excluded from progress accounting.
const (
	StepIdle        Step = "idle"
	StepEnergy      Step = "energy"
	StepMood        Step = "mood"
	StepWins        Step = "wins"
	StepLearnings   Step = "learnings"
	StepNextActions Step = "next_actions"
	StepMITs        Step = "mits"
	StepExperiment  Step = "experiment"
	StepReview      Step = "review"
	StepCompleted   Step = "completed"
)

// StepSpec describes one answer step of the conversation: the question put
// to the participant and whether the step may be skipped.
type StepSpec struct {
	Step     Step
	Question string
	Hint     string
	Optional bool
}

// Steps is the fixed, ordered table of answer steps. Indexing replaces the
// open-ended step->config lookup of a map: the position of a step in this
// table defines its progress number and its successor.
var Steps = [...]StepSpec{
	{
		Step:     StepEnergy,
		Question: "🔋 *Как твой уровень энергии сегодня?*\n\nОцени от 1 до 5:\n• 1 — очень низкий\n• 5 — очень высокий",
		Hint:     "💡 Отправь голосовое сообщение или напиши цифру с объяснением",
	},
	{
		Step:     StepMood,
		Question: "😊 *Какое у тебя настроение?*\n\nОпиши свое настроение и эмоции сегодня",
		Hint:     "💡 Можешь использовать эмодзи и рассказать, что повлияло на настроение",
	},
	{
		Step:     StepWins,
		Question: "🏆 *Какие у тебя победы сегодня?*\n\nРасскажи о своих достижениях, больших и маленьких",
		Hint:     "💡 Завершенная задача, новое знание, помощь другим...",
	},
	{
		Step:     StepLearnings,
		Question: "📚 *Чему ты научился сегодня?*\n\nКакие уроки или инсайты получил?",
		Hint:     "💡 Новые знания, понимания, выводы из опыта...",
	},
	{
		Step:     StepNextActions,
		Question: "🎯 *Что планируешь делать завтра?*\n\nКакие у тебя планы и задачи?",
		Hint:     "💡 Конкретные действия, встречи, проекты...",
	},
	{
		Step:     StepMITs,
		Question: "⭐ *Какие 1-3 самые важные задачи завтра?*\n\nВыбери приоритетные задачи (MITs)",
		Hint:     "💡 Те задачи, которые принесут максимальную пользу",
	},
	{
		Step:     StepExperiment,
		Question: "🧪 *Хочешь попробовать что-то новое?*\n\nКакой эксперимент планируешь провести?",
		Hint:     "💡 Новый подход, инструмент, привычка... Этот шаг можно пропустить",
		Optional: true,
	},
}

// TotalAnswerSteps is the progress denominator shown to participants.
const TotalAnswerSteps = len(Steps)

// stepIndex returns the position of an answer step in the Steps table,
// or -1 when the step is idle, review, completed or unknown.
func stepIndex(s Step) int {
	for i := range Steps {
		if Steps[i].Step == s {
			return i
		}
	}
	return -1
}

// IsAnswerStep reports whether s is one of the answer steps in the table.
func IsAnswerStep(s Step) bool {
	return stepIndex(s) >= 0
}

// SpecFor returns the StepSpec for an answer step.
func SpecFor(s Step) (StepSpec, bool) {
	i := stepIndex(s)
	if i < 0 {
		return StepSpec{}, false
	}
	return Steps[i], true
}

// NextStep returns the step following s in the conversation flow. The last
// answer step advances to review, review advances to completed. For idle,
// completed or unknown steps it returns false.
func NextStep(s Step) (Step, bool) {
	if s == StepReview {
		return StepCompleted, true
	}
	i := stepIndex(s)
	if i < 0 {
		return "", false
	}
	if i == len(Steps)-1 {
		return StepReview, true
	}
	return Steps[i+1].Step, true
}

// StepProgress returns the 1-based progress position of s and the total
// number of answer steps. Review reports the full count so a participant
// reviewing sees "7/7".
func StepProgress(s Step) (current, total int) {
	total = TotalAnswerSteps
	if s == StepReview || s == StepCompleted {
		return total, total
	}
	i := stepIndex(s)
	if i < 0 {
		return 1, total
	}
	return i + 1, total
}
