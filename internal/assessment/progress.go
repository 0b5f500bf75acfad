package assessment

import (
	"math"

	"github.com/ashureev/traitlab/internal/domain"
)

// Progress is a read-only view of a session's position.
type Progress struct {
	SessionID       string              `json:"session_id"`
	State           domain.SessionState `json:"state"`
	CurrentQuestion int                 `json:"current_question"`
	Answered        int                 `json:"answered"`
	Total           int                 `json:"total"`
	// Percentage is Answered/Total*100 rounded to one decimal.
	Percentage float64 `json:"percentage"`
	// FirstUnanswered is the lowest unanswered ordinal, 0 when none.
	FirstUnanswered int `json:"first_unanswered"`
	// PointerExhausted describes the stored pointer: the session is in
	// progress, the pointer sits on the last question and that question is
	// already answered, so presenting it again would not move the session
	// forward. AnswerResult.PointerBlocked is the per-answer signal.
	PointerExhausted bool `json:"pointer_exhausted"`
}

func buildProgress(session *domain.Session, answers domain.Answers, total int) Progress {
	p := Progress{
		SessionID:       session.ID,
		State:           session.State(),
		CurrentQuestion: session.CurrentQuestion,
		Answered:        len(answers),
		Total:           total,
		Percentage:      percentage(len(answers), total),
	}
	for ordinal := 1; ordinal <= total; ordinal++ {
		if _, ok := answers[ordinal]; !ok {
			p.FirstUnanswered = ordinal
			break
		}
	}
	if !session.IsCompleted && p.FirstUnanswered != 0 {
		_, lastAnswered := answers[total]
		p.PointerExhausted = session.CurrentQuestion == total && lastAnswered
	}
	return p
}

func percentage(answered, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(answered)/float64(total)*1000) / 10
}
