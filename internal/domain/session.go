package domain

import (
	"time"
)

// SessionState is the lifecycle position of an assessment session.
type SessionState string

const (
	// StateNotStarted means no session record exists for the key.
	StateNotStarted SessionState = "not_started"
	// StateInProgress means the session accepts answers.
	StateInProgress SessionState = "in_progress"
	// StateCompleted means every question has a recorded answer.
	StateCompleted SessionState = "completed"
)

// Likert answer bounds (strongly disagree .. strongly agree).
const (
	MinAnswerValue = 0
	MaxAnswerValue = 4
)

// Session is one run of the questionnaire for a (user, channel) pair.
type Session struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ChannelID       string    `json:"channel_id"`
	CurrentQuestion int       `json:"current_question"`
	IsCompleted     bool      `json:"is_completed"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// State reports the lifecycle state of an existing session record.
func (s *Session) State() SessionState {
	if s == nil {
		return StateNotStarted
	}
	if s.IsCompleted {
		return StateCompleted
	}
	return StateInProgress
}

// Answers maps question ordinal to Likert value.
type Answers map[int]int

// Clone returns an independent copy.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
