// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/traitlab/internal/domain"
)

var (
	// ErrActiveSessionExists is returned when an operation would leave two
	// non-completed sessions for the same (user, channel) pair.
	ErrActiveSessionExists = errors.New("active session already exists")
	// ErrSessionNotFound is returned by session-scoped writes for unknown ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUserNotFound is returned by user-scoped writes for unknown ids.
	ErrUserNotFound = errors.New("user not found")
)

// Repository is the session store the assessment engine depends on.
// Lookups return (nil, nil) when the record does not exist.
type Repository interface {
	// GetUser retrieves a user by their external id.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// CreateUser inserts a user. It is a no-op if the user already exists.
	CreateUser(ctx context.Context, user *domain.User) error

	// SetUserLanguage changes the stored locale of a user.
	SetUserLanguage(ctx context.Context, userID string, lang domain.Language) error

	// GetActiveSession returns the non-completed session for the key, if any.
	GetActiveSession(ctx context.Context, userID, channelID string) (*domain.Session, error)

	// GetLatestSession returns the most recently created session for the key,
	// completed or not.
	GetLatestSession(ctx context.Context, userID, channelID string) (*domain.Session, error)

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// CreateSession starts a session at question 1 with no answers.
	// Returns ErrActiveSessionExists if the key already has an active session.
	CreateSession(ctx context.Context, userID, channelID string) (*domain.Session, error)

	// UpdateSession applies a partial update to the session row.
	UpdateSession(ctx context.Context, sessionID string, update SessionUpdate) error

	// WithSession runs fn against a consistent view of the session and its
	// answers and applies the buffered changes atomically when fn returns nil.
	// fn may run more than once and must not call back into the Repository.
	WithSession(ctx context.Context, sessionID string, fn func(tx *SessionTx) error) error

	// GetAnswers returns the recorded answers of a session.
	GetAnswers(ctx context.Context, sessionID string) (domain.Answers, error)

	// SaveAnswer records or overwrites a single answer.
	SaveAnswer(ctx context.Context, sessionID string, ordinal, value int) error

	// CompleteSession marks the session completed.
	CompleteSession(ctx context.Context, sessionID string) error

	// SaveAnalysis persists an analysis, assigning ID and CreatedAt when unset.
	SaveAnalysis(ctx context.Context, analysis *domain.Analysis) error

	// ListAnalyses returns the analyses of a session, oldest first.
	ListAnalyses(ctx context.Context, sessionID string) ([]*domain.Analysis, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// SessionUpdate is a partial update; nil fields are left unchanged.
type SessionUpdate struct {
	CurrentQuestion *int
	IsCompleted     *bool
}

func (u SessionUpdate) apply(tx *SessionTx) error {
	if u.CurrentQuestion != nil {
		tx.SetCurrentQuestion(*u.CurrentQuestion)
	}
	if u.IsCompleted != nil {
		if *u.IsCompleted {
			tx.MarkCompleted()
		} else {
			tx.reopen()
		}
	}
	return nil
}

// SessionTx buffers changes to one session during WithSession.
type SessionTx struct {
	session      domain.Session
	wasCompleted bool
	answers      domain.Answers
	written      map[int]int
	cleared      bool
	dirty        bool
}

func newSessionTx(session domain.Session, answers domain.Answers) *SessionTx {
	if answers == nil {
		answers = domain.Answers{}
	}
	return &SessionTx{
		session:      session,
		wasCompleted: session.IsCompleted,
		answers:      answers,
		written:      make(map[int]int),
	}
}

// Session returns the session as modified so far.
func (tx *SessionTx) Session() domain.Session {
	return tx.session
}

// Answer returns the recorded value for an ordinal.
func (tx *SessionTx) Answer(ordinal int) (int, bool) {
	v, ok := tx.answers[ordinal]
	return v, ok
}

// Answers returns a copy of the answer set as modified so far.
func (tx *SessionTx) Answers() domain.Answers {
	return tx.answers.Clone()
}

// AnsweredCount returns the number of distinct answered ordinals.
func (tx *SessionTx) AnsweredCount() int {
	return len(tx.answers)
}

// SetAnswer records or overwrites an answer.
func (tx *SessionTx) SetAnswer(ordinal, value int) {
	tx.answers[ordinal] = value
	tx.written[ordinal] = value
}

// SetCurrentQuestion moves the question pointer.
func (tx *SessionTx) SetCurrentQuestion(n int) {
	tx.session.CurrentQuestion = n
	tx.dirty = true
}

// MarkCompleted flags the session as completed.
func (tx *SessionTx) MarkCompleted() {
	tx.session.IsCompleted = true
	tx.dirty = true
}

// Reset moves the pointer back to 1, clears all answers and re-opens the session.
func (tx *SessionTx) Reset() {
	tx.session.CurrentQuestion = 1
	tx.reopen()
	tx.answers = domain.Answers{}
	tx.written = make(map[int]int)
	tx.cleared = true
}

func (tx *SessionTx) reopen() {
	tx.session.IsCompleted = false
	tx.dirty = true
}

func (tx *SessionTx) reopened() bool {
	return tx.wasCompleted && !tx.session.IsCompleted
}

func (tx *SessionTx) completedNow() bool {
	return !tx.wasCompleted && tx.session.IsCompleted
}

func (tx *SessionTx) changed() bool {
	return tx.dirty || tx.cleared || len(tx.written) > 0
}
