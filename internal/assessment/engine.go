// Package assessment implements the questionnaire session state machine:
// starting, answering, resetting and reporting progress for a (user, channel)
// session on top of a store.Repository.
package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/traitlab/internal/domain"
	"github.com/ashureev/traitlab/internal/metrics"
	"github.com/ashureev/traitlab/internal/questionbank"
	"github.com/ashureev/traitlab/internal/scoring"
	"github.com/ashureev/traitlab/internal/store"
)

var (
	// ErrNoActiveSession is returned when an operation needs a session that
	// does not exist (or is already completed, for answers).
	ErrNoActiveSession = errors.New("no active session")
	// ErrInvalidOrdinal is returned for question numbers outside the bank.
	ErrInvalidOrdinal = errors.New("question number out of range")
	// ErrInvalidValue is returned for answer values outside [0,4].
	ErrInvalidValue = errors.New("answer value out of range")
)

// Engine drives assessment sessions. It holds no per-session state; every
// read-modify-write goes through Repository.WithSession.
type Engine struct {
	repo        store.Repository
	bank        *questionbank.Bank
	defaultLang domain.Language
	logger      *slog.Logger
}

// NewEngine creates an engine over repo and bank.
func NewEngine(repo store.Repository, bank *questionbank.Bank, defaultLang domain.Language, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if _, ok := domain.ParseLanguage(string(defaultLang)); !ok {
		defaultLang = domain.DefaultLanguage
	}
	return &Engine{
		repo:        repo,
		bank:        bank,
		defaultLang: defaultLang,
		logger:      logger,
	}
}

// Bank returns the question bank the engine indexes into.
func (e *Engine) Bank() *questionbank.Bank {
	return e.bank
}

// Total returns the number of questions in a full session.
func (e *Engine) Total() int {
	return e.bank.OrdinalCount()
}

// EnsureUser returns the stored user, creating it with the default language
// on first contact.
func (e *Engine) EnsureUser(ctx context.Context, userID, username string) (*domain.User, error) {
	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user != nil {
		return user, nil
	}

	if err := e.repo.CreateUser(ctx, &domain.User{
		UserID:   userID,
		Username: username,
		Language: e.defaultLang,
	}); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	// Re-read: a concurrent first contact may have created the record.
	user, err = e.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %s missing after create", userID)
	}
	e.logger.Info("User created", "user_id", userID, "language", user.Language)
	return user, nil
}

// ToggleLanguage switches the user between the two supported locales and
// returns the new one.
func (e *Engine) ToggleLanguage(ctx context.Context, userID string) (domain.Language, error) {
	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", store.ErrUserNotFound
	}

	next := user.Language.Toggle()
	if err := e.repo.SetUserLanguage(ctx, userID, next); err != nil {
		return "", fmt.Errorf("set language: %w", err)
	}
	return next, nil
}

// StartResult reports the session presented by Start.
type StartResult struct {
	Session *domain.Session
	// Created is false when an in-progress session already existed.
	Created bool
}

// Start opens a session for the key, or returns the in-progress one.
func (e *Engine) Start(ctx context.Context, userID, channelID string) (*StartResult, error) {
	active, err := e.repo.GetActiveSession(ctx, userID, channelID)
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	if active != nil {
		return &StartResult{Session: active}, nil
	}

	session, err := e.repo.CreateSession(ctx, userID, channelID)
	if errors.Is(err, store.ErrActiveSessionExists) {
		// Lost a creation race; present the winner's session.
		active, err = e.repo.GetActiveSession(ctx, userID, channelID)
		if err != nil {
			return nil, fmt.Errorf("get active session: %w", err)
		}
		if active == nil {
			return nil, fmt.Errorf("active session for %s/%s vanished after conflict", userID, channelID)
		}
		return &StartResult{Session: active}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	metrics.SessionEvents.WithLabelValues("started").Inc()
	e.logger.Info("Session started", "user_id", userID, "channel_id", channelID, "session_id", session.ID)
	return &StartResult{Session: session, Created: true}, nil
}

// AnswerResult describes the session after an accepted answer.
type AnswerResult struct {
	Session  domain.Session
	Progress Progress
	// Completed is true when this answer recorded the last missing ordinal.
	Completed bool
	// PointerBlocked reports this answer only: ordinal+1 ran past the bank
	// while some questions are still unanswered, so the pointer was left
	// where it was. It differs from Progress.PointerExhausted, which
	// describes the stored pointer (at the last question, already answered).
	// Answering the last question first blocks the pointer at 1, which is
	// not exhausted.
	PointerBlocked bool
	// Next is the question at the new pointer, nil on completion or when blocked.
	Next *questionbank.Question
}

// Answer records value for ordinal in the key's in-progress session.
func (e *Engine) Answer(ctx context.Context, userID, channelID string, ordinal, value int) (*AnswerResult, error) {
	active, err := e.repo.GetActiveSession(ctx, userID, channelID)
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	if active == nil {
		metrics.AnswersRejected.WithLabelValues("no_session").Inc()
		return nil, ErrNoActiveSession
	}

	total := e.Total()
	if ordinal < 1 || ordinal > total {
		metrics.AnswersRejected.WithLabelValues("invalid_ordinal").Inc()
		return nil, ErrInvalidOrdinal
	}
	if value < domain.MinAnswerValue || value > domain.MaxAnswerValue {
		metrics.AnswersRejected.WithLabelValues("invalid_value").Inc()
		return nil, ErrInvalidValue
	}

	var (
		outcome answerOutcome
		session domain.Session
		answers domain.Answers
	)
	err = e.repo.WithSession(ctx, active.ID, func(tx *store.SessionTx) error {
		if tx.Session().IsCompleted {
			return ErrNoActiveSession
		}
		outcome = applyAnswer(tx, ordinal, value, total)
		session = tx.Session()
		answers = tx.Answers()
		return nil
	})
	if errors.Is(err, ErrNoActiveSession) || errors.Is(err, store.ErrSessionNotFound) {
		metrics.AnswersRejected.WithLabelValues("no_session").Inc()
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("record answer: %w", err)
	}

	metrics.AnswersRecorded.Inc()
	result := &AnswerResult{
		Session:        session,
		Progress:       buildProgress(&session, answers, total),
		Completed:      outcome.completed,
		PointerBlocked: outcome.blocked,
	}

	if outcome.completed {
		metrics.SessionEvents.WithLabelValues("completed").Inc()
		e.logger.Info("Session completed", "user_id", userID, "channel_id", channelID, "session_id", session.ID)
		return result, nil
	}
	if outcome.blocked {
		e.logger.Warn("Question pointer blocked with unanswered questions",
			"session_id", session.ID,
			"answered", result.Progress.Answered,
			"first_unanswered", result.Progress.FirstUnanswered)
		return result, nil
	}

	next, err := e.bank.Question(session.CurrentQuestion)
	if err != nil {
		return nil, fmt.Errorf("load question %d: %w", session.CurrentQuestion, err)
	}
	result.Next = &next
	return result, nil
}

type answerOutcome struct {
	completed bool
	blocked   bool
}

// applyAnswer records the answer and moves the pointer to ordinal+1. When the
// answer set becomes complete the session is completed; when ordinal+1 runs
// past total without completion the pointer stays where it was.
func applyAnswer(tx *store.SessionTx, ordinal, value, total int) answerOutcome {
	tx.SetAnswer(ordinal, value)
	next := ordinal + 1

	if tx.AnsweredCount() >= total {
		tx.SetCurrentQuestion(next)
		if !tx.Session().IsCompleted {
			tx.MarkCompleted()
			return answerOutcome{completed: true}
		}
		return answerOutcome{}
	}
	if next <= total {
		tx.SetCurrentQuestion(next)
		return answerOutcome{}
	}
	return answerOutcome{blocked: true}
}

// Reset clears the key's session back to question 1. With no in-progress
// session the most recent completed one is re-opened under the same id.
func (e *Engine) Reset(ctx context.Context, userID, channelID string) (*domain.Session, error) {
	target, err := e.repo.GetActiveSession(ctx, userID, channelID)
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	event := "reset"
	if target == nil {
		target, err = e.repo.GetLatestSession(ctx, userID, channelID)
		if err != nil {
			return nil, fmt.Errorf("get latest session: %w", err)
		}
		if target == nil {
			return nil, ErrNoActiveSession
		}
		event = "reopened"
	}

	var session domain.Session
	err = e.repo.WithSession(ctx, target.ID, func(tx *store.SessionTx) error {
		tx.Reset()
		session = tx.Session()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reset session: %w", err)
	}

	metrics.SessionEvents.WithLabelValues(event).Inc()
	e.logger.Info("Session reset", "user_id", userID, "channel_id", channelID, "session_id", session.ID, "event", event)
	return &session, nil
}

// Progress reports the key's in-progress session, or its latest completed
// session when none is in progress.
func (e *Engine) Progress(ctx context.Context, userID, channelID string) (*Progress, error) {
	session, err := e.currentSession(ctx, userID, channelID)
	if err != nil {
		return nil, err
	}
	answers, err := e.repo.GetAnswers(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("get answers: %w", err)
	}
	p := buildProgress(session, answers, e.Total())
	return &p, nil
}

// CurrentQuestion returns the question at the in-progress session's pointer.
func (e *Engine) CurrentQuestion(ctx context.Context, userID, channelID string) (*questionbank.Question, *Progress, error) {
	active, err := e.repo.GetActiveSession(ctx, userID, channelID)
	if err != nil {
		return nil, nil, fmt.Errorf("get active session: %w", err)
	}
	if active == nil {
		return nil, nil, ErrNoActiveSession
	}
	answers, err := e.repo.GetAnswers(ctx, active.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("get answers: %w", err)
	}

	q, err := e.bank.Question(active.CurrentQuestion)
	if err != nil {
		return nil, nil, fmt.Errorf("load question %d: %w", active.CurrentQuestion, err)
	}
	p := buildProgress(active, answers, e.Total())
	return &q, &p, nil
}

// LatestSession returns the most recent session for the key, if any.
func (e *Engine) LatestSession(ctx context.Context, userID, channelID string) (*domain.Session, error) {
	s, err := e.repo.GetLatestSession(ctx, userID, channelID)
	if err != nil {
		return nil, fmt.Errorf("get latest session: %w", err)
	}
	return s, nil
}

// Scores computes trait scores over the session's current answers.
func (e *Engine) Scores(ctx context.Context, sessionID string) ([]domain.TraitScore, error) {
	answers, err := e.repo.GetAnswers(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get answers: %w", err)
	}
	return scoring.Score(e.bank, answers), nil
}

func (e *Engine) currentSession(ctx context.Context, userID, channelID string) (*domain.Session, error) {
	session, err := e.repo.GetActiveSession(ctx, userID, channelID)
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	if session != nil {
		return session, nil
	}
	session, err = e.repo.GetLatestSession(ctx, userID, channelID)
	if err != nil {
		return nil, fmt.Errorf("get latest session: %w", err)
	}
	if session == nil {
		return nil, ErrNoActiveSession
	}
	return session, nil
}
