package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/traitlab/internal/domain"
	"github.com/ashureev/traitlab/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	maxBusyRetries = 3
	busyBaseDelay  = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so read-modify-write
	// sections take the write lock up front instead of failing on upgrade.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		language TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		current_question INTEGER NOT NULL DEFAULT 1,
		is_completed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_key ON sessions(user_id, channel_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active
		ON sessions(user_id, channel_id) WHERE is_completed = 0;

	CREATE TABLE IF NOT EXISTS answers (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		ordinal INTEGER NOT NULL,
		value INTEGER NOT NULL,
		answered_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, ordinal)
	);

	CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		depth TEXT NOT NULL,
		language TEXT NOT NULL,
		source TEXT NOT NULL,
		personality_type TEXT NOT NULL,
		narrative TEXT NOT NULL,
		trait_scores_json TEXT NOT NULL,
		strengths_json TEXT NOT NULL,
		challenges_json TEXT NOT NULL,
		recommendations_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_session ON analyses(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, language, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lang string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lang, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.Language = domain.Language(lang)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// CreateUser inserts a user record; an existing record is left untouched.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, language, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO NOTHING`

	now := time.Now()
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	return shared.RetryOnConflict(ctx, maxBusyRetries, busyBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, string(user.Language),
			createdAt.Unix(), now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		return nil
	})
}

// SetUserLanguage updates the stored locale for a user.
func (s *SQLiteStore) SetUserLanguage(ctx context.Context, userID string, lang domain.Language) error {
	query := `UPDATE users SET language = ?, updated_at = ? WHERE user_id = ?`

	return shared.RetryOnConflict(ctx, maxBusyRetries, busyBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, query, string(lang), time.Now().Unix(), userID)
		if err != nil {
			return fmt.Errorf("update language: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

const sessionColumns = `id, user_id, channel_id, current_question, is_completed, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var createdAt, updatedAt int64

	err := row.Scan(
		&session.ID, &session.UserID, &session.ChannelID,
		&session.CurrentQuestion, &session.IsCompleted,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// GetActiveSession returns the non-completed session for the key.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, userID, channelID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = ? AND channel_id = ? AND is_completed = 0 LIMIT 1`
	return scanSession(s.db.QueryRowContext(ctx, query, userID, channelID))
}

// GetLatestSession returns the most recently created session for the key.
func (s *SQLiteStore) GetLatestSession(ctx context.Context, userID, channelID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = ? AND channel_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`
	return scanSession(s.db.QueryRowContext(ctx, query, userID, channelID))
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	return scanSession(s.db.QueryRowContext(ctx, query, sessionID))
}

// CreateSession inserts a new active session. The partial unique index on
// (user_id, channel_id) rejects a second active session for the key.
func (s *SQLiteStore) CreateSession(ctx context.Context, userID, channelID string) (*domain.Session, error) {
	query := `
	INSERT INTO sessions (id, user_id, channel_id, current_question, is_completed, created_at, updated_at)
	VALUES (?, ?, ?, 1, 0, ?, ?)`

	now := time.Now()
	session := &domain.Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		ChannelID:       channelID,
		CurrentQuestion: 1,
		CreatedAt:       time.Unix(now.Unix(), 0),
		UpdatedAt:       time.Unix(now.Unix(), 0),
	}

	err := shared.RetryOnConflict(ctx, maxBusyRetries, busyBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, session.ID, userID, channelID, now.Unix(), now.Unix())
		return err
	})
	if shared.IsSQLiteUniqueError(err) {
		return nil, ErrActiveSessionExists
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// WithSession runs fn inside an immediate transaction.
func (s *SQLiteStore) WithSession(ctx context.Context, sessionID string, fn func(tx *SessionTx) error) error {
	return shared.RetryOnConflict(ctx, maxBusyRetries, busyBaseDelay, func() error {
		return s.withSessionOnce(ctx, sessionID, fn)
	})
}

func (s *SQLiteStore) withSessionOnce(ctx context.Context, sessionID string, fn func(tx *SessionTx) error) (err error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := dbTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back session transaction", "session_id", sessionID, "error", rbErr)
			}
		}
	}()

	session, err := scanSession(dbTx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}

	answers, err := queryAnswers(ctx, dbTx, sessionID)
	if err != nil {
		return err
	}

	tx := newSessionTx(*session, answers)
	if err = fn(tx); err != nil {
		return err
	}
	if !tx.changed() {
		return dbTx.Commit()
	}

	now := time.Now().Unix()
	if tx.cleared {
		if _, err = dbTx.ExecContext(ctx, `DELETE FROM answers WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("clear answers: %w", err)
		}
	}
	for ordinal, value := range tx.written {
		_, err = dbTx.ExecContext(ctx, `
			INSERT INTO answers (session_id, ordinal, value, answered_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, ordinal) DO UPDATE SET
				value = excluded.value,
				answered_at = excluded.answered_at`,
			sessionID, ordinal, value, now)
		if err != nil {
			return fmt.Errorf("save answer %d: %w", ordinal, err)
		}
	}

	_, err = dbTx.ExecContext(ctx,
		`UPDATE sessions SET current_question = ?, is_completed = ?, updated_at = ? WHERE id = ?`,
		tx.session.CurrentQuestion, tx.session.IsCompleted, now, sessionID)
	if shared.IsSQLiteUniqueError(err) {
		err = ErrActiveSessionExists
		return err
	}
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if err = dbTx.Commit(); err != nil {
		return fmt.Errorf("commit session transaction: %w", err)
	}
	return nil
}

// UpdateSession applies a partial update.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID string, update SessionUpdate) error {
	return s.WithSession(ctx, sessionID, update.apply)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryAnswers(ctx context.Context, q queryer, sessionID string) (domain.Answers, error) {
	rows, err := q.QueryContext(ctx, `SELECT ordinal, value FROM answers WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close answer rows", "error", closeErr)
		}
	}()

	answers := domain.Answers{}
	for rows.Next() {
		var ordinal, value int
		if err := rows.Scan(&ordinal, &value); err != nil {
			return nil, fmt.Errorf("scan answer row: %w", err)
		}
		answers[ordinal] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return answers, nil
}

// GetAnswers returns all recorded answers of a session.
func (s *SQLiteStore) GetAnswers(ctx context.Context, sessionID string) (domain.Answers, error) {
	return queryAnswers(ctx, s.db, sessionID)
}

// SaveAnswer records or overwrites one answer.
func (s *SQLiteStore) SaveAnswer(ctx context.Context, sessionID string, ordinal, value int) error {
	return s.WithSession(ctx, sessionID, func(tx *SessionTx) error {
		tx.SetAnswer(ordinal, value)
		return nil
	})
}

// CompleteSession marks the session completed.
func (s *SQLiteStore) CompleteSession(ctx context.Context, sessionID string) error {
	return s.WithSession(ctx, sessionID, func(tx *SessionTx) error {
		tx.MarkCompleted()
		return nil
	})
}

// SaveAnalysis persists an analysis. Slice fields are stored as JSON columns.
func (s *SQLiteStore) SaveAnalysis(ctx context.Context, analysis *domain.Analysis) error {
	prepareAnalysis(analysis)

	traitScores, err := json.Marshal(analysis.TraitScores)
	if err != nil {
		return fmt.Errorf("marshal trait scores: %w", err)
	}
	strengths, err := json.Marshal(analysis.Strengths)
	if err != nil {
		return fmt.Errorf("marshal strengths: %w", err)
	}
	challenges, err := json.Marshal(analysis.Challenges)
	if err != nil {
		return fmt.Errorf("marshal challenges: %w", err)
	}
	recommendations, err := json.Marshal(analysis.Recommendations)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}

	query := `
	INSERT INTO analyses (
		id, session_id, depth, language, source, personality_type, narrative,
		trait_scores_json, strengths_json, challenges_json, recommendations_json, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, maxBusyRetries, busyBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			analysis.ID, analysis.SessionID, string(analysis.Depth), string(analysis.Language),
			string(analysis.Source), analysis.PersonalityType, analysis.Narrative,
			string(traitScores), string(strengths), string(challenges), string(recommendations),
			analysis.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert analysis: %w", err)
		}
		return nil
	})
}

// ListAnalyses returns the analyses of a session, oldest first.
func (s *SQLiteStore) ListAnalyses(ctx context.Context, sessionID string) ([]*domain.Analysis, error) {
	query := `
		SELECT id, session_id, depth, language, source, personality_type, narrative,
		       trait_scores_json, strengths_json, challenges_json, recommendations_json, created_at
		FROM analyses WHERE session_id = ? ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close analysis rows", "error", closeErr)
		}
	}()

	var analyses []*domain.Analysis
	for rows.Next() {
		var a domain.Analysis
		var depth, lang, source string
		var traitScores, strengths, challenges, recommendations string
		var createdAt int64

		if err := rows.Scan(
			&a.ID, &a.SessionID, &depth, &lang, &source, &a.PersonalityType, &a.Narrative,
			&traitScores, &strengths, &challenges, &recommendations, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan analysis row: %w", err)
		}

		a.Depth = domain.Depth(depth)
		a.Language = domain.Language(lang)
		a.Source = domain.AnalysisSource(source)
		a.CreatedAt = time.Unix(0, createdAt)
		if err := unmarshalColumns(
			column{traitScores, &a.TraitScores},
			column{strengths, &a.Strengths},
			column{challenges, &a.Challenges},
			column{recommendations, &a.Recommendations},
		); err != nil {
			return nil, fmt.Errorf("decode analysis %s: %w", a.ID, err)
		}
		analyses = append(analyses, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analyses: %w", err)
	}
	return analyses, nil
}

type column struct {
	raw string
	dst any
}

func unmarshalColumns(cols ...column) error {
	for _, c := range cols {
		if err := json.Unmarshal([]byte(c.raw), c.dst); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot copies the database into dir with VACUUM INTO and returns the path.
func (s *SQLiteStore) Snapshot(ctx context.Context, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}
	path := filepath.Join(dir, snapshotName("traitlab", ".db"))
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return path, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
