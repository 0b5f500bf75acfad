package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/traitlab/internal/domain"
	"github.com/google/uuid"
)

// memoryState is the full contents of a MemoryStore. It is also the on-disk
// format of the file backend and of memory snapshots.
type memoryState struct {
	Users    map[string]*domain.User       `json:"users"`
	Sessions map[string]*domain.Session    `json:"sessions"`
	Order    []string                      `json:"order"`
	Answers  map[string]domain.Answers     `json:"answers"`
	Analyses map[string][]*domain.Analysis `json:"analyses"`
}

func newMemoryState() memoryState {
	return memoryState{
		Users:    make(map[string]*domain.User),
		Sessions: make(map[string]*domain.Session),
		Answers:  make(map[string]domain.Answers),
		Analyses: make(map[string][]*domain.Analysis),
	}
}

// MemoryStore implements Repository with process-local maps.
// A single mutex serializes all access.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState

	// persist runs with mu held after every mutation. A failed persist
	// undoes the mutation.
	persist func(memoryState) error
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

// commit persists the state. On failure it runs undo, so the in-memory
// state never holds a change the caller was told had failed.
func (m *MemoryStore) commit(undo func()) error {
	if m.persist == nil {
		return nil
	}
	if err := m.persist(m.state); err != nil {
		undo()
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (m *MemoryStore) GetUser(_ context.Context, userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.state.Users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// CreateUser inserts the user unless it already exists.
func (m *MemoryStore) CreateUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.Users[user.UserID]; ok {
		return nil
	}
	cp := *user
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.state.Users[user.UserID] = &cp
	return m.commit(func() { delete(m.state.Users, user.UserID) })
}

// SetUserLanguage changes the user's locale.
func (m *MemoryStore) SetUserLanguage(_ context.Context, userID string, lang domain.Language) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.state.Users[userID]
	if !ok {
		return ErrUserNotFound
	}
	prev := *u
	u.Language = lang
	u.UpdatedAt = time.Now()
	return m.commit(func() { *u = prev })
}

func (m *MemoryStore) activeLocked(userID, channelID string) *domain.Session {
	for _, id := range m.state.Order {
		s := m.state.Sessions[id]
		if s != nil && s.UserID == userID && s.ChannelID == channelID && !s.IsCompleted {
			return s
		}
	}
	return nil
}

// GetActiveSession returns the non-completed session for the key.
func (m *MemoryStore) GetActiveSession(_ context.Context, userID, channelID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.activeLocked(userID, channelID)
	if s == nil {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// GetLatestSession returns the most recently created session for the key.
func (m *MemoryStore) GetLatestSession(_ context.Context, userID, channelID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.state.Order) - 1; i >= 0; i-- {
		s := m.state.Sessions[m.state.Order[i]]
		if s != nil && s.UserID == userID && s.ChannelID == channelID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

// GetSession retrieves a session by id.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.state.Sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// CreateSession starts a new session for the key.
func (m *MemoryStore) CreateSession(_ context.Context, userID, channelID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked(userID, channelID) != nil {
		return nil, ErrActiveSessionExists
	}

	now := time.Now()
	s := &domain.Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		ChannelID:       channelID,
		CurrentQuestion: 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	order := m.state.Order
	m.state.Sessions[s.ID] = s
	m.state.Order = append(order, s.ID)
	m.state.Answers[s.ID] = domain.Answers{}
	if err := m.commit(func() {
		delete(m.state.Sessions, s.ID)
		delete(m.state.Answers, s.ID)
		m.state.Order = order
	}); err != nil {
		return nil, err
	}
	cp := *s
	return &cp, nil
}

// WithSession runs fn under the store lock and applies its changes.
func (m *MemoryStore) WithSession(_ context.Context, sessionID string, fn func(tx *SessionTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.state.Sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	tx := newSessionTx(*s, m.state.Answers[sessionID].Clone())
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.changed() {
		return nil
	}
	if tx.reopened() {
		if other := m.activeLocked(s.UserID, s.ChannelID); other != nil && other.ID != s.ID {
			return ErrActiveSessionExists
		}
	}

	prev := *s
	prevAnswers, hadAnswers := m.state.Answers[sessionID]
	updated := tx.session
	updated.UpdatedAt = time.Now()
	*s = updated
	m.state.Answers[sessionID] = tx.answers
	return m.commit(func() {
		*s = prev
		if hadAnswers {
			m.state.Answers[sessionID] = prevAnswers
		} else {
			delete(m.state.Answers, sessionID)
		}
	})
}

// UpdateSession applies a partial update.
func (m *MemoryStore) UpdateSession(ctx context.Context, sessionID string, update SessionUpdate) error {
	return m.WithSession(ctx, sessionID, update.apply)
}

// GetAnswers returns a copy of the session's answers.
func (m *MemoryStore) GetAnswers(_ context.Context, sessionID string) (domain.Answers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state.Answers[sessionID].Clone(), nil
}

// SaveAnswer records or overwrites one answer.
func (m *MemoryStore) SaveAnswer(ctx context.Context, sessionID string, ordinal, value int) error {
	return m.WithSession(ctx, sessionID, func(tx *SessionTx) error {
		tx.SetAnswer(ordinal, value)
		return nil
	})
}

// CompleteSession marks the session completed.
func (m *MemoryStore) CompleteSession(ctx context.Context, sessionID string) error {
	return m.WithSession(ctx, sessionID, func(tx *SessionTx) error {
		tx.MarkCompleted()
		return nil
	})
}

// SaveAnalysis appends an analysis to its session.
func (m *MemoryStore) SaveAnalysis(_ context.Context, analysis *domain.Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareAnalysis(analysis)
	cp := *analysis
	prev, had := m.state.Analyses[analysis.SessionID]
	m.state.Analyses[analysis.SessionID] = append(prev, &cp)
	return m.commit(func() {
		if had {
			m.state.Analyses[analysis.SessionID] = prev
		} else {
			delete(m.state.Analyses, analysis.SessionID)
		}
	})
}

// ListAnalyses returns the session's analyses, oldest first.
func (m *MemoryStore) ListAnalyses(_ context.Context, sessionID string) ([]*domain.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.state.Analyses[sessionID]
	out := make([]*domain.Analysis, 0, len(stored))
	for _, a := range stored {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// Snapshot writes the current state as JSON into dir and returns the path.
func (m *MemoryStore) Snapshot(_ context.Context, dir string) (string, error) {
	m.mu.Lock()
	data, err := json.MarshalIndent(m.state, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}

	path := filepath.Join(dir, snapshotName("state", ".json"))
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func prepareAnalysis(a *domain.Analysis) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
}

func snapshotName(prefix, ext string) string {
	return fmt.Sprintf("%s-%s%s", prefix, time.Now().UTC().Format("20060102T150405.000000000Z"), ext)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
