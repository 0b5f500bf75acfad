package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ashureev/traitlab/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// maxWatchRetries bounds optimistic transaction attempts per WithSession call.
const maxWatchRetries = 32

// ErrTooManyConflicts is returned when an optimistic transaction keeps losing
// to concurrent writers.
var ErrTooManyConflicts = errors.New("too many concurrent updates")

// RedisStore implements Repository on Redis hashes. Each session is a hash,
// its answers a second hash, and the active session per key a string claimed
// under WATCH.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the Redis server at url (redis://...).
func NewRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisWithClient(client, "traitlab"), nil
}

// NewRedisWithClient wraps an existing client. Keys are namespaced by prefix.
func NewRedisWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) userKey(userID string) string {
	return r.prefix + ":user:" + userID
}

func (r *RedisStore) sessionKey(sessionID string) string {
	return r.prefix + ":session:" + sessionID
}

func (r *RedisStore) answersKey(sessionID string) string {
	return r.prefix + ":answers:" + sessionID
}

func (r *RedisStore) activeKey(userID, channelID string) string {
	return r.prefix + ":active:" + userID + ":" + channelID
}

func (r *RedisStore) latestKey(userID, channelID string) string {
	return r.prefix + ":latest:" + userID + ":" + channelID
}

func (r *RedisStore) analysesKey(sessionID string) string {
	return r.prefix + ":analyses:" + sessionID
}

// GetUser retrieves a user by id.
func (r *RedisStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	fields, err := r.client.HGetAll(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &domain.User{
		UserID:    userID,
		Username:  fields["username"],
		Language:  domain.Language(fields["language"]),
		CreatedAt: parseUnixNano(fields["created_at"]),
		UpdatedAt: parseUnixNano(fields["updated_at"]),
	}, nil
}

// CreateUser inserts the user unless the key already exists.
func (r *RedisStore) CreateUser(ctx context.Context, user *domain.User) error {
	key := r.userKey(user.UserID)
	now := time.Now()
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"username", user.Username,
				"language", string(user.Language),
				"created_at", createdAt.UnixNano(),
				"updated_at", now.UnixNano(),
			)
			return nil
		})
		return err
	}, key)
	// A lost race means another writer created the user first.
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// SetUserLanguage changes the user's locale.
func (r *RedisStore) SetUserLanguage(ctx context.Context, userID string, lang domain.Language) error {
	key := r.userKey(userID)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	if err := r.client.HSet(ctx, key, "language", string(lang), "updated_at", time.Now().UnixNano()).Err(); err != nil {
		return fmt.Errorf("update language: %w", err)
	}
	return nil
}

// hashReader is satisfied by both *redis.Client and *redis.Tx.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (r *RedisStore) loadSession(ctx context.Context, c hashReader, sessionID string) (*domain.Session, error) {
	fields, err := c.HGetAll(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	current, err := strconv.Atoi(fields["current_question"])
	if err != nil {
		return nil, fmt.Errorf("decode current_question of session %s: %w", sessionID, err)
	}
	return &domain.Session{
		ID:              sessionID,
		UserID:          fields["user_id"],
		ChannelID:       fields["channel_id"],
		CurrentQuestion: current,
		IsCompleted:     fields["is_completed"] == "1",
		CreatedAt:       parseUnixNano(fields["created_at"]),
		UpdatedAt:       parseUnixNano(fields["updated_at"]),
	}, nil
}

func (r *RedisStore) loadAnswers(ctx context.Context, c hashReader, sessionID string) (domain.Answers, error) {
	raw, err := c.HGetAll(ctx, r.answersKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get answers: %w", err)
	}
	answers := make(domain.Answers, len(raw))
	for k, v := range raw {
		ordinal, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("decode answer ordinal %q: %w", k, err)
		}
		value, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("decode answer value %q: %w", v, err)
		}
		answers[ordinal] = value
	}
	return answers, nil
}

func (r *RedisStore) sessionByPointer(ctx context.Context, pointerKey string) (*domain.Session, error) {
	id, err := r.client.Get(ctx, pointerKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session pointer: %w", err)
	}
	return r.loadSession(ctx, r.client, id)
}

// GetActiveSession returns the non-completed session for the key.
func (r *RedisStore) GetActiveSession(ctx context.Context, userID, channelID string) (*domain.Session, error) {
	s, err := r.sessionByPointer(ctx, r.activeKey(userID, channelID))
	if err != nil || s == nil || s.IsCompleted {
		return nil, err
	}
	return s, nil
}

// GetLatestSession returns the most recently created session for the key.
func (r *RedisStore) GetLatestSession(ctx context.Context, userID, channelID string) (*domain.Session, error) {
	return r.sessionByPointer(ctx, r.latestKey(userID, channelID))
}

// GetSession retrieves a session by id.
func (r *RedisStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return r.loadSession(ctx, r.client, sessionID)
}

// CreateSession claims the active key and writes the session hash in one
// WATCH/MULTI transaction. An active key left pointing at a missing or
// completed session is reclaimed.
func (r *RedisStore) CreateSession(ctx context.Context, userID, channelID string) (*domain.Session, error) {
	now := time.Now()
	session := &domain.Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		ChannelID:       channelID,
		CurrentQuestion: 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	activeKey := r.activeKey(userID, channelID)

	txf := func(rtx *redis.Tx) error {
		current, err := rtx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("get active session: %w", err)
		}
		if current != "" {
			other, err := r.loadSession(ctx, rtx, current)
			if err != nil {
				return err
			}
			if other != nil && !other.IsCompleted {
				return ErrActiveSessionExists
			}
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.sessionKey(session.ID),
				"user_id", userID,
				"channel_id", channelID,
				"current_question", 1,
				"is_completed", "0",
				"created_at", now.UnixNano(),
				"updated_at", now.UnixNano(),
			)
			pipe.Set(ctx, activeKey, session.ID, 0)
			pipe.Set(ctx, r.latestKey(userID, channelID), session.ID, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := r.client.Watch(ctx, txf, activeKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrActiveSessionExists) {
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		return session, nil
	}
	return nil, fmt.Errorf("create session for %s/%s: %w", userID, channelID, ErrTooManyConflicts)
}

// WithSession runs fn inside a WATCH/MULTI transaction over the session,
// its answers and its active key, retrying when another writer interferes.
func (r *RedisStore) WithSession(ctx context.Context, sessionID string, fn func(tx *SessionTx) error) error {
	sk := r.sessionKey(sessionID)
	ak := r.answersKey(sessionID)

	// user_id and channel_id never change, so the active key can be
	// derived before watching.
	owner, err := r.client.HMGet(ctx, sk, "user_id", "channel_id").Result()
	if err != nil {
		return fmt.Errorf("get session owner: %w", err)
	}
	userID, _ := owner[0].(string)
	channelID, _ := owner[1].(string)
	if owner[0] == nil || owner[1] == nil {
		return ErrSessionNotFound
	}
	activeKey := r.activeKey(userID, channelID)

	txf := func(rtx *redis.Tx) error {
		session, err := r.loadSession(ctx, rtx, sessionID)
		if err != nil {
			return err
		}
		if session == nil {
			return ErrSessionNotFound
		}
		answers, err := r.loadAnswers(ctx, rtx, sessionID)
		if err != nil {
			return err
		}

		tx := newSessionTx(*session, answers)
		if err := fn(tx); err != nil {
			return err
		}
		if !tx.changed() {
			return nil
		}

		active, err := rtx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("get active session: %w", err)
		}
		if tx.reopened() && active != "" && active != sessionID {
			if other, err := r.loadSession(ctx, rtx, active); err != nil {
				return err
			} else if other != nil && !other.IsCompleted {
				return ErrActiveSessionExists
			}
		}

		completed := "0"
		if tx.session.IsCompleted {
			completed = "1"
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if tx.cleared {
				pipe.Del(ctx, ak)
			}
			if len(tx.written) > 0 {
				values := make(map[string]interface{}, len(tx.written))
				for ordinal, value := range tx.written {
					values[strconv.Itoa(ordinal)] = value
				}
				pipe.HSet(ctx, ak, values)
			}
			pipe.HSet(ctx, sk,
				"current_question", tx.session.CurrentQuestion,
				"is_completed", completed,
				"updated_at", time.Now().UnixNano(),
			)
			if tx.completedNow() && active == sessionID {
				pipe.Del(ctx, activeKey)
			}
			if tx.reopened() {
				pipe.Set(ctx, activeKey, sessionID, 0)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := r.client.Watch(ctx, txf, sk, ak, activeKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session %s: %w", sessionID, ErrTooManyConflicts)
}

// UpdateSession applies a partial update.
func (r *RedisStore) UpdateSession(ctx context.Context, sessionID string, update SessionUpdate) error {
	return r.WithSession(ctx, sessionID, update.apply)
}

// GetAnswers returns the recorded answers of a session.
func (r *RedisStore) GetAnswers(ctx context.Context, sessionID string) (domain.Answers, error) {
	return r.loadAnswers(ctx, r.client, sessionID)
}

// SaveAnswer records or overwrites one answer.
func (r *RedisStore) SaveAnswer(ctx context.Context, sessionID string, ordinal, value int) error {
	return r.WithSession(ctx, sessionID, func(tx *SessionTx) error {
		tx.SetAnswer(ordinal, value)
		return nil
	})
}

// CompleteSession marks the session completed and releases its active key.
func (r *RedisStore) CompleteSession(ctx context.Context, sessionID string) error {
	return r.WithSession(ctx, sessionID, func(tx *SessionTx) error {
		tx.MarkCompleted()
		return nil
	})
}

// SaveAnalysis appends the analysis as JSON to the session's list.
func (r *RedisStore) SaveAnalysis(ctx context.Context, analysis *domain.Analysis) error {
	prepareAnalysis(analysis)
	data, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	if err := r.client.RPush(ctx, r.analysesKey(analysis.SessionID), data).Err(); err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	return nil
}

// ListAnalyses returns the session's analyses, oldest first.
func (r *RedisStore) ListAnalyses(ctx context.Context, sessionID string) ([]*domain.Analysis, error) {
	raw, err := r.client.LRange(ctx, r.analysesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	analyses := make([]*domain.Analysis, 0, len(raw))
	for _, item := range raw {
		var a domain.Analysis
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			return nil, fmt.Errorf("decode analysis: %w", err)
		}
		analyses = append(analyses, &a)
	}
	return analyses, nil
}

// Ping verifies connectivity to Redis.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisStore) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func parseUnixNano(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}
