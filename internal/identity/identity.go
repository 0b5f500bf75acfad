// Package identity provides anonymous per-device identity and channel
// resolution for HTTP and WebSocket requests.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/traitlab/internal/domain"
)

const (
	AnonCookieName    = "traitlab_uid"
	ChannelHeaderName = "X-Traitlab-Channel"
	DefaultChannelID  = "default"
	anonCookieMaxAge  = 365 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
	channelIDKey
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	channelIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// UserEnsurer creates the user record on first contact.
type UserEnsurer interface {
	EnsureUser(ctx context.Context, userID, username string) (*domain.User, error)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// ChannelIDFromContext extracts the channel ID from the request context.
func ChannelIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(channelIDKey).(string); ok {
		return v
	}
	return DefaultChannelID
}

// WithIdentity returns ctx carrying the given identity. Used by tests and
// by transports that resolve identity on their own.
func WithIdentity(ctx context.Context, userID, username, channelID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, usernameKey, username)
	return context.WithValue(ctx, channelIDKey, SanitizeChannelID(channelID))
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

// SanitizeChannelID returns id when it is a valid channel id, otherwise the
// default channel.
func SanitizeChannelID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !channelIDPattern.MatchString(id) {
		return DefaultChannelID
	}
	return id
}

// DeriveUsername builds a display name from an anonymous id.
func DeriveUsername(userID string) string {
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

func channelIDFromRequest(r *http.Request) string {
	cid := r.Header.Get(ChannelHeaderName)
	if cid == "" {
		cid = r.URL.Query().Get("channel")
	}
	return SanitizeChannelID(cid)
}

// Middleware injects the anonymous per-device user id and the request's
// channel id, creating the user record on first contact.
func Middleware(users UserEnsurer, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			username := DeriveUsername(userID)
			if _, err := users.EnsureUser(r.Context(), userID, username); err != nil {
				http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithIdentity(r.Context(), userID, username, channelIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
