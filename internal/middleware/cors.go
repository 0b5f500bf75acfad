// Package middleware provides HTTP middleware for the traitlab API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/traitlab/internal/identity"
)

// corsMaxAge is how long browsers may cache a preflight answer.
const corsMaxAge = 10 * time.Minute

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{"Content-Type", identity.ChannelHeaderName}, ", ")
)

// CORS returns middleware that lets the chat page call the API from the
// configured origins. "*" admits any origin but never with credentials, since
// the anonymous identity cookie would then be usable cross-site.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	explicit := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		explicit[strings.TrimRight(o, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			credentialed := explicit[origin]
			allowed := origin != "" && (credentialed || wildcard)

			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				if credentialed {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			// Preflight.
			switch {
			case origin == "":
				w.WriteHeader(http.StatusNoContent)
			case !allowed:
				w.WriteHeader(http.StatusForbidden)
			default:
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int(corsMaxAge.Seconds())))
				w.WriteHeader(http.StatusNoContent)
			}
		})
	}
}
