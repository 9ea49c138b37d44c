package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	rateLimitWindow = 15 * time.Minute
	rateLimitMax    = 100
)

func (s *SensaCallApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware accepts the session cookie or a bearer token. Both
// carry the same JWT; the header form is used by non-browser clients
// and offline replays.
func (s *SensaCallApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if tokenCookie, err := r.Cookie(tokenCookieKey); err == nil {
			tokenString = tokenCookie.Value
		} else if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			tokenString = strings.TrimPrefix(auth, "Bearer ")
		}

		if tokenString == "" {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		userId, err := s.extractUserIdFromToken(tokenString)
		if err != nil {
			s.log.Printf("failed to extract user id from token: %v", err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithUserId(r.Context(), userId)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}

// rateLimitMiddleware enforces a fixed per-address window over the
// REST surface using a redis counter. Without a redis client it is a
// pass-through, and a redis outage fails open: the request proceeds.
// The websocket upgrade and health probe are never limited.
func (s *SensaCallApp) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rdb == nil || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		key := "ratelimit:" + host

		count, err := s.rdb.Incr(r.Context(), key).Result()
		if err != nil {
			s.log.Printf("rate limit incr %q: %v", key, err)
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			if err := s.rdb.Expire(r.Context(), key, rateLimitWindow).Err(); err != nil {
				s.log.Printf("rate limit expire %q: %v", key, err)
			}
		}

		if count > rateLimitMax {
			errResp := NewTooManyRequestsError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		next.ServeHTTP(w, r)
	})
}
