package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/docgate/internal/docerr"
)

type contextKey string

const (
	contextKeyRequestID  contextKey = "request_id"
	contextKeyTokenID    contextKey = "token_id"
	contextKeyIndexes    contextKey = "indexes"
	contextKeyPermission contextKey = "permission"
)

// Token permissions.
const (
	PermissionRead      = "ro"
	PermissionReadWrite = "rw"
)

// TokenInfo holds the metadata for an authenticated token.
type TokenInfo struct {
	ID         string   `json:"id"`
	TokenHash  string   `json:"token_hash"`
	Desc       string   `json:"description"`
	Indexes    []string `json:"indexes"`
	Permission string   `json:"permission"` // "ro" or "rw"
}

// TokenStore is the interface for managing authentication tokens.
type TokenStore interface {
	GetByHash(hash string) (*TokenInfo, error)
	ListTokens() ([]*TokenInfo, error)
	DeleteToken(id string) error
	CreateToken(desc string, indexes []string, permission string) (rawToken string, info *TokenInfo, err error)
}

// requestIDMiddleware generates a UUID per request and adds it to the context.
// A well-formed X-Request-ID sent by the caller is kept.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs request method, path, status, and latency, and
// records them in the HTTP metrics when m is not nil.
func loggingMiddleware(logger *slog.Logger, m *httpMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			elapsed := time.Since(start)
			if m != nil {
				m.observe(r.Method, rw.statusCode, elapsed)
			}

			reqID, _ := r.Context().Value(contextKeyRequestID).(string)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"latency_ms", elapsed.Milliseconds(),
				"request_id", reqID,
			)
		})
	}
}

// recoveryMiddleware catches panics and returns 500.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, statusCode: 0}
			defer func() {
				if rec := recover(); rec != nil {
					reqID, _ := r.Context().Value(contextKeyRequestID).(string)
					logger.Error("panic recovered", "error", rec, "request_id", reqID)
					if rw.statusCode == 0 {
						writeJSON(rw, http.StatusInternalServerError, errorBody{
							Error:   string(docerr.CodeInternal),
							Message: "internal server error",
						})
					}
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// authMiddleware validates bearer tokens and sets permissions in context.
func authMiddleware(tokens TokenStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeJSON(w, http.StatusUnauthorized, errorBody{
					Error:   "auth_failed",
					Message: "missing or invalid Authorization header",
				})
				return
			}

			info, err := tokens.GetByHash(HashToken(strings.TrimPrefix(auth, "Bearer ")))
			if err != nil || info == nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{
					Error:   "auth_failed",
					Message: "invalid token",
				})
				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, contextKeyTokenID, info.ID)
			ctx = context.WithValue(ctx, contextKeyIndexes, info.Indexes)
			ctx = context.WithValue(ctx, contextKeyPermission, info.Permission)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireIndex checks that the token has access to the requested index.
func requireIndex(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.PathValue("index")
		indexes, _ := r.Context().Value(contextKeyIndexes).([]string)
		for _, ix := range indexes {
			if ix == "*" || ix == uid {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeJSON(w, http.StatusForbidden, errorBody{
			Error:   "forbidden",
			Message: "token does not have access to index '" + uid + "'",
		})
	})
}

// requireWrite checks that the token has "rw" permission.
func requireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		perm, _ := r.Context().Value(contextKeyPermission).(string)
		if perm != PermissionReadWrite {
			writeJSON(w, http.StatusForbidden, errorBody{
				Error:   "forbidden",
				Message: "read-only token cannot perform write operations",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter is a per-token fixed window rate limiter. Anonymous callers are
// keyed by remote host.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	done    chan struct{}
}

type window struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	rl := &rateLimiter{
		windows: make(map[string]*window),
		limit:   requestsPerMinute,
		done:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for k, w := range rl.windows {
				if now.After(w.resetAt) {
					delete(rl.windows, k)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) Stop() {
	close(rl.done)
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key, _ := r.Context().Value(contextKeyTokenID).(string)
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = host
		}

		rl.mu.Lock()
		win, ok := rl.windows[key]
		now := time.Now()
		if !ok || now.After(win.resetAt) {
			win = &window{count: 0, resetAt: now.Add(time.Minute)}
			rl.windows[key] = win
		}
		win.count++
		count := win.count
		retryAfter := int(time.Until(win.resetAt).Seconds()) + 1
		rl.mu.Unlock()

		if count > rl.limit {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:   "rate_limited",
				Message: "rate limit exceeded",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HashToken returns the SHA256 hex digest of a raw token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
