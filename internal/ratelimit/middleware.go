package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ashita-ai/kujo/internal/ctxutil"
	"github.com/ashita-ai/kujo/internal/model"
)

// KeyFunc picks the budget a request draws from. An empty key exempts the
// request.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests whose budget is spent with 429 and the
// standard error envelope.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := limiter.Allow(r.Context(), key)
			switch {
			case err != nil:
				logger.Warn("ratelimit: limiter unavailable, request allowed",
					"key", key, "request_id", ctxutil.RequestIDFromContext(r.Context()), "error", err)
			case !allowed:
				tooManyRequests(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tooManyRequests(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Retry-After", "1")
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: model.ErrCodeRateLimited, Message: "too many requests"},
		Meta: model.ResponseMeta{
			RequestID: ctxutil.RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// OperatorKeyFunc draws from the verified operator's budget. Admins are
// exempt. Unauthenticated requests fall back to the peer address.
func OperatorKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	switch {
	case claims == nil:
		return IPKeyFunc(r)
	case claims.Role == model.RoleAdmin:
		return ""
	default:
		return OperatorKey(claims.TenantID, claims.Subject)
	}
}

// IPKeyFunc keys on the TCP peer. X-Forwarded-For is ignored since clients
// control it.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return "ip:" + host
}
