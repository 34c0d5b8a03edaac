package httpapi

import (
	"net"
	"net/http"
	"time"

	"github.com/markl-a/GarageSwarm-sub000/internal/coordinator"
)

// rateLimit builds middleware enforcing a per-(caller, endpoint) quota
// against the Coordinator's ratelimit:{user}:{endpoint} counter, the
// natural home for this on the Coordinator's general K/V role. identify
// extracts the caller key from the request (worker id once authenticated,
// remote address before that).
func rateLimit(coord *coordinator.Coordinator, endpoint string, limit int64, window time.Duration, identify func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := coord.CheckRateLimit(r.Context(), identify(r), endpoint, limit, window)
			if err != nil {
				http.Error(w, "rate limit check failed", http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// identifyByRemoteAddr keys an unauthenticated caller by remote IP, for
// endpoints reached before a worker or user identity exists.
func identifyByRemoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// identifyByWorker keys an authenticated worker by its id.
func identifyByWorker(r *http.Request) string {
	return WorkerIDFromContext(r.Context()).String()
}
