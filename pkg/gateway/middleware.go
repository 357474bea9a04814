package gateway

import (
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// sessionIDPattern rejects anything that could escape a map key or a
// filesystem folder name before the registry is ever touched.
var sessionIDPattern = regexp.MustCompile(`^[\w-]+$`)

// ValidSessionID reports whether an id is alphanumeric plus
// hyphen/underscore.
func ValidSessionID(id string) bool { return sessionIDPattern.MatchString(id) }

// logRequests tags every request with an id and logs method, path and
// duration at debug level.
func (r *Router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)
		start := time.Now()
		next.ServeHTTP(w, req)
		r.logger.Debug().
			Str("request_id", reqID).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

func (r *Router) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	if r.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func (r *Router) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.APIKey != "" && req.Header.Get("x-api-key") != r.cfg.APIKey {
			writeError(w, http.StatusForbidden, "invalid api key")
			return
		}
		next(w, req)
	}
}

func (r *Router) requireValidSessionID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !ValidSessionID(req.PathValue("sessionId")) {
			writeError(w, http.StatusUnprocessableEntity, "session id must be alphanumeric, hyphen or underscore")
			return
		}
		next(w, req)
	}
}

// requireConnected guards operation routes: the session must validate as
// connected before the handler sees the request.
func (r *Router) requireConnected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		v := r.manager.ValidateSession(req.Context(), req.PathValue("sessionId"))
		if !v.Success {
			writeError(w, http.StatusNotFound, v.Message)
			return
		}
		next(w, req)
	}
}
