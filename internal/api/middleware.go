package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0t4v14n0/medmais-scheduling/internal/schedule"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	actorKey     contextKey = "actor"
)

// RequestIDMiddleware adds a unique request ID to each request context
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs every request with method, path, status, duration,
// and request ID.
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", GetRequestID(r.Context())),
			)
		})
	}
}

// ActorMiddleware extracts the pre-authenticated actor from headers set by
// the identity layer upstream. The engine trusts the resolved identity and
// only enforces domain preconditions against it.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorID, err := uuid.Parse(r.Header.Get("X-Actor-ID"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_actor", "X-Actor-ID must be a valid UUID")
			return
		}

		role := schedule.Role(r.Header.Get("X-Actor-Role"))
		switch role {
		case schedule.RolePatient, schedule.RolePractitioner, schedule.RoleReception:
		default:
			writeError(w, http.StatusUnauthorized, "invalid_actor", "X-Actor-Role must be patient, practitioner, or reception")
			return
		}

		actor := schedule.Actor{ID: actorID, Role: role}
		ctx := context.WithValue(r.Context(), actorKey, actor)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ActorFromContext retrieves the actor placed by ActorMiddleware.
func ActorFromContext(ctx context.Context) schedule.Actor {
	if a, ok := ctx.Value(actorKey).(schedule.Actor); ok {
		return a
	}
	return schedule.Actor{}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
