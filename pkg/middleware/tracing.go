package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type traceKey struct{}

// TraceMiddleware propagates an X-Trace-Id header, minting one when the
// caller did not supply it. The id rides the request context so log
// lines across services correlate.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = uuid.New().String()
		}

		w.Header().Set("X-Trace-Id", traceID)

		ctx := context.WithValue(r.Context(), traceKey{}, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTraceID returns the trace id for a request, or "" when tracing was
// not applied.
func GetTraceID(r *http.Request) string {
	if traceID, ok := r.Context().Value(traceKey{}).(string); ok {
		return traceID
	}
	return ""
}

// PropagateTraceID copies the trace id onto an outgoing request.
func PropagateTraceID(req *http.Request, traceID string) {
	if traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}
}
