package trace

import (
	"encoding/json"
	"net/http"
)

// Middleware continues the caller's trace from request headers (or starts
// one) and echoes the trace id in the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := continueFrom(r.Header.Get(TraceIDKey), r.Header.Get(SpanIDKey))
		w.Header().Set(TraceIDKey, tc.TraceID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

// ExtractFromJSON reads a "trace_id" field from a WebSocket message.
// It reports whether one was present.
func ExtractFromJSON(data []byte) (Context, bool) {
	var msg struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.TraceID == "" {
		return New(), false
	}
	return continueFrom(msg.TraceID, ""), true
}
