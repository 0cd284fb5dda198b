package observability

import (
	"log/slog"
	"net/http"
)

// Audit emits a structured audit event through the process logger. The
// audit-log collaborator consumes these records; emission is
// fire-and-forget and must never fail the request.
func Audit(r *http.Request, event string, attrs ...any) {
	base := []any{
		"event", event,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", r.Header.Get("X-Request-Id"),
	}
	base = append(base, attrs...)
	slog.InfoContext(r.Context(), "audit", base...)
}

// TruncateID shortens session ids and token ids for audit output. Raw
// identifiers never appear in logs; eight characters is enough to
// correlate without being replayable.
func TruncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
