package response

import (
	"encoding/json"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Every endpoint replies with the same envelope: success flag, one of
// data or error, and request metadata.
type body struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *ErrorDoc `json:"error,omitempty"`
	Meta    metaDoc   `json:"meta"`
}

// ErrorDoc is the client-facing error shape. Code is a stable machine
// identifier; Message stays generic for auth failures.
type ErrorDoc struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type metaDoc struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	write(w, status, body{Success: true, Data: data, Meta: metaFor(r)})
}

func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	write(w, status, body{
		Success: false,
		Error:   &ErrorDoc{Code: code, Message: message, Details: details},
		Meta:    metaFor(r),
	})
}

// write marshals before touching the ResponseWriter so a marshal
// failure can still produce a well-formed 500.
func write(w http.ResponseWriter, status int, b body) {
	raw, err := json.Marshal(b)
	if err != nil {
		http.Error(w, `{"success":false,"error":{"code":"INTERNAL","message":"encoding failure"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func metaFor(r *http.Request) metaDoc {
	id := chimiddleware.GetReqID(r.Context())
	if id == "" {
		id = r.Header.Get("X-Request-Id")
	}
	if id == "" {
		id = "req-unknown"
	}
	return metaDoc{RequestID: id, Timestamp: time.Now().UTC()}
}
