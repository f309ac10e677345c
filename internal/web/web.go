// Package web holds the small HTTP response helpers shared by handlers.
package web

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

func JSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("json encode", "err", err)
	}
}

// ErrorBody is the JSON shape of every API error.
type ErrorBody struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	Retryable         bool   `json:"retryable,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

func Error(w http.ResponseWriter, status int, err error) {
	ErrorCode(w, status, "error", err.Error())
}

func ErrorCode(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorBody{Error: message, Code: code})
}

// RetryLater writes an error the client may retry. A positive after is
// also sent as Retry-After.
func RetryLater(w http.ResponseWriter, status int, code, message string, after time.Duration) {
	secs := SetRetryAfter(w, after)
	JSON(w, status, ErrorBody{Error: message, Code: code, Retryable: true, RetryAfterSeconds: secs})
}

// SetRetryAfter sets the Retry-After header in whole seconds, rounded up,
// and returns the value it wrote. Zero or negative durations are skipped.
func SetRetryAfter(w http.ResponseWriter, after time.Duration) int {
	if after <= 0 {
		return 0
	}
	secs := int((after + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	return secs
}

// StatusWriter wraps ResponseWriter to capture the status code.
// It preserves Hijacker and Flusher interfaces for WebSocket support.
type StatusWriter struct {
	http.ResponseWriter
	Code int
}

func (w *StatusWriter) WriteHeader(code int) {
	w.Code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *StatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		// A hijacked connection answers 101 itself.
		w.Code = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter is not a Hijacker")
}

func (w *StatusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
