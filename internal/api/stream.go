package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// SSEWriter forwards the live session transcript as Server-Sent Events, one
// event per write.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	event   string
	mu      sync.Mutex
}

// NewSSEWriter returns nil if w cannot flush.
func NewSSEWriter(w http.ResponseWriter, event string) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{
		w:       w,
		flusher: flusher,
		event:   event,
	}
}

// Write sends p as one event. Terminal output uses CRLF line endings; every
// line gets its own data field so output can never end an event early.
func (s *SSEWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	text := strings.ReplaceAll(string(p), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", s.event)
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	if _, err := fmt.Fprint(s.w, b.String()); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}

// sendSSEDone sends the final result as JSON.
func sendSSEDone(w http.ResponseWriter, data string) {
	sendSSE(w, "done", data)
}

func sendSSEError(w http.ResponseWriter, data string) {
	sendSSE(w, "error", data)
}

func sendSSE(w http.ResponseWriter, event, data string) {
	if flusher, ok := w.(http.Flusher); ok {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}
}
