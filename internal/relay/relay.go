// Package relay owns the write end of every live sandbox's stdin pipe.
package relay

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dontdude/replbox/internal/domain"
)

// DefaultWriteTimeout bounds a single stdin write when the program is not reading.
const DefaultWriteTimeout = 5 * time.Second

// Relay maps session IDs to stdin pipe writers.
// Registration, lookup and removal are safe for concurrent use; removal is idempotent.
type Relay struct {
	mu      sync.Mutex
	writers map[string]*os.File

	writeTimeout time.Duration
}

// New creates an empty Relay. A non-positive writeTimeout means DefaultWriteTimeout.
func New(writeTimeout time.Duration) *Relay {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Relay{
		writers:      make(map[string]*os.File),
		writeTimeout: writeTimeout,
	}
}

// Pipe is the read end of one registered stdin pipe. The sandbox reads from it;
// the owner calls Release when the sandbox is gone.
type Pipe struct {
	*os.File

	relay     *Relay
	sessionID string
	w         *os.File
}

var _ io.ReadCloser = (*Pipe)(nil)

// Release deregisters the write end if it is still the one registered for the
// session, then closes the read end. A newer pipe that reused the session ID
// is left alone.
func (p *Pipe) Release() {
	p.relay.remove(p.sessionID, p.w)
	p.File.Close()
}

// Open registers a fresh pipe for sessionID and returns its read end, which the
// caller wires to the container's stdin and must Release. It fails with
// domain.ErrSessionBusy if the session already has a live pipe.
func (r *Relay) Open(sessionID string) (*Pipe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.writers[sessionID]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionBusy, sessionID)
	}

	// A kernel pipe buffers input typed before the program reads it.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	r.writers[sessionID] = pw

	slog.Info("Input pipe registered", "sessionID", sessionID, "activeSessions", len(r.writers))
	return &Pipe{File: pr, relay: r, sessionID: sessionID, w: pw}, nil
}

// Write sends text to the session's stdin, adding a trailing newline if absent.
// Unknown sessions are dropped: the sandbox may not have started yet or may have finished.
func (r *Relay) Write(sessionID, text string) domain.Delivery {
	w := r.lookup(sessionID)
	if w == nil {
		slog.Warn("No active sandbox for input, dropping",
			"sessionID", sessionID, "activeSessions", r.Active())
		return domain.Dropped
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	// Not every platform supports deadlines on pipes; ignore the error there.
	_ = w.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	if _, err := w.WriteString(text); err != nil {
		slog.Error("Failed to write input to sandbox", "sessionID", sessionID, "error", err)
		r.remove(sessionID, w)
		return domain.Dropped
	}

	slog.Debug("Input sent to sandbox", "sessionID", sessionID, "bytes", len(text))
	return domain.Delivered
}

// Close signals end-of-input to the session's sandbox and deregisters the pipe.
// Closing an absent session is a no-op that reports Dropped.
func (r *Relay) Close(sessionID string) domain.Delivery {
	r.mu.Lock()
	w, exists := r.writers[sessionID]
	delete(r.writers, sessionID)
	remaining := len(r.writers)
	r.mu.Unlock()

	if !exists {
		slog.Debug("No input pipe to close", "sessionID", sessionID)
		return domain.Dropped
	}

	if err := w.Close(); err != nil {
		slog.Error("Error closing input pipe", "sessionID", sessionID, "error", err)
	}
	slog.Info("Input pipe closed", "sessionID", sessionID, "activeSessions", remaining)
	return domain.Delivered
}

// Handle dispatches an input event by kind.
func (r *Relay) Handle(ev domain.InputEvent) domain.Delivery {
	if ev.Kind == domain.InputClose {
		return r.Close(ev.SessionID)
	}
	return r.Write(ev.SessionID, ev.Payload)
}

// Active returns the number of registered pipes.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writers)
}

// Has reports whether sessionID has a registered pipe.
func (r *Relay) Has(sessionID string) bool {
	return r.lookup(sessionID) != nil
}

func (r *Relay) lookup(sessionID string) *os.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writers[sessionID]
}

// remove drops the writer only if it is still the one registered, so a failed
// write cannot evict a newer session that reused the ID.
func (r *Relay) remove(sessionID string, w *os.File) {
	r.mu.Lock()
	current, exists := r.writers[sessionID]
	if exists && current == w {
		delete(r.writers, sessionID)
	}
	r.mu.Unlock()

	if exists && current == w {
		w.Close()
	}
}
