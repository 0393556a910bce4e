// Package aggregate coalesces raw sandbox output into flushable message units.
package aggregate

import (
	"strings"
	"sync"
)

// Policy decides when buffered output is flushed.
// The defaults reproduce the behaviour clients were built against; they are
// tuning constants, not message-boundary guarantees.
type Policy struct {
	// Delimiters are characters that trigger a flush in addition to '\n'.
	Delimiters string
	// MaxLength flushes once the buffer grows beyond this many bytes. Zero disables it.
	MaxLength int
}

// DefaultPolicy flushes on newline, ':' (so prompts like "Name:" show up) or past 50 bytes.
func DefaultPolicy() Policy {
	return Policy{Delimiters: ":", MaxLength: 50}
}

// Aggregator buffers output for one session and hands complete units to emit.
type Aggregator struct {
	policy  Policy
	trigger string
	emit    func(text string)

	// mu guards buf and total. The emit call happens under it so flushes
	// leave in the order they were cut.
	mu      sync.Mutex
	buf     strings.Builder
	total   strings.Builder
	flushes int
}

// New creates an Aggregator. emit is called once per flush.
func New(policy Policy, emit func(text string)) *Aggregator {
	return &Aggregator{
		policy:  policy,
		trigger: "\n" + policy.Delimiters,
		emit:    emit,
	}
}

// Append adds text and flushes if the policy says so. It reports whether a flush happened.
func (a *Aggregator) Append(text string) bool {
	if text == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf.WriteString(text)
	if !a.shouldFlushLocked() {
		return false
	}
	a.flushLocked()
	return true
}

// Flush emits whatever is buffered. An empty buffer emits nothing.
func (a *Aggregator) Flush() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buf.Len() == 0 {
		return false
	}
	a.flushLocked()
	return true
}

// Output returns the concatenation of everything flushed so far.
func (a *Aggregator) Output() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total.String()
}

// Flushes returns how many units have been emitted.
func (a *Aggregator) Flushes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushes
}

func (a *Aggregator) shouldFlushLocked() bool {
	s := a.buf.String()
	if strings.ContainsAny(s, a.trigger) {
		return true
	}
	return a.policy.MaxLength > 0 && len(s) > a.policy.MaxLength
}

func (a *Aggregator) flushLocked() {
	text := a.buf.String()
	a.buf.Reset()
	a.total.WriteString(text)
	a.flushes++
	if a.emit != nil {
		a.emit(text)
	}
}
