// Package bus is the in-process publish/subscribe hub between the engine and the
// connection layer.
//
// Output events are queued and delivered by a single dispatcher goroutine, so the
// goroutine reading container output never waits on a slow connection, and events
// reach subscribers in publish order. Each session may have at most MaxPending
// undelivered output events; further output is dropped until the dispatcher
// catches up. Input events are delivered synchronously on
// the publisher's goroutine; successive inputs from one client keep their order.
package bus

import (
	"log/slog"
	"sync"

	"github.com/dontdude/replbox/internal/domain"
	"github.com/dontdude/replbox/internal/monitor"
)

// DefaultMaxPending bounds undelivered output per session.
const DefaultMaxPending = 1024

// Options tunes a Bus.
type Options struct {
	// MaxPending is the per-session queue limit. Non-positive means DefaultMaxPending.
	MaxPending int
	Metrics    *monitor.Metrics
}

// OutputHandler receives flushed sandbox output.
type OutputHandler func(domain.OutputEvent)

// InputHandler receives client input.
type InputHandler func(domain.InputEvent)

// Bus fans events out to subscribers.
type Bus struct {
	subMu      sync.RWMutex
	outputSubs []OutputHandler
	inputSubs  []InputHandler

	opts Options

	// mu guards the pending output queue, its per-session counts and closed.
	mu         sync.Mutex
	pending    []domain.OutputEvent
	counts     map[string]int
	overflowed map[string]int
	closed     bool

	wake chan struct{}
	done chan struct{}
}

// New creates a Bus and starts its output dispatcher.
func New(opts Options) *Bus {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	b := &Bus{
		opts:       opts,
		counts:     make(map[string]int),
		overflowed: make(map[string]int),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// SubscribeOutput registers h for every OutputEvent.
func (b *Bus) SubscribeOutput(h OutputHandler) {
	b.subMu.Lock()
	b.outputSubs = append(b.outputSubs, h)
	b.subMu.Unlock()
}

// SubscribeInput registers h for every InputEvent.
func (b *Bus) SubscribeInput(h InputHandler) {
	b.subMu.Lock()
	b.inputSubs = append(b.inputSubs, h)
	b.subMu.Unlock()
}

// PublishOutput queues ev for delivery and returns immediately. It reports
// Dropped when the bus is closed or the session's queue is full.
func (b *Bus) PublishOutput(ev domain.OutputEvent) domain.Delivery {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		slog.Warn("Output published after bus closed, dropping", "sessionID", ev.SessionID)
		return domain.Dropped
	}
	if b.counts[ev.SessionID] >= b.opts.MaxPending {
		b.overflowed[ev.SessionID]++
		first := b.overflowed[ev.SessionID] == 1
		b.mu.Unlock()
		if first {
			slog.Warn("Output queue full, dropping until the client catches up",
				"sessionID", ev.SessionID, "maxPending", b.opts.MaxPending)
		}
		b.opts.Metrics.RecordDelivery("output", domain.Dropped.String())
		return domain.Dropped
	}
	b.pending = append(b.pending, ev)
	b.counts[ev.SessionID]++
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return domain.Delivered
}

// Pending returns the number of undelivered output events for sessionID.
func (b *Bus) Pending(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[sessionID]
}

// PublishInput delivers ev to every input subscriber before returning.
func (b *Bus) PublishInput(ev domain.InputEvent) {
	b.subMu.RLock()
	subs := b.inputSubs
	b.subMu.RUnlock()

	for _, h := range subs {
		h(ev)
	}
}

// Close stops accepting output, delivers what is already queued and waits for
// the dispatcher to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)

	for range b.wake {
		for {
			b.mu.Lock()
			batch := b.pending
			b.pending = nil
			closed := b.closed
			b.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}

			b.subMu.RLock()
			subs := b.outputSubs
			b.subMu.RUnlock()

			for _, ev := range batch {
				for _, h := range subs {
					b.deliver(h, ev)
				}
				b.delivered(ev.SessionID)
			}
		}
	}
}

// delivered frees one queue slot for sessionID. Once the session's queue has
// drained, it reports how much output an overflow cost.
func (b *Bus) delivered(sessionID string) {
	b.mu.Lock()
	b.counts[sessionID]--
	var dropped int
	if b.counts[sessionID] <= 0 {
		delete(b.counts, sessionID)
		dropped = b.overflowed[sessionID]
		delete(b.overflowed, sessionID)
	}
	b.mu.Unlock()

	if dropped > 0 {
		slog.Warn("Output dropped for slow client", "sessionID", sessionID, "dropped", dropped)
	}
}

// deliver isolates the dispatcher from a panicking subscriber.
func (b *Bus) deliver(h OutputHandler, ev domain.OutputEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Output subscriber panicked", "sessionID", ev.SessionID, "panic", r)
		}
	}()
	h(ev)
}
