package docker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dontdude/replbox/internal/domain"
)

var errAttachmentClosed = errors.New("attachment closed")

// attachment turns the hijacked, multiplexed attach stream into a bounded
// channel of tagged frames. The output pump blocks when the channel is full,
// which throttles the container instead of buffering without limit.
type attachment struct {
	hj     types.HijackedResponse
	frames chan domain.Frame
	done   chan struct{}

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newAttachment(hj types.HijackedResponse, stdin io.Reader, frameBuffer int) *attachment {
	a := &attachment{
		hj:     hj,
		frames: make(chan domain.Frame, frameBuffer),
		done:   make(chan struct{}),
	}
	go a.pumpOutput()
	if stdin != nil {
		go a.pumpInput(stdin)
	}
	return a
}

func (a *attachment) Frames() <-chan domain.Frame {
	return a.frames
}

func (a *attachment) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *attachment) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.hj.Close()
	})
	return nil
}

func (a *attachment) pumpOutput() {
	defer close(a.frames)

	_, err := stdcopy.StdCopy(a.writer(domain.Stdout), a.writer(domain.Stderr), a.hj.Reader)
	if err == nil || a.closed() {
		return
	}

	a.mu.Lock()
	a.err = fmt.Errorf("%w: %v", domain.ErrStream, err)
	a.mu.Unlock()
}

// pumpInput forwards stdin until EOF, then half-closes the connection so the
// container sees end of input.
func (a *attachment) pumpInput(stdin io.Reader) {
	if _, err := io.Copy(a.hj.Conn, stdin); err != nil && !a.closed() {
		slog.Debug("Stdin forwarding stopped", "error", err)
	}
	if a.closed() {
		return
	}
	if err := a.hj.CloseWrite(); err != nil {
		slog.Debug("Failed to half-close attach connection", "error", err)
	}
}

func (a *attachment) closed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *attachment) writer(stream domain.StreamType) io.Writer {
	return frameWriter{a: a, stream: stream}
}

type frameWriter struct {
	a      *attachment
	stream domain.StreamType
}

func (w frameWriter) Write(p []byte) (int, error) {
	payload := make([]byte, len(p))
	copy(payload, p)

	select {
	case w.a.frames <- domain.Frame{Stream: w.stream, Payload: payload}:
		return len(p), nil
	case <-w.a.done:
		return 0, errAttachmentClosed
	}
}
