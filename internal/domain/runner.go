package domain

import (
	"context"
	"io"
	"time"
)

// StreamType tags a frame with the container stream it was read from.
type StreamType int

const (
	Stdout StreamType = iota + 1
	Stderr
)

func (s StreamType) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Frame is one chunk of container output, as delivered by the engine's multiplexed stream.
type Frame struct {
	Stream  StreamType
	Payload []byte
}

// ContainerSpec describes the single container created for one job.
type ContainerSpec struct {
	Name      string
	Image     string
	Cmd       []string
	HostDir   string // bind source on the daemon's host
	MountPath string // bind target inside the container

	AutoRemove   bool
	AttachStdin  bool
	AttachStdout bool
	AttachStderr bool
}

// Attachment is a live connection to a container's standard streams.
type Attachment interface {
	// Frames yields output in arrival order. It is closed when the stream ends.
	Frames() <-chan Frame

	// Err reports why the stream ended. Only meaningful after Frames is closed;
	// nil means the container closed its output normally.
	Err() error

	// Close releases the underlying connection. Safe to call more than once.
	Close() error
}

// SandboxRuntime is the capability the engine needs from the container engine.
// Implementations must not retry; a failed pull is final for the execution.
type SandboxRuntime interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// Attach connects to the container streams. Everything read from stdin is
	// forwarded to the container; EOF on stdin closes the container's stdin.
	Attach(ctx context.Context, containerID string, stdin io.Reader) (Attachment, error)

	Start(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string, force bool) error
}

// Executor runs one job end-to-end.
type Executor interface {
	Execute(ctx context.Context, job Job) (*Result, error)
}

// Job is one queued request to execute a piece of source code.
type Job struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	CodeContent string `json:"codeContent"` // base64
	Language    string `json:"language"`
	UserID      int    `json:"userId"`

	// RawID is the internal Stream ID from Redis (e.g. 1700000-0).
	// We need this to Acknowledge the message later.
	RawID string `json:"-"`
}

// Result summarises a finished execution.
type Result struct {
	JobID     string
	SessionID string
	Language  string
	State     State
	Output    string
	Duration  time.Duration
}

// JobResult is the notification broadcast after a job has been handled.
type JobResult struct {
	JobID       string `json:"jobId"`
	SessionID   string `json:"sessionId"`
	Language    string `json:"language"`
	State       string `json:"state"`
	OutputBytes int    `json:"outputBytes"`
	DurationMS  int64  `json:"durationMs"`
	Error       string `json:"error,omitempty"`
}
