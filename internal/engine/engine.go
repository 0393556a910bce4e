// Package engine runs one job end-to-end: workspace, image, container, streamed
// output, interactive input and cleanup.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dontdude/replbox/internal/aggregate"
	"github.com/dontdude/replbox/internal/domain"
	"github.com/dontdude/replbox/internal/monitor"
	"github.com/dontdude/replbox/internal/relay"
	"github.com/dontdude/replbox/internal/workspace"
)

const (
	// DefaultTimeout bounds the streaming phase of one execution.
	DefaultTimeout = 300 * time.Second

	cleanupTimeout = 30 * time.Second
)

// Provisioner prepares the job directory.
type Provisioner interface {
	Provision(job domain.Job) (*workspace.Workspace, error)
	MountPath() string
}

// InputRelay owns the sandbox stdin pipes.
type InputRelay interface {
	Open(sessionID string) (*relay.Pipe, error)
}

// OutputPublisher receives every flushed unit of output. It must not block and
// may drop output it cannot queue.
type OutputPublisher interface {
	PublishOutput(ev domain.OutputEvent) domain.Delivery
}

// Options tunes the engine.
type Options struct {
	Timeout time.Duration
	// AutoRemove lets the daemon delete the container once it exits.
	AutoRemove bool
	// KillOnTimeout force-removes a container that outlived Timeout.
	// Off by default: a timed-out program keeps running until it exits.
	KillOnTimeout bool
	// Policy controls output coalescing. Nil means aggregate.DefaultPolicy;
	// a zero Policy flushes on newline only.
	Policy *aggregate.Policy

	Metrics *monitor.Metrics
	Tracer  *monitor.Tracer
}

// Engine implements domain.Executor on top of a SandboxRuntime.
type Engine struct {
	provisioner Provisioner
	runtime     domain.SandboxRuntime
	relay       InputRelay
	publisher   OutputPublisher
	opts        Options
	policy      aggregate.Policy

	// live holds every session with a sandbox between stdin registration and
	// cleanup. It outlives the stdin pipe, which the client may close early.
	mu   sync.Mutex
	live map[string]struct{}
}

var _ domain.Executor = (*Engine)(nil)

// New returns an Engine. A zero Timeout falls back to DefaultTimeout and a nil
// Policy to aggregate.DefaultPolicy.
func New(p Provisioner, rt domain.SandboxRuntime, in InputRelay, pub OutputPublisher, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	policy := aggregate.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	return &Engine{
		provisioner: p,
		runtime:     rt,
		relay:       in,
		publisher:   pub,
		opts:        opts,
		policy:      policy,
		live:        make(map[string]struct{}),
	}
}

// reserve claims sessionID for one sandbox. It fails with domain.ErrSessionBusy
// while another execution for the session has not been cleaned up.
func (e *Engine) reserve(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.live[sessionID]; busy {
		return fmt.Errorf("%w: %s", domain.ErrSessionBusy, sessionID)
	}
	e.live[sessionID] = struct{}{}
	return nil
}

func (e *Engine) release(sessionID string) {
	e.mu.Lock()
	delete(e.live, sessionID)
	e.mu.Unlock()
}

// Execute runs job and blocks until its output stream has ended, the timeout
// has fired or ctx is done. Jobs refused before a container exists return an
// error; once the container has started, the outcome is reported in Result.State.
func (e *Engine) Execute(ctx context.Context, job domain.Job) (*domain.Result, error) {
	ctx, span := e.opts.Tracer.StartSpan(ctx, "execute",
		monitor.AttrJobID.String(job.ID),
		monitor.AttrSessionID.String(job.SessionID),
		monitor.AttrLanguage.String(job.Language),
	)
	defer span.End()

	ex := &execution{
		engine: e,
		job:    job,
		log:    slog.With("jobID", job.ID, "sessionID", job.SessionID),
		span:   span,
		start:  time.Now(),
	}
	ex.transition(domain.StateProvisioning)

	// 1. Workspace
	ws, err := e.provisioner.Provision(job)
	if err != nil {
		return nil, ex.reject("provision", err)
	}
	ex.ws = ws
	defer ex.cleanup()

	// 2. Image
	if err := e.ensureImage(ctx, ex); err != nil {
		return nil, ex.reject("pull", err)
	}
	ex.transition(domain.StateImageReady)

	// 3. Session slot and stdin pipe, registered before the container exists so
	// early input is buffered
	if err := e.reserve(job.SessionID); err != nil {
		return nil, ex.reject("session", err)
	}
	ex.reserved = true
	stdin, err := e.relay.Open(job.SessionID)
	if err != nil {
		return nil, ex.reject("session", err)
	}
	ex.stdin = stdin
	ex.agg = aggregate.New(e.policy, func(text string) {
		e.publisher.PublishOutput(domain.OutputEvent{SessionID: job.SessionID, Text: text})
		e.opts.Metrics.RecordFlush()
	})

	// 4. Container
	id, err := e.runtime.CreateContainer(ctx, domain.ContainerSpec{
		Name:         job.SessionID,
		Image:        ws.Image,
		Cmd:          ws.Cmd,
		HostDir:      ws.HostDir,
		MountPath:    e.provisioner.MountPath(),
		AutoRemove:   e.opts.AutoRemove,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, ex.fail("create", err)
	}
	ex.containerID = id
	ex.log = ex.log.With("containerID", id)
	span.SetAttributes(monitor.AttrContainerID.String(id), monitor.AttrImage.String(ws.Image))
	ex.transition(domain.StateCreated)

	// 5. Attach before start so the first bytes are not missed
	att, err := e.runtime.Attach(ctx, id, stdin)
	if err != nil {
		return nil, ex.fail("attach", err)
	}
	ex.att = att

	// 6. Start
	if err := e.runtime.Start(ctx, id); err != nil {
		return nil, ex.fail("start", err)
	}
	ex.started = true
	ex.transition(domain.StateStarted)
	ex.log.Info("Sandbox started", "language", ws.Language.Name, "image", ws.Image)

	e.opts.Metrics.ExecutionStarted()
	defer e.opts.Metrics.ExecutionFinished()

	// 7. Stream until the container closes its output or the timeout fires
	ex.transition(domain.StateStreaming)
	ex.transition(ex.stream(ctx))

	ex.cleanup()

	return &domain.Result{
		JobID:     job.ID,
		SessionID: job.SessionID,
		Language:  ws.Language.Name,
		State:     ex.final,
		Output:    ex.agg.Output(),
		Duration:  time.Since(ex.start),
	}, nil
}

// ensureImage pulls the image once if it is not present locally.
func (e *Engine) ensureImage(ctx context.Context, ex *execution) error {
	ref := ex.ws.Image
	exists, err := e.runtime.ImageExists(ctx, ref)
	if err != nil {
		ex.log.Warn("Image lookup failed, pulling", "image", ref, "error", err)
	}
	if exists {
		return nil
	}

	ex.log.Info("Image not present locally", "image", ref)
	if err := e.runtime.PullImage(ctx, ref); err != nil {
		e.opts.Metrics.RecordPull(false)
		if !errors.Is(err, domain.ErrPull) {
			err = fmt.Errorf("%w: %s: %v", domain.ErrPull, ref, err)
		}
		return err
	}
	e.opts.Metrics.RecordPull(true)
	return nil
}

// execution is the mutable state of one Execute call.
type execution struct {
	engine *Engine
	job    domain.Job
	log    *slog.Logger
	span   trace.Span
	start  time.Time

	ws          *workspace.Workspace
	stdin       *relay.Pipe
	agg         *aggregate.Aggregator
	att         domain.Attachment
	containerID string
	started     bool
	cancelled   bool
	reserved    bool

	state domain.State
	final domain.State
	once  sync.Once
}

func (ex *execution) transition(s domain.State) {
	ex.state = s
	if s.Terminal() {
		ex.final = s
	}
	ex.span.AddEvent(s.String())
	ex.log.Debug("Execution state changed", "state", s.String())
}

// stream drains the attachment into the aggregator and returns the terminal state.
func (ex *execution) stream(ctx context.Context) domain.State {
	timer := time.NewTimer(ex.engine.opts.Timeout)
	defer timer.Stop()

	frames := ex.att.Frames()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				if err := ex.att.Err(); err != nil {
					ex.log.Error("Sandbox stream failed", "error", err)
					ex.span.RecordError(err)
					return domain.StateErrored
				}
				ex.log.Info("Sandbox output ended")
				return domain.StateCompleted
			}
			ex.agg.Append(string(frame.Payload))

		case <-timer.C:
			ex.log.Warn("Execution timed out", "timeout", ex.engine.opts.Timeout)
			ex.span.RecordError(domain.ErrTimeout)
			return domain.StateTimedOut

		case <-ctx.Done():
			ex.log.Warn("Execution cancelled", "error", ctx.Err())
			ex.cancelled = true
			return domain.StateErrored
		}
	}
}

// reject records a job refused before any container existed.
func (ex *execution) reject(op string, err error) error {
	ex.engine.opts.Metrics.RecordRejected(rejectReason(err))
	ex.log.Warn("Job rejected", "op", op, "error", err)
	return ex.wrap(op, err)
}

// fail records a container-phase failure; the execution ends as Errored.
func (ex *execution) fail(op string, err error) error {
	ex.log.Error("Sandbox setup failed", "op", op, "error", err)
	ex.transition(domain.StateErrored)
	return ex.wrap(op, err)
}

func (ex *execution) wrap(op string, err error) error {
	ex.span.RecordError(err)
	ex.span.SetStatus(codes.Error, op)
	return &domain.ExecutionError{JobID: ex.job.ID, SessionID: ex.job.SessionID, Op: op, Err: err}
}

// cleanup releases everything the execution acquired. It runs once, whichever
// path ended the execution.
func (ex *execution) cleanup() {
	ex.once.Do(func() {
		e := ex.engine

		if ex.agg != nil {
			ex.agg.Flush()
		}
		if ex.stdin != nil {
			ex.stdin.Release()
		}
		if ex.att != nil {
			if err := ex.att.Close(); err != nil {
				ex.log.Debug("Error closing attachment", "error", err)
			}
		}
		if ex.containerID != "" && ex.needsRemoval() {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			if err := e.runtime.Remove(ctx, ex.containerID, true); err != nil {
				ex.log.Error("Failed to remove container", "error", err)
			} else {
				ex.log.Info("Container removed")
			}
			cancel()
		}
		if err := ex.ws.Remove(); err != nil {
			ex.log.Error("Failed to remove workspace", "dir", ex.ws.Dir, "error", err)
		}

		if ex.containerID != "" {
			output := 0
			if ex.agg != nil {
				output = len(ex.agg.Output())
			}
			e.opts.Metrics.RecordExecution(ex.ws.Language.Name, ex.final.String(), time.Since(ex.start).Seconds(), output)
			ex.span.SetAttributes(monitor.AttrState.String(ex.final.String()), monitor.AttrOutputBytes.Int(output))
		}
		if ex.reserved {
			e.release(ex.job.SessionID)
		}
		ex.transition(domain.StateCleaned)
	})
}

func (ex *execution) needsRemoval() bool {
	switch {
	case !ex.started:
		return true
	case !ex.engine.opts.AutoRemove, ex.cancelled:
		return true
	case ex.final == domain.StateTimedOut:
		return ex.engine.opts.KillOnTimeout
	default:
		return false
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnsupportedLanguage):
		return "unsupported_language"
	case errors.Is(err, domain.ErrDecode):
		return "decode"
	case errors.Is(err, domain.ErrPull):
		return "pull"
	case errors.Is(err, domain.ErrSessionBusy):
		return "session_busy"
	default:
		return "internal"
	}
}
