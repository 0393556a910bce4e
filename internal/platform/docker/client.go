package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dontdude/replbox/internal/domain"
)

// DefaultFrameBuffer is the capacity of the output frame channel of an attachment.
const DefaultFrameBuffer = 64

// api is the subset of the Docker SDK client used here.
type api interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, container string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, container string, options container.RemoveOptions) error
}

// Client wraps the official Docker SDK client.
type Client struct {
	cli         api
	frameBuffer int
}

// Check if Client implements domain.SandboxRuntime
var _ domain.SandboxRuntime = (*Client)(nil)

// NewClient initializes and returns a verified Docker client.
// It performs a connection check (Ping) upon initialization.
// If the Docker daemon is unreachable, the function panics to prevent the service from starting in a broken state
// (Fail-Fast).
func NewClient(frameBuffer int) *Client {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Error("Failed to create Docker client", "error", err)
		panic(err)
	}

	// Ping Docker to ensure connection
	ctx := context.Background()
	_, err = cli.Ping(ctx)
	if err != nil {
		slog.Error("Failed to connect to Docker Daemon", "error", err)
		panic(err)
	}

	slog.Info("Docker Client initialized successfully")
	return newClient(cli, frameBuffer)
}

func newClient(cli api, frameBuffer int) *Client {
	if frameBuffer <= 0 {
		frameBuffer = DefaultFrameBuffer
	}
	return &Client{cli: cli, frameBuffer: frameBuffer}
}

// ImageExists reports whether ref is present locally.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	images, err := c.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == ref {
				return true, nil
			}
		}
	}
	return false, nil
}

// PullImage retrieves ref and blocks until the pull has finished.
// Errors reported inside the progress stream fail the pull too.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	slog.Info("Pulling image", "image", ref)
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrPull, ref, err)
	}
	defer reader.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrPull, ref, err)
	}
	slog.Info("Image pulled", "image", ref)
	return nil
}

// CreateContainer creates a stopped container with stdin held open and the workspace bound.
func (c *Client) CreateContainer(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		WorkingDir:   spec.MountPath,
		OpenStdin:    spec.AttachStdin,
		StdinOnce:    spec.AttachStdin,
		AttachStdin:  spec.AttachStdin,
		AttachStdout: spec.AttachStdout,
		AttachStderr: spec.AttachStderr,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		AutoRemove: spec.AutoRemove,
		Binds:      []string{fmt.Sprintf("%s:%s", spec.HostDir, spec.MountPath)},
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(spec.Name))
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("Container create warning", "containerID", resp.ID, "warning", w)
	}

	slog.Info("Container created successfully", "containerID", resp.ID, "image", spec.Image)
	return resp.ID, nil
}

// Attach connects to the container's streams. It should be called before Start
// so no early output is missed.
func (c *Client) Attach(ctx context.Context, containerID string, stdin io.Reader) (domain.Attachment, error) {
	hj, err := c.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  stdin != nil,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}
	return newAttachment(hj, stdin, c.frameBuffer), nil
}

// Start starts a created container.
func (c *Client) Start(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// Remove deletes the container; force also kills it if it is still running.
// A container that is already gone (auto-removed on exit) is not an error.
func (c *Client) Remove(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// containerName returns "exec_<name>" when that is a legal container name and
// "" (daemon-assigned) otherwise.
func containerName(name string) string {
	if name == "" || !validName.MatchString(name) {
		return ""
	}
	return "exec_" + name
}
