package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dontdude/replbox/internal/domain"
)

// fakeAPI records calls and replays canned responses.
type fakeAPI struct {
	images    []image.Summary
	listErr   error
	pullBody  string
	pullErr   error
	createErr error
	attachErr error
	startErr  error
	removeErr error

	hj types.HijackedResponse

	pulled     []string
	createCfg  *container.Config
	createHost *container.HostConfig
	createName string
	started    []string
	removed    []container.RemoveOptions
}

func (f *fakeAPI) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	return f.images, f.listErr
}

func (f *fakeAPI) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.pulled = append(f.pulled, refStr)
	return io.NopCloser(strings.NewReader(f.pullBody)), nil
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.createCfg, f.createHost, f.createName = config, hostConfig, containerName
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: "cid"}, nil
}

func (f *fakeAPI) ContainerAttach(ctx context.Context, id string, options container.AttachOptions) (types.HijackedResponse, error) {
	return f.hj, f.attachErr
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	f.started = append(f.started, id)
	return f.startErr
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.removed = append(f.removed, options)
	return f.removeErr
}

func TestImageExists(t *testing.T) {
	f := &fakeAPI{images: []image.Summary{{RepoTags: []string{"python:3.11", "python:3.9"}}}}
	c := newClient(f, 0)

	ok, err := c.ImageExists(context.Background(), "python:3.9")
	if err != nil || !ok {
		t.Fatalf("ImageExists(python:3.9) = %v, %v", ok, err)
	}
	ok, err = c.ImageExists(context.Background(), "node:16")
	if err != nil || ok {
		t.Fatalf("ImageExists(node:16) = %v, %v", ok, err)
	}

	f.listErr = errors.New("daemon down")
	if _, err := c.ImageExists(context.Background(), "node:16"); err == nil {
		t.Fatal("expected list error to propagate")
	}
}

func TestPullImage(t *testing.T) {
	tests := []struct {
		name    string
		api     *fakeAPI
		wantErr bool
	}{
		{"ok", &fakeAPI{pullBody: `{"status":"Pulling from library/python"}` + "\n" + `{"status":"Download complete"}` + "\n"}, false},
		{"request fails", &fakeAPI{pullErr: errors.New("no route")}, true},
		{"error in stream", &fakeAPI{pullBody: `{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}` + "\n"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newClient(tt.api, 0).PullImage(context.Background(), "python:3.9")
			if (err != nil) != tt.wantErr {
				t.Fatalf("PullImage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, domain.ErrPull) {
				t.Fatalf("error %v does not wrap ErrPull", err)
			}
		})
	}
}

func TestCreateContainer(t *testing.T) {
	f := &fakeAPI{}
	c := newClient(f, 0)

	id, err := c.CreateContainer(context.Background(), domain.ContainerSpec{
		Name:         "S1",
		Image:        "python:3.9",
		Cmd:          []string{"python", "-u", "/workspace/script.py"},
		HostDir:      "/tmp/code_exec_1",
		MountPath:    "/workspace",
		AutoRemove:   true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "cid" {
		t.Errorf("id = %s", id)
	}
	if f.createName != "exec_S1" {
		t.Errorf("name = %q", f.createName)
	}
	if !f.createHost.AutoRemove {
		t.Error("expected AutoRemove")
	}
	if len(f.createHost.Binds) != 1 || f.createHost.Binds[0] != "/tmp/code_exec_1:/workspace" {
		t.Errorf("Binds = %v", f.createHost.Binds)
	}
	if !f.createCfg.OpenStdin || !f.createCfg.StdinOnce || !f.createCfg.AttachStdin || f.createCfg.Tty {
		t.Errorf("unexpected stdin config: %+v", f.createCfg)
	}
}

func TestContainerName(t *testing.T) {
	tests := map[string]string{
		"S1":                                   "exec_S1",
		"6f1c7b0e-0a4b-4c1e-9a53-bb2f4f7a2d10": "exec_6f1c7b0e-0a4b-4c1e-9a53-bb2f4f7a2d10",
		"":                                     "",
		"../etc":                               "",
		"has space":                            "",
	}
	for in, want := range tests {
		if got := containerName(in); got != want {
			t.Errorf("containerName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStartAndRemove(t *testing.T) {
	f := &fakeAPI{}
	c := newClient(f, 0)

	if err := c.Start(context.Background(), "cid"); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove(context.Background(), "cid", true); err != nil {
		t.Fatal(err)
	}
	if len(f.started) != 1 || len(f.removed) != 1 || !f.removed[0].Force {
		t.Fatalf("started=%v removed=%v", f.started, f.removed)
	}

	f.startErr = errors.New("boom")
	if err := c.Start(context.Background(), "cid"); err == nil {
		t.Fatal("expected start error")
	}
}

func TestRemoveTolerance(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "already gone", err: fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound)},
		{name: "removal in progress", err: cerrdefs.ErrConflict},
		{name: "daemon failure", err: errors.New("daemon unavailable"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(&fakeAPI{removeErr: tt.err}, 0)
			err := c.Remove(context.Background(), "cid", true)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Remove() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// attachPair returns a hijacked response backed by an in-memory connection and
// the daemon side of that connection.
func attachPair() (types.HijackedResponse, net.Conn) {
	clientSide, daemonSide := net.Pipe()
	return types.HijackedResponse{Conn: clientSide, Reader: bufio.NewReader(clientSide)}, daemonSide
}

func collect(t *testing.T, att domain.Attachment) []domain.Frame {
	t.Helper()
	var frames []domain.Frame
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-att.Frames():
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatal("frames channel never closed")
		}
	}
}

func TestAttachDemultiplexesFrames(t *testing.T) {
	hj, daemon := attachPair()
	c := newClient(&fakeAPI{hj: hj}, 4)

	att, err := c.Attach(context.Background(), "cid", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer att.Close()

	go func() {
		stdcopy.NewStdWriter(daemon, stdcopy.Stdout).Write([]byte("hi\n"))
		stdcopy.NewStdWriter(daemon, stdcopy.Stderr).Write([]byte("oops\n"))
		daemon.Close()
	}()

	frames := collect(t, att)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Stream != domain.Stdout || string(frames[0].Payload) != "hi\n" {
		t.Errorf("frame 0 = %v %q", frames[0].Stream, frames[0].Payload)
	}
	if frames[1].Stream != domain.Stderr || string(frames[1].Payload) != "oops\n" {
		t.Errorf("frame 1 = %v %q", frames[1].Stream, frames[1].Payload)
	}
	if err := att.Err(); err != nil {
		t.Errorf("Err() = %v after clean end of stream", err)
	}
}

func TestAttachForwardsStdin(t *testing.T) {
	hj, daemon := attachPair()
	c := newClient(&fakeAPI{hj: hj}, 0)

	att, err := c.Attach(context.Background(), "cid", strings.NewReader("42\n"))
	if err != nil {
		t.Fatal(err)
	}
	defer att.Close()

	buf := make([]byte, 3)
	if _, err := io.ReadFull(daemon, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "42\n" {
		t.Fatalf("daemon received %q", buf)
	}
	daemon.Close()
	collect(t, att)
}

func TestAttachStreamError(t *testing.T) {
	hj, daemon := attachPair()
	c := newClient(&fakeAPI{hj: hj}, 0)

	att, err := c.Attach(context.Background(), "cid", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer att.Close()

	go func() {
		// Stream type 9 is not a valid multiplexing header.
		daemon.Write([]byte{9, 0, 0, 0, 0, 0, 0, 1, 'x'})
		daemon.Close()
	}()

	collect(t, att)
	if err := att.Err(); !errors.Is(err, domain.ErrStream) {
		t.Fatalf("Err() = %v, want ErrStream", err)
	}
}

func TestAttachCloseEndsFrames(t *testing.T) {
	hj, daemon := attachPair()
	defer daemon.Close()
	c := newClient(&fakeAPI{hj: hj}, 0)

	att, err := c.Attach(context.Background(), "cid", nil)
	if err != nil {
		t.Fatal(err)
	}
	att.Close()
	att.Close()

	collect(t, att)
	if err := att.Err(); err != nil {
		t.Fatalf("Err() = %v after local Close", err)
	}
}

func TestAttachError(t *testing.T) {
	c := newClient(&fakeAPI{attachErr: errors.New("no such container")}, 0)
	if _, err := c.Attach(context.Background(), "cid", nil); err == nil {
		t.Fatal("expected attach error")
	}
}
