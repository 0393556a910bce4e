// Package workspace prepares the per-job directory that is bind-mounted into the sandbox.
package workspace

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dontdude/replbox/internal/domain"
)

// Workspace is a provisioned job directory plus everything needed to run it.
type Workspace struct {
	Dir      string // local path
	HostDir  string // the same directory as seen by the Docker daemon
	Language LanguageSpec
	Image    string
	Cmd      []string
}

// Remove deletes the workspace directory.
func (w *Workspace) Remove() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}

// Options configures a Provisioner.
type Options struct {
	// BaseDir is where job directories are created. Empty means os.TempDir().
	BaseDir string
	// HostDir, when set, replaces BaseDir in the bind source. Used when the
	// worker itself runs in a container and shares BaseDir with the host.
	HostDir string
	// MountPath is the fixed in-container path of the workspace.
	MountPath string
	// Images overrides the default image per canonical language name.
	Images map[string]string
}

// Provisioner turns a job into a workspace on disk.
type Provisioner struct {
	opts Options
}

// NewProvisioner returns a Provisioner with the given options.
func NewProvisioner(opts Options) *Provisioner {
	if opts.MountPath == "" {
		opts.MountPath = "/workspace"
	}
	return &Provisioner{opts: opts}
}

// Provision validates the job, decodes its source and writes it to a fresh directory.
// Nothing is left on disk when it fails.
func (p *Provisioner) Provision(job domain.Job) (*Workspace, error) {
	lang, err := Lookup(job.Language)
	if err != nil {
		return nil, err
	}

	source, err := Decode(job.CodeContent)
	if err != nil {
		return nil, err
	}

	argv, err := lang.Command(p.opts.MountPath)
	if err != nil {
		return nil, err
	}

	image := lang.Image
	if override := p.opts.Images[lang.Name]; override != "" {
		image = override
	}

	if p.opts.BaseDir != "" {
		if err := os.MkdirAll(p.opts.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace base dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(p.opts.BaseDir, "code_exec_*")
	if err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	// Containers may run as a non-root user baked into the image.
	if err := os.Chmod(dir, 0o777); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("chmod workspace dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, lang.FileName), source, 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write source file: %w", err)
	}

	ws := &Workspace{
		Dir:      dir,
		HostDir:  p.hostPath(dir),
		Language: lang,
		Image:    image,
		Cmd:      argv,
	}
	slog.Debug("Workspace provisioned", "jobID", job.ID, "dir", ws.Dir, "image", ws.Image)
	return ws, nil
}

// MountPath returns the in-container path the workspace is bound to.
func (p *Provisioner) MountPath() string {
	return p.opts.MountPath
}

func (p *Provisioner) hostPath(dir string) string {
	if p.opts.HostDir == "" || p.opts.BaseDir == "" {
		return dir
	}
	base := filepath.Clean(p.opts.BaseDir)
	if rel, ok := strings.CutPrefix(dir, base); ok {
		return filepath.Join(p.opts.HostDir, rel)
	}
	return dir
}

// Decode decodes submitted source. Padding is required, as produced by any
// standard encoder.
func Decode(codeContent string) ([]byte, error) {
	source, err := base64.StdEncoding.DecodeString(codeContent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	return source, nil
}

// Encode is the inverse of Decode.
func Encode(source []byte) string {
	return base64.StdEncoding.EncodeToString(source)
}
