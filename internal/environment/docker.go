package environment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
)

// dockerWorkdir is where the repository is cloned inside the container.
const dockerWorkdir = "/workspace"

// DockerBackend runs environments as local containers. Handles are only
// meaningful to the process that created them; after a restart every
// lookup misses and the agent is re-provisioned.
type DockerBackend struct {
	image  string
	logger *slog.Logger

	mu   sync.Mutex
	envs map[string]*dockerEnv
}

// NewDockerBackend creates a DockerBackend. image must provide sh and git.
func NewDockerBackend(image string, logger *slog.Logger) *DockerBackend {
	return &DockerBackend{
		image:  image,
		logger: logger,
		envs:   make(map[string]*dockerEnv),
	}
}

// Create starts a container and clones spec.RepoURL into it.
func (b *DockerBackend) Create(ctx context.Context, spec Spec) (Environment, error) {
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      b.image,
			Entrypoint: []string{"sh", "-c", "mkdir -p " + dockerWorkdir + " && exec sleep infinity"},
			Labels:     map[string]string{"dev.codee.environment": "true"},
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker: start container: %w", err)
	}

	env := &dockerEnv{
		backend:   b,
		handle:    "docker-" + uuid.NewString(),
		container: ctr,
	}

	res, err := env.RunCommand(ctx, cloneCommand(spec))
	if err == nil {
		err = res.Err(cloneCommand(spec))
	}
	if err != nil {
		_ = env.terminate(context.WithoutCancel(ctx))
		return nil, err
	}

	b.mu.Lock()
	b.envs[env.handle] = env
	b.mu.Unlock()
	if err := env.ExtendLease(ctx, spec.Lease); err != nil {
		return nil, err
	}
	return env, nil
}

// cloneCommand fetches the repository into the workdir. An empty RepoURL
// yields an empty repository, used for scratch environments.
func cloneCommand(spec Spec) Command {
	if spec.RepoURL == "" {
		return Git("init", "--quiet", dockerWorkdir)
	}
	args := []string{"clone"}
	if spec.Depth > 0 {
		args = append(args, "--depth", fmt.Sprint(spec.Depth))
	}
	if spec.Revision != "" {
		args = append(args, "--branch", spec.Revision)
	}
	return Command{Name: "git", Args: append(args, spec.RepoURL, "."), Dir: dockerWorkdir}
}

// Lookup returns a live container by handle.
func (b *DockerBackend) Lookup(ctx context.Context, handle string) (Environment, State, error) {
	b.mu.Lock()
	env, ok := b.envs[handle]
	b.mu.Unlock()
	if !ok {
		return nil, StateUnknown, ErrNotFound
	}
	st, err := env.container.State(ctx)
	if err != nil {
		return nil, StateUnknown, fmt.Errorf("docker: inspect %s: %w", handle, err)
	}
	if !st.Running {
		return env, StateStopped, nil
	}
	return env, StateRunning, nil
}

// Close terminates every container this backend started.
func (b *DockerBackend) Close(ctx context.Context) {
	b.mu.Lock()
	envs := make([]*dockerEnv, 0, len(b.envs))
	for _, env := range b.envs {
		envs = append(envs, env)
	}
	b.mu.Unlock()
	for _, env := range envs {
		if err := env.Stop(ctx); err != nil {
			b.logger.Warn("docker: stop environment failed", "handle", env.handle, "error", err)
		}
	}
}

type dockerEnv struct {
	backend   *DockerBackend
	handle    string
	container testcontainers.Container

	mu    sync.Mutex
	timer *time.Timer
}

func (e *dockerEnv) Handle() string { return e.handle }

func (e *dockerEnv) RunCommand(ctx context.Context, cmd Command) (Result, error) {
	dir := cmd.Dir
	if dir == "" {
		dir = dockerWorkdir
	}
	opts := []tcexec.ProcessOption{tcexec.WithWorkingDir(dir)}
	if len(cmd.Env) > 0 {
		keys := make([]string, 0, len(cmd.Env))
		for k := range cmd.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := make([]string, 0, len(keys))
		for _, k := range keys {
			env = append(env, k+"="+cmd.Env[k])
		}
		opts = append(opts, tcexec.WithEnv(env))
	}

	code, reader, err := e.container.Exec(ctx, append([]string{cmd.Name}, cmd.Args...), opts...)
	if err != nil {
		return Result{}, fmt.Errorf("docker: exec %s: %w", redact(cmd.String()), err)
	}
	var stdout, stderr bytes.Buffer
	if reader != nil {
		if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
			return Result{}, fmt.Errorf("docker: read output: %w", err)
		}
	}
	return Result{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (e *dockerEnv) abs(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(dockerWorkdir, p)
}

func (e *dockerEnv) ReadFile(ctx context.Context, p string) ([]byte, error) {
	rc, err := e.container.CopyFileFromContainer(ctx, e.abs(p))
	if err != nil {
		return nil, fmt.Errorf("docker: read %s: %w", p, err)
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

func (e *dockerEnv) WriteFiles(ctx context.Context, files []File) error {
	for _, f := range files {
		dest := e.abs(f.Path)
		mkdir := Command{Name: "mkdir", Args: []string{"-p", path.Dir(dest)}}
		if res, err := e.RunCommand(ctx, mkdir); err != nil {
			return err
		} else if err := res.Err(mkdir); err != nil {
			return err
		}
		if err := e.container.CopyToContainer(ctx, f.Content, dest, 0o644); err != nil {
			return fmt.Errorf("docker: write %s: %w", f.Path, err)
		}
	}
	return nil
}

// ExtendLease resets the expiry timer; the container is terminated when it fires.
func (e *dockerEnv) ExtendLease(_ context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Stop(ctx); err != nil {
			e.backend.logger.Warn("docker: lease expiry stop failed", "handle", e.handle, "error", err)
		}
	})
	return nil
}

func (e *dockerEnv) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()

	e.backend.mu.Lock()
	_, tracked := e.backend.envs[e.handle]
	delete(e.backend.envs, e.handle)
	e.backend.mu.Unlock()
	if !tracked {
		return nil
	}
	return e.terminate(ctx)
}

func (e *dockerEnv) terminate(ctx context.Context) error {
	if err := e.container.Terminate(ctx); err != nil {
		return fmt.Errorf("docker: terminate %s: %w", e.handle, err)
	}
	return nil
}
