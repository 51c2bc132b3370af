// Package environment provisions isolated, short-lived workspaces holding a
// shallow clone of a repository, in which the self-hosted agent runs commands
// and edits files.
package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/Bardemic/codee-sub000/internal/github"
	"github.com/Bardemic/codee-sub000/internal/model"
)

// State is a backend's view of an environment's liveness.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
	StateUnknown State = "unknown"
)

// ErrNotFound is returned by Backend.Lookup for handles the backend does not know.
var ErrNotFound = errors.New("environment: not found")

// Command is a process to run inside an environment. Dir defaults to the
// repository root.
type Command struct {
	Name string
	Args []string
	Env  map[string]string
	Dir  string
}

// Shell wraps script in "sh -c".
func Shell(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}}
}

// Git builds a git command.
func Git(args ...string) Command {
	return Command{Name: "git", Args: args}
}

// String renders the command for logs. Values are not shell-quoted.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit code.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Err returns nil on success, otherwise an error carrying stderr.
func (r Result) Err(cmd Command) error {
	if r.OK() {
		return nil
	}
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Stdout)
	}
	return fmt.Errorf("environment: %s: exit %d: %s", redact(cmd.String()), r.ExitCode, msg)
}

// File is a file to write into an environment, relative to the repository root.
type File struct {
	Path    string
	Content []byte
}

// Environment is a live, isolated checkout.
type Environment interface {
	Handle() string
	RunCommand(ctx context.Context, cmd Command) (Result, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFiles(ctx context.Context, files []File) error
	ExtendLease(ctx context.Context, d time.Duration) error
	Stop(ctx context.Context) error
}

// Spec describes an environment to create.
type Spec struct {
	RepoURL  string
	Revision string // Branch to check out; empty uses the remote default.
	Depth    int
	Lease    time.Duration
}

// Backend creates environments and resolves persisted handles.
type Backend interface {
	Create(ctx context.Context, spec Spec) (Environment, error)
	Lookup(ctx context.Context, handle string) (Environment, State, error)
}

// ProvisionError reports a failed or timed-out environment creation.
type ProvisionError struct {
	Repo     string
	Revision string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("environment: provision %s@%s: %v", e.Repo, e.Revision, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// HandleStore persists the environment handle on an agent.
type HandleStore interface {
	SetEnvironmentHandle(ctx context.Context, agentID int64, handle string) error
}

// Manager creates and reuses environments for agents.
type Manager struct {
	backend          Backend
	store            HandleStore
	lease            time.Duration
	provisionTimeout time.Duration
	logger           *slog.Logger
}

// NewManager creates a Manager. lease is both the initial lifetime and the
// extension applied on reuse.
func NewManager(backend Backend, store HandleStore, lease, provisionTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		backend:          backend,
		store:            store,
		lease:            lease,
		provisionTimeout: provisionTimeout,
		logger:           logger,
	}
}

// CreateNew provisions a depth-1 clone of repo at ref. It is not retried.
func (m *Manager) CreateNew(ctx context.Context, token, repo, ref string) (Environment, error) {
	ctx, cancel := context.WithTimeout(ctx, m.provisionTimeout)
	defer cancel()

	env, err := m.backend.Create(ctx, Spec{
		RepoURL:  github.CloneURL(token, repo),
		Revision: ref,
		Depth:    1,
		Lease:    m.lease,
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return nil, &ProvisionError{Repo: repo, Revision: ref, Err: err}
	}
	return env, nil
}

// TryReuse resolves handle to a running environment. Any other state, or
// any lookup failure, yields nil.
func (m *Manager) TryReuse(ctx context.Context, handle string) Environment {
	if handle == "" {
		return nil
	}
	env, state, err := m.backend.Lookup(ctx, handle)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("environment: lookup failed", "handle", handle, "error", err)
		}
		return nil
	}
	if state != StateRunning {
		return nil
	}
	return env
}

// GetOrCreate returns the agent's live environment, extending its lease, or
// provisions a new one at the agent's working branch (falling back to
// baseBranch) and records its handle on the agent. isNew reports which.
func (m *Manager) GetOrCreate(ctx context.Context, agent model.Agent, token, repo, baseBranch string) (env Environment, isNew bool, err error) {
	if agent.EnvironmentHandle != nil {
		if env := m.TryReuse(ctx, *agent.EnvironmentHandle); env != nil {
			if err := env.ExtendLease(ctx, m.lease); err != nil {
				m.logger.Warn("environment: extend lease failed", "agent_id", agent.ID, "error", err)
			}
			return env, false, nil
		}
	}

	ref := baseBranch
	if agent.WorkingBranch != nil && *agent.WorkingBranch != "" {
		ref = *agent.WorkingBranch
	}
	env, err = m.CreateNew(ctx, token, repo, ref)
	if err != nil {
		return nil, false, err
	}
	if err := m.store.SetEnvironmentHandle(ctx, agent.ID, env.Handle()); err != nil {
		m.logger.Warn("environment: persist handle failed", "agent_id", agent.ID, "error", err)
	}
	return env, true, nil
}

var tokenInURL = regexp.MustCompile(`x-access-token:[^@\s]+@`)

// redact strips credentials embedded in clone URLs.
func redact(s string) string {
	return tokenInURL.ReplaceAllString(s, "x-access-token:***@")
}
