package environment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SandboxConfig configures SandboxBackend.
type SandboxConfig struct {
	BaseURL   string
	Token     string
	TeamID    string
	ProjectID string
	Runtime   string
	VCPUs     int
}

// SandboxBackend runs environments on a remote sandbox service over REST.
type SandboxBackend struct {
	cfg        SandboxConfig
	httpClient *http.Client
}

// NewSandboxBackend creates a SandboxBackend.
func NewSandboxBackend(cfg SandboxConfig) *SandboxBackend {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Runtime == "" {
		cfg.Runtime = "node22"
	}
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = 2
	}
	return &SandboxBackend{
		cfg: cfg,
		httpClient: &http.Client{
			// Clones and commands can run for minutes; callers bound them with ctx.
			Timeout: 10 * time.Minute,
		},
	}
}

type sandboxSource struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Depth    int    `json:"depth,omitempty"`
	Revision string `json:"revision,omitempty"`
}

type sandboxResources struct {
	VCPUs int `json:"vcpus"`
}

type createSandboxRequest struct {
	ProjectID string           `json:"projectId,omitempty"`
	Runtime   string           `json:"runtime"`
	TimeoutMs int64            `json:"timeout"`
	Resources sandboxResources `json:"resources"`
	Source    sandboxSource    `json:"source"`
}

type sandboxInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type sandboxEnvelope struct {
	Sandbox sandboxInfo `json:"sandbox"`
}

type runCommandRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Wait    bool              `json:"wait"`
}

type runCommandResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type writeFilesRequest struct {
	Files []writeFile `json:"files"`
}

type writeFile struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64
}

type extendRequest struct {
	DurationMs int64 `json:"duration"`
}

// Create provisions a sandbox seeded from a git source.
func (b *SandboxBackend) Create(ctx context.Context, spec Spec) (Environment, error) {
	var out sandboxEnvelope
	err := b.do(ctx, http.MethodPost, "/v1/sandboxes", createSandboxRequest{
		ProjectID: b.cfg.ProjectID,
		Runtime:   b.cfg.Runtime,
		TimeoutMs: spec.Lease.Milliseconds(),
		Resources: sandboxResources{VCPUs: b.cfg.VCPUs},
		Source: sandboxSource{
			Type:     "git",
			URL:      spec.RepoURL,
			Depth:    spec.Depth,
			Revision: spec.Revision,
		},
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Sandbox.ID == "" {
		return nil, fmt.Errorf("sandbox: create returned no id")
	}
	return &sandboxEnv{backend: b, id: out.Sandbox.ID}, nil
}

// Lookup fetches a sandbox's status.
func (b *SandboxBackend) Lookup(ctx context.Context, handle string) (Environment, State, error) {
	var out sandboxEnvelope
	if err := b.do(ctx, http.MethodGet, "/v1/sandboxes/"+url.PathEscape(handle), nil, &out); err != nil {
		return nil, StateUnknown, err
	}
	return &sandboxEnv{backend: b, id: handle}, sandboxState(out.Sandbox.Status), nil
}

func sandboxState(status string) State {
	switch status {
	case "running":
		return StateRunning
	case "stopped", "stopping":
		return StateStopped
	case "failed":
		return StateFailed
	default:
		return StateUnknown
	}
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (b *SandboxBackend) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := b.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sandbox: decode response: %w", err)
	}
	return nil
}

// send issues the request and maps non-2xx statuses to errors. The caller
// closes the body on success.
func (b *SandboxBackend) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("sandbox: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	u := b.cfg.BaseURL + path
	if b.cfg.TeamID != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "teamId=" + url.QueryEscape(b.cfg.TeamID)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: send request: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("sandbox: %s: %w", path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("sandbox: %s %s: status %d: %s", method, path, resp.StatusCode, redact(string(raw)))
	}
	return resp, nil
}

type sandboxEnv struct {
	backend *SandboxBackend
	id      string
}

func (e *sandboxEnv) Handle() string { return e.id }

func (e *sandboxEnv) path(suffix string) string {
	return "/v1/sandboxes/" + url.PathEscape(e.id) + suffix
}

func (e *sandboxEnv) RunCommand(ctx context.Context, cmd Command) (Result, error) {
	var out runCommandResponse
	err := e.backend.do(ctx, http.MethodPost, e.path("/cmd"), runCommandRequest{
		Command: cmd.Name,
		Args:    cmd.Args,
		Env:     cmd.Env,
		Cwd:     cmd.Dir,
		Wait:    true,
	}, &out)
	if err != nil {
		return Result{}, err
	}
	return Result(out), nil
}

func (e *sandboxEnv) ReadFile(ctx context.Context, path string) ([]byte, error) {
	resp, err := e.backend.send(ctx, http.MethodGet, e.path("/fs/read?path="+url.QueryEscape(path)), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read %s: %w", path, err)
	}
	return content, nil
}

func (e *sandboxEnv) WriteFiles(ctx context.Context, files []File) error {
	req := writeFilesRequest{Files: make([]writeFile, len(files))}
	for i, f := range files {
		req.Files[i] = writeFile{Path: f.Path, Content: base64.StdEncoding.EncodeToString(f.Content)}
	}
	return e.backend.do(ctx, http.MethodPost, e.path("/fs/write"), req, nil)
}

func (e *sandboxEnv) ExtendLease(ctx context.Context, d time.Duration) error {
	return e.backend.do(ctx, http.MethodPost, e.path("/extend-timeout"), extendRequest{DurationMs: d.Milliseconds()}, nil)
}

func (e *sandboxEnv) Stop(ctx context.Context) error {
	return e.backend.do(ctx, http.MethodPost, e.path("/stop"), nil, nil)
}
