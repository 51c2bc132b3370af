package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bardemic/codee-sub000/internal/environment"
	"github.com/Bardemic/codee-sub000/internal/llm"
	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/provider"
	"github.com/Bardemic/codee-sub000/internal/reconcile"
	"github.com/Bardemic/codee-sub000/internal/stream"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

type memStore struct {
	mu         sync.Mutex
	agents     map[int64]model.Agent
	workspaces map[int64]model.Workspace
	messages   []model.Message
	toolCalls  map[int64][]model.ToolCallRecord
}

func newMemStore() *memStore {
	return &memStore{
		agents:     map[int64]model.Agent{},
		workspaces: map[int64]model.Workspace{},
		toolCalls:  map[int64][]model.ToolCallRecord{},
	}
}

func (s *memStore) GetAgent(_ context.Context, id int64) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return model.Agent{}, errors.New("not found")
	}
	return a, nil
}

func (s *memStore) GetWorkspace(_ context.Context, id int64) (model.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaces[id], nil
}

func (s *memStore) ListMessages(_ context.Context, agentID int64) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.AgentID == agentID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) CreateMessage(_ context.Context, agentID int64, sender model.Sender, content string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := model.Message{ID: int64(len(s.messages) + 1), AgentID: agentID, Sender: sender, Content: content, CreatedAt: time.Now()}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *memStore) CreateToolCalls(_ context.Context, messageID int64, records []model.ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls[messageID] = append(s.toolCalls[messageID], records...)
	return nil
}

func (s *memStore) SetWorkingBranch(_ context.Context, id int64, branch string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agents[id]
	if a.WorkingBranch != nil {
		return false, nil
	}
	a.WorkingBranch = &branch
	s.agents[id] = a
	return true, nil
}

func (s *memStore) TransitionAgentStatus(_ context.Context, id int64, to model.AgentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agents[id]
	if !a.Status.CanTransitionTo(to) {
		return false, nil
	}
	a.Status = to
	s.agents[id] = a
	return true, nil
}

func (s *memStore) status(id int64) model.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[id].Status
}

// fakeEnv records commands; git status reports dirty once a file is written.
type fakeEnv struct {
	mu       sync.Mutex
	commands []environment.Command
	files    map[string]string
	fail     map[string]environment.Result
	stopped  bool
	panicked bool
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{files: map[string]string{}, fail: map[string]environment.Result{}}
}

func (e *fakeEnv) Handle() string { return "env-1" }

func (e *fakeEnv) RunCommand(_ context.Context, cmd environment.Command) (environment.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, cmd)
	if r, ok := e.fail[cmd.String()]; ok {
		return r, nil
	}
	if cmd.String() == "git status --porcelain" && len(e.files) > 0 {
		var b strings.Builder
		for p := range e.files {
			b.WriteString(" M " + p + "\n")
		}
		return environment.Result{Stdout: b.String()}, nil
	}
	return environment.Result{}, nil
}

func (e *fakeEnv) ReadFile(_ context.Context, path string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.panicked {
		panic("read on closed sandbox")
	}
	c, ok := e.files[path]
	if !ok {
		return nil, environment.ErrNotFound
	}
	return []byte(c), nil
}

func (e *fakeEnv) WriteFiles(_ context.Context, files []environment.File) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range files {
		e.files[f.Path] = string(f.Content)
	}
	return nil
}

func (e *fakeEnv) ExtendLease(context.Context, time.Duration) error { return nil }

func (e *fakeEnv) Stop(context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEnv) commandLines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.commands))
	for i, c := range e.commands {
		out[i] = c.String()
	}
	return out
}

type fakeEnvs struct {
	env   *fakeEnv
	isNew bool
	err   error
	calls int
	repo  string
	ref   string
}

func (f *fakeEnvs) GetOrCreate(_ context.Context, _ model.Agent, _, repo, baseBranch string) (environment.Environment, bool, error) {
	f.calls++
	f.repo, f.ref = repo, baseBranch
	if f.err != nil {
		return nil, false, f.err
	}
	return f.env, f.isNew, nil
}

type fakeTokens struct{ err error }

func (f fakeTokens) TokenForUser(context.Context, uuid.UUID) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "ghs_token", nil
}

// scriptedLLM returns responses in order and records every request.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []llm.Response
	err       error
	requests  []llm.Request
}

func (c *scriptedLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return llm.Response{}, c.err
	}
	if len(c.responses) == 0 {
		return llm.Response{Message: llm.Message{Content: "done"}}, nil
	}
	r := c.responses[0]
	c.responses = c.responses[1:]
	return r, nil
}

func toolCall(id, name string, args map[string]any) llm.Response {
	raw, _ := json.Marshal(args)
	return llm.Response{Message: llm.Message{ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: raw}}}}
}

type fakeSubAgents struct {
	mu   sync.Mutex
	reqs []provider.CreateAgentRequest
}

func (f *fakeSubAgents) CreateAgent(_ context.Context, req provider.CreateAgentRequest) (model.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return model.Agent{ID: 100 + int64(len(f.reqs))}, nil
}

type fixture struct {
	store  *memStore
	stream *stream.MemoryStream
	env    *fakeEnv
	envs   *fakeEnvs
	llm    *scriptedLLM
	subs   *fakeSubAgents
	tokens fakeTokens
	userID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  newMemStore(),
		stream: stream.NewMemoryStream(stream.DefaultMaxLen),
		env:    newFakeEnv(),
		llm:    &scriptedLLM{},
		subs:   &fakeSubAgents{},
		userID: uuid.New(),
	}
	f.envs = &fakeEnvs{env: f.env, isNew: true}
	f.store.workspaces[1] = model.Workspace{ID: 1, UserID: f.userID, RepositoryFullName: "acme/app", BaseBranch: "develop"}
	f.store.agents[1] = model.Agent{ID: 1, WorkspaceID: 1, ProviderKind: model.ProviderCodee, Status: model.AgentStatusPending}
	return f
}

func (f *fixture) runner() *Runner {
	rec := reconcile.New(f.store, testLogger)
	r := New(Deps{
		Store:        f.store,
		Reconciler:   rec,
		Environments: f.envs,
		Tokens:       f.tokens,
		SubAgents:    f.subs,
		Stream:       f.stream,
		LLM:          f.llm,
		Logger:       testLogger,
	}, Config{Model: "gpt-test", MaxSteps: 8, BotName: "Codee Bot", BotEmail: "bot@codee.dev"})
	r.now = func() time.Time { return time.UnixMilli(0x18c2f0a1b2c) }
	return r
}

func (f *fixture) events(t *testing.T) []stream.Event {
	t.Helper()
	evs, err := f.stream.Range(context.Background(), 1, stream.FromStart)
	require.NoError(t, err)
	return evs
}

func (f *fixture) seedPrompt(prompt string) {
	_, _ = f.store.CreateMessage(context.Background(), 1, model.SenderUser, prompt)
}

func jobFor(prompt string) model.Job {
	return model.Job{ID: 9, Payload: model.JobPayload{AgentID: 1, Prompt: prompt, ToolSlugs: []string{}, IsPrimaryRun: true}}
}

func kinds(evs []stream.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		switch ev.Kind {
		case stream.KindError:
			out[i] = "error:" + ev.Code
		case stream.KindDone:
			out[i] = "done:" + ev.Reason
		default:
			out[i] = ev.Phase + ":" + ev.Step
		}
	}
	return out
}

func TestMissingRepositoryLeavesAgentPending(t *testing.T) {
	f := newFixture(t)
	f.store.workspaces[1] = model.Workspace{ID: 1, UserID: f.userID}

	err := f.runner().Handle(context.Background(), jobFor("fix it"))
	require.NoError(t, err)

	assert.Equal(t, []string{"error:" + CodeMissingRepository}, kinds(f.events(t)))
	assert.Equal(t, model.AgentStatusPending, f.store.status(1))
	assert.Zero(t, f.envs.calls)
}

func TestTokenMissingLeavesAgentPending(t *testing.T) {
	f := newFixture(t)
	f.tokens = fakeTokens{err: errors.New("not installed")}

	require.NoError(t, f.runner().Handle(context.Background(), jobFor("fix it")))

	assert.Equal(t, []string{"error:" + CodeTokenMissing}, kinds(f.events(t)))
	assert.Equal(t, model.AgentStatusPending, f.store.status(1))
}

func TestProvisionFailureLeavesAgentPending(t *testing.T) {
	f := newFixture(t)
	f.envs.err = &environment.ProvisionError{Repo: "acme/app", Revision: "develop", Err: errors.New("timeout")}

	require.NoError(t, f.runner().Handle(context.Background(), jobFor("fix it")))

	evs := f.events(t)
	assert.Equal(t, []string{"starting:init", "error:" + CodeProvisionFailed}, kinds(evs))
	assert.Contains(t, evs[1].Message, "timeout")
	assert.Equal(t, model.AgentStatusPending, f.store.status(1))
}

func TestSuccessfulRunCommitsAndCompletes(t *testing.T) {
	f := newFixture(t)
	prompt := "Add a README section describing how to run the integration tests locally"
	f.seedPrompt(prompt)
	f.llm.responses = []llm.Response{
		toolCall("c1", "update_file", map[string]any{"path": "README.md", "content": "# Tests\n"}),
		{Message: llm.Message{Content: "Added a testing section."}},
	}

	require.NoError(t, f.runner().Handle(context.Background(), jobFor(prompt)))

	branch := BranchName(1, time.UnixMilli(0x18c2f0a1b2c))
	assert.Equal(t, "codee/agent-1-18c2f0a1b2c", branch)
	assert.Equal(t, []string{
		"git checkout -b " + branch,
		"git push -u origin " + branch,
		"git status --porcelain",
		"git add -A",
		"git commit -m " + CommitMessage(prompt),
		"git push origin " + branch,
	}, f.env.commandLines())
	assert.Equal(t, "acme/app", f.envs.repo)
	assert.Equal(t, "develop", f.envs.ref)

	commit := f.env.commands[4]
	assert.Equal(t, "Codee Bot", commit.Env["GIT_AUTHOR_NAME"])
	assert.Equal(t, "bot@codee.dev", commit.Env["GIT_COMMITTER_EMAIL"])
	assert.True(t, f.env.stopped)

	agent, _ := f.store.GetAgent(context.Background(), 1)
	assert.Equal(t, model.AgentStatusCompleted, agent.Status)
	require.NotNil(t, agent.WorkingBranch)
	assert.Equal(t, branch, *agent.WorkingBranch)

	msgs, _ := f.store.ListMessages(context.Background(), 1)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.SenderAgent, msgs[1].Sender)
	assert.Equal(t, "Added a testing section.", msgs[1].Content)

	calls := f.store.toolCalls[msgs[1].ID]
	require.Len(t, calls, 1)
	assert.Equal(t, "update_file", calls[0].ToolName)
	assert.Equal(t, "README.md", calls[0].Arguments["path"])
	assert.Equal(t, model.ToolCallStatusSuccess, calls[0].Status)
	assert.NotNil(t, calls[0].DurationMs)

	assert.Equal(t, []string{
		"starting:init",
		"running:create_branch",
		"running:agent_start",
		"running:tool_update_file",
		"running:commit",
		"done:success",
	}, kinds(f.events(t)))

	// The stored prompt is not sent twice.
	req := f.llm.requests[0]
	var userTurns int
	for _, m := range req.Messages {
		if m.Role == llm.RoleUser {
			userTurns++
		}
	}
	assert.Equal(t, 1, userTurns)
}

func TestCleanTreeSkipsCommit(t *testing.T) {
	f := newFixture(t)
	f.llm.responses = []llm.Response{{Message: llm.Message{Content: "Nothing to change."}}}

	require.NoError(t, f.runner().Handle(context.Background(), jobFor("look around")))

	lines := f.env.commandLines()
	assert.Equal(t, "git status --porcelain", lines[len(lines)-1])
	assert.Equal(t, []string{"starting:init", "running:create_branch", "running:agent_start", "done:success"}, kinds(f.events(t)))
	assert.Equal(t, model.AgentStatusCompleted, f.store.status(1))

	msgs, _ := f.store.ListMessages(context.Background(), 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.SenderAgent, msgs[0].Sender)
}

func TestExistingBranchOnNewEnvironmentIsSynced(t *testing.T) {
	f := newFixture(t)
	branch := "codee/agent-1-abc"
	a := f.store.agents[1]
	a.WorkingBranch = &branch
	f.store.agents[1] = a

	require.NoError(t, f.runner().Handle(context.Background(), jobFor("follow up")))

	assert.Equal(t, []string{
		"git fetch origin " + branch,
		"git checkout " + branch,
		"git pull origin " + branch,
		"git status --porcelain",
	}, f.env.commandLines())
	assert.Contains(t, kinds(f.events(t)), "running:pull_branch")
	assert.NotContains(t, kinds(f.events(t)), "running:create_branch")
}

func TestExistingBranchOnReusedEnvironmentIsNoop(t *testing.T) {
	f := newFixture(t)
	f.envs.isNew = false
	branch := "codee/agent-1-abc"
	a := f.store.agents[1]
	a.WorkingBranch = &branch
	f.store.agents[1] = a

	require.NoError(t, f.runner().Handle(context.Background(), jobFor("follow up")))
	assert.Equal(t, []string{"git status --porcelain"}, f.env.commandLines())
	assert.NotContains(t, kinds(f.events(t)), "running:pull_branch")
}

func TestGenerationFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.llm.err = errors.New("model unavailable")

	err := f.runner().Handle(context.Background(), jobFor("fix it"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")

	evs := f.events(t)
	last := evs[len(evs)-1]
	assert.Equal(t, stream.KindError, last.Kind)
	assert.Equal(t, CodeAgentFailure, last.Code)
	assert.Equal(t, "execute", last.Step)
	assert.Contains(t, last.Message, "model unavailable")
	for _, ev := range evs {
		assert.NotEqual(t, stream.KindDone, ev.Kind)
	}
	assert.Equal(t, model.AgentStatusFailed, f.store.status(1))
}

func TestMissingModelClientMarksFailed(t *testing.T) {
	f := newFixture(t)
	r := f.runner()
	r.deps.LLM = nil

	err := r.Handle(context.Background(), jobFor("fix it"))
	require.ErrorIs(t, err, llm.ErrNoClient)

	evs := kinds(f.events(t))
	assert.Equal(t, "error:"+CodeAgentFailure, evs[len(evs)-1])
	assert.NotContains(t, evs, "done:success")
	assert.Equal(t, model.AgentStatusFailed, f.store.status(1))
}

func TestToolPanicMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.env.panicked = true
	f.llm.responses = []llm.Response{toolCall("c1", "read_file", map[string]any{"path": "main.go"})}

	var err error
	require.NotPanics(t, func() {
		err = f.runner().Handle(context.Background(), jobFor("read main"))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read on closed sandbox")

	evs := f.events(t)
	last := evs[len(evs)-1]
	assert.Equal(t, stream.KindError, last.Kind)
	assert.Equal(t, CodeAgentFailure, last.Code)
	assert.Equal(t, model.AgentStatusFailed, f.store.status(1))
}

func TestPushFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.env.files["a.go"] = "package a"
	f.env.fail["git push origin codee/agent-1-18c2f0a1b2c"] = environment.Result{ExitCode: 1, Stderr: "rejected"}

	err := f.runner().Handle(context.Background(), jobFor("fix it"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.Equal(t, model.AgentStatusFailed, f.store.status(1))
}

func TestOnlyThisJobsToolCallsAreRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.stream.Emit(ctx, 1, stream.Status("running", "tool_read_file", "old run", nil))
	require.NoError(t, err)
	f.llm.responses = []llm.Response{
		toolCall("c1", "list_files", map[string]any{"path": "."}),
		{Message: llm.Message{Content: "Listed."}},
	}

	require.NoError(t, f.runner().Handle(ctx, jobFor("list")))

	msgs, _ := f.store.ListMessages(ctx, 1)
	calls := f.store.toolCalls[msgs[len(msgs)-1].ID]
	require.Len(t, calls, 1)
	assert.Equal(t, "list_files", calls[0].ToolName)
}

func TestSpawnCreatesSubAgentInSameWorkspace(t *testing.T) {
	f := newFixture(t)
	f.llm.responses = []llm.Response{
		toolCall("c1", "spawn_sub_agent", map[string]any{"prompt": "write tests"}),
		{Message: llm.Message{Content: "Delegated."}},
	}

	require.NoError(t, f.runner().Handle(context.Background(), jobFor("orchestrate")))

	require.Len(t, f.subs.reqs, 1)
	req := f.subs.reqs[0]
	assert.Equal(t, "write tests", req.Message)
	assert.Equal(t, int64(1), req.Workspace.ID)
	assert.Equal(t, f.userID, req.UserID)
	assert.False(t, req.IsPrimaryRun)
}

func TestSubAgentRunHasNoSpawnTool(t *testing.T) {
	f := newFixture(t)
	j := jobFor("sub task")
	j.Payload.IsPrimaryRun = false

	require.NoError(t, f.runner().Handle(context.Background(), j))

	for _, def := range f.llm.requests[0].Tools {
		assert.NotEqual(t, "spawn_sub_agent", def.Name)
	}
}

func TestCommitMessage(t *testing.T) {
	assert.Equal(t, "Codee: short prompt", CommitMessage("short prompt"))
	long := strings.Repeat("x", 60)
	assert.Equal(t, "Codee: "+strings.Repeat("x", 50)+"...", CommitMessage(long))
	assert.Equal(t, "Codee: "+strings.Repeat("y", 50), CommitMessage(strings.Repeat("y", 50)))
}

func TestExtractToolCalls(t *testing.T) {
	evs := []stream.Event{
		stream.Status("starting", "init", "Preparing sandbox", nil),
		stream.Status("running", "tool_grep", "grep -R foo", map[string]string{
			stream.ExtraArgs:       `{"command":"grep -R foo ."}`,
			stream.ExtraDurationMs: "12",
		}),
		stream.Status("running", "tool_read_file", "main.go", map[string]string{
			stream.ExtraArgs:       `not json`,
			stream.ExtraDurationMs: "soon",
		}),
		stream.Error("agent_failure", "boom", "execute"),
	}

	got := ExtractToolCalls(evs)
	require.Len(t, got, 2)
	assert.Equal(t, "grep", got[0].ToolName)
	assert.Equal(t, "grep -R foo", got[0].Result)
	assert.Equal(t, "grep -R foo .", got[0].Arguments["command"])
	require.NotNil(t, got[0].DurationMs)
	assert.Equal(t, int64(12), *got[0].DurationMs)

	assert.Equal(t, "read_file", got[1].ToolName)
	assert.Empty(t, got[1].Arguments)
	assert.Nil(t, got[1].DurationMs)
}
