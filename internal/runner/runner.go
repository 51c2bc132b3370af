// Package runner executes self-hosted agent jobs. Each job walks a fixed
// sequence of phases: resolve the repository, provision or reuse an
// environment, ensure the agent's working branch, run the tool loop, persist
// the reply and its tool calls, commit and push, and finalize status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Bardemic/codee-sub000/internal/environment"
	"github.com/Bardemic/codee-sub000/internal/llm"
	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/provider"
	"github.com/Bardemic/codee-sub000/internal/stream"
	"github.com/Bardemic/codee-sub000/internal/telemetry"
	"github.com/Bardemic/codee-sub000/internal/tools"
)

// Phase names a step of the job state machine.
type Phase string

const (
	PhaseStarting            Phase = "starting"
	PhaseEnsuringEnvironment Phase = "ensuring_environment"
	PhaseEnsuringBranch      Phase = "ensuring_branch"
	PhaseGenerating          Phase = "generating"
	PhasePersisting          Phase = "persisting"
	PhaseCommitting          Phase = "committing"
	PhaseFinalizing          Phase = "finalizing"
)

// Error codes emitted on the agent's stream.
const (
	CodeMissingRepository = "missing_repository"
	CodeTokenMissing      = "token_missing"
	CodeProvisionFailed   = "provision_failed"
	CodeAgentFailure      = "agent_failure"
)

// commitSubjectLen bounds the prompt excerpt in commit messages.
const commitSubjectLen = 50

const systemPrompt = `You are Codee, a software engineering agent working inside a checkout of the user's repository.
Use the tools to inspect and edit files. Keep changes focused on the request.
When you are done, reply with a short summary of what you changed.`

// Store is the persistence the runner needs.
type Store interface {
	GetAgent(ctx context.Context, id int64) (model.Agent, error)
	GetWorkspace(ctx context.Context, id int64) (model.Workspace, error)
	ListMessages(ctx context.Context, agentID int64) ([]model.Message, error)
	CreateMessage(ctx context.Context, agentID int64, sender model.Sender, content string) (model.Message, error)
	CreateToolCalls(ctx context.Context, messageID int64, records []model.ToolCallRecord) error
	SetWorkingBranch(ctx context.Context, id int64, branch string) (bool, error)
}

// Reconciler applies status transitions.
type Reconciler interface {
	Transition(ctx context.Context, agentID int64, to model.AgentStatus) (bool, error)
}

// Environments provisions or reuses an agent's environment.
type Environments interface {
	GetOrCreate(ctx context.Context, agent model.Agent, token, repo, baseBranch string) (environment.Environment, bool, error)
}

// Tokens issues repository credentials for a workspace owner.
type Tokens interface {
	TokenForUser(ctx context.Context, userID uuid.UUID) (string, error)
}

// SubAgents creates orchestrated sub-agents.
type SubAgents interface {
	CreateAgent(ctx context.Context, req provider.CreateAgentRequest) (model.Agent, error)
}

// Config tunes the runner.
type Config struct {
	Model    string
	MaxSteps int
	BotName  string
	BotEmail string
}

// Deps wires a Runner.
type Deps struct {
	Store        Store
	Reconciler   Reconciler
	Environments Environments
	Tokens       Tokens
	SubAgents    SubAgents
	Stream       stream.Stream
	LLM          llm.Client
	Logger       *slog.Logger
}

// Runner handles queued jobs.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates a Runner.
func New(deps Deps, cfg Config) *Runner {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 32
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "runner"),
		tracer: telemetry.Tracer("codee/runner"),
		now:    time.Now,
	}
}

// job is the state carried between phases of one execution.
type job struct {
	id         int64
	payload    model.JobPayload
	agent      model.Agent
	workspace  model.Workspace
	repo       string
	baseBranch string
	cursor     string
	env        environment.Environment
	isNew      bool
	reply      string
	message    model.Message
	emit       *stream.Emitter
	log        *slog.Logger
}

// Handle runs one job. Pre-start and provisioning failures are reported on
// the stream and return nil, leaving the agent PENDING. Failures after the
// environment is ready mark the agent FAILED and are returned so the queue
// retains the job.
func (r *Runner) Handle(ctx context.Context, qj model.Job) (err error) {
	p := qj.Payload
	ctx, span := r.tracer.Start(ctx, "runner.job", trace.WithAttributes(
		attribute.Int64("codee.agent_id", p.AgentID),
		attribute.Int64("codee.job_id", qj.ID),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	j := &job{
		id:      qj.ID,
		payload: p,
		emit:    stream.NewEmitter(r.deps.Stream, p.AgentID, r.logger),
		log:     r.logger.With("agent_id", p.AgentID, "job_id", qj.ID),
	}

	ready, err := r.prepare(ctx, j)
	if err != nil || !ready {
		return err
	}

	if err := r.safeExecute(ctx, j); err != nil {
		r.failed(ctx, j, err)
		return err
	}
	return nil
}

// safeExecute turns a panic in a late phase into an error so the agent is
// still marked FAILED.
func (r *Runner) safeExecute(ctx context.Context, j *job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			j.log.Error("runner: panic", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("runner: panic: %v", rec)
		}
	}()
	return r.execute(ctx, j)
}

// prepare runs the phases whose failures leave the agent PENDING. ready is
// false when the job ended early without error.
func (r *Runner) prepare(ctx context.Context, j *job) (ready bool, err error) {
	err = r.phase(ctx, j, PhaseStarting, func(ctx context.Context) error {
		agent, err := r.deps.Store.GetAgent(ctx, j.payload.AgentID)
		if err != nil {
			return fmt.Errorf("runner: load agent: %w", err)
		}
		ws, err := r.deps.Store.GetWorkspace(ctx, agent.WorkspaceID)
		if err != nil {
			return fmt.Errorf("runner: load workspace: %w", err)
		}
		j.agent, j.workspace = agent, ws
		j.repo = firstNonEmpty(j.payload.RepositoryFullName, ws.RepositoryFullName)
		j.baseBranch = firstNonEmpty(j.payload.BaseBranch, ws.BaseBranch, model.DefaultBaseBranch)

		cursor, err := r.deps.Stream.Last(ctx, agent.ID)
		if err != nil {
			j.log.Warn("runner: resolve stream cursor failed", "error", err)
		}
		j.cursor = cursor
		return nil
	})
	if err != nil {
		return false, err
	}
	if j.repo == "" {
		j.emit.Error(ctx, CodeMissingRepository, "No repository is configured for this agent", "start")
		j.log.Warn("runner: no repository")
		return false, nil
	}

	var token string
	err = r.phase(ctx, j, PhaseEnsuringEnvironment, func(ctx context.Context) error {
		var err error
		token, err = r.deps.Tokens.TokenForUser(ctx, j.workspace.UserID)
		if err != nil {
			j.emit.Error(ctx, CodeTokenMissing, "GitHub App is not installed for this account", "environment")
			j.log.Warn("runner: no repository token", "error", err)
			return errStop
		}

		j.emit.Status(ctx, "starting", "init", "Preparing sandbox", nil)
		j.env, j.isNew, err = r.deps.Environments.GetOrCreate(ctx, j.agent, token, j.repo, j.baseBranch)
		if err != nil {
			j.emit.Error(ctx, CodeProvisionFailed, err.Error(), "environment")
			j.log.Warn("runner: provision failed", "error", err)
			return errStop
		}
		j.log.Info("runner: environment ready", "handle", j.env.Handle(), "new", j.isNew)
		return nil
	})
	if errors.Is(err, errStop) {
		return false, nil
	}
	return err == nil, err
}

// execute runs every phase after the environment is ready.
func (r *Runner) execute(ctx context.Context, j *job) error {
	steps := []struct {
		phase Phase
		run   func(context.Context, *job) error
	}{
		{PhaseEnsuringBranch, r.ensureBranch},
		{PhaseGenerating, r.generate},
		{PhasePersisting, r.persist},
		{PhaseCommitting, r.commit},
		{PhaseFinalizing, r.finalize},
	}
	for _, s := range steps {
		if err := r.phase(ctx, j, s.phase, func(ctx context.Context) error { return s.run(ctx, j) }); err != nil {
			return err
		}
	}
	return nil
}

// errStop ends a job early without error.
var errStop = errors.New("runner: stop")

func (r *Runner) phase(ctx context.Context, j *job, p Phase, fn func(context.Context) error) (err error) {
	ctx, span := r.tracer.Start(ctx, "runner."+string(p))
	defer func() {
		if errors.Is(err, errStop) {
			telemetry.EndSpan(span, nil)
			return
		}
		telemetry.EndSpan(span, err)
	}()
	j.log.Debug("runner: phase", "phase", p)
	return fn(ctx)
}

func (r *Runner) ensureBranch(ctx context.Context, j *job) error {
	if j.agent.WorkingBranch != nil && *j.agent.WorkingBranch != "" {
		if !j.isNew {
			return nil
		}
		branch := *j.agent.WorkingBranch
		j.emit.Status(ctx, "running", "pull_branch", "Pulling latest from "+branch, nil)
		for _, cmd := range []environment.Command{
			environment.Git("fetch", "origin", branch),
			environment.Git("checkout", branch),
			environment.Git("pull", "origin", branch),
		} {
			if err := r.run(ctx, j.env, cmd); err != nil {
				return err
			}
		}
		return nil
	}

	branch := BranchName(j.agent.ID, r.now())
	j.emit.Status(ctx, "running", "create_branch", "Creating branch "+branch, nil)
	if err := r.run(ctx, j.env, environment.Git("checkout", "-b", branch)); err != nil {
		return err
	}
	if err := r.run(ctx, j.env, environment.Git("push", "-u", "origin", branch)); err != nil {
		return err
	}
	set, err := r.deps.Store.SetWorkingBranch(ctx, j.agent.ID, branch)
	if err != nil {
		return fmt.Errorf("runner: persist branch: %w", err)
	}
	if !set {
		j.log.Warn("runner: working branch already set", "branch", branch)
	}
	j.agent.WorkingBranch = &branch
	j.log.Info("runner: created working branch", "branch", branch)
	return nil
}

func (r *Runner) generate(ctx context.Context, j *job) error {
	j.emit.Status(ctx, "running", "agent_start", "Agent started", nil)
	if _, err := r.deps.Reconciler.Transition(ctx, j.agent.ID, model.AgentStatusRunning); err != nil {
		return err
	}

	set := tools.Build(j.env, j.emit, tools.Options{
		ToolSlugs:    j.payload.ToolSlugs,
		IsPrimaryRun: j.payload.IsPrimaryRun,
		Spawn:        r.spawner(j),
	}, j.log)

	history, err := r.deps.Store.ListMessages(ctx, j.agent.ID)
	if err != nil {
		return fmt.Errorf("runner: load history: %w", err)
	}
	res, err := llm.RunLoop(ctx, r.deps.LLM, r.cfg.Model, conversation(history, j.payload.Prompt), set, r.cfg.MaxSteps)
	if err != nil {
		return err
	}
	j.reply = res.Text
	if j.reply == "" {
		j.reply = "Finished without a summary."
	}
	j.log.Info("runner: generation finished", "steps", res.Steps)
	return nil
}

func (r *Runner) spawner(j *job) func(ctx context.Context, prompt string) (int64, error) {
	if r.deps.SubAgents == nil {
		return nil
	}
	return func(ctx context.Context, prompt string) (int64, error) {
		sub, err := r.deps.SubAgents.CreateAgent(ctx, provider.CreateAgentRequest{
			UserID:             j.workspace.UserID,
			Workspace:          j.workspace,
			RepositoryFullName: j.repo,
			Message:            prompt,
			ToolSlugs:          j.payload.ToolSlugs,
			BaseBranch:         j.baseBranch,
			IsPrimaryRun:       false,
		})
		if err != nil {
			return 0, err
		}
		return sub.ID, nil
	}
}

func (r *Runner) persist(ctx context.Context, j *job) error {
	msg, err := r.deps.Store.CreateMessage(ctx, j.agent.ID, model.SenderAgent, j.reply)
	if err != nil {
		return fmt.Errorf("runner: save reply: %w", err)
	}
	j.message = msg

	if j.cursor == "" {
		j.log.Warn("runner: no stream cursor, tool calls not recorded")
		return nil
	}
	events, err := r.deps.Stream.Range(ctx, j.agent.ID, j.cursor)
	if err != nil {
		return fmt.Errorf("runner: read tool events: %w", err)
	}
	records := ExtractToolCalls(events)
	if len(records) == 0 {
		return nil
	}
	if err := r.deps.Store.CreateToolCalls(ctx, msg.ID, records); err != nil {
		return fmt.Errorf("runner: save tool calls: %w", err)
	}
	return nil
}

func (r *Runner) commit(ctx context.Context, j *job) error {
	res, err := j.env.RunCommand(ctx, environment.Git("status", "--porcelain"))
	if err != nil {
		return fmt.Errorf("runner: git status: %w", err)
	}
	if err := res.Err(environment.Git("status")); err != nil {
		return err
	}
	if strings.TrimSpace(res.Stdout) == "" {
		j.log.Debug("runner: nothing to commit")
		return nil
	}

	j.emit.Status(ctx, "running", "commit", "Committing changes", nil)
	if err := r.run(ctx, j.env, environment.Git("add", "-A")); err != nil {
		return err
	}
	commitCmd := environment.Git("commit", "-m", CommitMessage(j.payload.Prompt))
	commitCmd.Env = map[string]string{
		"GIT_AUTHOR_NAME":     r.cfg.BotName,
		"GIT_AUTHOR_EMAIL":    r.cfg.BotEmail,
		"GIT_COMMITTER_NAME":  r.cfg.BotName,
		"GIT_COMMITTER_EMAIL": r.cfg.BotEmail,
	}
	if err := r.run(ctx, j.env, commitCmd); err != nil {
		return err
	}
	push := environment.Git("push")
	if j.agent.WorkingBranch != nil {
		push = environment.Git("push", "origin", *j.agent.WorkingBranch)
	}
	return r.run(ctx, j.env, push)
}

func (r *Runner) finalize(ctx context.Context, j *job) error {
	if err := j.env.Stop(ctx); err != nil {
		return fmt.Errorf("runner: stop environment: %w", err)
	}
	if _, err := r.deps.Reconciler.Transition(ctx, j.agent.ID, model.AgentStatusCompleted); err != nil {
		return err
	}
	j.emit.Done(ctx, "success")
	return nil
}

// failed reports a mid-run failure. The stream ends with the error event and
// no done.
func (r *Runner) failed(ctx context.Context, j *job, cause error) {
	ctx = context.WithoutCancel(ctx)
	j.emit.Error(ctx, CodeAgentFailure, cause.Error(), "execute")
	if _, err := r.deps.Reconciler.Transition(ctx, j.payload.AgentID, model.AgentStatusFailed); err != nil {
		j.log.Error("runner: mark failed", "error", err)
	}
	j.log.Error("runner: job failed", "error", cause)
}

func (r *Runner) run(ctx context.Context, env environment.Environment, cmd environment.Command) error {
	res, err := env.RunCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("runner: %s: %w", cmd.Name, err)
	}
	return res.Err(cmd)
}

// conversation turns stored history into model input. The current prompt is
// normally already stored as the last USER message; it is appended only
// when it is not.
func conversation(history []model.Message, prompt string) []llm.Message {
	out := make([]llm.Message, 0, len(history)+2)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		role := llm.RoleUser
		if m.Sender == model.SenderAgent {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	if n := len(history); n == 0 || history[n-1].Sender != model.SenderUser || history[n-1].Content != prompt {
		out = append(out, llm.Message{Role: llm.RoleUser, Content: prompt})
	}
	return out
}

// BranchName is the working branch created for an agent's first job.
func BranchName(agentID int64, at time.Time) string {
	return fmt.Sprintf("codee/agent-%d-%x", agentID, at.UnixMilli())
}

// CommitMessage prefixes the first 50 characters of the prompt.
func CommitMessage(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= commitSubjectLen {
		return "Codee: " + prompt
	}
	return "Codee: " + string(runes[:commitSubjectLen]) + "..."
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
