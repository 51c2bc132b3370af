package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/stream"
)

// Codee runs agents on the self-hosted runner by enqueuing jobs.
type Codee struct {
	deps Deps
	log  *slog.Logger
}

// NewCodee creates the self-hosted provider.
func NewCodee(deps Deps) *Codee {
	return &Codee{deps: deps, log: deps.Logger.With("provider", model.ProviderCodee)}
}

// Kind implements Provider.
func (c *Codee) Kind() model.ProviderKind { return model.ProviderCodee }

// CreateAgent persists the agent and its first USER message, then enqueues
// the initial job. The agent stays PENDING until a runner picks it up.
func (c *Codee) CreateAgent(ctx context.Context, req CreateAgentRequest) (model.Agent, error) {
	agent, err := c.deps.Store.CreateAgent(ctx, model.NewAgent{
		WorkspaceID:            req.Workspace.ID,
		ProviderKind:           model.ProviderCodee,
		Name:                   agentName("Codee", req.Model),
		Model:                  req.Model,
		Status:                 model.AgentStatusPending,
		ExternalConversationID: "codee",
	})
	if err != nil {
		return model.Agent{}, fmt.Errorf("provider: codee: %w", err)
	}
	if err := persistUserMessage(ctx, c.deps.Store, agent.ID, req.Message); err != nil {
		return agent, err
	}

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = req.Workspace.BaseBranch
	}
	repo := req.RepositoryFullName
	if repo == "" {
		repo = req.Workspace.RepositoryFullName
	}
	if err := c.enqueue(ctx, agent.ID, "Job queued", model.JobPayload{
		AgentID:            agent.ID,
		Prompt:             req.Message,
		RepositoryFullName: repo,
		ToolSlugs:          req.ToolSlugs,
		BaseBranch:         baseBranch,
		IsPrimaryRun:       req.IsPrimaryRun,
	}); err != nil {
		return agent, err
	}
	return agent, nil
}

// SendFollowUp persists the message and enqueues a primary run on the
// agent's existing branch.
func (c *Codee) SendFollowUp(ctx context.Context, agent model.Agent, message string) (bool, error) {
	if err := persistUserMessage(ctx, c.deps.Store, agent.ID, message); err != nil {
		return false, err
	}
	if agent.WorkingBranch == nil || *agent.WorkingBranch == "" {
		return false, ErrNoWorkingBranch
	}
	if err := c.enqueue(ctx, agent.ID, "Follow-up queued", model.JobPayload{
		AgentID:      agent.ID,
		Prompt:       message,
		BaseBranch:   *agent.WorkingBranch,
		IsPrimaryRun: true,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// FetchConversation returns the locally stored conversation with tool calls.
func (c *Codee) FetchConversation(ctx context.Context, agent model.Agent) ([]model.ConversationMessage, error) {
	msgs, err := c.deps.Store.ListMessages(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("provider: codee: %w", err)
	}
	out := make([]model.ConversationMessage, len(msgs))
	for i, m := range msgs {
		created := m.CreatedAt
		out[i] = model.ConversationMessage{
			ID:        strconv.FormatInt(m.ID, 10),
			Sender:    m.Sender,
			Content:   m.Content,
			CreatedAt: &created,
			ToolCalls: m.ToolCalls,
		}
	}
	return out, nil
}

// enqueue emits the best-effort queued status and hands payload to the queue.
func (c *Codee) enqueue(ctx context.Context, agentID int64, detail string, payload model.JobPayload) error {
	if c.deps.Stream != nil {
		stream.NewEmitter(c.deps.Stream, agentID, c.log).Status(ctx, "queued", "init", detail, nil)
	}
	if payload.ToolSlugs == nil {
		payload.ToolSlugs = []string{}
	}
	jobID, err := c.deps.Queue.Enqueue(ctx, payload)
	if err != nil {
		return fmt.Errorf("provider: codee: enqueue: %w", err)
	}
	c.log.Info("provider: job enqueued", "agent_id", agentID, "job_id", jobID, "primary", payload.IsPrimaryRun)
	return nil
}
