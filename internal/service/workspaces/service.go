// Package workspaces provides the business logic for workspaces, agents,
// worker definitions and integrations.
//
// Both the HTTP API and the MCP server delegate to this service, so request
// validation, provider fan-out and ownership checks behave the same across
// interfaces.
package workspaces

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/Bardemic/codee-sub000/internal/llm"
	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/provider"
	"github.com/Bardemic/codee-sub000/internal/telemetry"
	"github.com/Bardemic/codee-sub000/internal/tools"
)

// ErrInvalidInput wraps every request validation failure.
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Store is the persistence the service needs. *storage.DB satisfies it.
type Store interface {
	CreateWorkspace(ctx context.Context, w model.Workspace) (model.Workspace, error)
	GetWorkspaceForUser(ctx context.Context, userID uuid.UUID, id int64) (model.Workspace, error)
	ListWorkspaces(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Workspace, error)
	ListAgentsByWorkspace(ctx context.Context, workspaceID int64) ([]model.Agent, error)
	GetAgentForUser(ctx context.Context, userID uuid.UUID, id int64) (model.Agent, error)

	CreateWorker(ctx context.Context, w model.WorkerDefinition) (model.WorkerDefinition, error)
	GetWorkerBySlug(ctx context.Context, userID uuid.UUID, slug string) (model.WorkerDefinition, error)
	ListWorkersBySlug(ctx context.Context, slug string) ([]model.WorkerDefinition, error)
	ListWorkers(ctx context.Context, userID uuid.UUID) ([]model.WorkerDefinition, error)
	DeleteWorker(ctx context.Context, userID uuid.UUID, id int64) error

	ListIntegrations(ctx context.Context, userID uuid.UUID) ([]model.IntegrationConnection, error)
	FindIntegrationOwner(ctx context.Context, provider, externalID string) (uuid.UUID, error)
}

// Integrations stores sealed vendor credentials. *credentials.Store satisfies it.
type Integrations interface {
	Put(ctx context.Context, userID uuid.UUID, provider, externalID string, data map[string]any) (model.IntegrationConnection, error)
	Delete(ctx context.Context, userID uuid.UUID, provider string) error
}

// Service encapsulates workspace business logic shared by HTTP and MCP handlers.
type Service struct {
	store        Store
	providers    *provider.Registry
	integrations Integrations
	llm          llm.Client
	titleModel   string
	logger       *slog.Logger

	agentsCreated metric.Int64Counter
}

// New creates a workspace Service. client may be nil, in which case titles
// fall back to a truncation of the first message.
func New(store Store, providers *provider.Registry, integrations Integrations, client llm.Client, titleModel string, logger *slog.Logger) *Service {
	meter := telemetry.Meter("codee/workspaces")
	created, _ := meter.Int64Counter("codee.agents.created",
		metric.WithDescription("Agents created, by provider"),
	)
	return &Service{
		store:         store,
		providers:     providers,
		integrations:  integrations,
		llm:           client,
		titleModel:    titleModel,
		logger:        logger,
		agentsCreated: created,
	}
}

// Providers exposes the registry to transports that need it directly.
func (s *Service) Providers() *provider.Registry { return s.providers }

// launch is one resolved agent to start.
type launch struct {
	p     provider.Provider
	model *string
}

// resolve maps provider selections to enabled providers. A selection with no
// agents launches one agent with the provider's default model.
func (s *Service) resolve(selections []model.ProviderSelection) ([]launch, error) {
	var out []launch
	for _, sel := range selections {
		p, err := s.providers.Lookup(sel.Name)
		if err != nil {
			return nil, invalid("unknown provider %q", sel.Name)
		}
		if len(sel.Agents) == 0 {
			out = append(out, launch{p: p})
			continue
		}
		for _, a := range sel.Agents {
			out = append(out, launch{p: p, model: a.Model})
		}
	}
	if len(out) == 0 {
		return nil, invalid("at least one provider is required")
	}
	return out, nil
}

// Create validates the request, titles and creates the workspace, and starts
// one agent per selected provider and model. The first agent is returned.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, req model.CreateWorkspaceRequest) (model.CreateWorkspaceResponse, error) {
	if err := req.Validate(); err != nil {
		return model.CreateWorkspaceResponse{}, invalid("%s", err)
	}
	return s.create(ctx, userID, nil, req)
}

func (s *Service) create(ctx context.Context, userID uuid.UUID, workerID *int64, req model.CreateWorkspaceRequest) (model.CreateWorkspaceResponse, error) {
	if err := tools.ValidateSlugs(req.ToolSlugs); err != nil {
		return model.CreateWorkspaceResponse{}, invalid("%s", err)
	}
	launches, err := s.resolve(req.Providers)
	if err != nil {
		return model.CreateWorkspaceResponse{}, err
	}
	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = model.DefaultBaseBranch
	}
	toolSlugs := req.ToolSlugs
	if toolSlugs == nil {
		toolSlugs = []string{}
	}

	ws, err := s.store.CreateWorkspace(ctx, model.Workspace{
		UserID:             userID,
		Name:               llm.Title(ctx, s.llm, s.titleModel, req.Message),
		RepositoryFullName: req.RepositoryFullName,
		BaseBranch:         baseBranch,
		WorkerID:           workerID,
	})
	if err != nil {
		return model.CreateWorkspaceResponse{}, fmt.Errorf("workspaces: create: %w", err)
	}

	agents := make([]model.Agent, len(launches))
	// Every launch runs to completion; one provider failing must not cancel
	// the others mid-creation.
	var g errgroup.Group
	for i, l := range launches {
		g.Go(func() error {
			a, err := l.p.CreateAgent(ctx, provider.CreateAgentRequest{
				UserID:             userID,
				Workspace:          ws,
				RepositoryFullName: req.RepositoryFullName,
				Message:            req.Message,
				ToolSlugs:          toolSlugs,
				BaseBranch:         baseBranch,
				Model:              l.model,
				IsPrimaryRun:       true,
			})
			if err != nil {
				return fmt.Errorf("workspaces: create %s agent: %w", l.p.Kind(), err)
			}
			agents[i] = a
			s.agentsCreated.Add(ctx, 1, metric.WithAttributes(
				attribute.String("provider", string(l.p.Kind())),
				attribute.String("status", string(a.Status)),
			))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.CreateWorkspaceResponse{}, err
	}

	ws.Agents = agents
	s.logger.Info("workspaces: created", "workspace_id", ws.ID, "user_id", userID, "agents", len(agents))
	return model.CreateWorkspaceResponse{Workspace: ws, Agent: agents[0]}, nil
}

// List returns the user's workspaces, most recently active first.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Workspace, error) {
	out, err := s.store.ListWorkspaces(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("workspaces: list: %w", err)
	}
	if out == nil {
		out = []model.Workspace{}
	}
	return out, nil
}

// Get returns one of the user's workspaces with its agents.
func (s *Service) Get(ctx context.Context, userID uuid.UUID, id int64) (model.Workspace, error) {
	ws, err := s.store.GetWorkspaceForUser(ctx, userID, id)
	if err != nil {
		return model.Workspace{}, fmt.Errorf("workspaces: get: %w", err)
	}
	agents, err := s.store.ListAgentsByWorkspace(ctx, id)
	if err != nil {
		return model.Workspace{}, fmt.Errorf("workspaces: list agents: %w", err)
	}
	ws.Agents = agents
	return ws, nil
}

func (s *Service) agent(ctx context.Context, userID uuid.UUID, agentID int64) (model.Agent, provider.Provider, error) {
	agent, err := s.store.GetAgentForUser(ctx, userID, agentID)
	if err != nil {
		return model.Agent{}, nil, fmt.Errorf("workspaces: get agent: %w", err)
	}
	p, err := s.providers.ForAgent(agent)
	if err != nil {
		return model.Agent{}, nil, fmt.Errorf("workspaces: agent %d: %w", agentID, err)
	}
	return agent, p, nil
}

// Messages returns the agent's conversation from its provider.
func (s *Service) Messages(ctx context.Context, userID uuid.UUID, agentID int64) ([]model.ConversationMessage, error) {
	agent, p, err := s.agent(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	msgs, err := p.FetchConversation(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("workspaces: messages: %w", err)
	}
	return msgs, nil
}

// SendMessage delivers a follow-up to the agent's provider.
func (s *Service) SendMessage(ctx context.Context, userID uuid.UUID, agentID int64, message string) (model.SendMessageResponse, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return model.SendMessageResponse{}, invalid("message is required")
	}
	if len(message) > model.MaxPromptLen {
		return model.SendMessageResponse{}, invalid("message exceeds maximum length of %d bytes", model.MaxPromptLen)
	}
	agent, p, err := s.agent(ctx, userID, agentID)
	if err != nil {
		return model.SendMessageResponse{}, err
	}
	delivered, err := p.SendFollowUp(ctx, agent, message)
	if err != nil {
		return model.SendMessageResponse{}, fmt.Errorf("workspaces: send message: %w", err)
	}
	return model.SendMessageResponse{Delivered: delivered}, nil
}

// AgentStatus returns the agent's lifecycle status.
func (s *Service) AgentStatus(ctx context.Context, userID uuid.UUID, agentID int64) (model.AgentStatusResponse, error) {
	agent, err := s.store.GetAgentForUser(ctx, userID, agentID)
	if err != nil {
		return model.AgentStatusResponse{}, fmt.Errorf("workspaces: agent status: %w", err)
	}
	return model.AgentStatusResponse{
		AgentID:       agent.ID,
		Status:        agent.Status,
		Provider:      agent.ProviderKind,
		WorkingBranch: agent.WorkingBranch,
		URL:           agent.URL,
	}, nil
}

// AuthorizeAgent confirms the user owns agentID.
func (s *Service) AuthorizeAgent(ctx context.Context, userID uuid.UUID, agentID int64) error {
	if _, err := s.store.GetAgentForUser(ctx, userID, agentID); err != nil {
		return fmt.Errorf("workspaces: authorize agent: %w", err)
	}
	return nil
}
