// Package provider abstracts the backends that execute agents: the
// self-hosted Codee runner and the Cursor and Jules cloud agents. Every
// variant persists its agent row before any network or queue side effect and
// writes status only through the reconciler.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/stream"
)

var (
	// ErrMissingCredential is returned when the workspace owner has not
	// connected the vendor integration.
	ErrMissingCredential = errors.New("provider: missing credential")
	// ErrNoWorkingBranch is returned by a Codee follow-up before the first
	// run has created the agent's branch.
	ErrNoWorkingBranch = errors.New("provider: agent has no working branch")
	// ErrNoConversation is returned by a vendor follow-up when the vendor
	// never accepted the agent.
	ErrNoConversation = errors.New("provider: agent has no external conversation")
	// ErrUnknownProvider is returned for names outside the static table.
	ErrUnknownProvider = errors.New("provider: unknown provider")
)

// CreateAgentRequest carries everything a provider needs to start an agent.
type CreateAgentRequest struct {
	UserID             uuid.UUID
	Workspace          model.Workspace
	RepositoryFullName string
	Message            string
	ToolSlugs          []string
	BaseBranch         string
	Model              *string
	IsPrimaryRun       bool
}

// Provider is one agent backend.
type Provider interface {
	Kind() model.ProviderKind
	// CreateAgent persists a PENDING agent and starts it. Vendor rejections
	// leave a FAILED agent and a nil error.
	CreateAgent(ctx context.Context, req CreateAgentRequest) (model.Agent, error)
	// SendFollowUp appends a user message to a running conversation. The
	// bool reports whether the backend accepted it.
	SendFollowUp(ctx context.Context, agent model.Agent, message string) (bool, error)
	// FetchConversation reads the conversation. Backend failures yield an
	// empty slice.
	FetchConversation(ctx context.Context, agent model.Agent) ([]model.ConversationMessage, error)
}

// Store is the persistence the providers need.
type Store interface {
	CreateAgent(ctx context.Context, na model.NewAgent) (model.Agent, error)
	GetAgent(ctx context.Context, id int64) (model.Agent, error)
	UpdateAgent(ctx context.Context, id int64, u model.AgentUpdate) (model.Agent, error)
	GetWorkspace(ctx context.Context, id int64) (model.Workspace, error)
	CreateMessage(ctx context.Context, agentID int64, sender model.Sender, content string) (model.Message, error)
	ListMessages(ctx context.Context, agentID int64) ([]model.Message, error)
}

// Reconciler is the single status-write path.
type Reconciler interface {
	Transition(ctx context.Context, agentID int64, to model.AgentStatus) (bool, error)
}

// Enqueuer hands self-hosted work to the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload model.JobPayload) (int64, error)
}

// Credentials resolves a user's vendor API key. A missing connection is
// reported as credentials.ErrNotConnected.
type Credentials interface {
	APIKey(ctx context.Context, userID uuid.UUID, provider string) (string, error)
}

// Deps are shared by every provider constructor.
type Deps struct {
	Store       Store
	Reconciler  Reconciler
	Queue       Enqueuer
	Stream      stream.Stream
	Credentials Credentials
	Clients     *ClientCache
	Logger      *slog.Logger

	CursorAPIURL        string
	CursorWebhookSecret string
	JulesAPIURL         string
	// PublicURL is the externally reachable base URL of this service. When
	// empty, Cursor agents are created without a completion webhook.
	PublicURL string
}

// constructors is the closed set of providers, keyed by kind.
var constructors = map[model.ProviderKind]func(Deps) Provider{
	model.ProviderCodee:  func(d Deps) Provider { return NewCodee(d) },
	model.ProviderCursor: func(d Deps) Provider { return NewCursor(d) },
	model.ProviderJules:  func(d Deps) Provider { return NewJules(d) },
}

// Registry holds the enabled providers.
type Registry struct {
	providers map[model.ProviderKind]Provider
	order     []model.ProviderKind
	clients   *ClientCache
}

// NewRegistry builds the providers named in kinds.
func NewRegistry(kinds []model.ProviderKind, deps Deps) (*Registry, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clients == nil {
		deps.Clients = NewClientCache(0, 0)
	}
	r := &Registry{providers: make(map[model.ProviderKind]Provider, len(kinds)), clients: deps.Clients}
	for _, k := range kinds {
		ctor, ok := constructors[k]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, k)
		}
		if _, dup := r.providers[k]; dup {
			continue
		}
		r.providers[k] = ctor(deps)
		r.order = append(r.order, k)
	}
	return r, nil
}

// Get returns the provider for kind.
func (r *Registry) Get(kind model.ProviderKind) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	return p, nil
}

// Lookup resolves a user-facing provider name such as "Cursor".
func (r *Registry) Lookup(name string) (Provider, error) {
	kind, err := model.ParseProviderKind(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return r.Get(kind)
}

// ForAgent returns the provider that owns agent.
func (r *Registry) ForAgent(agent model.Agent) (Provider, error) {
	return r.Get(agent.ProviderKind)
}

// Kinds lists enabled providers in configuration order.
func (r *Registry) Kinds() []model.ProviderKind {
	return append([]model.ProviderKind(nil), r.order...)
}

// Codee returns the self-hosted provider, or nil when it is disabled.
func (r *Registry) Codee() *Codee {
	c, _ := r.providers[model.ProviderCodee].(*Codee)
	return c
}

// Clients returns the vendor client cache.
func (r *Registry) Clients() *ClientCache { return r.clients }

func agentName(label string, m *string) string {
	if m != nil && *m != "" {
		return label + " Agent (" + *m + ")"
	}
	return label + " Agent"
}

// persistUserMessage records a follow-up before it is delivered anywhere.
func persistUserMessage(ctx context.Context, store Store, agentID int64, message string) error {
	if _, err := store.CreateMessage(ctx, agentID, model.SenderUser, message); err != nil {
		return fmt.Errorf("provider: persist user message: %w", err)
	}
	return nil
}
