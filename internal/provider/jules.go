package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/reconcile"
)

// julesActivityPageSize bounds how much of a session's history is fetched.
const julesActivityPageSize = 30

var (
	julesCreateSchema = mustCompile("jules-create.json", `{
		"type": "object",
		"required": ["name", "id", "url"],
		"properties": {
			"name": {"type": "string"},
			"id": {"type": "string"},
			"url": {"type": "string"}
		}
	}`)
	julesSessionSchema = mustCompile("jules-session.json", `{
		"type": "object",
		"required": ["name", "id", "createTime", "prompt", "state"],
		"properties": {
			"name": {"type": "string"},
			"id": {"type": "string"},
			"createTime": {"type": "string"},
			"prompt": {"type": "string"},
			"state": {"type": "string"}
		}
	}`)
	julesActivitiesSchema = mustCompile("jules-activities.json", `{
		"type": "object",
		"properties": {
			"activities": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name", "createTime", "originator", "id"],
					"properties": {
						"name": {"type": "string"},
						"id": {"type": "string"},
						"createTime": {"type": "string"},
						"originator": {"type": "string"},
						"agentMessaged": {
							"type": "object",
							"required": ["agentMessage"],
							"properties": {"agentMessage": {"type": "string"}}
						},
						"userMessaged": {
							"type": "object",
							"required": ["userMessage"],
							"properties": {"userMessage": {"type": "string"}}
						}
					}
				}
			}
		}
	}`)
)

type julesSession struct {
	Name       string `json:"name"`
	ID         string `json:"id"`
	CreateTime string `json:"createTime"`
	Prompt     string `json:"prompt"`
	State      string `json:"state"`
}

type julesActivity struct {
	Name          string `json:"name"`
	ID            string `json:"id"`
	CreateTime    string `json:"createTime"`
	Originator    string `json:"originator"`
	AgentMessaged *struct {
		AgentMessage string `json:"agentMessage"`
	} `json:"agentMessaged,omitempty"`
	UserMessaged *struct {
		UserMessage string `json:"userMessage"`
	} `json:"userMessaged,omitempty"`
}

// Jules runs agents as Jules sessions.
type Jules struct {
	deps Deps
	log  *slog.Logger
}

// NewJules creates the Jules provider.
func NewJules(deps Deps) *Jules {
	return &Jules{deps: deps, log: deps.Logger.With("provider", model.ProviderJules)}
}

// Kind implements Provider.
func (j *Jules) Kind() model.ProviderKind { return model.ProviderJules }

func julesAuth(apiKey string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("X-Goog-Api-Key", apiKey) }
}

func (j *Jules) client(ctx context.Context, workspaceID int64) (*vendorClient, error) {
	ws, err := j.deps.Store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("provider: jules: load workspace: %w", err)
	}
	return j.deps.Clients.client(ctx, j.deps.Credentials, ws.UserID, model.IntegrationJules, j.deps.JulesAPIURL, julesAuth)
}

// CreateAgent implements Provider.
func (j *Jules) CreateAgent(ctx context.Context, req CreateAgentRequest) (model.Agent, error) {
	agent, err := j.deps.Store.CreateAgent(ctx, model.NewAgent{
		WorkspaceID:            req.Workspace.ID,
		ProviderKind:           model.ProviderJules,
		Name:                   agentName("Jules", req.Model),
		Model:                  req.Model,
		Status:                 model.AgentStatusPending,
		ExternalConversationID: "jules",
	})
	if err != nil {
		return model.Agent{}, fmt.Errorf("provider: jules: %w", err)
	}

	vc, err := j.deps.Clients.client(ctx, j.deps.Credentials, req.UserID, model.IntegrationJules, j.deps.JulesAPIURL, julesAuth)
	if err != nil {
		return fail(ctx, j.deps, agent), err
	}

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = model.DefaultBaseBranch
	}
	doc, err := vc.do(ctx, http.MethodPost, "/v1alpha/sessions", map[string]any{
		"prompt": req.Message,
		"sourceContext": map[string]any{
			"source":            "sources/github/" + req.RepositoryFullName,
			"githubRepoContext": map[string]any{"startingBranch": baseBranch},
		},
	})
	if err != nil {
		j.log.Warn("provider: jules create failed", "agent_id", agent.ID, "error", err)
		return fail(ctx, j.deps, agent), nil
	}
	var created struct {
		Name string `json:"name"`
		ID   string `json:"id"`
		URL  string `json:"url"`
	}
	if err := decodeValid(julesCreateSchema, doc, &created); err != nil {
		j.log.Warn("provider: jules create response rejected", "agent_id", agent.ID, "error", err)
		return fail(ctx, j.deps, agent), nil
	}

	return start(ctx, j.deps, agent, model.AgentUpdate{
		ExternalConversationID: &created.ID,
		URL:                    &created.URL,
	})
}

// SendFollowUp implements Provider.
func (j *Jules) SendFollowUp(ctx context.Context, agent model.Agent, message string) (bool, error) {
	if err := persistUserMessage(ctx, j.deps.Store, agent.ID, message); err != nil {
		return false, err
	}
	if !hasConversation(agent, "jules") {
		return false, ErrNoConversation
	}
	vc, err := j.client(ctx, agent.WorkspaceID)
	if err != nil {
		return false, err
	}
	if _, err := vc.do(ctx, http.MethodPost, "/v1alpha/sessions/"+url.PathEscape(agent.ExternalConversationID)+":sendMessage",
		map[string]any{"prompt": message}); err != nil {
		j.log.Warn("provider: jules sendMessage failed", "agent_id", agent.ID, "error", err)
		return false, nil
	}
	return true, nil
}

// FetchConversation implements Provider. The session and its activities are
// fetched concurrently; a terminal session state is handed to the reconciler.
func (j *Jules) FetchConversation(ctx context.Context, agent model.Agent) ([]model.ConversationMessage, error) {
	if !hasConversation(agent, "jules") {
		return []model.ConversationMessage{}, nil
	}
	vc, err := j.client(ctx, agent.WorkspaceID)
	if err != nil {
		j.log.Warn("provider: jules client unavailable", "agent_id", agent.ID, "error", err)
		return []model.ConversationMessage{}, nil
	}

	sessionPath := "/v1alpha/sessions/" + url.PathEscape(agent.ExternalConversationID)
	var sessionDoc, activitiesDoc any
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sessionDoc, err = vc.do(gctx, http.MethodGet, sessionPath, nil)
		return err
	})
	g.Go(func() error {
		var err error
		activitiesDoc, err = vc.do(gctx, http.MethodGet, fmt.Sprintf("%s/activities?pageSize=%d", sessionPath, julesActivityPageSize), nil)
		return err
	})
	if err := g.Wait(); err != nil {
		j.log.Warn("provider: jules conversation failed", "agent_id", agent.ID, "error", err)
		return []model.ConversationMessage{}, nil
	}

	var session julesSession
	if err := decodeValid(julesSessionSchema, sessionDoc, &session); err != nil {
		j.log.Warn("provider: jules session rejected", "agent_id", agent.ID, "error", err)
		return []model.ConversationMessage{}, nil
	}
	var page struct {
		Activities []julesActivity `json:"activities"`
	}
	if err := decodeValid(julesActivitiesSchema, activitiesDoc, &page); err != nil {
		j.log.Warn("provider: jules activities rejected", "agent_id", agent.ID, "error", err)
		return []model.ConversationMessage{}, nil
	}

	if status, ok := reconcile.VendorStatus(session.State); ok && !agent.Status.IsTerminal() {
		if _, err := j.deps.Reconciler.Transition(ctx, agent.ID, status); err != nil {
			j.log.Warn("provider: jules reconcile failed", "agent_id", agent.ID, "state", session.State, "error", err)
		}
	}

	out := make([]model.ConversationMessage, 0, len(page.Activities)+1)
	out = append(out, model.ConversationMessage{
		ID:        session.ID,
		Sender:    model.SenderUser,
		Content:   session.Prompt,
		CreatedAt: parseTime(session.CreateTime),
	})
	for _, a := range page.Activities {
		var m model.ConversationMessage
		switch {
		case a.UserMessaged != nil:
			m = model.ConversationMessage{Sender: model.SenderUser, Content: a.UserMessaged.UserMessage}
		case a.AgentMessaged != nil:
			m = model.ConversationMessage{Sender: model.SenderAgent, Content: a.AgentMessaged.AgentMessage}
		default:
			continue
		}
		m.ID = a.ID
		m.CreatedAt = parseTime(a.CreateTime)
		out = append(out, m)
	}
	return out, nil
}

func parseTime(s string) *time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
