package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Bardemic/codee-sub000/internal/model"
)

var (
	cursorCreateSchema = mustCompile("cursor-create.json", `{
		"type": "object",
		"required": ["id", "name", "target"],
		"properties": {
			"id": {"type": "string"},
			"name": {"type": "string"},
			"target": {
				"type": "object",
				"required": ["branchName", "url"],
				"properties": {
					"branchName": {"type": "string"},
					"url": {"type": "string"}
				}
			}
		}
	}`)
	cursorFollowupSchema = mustCompile("cursor-followup.json", `{
		"type": "object",
		"required": ["id"],
		"properties": {"id": {"type": "string"}}
	}`)
	cursorConversationSchema = mustCompile("cursor-conversation.json", `{
		"type": "object",
		"required": ["id", "messages"],
		"properties": {
			"id": {"type": "string"},
			"messages": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id", "type", "text"],
					"properties": {
						"id": {"type": "string"},
						"type": {"enum": ["user_message", "assistant_message"]},
						"text": {"type": "string"}
					}
				}
			}
		}
	}`)
)

type cursorAgent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Target struct {
		BranchName string `json:"branchName"`
		URL        string `json:"url"`
	} `json:"target"`
}

type cursorConversation struct {
	ID       string `json:"id"`
	Messages []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"messages"`
}

// Cursor runs agents on the Cursor background agent API.
type Cursor struct {
	deps Deps
	log  *slog.Logger
}

// NewCursor creates the Cursor provider.
func NewCursor(deps Deps) *Cursor {
	return &Cursor{deps: deps, log: deps.Logger.With("provider", model.ProviderCursor)}
}

// Kind implements Provider.
func (c *Cursor) Kind() model.ProviderKind { return model.ProviderCursor }

func cursorAuth(apiKey string) func(*http.Request) {
	token := "Basic " + base64.StdEncoding.EncodeToString([]byte(apiKey+":"))
	return func(r *http.Request) { r.Header.Set("Authorization", token) }
}

func (c *Cursor) client(ctx context.Context, workspaceID int64) (*vendorClient, error) {
	ws, err := c.deps.Store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("provider: cursor: load workspace: %w", err)
	}
	return c.deps.Clients.client(ctx, c.deps.Credentials, ws.UserID, model.IntegrationCursor, c.deps.CursorAPIURL, cursorAuth)
}

// CompletionWebhookURL is where Cursor reports the outcome of agent id.
func CompletionWebhookURL(publicURL string, agentID int64) string {
	return strings.TrimRight(publicURL, "/") + "/webhooks/cursor/complete/" + strconv.FormatInt(agentID, 10)
}

// CreateAgent implements Provider.
func (c *Cursor) CreateAgent(ctx context.Context, req CreateAgentRequest) (model.Agent, error) {
	agent, err := c.deps.Store.CreateAgent(ctx, model.NewAgent{
		WorkspaceID:            req.Workspace.ID,
		ProviderKind:           model.ProviderCursor,
		Name:                   agentName("Cursor", req.Model),
		Model:                  req.Model,
		Status:                 model.AgentStatusPending,
		ExternalConversationID: "cursor",
	})
	if err != nil {
		return model.Agent{}, fmt.Errorf("provider: cursor: %w", err)
	}

	vc, err := c.deps.Clients.client(ctx, c.deps.Credentials, req.UserID, model.IntegrationCursor, c.deps.CursorAPIURL, cursorAuth)
	if err != nil {
		return fail(ctx, c.deps, agent), err
	}

	payload := map[string]any{
		"prompt": map[string]any{"text": req.Message},
		"source": map[string]any{"repository": "https://github.com/" + req.RepositoryFullName},
	}
	if req.Model != nil && *req.Model != "" {
		payload["model"] = *req.Model
	}
	if c.deps.PublicURL != "" {
		hook := map[string]any{"url": CompletionWebhookURL(c.deps.PublicURL, agent.ID)}
		if c.deps.CursorWebhookSecret != "" {
			hook["secret"] = c.deps.CursorWebhookSecret
		}
		payload["webhook"] = hook
	}

	doc, err := vc.do(ctx, http.MethodPost, "/v0/agents", payload)
	if err != nil {
		c.log.Warn("provider: cursor create failed", "agent_id", agent.ID, "error", err)
		return fail(ctx, c.deps, agent), nil
	}
	var created cursorAgent
	if err := decodeValid(cursorCreateSchema, doc, &created); err != nil {
		c.log.Warn("provider: cursor create response rejected", "agent_id", agent.ID, "error", err)
		return fail(ctx, c.deps, agent), nil
	}

	return start(ctx, c.deps, agent, model.AgentUpdate{
		ExternalConversationID: &created.ID,
		URL:                    &created.Target.URL,
		WorkingBranch:          nonEmpty(created.Target.BranchName),
	})
}

// SendFollowUp implements Provider.
func (c *Cursor) SendFollowUp(ctx context.Context, agent model.Agent, message string) (bool, error) {
	if err := persistUserMessage(ctx, c.deps.Store, agent.ID, message); err != nil {
		return false, err
	}
	if !hasConversation(agent, "cursor") {
		return false, ErrNoConversation
	}
	vc, err := c.client(ctx, agent.WorkspaceID)
	if err != nil {
		return false, err
	}
	doc, err := vc.do(ctx, http.MethodPost, "/v0/agents/"+url.PathEscape(agent.ExternalConversationID)+"/followup",
		map[string]any{"prompt": map[string]any{"text": message}})
	if err != nil {
		c.log.Warn("provider: cursor followup failed", "agent_id", agent.ID, "error", err)
		return false, nil
	}
	var ack struct {
		ID string `json:"id"`
	}
	if err := decodeValid(cursorFollowupSchema, doc, &ack); err != nil {
		c.log.Warn("provider: cursor followup response rejected", "agent_id", agent.ID, "error", err)
		return false, nil
	}
	return true, nil
}

// FetchConversation implements Provider.
func (c *Cursor) FetchConversation(ctx context.Context, agent model.Agent) ([]model.ConversationMessage, error) {
	if !hasConversation(agent, "cursor") {
		return []model.ConversationMessage{}, nil
	}
	vc, err := c.client(ctx, agent.WorkspaceID)
	if err != nil {
		c.log.Warn("provider: cursor client unavailable", "agent_id", agent.ID, "error", err)
		return []model.ConversationMessage{}, nil
	}
	doc, err := vc.do(ctx, http.MethodGet, "/v0/agents/"+url.PathEscape(agent.ExternalConversationID)+"/conversation", nil)
	if err != nil {
		c.log.Warn("provider: cursor conversation failed", "agent_id", agent.ID, "error", err)
		return []model.ConversationMessage{}, nil
	}
	var conv cursorConversation
	if err := decodeValid(cursorConversationSchema, doc, &conv); err != nil {
		c.log.Warn("provider: cursor conversation rejected", "agent_id", agent.ID, "error", err)
		return []model.ConversationMessage{}, nil
	}

	out := make([]model.ConversationMessage, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		sender := model.SenderAgent
		if m.Type == "user_message" {
			sender = model.SenderUser
		}
		out = append(out, model.ConversationMessage{ID: m.ID, Sender: sender, Content: m.Text})
	}
	return out, nil
}

// hasConversation reports whether the vendor accepted the agent. Agents
// start with a placeholder id equal to the provider name.
func hasConversation(agent model.Agent, placeholder string) bool {
	return agent.ExternalConversationID != "" && agent.ExternalConversationID != placeholder
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// fail moves agent to FAILED and returns the updated row. Errors are logged;
// the caller already has a more useful error or none at all.
func fail(ctx context.Context, d Deps, agent model.Agent) model.Agent {
	if _, err := d.Reconciler.Transition(ctx, agent.ID, model.AgentStatusFailed); err != nil {
		d.Logger.Warn("provider: mark failed", "agent_id", agent.ID, "error", err)
		return agent
	}
	agent.Status = model.AgentStatusFailed
	return agent
}

// start records the vendor's identifiers and moves agent to RUNNING.
func start(ctx context.Context, d Deps, agent model.Agent, u model.AgentUpdate) (model.Agent, error) {
	updated, err := d.Store.UpdateAgent(ctx, agent.ID, u)
	if err != nil {
		return agent, fmt.Errorf("provider: record vendor ids: %w", err)
	}
	applied, err := d.Reconciler.Transition(ctx, agent.ID, model.AgentStatusRunning)
	if err != nil {
		return updated, fmt.Errorf("provider: mark running: %w", err)
	}
	if applied {
		updated.Status = model.AgentStatusRunning
	}
	return updated, nil
}
