package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// delegate-task: walks the assistant through launching and following agents.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("delegate-task",
			mcplib.WithPromptDescription("Delegate a coding task on a repository to Codee agents and follow them to completion"),
			mcplib.WithArgument("repository",
				mcplib.ArgumentDescription("Repository full name, e.g. acme/web"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("task",
				mcplib.ArgumentDescription("What the agents should do"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleDelegateTaskPrompt,
	)

	// review-agent: summarizes an agent's work before merging its branch.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-agent",
			mcplib.WithPromptDescription("Review what an agent did before merging its working branch"),
			mcplib.WithArgument("agent_id",
				mcplib.ArgumentDescription("The agent to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewAgentPrompt,
	)
}

func (s *Server) handleDelegateTaskPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	repo := request.Params.Arguments["repository"]
	task := request.Params.Arguments["task"]
	if repo == "" || task == "" {
		return nil, fmt.Errorf("repository and task arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Delegate a task on %s", repo),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Delegate this task to Codee agents working on %s:

%s

1. CALL codee_create_workspace with repository="%s", the task as message,
   and providers=["codee"]. Add "cursor" or "jules" only if the user has
   connected those integrations.

2. FOLLOW each agent with codee_agent_status until it is COMPLETED or FAILED.
   Agents work asynchronously; do not poll more than every few seconds.

3. READ the result with codee_agent_messages. The last AGENT message is the
   summary and the working branch holds the changes.

4. If the result needs changes, CALL codee_send_message with the agent_id
   and a specific follow-up instruction.`, repo, task, repo),
				},
			},
		},
	}, nil
}

func (s *Server) handleReviewAgentPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	agentID := request.Params.Arguments["agent_id"]
	if agentID == "" {
		return nil, fmt.Errorf("agent_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review agent %s", agentID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review the work of agent %s before its branch is merged.

CALL codee_agent_status with agent_id=%s to get the working branch and status.
CALL codee_agent_messages with agent_id=%s and full=true to see every tool call.

Then report:
- What the agent changed and on which branch
- Any tool calls that failed and whether the agent recovered
- Anything the original request asked for that is missing`, agentID, agentID, agentID),
				},
			},
		},
	}, nil
}
