package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgentURI(t *testing.T) {
	tests := []struct {
		uri     string
		suffix  string
		want    int64
		wantErr string
	}{
		{uri: "codee://agent/42/status", suffix: "status", want: 42},
		{uri: "codee://agent/7/messages", suffix: "messages", want: 7},
		{uri: "codee://agent/42/messages", suffix: "status", wantErr: "invalid agent URI"},
		{uri: "codee://workspace/42/status", suffix: "status", wantErr: "invalid agent URI"},
		{uri: "codee://agent//status", suffix: "status", wantErr: "empty agent id"},
		{uri: "codee://agent/abc/status", suffix: "status", wantErr: "positive integer"},
		{uri: "codee://agent/0/status", suffix: "status", wantErr: "positive integer"},
		{uri: "codee://agent/-3/status", suffix: "status", wantErr: "positive integer"},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			id, err := parseAgentURI(tt.uri, tt.suffix)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func promptRequest(args map[string]string) mcplib.GetPromptRequest {
	var req mcplib.GetPromptRequest
	req.Params.Arguments = args
	return req
}

func TestDelegateTaskPrompt(t *testing.T) {
	_, err := testServer.handleDelegateTaskPrompt(context.Background(), promptRequest(map[string]string{"task": "fix ci"}))
	assert.ErrorContains(t, err, "required")

	res, err := testServer.handleDelegateTaskPrompt(context.Background(), promptRequest(map[string]string{
		"repository": "acme/web",
		"task":       "fix ci",
	}))
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	text := res.Messages[0].Content.(mcplib.TextContent).Text
	assert.Contains(t, text, `repository="acme/web"`)
	assert.Contains(t, text, "fix ci")
	assert.Contains(t, text, "codee_create_workspace")
}

func TestReviewAgentPrompt(t *testing.T) {
	_, err := testServer.handleReviewAgentPrompt(context.Background(), promptRequest(nil))
	assert.ErrorContains(t, err, "agent_id")

	res, err := testServer.handleReviewAgentPrompt(context.Background(), promptRequest(map[string]string{"agent_id": "12"}))
	require.NoError(t, err)
	assert.Equal(t, "Review agent 12", res.Description)
	assert.Contains(t, res.Messages[0].Content.(mcplib.TextContent).Text, "agent_id=12")
}
