package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bardemic/codee-sub000/internal/model"
)

var allStatuses = []model.AgentStatus{
	model.AgentStatusPending,
	model.AgentStatusRunning,
	model.AgentStatusCompleted,
	model.AgentStatusFailed,
}

func TestCanTransitionTo(t *testing.T) {
	allowed := map[[2]model.AgentStatus]bool{
		{model.AgentStatusPending, model.AgentStatusRunning}:   true,
		{model.AgentStatusPending, model.AgentStatusCompleted}: true,
		{model.AgentStatusPending, model.AgentStatusFailed}:    true,
		{model.AgentStatusRunning, model.AgentStatusCompleted}: true,
		{model.AgentStatusRunning, model.AgentStatusFailed}:    true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				assert.Equal(t, allowed[[2]model.AgentStatus{from, to}], from.CanTransitionTo(to))
			})
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for _, from := range []model.AgentStatus{model.AgentStatusCompleted, model.AgentStatusFailed} {
		assert.True(t, from.IsTerminal())
		for _, to := range allStatuses {
			assert.False(t, from.CanTransitionTo(to), "%s must not move to %s", from, to)
		}
	}
	assert.False(t, model.AgentStatusPending.IsTerminal())
	assert.False(t, model.AgentStatusRunning.IsTerminal())
}

func TestParseProviderKind(t *testing.T) {
	k, err := model.ParseProviderKind(" Cursor ")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderCursor, k)

	k, err = model.ParseProviderKind("codee")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderCodee, k)

	_, err = model.ParseProviderKind("devin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "devin")
}

func TestValidateRepositoryFullName(t *testing.T) {
	for _, ok := range []string{"octo/hello", "a-b/c.d_e", "Org123/repo"} {
		assert.NoError(t, model.ValidateRepositoryFullName(ok), ok)
	}
	for _, bad := range []string{"", "nohslash", "/repo", "owner/", "a/b/c", "own er/repo", "owner/re$po"} {
		assert.Error(t, model.ValidateRepositoryFullName(bad), bad)
	}
}

func TestValidateSlug(t *testing.T) {
	assert.NoError(t, model.ValidateSlug("fix-bugs"))
	assert.NoError(t, model.ValidateSlug("a1"))
	assert.Error(t, model.ValidateSlug(""))
	assert.Error(t, model.ValidateSlug("1abc"))
	assert.Error(t, model.ValidateSlug("Fix"))
	assert.Error(t, model.ValidateSlug("fix_bugs"))
}

func TestJobPayloadValidate(t *testing.T) {
	assert.NoError(t, model.JobPayload{AgentID: 1, Prompt: "go"}.Validate())
	assert.Error(t, model.JobPayload{AgentID: 0, Prompt: "go"}.Validate())
	assert.Error(t, model.JobPayload{AgentID: 1}.Validate())
}
