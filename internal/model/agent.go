// Package model defines the core domain types for codee.
//
// Types correspond directly to database tables and wire payloads. Status and
// provider enums are closed sets; parsing rejects anything else.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the canonical lifecycle state of an agent, independent of
// which provider executes it.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "PENDING"
	AgentStatusRunning   AgentStatus = "RUNNING"
	AgentStatusCompleted AgentStatus = "COMPLETED"
	AgentStatusFailed    AgentStatus = "FAILED"
)

// IsTerminal reports whether no further transition is possible.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentStatusCompleted || s == AgentStatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusPending, AgentStatusRunning, AgentStatusCompleted, AgentStatusFailed:
		return true
	}
	return false
}

// TransitionSources returns the statuses from which an agent may move to
// target. RUNNING is only reachable from PENDING; terminal statuses are
// reachable from PENDING or RUNNING. Nothing is reachable from a terminal
// status.
func TransitionSources(target AgentStatus) []AgentStatus {
	switch target {
	case AgentStatusRunning:
		return []AgentStatus{AgentStatusPending}
	case AgentStatusCompleted, AgentStatusFailed:
		return []AgentStatus{AgentStatusPending, AgentStatusRunning}
	default:
		return nil
	}
}

// CanTransitionTo reports whether s -> target is an allowed transition.
func (s AgentStatus) CanTransitionTo(target AgentStatus) bool {
	for _, src := range TransitionSources(target) {
		if src == s {
			return true
		}
	}
	return false
}

// ProviderKind identifies which backend executes an agent.
type ProviderKind string

const (
	ProviderCodee  ProviderKind = "codee"
	ProviderCursor ProviderKind = "cursor"
	ProviderJules  ProviderKind = "jules"
)

// ProviderKinds lists every supported provider in registration order.
var ProviderKinds = []ProviderKind{ProviderCodee, ProviderCursor, ProviderJules}

// ParseProviderKind maps a configured provider name to its kind.
// Names are case-insensitive; unknown names are rejected.
func ParseProviderKind(name string) (ProviderKind, error) {
	k := ProviderKind(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range ProviderKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", name)
}

// Agent is one unit of autonomous work inside a workspace. ProviderKind and
// Model are fixed at creation. WorkingBranch is set at most once.
type Agent struct {
	ID                     int64        `json:"id"`
	WorkspaceID            int64        `json:"workspace_id"`
	Status                 AgentStatus  `json:"status"`
	ProviderKind           ProviderKind `json:"provider"`
	Name                   string       `json:"name"`
	Model                  *string      `json:"model,omitempty"`
	ExternalConversationID string       `json:"external_conversation_id"`
	URL                    string       `json:"url"`
	WorkingBranch          *string      `json:"working_branch,omitempty"`
	EnvironmentHandle      *string      `json:"-"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// NewAgent carries the fields persisted when an agent row is first written.
type NewAgent struct {
	WorkspaceID            int64
	ProviderKind           ProviderKind
	Name                   string
	Model                  *string
	Status                 AgentStatus
	ExternalConversationID string
	URL                    string
}

// AgentUpdate is a partial update applied to an agent after a provider call
// returns. Nil fields are left untouched.
type AgentUpdate struct {
	ExternalConversationID *string
	URL                    *string
	WorkingBranch          *string
	Name                   *string
}

// Workspace groups agents working on a single repository for one user.
type Workspace struct {
	ID                 int64      `json:"id"`
	UserID             uuid.UUID  `json:"user_id"`
	Name               string     `json:"name"`
	RepositoryFullName string     `json:"repository_full_name"`
	BaseBranch         string     `json:"base_branch"`
	WorkerID           *int64     `json:"worker_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	Agents             []Agent    `json:"agents,omitempty"`
	LastActivityAt     *time.Time `json:"last_activity_at,omitempty"`
}

// DefaultBaseBranch is used when neither the payload nor the workspace names one.
const DefaultBaseBranch = "main"

// ValidateRepositoryFullName checks an "owner/name" GitHub repository slug.
func ValidateRepositoryFullName(repo string) error {
	if repo == "" {
		return fmt.Errorf("repository is required")
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("repository must be of the form owner/name, got %q", repo)
	}
	for i := 0; i < len(repo); i++ {
		c := repo[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '/' {
			return fmt.Errorf("repository contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
