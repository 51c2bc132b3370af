package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bardemic/codee-sub000/internal/credentials"
	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/storage"
	"github.com/Bardemic/codee-sub000/internal/stream"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

type memStore struct {
	mu         sync.Mutex
	agents     map[int64]model.Agent
	workspaces map[int64]model.Workspace
	messages   []model.Message
	nextID     int64
}

func newMemStore(ws model.Workspace) *memStore {
	return &memStore{
		agents:     map[int64]model.Agent{},
		workspaces: map[int64]model.Workspace{ws.ID: ws},
	}
}

func (s *memStore) CreateAgent(_ context.Context, na model.NewAgent) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a := model.Agent{
		ID: s.nextID, WorkspaceID: na.WorkspaceID, Status: na.Status, ProviderKind: na.ProviderKind,
		Name: na.Name, Model: na.Model, ExternalConversationID: na.ExternalConversationID, URL: na.URL,
	}
	s.agents[a.ID] = a
	return a, nil
}

func (s *memStore) GetAgent(_ context.Context, id int64) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return model.Agent{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *memStore) UpdateAgent(_ context.Context, id int64, u model.AgentUpdate) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agents[id]
	if u.ExternalConversationID != nil {
		a.ExternalConversationID = *u.ExternalConversationID
	}
	if u.URL != nil {
		a.URL = *u.URL
	}
	if u.WorkingBranch != nil && a.WorkingBranch == nil {
		a.WorkingBranch = u.WorkingBranch
	}
	s.agents[id] = a
	return a, nil
}

func (s *memStore) GetWorkspace(_ context.Context, id int64) (model.Workspace, error) {
	w, ok := s.workspaces[id]
	if !ok {
		return model.Workspace{}, storage.ErrNotFound
	}
	return w, nil
}

func (s *memStore) CreateMessage(_ context.Context, agentID int64, sender model.Sender, content string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := model.Message{ID: int64(len(s.messages) + 1), AgentID: agentID, Sender: sender, Content: content, CreatedAt: time.Now()}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *memStore) ListMessages(_ context.Context, agentID int64) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.AgentID == agentID {
			out = append(out, m)
		}
	}
	return out, nil
}

// Transition applies the canonical transition rules to the in-memory rows.
func (s *memStore) Transition(_ context.Context, agentID int64, to model.AgentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agents[agentID]
	if !a.Status.CanTransitionTo(to) {
		return false, nil
	}
	a.Status = to
	s.agents[agentID] = a
	return true, nil
}

func (s *memStore) status(id int64) model.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[id].Status
}

type memQueue struct {
	mu   sync.Mutex
	jobs []model.JobPayload
}

func (q *memQueue) Enqueue(_ context.Context, p model.JobPayload) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, p)
	return int64(len(q.jobs)), nil
}

type staticCreds struct {
	keys  map[string]string
	reads atomic.Int32
}

func (c *staticCreds) APIKey(_ context.Context, _ uuid.UUID, provider string) (string, error) {
	c.reads.Add(1)
	k, ok := c.keys[provider]
	if !ok {
		return "", fmt.Errorf("%s: %w", provider, credentials.ErrNotConnected)
	}
	return k, nil
}

type fixture struct {
	store *memStore
	queue *memQueue
	creds *staticCreds
	strm  *stream.MemoryStream
	ws    model.Workspace
	deps  Deps
}

func newFixture(t *testing.T, vendorURL string) *fixture {
	t.Helper()
	ws := model.Workspace{ID: 7, UserID: uuid.New(), RepositoryFullName: "acme/app", BaseBranch: "main"}
	f := &fixture{
		store: newMemStore(ws),
		queue: &memQueue{},
		creds: &staticCreds{keys: map[string]string{"cursor": "cur-key", "jules": "jul-key"}},
		strm:  stream.NewMemoryStream(100),
		ws:    ws,
	}
	clients := NewClientCache(time.Minute, 10)
	t.Cleanup(clients.Close)
	f.deps = Deps{
		Store:        f.store,
		Reconciler:   f.store,
		Queue:        f.queue,
		Stream:       f.strm,
		Credentials:  f.creds,
		Clients:      clients,
		Logger:       testLogger,
		CursorAPIURL: vendorURL,
		JulesAPIURL:  vendorURL,
	}
	return f
}

func (f *fixture) request(msg string) CreateAgentRequest {
	return CreateAgentRequest{
		UserID: f.ws.UserID, Workspace: f.ws, RepositoryFullName: "acme/app",
		Message: msg, BaseBranch: "develop", ToolSlugs: []string{"github/commits"}, IsPrimaryRun: true,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestRegistry(t *testing.T) {
	f := newFixture(t, "")
	r, err := NewRegistry([]model.ProviderKind{model.ProviderCodee, model.ProviderJules, model.ProviderCodee}, f.deps)
	require.NoError(t, err)
	assert.Equal(t, []model.ProviderKind{model.ProviderCodee, model.ProviderJules}, r.Kinds())

	p, err := r.Lookup("Codee")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderCodee, p.Kind())
	assert.NotNil(t, r.Codee())

	_, err = r.Lookup("Cursor")
	assert.ErrorIs(t, err, ErrUnknownProvider, "disabled provider")
	_, err = r.Lookup("Devin")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = NewRegistry([]model.ProviderKind{"devin"}, f.deps)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestCodeeCreateAgentEnqueues(t *testing.T) {
	f := newFixture(t, "")
	m := "gpt-5"
	req := f.request("add a README")
	req.Model = &m

	agent, err := NewCodee(f.deps).CreateAgent(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusPending, agent.Status)
	assert.Equal(t, "Codee Agent (gpt-5)", agent.Name)
	assert.Equal(t, "codee", agent.ExternalConversationID)

	msgs, _ := f.store.ListMessages(context.Background(), agent.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.SenderUser, msgs[0].Sender)

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, model.JobPayload{
		AgentID: agent.ID, Prompt: "add a README", RepositoryFullName: "acme/app",
		ToolSlugs: []string{"github/commits"}, BaseBranch: "develop", IsPrimaryRun: true,
	}, f.queue.jobs[0])

	events, err := f.strm.Range(context.Background(), agent.ID, stream.FromStart)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "queued", events[0].Phase)
	assert.Equal(t, "init", events[0].Step)
}

func TestCodeeFollowUp(t *testing.T) {
	f := newFixture(t, "")
	c := NewCodee(f.deps)
	ctx := context.Background()
	agent, err := c.CreateAgent(ctx, f.request("first"))
	require.NoError(t, err)

	ok, err := c.SendFollowUp(ctx, agent, "second")
	assert.ErrorIs(t, err, ErrNoWorkingBranch)
	assert.False(t, ok)
	assert.Len(t, f.queue.jobs, 1)

	branch := "codee/agent-1-abc"
	agent.WorkingBranch = &branch
	ok, err = c.SendFollowUp(ctx, agent, "third")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, f.queue.jobs, 2)
	assert.Equal(t, branch, f.queue.jobs[1].BaseBranch)
	assert.True(t, f.queue.jobs[1].IsPrimaryRun)

	conv, err := c.FetchConversation(ctx, agent)
	require.NoError(t, err)
	require.Len(t, conv, 3)
	assert.Equal(t, "third", conv[2].Content)
}

func TestCursorCreateAgent(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/agents", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "cur-key", user)
		assert.Empty(t, pass)
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, map[string]any{"id": "bc-123", "name": "x", "target": map[string]any{"branchName": "cursor/fix", "url": "https://cursor.com/agents/bc-123"}})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.deps.PublicURL = "https://codee.example.com/"
	f.deps.CursorWebhookSecret = "whsec"

	agent, err := NewCursor(f.deps).CreateAgent(context.Background(), f.request("fix bug"))
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusRunning, agent.Status)
	assert.Equal(t, "bc-123", agent.ExternalConversationID)
	assert.Equal(t, "https://cursor.com/agents/bc-123", agent.URL)
	require.NotNil(t, agent.WorkingBranch)
	assert.Equal(t, "cursor/fix", *agent.WorkingBranch)

	assert.Equal(t, map[string]any{"text": "fix bug"}, body["prompt"])
	assert.Equal(t, map[string]any{"repository": "https://github.com/acme/app"}, body["source"])
	assert.Equal(t, map[string]any{
		"url":    fmt.Sprintf("https://codee.example.com/webhooks/cursor/complete/%d", agent.ID),
		"secret": "whsec",
	}, body["webhook"])
	assert.NotContains(t, body, "model")
}

func TestVendorCreateAgentFailures(t *testing.T) {
	vendors := map[string]func(Deps) Provider{
		"cursor": func(d Deps) Provider { return NewCursor(d) },
		"jules":  func(d Deps) Provider { return NewJules(d) },
	}
	responses := map[string]http.HandlerFunc{
		"schema mismatch": func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, map[string]any{"id": 42}) },
		"server error":    func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) },
	}
	for kind, newProvider := range vendors {
		for name, h := range responses {
			t.Run(kind+"/"+name, func(t *testing.T) {
				var calls atomic.Int32
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					calls.Add(1)
					h(w, r)
				}))
				defer srv.Close()
				f := newFixture(t, srv.URL)
				p := newProvider(f.deps)
				ctx := context.Background()

				agent, err := p.CreateAgent(ctx, f.request("x"))
				require.NoError(t, err)
				assert.Equal(t, model.AgentStatusFailed, agent.Status)
				assert.Equal(t, model.AgentStatusFailed, f.store.status(agent.ID))
				assert.Equal(t, kind, agent.ExternalConversationID, "conversation id stays the placeholder")

				stored, err := f.store.GetAgent(ctx, agent.ID)
				require.NoError(t, err)
				before := calls.Load()
				conv, err := p.FetchConversation(ctx, stored)
				require.NoError(t, err)
				assert.Empty(t, conv)
				assert.Equal(t, before, calls.Load(), "no vendor call for a rejected agent")
			})
		}

		t.Run(kind+"/transport failure", func(t *testing.T) {
			srv := httptest.NewServer(http.NotFoundHandler())
			srv.Close()
			f := newFixture(t, srv.URL)
			agent, err := newProvider(f.deps).CreateAgent(context.Background(), f.request("x"))
			require.NoError(t, err)
			assert.Equal(t, model.AgentStatusFailed, agent.Status)
			assert.Equal(t, kind, agent.ExternalConversationID)
		})
	}
}

func TestVendorMissingCredential(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.creds.keys = map[string]string{}
	for _, p := range []Provider{NewCursor(f.deps), NewJules(f.deps)} {
		agent, err := p.CreateAgent(context.Background(), f.request("x"))
		assert.ErrorIs(t, err, ErrMissingCredential, p.Kind())
		assert.Equal(t, model.AgentStatusFailed, agent.Status)
		assert.NotZero(t, agent.ID, "agent row persisted before the credential lookup")
	}
	assert.Zero(t, calls.Load())
}

func TestVendorConversationWithoutCredentialIsEmpty(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.creds.keys = map[string]string{}
	for _, p := range []Provider{NewCursor(f.deps), NewJules(f.deps)} {
		agent := model.Agent{ID: 5, WorkspaceID: f.ws.ID, ProviderKind: p.Kind(), Status: model.AgentStatusRunning, ExternalConversationID: "conv-5"}
		conv, err := p.FetchConversation(context.Background(), agent)
		require.NoError(t, err, p.Kind())
		assert.Empty(t, conv)
	}
	assert.Zero(t, calls.Load())
}

func TestCursorFollowUpAndConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/agents/bc-1/followup":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, map[string]any{"text": "more"}, body["prompt"])
			writeJSON(w, map[string]any{"id": "bc-1"})
		case "/v0/agents/bc-1/conversation":
			writeJSON(w, map[string]any{"id": "bc-1", "messages": []any{
				map[string]any{"id": "m1", "type": "user_message", "text": "fix"},
				map[string]any{"id": "m2", "type": "assistant_message", "text": "done"},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	c := NewCursor(f.deps)
	ctx := context.Background()
	agent := model.Agent{ID: 99, WorkspaceID: f.ws.ID, ProviderKind: model.ProviderCursor, ExternalConversationID: "bc-1"}

	ok, err := c.SendFollowUp(ctx, agent, "more")
	require.NoError(t, err)
	assert.True(t, ok)
	msgs, _ := f.store.ListMessages(ctx, 99)
	assert.Len(t, msgs, 1, "follow-up persisted locally")

	conv, err := c.FetchConversation(ctx, agent)
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, model.SenderUser, conv[0].Sender)
	assert.Equal(t, model.SenderAgent, conv[1].Sender)
	assert.Equal(t, "done", conv[1].Content)

	assert.Equal(t, int32(1), f.creds.reads.Load(), "client reused across calls")
}

func TestVendorWithoutConversation(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	ctx := context.Background()
	for _, p := range []Provider{NewCursor(f.deps), NewJules(f.deps)} {
		agent := model.Agent{ID: 5, WorkspaceID: f.ws.ID, Status: model.AgentStatusFailed, ExternalConversationID: string(p.Kind())}
		conv, err := p.FetchConversation(ctx, agent)
		require.NoError(t, err)
		assert.Empty(t, conv)

		ok, err := p.SendFollowUp(ctx, agent, "hello")
		assert.ErrorIs(t, err, ErrNoConversation)
		assert.False(t, ok)
	}
	assert.Zero(t, calls.Load())
}

func TestCursorConversationParseFailureIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"id": "bc-1", "messages": []any{map[string]any{"id": "m", "type": "tool", "text": "?"}}})
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL)
	conv, err := NewCursor(f.deps).FetchConversation(context.Background(),
		model.Agent{ID: 1, WorkspaceID: f.ws.ID, ExternalConversationID: "bc-1"})
	require.NoError(t, err)
	assert.Empty(t, conv)
}

func TestJulesCreateAgent(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1alpha/sessions", r.URL.Path)
		assert.Equal(t, "jul-key", r.Header.Get("X-Goog-Api-Key"))
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, map[string]any{"name": "sessions/s1", "id": "s1", "url": "https://jules.google.com/session/s1"})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	agent, err := NewJules(f.deps).CreateAgent(context.Background(), f.request("port to go"))
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusRunning, agent.Status)
	assert.Equal(t, "s1", agent.ExternalConversationID)
	assert.Equal(t, "Jules Agent", agent.Name)
	assert.Equal(t, "port to go", body["prompt"])
	assert.Equal(t, map[string]any{
		"source":            "sources/github/acme/app",
		"githubRepoContext": map[string]any{"startingBranch": "develop"},
	}, body["sourceContext"])
}

func julesServer(t *testing.T, state string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1alpha/sessions/s1":
			writeJSON(w, map[string]any{"name": "sessions/s1", "id": "s1", "createTime": "2026-01-02T03:04:05Z", "prompt": "port to go", "state": state})
		case "/v1alpha/sessions/s1/activities":
			assert.Equal(t, "30", r.URL.Query().Get("pageSize"))
			writeJSON(w, map[string]any{"activities": []any{
				map[string]any{"name": "a1", "id": "a1", "createTime": "2026-01-02T03:05:00Z", "originator": "agent", "agentMessaged": map[string]any{"agentMessage": "on it"}},
				map[string]any{"name": "a2", "id": "a2", "createTime": "2026-01-02T03:06:00Z", "originator": "agent", "planGenerated": map[string]any{}},
				map[string]any{"name": "a3", "id": "a3", "createTime": "2026-01-02T03:07:00Z", "originator": "user", "userMessaged": map[string]any{"userMessage": "thanks"}},
			}})
		case "/v1alpha/sessions/s1:sendMessage":
			writeJSON(w, map[string]any{})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestJulesFetchConversation(t *testing.T) {
	srv := julesServer(t, "IN_PROGRESS")
	defer srv.Close()
	f := newFixture(t, srv.URL)
	agent, _ := f.store.CreateAgent(context.Background(), model.NewAgent{WorkspaceID: f.ws.ID, Status: model.AgentStatusRunning, ExternalConversationID: "s1"})

	conv, err := NewJules(f.deps).FetchConversation(context.Background(), agent)
	require.NoError(t, err)
	require.Len(t, conv, 3)
	assert.Equal(t, "port to go", conv[0].Content)
	assert.Equal(t, model.SenderUser, conv[0].Sender)
	assert.Equal(t, "on it", conv[1].Content)
	assert.Equal(t, model.SenderAgent, conv[1].Sender)
	assert.Equal(t, "thanks", conv[2].Content)
	require.NotNil(t, conv[2].CreatedAt)
	assert.Equal(t, 7, conv[2].CreatedAt.Minute())
	assert.Equal(t, model.AgentStatusRunning, f.store.status(agent.ID))
}

func TestJulesTerminalStateReconciles(t *testing.T) {
	for state, want := range map[string]model.AgentStatus{"COMPLETED": model.AgentStatusCompleted, "FAILED": model.AgentStatusFailed} {
		t.Run(state, func(t *testing.T) {
			srv := julesServer(t, state)
			defer srv.Close()
			f := newFixture(t, srv.URL)
			agent, _ := f.store.CreateAgent(context.Background(), model.NewAgent{WorkspaceID: f.ws.ID, Status: model.AgentStatusRunning, ExternalConversationID: "s1"})
			j := NewJules(f.deps)

			_, err := j.FetchConversation(context.Background(), agent)
			require.NoError(t, err)
			assert.Equal(t, want, f.store.status(agent.ID))

			_, err = j.FetchConversation(context.Background(), agent)
			require.NoError(t, err)
			assert.Equal(t, want, f.store.status(agent.ID))
		})
	}
}

func TestJulesFollowUp(t *testing.T) {
	srv := julesServer(t, "IN_PROGRESS")
	defer srv.Close()
	f := newFixture(t, srv.URL)
	ok, err := NewJules(f.deps).SendFollowUp(context.Background(),
		model.Agent{ID: 3, WorkspaceID: f.ws.ID, ExternalConversationID: "s1"}, "again")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClientCacheInvalidation(t *testing.T) {
	srv := julesServer(t, "IN_PROGRESS")
	defer srv.Close()
	f := newFixture(t, srv.URL)
	j := NewJules(f.deps)
	ctx := context.Background()
	agent := model.Agent{ID: 3, WorkspaceID: f.ws.ID, ExternalConversationID: "s1"}

	_, _ = j.SendFollowUp(ctx, agent, "a")
	_, _ = j.SendFollowUp(ctx, agent, "b")
	assert.Equal(t, int32(1), f.creds.reads.Load())
	assert.Equal(t, 1, f.deps.Clients.Len())

	f.deps.Clients.Invalidate(credentials.Key{UserID: f.ws.UserID, Provider: model.IntegrationJules})
	assert.Equal(t, 0, f.deps.Clients.Len())
	_, _ = j.SendFollowUp(ctx, agent, "c")
	assert.Equal(t, int32(2), f.creds.reads.Load())
}
