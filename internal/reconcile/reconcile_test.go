package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bardemic/codee-sub000/internal/model"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// guardedStore applies the same source guard as the SQL UPDATE.
type guardedStore struct {
	mu      sync.Mutex
	status  map[int64]model.AgentStatus
	history []model.AgentStatus
	err     error
}

func (s *guardedStore) TransitionAgentStatus(_ context.Context, id int64, to model.AgentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if !s.status[id].CanTransitionTo(to) {
		return false, nil
	}
	s.status[id] = to
	s.history = append(s.history, to)
	return true, nil
}

func (s *guardedStore) GetAgent(_ context.Context, id int64) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Agent{ID: id, Status: s.status[id], ProviderKind: model.ProviderCursor}, nil
}

func newStore(ids ...int64) *guardedStore {
	s := &guardedStore{status: map[int64]model.AgentStatus{}}
	for _, id := range ids {
		s.status[id] = model.AgentStatusPending
	}
	return s
}

func TestTransitionRules(t *testing.T) {
	ctx := context.Background()
	s := newStore(1)
	r := New(s, testLogger)

	applied, err := r.Transition(ctx, 1, model.AgentStatusRunning)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = r.Transition(ctx, 1, model.AgentStatusRunning)
	require.NoError(t, err)
	assert.False(t, applied, "repeat is a no-op")

	applied, err = r.Transition(ctx, 1, model.AgentStatusCompleted)
	require.NoError(t, err)
	assert.True(t, applied)

	for _, to := range []model.AgentStatus{model.AgentStatusFailed, model.AgentStatusRunning, model.AgentStatusCompleted, model.AgentStatusPending} {
		applied, err = r.Transition(ctx, 1, to)
		require.NoError(t, err)
		assert.False(t, applied, "terminal status is final (to %s)", to)
	}
	assert.Equal(t, model.AgentStatusCompleted, s.status[1])

	_, err = r.Transition(ctx, 1, "DONE")
	assert.Error(t, err)
}

func TestTransitionStoreError(t *testing.T) {
	s := newStore(1)
	s.err = errors.New("db down")
	_, err := New(s, testLogger).Transition(context.Background(), 1, model.AgentStatusFailed)
	assert.ErrorContains(t, err, "db down")
}

func TestTerminalHooksFireOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(7)
	r := New(s, testLogger)

	var mu sync.Mutex
	var got []Change
	r.AddHook(func(_ context.Context, c Change) error {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
		return nil
	})
	r.AddHook(func(context.Context, Change) error { return errors.New("ignored") })
	r.AddHook(func(context.Context, Change) error { panic("also ignored") })

	_, _ = r.Transition(ctx, 7, model.AgentStatusRunning)
	_, _ = r.Transition(ctx, 7, model.AgentStatusFailed)
	_, _ = r.Transition(ctx, 7, model.AgentStatusFailed)
	_, _ = r.Transition(ctx, 7, model.AgentStatusCompleted)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	r.Wait(waitCtx)

	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].AgentID)
	assert.Equal(t, model.AgentStatusFailed, got[0].Status)
	assert.Equal(t, model.ProviderCursor, got[0].Provider)
	assert.False(t, got[0].At.IsZero())
}

// Random interleavings of runner and vendor writers never regress status and
// apply exactly one terminal transition per agent.
func TestConcurrentWritersAreMonotonic(t *testing.T) {
	ctx := context.Background()
	targets := []model.AgentStatus{model.AgentStatusRunning, model.AgentStatusCompleted, model.AgentStatusFailed}

	for round := 0; round < 50; round++ {
		s := newStore(1)
		r := New(s, testLogger)
		var count int
		var mu sync.Mutex
		r.AddHook(func(_ context.Context, c Change) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(seed uint64) {
				defer wg.Done()
				rng := rand.New(rand.NewPCG(seed, uint64(round)))
				for i := 0; i < 10; i++ {
					to := targets[rng.IntN(len(targets))]
					_, _ = r.Transition(ctx, 1, to)
				}
			}(uint64(w))
		}
		wg.Wait()
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		r.Wait(waitCtx)
		cancel()

		prev := model.AgentStatusPending
		for _, st := range s.history {
			require.True(t, prev.CanTransitionTo(st), "round %d: %s -> %s", round, prev, st)
			prev = st
		}
		assert.True(t, prev.IsTerminal(), "round %d ends terminal", round)
		assert.Equal(t, 1, count, "round %d: exactly one terminal hook", round)
	}
}

func TestVendorStatus(t *testing.T) {
	s, ok := VendorStatus("FINISHED")
	assert.True(t, ok)
	assert.Equal(t, model.AgentStatusCompleted, s)
	s, ok = VendorStatus("FAILED")
	assert.True(t, ok)
	assert.Equal(t, model.AgentStatusFailed, s)
	_, ok = VendorStatus("RUNNING")
	assert.False(t, ok)
}
