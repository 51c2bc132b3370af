package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bardemic/codee-sub000/internal/stream"
	"github.com/Bardemic/codee-sub000/internal/testutil"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	rc := testutil.MustStartRedis()
	testRedis = rc.Client()
	if err := testRedis.Ping(context.Background()).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		rc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	rc.Terminate()
	os.Exit(code)
}

// agentSeq hands out distinct agent ids so tests sharing one Redis never
// observe each other's streams.
var (
	agentSeqMu sync.Mutex
	agentSeq   int64 = 1000
)

func nextAgent() int64 {
	agentSeqMu.Lock()
	defer agentSeqMu.Unlock()
	agentSeq++
	return agentSeq
}

// forEachBackend runs fn against both implementations so they stay
// behaviourally identical.
func forEachBackend(t *testing.T, maxLen int, fn func(t *testing.T, s stream.Stream)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, stream.NewMemoryStream(maxLen))
	})
	t.Run("redis", func(t *testing.T) {
		fn(t, stream.NewRedisStreamWithClient(testRedis, int64(maxLen)))
	})
}

func TestEmitAssignsIncreasingIDs(t *testing.T) {
	forEachBackend(t, 100, func(t *testing.T, s stream.Stream) {
		ctx := context.Background()
		agent := nextAgent()

		var prev string
		for i := range 20 {
			id, err := s.Emit(ctx, agent, stream.Status("running", fmt.Sprintf("step_%d", i), "", nil))
			require.NoError(t, err)
			if prev != "" {
				cmp, err := stream.CompareIDs(id, prev)
				require.NoError(t, err)
				assert.Equal(t, 1, cmp, "id %s must follow %s", id, prev)
			}
			prev = id
		}
	})
}

func TestReadFromStartReplaysInOrder(t *testing.T) {
	forEachBackend(t, 100, func(t *testing.T, s stream.Stream) {
		ctx := context.Background()
		agent := nextAgent()

		_, err := s.Emit(ctx, agent, stream.Status("queued", "init", "Job queued", nil))
		require.NoError(t, err)
		_, err = s.Emit(ctx, agent, stream.Error("token_missing", "no token", "init"))
		require.NoError(t, err)
		_, err = s.Emit(ctx, agent, stream.Done("success"))
		require.NoError(t, err)

		events, err := s.Read(ctx, agent, stream.FromStart, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, stream.KindStatus, events[0].Kind)
		assert.Equal(t, "queued", events[0].Phase)
		assert.Equal(t, "Job queued", events[0].Detail)
		assert.Equal(t, stream.KindError, events[1].Kind)
		assert.Equal(t, "token_missing", events[1].Code)
		assert.Equal(t, "init", events[1].Step)
		assert.Equal(t, stream.KindDone, events[2].Kind)
		assert.Equal(t, "success", events[2].Reason)
		assert.False(t, events[0].Timestamp.IsZero())

		// A done event is only a marker; appends after it are still readable.
		_, err = s.Emit(ctx, agent, stream.Status("queued", "init", "follow-up", nil))
		require.NoError(t, err)
		more, err := s.Read(ctx, agent, events[2].ID, 0)
		require.NoError(t, err)
		require.Len(t, more, 1)
		assert.Equal(t, "follow-up", more[0].Detail)
	})
}

func TestReadTailSkipsHistory(t *testing.T) {
	forEachBackend(t, 100, func(t *testing.T, s stream.Stream) {
		ctx := context.Background()
		agent := nextAgent()

		_, err := s.Emit(ctx, agent, stream.Status("running", "old", "", nil))
		require.NoError(t, err)

		got := make(chan []stream.Event, 1)
		go func() {
			events, err := s.Read(ctx, agent, stream.Tail, 5*time.Second)
			assert.NoError(t, err)
			got <- events
		}()

		// Give the reader time to start blocking before the append.
		time.Sleep(200 * time.Millisecond)
		_, err = s.Emit(ctx, agent, stream.Status("running", "new", "", nil))
		require.NoError(t, err)

		select {
		case events := <-got:
			require.Len(t, events, 1)
			assert.Equal(t, "new", events[0].Step)
		case <-time.After(10 * time.Second):
			t.Fatal("blocked read never returned")
		}
	})
}

func TestReadTimesOutEmpty(t *testing.T) {
	forEachBackend(t, 100, func(t *testing.T, s stream.Stream) {
		start := time.Now()
		events, err := s.Read(context.Background(), nextAgent(), stream.Tail, 150*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, events)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})
}

func TestIndependentReadersSeeSameSequence(t *testing.T) {
	forEachBackend(t, 100, func(t *testing.T, s stream.Stream) {
		ctx := context.Background()
		agent := nextAgent()
		for i := range 5 {
			_, err := s.Emit(ctx, agent, stream.Status("running", fmt.Sprintf("s%d", i), "", nil))
			require.NoError(t, err)
		}
		a, err := s.Read(ctx, agent, stream.FromStart, 0)
		require.NoError(t, err)
		b, err := s.Read(ctx, agent, stream.FromStart, 0)
		require.NoError(t, err)
		assert.Equal(t, ids(a), ids(b))
	})
}

func TestStreamsAreIsolatedPerAgent(t *testing.T) {
	forEachBackend(t, 100, func(t *testing.T, s stream.Stream) {
		ctx := context.Background()
		a, b := nextAgent(), nextAgent()
		_, err := s.Emit(ctx, a, stream.Done("success"))
		require.NoError(t, err)

		events, err := s.Read(ctx, b, stream.FromStart, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestRangeAndLast(t *testing.T) {
	forEachBackend(t, 100, func(t *testing.T, s stream.Stream) {
		ctx := context.Background()
		agent := nextAgent()

		last, err := s.Last(ctx, agent)
		require.NoError(t, err)
		assert.Equal(t, stream.FromStart, last)

		_, err = s.Emit(ctx, agent, stream.Status("starting", "init", "", nil))
		require.NoError(t, err)
		cursor, err := s.Last(ctx, agent)
		require.NoError(t, err)

		_, err = s.Emit(ctx, agent, stream.Status("running", "tool_read_file", "hello",
			map[string]string{stream.ExtraArgs: `{"path":"a.go"}`, stream.ExtraDurationMs: "7"}))
		require.NoError(t, err)

		events, err := s.Range(ctx, agent, cursor)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.True(t, events[0].IsToolCall())
		assert.Equal(t, `{"path":"a.go"}`, events[0].Extra[stream.ExtraArgs])
		assert.Equal(t, "7", events[0].Extra[stream.ExtraDurationMs])

		all, err := s.Range(ctx, agent, stream.FromStart)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestRetentionIsBounded(t *testing.T) {
	forEachBackend(t, 10, func(t *testing.T, s stream.Stream) {
		ctx := context.Background()
		agent := nextAgent()
		for i := range 500 {
			_, err := s.Emit(ctx, agent, stream.Status("running", fmt.Sprintf("s%d", i), "", nil))
			require.NoError(t, err)
		}
		events, err := s.Range(ctx, agent, stream.FromStart)
		require.NoError(t, err)
		// Redis trims approximately (whole radix-tree nodes), so allow slack
		// but require that most history is gone and the newest event is kept.
		assert.Less(t, len(events), 250)
		require.NotEmpty(t, events)
		assert.Equal(t, "s499", events[len(events)-1].Step)
	})
}

func TestReadHonoursContextCancel(t *testing.T) {
	s := stream.NewMemoryStream(10)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := s.Read(ctx, nextAgent(), stream.Tail, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReservedExtrasAreDropped(t *testing.T) {
	s := stream.NewMemoryStream(10)
	agent := nextAgent()
	_, err := s.Emit(context.Background(), agent, stream.Status("running", "x", "d",
		map[string]string{"event": "done", "custom": "v"}))
	require.NoError(t, err)
	events, err := s.Range(context.Background(), agent, stream.FromStart)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, stream.KindStatus, events[0].Kind)
	assert.Equal(t, map[string]string{"custom": "v"}, events[0].Extra)
}

func TestEventJSONIsFlat(t *testing.T) {
	ev := stream.Status("running", "tool_grep", "match", map[string]string{"duration_ms": "3"})
	ev.ID = "1700000000000-0"
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	var m map[string]string
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, map[string]string{
		"id": "1700000000000-0", "event": "status", "phase": "running",
		"step": "tool_grep", "detail": "match", "duration_ms": "3",
	}, m)
}

type failingStream struct{ stream.Stream }

func (failingStream) Emit(context.Context, int64, stream.Event) (string, error) {
	return "", errors.New("redis down")
}

func TestEmitterSwallowsFailures(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	e := stream.NewEmitter(failingStream{}, 1, logger)
	assert.Equal(t, "", e.Status(context.Background(), "queued", "init", "", nil))
	assert.Equal(t, "", e.Done(context.Background(), "success"))

	ok := stream.NewEmitter(stream.NewMemoryStream(10), 2, logger)
	assert.NotEmpty(t, ok.Error(context.Background(), "agent_failure", "boom", "execute"))
}

func TestCompareIDs(t *testing.T) {
	cmp, err := stream.CompareIDs("5-1", "5-0")
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)
	cmp, err = stream.CompareIDs("4-9", "5-0")
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)
	_, err = stream.CompareIDs("x", "5-0")
	assert.Error(t, err)
}

func ids(events []stream.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestMemoryStreamDropsIdleLogs(t *testing.T) {
	ctx := context.Background()
	s := stream.NewMemoryStream(10, stream.WithIdleTTL(20*time.Millisecond))
	idle, active := nextAgent(), nextAgent()

	_, err := s.Emit(ctx, idle, stream.Status("running", "x", "", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	time.Sleep(50 * time.Millisecond)
	_, err = s.Emit(ctx, active, stream.Status("running", "y", "", nil))
	require.NoError(t, err)

	assert.Equal(t, 1, s.Len())
	events, err := s.Range(ctx, idle, stream.FromStart)
	require.NoError(t, err)
	assert.Empty(t, events)
	last, err := s.Last(ctx, active)
	require.NoError(t, err)
	assert.NotEqual(t, stream.FromStart, last)
}

func TestMemoryStreamKeepsLogsWithBlockedReaders(t *testing.T) {
	ctx := context.Background()
	s := stream.NewMemoryStream(10, stream.WithIdleTTL(20*time.Millisecond))
	watched := nextAgent()
	_, err := s.Emit(ctx, watched, stream.Status("running", "x", "", nil))
	require.NoError(t, err)

	got := make(chan []stream.Event, 1)
	go func() {
		evs, _ := s.Read(ctx, watched, stream.Tail, 2*time.Second)
		got <- evs
	}()
	time.Sleep(50 * time.Millisecond)
	_, err = s.Emit(ctx, nextAgent(), stream.Status("running", "y", "", nil))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	_, err = s.Emit(ctx, watched, stream.Done("success"))
	require.NoError(t, err)
	evs := <-got
	require.Len(t, evs, 1)
	assert.Equal(t, stream.KindDone, evs[0].Kind)
}

func TestMemoryStreamReadsDoNotRetainLogs(t *testing.T) {
	ctx := context.Background()
	s := stream.NewMemoryStream(10)
	agent := nextAgent()

	evs, err := s.Read(ctx, agent, stream.Tail, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, evs)
	_, err = s.Range(ctx, agent, stream.FromStart)
	require.NoError(t, err)
	last, err := s.Last(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, stream.FromStart, last)
	assert.Zero(t, s.Len())
}
