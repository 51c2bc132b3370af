package jobqueue

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/storage"
	"github.com/Bardemic/codee-sub000/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func resetJobs(t *testing.T) {
	t.Helper()
	_, err := testDB.Pool().Exec(context.Background(), `DELETE FROM agent_jobs`)
	require.NoError(t, err)
}

func payload(agentID int64) model.JobPayload {
	return model.JobPayload{AgentID: agentID, Prompt: "do it", BaseBranch: "main"}
}

func TestEnqueueValidates(t *testing.T) {
	q := New(testDB, Config{}, testutil.TestLogger())
	_, err := q.Enqueue(context.Background(), model.JobPayload{AgentID: 1})
	assert.Error(t, err)
}

func TestEnqueueNotifiesInSameTransaction(t *testing.T) {
	resetJobs(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelJobs))
	q := New(testDB, Config{}, testutil.TestLogger())
	id, err := q.Enqueue(ctx, payload(11))
	require.NoError(t, err)

	channel, body, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelJobs, channel)
	assert.Equal(t, strconv.FormatInt(id, 10), body)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, []string{}, job.Payload.ToolSlugs)
}

func TestClaimSkipsLockedAndLeased(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()
	q := New(testDB, Config{Lease: time.Minute}, testutil.TestLogger())
	first, _ := q.Enqueue(ctx, payload(1))
	second, _ := q.Enqueue(ctx, payload(2))

	a, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, a)
	b, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, []int64{first, second}, []int64{a.ID, b.ID})
	assert.Equal(t, 1, a.Attempts)
	require.NotNil(t, a.LockedUntil)

	none, err := q.claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestConcurrentClaimsNeverShareAJob(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()
	q := New(testDB, Config{Lease: time.Minute}, testutil.TestLogger())
	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(ctx, payload(int64(i+1)))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[int64]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.claim(ctx)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d claimed more than once", id)
	}
}

func TestLeaseExpiryRedeliversUntilCap(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()
	q := New(testDB, Config{Lease: 200 * time.Millisecond, MaxDeliveries: 2}, testutil.TestLogger())
	id, err := q.Enqueue(ctx, payload(5))
	require.NoError(t, err)

	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)

	time.Sleep(300 * time.Millisecond)
	job, err = q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job, "expired lease is redelivered")
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.Attempts)

	time.Sleep(300 * time.Millisecond)
	job, err = q.claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	stored, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "abandoned after 2 deliveries")
}

func TestHeartbeatKeepsLease(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()
	q := New(testDB, Config{Lease: 300 * time.Millisecond}, testutil.TestLogger())
	_, err := q.Enqueue(ctx, payload(9))
	require.NoError(t, err)

	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	hbCtx, stop := context.WithCancel(ctx)
	go q.heartbeat(hbCtx, job.ID)
	time.Sleep(700 * time.Millisecond)

	again, err := q.claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "heartbeat should keep the job leased")
	stop()
}

func TestWorkersAckAndRetain(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()
	q := New(testDB, Config{Workers: 3, Lease: time.Minute, PollInterval: 50 * time.Millisecond}, testutil.TestLogger())

	var handled atomic.Int32
	done := make(chan struct{}, 2)
	q.Start(ctx, func(_ context.Context, job model.Job) error {
		handled.Add(1)
		defer func() { done <- struct{}{} }()
		if job.Payload.AgentID == 2 {
			return errors.New("agent failure")
		}
		return nil
	})

	ok, _ := q.Enqueue(ctx, payload(1))
	bad, _ := q.Enqueue(ctx, payload(2))
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	q.Drain(drainCtx)

	_, err := q.Get(ctx, ok)
	assert.ErrorIs(t, err, storage.ErrNotFound, "successful job is deleted")

	failed, err := q.Get(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "agent failure", *failed.LastError)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Queued: 0, Failed: 1}, stats)
	assert.Equal(t, int32(2), handled.Load())
}

func TestHandlerPanicIsRetained(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()
	q := New(testDB, Config{Workers: 1, Lease: time.Minute, PollInterval: 50 * time.Millisecond}, testutil.TestLogger())
	id, _ := q.Enqueue(ctx, payload(3))

	job, err := q.claim(ctx)
	require.NoError(t, err)
	q.handler = func(context.Context, model.Job) error { panic("boom") }
	q.run(ctx, *job)

	stored, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	assert.Contains(t, *stored.LastError, "panic")
}

func TestDrainWaitsForInFlight(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()
	q := New(testDB, Config{Workers: 1, Lease: time.Minute, PollInterval: 20 * time.Millisecond}, testutil.TestLogger())

	started := make(chan struct{})
	var finished atomic.Bool
	q.Start(ctx, func(ctx context.Context, _ model.Job) error {
		close(started)
		time.Sleep(300 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
		return nil
	})
	_, err := q.Enqueue(ctx, payload(4))
	require.NoError(t, err)
	<-started

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	q.Drain(drainCtx)
	assert.True(t, finished.Load(), "handler ran to completion with a live context")
}
