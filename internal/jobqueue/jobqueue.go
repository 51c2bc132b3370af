// Package jobqueue is the durable agent job queue. Jobs live in the
// agent_jobs table; a pool of workers claims them with FOR UPDATE SKIP LOCKED
// and holds a renewable lease while the handler runs. Successful jobs are
// deleted, failed jobs are kept with their last error, and jobs whose lease
// expires are redelivered until the delivery cap is reached.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/storage"
	"github.com/Bardemic/codee-sub000/internal/telemetry"
)

// Handler runs one job. A nil return acknowledges the job; an error retains
// it as failed.
type Handler func(ctx context.Context, job model.Job) error

// Config tunes the worker pool.
type Config struct {
	Workers       int
	Lease         time.Duration
	PollInterval  time.Duration
	MaxDeliveries int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.Lease <= 0 {
		c.Lease = 15 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 3
	}
	return c
}

// Outcome labels for the processed counter.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeAbandoned = "abandoned"
)

// Queue enqueues jobs and runs the worker pool.
type Queue struct {
	db     *storage.DB
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger

	handler   Handler
	wake      chan struct{}
	processed metric.Int64Counter

	started    atomic.Bool
	cancelLoop context.CancelFunc
	workers    sync.WaitGroup
	done       chan struct{}
}

// New creates a queue over db. Start must be called before jobs are run;
// Enqueue works without it.
func New(db *storage.DB, cfg Config, logger *slog.Logger) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		db:     db,
		pool:   db.Pool(),
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, cfg.Workers),
		done:   make(chan struct{}),
	}
}

// Enqueue inserts payload and notifies idle workers in the same
// transaction. It returns the job id.
func (q *Queue) Enqueue(ctx context.Context, payload model.JobPayload) (int64, error) {
	if err := payload.Validate(); err != nil {
		return 0, fmt.Errorf("jobqueue: invalid payload: %w", err)
	}
	if payload.ToolSlugs == nil {
		payload.ToolSlugs = []string{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("jobqueue: marshal payload: %w", err)
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("jobqueue: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO agent_jobs (agent_id, payload) VALUES ($1, $2) RETURNING id`,
		payload.AgentID, raw,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("jobqueue: insert job: %w", err)
	}
	if err := storage.NotifyTx(ctx, tx, storage.ChannelJobs, id); err != nil {
		return 0, fmt.Errorf("jobqueue: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("jobqueue: commit enqueue: %w", err)
	}
	return id, nil
}

// Start launches the workers and, when a notify connection is configured,
// the LISTEN loop. It is safe to call only once.
func (q *Queue) Start(ctx context.Context, handler Handler) {
	if !q.started.CompareAndSwap(false, true) {
		q.logger.Warn("jobqueue: Start called more than once, ignoring")
		return
	}
	q.handler = handler
	q.registerMetrics()

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancelLoop = cancel

	if q.db.HasNotifyConn() {
		q.workers.Add(1)
		go q.listenLoop(loopCtx)
	}
	for i := 0; i < q.cfg.Workers; i++ {
		q.workers.Add(1)
		go q.workerLoop(loopCtx, i)
	}
	go func() {
		q.workers.Wait()
		close(q.done)
	}()
	q.logger.Info("jobqueue: started", "workers", q.cfg.Workers, "lease", q.cfg.Lease)
}

// Drain stops claiming new jobs and waits for in-flight handlers until ctx
// expires. Jobs still running after that are redelivered once their lease
// lapses.
func (q *Queue) Drain(ctx context.Context) {
	if !q.started.Load() {
		return
	}
	if q.cancelLoop != nil {
		q.cancelLoop()
	}
	select {
	case <-q.done:
	case <-ctx.Done():
		q.logger.Warn("jobqueue: drain timed out")
	}
}

func (q *Queue) listenLoop(ctx context.Context) {
	defer q.workers.Done()
	for ctx.Err() == nil {
		if err := q.db.Listen(ctx, storage.ChannelJobs); err != nil {
			q.logger.Warn("jobqueue: listen failed, relying on polling", "error", err)
			if !sleep(ctx, q.cfg.PollInterval) {
				return
			}
			continue
		}
		for {
			_, _, err := q.db.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Warn("jobqueue: notification wait failed", "error", err)
				}
				break
			}
			select {
			case q.wake <- struct{}{}:
			default:
			}
		}
		if !sleep(ctx, q.cfg.PollInterval) {
			return
		}
	}
}

func (q *Queue) workerLoop(ctx context.Context, n int) {
	defer q.workers.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		job, err := q.claim(ctx)
		if err != nil && ctx.Err() == nil {
			q.logger.Error("jobqueue: claim failed", "worker", n, "error", err)
		}
		if job != nil {
			q.run(ctx, *job)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// run executes one job. The handler is not cancelled by Drain; it keeps a
// context detached from the worker loop.
func (q *Queue) run(loopCtx context.Context, job model.Job) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(loopCtx))
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		q.heartbeat(runCtx, job.ID)
	}()

	log := q.logger.With("job_id", job.ID, "agent_id", job.Payload.AgentID, "attempt", job.Attempts)
	start := time.Now()
	err := q.safeHandle(runCtx, job)
	cancel()
	<-hbDone

	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(loopCtx), 30*time.Second)
	defer finishCancel()
	if err != nil {
		log.Warn("jobqueue: job failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		if ferr := q.fail(finishCtx, job.ID, err.Error()); ferr != nil {
			log.Error("jobqueue: record failure", "error", ferr)
		}
		q.count(finishCtx, outcomeFailed)
		return
	}
	if aerr := q.ack(finishCtx, job.ID); aerr != nil {
		log.Error("jobqueue: ack failed", "error", aerr)
	}
	log.Info("jobqueue: job done", "duration_ms", time.Since(start).Milliseconds())
	q.count(finishCtx, outcomeSucceeded)
}

func (q *Queue) safeHandle(ctx context.Context, job model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobqueue: handler panic: %v", r)
		}
	}()
	return q.handler(ctx, job)
}

// heartbeat extends the lease every third of its length until ctx ends.
func (q *Queue) heartbeat(ctx context.Context, id int64) {
	ticker := time.NewTicker(q.cfg.Lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.extend(ctx, id); err != nil && ctx.Err() == nil {
				q.logger.Warn("jobqueue: heartbeat failed", "job_id", id, "error", err)
			}
		}
	}
}

// claim abandons over-delivered jobs, then locks the oldest claimable job.
// It returns nil when nothing is claimable.
func (q *Queue) claim(ctx context.Context) (*model.Job, error) {
	if err := q.abandonExhausted(ctx); err != nil {
		return nil, err
	}

	row := q.pool.QueryRow(ctx,
		`WITH next AS (
			SELECT id FROM agent_jobs
			WHERE status = 'queued'
			  AND (locked_until IS NULL OR locked_until < now())
			  AND attempts < $2
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE agent_jobs j
		SET attempts = j.attempts + 1,
		    locked_until = now() + $1::float8 * interval '1 millisecond',
		    updated_at = now()
		FROM next WHERE j.id = next.id
		RETURNING j.id, j.payload, j.status, j.attempts, j.last_error, j.locked_until, j.created_at`,
		q.cfg.Lease.Milliseconds(), q.cfg.MaxDeliveries,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobqueue: claim: %w", err)
	}
	return &job, nil
}

// abandonExhausted fails jobs that were delivered MaxDeliveries times and
// whose last lease expired without an acknowledgement.
func (q *Queue) abandonExhausted(ctx context.Context) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE agent_jobs
		 SET status = 'failed', last_error = $2, updated_at = now()
		 WHERE status = 'queued' AND attempts >= $1 AND locked_until < now()`,
		q.cfg.MaxDeliveries, fmt.Sprintf("abandoned after %d deliveries", q.cfg.MaxDeliveries),
	)
	if err != nil {
		return fmt.Errorf("jobqueue: abandon exhausted: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		q.logger.Warn("jobqueue: abandoned jobs", "count", n)
		for i := int64(0); i < n; i++ {
			q.count(ctx, outcomeAbandoned)
		}
	}
	return nil
}

func (q *Queue) extend(ctx context.Context, id int64) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE agent_jobs SET locked_until = now() + $2::float8 * interval '1 millisecond', updated_at = now()
		 WHERE id = $1 AND status = 'queued'`,
		id, q.cfg.Lease.Milliseconds(),
	)
	return err
}

func (q *Queue) ack(ctx context.Context, id int64) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM agent_jobs WHERE id = $1`, id)
	return err
}

func (q *Queue) fail(ctx context.Context, id int64, msg string) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE agent_jobs SET status = 'failed', last_error = $2, locked_until = NULL, updated_at = now()
		 WHERE id = $1`,
		id, msg,
	)
	return err
}

// Get returns a job by id. Acknowledged jobs no longer exist.
func (q *Queue) Get(ctx context.Context, id int64) (model.Job, error) {
	job, err := scanJob(q.pool.QueryRow(ctx,
		`SELECT id, payload, status, attempts, last_error, locked_until, created_at
		 FROM agent_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, fmt.Errorf("jobqueue: job %d: %w", id, storage.ErrNotFound)
		}
		return model.Job{}, fmt.Errorf("jobqueue: get job: %w", err)
	}
	return job, nil
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Queued int64 `json:"queued"`
	Failed int64 `json:"failed"`
}

// Stats counts queued and failed jobs.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE status = 'queued'),
		        count(*) FILTER (WHERE status = 'failed')
		 FROM agent_jobs`,
	).Scan(&s.Queued, &s.Failed)
	if err != nil {
		return Stats{}, fmt.Errorf("jobqueue: stats: %w", err)
	}
	return s, nil
}

func (q *Queue) registerMetrics() {
	meter := telemetry.Meter("codee/jobqueue")

	counter, err := meter.Int64Counter("codee.jobs.processed",
		metric.WithDescription("Jobs finished, by outcome"))
	if err == nil {
		q.processed = counter
	}

	_, _ = meter.Int64ObservableGauge("codee.jobs.depth",
		metric.WithDescription("Number of queued agent jobs"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			s, err := q.Stats(ctx)
			if err != nil {
				return nil
			}
			o.Observe(s.Queued)
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("codee.jobs.failed",
		metric.WithDescription("Number of retained failed agent jobs"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			s, err := q.Stats(ctx)
			if err != nil {
				return nil
			}
			o.Observe(s.Failed)
			return nil
		}),
	)
}

func (q *Queue) count(ctx context.Context, outcome string) {
	if q.processed == nil {
		return
	}
	q.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func scanJob(row pgx.Row) (model.Job, error) {
	var (
		j   model.Job
		raw []byte
	)
	if err := row.Scan(&j.ID, &raw, &j.Status, &j.Attempts, &j.LastError, &j.LockedUntil, &j.CreatedAt); err != nil {
		return model.Job{}, err
	}
	if err := json.Unmarshal(raw, &j.Payload); err != nil {
		return model.Job{}, fmt.Errorf("jobqueue: decode payload %d: %w", j.ID, err)
	}
	return j, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
