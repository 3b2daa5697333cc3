// Package queue is a durable Redis-backed job queue. Jobs wait in a ready
// set ordered by priority then FIFO, move to an active set with a lease
// deadline while a worker holds them, and park in a delayed set between
// retry attempts. All moves run as Lua scripts so crashed workers can never
// strand or duplicate a job.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrEmpty means no job was ready to dequeue.
	ErrEmpty = errors.New("queue is empty")
	// ErrDuplicateJob means a live job with the same ID already exists.
	ErrDuplicateJob = errors.New("duplicate job")
	// ErrLeaseLost means the lease expired or was completed elsewhere.
	ErrLeaseLost = errors.New("lease lost")
)

// Priority orders jobs inside the ready set. Lower is served first; jobs
// enqueued without a priority get PriorityNormal.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

const (
	defaultName              = "transcode"
	defaultRetryDelay        = 5 * time.Second
	defaultMaxRetryDelay     = 10 * time.Minute
	defaultVisibilityTimeout = 15 * time.Minute
	defaultMaxAttempts       = 3

	maintenanceBatch = 100
)

type Job struct {
	ID          string
	Payload     string
	Priority    Priority
	MaxAttempts int
	Delay       time.Duration
}

type Options struct {
	// Name namespaces all keys, defaulting to "transcode".
	Name string
	// RetryDelay is the base backoff between attempts, doubling per attempt
	// up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// VisibilityTimeout is how long a worker may hold a lease without
	// heartbeating before the job is handed to someone else.
	VisibilityTimeout time.Duration
}

type Queue struct {
	client *redis.Client
	opts   Options

	now func() time.Time
}

func New(client *redis.Client, opts Options) *Queue {
	if opts.Name == "" {
		opts.Name = defaultName
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = defaultMaxRetryDelay
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = defaultVisibilityTimeout
	}
	return &Queue{client: client, opts: opts, now: time.Now}
}

func (q *Queue) key(suffix string) string {
	return "cascade:q:" + q.opts.Name + ":" + suffix
}

func (q *Queue) jobKey(id string) string {
	return q.key("job:" + id)
}

func (q *Queue) jobKeyPrefix() string {
	return q.key("job:")
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue adds a job. A job whose ID collides with a live (non-failed) job
// is rejected with ErrDuplicateJob; failed jobs are overwritten so a video
// can be retried under its deterministic job ID.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		return errors.New("job ID is required")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	if job.Priority <= 0 {
		job.Priority = PriorityNormal
	}
	now := q.now()
	var readyAt int64
	if job.Delay > 0 {
		readyAt = now.Add(job.Delay).UnixMilli()
	}
	ok, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.key("ready"), q.key("delayed"), q.key("seq")},
		job.Payload, int(job.Priority), job.MaxAttempts, now.UnixMilli(), readyAt, job.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("error enqueueing job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrDuplicateJob)
	}
	return nil
}

// Dequeue pops the next ready job and leases it for the visibility timeout.
// Each lease carries a fresh token; once the lease is reaped and handed to
// another worker the old holder's writes are rejected with ErrLeaseLost.
// ErrEmpty when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Lease, error) {
	deadline := q.now().Add(q.opts.VisibilityTimeout)
	token := uuid.NewString()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.key("ready"), q.key("active")},
		deadline.UnixMilli(), q.jobKeyPrefix(), token,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("error dequeueing job: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("unexpected dequeue reply of length %d", len(res))
	}
	lease := &Lease{
		q:        q,
		token:    token,
		JobID:    asString(res[0]),
		Payload:  asString(res[1]),
		Attempts: int(asInt64(res[2])),
	}
	lease.MaxAttempts = int(asInt64(res[3]))
	return lease, nil
}

// PromoteDelayed moves jobs whose retry time has come into the ready set.
// Run from the maintenance loop.
func (q *Queue) PromoteDelayed(ctx context.Context) (int64, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.key("delayed"), q.key("ready"), q.key("seq")},
		q.now().UnixMilli(), q.jobKeyPrefix(), maintenanceBatch,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("error promoting delayed jobs: %w", err)
	}
	return n, nil
}

// ReapExpired recovers jobs whose worker stopped heartbeating. Jobs with
// attempts left are re-delayed with backoff; the rest are marked failed and
// their IDs returned so the caller can reconcile the relational rows of
// jobs that died without a worker reporting the failure.
func (q *Queue) ReapExpired(ctx context.Context) (int64, []string, error) {
	res, err := reapScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("delayed"), q.key("reaped"), q.key("failed")},
		q.now().UnixMilli(), q.jobKeyPrefix(),
		q.opts.RetryDelay.Milliseconds(), q.opts.MaxRetryDelay.Milliseconds(), maintenanceBatch,
	).Slice()
	if err != nil {
		return 0, nil, fmt.Errorf("error reaping expired leases: %w", err)
	}
	if len(res) != 2 {
		return 0, nil, fmt.Errorf("unexpected reap reply of length %d", len(res))
	}
	var dead []string
	if ids, ok := res[1].([]any); ok {
		for _, id := range ids {
			dead = append(dead, asString(id))
		}
	}
	return asInt64(res[0]), dead, nil
}

// Remove drops a job from every structure, for video deletion.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	err := removeScript.Run(ctx, q.client,
		[]string{q.key("ready"), q.key("delayed"), q.key("active"), q.jobKey(jobID)},
		jobID,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("error removing job %s: %w", jobID, err)
	}
	return nil
}

// SetProgress stores the latest progress percent on the job hash so it
// survives a worker handover. Writes against a finished job are dropped.
func (q *Queue) SetProgress(ctx context.Context, jobID string, percent float64) error {
	err := progressScript.Run(ctx, q.client, []string{q.jobKey(jobID)}, percent).Err()
	if err != nil {
		return fmt.Errorf("error storing progress for job %s: %w", jobID, err)
	}
	return nil
}

// GetProgress reads the carried progress percent. Unknown or finished jobs
// report zero.
func (q *Queue) GetProgress(ctx context.Context, jobID string) (float64, error) {
	val, err := q.client.HGet(ctx, q.jobKey(jobID), "progress").Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("error reading progress for job %s: %w", jobID, err)
	}
	return val, nil
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Reaped    int64 `json:"reaped"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Waiting, err = q.client.ZCard(ctx, q.key("ready")).Result(); err != nil {
		return Stats{}, fmt.Errorf("error reading queue stats: %w", err)
	}
	if s.Delayed, err = q.client.ZCard(ctx, q.key("delayed")).Result(); err != nil {
		return Stats{}, fmt.Errorf("error reading queue stats: %w", err)
	}
	if s.Active, err = q.client.ZCard(ctx, q.key("active")).Result(); err != nil {
		return Stats{}, fmt.Errorf("error reading queue stats: %w", err)
	}
	if s.Completed, err = q.counter(ctx, "completed"); err != nil {
		return Stats{}, err
	}
	if s.Failed, err = q.counter(ctx, "failed"); err != nil {
		return Stats{}, err
	}
	if s.Reaped, err = q.counter(ctx, "reaped"); err != nil {
		return Stats{}, err
	}
	return s, nil
}

func (q *Queue) counter(ctx context.Context, name string) (int64, error) {
	n, err := q.client.Get(ctx, q.key(name)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("error reading queue counter %s: %w", name, err)
	}
	return n, nil
}

// retryBackoff doubles the base delay per prior attempt, capped.
func (q *Queue) retryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(q.opts.RetryDelay) * math.Pow(2, float64(attempts-1)))
	if d > q.opts.MaxRetryDelay || d <= 0 {
		d = q.opts.MaxRetryDelay
	}
	return d
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		out, _ := strconv.ParseInt(n, 10, 64)
		return out
	}
	return 0
}
