package queue

import (
	"context"
	"fmt"
	"time"
)

// Lease is a worker's claim on a dequeued job. The worker must Heartbeat
// within the visibility timeout or the maintenance loop hands the job to
// someone else. The token pins every lease write to the holder it was
// issued to.
type Lease struct {
	q     *Queue
	token string

	JobID       string
	Payload     string
	Attempts    int
	MaxAttempts int
}

// LastAttempt reports whether a failure of this attempt would be terminal.
func (l *Lease) LastAttempt() bool {
	return l.Attempts >= l.MaxAttempts
}

// NextRetryDelay is the backoff Fail would schedule for this attempt, so
// callers can record the retry time elsewhere before failing the lease.
func (l *Lease) NextRetryDelay() time.Duration {
	return l.q.retryBackoff(l.Attempts)
}

// Heartbeat pushes the lease deadline out by the visibility timeout.
func (l *Lease) Heartbeat(ctx context.Context) error {
	deadline := l.q.now().Add(l.q.opts.VisibilityTimeout)
	ok, err := heartbeatScript.Run(ctx, l.q.client,
		[]string{l.q.key("active"), l.q.jobKey(l.JobID)},
		deadline.UnixMilli(), l.JobID, l.token,
	).Int()
	if err != nil {
		return fmt.Errorf("error heartbeating job %s: %w", l.JobID, err)
	}
	if ok == 0 {
		return fmt.Errorf("job %s: %w", l.JobID, ErrLeaseLost)
	}
	return nil
}

// Complete finishes the job and deletes its queue state.
func (l *Lease) Complete(ctx context.Context) error {
	ok, err := completeScript.Run(ctx, l.q.client,
		[]string{l.q.key("active"), l.q.jobKey(l.JobID), l.q.key("completed")},
		l.JobID, l.token,
	).Int()
	if err != nil {
		return fmt.Errorf("error completing job %s: %w", l.JobID, err)
	}
	if ok == 0 {
		return fmt.Errorf("job %s: %w", l.JobID, ErrLeaseLost)
	}
	return nil
}

// Fail records a failed attempt. Retryable failures with attempts left are
// re-delayed with exponential backoff; the rest are terminal. Returns true
// when the job is dead.
func (l *Lease) Fail(ctx context.Context, errMsg string, retryable bool) (bool, error) {
	retryableArg := "1"
	if !retryable {
		retryableArg = "0"
	}
	retryAt := l.q.now().Add(l.q.retryBackoff(l.Attempts)).UnixMilli()
	res, err := failScript.Run(ctx, l.q.client,
		[]string{l.q.key("active"), l.q.jobKey(l.JobID), l.q.key("delayed"), l.q.key("failed")},
		l.JobID, errMsg, retryableArg, retryAt, l.token,
	).Int()
	if err != nil {
		return false, fmt.Errorf("error failing job %s: %w", l.JobID, err)
	}
	switch res {
	case -1:
		return false, fmt.Errorf("job %s: %w", l.JobID, ErrLeaseLost)
	case 0:
		return true, nil
	default:
		return false, nil
	}
}
