package pipeline

import (
	"context"
	"time"

	"github.com/cascadevideo/cascade-api/log"
	"github.com/cascadevideo/cascade-api/metrics"
	"github.com/cascadevideo/cascade-api/store"
)

// maintain is the queue janitor: it promotes delayed retries whose time has
// come, recovers jobs whose worker died mid-attempt, and periodically
// snapshots queue depth into Prometheus and the metrics table.
func (w *Worker) maintain(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.MaintenanceInterval)
	defer ticker.Stop()
	snapshot := time.NewTicker(w.cfg.SnapshotInterval)
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweepQueue(ctx)
		case <-snapshot.C:
			w.snapshotQueueDepth(ctx)
		}
	}
}

func (w *Worker) sweepQueue(ctx context.Context) {
	promoted, err := w.queue.PromoteDelayed(ctx)
	if err != nil && ctx.Err() == nil {
		log.LogNoRequestID("error promoting delayed jobs", "error", err)
	} else if promoted > 0 {
		log.LogNoRequestID("promoted delayed jobs into ready set", "count", promoted)
	}

	reclaimed, dead, err := w.queue.ReapExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.LogNoRequestID("error reaping expired leases", "error", err)
		}
		return
	}
	if reclaimed > 0 {
		log.LogNoRequestID("reclaimed jobs from expired leases", "count", reclaimed)
	}
	// Jobs that expired with no attempts left never got a worker-side
	// failure write, so their rows are reconciled here.
	for _, jobID := range dead {
		w.reconcileDeadJob(ctx, jobID, "worker lease expired")
	}
}

func (w *Worker) reconcileDeadJob(ctx context.Context, jobID, reason string) {
	videoID := store.VideoIDFromJobKey(jobID)
	log.LogNoRequestID("reconciling dead job", "job_id", jobID, "video_id", videoID, "reason", reason)
	if err := w.repo.MarkJobFailed(ctx, videoID, reason, true, nil); err != nil {
		log.LogNoRequestID("error failing dead job", "video_id", videoID, "error", err)
	}
	if err := w.repo.UpdateVideoStatus(ctx, videoID, store.VideoFailed); err != nil {
		log.LogNoRequestID("error failing video of dead job", "video_id", videoID, "error", err)
	}
	metrics.Metrics.JobsCompletedCount.WithLabelValues("reaped").Inc()
}

func (w *Worker) snapshotQueueDepth(ctx context.Context) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.LogNoRequestID("error reading queue stats", "error", err)
		}
		return
	}

	depths := map[string]float64{
		"waiting":   float64(stats.Waiting),
		"active":    float64(stats.Active),
		"delayed":   float64(stats.Delayed),
		"completed": float64(stats.Completed),
		"failed":    float64(stats.Failed),
		"reaped":    float64(stats.Reaped),
	}
	for state, value := range depths {
		metrics.Metrics.QueueDepth.WithLabelValues(state).Set(value)
	}

	// Only the live depths go to the metrics table; the terminal counts
	// are cumulative and belong to Prometheus.
	for _, state := range []string{"waiting", "active", "delayed"} {
		if err := w.repo.RecordMetric(ctx, "queue_depth", depths[state], map[string]string{"state": state}); err != nil {
			if ctx.Err() == nil {
				log.LogNoRequestID("error recording queue depth metric", "state", state, "error", err)
			}
			return
		}
	}
}
