package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cascadevideo/cascade-api/config"
	xerrors "github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/log"
	"github.com/cascadevideo/cascade-api/metrics"
	"github.com/cascadevideo/cascade-api/queue"
	"github.com/cascadevideo/cascade-api/storage"
	"github.com/cascadevideo/cascade-api/store"
	"github.com/cascadevideo/cascade-api/transcode"
	"github.com/cascadevideo/cascade-api/video"
)

const (
	defaultPollInterval        = time.Second
	defaultHeartbeatInterval   = time.Minute
	defaultMaintenanceInterval = time.Second
	defaultSnapshotInterval    = 15 * time.Second
)

// WorkerConfig tunes the worker pool. Zero values fall back to defaults
// that suit a single-node deployment.
type WorkerConfig struct {
	Concurrency         int
	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	MaintenanceInterval time.Duration
	SnapshotInterval    time.Duration
	DeleteSourceAfter   bool
}

// Worker owns the consuming side of the pipeline: it leases jobs from the
// queue, runs them through the Transcoder and writes every status
// transition back to the relational store. All status writes for one video
// funnel through the worker holding its lease, which is what keeps them
// totally ordered.
type Worker struct {
	cfg        WorkerConfig
	repo       *store.Repository
	blobs      storage.Storage
	queue      *queue.Queue
	transcoder *transcode.Transcoder
	prober     video.Prober
	baseID     string
}

func NewWorker(cfg WorkerConfig, repo *store.Repository, blobs storage.Storage, q *queue.Queue,
	tr *transcode.Transcoder, prober video.Prober) *Worker {

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = defaultSnapshotInterval
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &Worker{
		cfg:        cfg,
		repo:       repo,
		blobs:      blobs,
		queue:      q,
		transcoder: tr,
		prober:     prober,
		baseID:     fmt.Sprintf("%s-%s", host, config.RandomTrailer(8)),
	}
}

// Run starts the polling goroutines plus the maintenance loop and blocks
// until ctx is cancelled. In-flight attempts abort their ffmpeg subprocess
// and release their lease without further writes; the job reappears after
// the visibility timeout.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", w.baseID, i)
		g.Go(func() error {
			return w.poll(ctx, workerID)
		})
	}
	g.Go(func() error {
		return w.maintain(ctx)
	})
	return g.Wait()
}

func (w *Worker) poll(ctx context.Context, workerID string) error {
	log.LogNoRequestID("transcode worker started", "worker_id", workerID)
	for {
		lease, err := w.queue.Dequeue(ctx)
		if err == nil {
			w.handle(ctx, workerID, lease)
			continue
		}
		if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
			log.LogNoRequestID("error dequeueing job", "worker_id", workerID, "error", err)
		}
		select {
		case <-ctx.Done():
			log.LogNoRequestID("transcode worker stopped", "worker_id", workerID)
			return nil
		case <-time.After(jitter(w.cfg.PollInterval)):
		}
	}
}

// jitter spreads poll wakeups so a worker fleet does not stampede Redis in
// lockstep.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

// handle drives one leased job attempt end to end.
func (w *Worker) handle(ctx context.Context, workerID string, lease *queue.Lease) {
	requestID := config.RandomTrailer(8)
	videoID := store.VideoIDFromJobKey(lease.JobID)
	log.AddContext(requestID, "job_id", lease.JobID, "video_id", videoID, "worker_id", workerID)
	log.Log(requestID, "starting transcode attempt", "attempt", lease.Attempts, "max_attempts", lease.MaxAttempts)

	metrics.Metrics.TranscodeJobsInFlight.Inc()
	defer metrics.Metrics.TranscodeJobsInFlight.Dec()
	if lease.Attempts > 1 {
		metrics.Metrics.TranscodeRetryCount.Inc()
	}

	if !w.markStarted(ctx, requestID, videoID, workerID, lease) {
		return
	}

	var data store.JobData
	if err := json.Unmarshal([]byte(lease.Payload), &data); err != nil {
		w.failAttempt(ctx, requestID, videoID, lease, xerrors.Unretriable(fmt.Errorf("undecodable job payload: %w", err)))
		return
	}

	// Attempt-scoped context: cancelled on shutdown or on a lost lease,
	// either of which must abort ffmpeg and stop all further writes.
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopHeartbeat := w.startHeartbeat(attemptCtx, cancel, requestID, lease)
	defer stopHeartbeat()

	err := runRecovered(func() error {
		return w.runAttempt(attemptCtx, requestID, videoID, data, lease)
	})
	if attemptCtx.Err() != nil {
		// Shutdown or lease loss. Whoever holds the lease next owns the
		// database rows, so nothing more is written here.
		log.Log(requestID, "attempt aborted, releasing job", "cause", context.Cause(attemptCtx))
		return
	}
	if err != nil {
		w.failAttempt(ctx, requestID, videoID, lease, err)
		return
	}

	if err := lease.Complete(ctx); err != nil {
		log.LogError(requestID, "error completing lease", err)
		return
	}
	metrics.Metrics.JobsCompletedCount.WithLabelValues("completed").Inc()
	log.Log(requestID, "transcode attempt complete")

	if w.cfg.DeleteSourceAfter {
		err := w.blobs.Delete(ctx, data.InputPath)
		switch {
		case err == nil:
			log.Log(requestID, "deleted source blob", "key", data.InputPath)
		case !xerrors.IsObjectNotFound(err):
			log.LogError(requestID, "error deleting source blob", err, "key", data.InputPath)
		}
	}
}

// markStarted moves the job and video rows to PROCESSING. Reports false
// when the attempt must not proceed.
func (w *Worker) markStarted(ctx context.Context, requestID, videoID, workerID string, lease *queue.Lease) bool {
	err := w.repo.MarkJobStarted(ctx, videoID, workerID, lease.Attempts)
	if err == nil {
		err = w.repo.UpdateVideoStatus(ctx, videoID, store.VideoProcessing)
	}
	if err == nil {
		return true
	}

	if errors.Is(err, xerrors.ErrIllegalTransition) || errors.Is(err, xerrors.ErrJobNotFound) || errors.Is(err, xerrors.ErrVideoNotFound) {
		// The rows moved on without us: the video was deleted or already
		// finished under a previous lease. Drop the delivery.
		log.Log(requestID, "dropping stale job delivery", "reason", err.Error())
		if cerr := lease.Complete(ctx); cerr != nil {
			log.LogError(requestID, "error completing stale lease", cerr)
		}
		return false
	}

	// The database is unreachable. Hand the job back so a later attempt
	// can run once it recovers.
	log.LogError(requestID, "error marking job started, releasing job", err)
	dead, ferr := lease.Fail(ctx, err.Error(), true)
	if ferr != nil {
		log.LogError(requestID, "error releasing lease", ferr)
	}
	if dead {
		w.reconcileDeadJob(ctx, lease.JobID, err.Error())
	}
	return false
}

// startHeartbeat keeps the lease alive for the duration of the attempt.
// Losing the lease cancels the attempt context.
func (w *Worker) startHeartbeat(ctx context.Context, cancel context.CancelCauseFunc, requestID string, lease *queue.Lease) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Heartbeat(ctx); err != nil {
					log.LogError(requestID, "lost job lease, aborting attempt", err)
					cancel(err)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// runAttempt is the body of one attempt: probe, transcode, thumbnail,
// persist. Any error return is classified by the caller as retryable or
// terminal.
func (w *Worker) runAttempt(ctx context.Context, requestID, videoID string, data store.JobData, lease *queue.Lease) error {
	start := time.Now()

	meta, err := w.probeSource(ctx, requestID, data.InputPath)
	if err != nil {
		return err
	}
	durationSeconds := int64(math.Round(meta.DurationSec))
	if err := w.repo.UpdateVideoMetadata(ctx, videoID, durationSeconds); err != nil {
		return err
	}
	log.Log(requestID, "probed source", "duration_sec", meta.DurationSec,
		"width", meta.Width, "height", meta.Height, "codec", meta.Codec)

	onProgress := func(u transcode.ProgressUpdate) {
		detail := store.ProgressDetail{
			Percent:                u.Percent,
			CurrentResolution:      u.CurrentResolution,
			CompletedResolutions:   u.CompletedResolutions,
			CurrentTask:            "transcoding",
			EstimatedTimeRemaining: estimateRemaining(time.Since(start), u.Percent),
		}
		if err := w.repo.UpdateJobProgress(ctx, videoID, detail); err != nil && ctx.Err() == nil {
			log.LogError(requestID, "error recording job progress", err)
		}
		if err := w.queue.SetProgress(ctx, lease.JobID, u.Percent); err != nil && ctx.Err() == nil {
			log.LogError(requestID, "error recording queue progress", err)
		}
	}

	result, err := w.transcoder.TranscodeToHLS(ctx, transcode.Request{
		RequestID:            requestID,
		VideoID:              videoID,
		InputPath:            data.InputPath,
		RequestedResolutions: data.Resolutions,
		Metadata:             &meta,
		OnProgress:           onProgress,
	})
	if err != nil {
		return err
	}

	// Thumbnail failure is non-fatal; the video just serves without a poster.
	thumbnailKey := storage.ThumbnailPath(videoID)
	if err := w.transcoder.Thumbnail(ctx, requestID, data.InputPath, thumbnailKey, transcode.ThumbnailSeek(meta.DurationSec)); err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.LogError(requestID, "error extracting thumbnail, continuing without one", err)
		thumbnailKey = ""
	}

	outputs := make([]store.VideoOutput, len(result.Outputs))
	completed := make([]string, len(result.Outputs))
	for i, out := range result.Outputs {
		outputs[i] = store.VideoOutput{
			ID:              uuid.New().String(),
			VideoID:         videoID,
			Resolution:      out.Resolution,
			Width:           out.Width,
			Height:          out.Height,
			Bitrate:         out.Bitrate,
			PlaylistPath:    out.PlaylistPath,
			SegmentDir:      path.Dir(out.PlaylistPath),
			FileSize:        out.FileSize,
			SegmentCount:    len(out.SegmentPaths),
			SegmentDuration: float64(transcode.SegmentSeconds),
			Status:          store.OutputReady,
		}
		completed[i] = out.Resolution
	}
	if err := w.repo.SaveOutputs(ctx, videoID, outputs, thumbnailKey); err != nil {
		return err
	}
	if err := w.repo.UpdateVideoStatus(ctx, videoID, store.VideoReady); err != nil {
		return err
	}
	return w.repo.MarkJobCompleted(ctx, videoID, store.ResultData{
		CompletedResolutions: completed,
		FailedResolutions:    result.FailedResolutions,
		MasterPlaylistPath:   result.MasterPlaylistPath,
		ThumbnailPath:        thumbnailKey,
		DurationSeconds:      durationSeconds,
	})
}

// failAttempt records a failed attempt in both stores. The video is marked
// FAILED even when a retry is coming; the next attempt moves it back to
// PROCESSING, so observers see the honest current state in between.
func (w *Worker) failAttempt(ctx context.Context, requestID, videoID string, lease *queue.Lease, attemptErr error) {
	msg := attemptErr.Error()
	terminal := xerrors.IsUnretriable(attemptErr) || lease.LastAttempt()
	log.LogError(requestID, "transcode attempt failed", attemptErr, "terminal", terminal, "attempt", lease.Attempts)

	if terminal {
		if err := w.repo.MarkJobFailed(ctx, videoID, msg, true, nil); err != nil {
			log.LogError(requestID, "error marking job failed", err)
		}
	} else {
		retryAt := time.Now().Add(lease.NextRetryDelay()).UTC()
		if err := w.repo.MarkJobFailed(ctx, videoID, msg, false, &retryAt); err != nil {
			log.LogError(requestID, "error marking job for retry", err)
		}
	}
	if err := w.repo.UpdateVideoStatus(ctx, videoID, store.VideoFailed); err != nil {
		log.LogError(requestID, "error marking video failed", err)
	}

	dead, err := lease.Fail(ctx, msg, !terminal)
	if err != nil {
		log.LogError(requestID, "error failing lease", err)
		return
	}
	if dead || terminal {
		metrics.Metrics.JobsCompletedCount.WithLabelValues("failed").Inc()
	}
}

// probeSource inspects the raw upload, reading it in place when the blob
// store is local disk and streaming it through ffprobe otherwise.
func (w *Worker) probeSource(ctx context.Context, requestID, key string) (video.MediaInfo, error) {
	if pather, ok := w.blobs.(storage.Pather); ok {
		if abs, ok := pather.AbsolutePath(key); ok {
			if _, err := os.Stat(abs); err == nil {
				return w.prober.ProbeFile(requestID, abs)
			}
		}
	}

	rc, err := w.blobs.Get(ctx, key)
	if err != nil {
		return video.MediaInfo{}, fmt.Errorf("error opening source %s for probing: %w", key, err)
	}
	defer rc.Close()
	return w.prober.ProbeStream(requestID, rc)
}

// estimateRemaining extrapolates the remaining wall time from how long the
// completed share took. Advisory only.
func estimateRemaining(elapsed time.Duration, percent float64) int64 {
	if percent <= 0 || percent >= 100 {
		return 0
	}
	remaining := time.Duration(float64(elapsed) * (100 - percent) / percent)
	return int64(remaining.Seconds())
}

// runRecovered converts a panic inside a job attempt into a plain error so
// one poisoned input cannot take the whole worker down.
func runRecovered(f func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoRequestID("panic in job attempt, recovering", "err", rec)
			err = fmt.Errorf("panic in job attempt: %v", rec)
		}
	}()
	return f()
}
