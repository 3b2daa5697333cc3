package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	xerrors "github.com/cascadevideo/cascade-api/errors"
)

// Repository is the persistence layer for videos, their HLS outputs and
// transcoding jobs. All writes that change a status enforce the legal
// transition in the WHERE clause, so concurrent workers cannot race a video
// into an illegal state.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ListFilter narrows and pages ListVideos. Zero values mean "no filter".
type ListFilter struct {
	Page       int
	Limit      int
	SortBy     string
	SortOrder  string
	Status     VideoStatus
	Search     string
	Tags       []string
	DateFrom   time.Time
	DateTo     time.Time
	Resolution string
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// PageLimit returns the page and per-page limit ListVideos will actually
// use once defaults and caps are applied, so handlers can echo them back.
func (f ListFilter) PageLimit() (int, int) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return page, limit
}

// sortColumns whitelists the API-facing sort keys. Anything else falls back
// to created_at.
var sortColumns = map[string]string{
	"createdAt": "created_at",
	"updatedAt": "updated_at",
	"title":     "title",
	"fileSize":  "file_size",
	"duration":  "duration_seconds",
	"status":    "status",
}

const videoColumns = `id, title, description, tags, original_filename, extension, mime_type, file_size,
	upload_path, duration_seconds, thumbnail_path, status, created_at, updated_at, processed_at`

// CreateVideoWithJob inserts the video row and its transcoding job in one
// transaction so a crash between the two cannot leave a video without a job.
func (r *Repository) CreateVideoWithJob(ctx context.Context, v *Video, j *TranscodingJob) error {
	jobData, err := json.Marshal(j.JobData)
	if err != nil {
		return fmt.Errorf("error encoding job data for video %s: %w", v.ID, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	v.CreatedAt, v.UpdatedAt = now, now
	j.CreatedAt, j.UpdatedAt = now, now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO videos (id, title, description, tags, original_filename, extension, mime_type, file_size, upload_path, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		v.ID, v.Title, v.Description, pq.Array(v.Tags), v.OriginalFilename, v.Extension, v.MimeType,
		v.FileSize, v.UploadPath, v.Status, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("error inserting video %s: %w", v.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transcoding_jobs (id, video_id, job_type, status, max_attempts, job_data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		j.ID, j.VideoID, j.JobType, j.Status, j.MaxAttempts, string(jobData), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("error inserting job for video %s: %w", v.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing video %s: %w", v.ID, err)
	}
	return nil
}

func (r *Repository) GetVideo(ctx context.Context, id string) (Video, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	v, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Video{}, fmt.Errorf("video %s: %w", id, xerrors.ErrVideoNotFound)
	}
	if err != nil {
		return Video{}, fmt.Errorf("error fetching video %s: %w", id, err)
	}
	return v, nil
}

// GetVideoStatus is the narrow readiness probe used by the streaming
// handlers, which only need the lifecycle state.
func (r *Repository) GetVideoStatus(ctx context.Context, id string) (VideoStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM videos WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("video %s: %w", id, xerrors.ErrVideoNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("error fetching video %s status: %w", id, err)
	}
	return VideoStatus(status), nil
}

// ListVideos returns one page of videos plus the total row count for the
// same filter, so handlers can report page counts.
func (r *Repository) ListVideos(ctx context.Context, f ListFilter) ([]Video, int64, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		conds = append(conds, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}
	if len(f.Tags) > 0 {
		args = append(args, pq.Array(f.Tags))
		conds = append(conds, fmt.Sprintf("tags && $%d", len(args)))
	}
	if !f.DateFrom.IsZero() {
		args = append(args, f.DateFrom)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.DateTo.IsZero() {
		args = append(args, f.DateTo)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if f.Resolution != "" {
		args = append(args, f.Resolution)
		conds = append(conds, fmt.Sprintf("EXISTS (SELECT 1 FROM video_outputs o WHERE o.video_id = videos.id AND o.resolution = $%d)", len(args)))
	}

	where := ""
	for i, c := range conds {
		if i == 0 {
			where = " WHERE " + c
		} else {
			where += " AND " + c
		}
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM videos`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("error counting videos: %w", err)
	}

	sortCol, ok := sortColumns[f.SortBy]
	if !ok {
		sortCol = "created_at"
	}
	dir := "DESC"
	if f.SortOrder == "asc" {
		dir = "ASC"
	}

	page, limit := f.PageLimit()
	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`SELECT %s FROM videos%s ORDER BY %s %s, id LIMIT $%d OFFSET $%d`,
		videoColumns, where, sortCol, dir, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("error listing videos: %w", err)
	}
	defer rows.Close()

	videos := []Video{}
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("error scanning video row: %w", err)
		}
		videos = append(videos, v)
	}
	return videos, total, rows.Err()
}

// DeleteVideo removes the video's outputs, jobs and finally the video row in
// one transaction. The ON DELETE CASCADE constraints are the safety net, not
// the mechanism.
func (r *Repository) DeleteVideo(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM video_outputs WHERE video_id = $1`, id); err != nil {
		return fmt.Errorf("error deleting outputs for video %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transcoding_jobs WHERE video_id = $1`, id); err != nil {
		return fmt.Errorf("error deleting jobs for video %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error deleting video %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("video %s: %w", id, xerrors.ErrVideoNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing delete of video %s: %w", id, err)
	}
	return nil
}

// UpdateVideoStatus moves a video to next, failing with ErrIllegalTransition
// if its current status does not allow the move. processedAt and
// thumbnailPath are non-null exactly while the video is READY, so any move
// away from READY clears them and a move into READY stamps processedAt.
func (r *Repository) UpdateVideoStatus(ctx context.Context, id string, next VideoStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE videos
		 SET status = $2,
		     processed_at = CASE WHEN $2 = 'READY' THEN now() ELSE NULL END,
		     thumbnail_path = CASE WHEN $2 = 'READY' THEN thumbnail_path ELSE NULL END,
		     updated_at = now()
		 WHERE id = $1 AND status = ANY($3)`,
		id, string(next), pq.Array(legalVideoSources(next)),
	)
	if err != nil {
		return fmt.Errorf("error updating video %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.explainVideoUpdateFailure(ctx, id, next)
	}
	return nil
}

// UpdateVideoMetadata records the probed duration, already rounded to whole
// seconds by the caller.
func (r *Repository) UpdateVideoMetadata(ctx context.Context, id string, durationSeconds int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE videos SET duration_seconds = $2, updated_at = now() WHERE id = $1`,
		id, durationSeconds,
	)
	if err != nil {
		return fmt.Errorf("error updating video %s metadata: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("video %s: %w", id, xerrors.ErrVideoNotFound)
	}
	return nil
}

// explainVideoUpdateFailure turns a zero-row UPDATE into the right error:
// the video is either missing or in a state that forbids the transition.
func (r *Repository) explainVideoUpdateFailure(ctx context.Context, id string, next VideoStatus) error {
	var current string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM videos WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("video %s: %w", id, xerrors.ErrVideoNotFound)
	}
	if err != nil {
		return fmt.Errorf("error fetching video %s status: %w", id, err)
	}
	return fmt.Errorf("video %s cannot move %s -> %s: %w", id, current, next, xerrors.ErrIllegalTransition)
}

// SaveOutputs records the renditions of a finished transcode and the video's
// thumbnail in one transaction. Rows are upserted via the (video_id,
// resolution) key so a redelivered attempt that re-runs after a crash does
// not conflict with its own earlier writes.
func (r *Repository) SaveOutputs(ctx context.Context, videoID string, outputs []VideoOutput, thumbnailPath string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, o := range outputs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO video_outputs (id, video_id, resolution, width, height, bitrate, playlist_path, segment_dir,
			                            file_size, segment_count, segment_duration, status, created_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
			 ON CONFLICT (video_id, resolution) DO UPDATE
			 SET width = EXCLUDED.width, height = EXCLUDED.height, bitrate = EXCLUDED.bitrate,
			     playlist_path = EXCLUDED.playlist_path, segment_dir = EXCLUDED.segment_dir,
			     file_size = EXCLUDED.file_size, segment_count = EXCLUDED.segment_count,
			     segment_duration = EXCLUDED.segment_duration, status = EXCLUDED.status, completed_at = now()`,
			o.ID, videoID, o.Resolution, o.Width, o.Height, o.Bitrate, o.PlaylistPath, o.SegmentDir,
			o.FileSize, o.SegmentCount, o.SegmentDuration, string(OutputReady),
		)
		if err != nil {
			return fmt.Errorf("error saving output %s/%s: %w", videoID, o.Resolution, err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE videos SET thumbnail_path = $2, updated_at = now() WHERE id = $1`,
		videoID, thumbnailPath,
	)
	if err != nil {
		return fmt.Errorf("error saving thumbnail for video %s: %w", videoID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("video %s: %w", videoID, xerrors.ErrVideoNotFound)
	}
	return tx.Commit()
}

const outputColumns = `id, video_id, resolution, width, height, bitrate, playlist_path, segment_dir,
	file_size, segment_count, segment_duration, status, created_at, completed_at`

// GetOutputs returns a video's rendition outputs ordered by ascending
// bitrate, the order the master playlist regeneration wants.
func (r *Repository) GetOutputs(ctx context.Context, videoID string) ([]VideoOutput, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+outputColumns+` FROM video_outputs WHERE video_id = $1 ORDER BY bitrate ASC`,
		videoID,
	)
	if err != nil {
		return nil, fmt.Errorf("error fetching outputs for video %s: %w", videoID, err)
	}
	defer rows.Close()

	outputs := []VideoOutput{}
	for rows.Next() {
		o, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning output row: %w", err)
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

// GetOutput fetches one rendition of a video, failing with
// ErrOutputUnavailable when the video was never transcoded to it.
func (r *Repository) GetOutput(ctx context.Context, videoID, resolution string) (VideoOutput, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+outputColumns+` FROM video_outputs WHERE video_id = $1 AND resolution = $2`,
		videoID, resolution,
	)
	o, err := scanOutput(row)
	if errors.Is(err, sql.ErrNoRows) {
		return VideoOutput{}, fmt.Errorf("output %s/%s: %w", videoID, resolution, xerrors.ErrOutputUnavailable)
	}
	if err != nil {
		return VideoOutput{}, fmt.Errorf("error fetching output %s/%s: %w", videoID, resolution, err)
	}
	return o, nil
}

// rowScanner lets the scan helpers work over both QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (Video, error) {
	var (
		v         Video
		tags      pq.StringArray
		duration  sql.NullInt64
		thumbnail sql.NullString
		processed sql.NullTime
	)
	err := row.Scan(&v.ID, &v.Title, &v.Description, &tags, &v.OriginalFilename, &v.Extension, &v.MimeType,
		&v.FileSize, &v.UploadPath, &duration, &thumbnail, &v.Status, &v.CreatedAt, &v.UpdatedAt, &processed)
	if err != nil {
		return Video{}, err
	}
	v.Tags = []string(tags)
	if v.Tags == nil {
		v.Tags = []string{}
	}
	v.DurationSeconds = duration.Int64
	v.ThumbnailPath = thumbnail.String
	if processed.Valid {
		v.ProcessedAt = &processed.Time
	}
	return v, nil
}

func scanOutput(row rowScanner) (VideoOutput, error) {
	var (
		o         VideoOutput
		completed sql.NullTime
	)
	err := row.Scan(&o.ID, &o.VideoID, &o.Resolution, &o.Width, &o.Height, &o.Bitrate, &o.PlaylistPath,
		&o.SegmentDir, &o.FileSize, &o.SegmentCount, &o.SegmentDuration, &o.Status, &o.CreatedAt, &completed)
	if err != nil {
		return VideoOutput{}, err
	}
	if completed.Valid {
		o.CompletedAt = &completed.Time
	}
	return o, nil
}

const jobColumns = `id, video_id, job_type, status, progress, attempt_count, max_attempts, job_data,
	result_data, error_message, worker_id, created_at, updated_at, started_at, completed_at, next_retry_at`

// GetJobForVideo returns the single transcoding job of a video. Jobs are
// addressed by video because (video_id) is unique in the table.
func (r *Repository) GetJobForVideo(ctx context.Context, videoID string) (TranscodingJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM transcoding_jobs WHERE video_id = $1`, videoID)

	var (
		j                  TranscodingJob
		jobData            []byte
		resultData         []byte
		started, completed sql.NullTime
		nextRetry          sql.NullTime
	)
	err := row.Scan(&j.ID, &j.VideoID, &j.JobType, &j.Status, &j.Progress, &j.AttemptCount, &j.MaxAttempts,
		&jobData, &resultData, &j.ErrorMessage, &j.WorkerID, &j.CreatedAt, &j.UpdatedAt, &started, &completed, &nextRetry)
	if errors.Is(err, sql.ErrNoRows) {
		return TranscodingJob{}, fmt.Errorf("job for video %s: %w", videoID, xerrors.ErrJobNotFound)
	}
	if err != nil {
		return TranscodingJob{}, fmt.Errorf("error fetching job for video %s: %w", videoID, err)
	}
	if len(jobData) > 0 {
		if err := json.Unmarshal(jobData, &j.JobData); err != nil {
			return TranscodingJob{}, fmt.Errorf("error decoding job data for video %s: %w", videoID, err)
		}
	}
	if len(resultData) > 0 {
		j.ResultData = &ResultData{}
		if err := json.Unmarshal(resultData, j.ResultData); err != nil {
			return TranscodingJob{}, fmt.Errorf("error decoding result data for video %s: %w", videoID, err)
		}
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if completed.Valid {
		j.CompletedAt = &completed.Time
	}
	if nextRetry.Valid {
		j.NextRetryAt = &nextRetry.Time
	}
	return j, nil
}

// MarkJobStarted moves the job into PROCESSING for the given attempt. The
// attempt number comes from the queue lease, which is authoritative for
// delivery counts. Progress resets to zero and the previous attempt's
// snapshot is dropped so observers see the new attempt start clean.
// PROCESSING is a legal source so a redelivery after a worker crash can
// restart the job without a manual reset.
func (r *Repository) MarkJobStarted(ctx context.Context, videoID, workerID string, attempt int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transcoding_jobs
		 SET status = $2, attempt_count = $3, progress = 0, worker_id = $4,
		     started_at = COALESCE(started_at, now()), next_retry_at = NULL,
		     job_data = job_data - 'progress', updated_at = now()
		 WHERE video_id = $1 AND status = ANY($5)`,
		videoID, string(JobProcessing), attempt, workerID,
		pq.Array([]string{string(JobQueued), string(JobRetrying), string(JobProcessing)}),
	)
	if err != nil {
		return fmt.Errorf("error starting job for video %s: %w", videoID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.explainJobUpdateFailure(ctx, videoID, JobProcessing)
	}
	return nil
}

// UpdateJobProgress raises the stored progress, never lowers it, and only
// while the job is PROCESSING. Late reports after a terminal state are
// dropped silently because a slow callback losing to the job's completion is
// not an error.
func (r *Repository) UpdateJobProgress(ctx context.Context, videoID string, detail ProgressDetail) error {
	snapshot, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("error encoding progress for video %s: %w", videoID, err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE transcoding_jobs
		 SET progress = GREATEST(progress, $2), job_data = jsonb_set(job_data, '{progress}', $3::jsonb), updated_at = now()
		 WHERE video_id = $1 AND status = $4`,
		videoID, detail.Percent, string(snapshot), string(JobProcessing),
	)
	if err != nil {
		return fmt.Errorf("error updating progress for video %s: %w", videoID, err)
	}
	return nil
}

func (r *Repository) MarkJobCompleted(ctx context.Context, videoID string, result ResultData) error {
	resultData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("error encoding result for video %s: %w", videoID, err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE transcoding_jobs
		 SET status = $2, progress = 100, error_message = '', result_data = $3::jsonb,
		     completed_at = now(), next_retry_at = NULL, updated_at = now()
		 WHERE video_id = $1 AND status = $4`,
		videoID, string(JobCompleted), string(resultData), string(JobProcessing),
	)
	if err != nil {
		return fmt.Errorf("error completing job for video %s: %w", videoID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.explainJobUpdateFailure(ctx, videoID, JobCompleted)
	}
	return nil
}

// MarkJobFailed records a failed attempt. Terminal failures get FAILED and a
// completion time; attempts with retries left get RETRYING plus the time the
// queue scheduled the next attempt for.
func (r *Repository) MarkJobFailed(ctx context.Context, videoID, errorMessage string, terminal bool, nextRetryAt *time.Time) error {
	next := JobRetrying
	completedAt := "completed_at"
	if terminal {
		next = JobFailed
		completedAt = "now()"
	}
	var retryAt any
	if nextRetryAt != nil {
		retryAt = nextRetryAt.UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE transcoding_jobs
		 SET status = $2, error_message = $3, next_retry_at = $4, completed_at = `+completedAt+`, updated_at = now()
		 WHERE video_id = $1 AND status = $5`,
		videoID, string(next), errorMessage, retryAt, string(JobProcessing),
	)
	if err != nil {
		return fmt.Errorf("error failing job for video %s: %w", videoID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.explainJobUpdateFailure(ctx, videoID, next)
	}
	return nil
}

// ResetJobForRetry rewinds a finished job so the video can be re-enqueued
// from scratch. QUEUED is a legal source so re-submitting a job that never
// made it into the queue is idempotent.
func (r *Repository) ResetJobForRetry(ctx context.Context, videoID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transcoding_jobs
		 SET status = $2, progress = 0, attempt_count = 0, error_message = '', result_data = NULL,
		     worker_id = '', started_at = NULL, completed_at = NULL, next_retry_at = NULL,
		     job_data = job_data - 'progress', updated_at = now()
		 WHERE video_id = $1 AND status = ANY($3)`,
		videoID, string(JobQueued),
		pq.Array([]string{string(JobFailed), string(JobCompleted), string(JobQueued)}),
	)
	if err != nil {
		return fmt.Errorf("error resetting job for video %s: %w", videoID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.explainJobUpdateFailure(ctx, videoID, JobQueued)
	}
	return nil
}

func (r *Repository) explainJobUpdateFailure(ctx context.Context, videoID string, next JobStatus) error {
	var current string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM transcoding_jobs WHERE video_id = $1`, videoID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job for video %s: %w", videoID, xerrors.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("error fetching job status for video %s: %w", videoID, err)
	}
	return fmt.Errorf("job for video %s cannot move %s -> %s: %w", videoID, current, next, xerrors.ErrIllegalTransition)
}

// RecordMetric appends one sample to the system_metrics table. The
// maintenance loop uses this to persist queue depth snapshots.
func (r *Repository) RecordMetric(ctx context.Context, name string, value float64, labels map[string]string) error {
	if labels == nil {
		labels = map[string]string{}
	}
	encoded, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("error encoding labels for metric %s: %w", name, err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO system_metrics (metric_name, metric_value, labels) VALUES ($1, $2, $3::jsonb)`,
		name, value, string(encoded),
	)
	if err != nil {
		return fmt.Errorf("error recording metric %s: %w", name, err)
	}
	return nil
}
