// Package pipeline joins the HTTP edge to the transcoding workers. The
// Producer turns an accepted upload into a raw blob, a pair of database
// rows and a queued job, all under the deterministic job key that keeps a
// video from ever being transcoded twice at once. The Worker consumes
// those jobs and drives the Transcoder.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	xerrors "github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/log"
	"github.com/cascadevideo/cascade-api/metrics"
	"github.com/cascadevideo/cascade-api/progress"
	"github.com/cascadevideo/cascade-api/queue"
	"github.com/cascadevideo/cascade-api/storage"
	"github.com/cascadevideo/cascade-api/store"
)

// Ingest limits. Uploads outside these bounds are rejected before any row
// is written.
const (
	MaxUploadBytes    = 2 << 30
	MaxTitleLen       = 255
	MaxDescriptionLen = 2000
	MaxTags           = 10
	MaxTagLen         = 50
)

// ValidationError is a rejected-input error. Code is one of the stable
// input error codes; the HTTP layer maps it onto a status.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// UploadRequest is one decoded multipart upload. Content is streamed to
// storage, so Size is advisory; the byte count is enforced while copying.
type UploadRequest struct {
	Title       string
	Description string
	Tags        []string
	Filename    string
	MimeType    string
	Size        int64
	Resolutions []string
	Content     io.Reader
}

type Producer struct {
	repo           *store.Repository
	blobs          storage.Storage
	queue          *queue.Queue
	allowedExts    map[string]bool
	maxAttempts    int
	maxUploadBytes int64
}

func NewProducer(repo *store.Repository, blobs storage.Storage, q *queue.Queue, uploadExtensions []string, maxAttempts int) *Producer {
	allowed := make(map[string]bool, len(uploadExtensions))
	for _, ext := range uploadExtensions {
		allowed[storage.NormalizeExt(ext)] = true
	}
	return &Producer{
		repo:           repo,
		blobs:          blobs,
		queue:          q,
		allowedExts:    allowed,
		maxAttempts:    maxAttempts,
		maxUploadBytes: MaxUploadBytes,
	}
}

// ParseTags accepts the two tag encodings clients send: a JSON array
// (`["a","b"]`) or a comma separated list (`a,b`). Blank entries are
// dropped either way.
func ParseTags(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var parts []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &parts); err != nil {
			return nil, invalid(xerrors.CodeInvalidTagsFormat, "tags must be a JSON array or a comma separated list")
		}
	} else {
		parts = strings.Split(raw, ",")
	}

	tags := make([]string, 0, len(parts))
	for _, t := range parts {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags, nil
}

func (p *Producer) validate(req *UploadRequest) error {
	if req.Filename == "" || req.Content == nil {
		return invalid(xerrors.CodeFileRequired, "a video file is required")
	}
	ext := storage.NormalizeExt(path.Ext(req.Filename))
	if ext == "" || !p.allowedExts[ext] {
		return invalid(xerrors.CodeInvalidFileFormat, "file format %q is not supported", ext)
	}
	if req.Size > p.maxUploadBytes {
		return invalid(xerrors.CodeFileTooLarge, "file exceeds the %d byte upload limit", p.maxUploadBytes)
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		return invalid(xerrors.CodeTitleRequired, "title is required")
	}
	if len(title) > MaxTitleLen {
		return invalid(xerrors.CodeTitleTooLong, "title exceeds %d characters", MaxTitleLen)
	}
	if len(req.Description) > MaxDescriptionLen {
		return invalid(xerrors.CodeDescriptionTooLong, "description exceeds %d characters", MaxDescriptionLen)
	}
	if len(req.Tags) > MaxTags {
		return invalid(xerrors.CodeTooManyTags, "at most %d tags are allowed", MaxTags)
	}
	for _, tag := range req.Tags {
		if tag == "" || len(tag) > MaxTagLen {
			return invalid(xerrors.CodeInvalidTag, "tag %q exceeds %d characters", tag, MaxTagLen)
		}
	}
	return nil
}

// Ingest validates the upload, streams the source into storage, creates the
// video and job rows in one transaction and enqueues the transcode. When
// only the final enqueue fails the rows are left QUEUED so the job can be
// pushed again through Reenqueue.
func (p *Producer) Ingest(ctx context.Context, requestID string, req UploadRequest) (store.Video, error) {
	if err := p.validate(&req); err != nil {
		return store.Video{}, err
	}

	videoID := uuid.New().String()
	ext := storage.NormalizeExt(path.Ext(req.Filename))
	key := storage.RawPath(videoID, ext)
	log.AddContext(requestID, "video_id", videoID)

	// count and digest the stream as it passes so oversized uploads are
	// caught even when the client lied about Content-Length
	hashed := progress.NewReadHasher(req.Content)
	counted := progress.NewReadCounter(hashed)
	if err := p.blobs.Put(ctx, key, counted); err != nil {
		return store.Video{}, fmt.Errorf("%w: error storing upload %s: %w", xerrors.ErrStorageUnavailable, key, err)
	}
	if counted.Count() > p.maxUploadBytes {
		p.discardBlob(ctx, requestID, key)
		return store.Video{}, invalid(xerrors.CodeFileTooLarge, "file exceeds the %d byte upload limit", p.maxUploadBytes)
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = storage.ContentTypeByPath(key)
	}
	video := store.Video{
		ID:               videoID,
		Title:            strings.TrimSpace(req.Title),
		Description:      req.Description,
		Tags:             req.Tags,
		OriginalFilename: req.Filename,
		Extension:        ext,
		MimeType:         mimeType,
		FileSize:         counted.Count(),
		UploadPath:       key,
		Status:           store.VideoPending,
	}
	job := store.TranscodingJob{
		ID:          uuid.New().String(),
		VideoID:     videoID,
		JobType:     store.JobTypeHLSTranscode,
		Status:      store.JobQueued,
		MaxAttempts: p.maxAttempts,
		JobData:     store.JobData{Resolutions: req.Resolutions, InputPath: key},
	}
	if err := p.repo.CreateVideoWithJob(ctx, &video, &job); err != nil {
		p.discardBlob(ctx, requestID, key)
		return store.Video{}, fmt.Errorf("%w: error creating video %s: %w", xerrors.ErrDBUnavailable, videoID, err)
	}

	if err := p.submit(ctx, requestID, videoID, job.JobData, queue.PriorityNormal); err != nil {
		return store.Video{}, err
	}

	metrics.Metrics.UploadBytesCount.Add(float64(counted.Count()))
	log.Log(requestID, "upload accepted", "video_id", videoID, "bytes", counted.Count(),
		"sha256", hashed.SHA256(), "title", video.Title)
	return video, nil
}

// Reenqueue resets a finished video so it gets transcoded again. READY
// videos may be re-transcoded, for example after the rendition ladder
// changed.
func (p *Producer) Reenqueue(ctx context.Context, requestID, videoID string) error {
	job, err := p.repo.GetJobForVideo(ctx, videoID)
	if err != nil {
		return err
	}
	if err := p.repo.ResetJobForRetry(ctx, videoID); err != nil {
		return err
	}
	if err := p.repo.UpdateVideoStatus(ctx, videoID, store.VideoPending); err != nil {
		return err
	}
	return p.submit(ctx, requestID, videoID, job.JobData, queue.PriorityHigh)
}

func (p *Producer) submit(ctx context.Context, requestID, videoID string, data store.JobData, priority queue.Priority) error {
	data.Progress = nil
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("error encoding job payload for video %s: %w", videoID, err)
	}
	err = p.queue.Enqueue(ctx, queue.Job{
		ID:          store.JobKey(videoID),
		Payload:     string(payload),
		Priority:    priority,
		MaxAttempts: p.maxAttempts,
	})
	if err == nil {
		log.Log(requestID, "transcode job enqueued", "video_id", videoID, "job_id", store.JobKey(videoID))
		return nil
	}
	if errors.Is(err, queue.ErrDuplicateJob) {
		// the video already has a live job; treat the submit as satisfied
		log.Log(requestID, "transcode job already queued", "video_id", videoID)
		return nil
	}
	return fmt.Errorf("%w: error enqueueing job for video %s: %w", xerrors.ErrQueueUnavailable, videoID, err)
}

func (p *Producer) discardBlob(ctx context.Context, requestID, key string) {
	if err := p.blobs.Delete(ctx, key); err != nil && !xerrors.IsObjectNotFound(err) {
		log.LogError(requestID, "error discarding rejected upload", err, "key", key)
	}
}
