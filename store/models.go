package store

import (
	"strings"
	"time"
)

// VideoStatus is the lifecycle of a video as seen by API clients. The string
// values are part of the public API and must not change.
type VideoStatus string

const (
	VideoPending    VideoStatus = "PENDING"
	VideoProcessing VideoStatus = "PROCESSING"
	VideoReady      VideoStatus = "READY"
	VideoFailed     VideoStatus = "FAILED"
)

// videoTransitions maps a status to the set of statuses it may move to.
// READY and FAILED are terminal except for an explicit retry, which resets
// the video to PENDING. PROCESSING may re-enter itself when a redelivered
// attempt starts before the previous one was marked FAILED, and PENDING may
// re-enter itself when a retry re-submits a job that never left the queue.
var videoTransitions = map[VideoStatus][]VideoStatus{
	VideoPending:    {VideoPending, VideoProcessing},
	VideoProcessing: {VideoProcessing, VideoReady, VideoFailed},
	VideoReady:      {VideoPending},
	VideoFailed:     {VideoPending, VideoProcessing},
}

func (s VideoStatus) CanTransitionTo(next VideoStatus) bool {
	for _, t := range videoTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

var videoStatusOrder = []VideoStatus{VideoPending, VideoProcessing, VideoReady, VideoFailed}

// legalVideoSources returns every status that may transition into next, used
// to guard UPDATEs in SQL. Order is stable.
func legalVideoSources(next VideoStatus) []string {
	var froms []string
	for _, from := range videoStatusOrder {
		for _, to := range videoTransitions[from] {
			if to == next {
				froms = append(froms, string(from))
			}
		}
	}
	return froms
}

// OutputStatus is the lifecycle of a single rendition. Output rows are only
// inserted once their segments and playlist are finalized, so in practice
// they are born READY; the other states exist for symmetry with the video
// lifecycle and for forward compatibility.
type OutputStatus string

const (
	OutputPending    OutputStatus = "PENDING"
	OutputProcessing OutputStatus = "PROCESSING"
	OutputReady      OutputStatus = "READY"
	OutputFailed     OutputStatus = "FAILED"
)

// JobStatus is the lifecycle of a transcoding job. COMPLETED and FAILED are
// terminal except for an explicit retry reset; RETRYING means the job is
// waiting out its backoff delay before the next attempt.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobRetrying   JobStatus = "RETRYING"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:     {JobProcessing},
	JobProcessing: {JobProcessing, JobCompleted, JobFailed, JobRetrying},
	JobRetrying:   {JobProcessing, JobFailed},
	JobCompleted:  {JobQueued},
	JobFailed:     {JobQueued},
}

func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, t := range jobTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobType discriminates job kinds in the transcoding_jobs table. Only HLS
// transcodes exist today.
type JobType string

const JobTypeHLSTranscode JobType = "HLS_TRANSCODE"

type Video struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	Tags             []string    `json:"tags"`
	OriginalFilename string      `json:"originalFilename"`
	Extension        string      `json:"extension"`
	MimeType         string      `json:"mimeType"`
	FileSize         int64       `json:"fileSize"`
	UploadPath       string      `json:"uploadPath,omitempty"`
	DurationSeconds  int64       `json:"durationSeconds,omitempty"`
	ThumbnailPath    string      `json:"thumbnailPath,omitempty"`
	Status           VideoStatus `json:"status"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
	ProcessedAt      *time.Time  `json:"processedAt,omitempty"`
}

type VideoOutput struct {
	ID              string       `json:"id"`
	VideoID         string       `json:"videoId"`
	Resolution      string       `json:"resolution"`
	Width           int64        `json:"width"`
	Height          int64        `json:"height"`
	Bitrate         int64        `json:"bitrate"`
	PlaylistPath    string       `json:"playlistPath"`
	SegmentDir      string       `json:"segmentDir"`
	FileSize        int64        `json:"fileSize"`
	SegmentCount    int          `json:"segmentCount"`
	SegmentDuration float64      `json:"segmentDuration"`
	Status          OutputStatus `json:"status"`
	CreatedAt       time.Time    `json:"createdAt"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
}

// ProgressDetail is the structured progress snapshot stored alongside the
// numeric percentage. EstimatedTimeRemaining is advisory, in whole seconds.
type ProgressDetail struct {
	Percent                float64  `json:"percent"`
	CurrentResolution      string   `json:"currentResolution,omitempty"`
	CompletedResolutions   []string `json:"completedResolutions,omitempty"`
	CurrentTask            string   `json:"currentTask,omitempty"`
	EstimatedTimeRemaining int64    `json:"estimatedTimeRemaining,omitempty"`
}

// JobData is the durable input of a job plus the latest progress snapshot.
type JobData struct {
	Resolutions []string        `json:"resolutions"`
	InputPath   string          `json:"inputPath"`
	Progress    *ProgressDetail `json:"progress,omitempty"`
}

// ResultData summarizes a finished attempt.
type ResultData struct {
	CompletedResolutions []string `json:"completedResolutions,omitempty"`
	FailedResolutions    []string `json:"failedResolutions,omitempty"`
	MasterPlaylistPath   string   `json:"masterPlaylistPath,omitempty"`
	ThumbnailPath        string   `json:"thumbnailPath,omitempty"`
	DurationSeconds      int64    `json:"durationSeconds,omitempty"`
}

type TranscodingJob struct {
	ID           string      `json:"id"`
	VideoID      string      `json:"videoId"`
	JobType      JobType     `json:"jobType"`
	Status       JobStatus   `json:"status"`
	Progress     float64     `json:"progress"`
	AttemptCount int         `json:"attemptCount"`
	MaxAttempts  int         `json:"maxAttempts"`
	JobData      JobData     `json:"jobData"`
	ResultData   *ResultData `json:"resultData,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	WorkerID     string      `json:"workerId,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	NextRetryAt  *time.Time  `json:"nextRetryAt,omitempty"`
}

// JobKey derives the deterministic external job key for a video, which is
// also the queue-level dedup key.
func JobKey(videoID string) string {
	return "transcode-" + videoID
}

// VideoIDFromJobKey inverts JobKey for reconciliation paths that only have
// the queue-level ID.
func VideoIDFromJobKey(key string) string {
	return strings.TrimPrefix(key, "transcode-")
}
