package handlers

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/cascadevideo/cascade-api/log"
	"github.com/cascadevideo/cascade-api/pipeline"
	"github.com/cascadevideo/cascade-api/playback"
	"github.com/cascadevideo/cascade-api/queue"
	"github.com/cascadevideo/cascade-api/storage"
	"github.com/cascadevideo/cascade-api/store"
)

// CascadeAPIHandlersCollection carries the dependencies shared by the API
// handlers. Construct one in main and register its methods on the router.
type CascadeAPIHandlersCollection struct {
	Producer *pipeline.Producer
	Streamer *playback.Streamer
	Repo     *store.Repository
	Blobs    storage.Storage
	Queue    *queue.Queue
}

// envelope is the JSON wrapper on every /api/v1 response. Error responses
// use the same shape, written by the errors package.
type envelope struct {
	StatusCode int `json:"statusCode"`
	Data       any `json:"data"`
	Error      any `json:"error"`
}

func respond(w http.ResponseWriter, requestID string, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{StatusCode: status, Data: data}); err != nil {
		log.Log(requestID, "failed to write HTTP response", "error", err)
	}
}

// JobSummary is the client-facing view of a transcoding job, trimmed of
// worker internals.
type JobSummary struct {
	ID           string                `json:"id"`
	Status       store.JobStatus       `json:"status"`
	Progress     float64               `json:"progress"`
	Detail       *store.ProgressDetail `json:"detail,omitempty"`
	AttemptCount int                   `json:"attemptCount"`
	MaxAttempts  int                   `json:"maxAttempts"`
	ErrorMessage string                `json:"errorMessage,omitempty"`
	Result       *store.ResultData     `json:"result,omitempty"`
	CreatedAt    time.Time             `json:"createdAt"`
	StartedAt    *time.Time            `json:"startedAt,omitempty"`
	CompletedAt  *time.Time            `json:"completedAt,omitempty"`
	NextRetryAt  *time.Time            `json:"nextRetryAt,omitempty"`
}

func summarizeJob(j store.TranscodingJob) JobSummary {
	return JobSummary{
		ID:           j.ID,
		Status:       j.Status,
		Progress:     j.Progress,
		Detail:       j.JobData.Progress,
		AttemptCount: j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		ErrorMessage: j.ErrorMessage,
		Result:       j.ResultData,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		NextRetryAt:  j.NextRetryAt,
	}
}

// HasContentType checks the Content-Type header against the given mimetype,
// ignoring parameters like boundary and charset.
func HasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}

	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}
	return false
}
