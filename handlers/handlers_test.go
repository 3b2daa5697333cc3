package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cascadevideo/cascade-api/pipeline"
	"github.com/cascadevideo/cascade-api/playback"
	"github.com/cascadevideo/cascade-api/queue"
	"github.com/cascadevideo/cascade-api/storage"
	"github.com/cascadevideo/cascade-api/store"
)

func newTestCollection(t *testing.T) (*CascadeAPIHandlersCollection, sqlmock.Sqlmock, *storage.LocalStorage, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := storage.NewLocalStorage(t.TempDir(), "")
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	repo := store.NewRepository(db)
	q := queue.New(client, queue.Options{})
	return &CascadeAPIHandlersCollection{
		Producer: pipeline.NewProducer(repo, blobs, q, []string{".mp4", ".mov", ".mkv", ".webm"}, 3),
		Streamer: playback.NewStreamer(repo, blobs),
		Repo:     repo,
		Blobs:    blobs,
		Queue:    q,
	}, mock, blobs, mr
}

// testEnvelope mirrors the response wrapper so tests can reach into data and
// error without caring about the payload type.
type testEnvelope struct {
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, rec.Code, env.StatusCode, "envelope status must match the HTTP status")
	return env
}

func requireErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code)
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	require.Equal(t, code, env.Error.Code)
}

func videoParams(id string) httprouter.Params {
	return httprouter.Params{{Key: "id", Value: id}}
}

func videoRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "title", "description", "tags", "original_filename", "extension", "mime_type", "file_size",
		"upload_path", "duration_seconds", "thumbnail_path", "status", "created_at", "updated_at", "processed_at",
	})
}

func addVideo(rows *sqlmock.Rows, id, title, status string) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow(id, title, "", "{}", "clip.mp4", ".mp4", "video/mp4", 42,
		"uploads/raw/"+id+".mp4", 60, nil, status, now, now, nil)
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "video_id", "job_type", "status", "progress", "attempt_count", "max_attempts", "job_data",
		"result_data", "error_message", "worker_id", "created_at", "updated_at", "started_at", "completed_at", "next_retry_at",
	})
}

func addJob(rows *sqlmock.Rows, videoID, status string, progress float64) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow("job-"+videoID, videoID, "HLS_TRANSCODE", status, progress, 1, 3,
		[]byte(`{"resolutions":["720p"],"inputPath":"uploads/raw/`+videoID+`.mp4"}`),
		nil, "", "", now, now, nil, nil, nil)
}

func outputRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "video_id", "resolution", "width", "height", "bitrate", "playlist_path", "segment_dir",
		"file_size", "segment_count", "segment_duration", "status", "created_at", "completed_at",
	})
}

func addOutput(rows *sqlmock.Rows, videoID, resolution string, w, h, kbps int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow("out-"+resolution, videoID, resolution, w, h, kbps,
		"hls/"+videoID+"/"+resolution+"/playlist.m3u8", "hls/"+videoID+"/"+resolution,
		9000, 3, 10.0, "READY", now, now)
}

func expectStatus(mock sqlmock.Sqlmock, videoID, status string) {
	mock.ExpectQuery("SELECT status FROM videos").
		WithArgs(videoID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(status))
}

func TestHasContentType(t *testing.T) {
	tests := []struct {
		header   string
		mimetype string
		want     bool
	}{
		{"multipart/form-data; boundary=xyz", "multipart/form-data", true},
		{"multipart/form-data", "multipart/form-data", true},
		{"application/json", "multipart/form-data", false},
		{"", "application/octet-stream", true},
		{"", "multipart/form-data", false},
		{"garbage;;;", "multipart/form-data", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if tt.header != "" {
			req.Header.Set("Content-Type", tt.header)
		}
		require.Equal(t, tt.want, HasContentType(req, tt.mimetype), "header %q", tt.header)
	}
}

func TestSummarizeJobTrimsWorkerInternals(t *testing.T) {
	now := time.Now().UTC()
	job := store.TranscodingJob{
		ID:           "job-1",
		VideoID:      "vid-1",
		Status:       store.JobProcessing,
		Progress:     42.5,
		AttemptCount: 2,
		MaxAttempts:  3,
		WorkerID:     "worker-7",
		JobData: store.JobData{
			Resolutions: []string{"720p"},
			InputPath:   "uploads/raw/vid-1.mp4",
			Progress:    &store.ProgressDetail{Percent: 42.5, CurrentResolution: "720p"},
		},
		CreatedAt: now,
		StartedAt: &now,
	}

	summary := summarizeJob(job)
	require.Equal(t, "job-1", summary.ID)
	require.Equal(t, store.JobProcessing, summary.Status)
	require.Equal(t, 42.5, summary.Progress)
	require.Equal(t, job.JobData.Progress, summary.Detail)

	out, err := json.Marshal(summary)
	require.NoError(t, err)
	require.NotContains(t, string(out), "worker-7")
	require.NotContains(t, string(out), "inputPath")
}
