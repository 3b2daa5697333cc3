package playback

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	xerrors "github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/storage"
	"github.com/cascadevideo/cascade-api/store"
)

func newTestStreamer(t *testing.T) (*Streamer, sqlmock.Sqlmock, *storage.LocalStorage) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := storage.NewLocalStorage(t.TempDir(), "")
	require.NoError(t, err)

	return NewStreamer(store.NewRepository(db), blobs), mock, blobs
}

func expectStatus(mock sqlmock.Sqlmock, videoID, status string) {
	mock.ExpectQuery("SELECT status FROM videos").
		WithArgs(videoID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(status))
}

func outputRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "video_id", "resolution", "width", "height", "bitrate", "playlist_path", "segment_dir",
		"file_size", "segment_count", "segment_duration", "status", "created_at", "completed_at",
	})
}

func addOutput(rows *sqlmock.Rows, videoID, resolution string, w, h, kbps int64, status string) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow("out-"+resolution, videoID, resolution, w, h, kbps,
		"hls/"+videoID+"/"+resolution+"/playlist.m3u8", "hls/"+videoID+"/"+resolution,
		9000, 3, 10.0, status, now, now)
}

func readAll(t *testing.T, resp *Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body
}

func TestMasterPlaylistServesStoredBytes(t *testing.T) {
	s, mock, blobs := newTestStreamer(t)
	ctx := context.Background()

	stored := []byte("#EXTM3U\n#EXT-X-VERSION:3\n\n#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720\n720p/playlist.m3u8\n")
	require.NoError(t, blobs.Put(ctx, storage.MasterPlaylistPath("vid-1"), bytes.NewReader(stored)))

	expectStatus(mock, "vid-1", "READY")
	mock.ExpectQuery("SELECT id, video_id, resolution").
		WithArgs("vid-1").
		WillReturnRows(addOutput(outputRows(), "vid-1", "720p", 1280, 720, 2500, "READY"))

	resp, err := s.MasterPlaylist(ctx, "req-1", "vid-1")
	require.NoError(t, err)
	require.Equal(t, "application/vnd.apple.mpegurl", resp.ContentType)
	require.Equal(t, stored, readAll(t, resp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMasterPlaylistRegenerates(t *testing.T) {
	s, mock, blobs := newTestStreamer(t)
	ctx := context.Background()

	expectStatus(mock, "vid-1", "READY")
	rows := addOutput(outputRows(), "vid-1", "480p", 854, 480, 1200, "READY")
	rows = addOutput(rows, "vid-1", "720p", 1280, 720, 2500, "READY")
	rows = addOutput(rows, "vid-1", "1080p", 1920, 1080, 5000, "FAILED")
	mock.ExpectQuery("SELECT id, video_id, resolution").
		WithArgs("vid-1").
		WillReturnRows(rows)

	resp, err := s.MasterPlaylist(ctx, "req-1", "vid-1")
	require.NoError(t, err)

	expected := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720\n" +
		"720p/playlist.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1200000,RESOLUTION=854x480\n" +
		"480p/playlist.m3u8\n"
	require.Equal(t, expected, string(readAll(t, resp)))

	// The regenerated copy is written back for the next request.
	rc, err := blobs.Get(ctx, storage.MasterPlaylistPath("vid-1"))
	require.NoError(t, err)
	defer rc.Close()
	persisted, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, expected, string(persisted))
}

func TestMasterPlaylistNotReady(t *testing.T) {
	s, mock, _ := newTestStreamer(t)

	expectStatus(mock, "vid-1", "PROCESSING")

	_, err := s.MasterPlaylist(context.Background(), "req-1", "vid-1")
	require.ErrorIs(t, err, xerrors.ErrNotReady)
}

func TestMasterPlaylistNoReadyOutputs(t *testing.T) {
	s, mock, _ := newTestStreamer(t)

	expectStatus(mock, "vid-1", "READY")
	mock.ExpectQuery("SELECT id, video_id, resolution").
		WithArgs("vid-1").
		WillReturnRows(addOutput(outputRows(), "vid-1", "720p", 1280, 720, 2500, "FAILED"))

	_, err := s.MasterPlaylist(context.Background(), "req-1", "vid-1")
	require.ErrorIs(t, err, xerrors.ErrNotReady)
}

func TestMasterPlaylistVideoMissing(t *testing.T) {
	s, mock, _ := newTestStreamer(t)

	mock.ExpectQuery("SELECT status FROM videos").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := s.MasterPlaylist(context.Background(), "req-1", "nope")
	require.ErrorIs(t, err, xerrors.ErrVideoNotFound)
}

func TestVariantPlaylist(t *testing.T) {
	s, mock, blobs := newTestStreamer(t)
	ctx := context.Background()

	playlist := []byte("#EXTM3U\n#EXT-X-TARGETDURATION:10\n")
	require.NoError(t, blobs.Put(ctx, "hls/vid-1/720p/playlist.m3u8", bytes.NewReader(playlist)))

	expectStatus(mock, "vid-1", "READY")
	mock.ExpectQuery("SELECT id, video_id, resolution").
		WithArgs("vid-1", "720p").
		WillReturnRows(addOutput(outputRows(), "vid-1", "720p", 1280, 720, 2500, "READY"))

	resp, err := s.VariantPlaylist(ctx, "vid-1", "720p")
	require.NoError(t, err)
	require.Equal(t, "application/vnd.apple.mpegurl", resp.ContentType)
	require.Equal(t, playlist, readAll(t, resp))
}

func TestVariantPlaylistUnavailableResolution(t *testing.T) {
	s, mock, _ := newTestStreamer(t)

	expectStatus(mock, "vid-1", "READY")
	mock.ExpectQuery("SELECT id, video_id, resolution").
		WithArgs("vid-1", "1080p").
		WillReturnError(sql.ErrNoRows)

	_, err := s.VariantPlaylist(context.Background(), "vid-1", "1080p")
	require.ErrorIs(t, err, xerrors.ErrOutputUnavailable)
}

func TestVariantPlaylistOutputNotReady(t *testing.T) {
	s, mock, _ := newTestStreamer(t)

	expectStatus(mock, "vid-1", "READY")
	mock.ExpectQuery("SELECT id, video_id, resolution").
		WithArgs("vid-1", "720p").
		WillReturnRows(addOutput(outputRows(), "vid-1", "720p", 1280, 720, 2500, "PROCESSING"))

	_, err := s.VariantPlaylist(context.Background(), "vid-1", "720p")
	require.ErrorIs(t, err, xerrors.ErrOutputUnavailable)
}

func TestSegmentNameValidation(t *testing.T) {
	s, _, _ := newTestStreamer(t)

	for _, name := range []string{"segment_1.ts", "segment_0001.ts", "../master.m3u8", "segment_abc.ts", ""} {
		_, err := s.Segment(context.Background(), "vid-1", "720p", name)
		require.ErrorIs(t, err, xerrors.ErrInvalidSegmentName, "name %q", name)
	}
}

func TestSegmentServed(t *testing.T) {
	s, mock, blobs := newTestStreamer(t)
	ctx := context.Background()

	payload := []byte{0x47, 0x40, 0x00, 0x10}
	require.NoError(t, blobs.Put(ctx, "hls/vid-1/720p/segment_002.ts", bytes.NewReader(payload)))

	expectStatus(mock, "vid-1", "READY")
	mock.ExpectQuery("SELECT id, video_id, resolution").
		WithArgs("vid-1", "720p").
		WillReturnRows(addOutput(outputRows(), "vid-1", "720p", 1280, 720, 2500, "READY"))

	resp, err := s.Segment(ctx, "vid-1", "720p", "segment_002.ts")
	require.NoError(t, err)
	require.Equal(t, "video/mp2t", resp.ContentType)
	require.Equal(t, payload, readAll(t, resp))
}

func TestSegmentBlobMissing(t *testing.T) {
	s, mock, _ := newTestStreamer(t)

	expectStatus(mock, "vid-1", "READY")
	mock.ExpectQuery("SELECT id, video_id, resolution").
		WithArgs("vid-1", "720p").
		WillReturnRows(addOutput(outputRows(), "vid-1", "720p", 1280, 720, 2500, "READY"))

	_, err := s.Segment(context.Background(), "vid-1", "720p", "segment_099.ts")
	require.Error(t, err)
	require.True(t, xerrors.IsObjectNotFound(err))
}

func videoRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "title", "description", "tags", "original_filename", "extension", "mime_type", "file_size",
		"upload_path", "duration_seconds", "thumbnail_path", "status", "created_at", "updated_at", "processed_at",
	})
}

func TestThumbnail(t *testing.T) {
	s, mock, blobs := newTestStreamer(t)
	ctx := context.Background()

	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0}
	require.NoError(t, blobs.Put(ctx, "thumbnails/vid-1/thumbnail.jpg", bytes.NewReader(jpeg)))

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT id, title, description, tags").
		WithArgs("vid-1").
		WillReturnRows(videoRows().AddRow(
			"vid-1", "clip", "", "{}", "clip.mp4", ".mp4", "video/mp4", 42,
			"uploads/raw/vid-1.mp4", 60, "thumbnails/vid-1/thumbnail.jpg", "READY", now, now, now))

	resp, err := s.Thumbnail(ctx, "vid-1")
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", resp.ContentType)
	require.Equal(t, jpeg, readAll(t, resp))
}

func TestThumbnailNotReady(t *testing.T) {
	s, mock, _ := newTestStreamer(t)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT id, title, description, tags").
		WithArgs("vid-1").
		WillReturnRows(videoRows().AddRow(
			"vid-1", "clip", "", "{}", "clip.mp4", ".mp4", "video/mp4", 42,
			"uploads/raw/vid-1.mp4", nil, nil, "PROCESSING", now, now, nil))

	_, err := s.Thumbnail(context.Background(), "vid-1")
	require.ErrorIs(t, err, xerrors.ErrNotReady)
}
