package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	xerrors "github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/storage"
)

func streamParams(id string, rest ...string) httprouter.Params {
	params := httprouter.Params{{Key: "id", Value: id}}
	if len(rest) > 0 {
		params = append(params, httprouter.Param{Key: "rendition", Value: rest[0]})
	}
	if len(rest) > 1 {
		params = append(params, httprouter.Param{Key: "file", Value: rest[1]})
	}
	return params
}

func TestStreamMasterPlaylist(t *testing.T) {
	d, mock, blobs, _ := newTestCollection(t)
	ctx := context.Background()

	stored := []byte("#EXTM3U\n#EXT-X-VERSION:3\n\n#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720\n720p/playlist.m3u8\n")
	require.NoError(t, blobs.Put(ctx, storage.MasterPlaylistPath("vid-1"), bytes.NewReader(stored)))

	expectStatus(mock, "vid-1", "READY")
	mock.ExpectQuery("SELECT id, video_id, resolution").
		WithArgs("vid-1").
		WillReturnRows(addOutput(outputRows(), "vid-1", "720p", 1280, 720, 2500))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/vid-1/master.m3u8", nil)
	rec := httptest.NewRecorder()
	d.StreamMaster()(rec, req, streamParams("vid-1", "master.m3u8"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	require.Equal(t, "public, max-age=300", rec.Header().Get("Cache-Control"))
	require.Equal(t, stored, rec.Body.Bytes())
}

func TestStreamMasterWrongFileName(t *testing.T) {
	d, _, _, _ := newTestCollection(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/vid-1/index.m3u8", nil)
	rec := httptest.NewRecorder()
	d.StreamMaster()(rec, req, streamParams("vid-1", "index.m3u8"))

	requireErrorCode(t, rec, http.StatusNotFound, xerrors.CodeMasterPlaylistNotFound)
}

func TestStreamMasterNotReady(t *testing.T) {
	d, mock, _, _ := newTestCollection(t)

	expectStatus(mock, "vid-1", "PROCESSING")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/vid-1/master.m3u8", nil)
	rec := httptest.NewRecorder()
	d.StreamMaster()(rec, req, streamParams("vid-1", "master.m3u8"))

	requireErrorCode(t, rec, http.StatusNotFound, xerrors.CodeMasterPlaylistNotFound)
}

func TestStreamMasterVideoMissing(t *testing.T) {
	d, mock, _, _ := newTestCollection(t)

	mock.ExpectQuery("SELECT status FROM videos").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/nope/master.m3u8", nil)
	rec := httptest.NewRecorder()
	d.StreamMaster()(rec, req, streamParams("nope", "master.m3u8"))

	requireErrorCode(t, rec, http.StatusNotFound, xerrors.CodeVideoNotFound)
}

func TestStreamVariantPlaylist(t *testing.T) {
	d, mock, blobs, _ := newTestCollection(t)
	ctx := context.Background()

	playlist := []byte("#EXTM3U\n#EXT-X-TARGETDURATION:10\n")
	require.NoError(t, blobs.Put(ctx, "hls/vid-1/720p/playlist.m3u8", bytes.NewReader(playlist)))

	expectStatus(mock, "vid-1", "READY")
	mock.ExpectQuery("SELECT id, video_id, resolution").
		WithArgs("vid-1", "720p").
		WillReturnRows(addOutput(outputRows(), "vid-1", "720p", 1280, 720, 2500))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/vid-1/720p/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	d.StreamRendition()(rec, req, streamParams("vid-1", "720p", "playlist.m3u8"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	require.Equal(t, "public, max-age=300", rec.Header().Get("Cache-Control"))
	require.Equal(t, playlist, rec.Body.Bytes())
}

func TestStreamVariantUnavailable(t *testing.T) {
	d, mock, _, _ := newTestCollection(t)

	expectStatus(mock, "vid-1", "READY")
	mock.ExpectQuery("SELECT id, video_id, resolution").
		WithArgs("vid-1", "1080p").
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/vid-1/1080p/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	d.StreamRendition()(rec, req, streamParams("vid-1", "1080p", "playlist.m3u8"))

	requireErrorCode(t, rec, http.StatusNotFound, xerrors.CodePlaylistNotFound)
}

func TestStreamSegment(t *testing.T) {
	d, mock, blobs, _ := newTestCollection(t)
	ctx := context.Background()

	payload := []byte{0x47, 0x40, 0x00, 0x10}
	require.NoError(t, blobs.Put(ctx, "hls/vid-1/720p/segment_002.ts", bytes.NewReader(payload)))

	expectStatus(mock, "vid-1", "READY")
	mock.ExpectQuery("SELECT id, video_id, resolution").
		WithArgs("vid-1", "720p").
		WillReturnRows(addOutput(outputRows(), "vid-1", "720p", 1280, 720, 2500))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/vid-1/720p/segment_002.ts", nil)
	rec := httptest.NewRecorder()
	d.StreamRendition()(rec, req, streamParams("vid-1", "720p", "segment_002.ts"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	require.Equal(t, "public, max-age=31536000, immutable", rec.Header().Get("Cache-Control"))
	require.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	require.Equal(t, payload, rec.Body.Bytes())
}

func TestStreamSegmentBadName(t *testing.T) {
	d, _, _, _ := newTestCollection(t)

	for _, name := range []string{"segment_2.ts", "..%2Fmaster.m3u8", "clip.mp4"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/vid-1/720p/x", nil)
		rec := httptest.NewRecorder()
		d.StreamRendition()(rec, req, streamParams("vid-1", "720p", name))

		requireErrorCode(t, rec, http.StatusBadRequest, xerrors.CodeInvalidSegmentName)
	}
}

func TestStreamSegmentBlobMissing(t *testing.T) {
	d, mock, _, _ := newTestCollection(t)

	expectStatus(mock, "vid-1", "READY")
	mock.ExpectQuery("SELECT id, video_id, resolution").
		WithArgs("vid-1", "720p").
		WillReturnRows(addOutput(outputRows(), "vid-1", "720p", 1280, 720, 2500))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/vid-1/720p/segment_099.ts", nil)
	rec := httptest.NewRecorder()
	d.StreamRendition()(rec, req, streamParams("vid-1", "720p", "segment_099.ts"))

	requireErrorCode(t, rec, http.StatusNotFound, xerrors.CodeSegmentNotFound)
}

func TestVideoThumbnailServed(t *testing.T) {
	d, mock, blobs, _ := newTestCollection(t)
	ctx := context.Background()

	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0}
	require.NoError(t, blobs.Put(ctx, "thumbnails/vid-1/thumbnail.jpg", bytes.NewReader(jpeg)))

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT id, title, description, tags").
		WithArgs("vid-1").
		WillReturnRows(videoRows().AddRow(
			"vid-1", "clip", "", "{}", "clip.mp4", ".mp4", "video/mp4", 42,
			"uploads/raw/vid-1.mp4", 60, "thumbnails/vid-1/thumbnail.jpg", "READY", now, now, now))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/videos/vid-1/thumbnail", nil)
	rec := httptest.NewRecorder()
	d.VideoThumbnail()(rec, req, videoParams("vid-1"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	require.Equal(t, "public, max-age=86400", rec.Header().Get("Cache-Control"))
	require.Equal(t, jpeg, rec.Body.Bytes())
}

func TestVideoThumbnailNotReady(t *testing.T) {
	d, mock, _, _ := newTestCollection(t)

	mock.ExpectQuery("SELECT id, title, description, tags").
		WithArgs("vid-1").
		WillReturnRows(addVideo(videoRows(), "vid-1", "clip", "PROCESSING"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/videos/vid-1/thumbnail", nil)
	rec := httptest.NewRecorder()
	d.VideoThumbnail()(rec, req, videoParams("vid-1"))

	requireErrorCode(t, rec, http.StatusNotFound, xerrors.CodeThumbnailNotFound)
}
