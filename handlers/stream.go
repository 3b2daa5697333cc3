package handlers

import (
	"errors"
	"io"
	"net/http"

	xerrors "github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/log"
	"github.com/cascadevideo/cascade-api/metrics"
	"github.com/cascadevideo/cascade-api/playback"
	"github.com/cascadevideo/cascade-api/requests"
	"github.com/julienschmidt/httprouter"
)

// Cache lifetimes per artifact. Playlists revalidate quickly so a
// re-transcode shows up; segment names are unique per encode so segments
// cache forever.
const (
	cacheControlPlaylist  = "public, max-age=300"
	cacheControlSegment   = "public, max-age=31536000, immutable"
	cacheControlThumbnail = "public, max-age=86400"
)

// StreamMaster serves /api/v1/stream/:id/master.m3u8. The file name arrives
// as the :rendition parameter because the rendition routes share the same
// path position.
func (d *CascadeAPIHandlersCollection) StreamMaster() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		requestID := requests.GetRequestId(req)
		videoID := params.ByName("id")

		if file := params.ByName("rendition"); file != "master.m3u8" {
			xerrors.WriteHTTPMasterPlaylistNotFound(w, "no stream file "+file, nil)
			return
		}

		resp, err := d.Streamer.MasterPlaylist(req.Context(), requestID, videoID)
		if err != nil {
			d.writePlaybackError(w, requestID, videoID, err, xerrors.WriteHTTPMasterPlaylistNotFound)
			return
		}
		metrics.Metrics.PlaylistRequestCount.WithLabelValues("master").Inc()
		serveStream(w, requestID, resp, cacheControlPlaylist)
	}
}

// StreamRendition serves both the variant playlist and the segments below
// /api/v1/stream/:id/:rendition/.
func (d *CascadeAPIHandlersCollection) StreamRendition() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		requestID := requests.GetRequestId(req)
		videoID := params.ByName("id")
		rendition := params.ByName("rendition")
		file := params.ByName("file")

		if file == "playlist.m3u8" {
			resp, err := d.Streamer.VariantPlaylist(req.Context(), videoID, rendition)
			if err != nil {
				d.writePlaybackError(w, requestID, videoID, err, xerrors.WriteHTTPPlaylistNotFound)
				return
			}
			metrics.Metrics.PlaylistRequestCount.WithLabelValues("variant").Inc()
			serveStream(w, requestID, resp, cacheControlPlaylist)
			return
		}

		resp, err := d.Streamer.Segment(req.Context(), videoID, rendition, file)
		if err != nil {
			d.writePlaybackError(w, requestID, videoID, err, xerrors.WriteHTTPSegmentNotFound)
			return
		}
		metrics.Metrics.SegmentRequestCount.WithLabelValues(rendition).Inc()
		w.Header().Set("Accept-Ranges", "bytes")
		serveStream(w, requestID, resp, cacheControlSegment)
	}
}

// VideoThumbnail serves the poster frame for a ready video.
func (d *CascadeAPIHandlersCollection) VideoThumbnail() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		requestID := requests.GetRequestId(req)
		videoID := params.ByName("id")

		resp, err := d.Streamer.Thumbnail(req.Context(), videoID)
		if err != nil {
			d.writePlaybackError(w, requestID, videoID, err, xerrors.WriteHTTPThumbnailNotFound)
			return
		}
		serveStream(w, requestID, resp, cacheControlThumbnail)
	}
}

func (d *CascadeAPIHandlersCollection) writePlaybackError(w http.ResponseWriter, requestID, videoID string, err error,
	writeNotFound func(http.ResponseWriter, string, error) xerrors.APIError) {
	log.LogError(requestID, "playback error", err, "video_id", videoID)
	switch {
	case errors.Is(err, xerrors.ErrVideoNotFound):
		xerrors.WriteHTTPVideoNotFound(w, "no video with id "+videoID, nil)
	case errors.Is(err, xerrors.ErrInvalidSegmentName):
		xerrors.WriteHTTPInvalidSegmentName(w, "segment name must look like segment_000.ts", nil)
	case errors.Is(err, xerrors.ErrNotReady), errors.Is(err, xerrors.ErrOutputUnavailable), xerrors.IsObjectNotFound(err):
		writeNotFound(w, "not available for video "+videoID, nil)
	default:
		xerrors.WriteHTTPInternalServerError(w, "internal server error", nil)
	}
}

func serveStream(w http.ResponseWriter, requestID string, resp *playback.Response, cacheControl string) {
	defer resp.Body.Close()
	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Cache-Control", cacheControl)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.LogError(requestID, "failed to write response", err)
	}
}
