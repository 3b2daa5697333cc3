package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/log"
	"github.com/cascadevideo/cascade-api/requests"
	"github.com/cascadevideo/cascade-api/storage"
	"github.com/cascadevideo/cascade-api/store"
	"github.com/julienschmidt/httprouter"
)

// ListVideos returns one page of the video catalog. Unparseable query values
// fall back to their defaults instead of erroring so a sloppy client still
// gets a sensible page.
func (d *CascadeAPIHandlersCollection) ListVideos() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		requestID := requests.GetRequestId(req)
		filter := parseListFilter(req)

		videos, total, err := d.Repo.ListVideos(req.Context(), filter)
		if err != nil {
			log.LogError(requestID, "error listing videos", err)
			xerrors.WriteHTTPDBUnavailable(w, "could not list videos", nil)
			return
		}

		page, limit := filter.PageLimit()
		totalPages := (total + int64(limit) - 1) / int64(limit)
		respond(w, requestID, http.StatusOK, map[string]any{
			"videos": videos,
			"pagination": map[string]any{
				"page":       page,
				"limit":      limit,
				"total":      total,
				"totalPages": totalPages,
			},
		})
	}
}

func parseListFilter(req *http.Request) store.ListFilter {
	q := req.URL.Query()
	filter := store.ListFilter{
		SortBy:     q.Get("sortBy"),
		SortOrder:  q.Get("sortOrder"),
		Search:     q.Get("search"),
		Tags:       splitList(q.Get("tags")),
		Resolution: q.Get("resolution"),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filter.Page = page
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	switch status := store.VideoStatus(strings.ToUpper(q.Get("status"))); status {
	case store.VideoPending, store.VideoProcessing, store.VideoReady, store.VideoFailed:
		filter.Status = status
	}
	if from, ok := parseDate(q.Get("dateFrom")); ok {
		filter.DateFrom = from
	}
	if to, ok := parseDate(q.Get("dateTo")); ok {
		filter.DateTo = to
	}
	return filter
}

func parseDate(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, true
	}
	if ts, err := time.Parse("2006-01-02", raw); err == nil {
		return ts, true
	}
	return time.Time{}, false
}

// GetVideo returns the video row plus its rendition outputs and job summary.
func (d *CascadeAPIHandlersCollection) GetVideo() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		requestID := requests.GetRequestId(req)
		videoID := params.ByName("id")

		video, err := d.Repo.GetVideo(req.Context(), videoID)
		if err != nil {
			d.writeVideoError(w, requestID, videoID, err)
			return
		}

		data := map[string]any{"video": video}
		if outputs, err := d.Repo.GetOutputs(req.Context(), videoID); err == nil {
			data["outputs"] = outputs
		} else {
			log.LogError(requestID, "error fetching outputs", err, "video_id", videoID)
		}
		if job, err := d.Repo.GetJobForVideo(req.Context(), videoID); err == nil {
			data["job"] = summarizeJob(job)
		}
		respond(w, requestID, http.StatusOK, data)
	}
}

// GetVideoStatus is the polling endpoint clients hit while a video
// transcodes: current status plus the live progress snapshot.
func (d *CascadeAPIHandlersCollection) GetVideoStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		requestID := requests.GetRequestId(req)
		videoID := params.ByName("id")

		status, err := d.Repo.GetVideoStatus(req.Context(), videoID)
		if err != nil {
			d.writeVideoError(w, requestID, videoID, err)
			return
		}

		data := map[string]any{"status": status}
		if job, err := d.Repo.GetJobForVideo(req.Context(), videoID); err == nil {
			data["job"] = summarizeJob(job)
		}
		respond(w, requestID, http.StatusOK, data)
	}
}

// DeleteVideo removes the video row and then sweeps its blobs and any queue
// entry. Blob cleanup is best effort: orphaned files are preferable to a
// delete that reports failure after the rows are gone.
func (d *CascadeAPIHandlersCollection) DeleteVideo() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		requestID := requests.GetRequestId(req)
		videoID := params.ByName("id")
		ctx := req.Context()

		video, err := d.Repo.GetVideo(ctx, videoID)
		if err != nil {
			d.writeVideoError(w, requestID, videoID, err)
			return
		}
		if err := d.Repo.DeleteVideo(ctx, videoID); err != nil {
			d.writeVideoError(w, requestID, videoID, err)
			return
		}

		if err := d.Queue.Remove(ctx, store.JobKey(videoID)); err != nil {
			log.LogError(requestID, "error removing queue entry", err, "video_id", videoID)
		}
		rawKey := video.UploadPath
		if rawKey == "" {
			rawKey = storage.RawPath(videoID, video.Extension)
		}
		for _, cleanup := range []func() error{
			func() error { return d.Blobs.DeletePrefix(ctx, storage.HLSPrefix(videoID)) },
			func() error { return d.Blobs.DeletePrefix(ctx, storage.ThumbnailPrefix(videoID)) },
			func() error { return d.Blobs.Delete(ctx, rawKey) },
		} {
			if err := cleanup(); err != nil && !xerrors.IsObjectNotFound(err) {
				log.LogError(requestID, "error deleting blobs", err, "video_id", videoID)
			}
		}

		log.Log(requestID, "video deleted", "video_id", videoID)
		respond(w, requestID, http.StatusOK, map[string]any{"id": videoID, "deleted": true})
	}
}

// RetryVideo re-enqueues a finished video's transcode at high priority.
func (d *CascadeAPIHandlersCollection) RetryVideo() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		requestID := requests.GetRequestId(req)
		videoID := params.ByName("id")

		if err := d.Producer.Reenqueue(req.Context(), requestID, videoID); err != nil {
			log.LogError(requestID, "error retrying video", err, "video_id", videoID)
			switch {
			case errors.Is(err, xerrors.ErrVideoNotFound), errors.Is(err, xerrors.ErrJobNotFound):
				xerrors.WriteHTTPVideoNotFound(w, "no video with id "+videoID, nil)
			case errors.Is(err, xerrors.ErrIllegalTransition):
				xerrors.WriteHTTPBadRequest(w, xerrors.CodeVideoProcessingError, "video is currently being processed", nil)
			case errors.Is(err, xerrors.ErrQueueUnavailable):
				xerrors.WriteHTTPQueueUnavailable(w, "could not queue the transcode", nil)
			default:
				xerrors.WriteHTTPDBUnavailable(w, "could not reset the video", nil)
			}
			return
		}

		data := map[string]any{"id": videoID}
		if job, err := d.Repo.GetJobForVideo(req.Context(), videoID); err == nil {
			data["job"] = summarizeJob(job)
		}
		respond(w, requestID, http.StatusOK, data)
	}
}

func (d *CascadeAPIHandlersCollection) writeVideoError(w http.ResponseWriter, requestID, videoID string, err error) {
	if errors.Is(err, xerrors.ErrVideoNotFound) {
		xerrors.WriteHTTPVideoNotFound(w, "no video with id "+videoID, nil)
		return
	}
	log.LogError(requestID, "error fetching video", err, "video_id", videoID)
	xerrors.WriteHTTPDBUnavailable(w, "could not fetch video", nil)
}
