package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/log"
	"github.com/cascadevideo/cascade-api/metrics"
	"github.com/cascadevideo/cascade-api/pipeline"
	"github.com/cascadevideo/cascade-api/requests"
	"github.com/julienschmidt/httprouter"
)

// multipartMemoryLimit is how much of a parsed form stays in memory before
// the file part spills to a temp file.
const multipartMemoryLimit = 32 << 20

// UploadVideo accepts a multipart video upload and queues it for
// transcoding. Fields: file (required), title (required), description, tags,
// resolutions.
func (d *CascadeAPIHandlersCollection) UploadVideo() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		startTime := time.Now()
		success, apiErr := d.handleUploadVideo(w, req)

		status := http.StatusCreated
		if !success {
			status = apiErr.Status
		}
		metrics.Metrics.UploadRequestCount.Inc()
		metrics.Metrics.UploadRequestDurationSec.
			WithLabelValues(strconv.FormatBool(success), strconv.Itoa(status)).
			Observe(time.Since(startTime).Seconds())
	}
}

func (d *CascadeAPIHandlersCollection) handleUploadVideo(w http.ResponseWriter, req *http.Request) (bool, xerrors.APIError) {
	requestID := requests.GetRequestId(req)

	if !HasContentType(req, "multipart/form-data") {
		return false, xerrors.WriteHTTPBadRequest(w, xerrors.CodeFileRequired, "expected multipart/form-data", nil)
	}

	// The byte cap is enforced again while streaming to storage; this guard
	// keeps an oversized body from filling the form parser's temp space.
	req.Body = http.MaxBytesReader(w, req.Body, pipeline.MaxUploadBytes+multipartMemoryLimit)
	if err := req.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return false, xerrors.WriteHTTPFileTooLarge(w, "request body exceeds the upload limit", nil)
		}
		return false, xerrors.WriteHTTPBadRequest(w, xerrors.CodeFileRequired, "cannot parse multipart form", err)
	}

	file, header, err := req.FormFile("file")
	if err != nil {
		return false, xerrors.WriteHTTPBadRequest(w, xerrors.CodeFileRequired, "file field is required", nil)
	}
	defer file.Close()

	tags, err := pipeline.ParseTags(req.FormValue("tags"))
	if err != nil {
		return false, d.writeIngestError(w, requestID, err)
	}

	upload := pipeline.UploadRequest{
		Title:       req.FormValue("title"),
		Description: req.FormValue("description"),
		Tags:        tags,
		Filename:    header.Filename,
		MimeType:    header.Header.Get("Content-Type"),
		Size:        header.Size,
		Resolutions: splitList(req.FormValue("resolutions")),
		Content:     file,
	}

	video, err := d.Producer.Ingest(req.Context(), requestID, upload)
	if err != nil {
		return false, d.writeIngestError(w, requestID, err)
	}

	data := map[string]any{"video": video}
	if job, err := d.Repo.GetJobForVideo(req.Context(), video.ID); err == nil {
		data["job"] = summarizeJob(job)
	}
	respond(w, requestID, http.StatusCreated, data)
	return true, xerrors.APIError{}
}

func (d *CascadeAPIHandlersCollection) writeIngestError(w http.ResponseWriter, requestID string, err error) xerrors.APIError {
	log.LogError(requestID, "upload rejected", err)

	var vErr *pipeline.ValidationError
	if errors.As(err, &vErr) {
		switch vErr.Code {
		case xerrors.CodeFileTooLarge:
			return xerrors.WriteHTTPFileTooLarge(w, vErr.Message, nil)
		case xerrors.CodeInvalidFileFormat:
			return xerrors.WriteHTTPUnsupportedFormat(w, vErr.Message, nil)
		default:
			return xerrors.WriteHTTPBadRequest(w, vErr.Code, vErr.Message, nil)
		}
	}
	switch {
	case errors.Is(err, xerrors.ErrQueueUnavailable):
		return xerrors.WriteHTTPQueueUnavailable(w, "could not queue the transcode", nil)
	case errors.Is(err, xerrors.ErrStorageUnavailable):
		return xerrors.WriteHTTPStorageUnavailable(w, "could not store the upload", nil)
	case errors.Is(err, xerrors.ErrDBUnavailable):
		return xerrors.WriteHTTPDBUnavailable(w, "could not record the upload", nil)
	default:
		return xerrors.WriteHTTPInternalServerError(w, "internal server error", nil)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
