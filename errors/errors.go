package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cascadevideo/cascade-api/log"
	"github.com/cenkalti/backoff/v4"
)

// Stable machine-readable error codes returned in the response envelope.
// Clients match on these, never on message text.
const (
	CodeFileRequired       = "FILE_REQUIRED"
	CodeInvalidFileFormat  = "INVALID_FILE_FORMAT"
	CodeFileTooLarge       = "FILE_TOO_LARGE"
	CodeTitleRequired      = "TITLE_REQUIRED"
	CodeTitleTooLong       = "TITLE_TOO_LONG"
	CodeDescriptionTooLong = "DESCRIPTION_TOO_LONG"
	CodeInvalidTagsFormat  = "INVALID_TAGS_FORMAT"
	CodeTooManyTags        = "TOO_MANY_TAGS"
	CodeInvalidTag         = "INVALID_TAG"
	CodeInvalidSegmentName = "INVALID_SEGMENT_NAME"

	CodeVideoNotFound          = "VIDEO_NOT_FOUND"
	CodePlaylistNotFound       = "PLAYLIST_NOT_FOUND"
	CodeMasterPlaylistNotFound = "MASTER_PLAYLIST_NOT_FOUND"
	CodeSegmentNotFound        = "SEGMENT_NOT_FOUND"
	CodeThumbnailNotFound      = "THUMBNAIL_NOT_FOUND"

	CodeVideoProcessingError = "VIDEO_PROCESSING_ERROR"
	CodeTranscodingFailed    = "TRANSCODING_FAILED"
	CodeAllRenditionsFailed  = "ALL_RENDITIONS_FAILED"

	CodeQueueUnavailable    = "QUEUE_UNAVAILABLE"
	CodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	CodeDBUnavailable       = "DB_UNAVAILABLE"
	CodeInternalServerError = "INTERNAL_SERVER_ERROR"
)

// Sentinel errors used for dispatch between layers. Lower layers wrap these
// with fmt.Errorf("...: %w", err); handlers branch with errors.Is.
var (
	ErrVideoNotFound       = errors.New("video not found")
	ErrJobNotFound         = errors.New("transcoding job not found")
	ErrNotReady            = errors.New("video is not ready for playback")
	ErrOutputUnavailable   = errors.New("rendition is not available for this video")
	ErrInvalidSegmentName  = errors.New("segment name is invalid")
	ErrIllegalTransition   = errors.New("illegal status transition")
	ErrAllRenditionsFailed = errors.New("all renditions failed to encode")

	// Infrastructure sentinels. The producer tags each stage of an upload
	// with one of these so the HTTP edge can report which dependency broke.
	ErrQueueUnavailable   = errors.New("job queue is unavailable")
	ErrStorageUnavailable = errors.New("storage backend is unavailable")
	ErrDBUnavailable      = errors.New("database is unavailable")
)

// APIError is the parsed form of a written error response, returned so
// callers can observe the status that went out.
type APIError struct {
	Code    string `json:"code"`
	Msg     string `json:"message"`
	Details any    `json:"details,omitempty"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

type errorEnvelope struct {
	StatusCode int       `json:"statusCode"`
	Data       any       `json:"data"`
	Error      *APIError `json:"error"`
}

func writeHTTPError(w http.ResponseWriter, code, msg string, status int, err error) APIError {
	message := msg
	if err != nil {
		message = msg + ": " + err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	out := errorEnvelope{StatusCode: status, Error: &APIError{Code: code, Msg: message}}
	if encErr := json.NewEncoder(w).Encode(out); encErr != nil {
		log.LogNoRequestID("error writing HTTP error", "http_error_msg", msg, "error", encErr)
	}
	return APIError{Code: code, Msg: message, Status: status, Err: err}
}

// WriteHTTPBadRequest writes a 400 with the given input-validation code.
func WriteHTTPBadRequest(w http.ResponseWriter, code, msg string, err error) APIError {
	return writeHTTPError(w, code, msg, http.StatusBadRequest, err)
}

func WriteHTTPFileTooLarge(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, CodeFileTooLarge, msg, http.StatusRequestEntityTooLarge, err)
}

func WriteHTTPUnsupportedFormat(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, CodeInvalidFileFormat, msg, http.StatusUnsupportedMediaType, err)
}

func WriteHTTPVideoNotFound(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, CodeVideoNotFound, msg, http.StatusNotFound, err)
}

func WriteHTTPPlaylistNotFound(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, CodePlaylistNotFound, msg, http.StatusNotFound, err)
}

func WriteHTTPMasterPlaylistNotFound(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, CodeMasterPlaylistNotFound, msg, http.StatusNotFound, err)
}

func WriteHTTPSegmentNotFound(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, CodeSegmentNotFound, msg, http.StatusNotFound, err)
}

func WriteHTTPThumbnailNotFound(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, CodeThumbnailNotFound, msg, http.StatusNotFound, err)
}

func WriteHTTPInvalidSegmentName(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, CodeInvalidSegmentName, msg, http.StatusBadRequest, err)
}

func WriteHTTPQueueUnavailable(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, CodeQueueUnavailable, msg, http.StatusInternalServerError, err)
}

func WriteHTTPStorageUnavailable(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, CodeStorageUnavailable, msg, http.StatusInternalServerError, err)
}

func WriteHTTPDBUnavailable(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, CodeDBUnavailable, msg, http.StatusInternalServerError, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, CodeInternalServerError, msg, http.StatusInternalServerError, err)
}

// unretriableError is an error that should not be retried by the worker.
type unretriableError struct{ error }

func (e unretriableError) Unwrap() error { return e.error }

// Unretriable returns an error that will stop backoff retry loops and mark
// the surrounding job as permanently failed.
func Unretriable(err error) error {
	return backoff.Permanent(unretriableError{err})
}

// IsUnretriable returns whether the given error is an unretriable error.
func IsUnretriable(err error) bool {
	return errors.As(err, &unretriableError{})
}

type objectNotFoundError struct {
	msg string
	err error
}

func (e objectNotFoundError) Error() string { return e.msg }

func (e objectNotFoundError) Unwrap() error { return e.err }

// NewObjectNotFoundError creates an unretriable error for a missing storage
// object. It is not wrapped with backoff.Permanent so callers that only care
// about the not-found property can still detect it with IsObjectNotFound.
func NewObjectNotFoundError(msg string, err error) error {
	return unretriableError{objectNotFoundError{msg: msg, err: err}}
}

func IsObjectNotFound(err error) bool {
	return errors.As(err, &objectNotFoundError{})
}
