package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/vansante/go-ffprobe.v2"

	xerrors "github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/log"
)

// Codecs that look like video to ffprobe but are really stills or slideshows.
var unsupportedVideoCodecList = []string{"mjpeg", "jpeg", "png"}

type Prober interface {
	ProbeFile(requestID, path string, ffProbeOptions ...string) (MediaInfo, error)
	// ProbeStream probes a non-seekable stream, for sources that live in
	// object storage and have no local path.
	ProbeStream(requestID string, r io.Reader) (MediaInfo, error)
}

type Probe struct{}

var _ Prober = Probe{}

func (p Probe) ProbeFile(requestID string, path string, ffProbeOptions ...string) (MediaInfo, error) {
	if len(ffProbeOptions) == 0 {
		ffProbeOptions = []string{"-loglevel", "error"}
	}
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer probeCancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, path, ffProbeOptions...)
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0 // don't impose a timeout as part of the retries
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3)); err != nil {
		log.LogError(requestID, "probe failed after retries", err, "path", path)
		return MediaInfo{}, fmt.Errorf("error probing: %w", err)
	}
	return parseProbeOutput(data)
}

// ProbeStream pipes the stream into ffprobe. Unlike ProbeFile there is no
// retry, since the reader is consumed by the first attempt.
func (p Probe) ProbeStream(requestID string, r io.Reader) (MediaInfo, error) {
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer probeCancel()
	data, err := ffprobe.ProbeReader(probeCtx, r, "-loglevel", "error")
	if err != nil {
		log.LogError(requestID, "stream probe failed", err)
		return MediaInfo{}, fmt.Errorf("error probing stream: %w", err)
	}
	return parseProbeOutput(data)
}

// parseProbeOutput turns raw ffprobe data into MediaInfo. Errors here mean
// the input itself is unusable, so they are unretriable.
func parseProbeOutput(probeData *ffprobe.ProbeData) (MediaInfo, error) {
	videoStream := probeData.FirstVideoStream()
	if videoStream == nil {
		return MediaInfo{}, xerrors.Unretriable(errors.New("error checking for video: no video stream found"))
	}
	for _, codec := range unsupportedVideoCodecList {
		if strings.ToLower(videoStream.CodecName) == codec {
			return MediaInfo{}, xerrors.Unretriable(fmt.Errorf("error checking for video: %s is not supported", videoStream.CodecName))
		}
	}
	// We rely on this being present to get required information about the
	// input video, so error out if it isn't
	if probeData.Format == nil {
		return MediaInfo{}, xerrors.Unretriable(fmt.Errorf("error parsing input video: format information missing"))
	}

	// prefer the stream bitrate, fall back to the container's
	bitRateValue := videoStream.BitRate
	if bitRateValue == "" {
		bitRateValue = probeData.Format.BitRate
	}
	var (
		bitrate int64
		err     error
	)
	if bitRateValue != "" {
		bitrate, err = strconv.ParseInt(bitRateValue, 10, 64)
		if err != nil {
			return MediaInfo{}, xerrors.Unretriable(fmt.Errorf("error parsing bitrate from probed data: %w", err))
		}
	}

	var size int64
	if probeData.Format.Size != "" {
		size, err = strconv.ParseInt(probeData.Format.Size, 10, 64)
		if err != nil {
			return MediaInfo{}, xerrors.Unretriable(fmt.Errorf("error parsing filesize from probed data: %w", err))
		}
	}

	fps, err := parseFps(videoStream.AvgFrameRate)
	if err != nil {
		return MediaInfo{}, xerrors.Unretriable(fmt.Errorf("error parsing avg fps from probed data: %w", err))
	}
	// a zero avg fps can still have valid RFrameRate, e.g. for some mkv files
	if fps == 0 {
		fps, err = parseFps(videoStream.RFrameRate)
		if err != nil {
			return MediaInfo{}, xerrors.Unretriable(fmt.Errorf("error parsing real fps from probed data: %w", err))
		}
	}

	duration, err := strconv.ParseFloat(videoStream.Duration, 64)
	if err != nil {
		duration = probeData.Format.DurationSeconds
	}

	mi := MediaInfo{
		Format:             probeData.Format.FormatName,
		DurationSec:        duration,
		SizeBytes:          size,
		Codec:              videoStream.CodecName,
		PixelFormat:        videoStream.PixFmt,
		Width:              int64(videoStream.Width),
		Height:             int64(videoStream.Height),
		FPS:                fps,
		Bitrate:            bitrate,
		DisplayAspectRatio: videoStream.DisplayAspectRatio,
	}
	if audioStream := probeData.FirstAudioStream(); audioStream != nil {
		mi.HasAudio = true
		mi.AudioCodec = audioStream.CodecName
	}
	return mi, nil
}

func parseFps(framerate string) (float64, error) {
	if framerate == "" {
		return 0, nil
	}
	parts := strings.SplitN(framerate, "/", 2)
	if len(parts) < 2 {
		fps, err := strconv.ParseFloat(framerate, 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing framerate: %w", err)
		}
		return fps, nil
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("error parsing framerate numerator: %w", err)
	}
	den, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("error parsing framerate denominator: %w", err)
	}
	// "0/0" and friends show up on broken files; treat as unknown
	if den == 0 {
		return 0, nil
	}
	return float64(num) / float64(den), nil
}
