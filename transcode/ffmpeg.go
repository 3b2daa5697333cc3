package transcode

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/cascadevideo/cascade-api/video"
)

// SegmentSeconds is the HLS segment target length.
const SegmentSeconds = 10

const stderrTailBytes = 800

// Command is one ffmpeg invocation. SourceDuration, when known, lets the
// runner turn ffmpeg's progress reports into a percentage and bounds the
// subprocess wall clock.
type Command struct {
	Input          string
	InputArgs      ffmpeg.KwArgs
	Output         string
	OutputArgs     ffmpeg.KwArgs
	SourceDuration float64
}

// Runner executes ffmpeg. It is the one place the package shells out, so
// everything above it can be tested without spawning real subprocesses.
type Runner interface {
	Run(ctx context.Context, cmd Command, onProgress func(percent float64)) error
}

// FFmpegRunner runs the real ffmpeg binary.
type FFmpegRunner struct{}

var _ Runner = FFmpegRunner{}

func (FFmpegRunner) Run(ctx context.Context, c Command, onProgress func(float64)) error {
	ctx, cancel := context.WithTimeout(ctx, encodeDeadline(c.SourceDuration))
	defer cancel()

	var stderr bytes.Buffer
	cmd := ffmpeg.Input(c.Input, c.InputArgs).
		Output(c.Output, c.OutputArgs).
		GlobalArgs("-progress", "pipe:1", "-nostats").
		OverWriteOutput().
		WithOutput(newProgressWriter(c.SourceDuration, onProgress)).
		WithErrorOutput(&stderr).
		Compile()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting ffmpeg: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("ffmpeg aborted: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ffmpeg failed: %w [%s]", err, tail(stderr.String(), stderrTailBytes))
		}
		return nil
	}
}

// encodeDeadline bounds an invocation at 30x the source duration, with a
// floor so that short or unprobed inputs still get room to finish.
func encodeDeadline(sourceDurationSec float64) time.Duration {
	limit := time.Duration(30 * sourceDurationSec * float64(time.Second))
	if limit < 10*time.Minute {
		limit = 10 * time.Minute
	}
	return limit
}

func hlsEncodeArgs(r video.Rendition, outputDir string) ffmpeg.KwArgs {
	return ffmpeg.KwArgs{
		"c:v":                  "libx264",
		"preset":               "fast",
		"profile:v":            "main",
		"level":                "3.1",
		"pix_fmt":              "yuv420p",
		"vf":                   fmt.Sprintf("scale=-2:%d:force_original_aspect_ratio=decrease", r.Height),
		"b:v":                  fmt.Sprintf("%dk", r.Bitrate),
		"maxrate":              fmt.Sprintf("%dk", r.MaxRate()),
		"bufsize":              fmt.Sprintf("%dk", r.BufSize()),
		"c:a":                  "aac",
		"b:a":                  "128k",
		"ac":                   2,
		"ar":                   44100,
		"hls_time":             SegmentSeconds,
		"hls_list_size":        0,
		"hls_playlist_type":    "vod",
		"hls_segment_filename": filepath.Join(outputDir, "segment_%03d.ts"),
	}
}

func thumbnailArgs() ffmpeg.KwArgs {
	return ffmpeg.KwArgs{
		"vframes": 1,
		"q:v":     2,
		"vf": fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
			thumbnailWidth, thumbnailHeight, thumbnailWidth, thumbnailHeight),
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
