package transcode

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/cascadevideo/cascade-api/storage"
)

const (
	thumbnailWidth  = 320
	thumbnailHeight = 240
)

// ThumbnailSeek picks the poster frame timestamp: ten seconds in, or the
// midpoint for clips shorter than that.
func ThumbnailSeek(durationSec float64) float64 {
	return math.Min(10, durationSec/2)
}

// Thumbnail extracts a single frame at seekSec and stores it as a
// letterboxed 320x240 JPEG under outPath.
func (t *Transcoder) Thumbnail(ctx context.Context, requestID, inputPath, outPath string, seekSec float64) error {
	workDir, err := os.MkdirTemp(os.TempDir(), "thumbnail-*")
	if err != nil {
		return fmt.Errorf("failed to make temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	sourceFile, err := t.localizeSource(ctx, requestID, inputPath, workDir)
	if err != nil {
		return err
	}

	outFile := filepath.Join(workDir, "thumbnail.jpg")
	cmd := Command{
		Input:      sourceFile,
		InputArgs:  ffmpeg.KwArgs{"ss": fmt.Sprintf("%.3f", seekSec)},
		Output:     outFile,
		OutputArgs: thumbnailArgs(),
	}
	if err := t.runner.Run(ctx, cmd, nil); err != nil {
		return fmt.Errorf("failed to extract thumbnail: %w", err)
	}

	err = backoff.RetryNotify(func() error {
		f, err := os.Open(outFile)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer f.Close()
		return t.store.Put(ctx, outPath, f)
	}, storage.UploadRetryBackoff(), storage.UploadRetryNotify("thumbnail"))
	if err != nil {
		return fmt.Errorf("failed to upload thumbnail: %w", err)
	}
	return nil
}
