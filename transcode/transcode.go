// Package transcode turns one uploaded source file into an HLS rendition
// ladder: per-rendition variant playlists plus segments, a master playlist,
// and a poster thumbnail, all written through the storage layer.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	xerrors "github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/log"
	"github.com/cascadevideo/cascade-api/metrics"
	"github.com/cascadevideo/cascade-api/storage"
	"github.com/cascadevideo/cascade-api/video"
)

const uploadConcurrency = 5

// Request describes one transcoding run. Metadata may be nil, in which
// case the source is probed before encoding. OutputPrefix defaults to the
// canonical hls/{videoID}/ location.
type Request struct {
	RequestID            string
	VideoID              string
	InputPath            string
	OutputPrefix         string
	RequestedResolutions []string
	Metadata             *video.MediaInfo
	OnProgress           func(ProgressUpdate)
}

type ProgressUpdate struct {
	Percent              float64
	CurrentResolution    string
	CompletedResolutions []string
}

// Output describes one successfully produced rendition. Paths are storage
// keys; SegmentPaths are sorted lexicographically.
type Output struct {
	Resolution   string
	Width        int64
	Height       int64
	Bitrate      int64
	PlaylistPath string
	SegmentPaths []string
	FileSize     int64
	Duration     float64
}

type Result struct {
	Outputs []Output
	// FailedResolutions are renditions whose encode was attempted and
	// failed. Renditions filtered out before encoding land in
	// SkippedResolutions instead.
	FailedResolutions  []string
	SkippedResolutions []string
	MasterPlaylistPath string
}

type Transcoder struct {
	store  storage.Storage
	prober video.Prober
	runner Runner
}

func NewTranscoder(store storage.Storage, prober video.Prober, runner Runner) *Transcoder {
	return &Transcoder{store: store, prober: prober, runner: runner}
}

// TranscodeToHLS encodes the source into every applicable rendition. A
// single rendition failing is logged and skipped; the call only errors when
// no rendition succeeds or when outputs cannot be stored.
func (t *Transcoder) TranscodeToHLS(ctx context.Context, req Request) (Result, error) {
	workDir, err := os.MkdirTemp(os.TempDir(), "transcode-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to make temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	sourceFile, err := t.localizeSource(ctx, req.RequestID, req.InputPath, workDir)
	if err != nil {
		return Result{}, err
	}

	meta := req.Metadata
	if meta == nil {
		probed, err := t.prober.ProbeFile(req.RequestID, sourceFile)
		if err != nil {
			return Result{}, err
		}
		meta = &probed
	}

	outputPrefix := req.OutputPrefix
	if outputPrefix == "" {
		outputPrefix = storage.HLSPrefix(req.VideoID)
	}

	renditions, skipped := pickRenditions(req.RequestID, req.RequestedResolutions, meta)
	if len(renditions) == 0 {
		return Result{SkippedResolutions: skipped},
			fmt.Errorf("no renditions applicable for %dx%d source: %w", meta.Width, meta.Height, xerrors.ErrAllRenditionsFailed)
	}

	var (
		outputs  []Output
		failed   []string
		progress = newProgressAggregator(len(renditions), req.OnProgress)
	)
	for i, rendition := range renditions {
		encodeStart := time.Now()
		files, err := t.encodeRendition(ctx, sourceFile, workDir, rendition, meta, progress.renditionFunc(i, rendition.Name))
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, err
			}
			log.LogError(req.RequestID, "rendition encode failed, continuing", err, "video_id", req.VideoID, "resolution", rendition.Name)
			failed = append(failed, rendition.Name)
			progress.finishRendition(i, rendition.Name)
			continue
		}
		metrics.Metrics.TranscodeDurationSec.WithLabelValues(rendition.Name).Observe(time.Since(encodeStart).Seconds())

		out, err := t.uploadRendition(ctx, outputPrefix, rendition, files)
		if err != nil {
			return Result{FailedResolutions: failed, SkippedResolutions: skipped}, err
		}
		log.Log(req.RequestID, "rendition complete", "video_id", req.VideoID, "resolution", rendition.Name,
			"segments", len(out.SegmentPaths), "bytes", out.FileSize)
		outputs = append(outputs, out)
		progress.markCompleted(rendition.Name)
		progress.finishRendition(i, rendition.Name)
	}

	if len(outputs) == 0 {
		return Result{FailedResolutions: failed, SkippedResolutions: skipped},
			fmt.Errorf("all %d attempted renditions failed: %w", len(renditions), xerrors.ErrAllRenditionsFailed)
	}

	masterPath, err := t.writeMasterPlaylist(ctx, outputPrefix, outputs)
	if err != nil {
		return Result{Outputs: outputs, FailedResolutions: failed, SkippedResolutions: skipped}, err
	}

	return Result{
		Outputs:            outputs,
		FailedResolutions:  failed,
		SkippedResolutions: skipped,
		MasterPlaylistPath: masterPath,
	}, nil
}

// pickRenditions intersects the requested labels with the known ladder and
// drops anything the source cannot fill without upscaling. Request order is
// preserved; dropped labels are returned for reporting.
func pickRenditions(requestID string, requested []string, meta *video.MediaInfo) ([]video.Rendition, []string) {
	if len(requested) == 0 {
		requested = video.LadderLabels()
	}
	matched, unknown := video.RenditionsForLabels(requested)
	for _, label := range unknown {
		log.Log(requestID, "ignoring unknown resolution label", "resolution", label)
	}

	keep := video.FilterUpscaling(matched, meta.Height)
	kept := make(map[string]bool, len(keep))
	for _, r := range keep {
		kept[r.Name] = true
	}

	skipped := append([]string{}, unknown...)
	for _, r := range matched {
		if !kept[r.Name] {
			log.Log(requestID, "skipping rendition above source resolution",
				"resolution", r.Name, "source_height", meta.Height)
			skipped = append(skipped, r.Name)
		}
	}
	return keep, skipped
}

type renditionFiles struct {
	dir      string
	segments []string
	duration float64
}

// encodeRendition runs one ffmpeg invocation into a per-rendition work dir
// and validates what came out of it.
func (t *Transcoder) encodeRendition(ctx context.Context, sourceFile, workDir string, r video.Rendition, meta *video.MediaInfo, onProgress func(float64)) (renditionFiles, error) {
	dir := filepath.Join(workDir, r.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return renditionFiles{}, fmt.Errorf("failed to create rendition dir: %w", err)
	}

	cmd := Command{
		Input:          sourceFile,
		Output:         filepath.Join(dir, "playlist.m3u8"),
		OutputArgs:     hlsEncodeArgs(r, dir),
		SourceDuration: meta.DurationSec,
	}
	if err := t.runner.Run(ctx, cmd, onProgress); err != nil {
		return renditionFiles{}, err
	}

	playlistFile, err := os.Open(cmd.Output)
	if err != nil {
		return renditionFiles{}, fmt.Errorf("rendition playlist missing: %w", err)
	}
	defer playlistFile.Close()
	playlist, err := video.DecodeMediaPlaylist(playlistFile)
	if err != nil {
		return renditionFiles{}, fmt.Errorf("rendition playlist unreadable: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return renditionFiles{}, fmt.Errorf("failed to list rendition dir: %w", err)
	}
	var segments []string
	for _, entry := range entries {
		if storage.IsSegmentName(entry.Name()) {
			segments = append(segments, entry.Name())
		}
	}
	sort.Strings(segments)
	if len(segments) == 0 {
		return renditionFiles{}, fmt.Errorf("no segments produced for %s", r.Name)
	}

	return renditionFiles{
		dir:      dir,
		segments: segments,
		duration: video.MediaPlaylistDuration(playlist),
	}, nil
}

// uploadRendition pushes the playlist and all segments to storage. Unlike
// encode errors, a failed upload aborts the whole run: the attempt can be
// retried once the store recovers.
func (t *Transcoder) uploadRendition(ctx context.Context, outputPrefix string, r video.Rendition, files renditionFiles) (Output, error) {
	type upload struct {
		local string
		key   string
	}
	uploads := []upload{{
		local: filepath.Join(files.dir, "playlist.m3u8"),
		key:   path.Join(outputPrefix, r.Name, "playlist.m3u8"),
	}}
	for _, name := range files.segments {
		uploads = append(uploads, upload{
			local: filepath.Join(files.dir, name),
			key:   path.Join(outputPrefix, r.Name, name),
		})
	}

	var fileSize int64
	for _, u := range uploads {
		info, err := os.Stat(u.local)
		if err != nil {
			return Output{}, fmt.Errorf("failed to stat %q: %w", u.local, err)
		}
		fileSize += info.Size()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(uploadConcurrency)
	for _, u := range uploads {
		u := u
		group.Go(func() error {
			return backoff.RetryNotify(func() error {
				f, err := os.Open(u.local)
				if err != nil {
					return backoff.Permanent(err)
				}
				defer f.Close()
				return t.store.Put(groupCtx, u.key, f)
			}, storage.UploadRetryBackoff(), storage.UploadRetryNotify("rendition"))
		})
	}
	if err := group.Wait(); err != nil {
		return Output{}, fmt.Errorf("failed to upload rendition %s: %w", r.Name, err)
	}

	segmentKeys := make([]string, 0, len(files.segments))
	for _, name := range files.segments {
		segmentKeys = append(segmentKeys, path.Join(outputPrefix, r.Name, name))
	}
	return Output{
		Resolution:   r.Name,
		Width:        r.Width,
		Height:       r.Height,
		Bitrate:      r.Bitrate,
		PlaylistPath: path.Join(outputPrefix, r.Name, "playlist.m3u8"),
		SegmentPaths: segmentKeys,
		FileSize:     fileSize,
		Duration:     files.duration,
	}, nil
}

func (t *Transcoder) writeMasterPlaylist(ctx context.Context, outputPrefix string, outputs []Output) (string, error) {
	variants := make([]video.MasterVariant, 0, len(outputs))
	for _, out := range outputs {
		variants = append(variants, video.MasterVariant{
			URI:       path.Join(out.Resolution, "playlist.m3u8"),
			Bandwidth: out.Bitrate * 1000,
			Width:     out.Width,
			Height:    out.Height,
		})
	}
	key := path.Join(outputPrefix, "master.m3u8")
	content := video.ComposeMasterPlaylist(variants)
	err := backoff.RetryNotify(func() error {
		return t.store.Put(ctx, key, bytes.NewReader(content))
	}, storage.UploadRetryBackoff(), storage.UploadRetryNotify("master_playlist"))
	if err != nil {
		return "", fmt.Errorf("failed to upload master playlist: %w", err)
	}
	return key, nil
}

// localizeSource makes the raw upload readable by ffmpeg. When the backing
// store is the local filesystem the file is used in place, otherwise it is
// downloaded into the work dir.
func (t *Transcoder) localizeSource(ctx context.Context, requestID, key, workDir string) (string, error) {
	if pather, ok := t.store.(storage.Pather); ok {
		if abs, ok := pather.AbsolutePath(key); ok {
			if _, err := os.Stat(abs); err == nil {
				return abs, nil
			}
		}
	}

	log.Log(requestID, "downloading source", "key", key)
	rc, err := t.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to fetch source %q: %w", key, err)
	}
	defer rc.Close()

	local := filepath.Join(workDir, "source"+path.Ext(key))
	f, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("failed to create local source file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return "", fmt.Errorf("failed to download source %q: %w", key, err)
	}
	return local, nil
}
