// Package playback gates HLS delivery on processing state. Every byte
// served passes a readiness check against the database first, so outputs
// that are still being written are never exposed to players.
package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	xerrors "github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/log"
	"github.com/cascadevideo/cascade-api/storage"
	"github.com/cascadevideo/cascade-api/store"
	"github.com/cascadevideo/cascade-api/video"
)

type Streamer struct {
	repo  *store.Repository
	blobs storage.Storage
}

func NewStreamer(repo *store.Repository, blobs storage.Storage) *Streamer {
	return &Streamer{repo: repo, blobs: blobs}
}

type Response struct {
	Body        io.ReadCloser
	ContentType string
}

// MasterPlaylist serves the stored master manifest. If the blob has gone
// missing it is regenerated from the output rows, which produces the same
// bytes the transcoder wrote.
func (s *Streamer) MasterPlaylist(ctx context.Context, requestID, videoID string) (*Response, error) {
	if err := s.checkVideoReady(ctx, videoID); err != nil {
		return nil, err
	}
	outputs, err := s.repo.GetOutputs(ctx, videoID)
	if err != nil {
		return nil, err
	}
	ready := readyOutputs(outputs)
	if len(ready) == 0 {
		return nil, fmt.Errorf("video %s has no playable outputs: %w", videoID, xerrors.ErrNotReady)
	}

	key := storage.MasterPlaylistPath(videoID)
	rc, err := s.blobs.Get(ctx, key)
	if xerrors.IsObjectNotFound(err) {
		log.Log(requestID, "stored master playlist missing, regenerating", "video_id", videoID)
		content := composeMaster(ready)
		// Re-persist so the next request finds the stored copy again.
		if perr := s.blobs.Put(ctx, key, bytes.NewReader(content)); perr != nil {
			log.LogError(requestID, "error storing regenerated master playlist", perr, "video_id", videoID)
		}
		return &Response{
			Body:        io.NopCloser(bytes.NewReader(content)),
			ContentType: "application/vnd.apple.mpegurl",
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Response{Body: rc, ContentType: "application/vnd.apple.mpegurl"}, nil
}

func (s *Streamer) VariantPlaylist(ctx context.Context, videoID, resolution string) (*Response, error) {
	if err := s.checkVideoReady(ctx, videoID); err != nil {
		return nil, err
	}
	output, err := s.checkOutputReady(ctx, videoID, resolution)
	if err != nil {
		return nil, err
	}
	rc, err := s.blobs.Get(ctx, output.PlaylistPath)
	if err != nil {
		return nil, err
	}
	return &Response{Body: rc, ContentType: "application/vnd.apple.mpegurl"}, nil
}

func (s *Streamer) Segment(ctx context.Context, videoID, resolution, name string) (*Response, error) {
	if !storage.IsSegmentName(name) {
		return nil, fmt.Errorf("segment name %q: %w", name, xerrors.ErrInvalidSegmentName)
	}
	if err := s.checkVideoReady(ctx, videoID); err != nil {
		return nil, err
	}
	output, err := s.checkOutputReady(ctx, videoID, resolution)
	if err != nil {
		return nil, err
	}
	rc, err := s.blobs.Get(ctx, path.Join(output.SegmentDir, name))
	if err != nil {
		return nil, err
	}
	return &Response{Body: rc, ContentType: "video/mp2t"}, nil
}

func (s *Streamer) Thumbnail(ctx context.Context, videoID string) (*Response, error) {
	vid, err := s.repo.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if vid.Status != store.VideoReady || vid.ThumbnailPath == "" {
		return nil, fmt.Errorf("video %s has no thumbnail yet: %w", videoID, xerrors.ErrNotReady)
	}
	rc, err := s.blobs.Get(ctx, vid.ThumbnailPath)
	if err != nil {
		return nil, err
	}
	return &Response{Body: rc, ContentType: "image/jpeg"}, nil
}

func (s *Streamer) checkVideoReady(ctx context.Context, videoID string) error {
	status, err := s.repo.GetVideoStatus(ctx, videoID)
	if err != nil {
		return err
	}
	if status != store.VideoReady {
		return fmt.Errorf("video %s status is %s: %w", videoID, status, xerrors.ErrNotReady)
	}
	return nil
}

func (s *Streamer) checkOutputReady(ctx context.Context, videoID, resolution string) (store.VideoOutput, error) {
	output, err := s.repo.GetOutput(ctx, videoID, resolution)
	if err != nil {
		return store.VideoOutput{}, err
	}
	if output.Status != store.OutputReady {
		return store.VideoOutput{}, fmt.Errorf("output %s/%s status is %s: %w",
			videoID, resolution, output.Status, xerrors.ErrOutputUnavailable)
	}
	return output, nil
}

func readyOutputs(outputs []store.VideoOutput) []store.VideoOutput {
	ready := make([]store.VideoOutput, 0, len(outputs))
	for _, o := range outputs {
		if o.Status == store.OutputReady {
			ready = append(ready, o)
		}
	}
	return ready
}

func composeMaster(outputs []store.VideoOutput) []byte {
	variants := make([]video.MasterVariant, 0, len(outputs))
	for _, out := range outputs {
		variants = append(variants, video.MasterVariant{
			URI:       path.Join(out.Resolution, "playlist.m3u8"),
			Bandwidth: out.Bitrate * 1000,
			Width:     out.Width,
			Height:    out.Height,
		})
	}
	return video.ComposeMasterPlaylist(variants)
}
