package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/storage"
	"github.com/cascadevideo/cascade-api/video"
)

// fakeRunner stands in for ffmpeg: it writes the files a real encode would
// produce into the command's output directory.
type fakeRunner struct {
	mu       sync.Mutex
	failFor  map[string]bool
	segments int
	inner    []float64
	inputs   []string
}

func (r *fakeRunner) Run(_ context.Context, cmd Command, onProgress func(float64)) error {
	r.mu.Lock()
	r.inputs = append(r.inputs, cmd.Input)
	r.mu.Unlock()

	for _, p := range r.inner {
		if onProgress != nil {
			onProgress(p)
		}
	}

	if filepath.Base(cmd.Output) == "thumbnail.jpg" {
		return os.WriteFile(cmd.Output, []byte{0xff, 0xd8, 0xfa, 0x4e}, 0644)
	}

	rendition := filepath.Base(filepath.Dir(cmd.Output))
	if r.failFor[rendition] {
		return fmt.Errorf("forced encode failure for %s", rendition)
	}
	segments := r.segments
	if segments == 0 {
		segments = 3
	}
	return writeFakeRendition(filepath.Dir(cmd.Output), segments)
}

func writeFakeRendition(dir string, segments int) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n")
	for i := 0; i < segments; i++ {
		name := fmt.Sprintf("segment_%03d.ts", i)
		fmt.Fprintf(&b, "#EXTINF:10.000000,\n%s\n", name)
		if err := os.WriteFile(filepath.Join(dir, name), bytes.Repeat([]byte{0x47}, 188*4), 0644); err != nil {
			return err
		}
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte(b.String()), 0644)
}

func newTestTranscoder(t *testing.T, runner Runner) (*Transcoder, *storage.LocalStorage) {
	stg, err := storage.NewLocalStorage(t.TempDir(), "/storage")
	require.NoError(t, err)
	return NewTranscoder(stg, video.Probe{}, runner), stg
}

func seedSource(t *testing.T, stg *storage.LocalStorage, videoID string) string {
	key := storage.RawPath(videoID, ".mp4")
	require.NoError(t, stg.Put(context.Background(), key, strings.NewReader("fake source bytes")))
	return key
}

func TestTranscodeFullLadder(t *testing.T) {
	runner := &fakeRunner{segments: 6, inner: []float64{25, 50, 75, 100}}
	tc, stg := newTestTranscoder(t, runner)
	ctx := context.Background()

	const videoID = "0191d0fe-0001-7000-8000-121212121212"
	sourceKey := seedSource(t, stg, videoID)

	var updates []ProgressUpdate
	result, err := tc.TranscodeToHLS(ctx, Request{
		RequestID:            "req-1",
		VideoID:              videoID,
		InputPath:            sourceKey,
		RequestedResolutions: []string{"480p", "720p", "1080p"},
		Metadata:             &video.MediaInfo{Width: 1920, Height: 1080, DurationSec: 60},
		OnProgress:           func(u ProgressUpdate) { updates = append(updates, u) },
	})
	require.NoError(t, err)
	require.Len(t, result.Outputs, 3)
	require.Empty(t, result.FailedResolutions)
	require.Empty(t, result.SkippedResolutions)
	require.Equal(t, "hls/"+videoID+"/master.m3u8", result.MasterPlaylistPath)

	out := result.Outputs[1]
	require.Equal(t, "720p", out.Resolution)
	require.EqualValues(t, 1280, out.Width)
	require.EqualValues(t, 720, out.Height)
	require.EqualValues(t, 2500, out.Bitrate)
	require.Equal(t, "hls/"+videoID+"/720p/playlist.m3u8", out.PlaylistPath)
	require.Len(t, out.SegmentPaths, 6)
	require.Equal(t, "hls/"+videoID+"/720p/segment_000.ts", out.SegmentPaths[0])
	require.True(t, sort.StringsAreSorted(out.SegmentPaths))
	require.InDelta(t, 60, out.Duration, 0.001)
	require.Greater(t, out.FileSize, int64(0))

	for _, o := range result.Outputs {
		exists, err := stg.Exists(ctx, o.PlaylistPath)
		require.NoError(t, err)
		require.True(t, exists, o.PlaylistPath)
		for _, seg := range o.SegmentPaths {
			exists, err := stg.Exists(ctx, seg)
			require.NoError(t, err)
			require.True(t, exists, seg)
		}
	}

	rc, err := stg.Get(ctx, result.MasterPlaylistPath)
	require.NoError(t, err)
	defer rc.Close()
	master, err := io.ReadAll(rc)
	require.NoError(t, err)
	expected := "#EXTM3U\n#EXT-X-VERSION:3\n\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080\n1080p/playlist.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720\n720p/playlist.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1200000,RESOLUTION=854x480\n480p/playlist.m3u8\n"
	require.Equal(t, expected, string(master))

	require.NotEmpty(t, updates)
	require.Equal(t, float64(100), updates[len(updates)-1].Percent)
	for i := 1; i < len(updates); i++ {
		require.Greater(t, updates[i].Percent, updates[i-1].Percent)
	}

	// the local driver lets ffmpeg read the upload in place
	require.Contains(t, runner.inputs[0], filepath.Join("uploads", "raw", videoID+".mp4"))
}

func TestTranscodeNeverUpscales(t *testing.T) {
	runner := &fakeRunner{}
	tc, stg := newTestTranscoder(t, runner)
	ctx := context.Background()

	const videoID = "0191d0fe-0002-7000-8000-121212121212"
	sourceKey := seedSource(t, stg, videoID)

	result, err := tc.TranscodeToHLS(ctx, Request{
		VideoID:              videoID,
		InputPath:            sourceKey,
		RequestedResolutions: []string{"480p", "720p", "1080p"},
		Metadata:             &video.MediaInfo{Width: 640, Height: 360, DurationSec: 30},
	})
	require.ErrorIs(t, err, xerrors.ErrAllRenditionsFailed)
	require.Empty(t, result.Outputs)
	require.Empty(t, result.FailedResolutions)
	require.ElementsMatch(t, []string{"480p", "720p", "1080p"}, result.SkippedResolutions)
	require.Empty(t, runner.inputs)

	exists, err := stg.Exists(ctx, storage.MasterPlaylistPath(videoID))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestTranscodePartialFailure(t *testing.T) {
	runner := &fakeRunner{failFor: map[string]bool{"720p": true}}
	tc, stg := newTestTranscoder(t, runner)
	ctx := context.Background()

	const videoID = "0191d0fe-0003-7000-8000-121212121212"
	sourceKey := seedSource(t, stg, videoID)

	result, err := tc.TranscodeToHLS(ctx, Request{
		VideoID:              videoID,
		InputPath:            sourceKey,
		RequestedResolutions: []string{"480p", "720p", "1080p"},
		Metadata:             &video.MediaInfo{Width: 1920, Height: 1080, DurationSec: 30},
	})
	require.NoError(t, err)
	require.Len(t, result.Outputs, 2)
	require.Equal(t, []string{"720p"}, result.FailedResolutions)
	require.Equal(t, "480p", result.Outputs[0].Resolution)
	require.Equal(t, "1080p", result.Outputs[1].Resolution)

	rc, err := stg.Get(ctx, result.MasterPlaylistPath)
	require.NoError(t, err)
	defer rc.Close()
	master, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Contains(t, string(master), "1080p/playlist.m3u8")
	require.Contains(t, string(master), "480p/playlist.m3u8")
	require.NotContains(t, string(master), "720p/playlist.m3u8")
}

func TestTranscodeAllRenditionsFailed(t *testing.T) {
	runner := &fakeRunner{failFor: map[string]bool{"480p": true, "720p": true, "1080p": true}}
	tc, stg := newTestTranscoder(t, runner)

	const videoID = "0191d0fe-0004-7000-8000-121212121212"
	sourceKey := seedSource(t, stg, videoID)

	result, err := tc.TranscodeToHLS(context.Background(), Request{
		VideoID:              videoID,
		InputPath:            sourceKey,
		RequestedResolutions: []string{"480p", "720p", "1080p"},
		Metadata:             &video.MediaInfo{Width: 1920, Height: 1080, DurationSec: 30},
	})
	require.ErrorIs(t, err, xerrors.ErrAllRenditionsFailed)
	require.Empty(t, result.Outputs)
	require.ElementsMatch(t, []string{"480p", "720p", "1080p"}, result.FailedResolutions)
}

func TestTranscodeSkipsUnknownLabels(t *testing.T) {
	runner := &fakeRunner{}
	tc, stg := newTestTranscoder(t, runner)

	const videoID = "0191d0fe-0005-7000-8000-121212121212"
	sourceKey := seedSource(t, stg, videoID)

	result, err := tc.TranscodeToHLS(context.Background(), Request{
		VideoID:              videoID,
		InputPath:            sourceKey,
		RequestedResolutions: []string{"4k", "720p"},
		Metadata:             &video.MediaInfo{Width: 1920, Height: 1080, DurationSec: 30},
	})
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)
	require.Equal(t, "720p", result.Outputs[0].Resolution)
	require.Equal(t, []string{"4k"}, result.SkippedResolutions)
}

func TestTranscodeDefaultsToFullLadder(t *testing.T) {
	runner := &fakeRunner{}
	tc, stg := newTestTranscoder(t, runner)

	const videoID = "0191d0fe-0006-7000-8000-121212121212"
	sourceKey := seedSource(t, stg, videoID)

	result, err := tc.TranscodeToHLS(context.Background(), Request{
		VideoID:   videoID,
		InputPath: sourceKey,
		Metadata:  &video.MediaInfo{Width: 1280, Height: 720, DurationSec: 30},
	})
	require.NoError(t, err)
	require.Len(t, result.Outputs, 2)
	require.Equal(t, "480p", result.Outputs[0].Resolution)
	require.Equal(t, "720p", result.Outputs[1].Resolution)
	require.Equal(t, []string{"1080p"}, result.SkippedResolutions)
}

func TestTranscodeMissingSource(t *testing.T) {
	runner := &fakeRunner{}
	tc, _ := newTestTranscoder(t, runner)

	_, err := tc.TranscodeToHLS(context.Background(), Request{
		VideoID:   "0191d0fe-0007-7000-8000-121212121212",
		InputPath: storage.RawPath("0191d0fe-0007-7000-8000-121212121212", ".mp4"),
		Metadata:  &video.MediaInfo{Width: 1920, Height: 1080, DurationSec: 10},
	})
	require.Error(t, err)
	require.True(t, xerrors.IsObjectNotFound(err))
}

func TestThumbnail(t *testing.T) {
	runner := &fakeRunner{}
	tc, stg := newTestTranscoder(t, runner)
	ctx := context.Background()

	const videoID = "0191d0fe-0008-7000-8000-121212121212"
	sourceKey := seedSource(t, stg, videoID)

	outKey := storage.ThumbnailPath(videoID)
	require.NoError(t, tc.Thumbnail(ctx, "req-1", sourceKey, outKey, 10))

	rc, err := stg.Get(ctx, outKey)
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(content, []byte{0xff, 0xd8}))
}

func TestThumbnailSeek(t *testing.T) {
	require.Equal(t, 10.0, ThumbnailSeek(60))
	require.Equal(t, 4.0, ThumbnailSeek(8))
	require.Equal(t, 0.0, ThumbnailSeek(0))
}

func TestEncodeDeadline(t *testing.T) {
	require.Equal(t, "30m0s", encodeDeadline(60).String())
	require.Equal(t, "10m0s", encodeDeadline(0).String())
	require.Equal(t, "10m0s", encodeDeadline(5).String())
}
