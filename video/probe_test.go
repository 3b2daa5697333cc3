package video

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/vansante/go-ffprobe.v2"

	xerrors "github.com/cascadevideo/cascade-api/errors"
)

func TestItRejectsWhenNoVideoTrackPresent(t *testing.T) {
	_, err := parseProbeOutput(&ffprobe.ProbeData{
		Streams: []*ffprobe.Stream{
			{
				CodecType: "audio",
			},
		},
	})
	require.ErrorContains(t, err, "no video stream found")
	require.True(t, xerrors.IsUnretriable(err))
}

func TestItRejectsWhenMJPEGVideoTrackPresent(t *testing.T) {
	_, err := parseProbeOutput(&ffprobe.ProbeData{
		Streams: []*ffprobe.Stream{
			{
				CodecType: "video",
				CodecName: "mjpeg",
			},
		},
	})
	require.ErrorContains(t, err, "mjpeg is not supported")

	_, err = parseProbeOutput(&ffprobe.ProbeData{
		Streams: []*ffprobe.Stream{
			{
				CodecType: "video",
				CodecName: "png",
			},
		},
	})
	require.ErrorContains(t, err, "png is not supported")
}

func TestItRejectsWhenFormatMissing(t *testing.T) {
	_, err := parseProbeOutput(&ffprobe.ProbeData{
		Streams: []*ffprobe.Stream{
			{
				CodecType: "video",
			},
		},
	})
	require.ErrorContains(t, err, "format information missing")
	require.True(t, xerrors.IsUnretriable(err))
}

func TestProbeOutputParsing(t *testing.T) {
	mi, err := parseProbeOutput(&ffprobe.ProbeData{
		Format: &ffprobe.Format{
			FormatName: "mov,mp4,m4a,3gp,3g2,mj2",
			BitRate:    "5000000",
			Size:       "123456789",
		},
		Streams: []*ffprobe.Stream{
			{
				CodecType:          "video",
				CodecName:          "h264",
				PixFmt:             "yuv420p",
				Width:              1920,
				Height:             1080,
				AvgFrameRate:       "30000/1001",
				Duration:           "123.5",
				DisplayAspectRatio: "16:9",
			},
			{
				CodecType: "audio",
				CodecName: "aac",
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "mov,mp4,m4a,3gp,3g2,mj2", mi.Format)
	require.Equal(t, "h264", mi.Codec)
	require.Equal(t, int64(1920), mi.Width)
	require.Equal(t, int64(1080), mi.Height)
	require.Equal(t, 123.5, mi.DurationSec)
	require.Equal(t, int64(5_000_000), mi.Bitrate)
	require.Equal(t, int64(123456789), mi.SizeBytes)
	require.InDelta(t, 29.97, mi.FPS, 0.01)
	require.Equal(t, "16:9", mi.DisplayAspectRatio)
	require.True(t, mi.HasAudio)
	require.Equal(t, "aac", mi.AudioCodec)
}

func TestDurationFallsBackToFormat(t *testing.T) {
	mi, err := parseProbeOutput(&ffprobe.ProbeData{
		Format: &ffprobe.Format{
			FormatName:      "matroska,webm",
			DurationSeconds: 60.25,
		},
		Streams: []*ffprobe.Stream{
			{
				CodecType:    "video",
				CodecName:    "vp8",
				AvgFrameRate: "0/0",
				RFrameRate:   "25/1",
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 60.25, mi.DurationSec)
	require.Equal(t, 25.0, mi.FPS)
	require.False(t, mi.HasAudio)
}

func TestParseFps(t *testing.T) {
	tests := []struct {
		framerate string
		expected  float64
		wantErr   bool
	}{
		{framerate: "", expected: 0},
		{framerate: "0/0", expected: 0},
		{framerate: "1/0", expected: 0},
		{framerate: "30/1", expected: 30},
		{framerate: "30000/1001", expected: 29.97002997},
		{framerate: "25", expected: 25},
		{framerate: "abc/def", wantErr: true},
	}
	for _, tt := range tests {
		fps, err := parseFps(tt.framerate)
		if tt.wantErr {
			require.Error(t, err, tt.framerate)
			continue
		}
		require.NoError(t, err, tt.framerate)
		require.InDelta(t, tt.expected, fps, 0.0001, tt.framerate)
	}
}
