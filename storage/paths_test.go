package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathLayout(t *testing.T) {
	require.Equal(t, "uploads/raw/a1b2.mp4", RawPath("a1b2", ".mp4"))
	require.Equal(t, "uploads/raw/a1b2.mp4", RawPath("a1b2", "MP4"))
	require.Equal(t, "uploads/raw/a1b2.mov", RawPath("a1b2", ".MOV"))

	require.Equal(t, "hls/a1b2/720p/playlist.m3u8", VariantPlaylistPath("a1b2", "720p"))
	require.Equal(t, "hls/a1b2/720p/segment_000.ts", SegmentPath("a1b2", "720p", 0))
	require.Equal(t, "hls/a1b2/720p/segment_042.ts", SegmentPath("a1b2", "720p", 42))
	require.Equal(t, "hls/a1b2/720p/segment_1000.ts", SegmentPath("a1b2", "720p", 1000))
	require.Equal(t, "hls/a1b2/master.m3u8", MasterPlaylistPath("a1b2"))
	require.Equal(t, "thumbnails/a1b2/thumbnail.jpg", ThumbnailPath("a1b2"))
	require.Equal(t, "hls/a1b2/", HLSPrefix("a1b2"))
	require.Equal(t, "thumbnails/a1b2/", ThumbnailPrefix("a1b2"))
}

func TestIsSegmentName(t *testing.T) {
	for _, name := range []string{"segment_000.ts", "segment_001.ts", "segment_999.ts"} {
		require.True(t, IsSegmentName(name), name)
	}
	for _, name := range []string{
		"segment_1.ts",
		"segment_0001.ts",
		"Segment_001.ts",
		"segment_001.tsx",
		"../segment_001.ts",
		"segment_001.ts ",
		"segment_abc.ts",
		"",
	} {
		require.False(t, IsSegmentName(name), name)
	}
}

func TestNormalizeExt(t *testing.T) {
	require.Equal(t, ".mp4", NormalizeExt("mp4"))
	require.Equal(t, ".mp4", NormalizeExt(".mp4"))
	require.Equal(t, ".webm", NormalizeExt(" .WEBM "))
	require.Equal(t, "", NormalizeExt(""))
}

func TestContentTypeByPath(t *testing.T) {
	require.Equal(t, "application/vnd.apple.mpegurl", ContentTypeByPath("hls/a/master.m3u8"))
	require.Equal(t, "video/mp2t", ContentTypeByPath("hls/a/720p/segment_001.ts"))
	require.Equal(t, "image/jpeg", ContentTypeByPath("thumbnails/a/thumbnail.jpg"))
	require.Equal(t, "video/mp4", ContentTypeByPath("uploads/raw/a.mp4"))
	require.Equal(t, "application/octet-stream", ContentTypeByPath("uploads/raw/a.bin"))
}
