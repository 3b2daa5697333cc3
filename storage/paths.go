package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Canonical key layout. Everything the pipeline writes lives under one of
// these prefixes:
//
//	uploads/raw/{videoID}{ext}                 original upload
//	hls/{videoID}/{rendition}/playlist.m3u8    variant playlist
//	hls/{videoID}/{rendition}/segment_NNN.ts   MPEG-TS segments
//	hls/{videoID}/master.m3u8                  master playlist
//	thumbnails/{videoID}/thumbnail.jpg         poster frame

func RawPath(videoID, ext string) string {
	return path.Join("uploads", "raw", videoID+NormalizeExt(ext))
}

func VariantPlaylistPath(videoID, rendition string) string {
	return path.Join("hls", videoID, rendition, "playlist.m3u8")
}

func SegmentPath(videoID, rendition string, n int) string {
	return path.Join("hls", videoID, rendition, fmt.Sprintf("segment_%03d.ts", n))
}

func MasterPlaylistPath(videoID string) string {
	return path.Join("hls", videoID, "master.m3u8")
}

func ThumbnailPath(videoID string) string {
	return path.Join("thumbnails", videoID, "thumbnail.jpg")
}

func HLSPrefix(videoID string) string {
	return path.Join("hls", videoID) + "/"
}

func ThumbnailPrefix(videoID string) string {
	return path.Join("thumbnails", videoID) + "/"
}

var segmentNameRE = regexp.MustCompile(`^segment_\d{3}\.ts$`)

// IsSegmentName reports whether name is exactly a canonical segment
// filename as written by the transcoder's segment template.
func IsSegmentName(name string) bool {
	return segmentNameRE.MatchString(name)
}

// NormalizeExt lowercases an extension and guarantees a single leading dot,
// so ".MP4", "mp4" and "MP4" all key the same raw object.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	return "." + strings.TrimPrefix(ext, ".")
}
