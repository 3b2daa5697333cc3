package video

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/grafov/m3u8"
)

// MasterVariant is one rendition entry in a master playlist. URI is kept
// relative so the playlist works behind any public root.
type MasterVariant struct {
	URI       string
	Bandwidth int64
	Width     int64
	Height    int64
}

// ComposeMasterPlaylist renders a master playlist with the variants sorted
// by descending height, which makes players start from the highest
// rendition they can sustain.
func ComposeMasterPlaylist(variants []MasterVariant) []byte {
	sorted := make([]MasterVariant, len(variants))
	copy(sorted, variants)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Height > sorted[j].Height
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n\n")
	for _, v := range sorted {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n%s\n", v.Bandwidth, v.Width, v.Height, v.URI)
	}
	return []byte(b.String())
}

// DecodeMediaPlaylist parses a rendition playlist.
func DecodeMediaPlaylist(r io.Reader) (*m3u8.MediaPlaylist, error) {
	manifest, playlistType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, fmt.Errorf("error decoding playlist: %w", err)
	}
	if playlistType != m3u8.MEDIA {
		return nil, fmt.Errorf("expected a media playlist, got playlist type %d", playlistType)
	}
	mediaPlaylist, ok := manifest.(*m3u8.MediaPlaylist)
	if !ok || mediaPlaylist == nil {
		return nil, fmt.Errorf("failed to parse playlist as MediaPlaylist")
	}
	return mediaPlaylist, nil
}

// MediaPlaylistDuration sums the segment durations of a rendition playlist.
// The segment list is a ring buffer, so iteration stops at the first nil.
func MediaPlaylistDuration(playlist *m3u8.MediaPlaylist) float64 {
	var total float64
	for _, segment := range playlist.Segments {
		if segment == nil {
			break
		}
		total += segment.Duration
	}
	return total
}
