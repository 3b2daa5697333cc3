package video

// MediaInfo describes a probed source file. It is persisted onto the video
// row once transcoding succeeds and drives the rendition ladder selection.
type MediaInfo struct {
	Format             string  `json:"format,omitempty"`
	DurationSec        float64 `json:"duration,omitempty"`
	SizeBytes          int64   `json:"size,omitempty"`
	Codec              string  `json:"codec,omitempty"`
	PixelFormat        string  `json:"pixel_format,omitempty"`
	Width              int64   `json:"width,omitempty"`
	Height             int64   `json:"height,omitempty"`
	FPS                float64 `json:"fps,omitempty"`
	Bitrate            int64   `json:"bitrate,omitempty"`
	DisplayAspectRatio string  `json:"display_aspect_ratio,omitempty"`
	HasAudio           bool    `json:"has_audio,omitempty"`
	AudioCodec         string  `json:"audio_codec,omitempty"`
}
