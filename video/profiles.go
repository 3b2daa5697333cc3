package video

// Rendition is one rung of the adaptive bitrate ladder. Bitrate is in kbps,
// matching what gets stored per output and multiplied up to BANDWIDTH in
// master playlists.
type Rendition struct {
	Name    string `json:"name"`
	Width   int64  `json:"width"`
	Height  int64  `json:"height"`
	Bitrate int64  `json:"bitrate"`
}

// MaxRate allows short-term spikes of 1.2x the target bitrate, in kbps.
func (r Rendition) MaxRate() int64 { return r.Bitrate * 12 / 10 }

// BufSize is the rate-control window, 2x the target bitrate, in kbps.
func (r Rendition) BufSize() int64 { return r.Bitrate * 2 }

// DefaultRenditionLadder is the full ladder, ordered by ascending height.
var DefaultRenditionLadder = []Rendition{
	{Name: "480p", Width: 854, Height: 480, Bitrate: 1200},
	{Name: "720p", Width: 1280, Height: 720, Bitrate: 2500},
	{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5000},
}

// LadderLabels returns the names of every rung, in ladder order.
func LadderLabels() []string {
	labels := make([]string, 0, len(DefaultRenditionLadder))
	for _, r := range DefaultRenditionLadder {
		labels = append(labels, r.Name)
	}
	return labels
}

// RenditionsForLabels resolves requested labels against the ladder,
// preserving the requested order. Labels that name no rung come back in
// unknown so the caller can log and move on.
func RenditionsForLabels(labels []string) (matched []Rendition, unknown []string) {
	for _, label := range labels {
		r, ok := RenditionByName(label)
		if !ok {
			unknown = append(unknown, label)
			continue
		}
		matched = append(matched, r)
	}
	return matched, unknown
}

// FilterUpscaling drops every rung taller than the source. A source of
// unknown (zero) height keeps nothing, so the caller fails the job rather
// than guess at an upscale.
func FilterUpscaling(renditions []Rendition, sourceHeight int64) []Rendition {
	out := make([]Rendition, 0, len(renditions))
	for _, r := range renditions {
		if sourceHeight >= r.Height {
			out = append(out, r)
		}
	}
	return out
}

// RenditionByName looks a ladder rung up by its public name, e.g. "720p".
func RenditionByName(name string) (Rendition, bool) {
	for _, r := range DefaultRenditionLadder {
		if r.Name == name {
			return r, true
		}
	}
	return Rendition{}, false
}
