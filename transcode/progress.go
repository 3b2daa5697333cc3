package transcode

import (
	"bytes"
	"strconv"
	"strings"
)

// progressWriter consumes the key=value stream produced by
// `-progress pipe:1` and reports completion as a percentage of the source
// duration. ffmpeg flushes a block roughly twice a second and lines can
// arrive split across writes.
type progressWriter struct {
	durationSec float64
	onProgress  func(float64)
	buf         []byte
	last        float64
}

func newProgressWriter(durationSec float64, onProgress func(float64)) *progressWriter {
	return &progressWriter{durationSec: durationSec, onProgress: onProgress, last: -1}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
		w.handleLine(line)
	}
	return len(p), nil
}

func (w *progressWriter) handleLine(line string) {
	key, value, found := strings.Cut(line, "=")
	if !found {
		return
	}
	value = strings.TrimSpace(value)
	switch key {
	case "out_time_us":
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 || w.durationSec <= 0 {
			return
		}
		w.report(float64(us) / 1e6 / w.durationSec * 100)
	case "progress":
		if value == "end" {
			w.report(100)
		}
	}
}

// report clamps to 100 and drops duplicate or backwards values so callers
// always see a monotonic series.
func (w *progressWriter) report(percent float64) {
	if percent > 100 {
		percent = 100
	}
	if percent <= w.last {
		return
	}
	w.last = percent
	if w.onProgress != nil {
		w.onProgress(percent)
	}
}

// progressAggregator folds per-rendition percentages into one overall
// percentage across the whole rendition set, debounced to whole-percent
// steps so downstream consumers are not hammered with updates.
type progressAggregator struct {
	total     int
	onUpdate  func(ProgressUpdate)
	lastSent  float64
	completed []string
}

func newProgressAggregator(total int, onUpdate func(ProgressUpdate)) *progressAggregator {
	return &progressAggregator{total: total, onUpdate: onUpdate, lastSent: -1}
}

// markCompleted records a rendition whose outputs are fully stored, so
// later updates can report which parts of the ladder are already playable.
func (a *progressAggregator) markCompleted(resolution string) {
	a.completed = append(a.completed, resolution)
}

// renditionFunc returns the inner progress callback for the rendition at
// the given position in the encode order.
func (a *progressAggregator) renditionFunc(index int, resolution string) func(float64) {
	return func(inner float64) {
		a.emit((float64(index)+inner/100)/float64(a.total)*100, resolution)
	}
}

// finishRendition advances overall progress to the rendition boundary,
// whether the encode succeeded or not.
func (a *progressAggregator) finishRendition(index int, resolution string) {
	a.emit(float64(index+1)/float64(a.total)*100, resolution)
}

func (a *progressAggregator) emit(percent float64, resolution string) {
	if a.onUpdate == nil || percent <= a.lastSent {
		return
	}
	if percent-a.lastSent < 1 && percent < 100 {
		return
	}
	a.lastSent = percent
	a.onUpdate(ProgressUpdate{
		Percent:              percent,
		CurrentResolution:    resolution,
		CompletedResolutions: append([]string(nil), a.completed...),
	})
}
