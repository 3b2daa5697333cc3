package transcode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgressWriterParsesOutTime(t *testing.T) {
	var got []float64
	w := newProgressWriter(60, func(p float64) { got = append(got, p) })

	// one ffmpeg progress block, split awkwardly across writes
	_, err := w.Write([]byte("frame=120\nfps=30.0\nout_time_us=150"))
	require.NoError(t, err)
	_, err = w.Write([]byte("00000\nprogress=continue\n"))
	require.NoError(t, err)
	require.Equal(t, []float64{25}, got)

	_, err = w.Write([]byte("out_time_us=30000000\nprogress=continue\n"))
	require.NoError(t, err)
	require.Equal(t, []float64{25, 50}, got)

	// stale flushes are dropped
	_, err = w.Write([]byte("out_time_us=29000000\n"))
	require.NoError(t, err)
	require.Equal(t, []float64{25, 50}, got)

	// values past the probed duration clamp to 100
	_, err = w.Write([]byte("out_time_us=999000000\nprogress=end\n"))
	require.NoError(t, err)
	require.Equal(t, []float64{25, 50, 100}, got)
}

func TestProgressWriterUnknownDuration(t *testing.T) {
	var got []float64
	w := newProgressWriter(0, func(p float64) { got = append(got, p) })

	_, err := w.Write([]byte("out_time_us=5000000\nprogress=continue\nprogress=end\n"))
	require.NoError(t, err)
	require.Equal(t, []float64{100}, got)
}

func TestProgressWriterIgnoresJunk(t *testing.T) {
	w := newProgressWriter(60, nil)
	_, err := w.Write([]byte("garbage line\nout_time_us=notanumber\nspeed=1.01x\n"))
	require.NoError(t, err)
}

func TestProgressAggregatorCombinesRenditions(t *testing.T) {
	var updates []ProgressUpdate
	agg := newProgressAggregator(2, func(u ProgressUpdate) { updates = append(updates, u) })

	first := agg.renditionFunc(0, "480p")
	first(50)
	agg.markCompleted("480p")
	agg.finishRendition(0, "480p")
	second := agg.renditionFunc(1, "720p")
	second(50)
	agg.markCompleted("720p")
	agg.finishRendition(1, "720p")

	require.Equal(t, []ProgressUpdate{
		{Percent: 25, CurrentResolution: "480p"},
		{Percent: 50, CurrentResolution: "480p", CompletedResolutions: []string{"480p"}},
		{Percent: 75, CurrentResolution: "720p", CompletedResolutions: []string{"480p"}},
		{Percent: 100, CurrentResolution: "720p", CompletedResolutions: []string{"480p", "720p"}},
	}, updates)
}

func TestProgressAggregatorDebounces(t *testing.T) {
	var updates []ProgressUpdate
	agg := newProgressAggregator(1, func(u ProgressUpdate) { updates = append(updates, u) })

	inner := agg.renditionFunc(0, "1080p")
	for i := 0; i <= 1000; i++ {
		inner(float64(i) / 10)
	}

	require.Len(t, updates, 101)
	require.Equal(t, float64(0), updates[0].Percent)
	require.Equal(t, float64(100), updates[len(updates)-1].Percent)
	for i := 1; i < len(updates); i++ {
		require.Greater(t, updates[i].Percent, updates[i-1].Percent)
	}
}
