package ffmpeg

import (
	"encoding/json"
	"testing"

	"ffcache/media"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeJSON = `{
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1920, "height": 1080},
    {"index": 1, "codec_name": "aac", "codec_type": "audio", "channels": 2},
    {"index": 2, "codec_name": "subrip", "codec_type": "subtitle", "tags": {"language": "eng"}, "disposition": {"default": 1}},
    {"index": 3, "codec_name": "ass", "codec_type": "subtitle", "tags": {"language": "fre"}}
  ],
  "format": {"filename": "in.mp4", "duration": "5400.250000", "bit_rate": "4096000", "format_name": "mov,mp4,m4a,3gp,3g2,mj2"}
}`

func parseProbe(t *testing.T) ProbeResult {
	t.Helper()
	var r ProbeResult
	require.NoError(t, json.Unmarshal([]byte(probeJSON), &r))
	return r
}

func TestProbeResult(t *testing.T) {
	r := parseProbe(t)
	assert.InDelta(t, 5400.25, r.DurationSeconds(), 0.001)
	assert.Equal(t, 4000, r.BitRateKbit())

	subs := r.SubtitleStreams()
	require.Len(t, subs, 2)
	assert.Equal(t, media.SubtitleStream{Index: 2, Language: "eng", Codec: "subrip", Default: true}, subs[0])
	assert.Equal(t, 3, subs[1].Index)

	assert.Zero(t, ProbeResult{Format: ProbeFormat{Duration: "N/A"}}.DurationSeconds())
}

func TestProbeResult_Matches(t *testing.T) {
	r := parseProbe(t)
	req := media.RenditionRequest{Source: "in.mp4", Kind: media.KindVideo, VideoCodec: "h264", AudioCodec: "aac"}
	assert.True(t, r.Matches(req))

	tests := map[string]func(*media.RenditionRequest){
		"other codec":     func(q *media.RenditionRequest) { q.VideoCodec = "hevc" },
		"other container": func(q *media.RenditionRequest) { q.Container = "webm" },
		"resize":          func(q *media.RenditionRequest) { q.Width = 640 },
		"seek":            func(q *media.RenditionRequest) { q.Start = 10 },
		"burn in":         func(q *media.RenditionRequest) { q.SubtitleMode = media.SubtitleHardcoded },
		"lower bitrate":   func(q *media.RenditionRequest) { q.VideoBitrate = 1000 },
		"segmented":       func(q *media.RenditionRequest) { q.Segmented = true },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			q := req
			mutate(&q)
			assert.False(t, r.Matches(q))
		})
	}

	sidecar := req
	sidecar.SubtitleMode = media.SubtitleSideCar
	assert.True(t, r.Matches(sidecar))
}
