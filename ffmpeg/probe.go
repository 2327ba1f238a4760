package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"ffcache/media"
)

// ProbeResult is the parsed ffprobe output for a source.
type ProbeResult struct {
	Streams []ProbeStream `json:"streams"`
	Format  ProbeFormat   `json:"format"`
}

type ProbeStream struct {
	Index       int               `json:"index"`
	CodecName   string            `json:"codec_name"`
	CodecType   string            `json:"codec_type"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	BitRate     string            `json:"bit_rate"`
	Channels    int               `json:"channels"`
	Tags        map[string]string `json:"tags"`
	Disposition map[string]int    `json:"disposition"`
}

type ProbeFormat struct {
	Filename   string `json:"filename"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
	FormatName string `json:"format_name"`
}

// Prober runs ffprobe with a wall-clock limit.
type Prober struct {
	Bin     string
	Timeout time.Duration
}

// Probe inspects source. It fails when ffprobe does not answer in time.
func (p *Prober) Probe(ctx context.Context, source string) (ProbeResult, error) {
	bin := strings.TrimSpace(p.Bin)
	if bin == "" {
		bin = "ffprobe"
	}
	source = strings.TrimSpace(source)
	if source == "" {
		return ProbeResult{}, errors.New("ffprobe: empty source")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", source)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return ProbeResult{}, fmt.Errorf("ffprobe %s: %w", source, ctx.Err())
		}
		return ProbeResult{}, fmt.Errorf("ffprobe %s: %w", source, err)
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// DurationSeconds returns the container duration, or 0 when unknown.
func (r ProbeResult) DurationSeconds() float64 {
	v := parseFloat(r.Format.Duration)
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}

// BitRateKbit returns the container bitrate in kbit/s, or 0 when unknown.
func (r ProbeResult) BitRateKbit() int {
	v := parseFloat(r.Format.BitRate)
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	return int(v / 1024)
}

func (r ProbeResult) firstOfType(kind string) (ProbeStream, bool) {
	for _, s := range r.Streams {
		if strings.EqualFold(s.CodecType, kind) {
			return s, true
		}
	}
	return ProbeStream{}, false
}

// SubtitleStreams lists embedded subtitle candidates.
func (r ProbeResult) SubtitleStreams() []media.SubtitleStream {
	var subs []media.SubtitleStream
	for _, s := range r.Streams {
		if !strings.EqualFold(s.CodecType, "subtitle") {
			continue
		}
		subs = append(subs, media.SubtitleStream{
			Index:    s.Index,
			Language: s.Tags["language"],
			Codec:    s.CodecName,
			Default:  s.Disposition["default"] == 1,
		})
	}
	return subs
}

// Matches reports whether the source can be served as-is for req: same
// container and codecs, no resize, no subtitle or audio reshaping.
func (r ProbeResult) Matches(req media.RenditionRequest) bool {
	if req.Kind == media.KindImage || req.Start > 0 || req.Duration > 0 || req.Live || req.Segmented || req.CustomArgs != "" {
		return false
	}
	if req.WantsSubtitle() && req.SubtitleMode != media.SubtitleSideCar {
		return false
	}
	if req.ForceStereo || req.MultiAudio || req.AudioStream != nil || req.Width > 0 || req.Height > 0 {
		return false
	}
	if !containerMatches(r.Format.FormatName, req.Extension()) {
		return false
	}
	if req.Kind == media.KindVideo {
		v, ok := r.firstOfType("video")
		if !ok || !codecMatches(v.CodecName, req.VideoCodec) {
			return false
		}
	}
	if a, ok := r.firstOfType("audio"); ok && !codecMatches(a.CodecName, req.AudioCodec) {
		return false
	}
	if req.VideoBitrate > 0 || req.AudioBitrate > 0 {
		total := req.VideoBitrate + req.AudioBitrate
		if src := r.BitRateKbit(); src == 0 || src > total {
			return false
		}
	}
	return true
}

func containerMatches(formatName, ext string) bool {
	aliases := map[string]string{"mkv": "matroska", "m4v": "mp4", "m4a": "mp4", "ts": "mpegts"}
	want := ext
	if a, ok := aliases[ext]; ok {
		want = a
	}
	for _, name := range strings.Split(formatName, ",") {
		if strings.EqualFold(strings.TrimSpace(name), want) {
			return true
		}
	}
	return false
}

func codecMatches(have, want string) bool {
	if want == "" || strings.EqualFold(want, "copy") {
		return true
	}
	aliases := map[string]string{"avc": "h264", "h265": "hevc", "mp3": "mp3", "libmp3lame": "mp3", "libx264": "h264", "libx265": "hevc"}
	if a, ok := aliases[strings.ToLower(want)]; ok {
		want = a
	}
	return strings.EqualFold(have, want)
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}
