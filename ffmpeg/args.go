package ffmpeg

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"ffcache/media"
)

// Output is where a job writes. Path is the file, or the playlist for
// segmented output. Live output goes to stdout.
type Output struct {
	Path         string
	SegmentDir   string
	FirstSegment int
	Live         bool
}

// ArgBuilder turns a rendition request into transcoder arguments.
type ArgBuilder struct {
	Threads        int
	SegmentSeconds int
}

// stdin stays open so "q" can stop the process; progress goes to stderr.
var globalArgs = []string{"-hide_banner", "-loglevel", "error", "-nostats", "-progress", "pipe:2", "-y"}

var bitmapSubtitleCodecs = map[string]bool{
	"hdmv_pgs_subtitle": true,
	"dvd_subtitle":      true,
	"dvb_subtitle":      true,
	"xsub":              true,
}

func (b *ArgBuilder) Build(req media.RenditionRequest, sub *media.SubtitleStream, out Output) ([]string, error) {
	args := append([]string(nil), globalArgs...)

	if req.CustomArgs != "" {
		return b.custom(args, req, out)
	}

	if req.Start > 0 {
		args = append(args, "-ss", formatSeconds(req.Start))
	}
	if req.Kind == media.KindVideo && !req.AutoRotate {
		args = append(args, "-noautorotate")
	}
	args = append(args, "-i", req.Source)

	externalSub := sub != nil && sub.External && req.SubtitleMode == media.SubtitleEmbedded && !req.Segmented && !req.Live
	if externalSub {
		args = append(args, "-i", sub.Path)
	}
	if req.Duration > 0 {
		args = append(args, "-t", formatSeconds(req.Duration))
	}
	if b.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(b.Threads))
	}

	switch req.Kind {
	case media.KindImage:
		args = append(args, "-map", "0:v:0", "-frames:v", "1")
		if vf := scaleFilter(req); vf != "" {
			args = append(args, "-vf", vf)
		}
		args = append(args, "-f", "image2", out.Path)
		return args, nil
	case media.KindAudio:
		args = append(args, "-vn", "-sn")
		args = append(args, audioMaps(req)...)
		args = append(args, audioCodecArgs(req)...)
	case media.KindVideo:
		args = append(args, "-map", "0:v:0")
		args = append(args, audioMaps(req)...)
		subArgs, filter := subtitleArgs(req, sub, externalSub)
		args = append(args, subArgs...)
		args = append(args, videoCodecArgs(req, filter)...)
		args = append(args, audioCodecArgs(req)...)
	default:
		return nil, fmt.Errorf("unsupported media kind %q", req.Kind)
	}

	return append(args, b.containerArgs(req, out)...), nil
}

func (b *ArgBuilder) custom(args []string, req media.RenditionRequest, out Output) ([]string, error) {
	custom, err := SplitCommand(req.CustomArgs)
	if err != nil {
		return nil, err
	}
	if err := SanitizeAndValidateArgs(custom); err != nil {
		return nil, err
	}
	if req.Start > 0 {
		args = append(args, "-ss", formatSeconds(req.Start))
	}
	target := out.Path
	if out.Live {
		target = "pipe:1"
	}
	return append(args, expandPlaceholders(custom, req.Source, target)...), nil
}

func audioMaps(req media.RenditionRequest) []string {
	switch {
	case req.MultiAudio:
		return []string{"-map", "0:a?"}
	case req.AudioStream != nil:
		return []string{"-map", "0:a:" + strconv.Itoa(*req.AudioStream)}
	default:
		return []string{"-map", "0:a:0?"}
	}
}

func audioCodecArgs(req media.RenditionRequest) []string {
	codec := req.AudioCodec
	if codec == "" {
		codec = defaultAudioCodec(req)
	}
	args := []string{"-c:a", codec}
	if req.AudioBitrate > 0 && codec != "copy" {
		args = append(args, "-b:a", strconv.Itoa(req.AudioBitrate)+"k")
	}
	if req.ForceStereo && codec != "copy" {
		args = append(args, "-ac", "2")
	}
	return args
}

func defaultAudioCodec(req media.RenditionRequest) string {
	if req.Kind == media.KindAudio {
		switch req.Extension() {
		case "flac":
			return "flac"
		case "ogg", "opus":
			return "libopus"
		case "m4a", "aac":
			return "aac"
		default:
			return "libmp3lame"
		}
	}
	return "aac"
}

func videoCodecArgs(req media.RenditionRequest, subFilter string) []string {
	filters := []string{}
	if vf := scaleFilter(req); vf != "" {
		filters = append(filters, vf)
	}
	if subFilter != "" {
		filters = append(filters, subFilter)
	}

	codec := encoderName(req.VideoCodec)
	if codec == "copy" && len(filters) > 0 {
		codec = "libx264"
	}
	args := []string{"-c:v", codec}
	if codec == "copy" {
		return args
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	if req.VideoBitrate > 0 {
		args = append(args, "-b:v", strconv.Itoa(req.VideoBitrate)+"k")
	}
	if codec == "libx264" {
		args = append(args, "-pix_fmt", "yuv420p", "-preset", "veryfast")
	}
	return args
}

func encoderName(codec string) string {
	switch strings.ToLower(codec) {
	case "", "h264", "avc":
		return "libx264"
	case "h265", "hevc":
		return "libx265"
	case "vp9":
		return "libvpx-vp9"
	case "av1":
		return "libsvtav1"
	default:
		return codec
	}
}

func scaleFilter(req media.RenditionRequest) string {
	if req.Width <= 0 && req.Height <= 0 {
		return ""
	}
	w, h := req.Width, req.Height
	if w <= 0 {
		w = -2
	}
	if h <= 0 {
		h = -2
	}
	return fmt.Sprintf("scale=%d:%d", w, h)
}

// subtitleArgs returns mapping/codec arguments and, for burn-in, a video filter.
func subtitleArgs(req media.RenditionRequest, sub *media.SubtitleStream, externalInput bool) ([]string, string) {
	if sub == nil {
		return []string{"-sn"}, ""
	}
	switch req.SubtitleMode {
	case media.SubtitleHardcoded:
		if sub.External {
			return []string{"-sn"}, "subtitles=" + escapeFilterValue(sub.Path)
		}
		if bitmapSubtitleCodecs[strings.ToLower(sub.Codec)] {
			// bitmap subtitles cannot go through the subtitles filter
			return []string{"-sn"}, ""
		}
		return []string{"-sn"}, fmt.Sprintf("subtitles=%s:si=%d", escapeFilterValue(req.Source), subtitleOrdinal(req, *sub))
	case media.SubtitleEmbedded:
		if req.Segmented || req.Live {
			return []string{"-sn"}, ""
		}
		mapArg := "0:" + strconv.Itoa(sub.Index)
		if externalInput {
			mapArg = "1:0"
		}
		return []string{"-map", mapArg, "-c:s", subtitleCodecFor(req.Extension())}, ""
	default:
		return []string{"-sn"}, ""
	}
}

// subtitleOrdinal is the position of sub among the embedded subtitle streams,
// which is what the subtitles filter expects.
func subtitleOrdinal(req media.RenditionRequest, sub media.SubtitleStream) int {
	n := 0
	for _, c := range req.Subtitles {
		if !c.External && c.Index < sub.Index {
			n++
		}
	}
	return n
}

func subtitleCodecFor(ext string) string {
	switch ext {
	case "mp4", "m4v", "mov":
		return "mov_text"
	case "webm":
		return "webvtt"
	case "mkv":
		return "srt"
	default:
		return "copy"
	}
}

func (b *ArgBuilder) containerArgs(req media.RenditionRequest, out Output) []string {
	switch {
	case out.Live:
		return []string{"-f", "mpegts", "pipe:1"}
	case req.Segmented:
		seg := b.SegmentSeconds
		if seg <= 0 {
			seg = 10
		}
		args := []string{
			"-f", "hls",
			"-hls_time", strconv.Itoa(seg),
			"-hls_list_size", "0",
			"-hls_playlist_type", "event",
			"-start_number", strconv.Itoa(out.FirstSegment),
			"-hls_segment_filename", filepath.Join(out.SegmentDir, media.SegmentPattern),
		}
		if req.Kind == media.KindVideo {
			args = append(args, "-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", seg))
		}
		return append(args, out.Path)
	}
	switch req.Extension() {
	case "mp4", "m4v", "mov", "m4a":
		// fragmented so readers can consume the file while it grows
		return []string{"-movflags", "frag_keyframe+empty_moov+default_base_moof", out.Path}
	}
	return []string{out.Path}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func escapeFilterValue(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `,`, `\,`, `;`, `\;`, `[`, `\[`, `]`, `\]`)
	return r.Replace(v)
}
