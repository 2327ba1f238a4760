package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRequest marks requests that can never be served.
var ErrInvalidRequest = errors.New("invalid rendition request")

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
	KindImage Kind = "image"
)

type SubtitleMode string

const (
	SubtitleNone      SubtitleMode = "none"
	SubtitleEmbedded  SubtitleMode = "embedded"  // muxed into the output container
	SubtitleHardcoded SubtitleMode = "hardcoded" // burned into the video frames
	SubtitleSideCar   SubtitleMode = "sidecar"   // served as a separate file
)

// SubtitleStream is a subtitle candidate, either a stream inside the source
// container or a separate file next to it.
type SubtitleStream struct {
	Index    int    `json:"index"`
	Language string `json:"language,omitempty"`
	Codec    string `json:"codec,omitempty"`
	Default  bool   `json:"default,omitempty"`
	External bool   `json:"external,omitempty"`
	Path     string `json:"path,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// RenditionRequest describes one wanted output. Bitrates are in kbit/s,
// offsets and durations in seconds.
type RenditionRequest struct {
	Source    string `json:"source" binding:"required"`
	Kind      Kind   `json:"kind"`
	Container string `json:"container,omitempty"`

	VideoCodec   string `json:"videoCodec,omitempty"`
	AudioCodec   string `json:"audioCodec,omitempty"`
	VideoBitrate int    `json:"videoBitrate,omitempty"`
	AudioBitrate int    `json:"audioBitrate,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`

	AudioStream *int `json:"audioStream,omitempty"`
	MultiAudio  bool `json:"multiAudio,omitempty"`

	Start    float64 `json:"start,omitempty"`
	Duration float64 `json:"duration,omitempty"`

	SubtitleMode      SubtitleMode     `json:"subtitleMode,omitempty"`
	SubtitleLanguages []string         `json:"subtitleLanguages,omitempty"`
	SubtitleIndex     *int             `json:"subtitleIndex,omitempty"`
	Subtitles         []SubtitleStream `json:"subtitles,omitempty"`

	ForceStereo bool `json:"forceStereo,omitempty"`
	AutoRotate  bool `json:"autoRotate,omitempty"`
	Live        bool `json:"live,omitempty"`
	Segmented   bool `json:"segmented,omitempty"`

	CustomArgs string `json:"customArgs,omitempty"`

	SourceDuration float64 `json:"sourceDuration,omitempty"`
	SourceBitrate  int     `json:"sourceBitrate,omitempty"`
}

func (r RenditionRequest) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("%w: empty source", ErrInvalidRequest)
	}
	switch r.Kind {
	case KindAudio, KindVideo, KindImage:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
	if r.Start < 0 || r.Duration < 0 {
		return fmt.Errorf("%w: negative time window", ErrInvalidRequest)
	}
	if r.Segmented && r.Kind != KindVideo && r.Kind != KindAudio {
		return fmt.Errorf("%w: %s output cannot be segmented", ErrInvalidRequest, r.Kind)
	}
	return nil
}

// WantsSubtitle reports whether subtitle resolution should run at all.
func (r RenditionRequest) WantsSubtitle() bool {
	return r.Kind == KindVideo && r.SubtitleMode != "" && r.SubtitleMode != SubtitleNone
}

// Extension is the output file extension without the dot. Segmented output
// always lands in a directory with the .hls suffix.
func (r RenditionRequest) Extension() string {
	if r.Segmented {
		return SegmentDirExt
	}
	if r.Container != "" {
		return strings.ToLower(strings.TrimPrefix(r.Container, "."))
	}
	switch r.Kind {
	case KindAudio:
		return "mp3"
	case KindImage:
		return "jpg"
	default:
		return "mp4"
	}
}

// Tag encodes the output shape: media kind, and where relevant the audio
// stream, multi-audio and the subtitle treatment.
func (r RenditionRequest) Tag(sub *SubtitleStream) string {
	parts := []string{string(r.Kind)}
	if r.AudioStream != nil && !r.MultiAudio {
		parts = append(parts, "A"+strconv.Itoa(*r.AudioStream))
	}
	if r.MultiAudio {
		parts = append(parts, "MultiA")
	}
	if sub != nil {
		switch r.SubtitleMode {
		case SubtitleHardcoded:
			if lang := strings.ToLower(sub.Language); lang != "" {
				parts = append(parts, "HC"+lang)
			} else {
				parts = append(parts, "HC")
			}
		case SubtitleEmbedded:
			parts = append(parts, "MultiS")
		}
	}
	return strings.Join(parts, "-")
}

// Cacheable reports whether the request may be served by a full job. A
// bounded clip is never the full rendition. Images carry their frame
// position in the JobID, so they are always cacheable.
func (r RenditionRequest) Cacheable(cacheEnabled bool) bool {
	if !cacheEnabled || r.Live {
		return false
	}
	if r.Kind == KindImage {
		return true
	}
	return r.Start == 0 && r.Duration == 0
}

// EstimatedBitrate returns bits per second used for byte-offset estimation.
func (r RenditionRequest) EstimatedBitrate() int64 {
	kbit := r.VideoBitrate + r.AudioBitrate
	if kbit <= 0 {
		kbit = r.SourceBitrate
	}
	if kbit <= 0 {
		return 0
	}
	return int64(kbit) * 1024
}

// StartByte estimates the output byte offset that corresponds to Start.
func (r RenditionRequest) StartByte() int64 {
	if r.Kind == KindImage {
		return 0
	}
	return int64(float64(r.EstimatedBitrate()) * r.Start / 8)
}
