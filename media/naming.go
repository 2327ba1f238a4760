package media

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	SegmentDirExt   = "hls"
	PlaylistName    = "playlist.m3u8"
	SegmentPattern  = "%05d.ts"
	jobIDLength     = 32
	minNameTokens   = 3
	subtitleTagName = "sub"
)

// namespace keeps JobIDs stable across releases; never change it.
var namespace = uuid.MustParse("5b1a6c1e-2f9d-4c47-9a57-9d3c0c6e8f21")

// JobID derives the identifier shared by every request that produces the
// same output shape from the same source. The time window and live flag are
// not part of it; an image's frame position is.
func (r RenditionRequest) JobID(sub *SubtitleStream) string {
	var b strings.Builder
	field := func(k, v string) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('|')
	}
	field("src", r.Source)
	field("tag", r.Tag(sub))
	field("ext", r.Extension())
	field("vc", strings.ToLower(r.VideoCodec))
	field("ac", strings.ToLower(r.AudioCodec))
	field("vb", strconv.Itoa(r.VideoBitrate))
	field("ab", strconv.Itoa(r.AudioBitrate))
	field("size", strconv.Itoa(r.Width)+"x"+strconv.Itoa(r.Height))
	field("stereo", strconv.FormatBool(r.ForceStereo))
	field("rotate", strconv.FormatBool(r.AutoRotate))
	field("args", r.CustomArgs)
	if r.Kind == KindImage {
		field("at", strconv.FormatFloat(r.Start, 'f', 3, 64))
	}
	if sub != nil {
		field("sub", subtitleKey(*sub))
	}
	return hashID(b.String())
}

// SubtitleID identifies a converted or extracted side-car subtitle.
func SubtitleID(source string, sub SubtitleStream) string {
	return hashID("src=" + source + "|sub=" + subtitleKey(sub))
}

func subtitleKey(sub SubtitleStream) string {
	if sub.External {
		return "ext:" + sub.Path
	}
	return "emb:" + strconv.Itoa(sub.Index)
}

func hashID(s string) string {
	id := uuid.NewSHA1(namespace, []byte(s))
	return hex.EncodeToString(id[:])
}

// ArtifactName builds a cache entry name. Full jobs have an empty subKey.
func ArtifactName(jobID, tag, subKey, ext string) string {
	parts := []string{jobID, tag}
	if subKey != "" {
		parts = append(parts, subKey)
	}
	parts = append(parts, ext)
	return strings.Join(parts, ".")
}

// SubtitleName builds the cache entry name of a side-car subtitle.
func SubtitleName(id, language, ext string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" {
		lang = "und"
	}
	return ArtifactName(id, subtitleTagName+"-"+lang, "", ext)
}

// Artifact is a parsed cache entry name.
type Artifact struct {
	JobID  string
	Tag    string
	SubKey string
	Ext    string
}

// Segmented reports whether the entry is a segment output directory.
func (a Artifact) Segmented() bool { return a.Ext == SegmentDirExt }

// ParseArtifactName recognises names produced by ArtifactName. Anything with
// fewer than three dot-separated tokens or without a JobID prefix is not an
// artifact.
func ParseArtifactName(name string) (Artifact, bool) {
	tokens := strings.Split(name, ".")
	if len(tokens) < minNameTokens || len(tokens) > minNameTokens+1 {
		return Artifact{}, false
	}
	if !IsJobID(tokens[0]) || tokens[1] == "" || tokens[len(tokens)-1] == "" {
		return Artifact{}, false
	}
	a := Artifact{JobID: tokens[0], Tag: tokens[1], Ext: tokens[len(tokens)-1]}
	if len(tokens) == minNameTokens+1 {
		a.SubKey = tokens[2]
	}
	return a, true
}

func IsJobID(s string) bool {
	if len(s) != jobIDLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil && strings.ToLower(s) == s
}

// SegmentName returns the file name of segment seq.
func SegmentName(seq int) string {
	s := strconv.Itoa(seq)
	if len(s) < 5 {
		s = strings.Repeat("0", 5-len(s)) + s
	}
	return s + ".ts"
}

// ParseSegmentName is the inverse of SegmentName.
func ParseSegmentName(name string) (int, bool) {
	base, ok := strings.CutSuffix(name, ".ts")
	if !ok || len(base) < 5 {
		return 0, false
	}
	n, err := strconv.Atoi(base)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
