// Package subtitle picks the subtitle stream a rendition should carry and
// converts side-car subtitle files between character sets.
package subtitle

import (
	"strings"

	"ffcache/media"
)

const englishCode = "en"

// Select returns the subtitle to use for a rendition.
//
// An explicit index into candidates wins outright when it is in range.
// Otherwise the first rule that matches decides, in order: preferred
// language, default flag, English, first candidate. Each rule is tried
// against external candidates before embedded ones. Candidate order is
// preserved within a rule, so the order of preferred never reorders them.
func Select(candidates []media.SubtitleStream, preferred []string, index *int) (media.SubtitleStream, bool) {
	if len(candidates) == 0 {
		return media.SubtitleStream{}, false
	}
	if index != nil && *index >= 0 && *index < len(candidates) {
		return candidates[*index], true
	}

	var external, embedded []media.SubtitleStream
	for _, c := range candidates {
		if c.External {
			external = append(external, c)
		} else {
			embedded = append(embedded, c)
		}
	}

	rules := []func([]media.SubtitleStream) (media.SubtitleStream, bool){
		func(set []media.SubtitleStream) (media.SubtitleStream, bool) { return byPreference(set, preferred) },
		byDefault,
		byEnglish,
		first,
	}
	for _, rule := range rules {
		if s, ok := rule(external); ok {
			return s, true
		}
		if s, ok := rule(embedded); ok {
			return s, true
		}
	}
	return media.SubtitleStream{}, false
}

// byPreference returns the first candidate whose language is in preferred.
func byPreference(set []media.SubtitleStream, preferred []string) (media.SubtitleStream, bool) {
	for _, s := range set {
		for _, lang := range preferred {
			lang = strings.TrimSpace(lang)
			if lang != "" && strings.EqualFold(s.Language, lang) {
				return s, true
			}
		}
	}
	return media.SubtitleStream{}, false
}

func byDefault(set []media.SubtitleStream) (media.SubtitleStream, bool) {
	for _, s := range set {
		if s.Default {
			return s, true
		}
	}
	return media.SubtitleStream{}, false
}

func byEnglish(set []media.SubtitleStream) (media.SubtitleStream, bool) {
	for _, s := range set {
		if strings.EqualFold(s.Language, englishCode) {
			return s, true
		}
	}
	return media.SubtitleStream{}, false
}

func first(set []media.SubtitleStream) (media.SubtitleStream, bool) {
	if len(set) == 0 {
		return media.SubtitleStream{}, false
	}
	return set[0], true
}
