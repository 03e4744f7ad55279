package captions

import (
	"strings"

	"github.com/MimeLyc/transcript-overlay/internal/transcript"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// KindASR marks an automatically generated track.
const KindASR = "asr"

// Track describes one caption track offered by the player.
type Track struct {
	BaseURL      string `json:"base_url"`
	LanguageCode string `json:"language_code"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
}

func (t Track) AutoGenerated() bool {
	return strings.EqualFold(t.Kind, KindASR)
}

// DisplayName returns the track name, or the English name of its language.
func (t Track) DisplayName() string {
	if strings.TrimSpace(t.Name) != "" {
		return t.Name
	}
	tag, err := language.Parse(t.LanguageCode)
	if err != nil {
		return t.LanguageCode
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return t.LanguageCode
}

// SelectTrack applies the preference order: human track in the preferred
// language, any human track, auto-generated track in the preferred language,
// any auto-generated track.
func SelectTrack(tracks []Track, preferred string) (Track, bool) {
	passes := []func(Track) bool{
		func(t Track) bool { return !t.AutoGenerated() && languageMatches(t.LanguageCode, preferred) },
		func(t Track) bool { return !t.AutoGenerated() },
		func(t Track) bool { return t.AutoGenerated() && languageMatches(t.LanguageCode, preferred) },
		func(t Track) bool { return t.AutoGenerated() },
	}
	for _, pass := range passes {
		for _, t := range tracks {
			if pass(t) {
				return t, true
			}
		}
	}
	return Track{}, false
}

// findExact returns the track whose language code is exactly code. Human
// tracks win over auto-generated ones with the same code.
func findExact(tracks []Track, code string) (Track, bool) {
	var asr *Track
	for i, t := range tracks {
		if !strings.EqualFold(t.LanguageCode, code) {
			continue
		}
		if !t.AutoGenerated() {
			return t, true
		}
		if asr == nil {
			asr = &tracks[i]
		}
	}
	if asr != nil {
		return *asr, true
	}
	return Track{}, false
}

// otherLanguages lists every track except the selected one.
func otherLanguages(tracks []Track, selected Track) []transcript.LanguageTrack {
	ret := make([]transcript.LanguageTrack, 0, len(tracks))
	for _, t := range tracks {
		if t.LanguageCode == selected.LanguageCode && t.Kind == selected.Kind {
			continue
		}
		ret = append(ret, transcript.LanguageTrack{
			Code:          t.LanguageCode,
			Name:          t.DisplayName(),
			AutoGenerated: t.AutoGenerated(),
		})
	}
	return ret
}

func languageMatches(code, preferred string) bool {
	if preferred == "" || code == "" {
		return false
	}
	if strings.EqualFold(code, preferred) {
		return true
	}
	a, errA := language.Parse(code)
	b, errB := language.Parse(preferred)
	if errA != nil || errB != nil {
		return false
	}
	baseA, _ := a.Base()
	baseB, _ := b.Base()
	return baseA == baseB
}
