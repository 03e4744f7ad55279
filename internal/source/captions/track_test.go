package captions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectTrack(t *testing.T) {
	humanEN := Track{LanguageCode: "en", Name: "English"}
	humanDE := Track{LanguageCode: "de", Name: "German"}
	asrEN := Track{LanguageCode: "en", Kind: KindASR}
	asrFR := Track{LanguageCode: "fr", Kind: KindASR}

	tests := []struct {
		name      string
		tracks    []Track
		preferred string
		want      Track
		wantOK    bool
	}{
		{name: "human preferred beats auto preferred", tracks: []Track{asrEN, humanEN}, preferred: "en", want: humanEN, wantOK: true},
		{name: "any human beats auto preferred", tracks: []Track{asrEN, humanDE}, preferred: "en", want: humanDE, wantOK: true},
		{name: "auto preferred beats other auto", tracks: []Track{asrFR, asrEN}, preferred: "en", want: asrEN, wantOK: true},
		{name: "any auto as last resort", tracks: []Track{asrFR}, preferred: "en", want: asrFR, wantOK: true},
		{name: "regional variant matches base language", tracks: []Track{humanDE, {LanguageCode: "en-GB"}}, preferred: "en", want: Track{LanguageCode: "en-GB"}, wantOK: true},
		{name: "empty list", tracks: nil, preferred: "en", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectTrack(tt.tracks, tt.preferred)
			require.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindExact_PrefersHumanTrack(t *testing.T) {
	tracks := []Track{
		{LanguageCode: "es", Kind: KindASR},
		{LanguageCode: "es", Name: "Spanish"},
		{LanguageCode: "es-419", Name: "Spanish (Latin America)"},
	}

	got, ok := findExact(tracks, "es")
	require.True(t, ok)
	assert.Equal(t, "Spanish", got.Name)

	_, ok = findExact(tracks, "pt")
	assert.False(t, ok)
}

func TestTrack_DisplayName(t *testing.T) {
	assert.Equal(t, "Custom", Track{LanguageCode: "en", Name: "Custom"}.DisplayName())
	assert.Equal(t, "German", Track{LanguageCode: "de"}.DisplayName())
	assert.Equal(t, "??", Track{LanguageCode: "??"}.DisplayName())
}
