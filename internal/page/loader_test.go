package page

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/transcript-overlay/internal/errs"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

const watchHTML = `<html><script>var ytInitialPlayerResponse = {"captions":{"playerCaptionsTracklistRenderer":{"captionTracks":[
{"baseUrl":"/api/timedtext?v=vid_abc123&lang=en","languageCode":"en","name":{"simpleText":"English"}},
{"baseUrl":"/api/timedtext?v=vid_abc123&lang=en&kind=asr","languageCode":"en","name":{"runs":[{"text":"English "},{"text":"(auto-generated)"}]},"kind":"asr"},
{"languageCode":"fr"}]}},
"videoDetails":{"videoId":"vid_abc123","shortDescription":"About {braces} and \"quotes\""}};var meta = 1;</script>
<script>window["ytInitialData"] = {"playerOverlays":{"playerOverlayRenderer":{"decoratedPlayerBar":{"decoratedPlayerBarRenderer":{"playerBar":{"multiMarkersPlayerBarRenderer":{"markersMap":[{"value":{"chapters":[
{"chapterRenderer":{"title":{"simpleText":"Intro"},"timeRangeStartMillis":0}},
{"chapterRenderer":{"title":{"simpleText":"Main"},"timeRangeStartMillis":62500}}]}}]}}}}}}}};</script></html>`

func TestParseWatchPage(t *testing.T) {
	snap, err := ParseWatchPage("vid_abc123", watchHTML)
	require.NoError(t, err)

	require.Len(t, snap.CaptionTracks, 2, "tracks without a URL are skipped")
	assert.Equal(t, "English", snap.CaptionTracks[0].Name)
	assert.False(t, snap.CaptionTracks[0].AutoGenerated())
	assert.Equal(t, "English (auto-generated)", snap.CaptionTracks[1].Name)
	assert.True(t, snap.CaptionTracks[1].AutoGenerated())

	assert.Equal(t, `About {braces} and "quotes"`, snap.Description)

	require.Len(t, snap.Chapters, 2)
	assert.Equal(t, "Main", snap.Chapters[1].Title)
	assert.InDelta(t, 62.5, snap.Chapters[1].Start, 1e-9)
}

func TestParseWatchPage_NoPlayerResponse(t *testing.T) {
	_, err := ParseWatchPage("vid_abc123", "<html>consent wall</html>")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindParse))
}

func TestWatchPageLoader_LoadInto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/watch" || r.URL.Query().Get("v") != "vid_abc123" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(watchHTML))
	}))
	defer srv.Close()

	loader := NewWatchPageLoader(WithLoaderBaseURL(srv.URL), WithLoaderLogger(log.Nop()))
	store := NewStore(0)

	require.NoError(t, loader.LoadInto(context.Background(), store, "vid_abc123"))
	tracks, ok := store.CaptionTracks("vid_abc123")
	require.True(t, ok)
	assert.Len(t, tracks, 2)

	err := loader.LoadInto(context.Background(), store, "vid_missing")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNetwork))
}
