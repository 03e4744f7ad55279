// Package captions retrieves native caption tracks for a video.
package captions

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/transcript-overlay/internal/errs"
	"github.com/MimeLyc/transcript-overlay/internal/transcript"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

const (
	DefaultTimeout = 15 * time.Second
	DefaultBaseURL = "https://www.youtube.com"

	maxPayloadBytes = 16 << 20
)

// PlayerData exposes the caption track listing embedded in the watch page.
type PlayerData interface {
	CaptionTracks(videoID string) ([]Track, bool)
}

// Fetcher is the tier A source. It never returns errors: every failure is
// logged and reported as absence.
type Fetcher struct {
	player     PlayerData
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	logger     *log.Logger

	group singleflight.Group
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = c }
}

func WithBaseURL(u string) Option {
	return func(f *Fetcher) { f.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

func NewFetcher(player PlayerData, opts ...Option) *Fetcher {
	f := &Fetcher{
		player:     player,
		httpClient: &http.Client{},
		baseURL:    DefaultBaseURL,
		timeout:    DefaultTimeout,
		logger:     log.WithComponent("captions"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// TryFetch selects the best track for preferredLanguage and returns its lines.
func (f *Fetcher) TryFetch(ctx context.Context, videoID, preferredLanguage string) (transcript.CaptionResult, bool) {
	tracks, ok := f.tracks(ctx, videoID)
	if !ok {
		return transcript.CaptionResult{}, false
	}
	track, ok := SelectTrack(tracks, preferredLanguage)
	if !ok {
		f.logger.Debug("No usable caption track for %s", videoID)
		return transcript.CaptionResult{}, false
	}
	return f.fetchTrack(ctx, videoID, track, tracks)
}

// TryFetchLanguage returns exactly the requested language, without ranking.
func (f *Fetcher) TryFetchLanguage(ctx context.Context, videoID, languageCode string) (transcript.CaptionResult, bool) {
	tracks, ok := f.tracks(ctx, videoID)
	if !ok {
		return transcript.CaptionResult{}, false
	}
	track, ok := findExact(tracks, languageCode)
	if !ok {
		f.logger.Debug("Language %s not offered for %s", languageCode, videoID)
		return transcript.CaptionResult{}, false
	}
	return f.fetchTrack(ctx, videoID, track, tracks)
}

func (f *Fetcher) tracks(ctx context.Context, videoID string) ([]Track, bool) {
	if f.player != nil {
		if tracks, ok := f.player.CaptionTracks(videoID); ok && len(tracks) > 0 {
			return tracks, true
		}
	}

	tracks, err := f.listTracks(ctx, videoID)
	if err != nil {
		f.logFailure("list tracks", videoID, err)
		return nil, false
	}
	if len(tracks) == 0 {
		f.logger.Debug("Empty caption track list for %s", videoID)
		return nil, false
	}
	return tracks, true
}

type trackList struct {
	XMLName xml.Name `xml:"transcript_list"`
	Tracks  []struct {
		LangCode string `xml:"lang_code,attr"`
		Name     string `xml:"name,attr"`
		Kind     string `xml:"kind,attr"`
		LangName string `xml:"lang_translated,attr"`
	} `xml:"track"`
}

func (f *Fetcher) listTracks(ctx context.Context, videoID string) ([]Track, error) {
	q := url.Values{}
	q.Set("type", "list")
	q.Set("v", videoID)
	body, err := f.get(ctx, f.baseURL+"/api/timedtext?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var list trackList
	if err := xml.Unmarshal(body, &list); err != nil {
		return nil, errs.Wrap(errs.KindParse, "decode track list", err)
	}
	ret := make([]Track, 0, len(list.Tracks))
	for _, t := range list.Tracks {
		name := t.Name
		if name == "" {
			name = t.LangName
		}
		ret = append(ret, Track{LanguageCode: t.LangCode, Name: name, Kind: t.Kind})
	}
	return ret, nil
}

func (f *Fetcher) fetchTrack(ctx context.Context, videoID string, track Track, all []Track) (transcript.CaptionResult, bool) {
	trackURL, err := f.trackURL(videoID, track)
	if err != nil {
		f.logFailure("build track url", videoID, err)
		return transcript.CaptionResult{}, false
	}

	// callers joining the flight must not inherit the first caller's
	// cancellation; get still bounds the request with f.timeout
	shared := context.WithoutCancel(ctx)
	v, err, _ := f.group.Do(trackURL, func() (any, error) {
		body, err := f.get(shared, trackURL)
		if err != nil {
			return nil, err
		}
		return ParseTrack(body)
	})
	if err != nil {
		f.logFailure("fetch track", videoID, err)
		return transcript.CaptionResult{}, false
	}
	lines := v.([]transcript.Line)
	if len(lines) == 0 {
		f.logger.Debug("Caption track %s for %s has no lines", track.LanguageCode, videoID)
		return transcript.CaptionResult{}, false
	}

	return transcript.NewCaptionResult(
		videoID,
		track.AutoGenerated(),
		lines,
		track.LanguageCode,
		track.DisplayName(),
		otherLanguages(all, track),
	), true
}

func (f *Fetcher) trackURL(videoID string, track Track) (string, error) {
	if track.BaseURL == "" {
		q := url.Values{}
		q.Set("v", videoID)
		q.Set("lang", track.LanguageCode)
		if track.AutoGenerated() {
			q.Set("kind", KindASR)
		}
		q.Set("fmt", "json3")
		return f.baseURL + "/api/timedtext?" + q.Encode(), nil
	}

	base, err := url.Parse(f.baseURL + "/")
	if err != nil {
		return "", errs.Wrap(errs.KindConfig, "invalid caption base url", err)
	}
	ref, err := url.Parse(track.BaseURL)
	if err != nil {
		return "", errs.Wrap(errs.KindParse, "invalid track url", err)
	}
	u := base.ResolveReference(ref)
	q := u.Query()
	q.Set("fmt", "json3")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "create request", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "read response", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.New(errs.KindNotFound, "caption endpoint returned 404")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindNetwork, fmt.Sprintf("caption endpoint returned status %d", resp.StatusCode))
	}
	return body, nil
}

func (f *Fetcher) logFailure(op, videoID string, err error) {
	kind := errs.Classify(err)
	if kind == errs.KindTimeout {
		f.logger.Warn("Caption %s timed out for %s after %s", op, videoID, f.timeout)
		return
	}
	f.logger.Warn("Caption %s failed for %s (%s): %v", op, videoID, kind, err)
}
