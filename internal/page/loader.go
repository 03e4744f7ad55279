package page

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MimeLyc/transcript-overlay/internal/errs"
	"github.com/MimeLyc/transcript-overlay/internal/source/captions"
	"github.com/MimeLyc/transcript-overlay/internal/transcript"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

const (
	DefaultLoadTimeout = 15 * time.Second

	playerResponseMarker = "ytInitialPlayerResponse"
	initialDataMarker    = "ytInitialData"
	maxPageBytes         = 8 << 20
)

// WatchPageLoader builds a Snapshot from the public watch page.
type WatchPageLoader struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	logger     *log.Logger
}

type LoaderOption func(*WatchPageLoader)

func WithLoaderHTTPClient(c *http.Client) LoaderOption {
	return func(l *WatchPageLoader) { l.httpClient = c }
}

func WithLoaderBaseURL(u string) LoaderOption {
	return func(l *WatchPageLoader) { l.baseURL = strings.TrimRight(u, "/") }
}

func WithLoaderLogger(lg *log.Logger) LoaderOption {
	return func(l *WatchPageLoader) { l.logger = lg }
}

func NewWatchPageLoader(opts ...LoaderOption) *WatchPageLoader {
	l := &WatchPageLoader{
		httpClient: &http.Client{},
		baseURL:    captions.DefaultBaseURL,
		timeout:    DefaultLoadTimeout,
		logger:     log.WithComponent("page"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches the watch page for videoID and extracts its caption tracks,
// description and chapters. Missing parts are left empty.
func (l *WatchPageLoader) Load(ctx context.Context, videoID string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	target := l.baseURL + "/watch?v=" + url.QueryEscape(videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Snapshot{}, errs.Wrap(errs.KindConfig, "create request", err)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, errs.Wrap(errs.KindNetwork, "fetch watch page", err).With("video", videoID)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, errs.New(errs.KindNetwork, "watch page status").With("status", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Snapshot{}, errs.Wrap(errs.KindNetwork, "read watch page", err)
	}

	snap, err := ParseWatchPage(videoID, string(body))
	if err != nil {
		return Snapshot{}, err
	}
	l.logger.Debug("Loaded watch page for %s: %d tracks, %d chapters", videoID, len(snap.CaptionTracks), len(snap.Chapters))
	return snap, nil
}

// LoadInto loads the snapshot and stores it.
func (l *WatchPageLoader) LoadInto(ctx context.Context, store *Store, videoID string) error {
	snap, err := l.Load(ctx, videoID)
	if err != nil {
		return err
	}
	store.Put(snap)
	return nil
}

type playerResponse struct {
	Captions struct {
		Renderer struct {
			CaptionTracks []struct {
				BaseURL      string    `json:"baseUrl"`
				LanguageCode string    `json:"languageCode"`
				Name         textField `json:"name"`
				Kind         string    `json:"kind"`
			} `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
	VideoDetails struct {
		VideoID          string `json:"videoId"`
		ShortDescription string `json:"shortDescription"`
	} `json:"videoDetails"`
}

type textField struct {
	SimpleText string `json:"simpleText"`
	Runs       []struct {
		Text string `json:"text"`
	} `json:"runs"`
}

func (t textField) String() string {
	if t.SimpleText != "" {
		return t.SimpleText
	}
	var sb strings.Builder
	for _, r := range t.Runs {
		sb.WriteString(r.Text)
	}
	return sb.String()
}

type initialData struct {
	PlayerOverlays struct {
		Renderer struct {
			Decorated struct {
				Renderer struct {
					PlayerBar struct {
						Markers struct {
							MarkersMap []struct {
								Value struct {
									Chapters []struct {
										Chapter struct {
											Title       textField `json:"title"`
											StartMillis float64   `json:"timeRangeStartMillis"`
										} `json:"chapterRenderer"`
									} `json:"chapters"`
								} `json:"value"`
							} `json:"markersMap"`
						} `json:"multiMarkersPlayerBarRenderer"`
					} `json:"playerBar"`
				} `json:"decoratedPlayerBarRenderer"`
			} `json:"decoratedPlayerBar"`
		} `json:"playerOverlayRenderer"`
	} `json:"playerOverlays"`
}

// ParseWatchPage extracts a Snapshot from watch page HTML. A page without a
// player response is a parse error.
func ParseWatchPage(videoID, html string) (Snapshot, error) {
	var player playerResponse
	if err := decodeAssignment(html, playerResponseMarker, &player); err != nil {
		return Snapshot{}, errs.Wrap(errs.KindParse, "player response", err).With("video", videoID)
	}

	snap := Snapshot{
		VideoID:     videoID,
		Description: player.VideoDetails.ShortDescription,
	}
	for _, t := range player.Captions.Renderer.CaptionTracks {
		if t.BaseURL == "" || t.LanguageCode == "" {
			continue
		}
		snap.CaptionTracks = append(snap.CaptionTracks, captions.Track{
			BaseURL:      t.BaseURL,
			LanguageCode: t.LanguageCode,
			Name:         t.Name.String(),
			Kind:         t.Kind,
		})
	}

	var data initialData
	if err := decodeAssignment(html, initialDataMarker, &data); err == nil {
		for _, m := range data.PlayerOverlays.Renderer.Decorated.Renderer.PlayerBar.Markers.MarkersMap {
			for _, c := range m.Value.Chapters {
				snap.Chapters = append(snap.Chapters, transcript.Chapter{
					Title: c.Chapter.Title.String(),
					Start: c.Chapter.StartMillis / 1000,
				})
			}
			if len(snap.Chapters) > 0 {
				break
			}
		}
	}
	return snap, nil
}

// decodeAssignment finds `marker = {...}` in html and decodes the object.
func decodeAssignment(html, marker string, v any) error {
	search := html
	for {
		idx := strings.Index(search, marker)
		if idx < 0 {
			return fmt.Errorf("%s not found", marker)
		}
		rest := strings.TrimLeft(search[idx+len(marker):], " \t\"']")
		if strings.HasPrefix(rest, "=") {
			rest = strings.TrimLeft(rest[1:], " \t")
			if strings.HasPrefix(rest, "{") {
				return json.NewDecoder(strings.NewReader(rest)).Decode(v)
			}
		}
		search = search[idx+len(marker):]
	}
}
