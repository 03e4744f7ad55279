// Package pipeline sequences the transcript sources, returns the best result
// available now and upgrades it in the background.
package pipeline

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/MimeLyc/transcript-overlay/internal/transcript"
)

var (
	ErrInvalidVideoID      = errors.New("invalid video id")
	ErrLanguageUnavailable = errors.New("caption language not available")
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,64}$`)

func ValidateVideoID(videoID string) error {
	if !videoIDPattern.MatchString(videoID) {
		return ErrInvalidVideoID
	}
	return nil
}

// MsgConfigureBackend is shown when no source has anything for the video.
const MsgConfigureBackend = "No captions are available for this video. Configure a transcription backend URL in settings to generate a transcript."

// Listener receives results produced after Fetch returned.
type Listener interface {
	OnUpdate(result transcript.Result)
}

type ListenerFunc func(result transcript.Result)

func (f ListenerFunc) OnUpdate(result transcript.Result) { f(result) }

// Settings is the read-only configuration the pipeline consults per request.
type Settings struct {
	BackendURL        string
	PreferredLanguage string
}

func (s Settings) backend() string {
	return strings.TrimSpace(s.BackendURL)
}

type SettingsProvider interface {
	Current() Settings
}

// StaticSettings serves fixed settings.
type StaticSettings Settings

func (s StaticSettings) Current() Settings { return Settings(s) }

type CaptionSource interface {
	TryFetch(ctx context.Context, videoID, preferredLanguage string) (transcript.CaptionResult, bool)
	TryFetchLanguage(ctx context.Context, videoID, languageCode string) (transcript.CaptionResult, bool)
}

type PartialSource interface {
	TryFetch(videoID string) (transcript.PartialResult, bool)
}

type ServerSource interface {
	Submit(ctx context.Context, videoID, backendURL string) transcript.ServerResult
	CheckStatus(ctx context.Context, videoID, backendURL string) transcript.ServerResult
	Cancel(ctx context.Context, videoID, backendURL string) bool
}
