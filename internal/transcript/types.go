// Package transcript holds the result shapes produced by the retrieval tiers.
package transcript

import (
	"slices"
	"sort"
)

// Line is one timed line of text. Times are in seconds.
type Line struct {
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Text     string  `json:"text"`
}

// Chapter marks a titled section of a video.
type Chapter struct {
	Title string  `json:"title"`
	Start float64 `json:"start"`
}

// LanguageTrack describes a caption track that could be requested instead.
type LanguageTrack struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	AutoGenerated bool   `json:"auto_generated"`
}

type Source string

const (
	SourceCaptions      Source = "youtube-captions"
	SourceAutoGenerated Source = "youtube-auto-generated"
	SourcePartial       Source = "fallback-partial"
	SourceServer        Source = "server-transcription"
)

type Tier int

const (
	TierUnknown Tier = iota
	TierA
	TierB
	TierC
)

func (t Tier) String() string {
	switch t {
	case TierA:
		return "A"
	case TierB:
		return "B"
	case TierC:
		return "C"
	default:
		return "unknown"
	}
}

func (s Source) Tier() Tier {
	switch s {
	case SourceCaptions, SourceAutoGenerated:
		return TierA
	case SourcePartial:
		return TierB
	case SourceServer:
		return TierC
	default:
		return TierUnknown
	}
}

// Result is the closed set of retrieval outcomes: CaptionResult,
// PartialResult and ServerResult. Values are never mutated after
// construction; an update is always a new value.
type Result interface {
	Source() Source
	Video() string
	isResult()
}

// CaptionResult is a tier A result built from a native caption track.
type CaptionResult struct {
	VideoID            string          `json:"video_id"`
	Kind               Source          `json:"source"`
	Lines              []Line          `json:"lines"`
	Language           string          `json:"language"`
	LanguageName       string          `json:"language_name"`
	AvailableLanguages []LanguageTrack `json:"available_languages"`
}

// NewCaptionResult copies lines and tracks so the caller can keep reusing its slices.
func NewCaptionResult(videoID string, autoGenerated bool, lines []Line, lang, langName string, available []LanguageTrack) CaptionResult {
	kind := SourceCaptions
	if autoGenerated {
		kind = SourceAutoGenerated
	}
	return CaptionResult{
		VideoID:            videoID,
		Kind:               kind,
		Lines:              cloneLines(lines),
		Language:           lang,
		LanguageName:       langName,
		AvailableLanguages: slices.Clone(available),
	}
}

func (r CaptionResult) Source() Source { return r.Kind }
func (r CaptionResult) Video() string  { return r.VideoID }
func (CaptionResult) isResult()        {}

// PartialResult is a tier B result built from description and chapters.
type PartialResult struct {
	VideoID     string    `json:"video_id"`
	Description string    `json:"description,omitempty"`
	Chapters    []Chapter `json:"chapters,omitempty"`
	IsPartial   bool      `json:"is_partial"`
}

func NewPartialResult(videoID, description string, chapters []Chapter) PartialResult {
	return PartialResult{
		VideoID:     videoID,
		Description: description,
		Chapters:    slices.Clone(chapters),
		IsPartial:   true,
	}
}

// Empty reports whether there is nothing to show.
func (r PartialResult) Empty() bool {
	return r.Description == "" && len(r.Chapters) == 0
}

func (r PartialResult) Source() Source { return SourcePartial }
func (r PartialResult) Video() string  { return r.VideoID }
func (PartialResult) isResult()        {}

type ServerStatus string

const (
	StatusProcessing ServerStatus = "processing"
	StatusComplete   ServerStatus = "complete"
	StatusError      ServerStatus = "error"
)

// ServerResult is a tier C result reported by the transcription backend.
type ServerResult struct {
	VideoID  string       `json:"video_id"`
	Lines    []Line       `json:"lines"`
	Status   ServerStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
	Language string       `json:"language,omitempty"`
	// Background is set on updates from the upgrade of a partial result. An
	// error there leaves the partial result in place.
	Background bool `json:"background,omitempty"`
}

func NewServerResult(videoID string, status ServerStatus, lines []Line) ServerResult {
	return ServerResult{
		VideoID: videoID,
		Status:  status,
		Lines:   cloneLines(lines),
	}
}

// ServerError builds an error-status result.
func ServerError(videoID, message string) ServerResult {
	return ServerResult{
		VideoID: videoID,
		Status:  StatusError,
		Lines:   []Line{},
		Error:   message,
	}
}

// Terminal reports whether the backend will not change this result any more.
func (r ServerResult) Terminal() bool {
	return r.Status == StatusComplete || r.Status == StatusError
}

func (r ServerResult) Source() Source { return SourceServer }
func (r ServerResult) Video() string  { return r.VideoID }
func (ServerResult) isResult()        {}

// SortLines orders lines by start time, keeping the input order of equal starts.
func SortLines(lines []Line) {
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Start < lines[j].Start
	})
}

func cloneLines(lines []Line) []Line {
	if lines == nil {
		return []Line{}
	}
	return slices.Clone(lines)
}
