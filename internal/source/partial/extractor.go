// Package partial builds the fallback result from content already present on the page.
package partial

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/MimeLyc/transcript-overlay/internal/transcript"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

// PageContent exposes page text that is already loaded.
type PageContent interface {
	Description(videoID string) (string, bool)
	Chapters(videoID string) ([]transcript.Chapter, bool)
}

// Extractor is the tier B source. It performs no network I/O.
type Extractor struct {
	page   PageContent
	logger *log.Logger
}

func NewExtractor(page PageContent, logger *log.Logger) *Extractor {
	if logger == nil {
		logger = log.WithComponent("partial")
	}
	return &Extractor{page: page, logger: logger}
}

// TryFetch returns description and chapters, or absence when both are empty.
func (e *Extractor) TryFetch(videoID string) (transcript.PartialResult, bool) {
	if e.page == nil {
		return transcript.PartialResult{}, false
	}

	description, _ := e.page.Description(videoID)
	description = strings.TrimSpace(description)

	chapters, ok := e.page.Chapters(videoID)
	if !ok || len(chapters) == 0 {
		chapters = ParseChapters(description)
	}

	result := transcript.NewPartialResult(videoID, description, chapters)
	if result.Empty() {
		e.logger.Debug("No description or chapters for %s", videoID)
		return transcript.PartialResult{}, false
	}
	return result, true
}

var chapterLine = regexp.MustCompile(`^\s*[\[(]?((?:\d{1,2}:)?\d{1,2}:\d{2})[\])]?\s*[-–—:|]?\s*(.+?)\s*$`)

// ParseChapters reads "0:00 Intro" style markers from a description. It
// returns nil unless there are at least two markers, the first at 0:00, in
// ascending order.
func ParseChapters(description string) []transcript.Chapter {
	var chapters []transcript.Chapter
	for _, line := range strings.Split(description, "\n") {
		m := chapterLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		start, ok := parseTimestamp(m[1])
		if !ok {
			continue
		}
		chapters = append(chapters, transcript.Chapter{Title: m[2], Start: start})
	}

	if len(chapters) < 2 || chapters[0].Start != 0 {
		return nil
	}
	for i := 1; i < len(chapters); i++ {
		if chapters[i].Start <= chapters[i-1].Start {
			return nil
		}
	}
	return chapters
}

func parseTimestamp(s string) (float64, bool) {
	parts := strings.Split(s, ":")
	total := 0
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, false
		}
		if i > 0 && n >= 60 {
			return 0, false
		}
		total = total*60 + n
	}
	return float64(total), true
}
