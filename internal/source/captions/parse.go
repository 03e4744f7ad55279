package captions

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/MimeLyc/transcript-overlay/internal/errs"
	"github.com/MimeLyc/transcript-overlay/internal/transcript"
)

// ParseTrack decodes a caption payload into lines ordered by start time.
// json3 and srv3 carry milliseconds, srv1 carries seconds.
func ParseTrack(data []byte) ([]transcript.Line, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errs.New(errs.KindParse, "empty caption payload")
	}

	var (
		lines []transcript.Line
		err   error
	)
	switch trimmed[0] {
	case '{':
		lines, err = parseJSON3(trimmed)
	case '<':
		lines, err = parseXML(trimmed)
	default:
		return nil, errs.New(errs.KindParse, "unrecognised caption payload")
	}
	if err != nil {
		return nil, err
	}
	transcript.SortLines(lines)
	return lines, nil
}

type json3Doc struct {
	Events []struct {
		StartMs    *float64 `json:"tStartMs"`
		DurationMs float64  `json:"dDurationMs"`
		Segs       []struct {
			UTF8 string `json:"utf8"`
		} `json:"segs"`
	} `json:"events"`
}

func parseJSON3(data []byte) ([]transcript.Line, error) {
	var doc json3Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.KindParse, "decode json3 payload", err)
	}

	lines := make([]transcript.Line, 0, len(doc.Events))
	for _, ev := range doc.Events {
		if ev.StartMs == nil || len(ev.Segs) == 0 {
			continue
		}
		var sb strings.Builder
		for _, seg := range ev.Segs {
			sb.WriteString(seg.UTF8)
		}
		text := cleanText(sb.String())
		if text == "" {
			continue
		}
		lines = append(lines, transcript.Line{
			Start:    msToSeconds(*ev.StartMs),
			Duration: msToSeconds(ev.DurationMs),
			Text:     text,
		})
	}
	return lines, nil
}

type srv3Doc struct {
	XMLName xml.Name `xml:"timedtext"`
	Body    struct {
		Paragraphs []struct {
			Time     string `xml:"t,attr"`
			Duration string `xml:"d,attr"`
			Content  string `xml:",chardata"`
			Segments []struct {
				Text string `xml:",chardata"`
			} `xml:"s"`
		} `xml:"p"`
	} `xml:"body"`
}

type srv1Doc struct {
	XMLName xml.Name `xml:"transcript"`
	Texts   []struct {
		Start    string `xml:"start,attr"`
		Duration string `xml:"dur,attr"`
		Content  string `xml:",chardata"`
	} `xml:"text"`
}

func parseXML(data []byte) ([]transcript.Line, error) {
	root, err := rootElement(data)
	if err != nil {
		return nil, err
	}

	switch root {
	case "timedtext":
		var doc srv3Doc
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, errs.Wrap(errs.KindParse, "decode srv3 payload", err)
		}
		lines := make([]transcript.Line, 0, len(doc.Body.Paragraphs))
		for _, p := range doc.Body.Paragraphs {
			text := p.Content
			if len(p.Segments) > 0 {
				var sb strings.Builder
				sb.WriteString(p.Content)
				for _, s := range p.Segments {
					sb.WriteString(s.Text)
				}
				text = sb.String()
			}
			text = cleanText(text)
			if text == "" {
				continue
			}
			start, err := strconv.ParseFloat(p.Time, 64)
			if err != nil {
				return nil, errs.Wrap(errs.KindParse, fmt.Sprintf("invalid start %q", p.Time), err)
			}
			dur, _ := strconv.ParseFloat(p.Duration, 64)
			lines = append(lines, transcript.Line{
				Start:    msToSeconds(start),
				Duration: msToSeconds(dur),
				Text:     text,
			})
		}
		return lines, nil
	case "transcript":
		var doc srv1Doc
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, errs.Wrap(errs.KindParse, "decode srv1 payload", err)
		}
		lines := make([]transcript.Line, 0, len(doc.Texts))
		for _, t := range doc.Texts {
			text := cleanText(html.UnescapeString(t.Content))
			if text == "" {
				continue
			}
			start, err := strconv.ParseFloat(t.Start, 64)
			if err != nil {
				return nil, errs.Wrap(errs.KindParse, fmt.Sprintf("invalid start %q", t.Start), err)
			}
			dur, _ := strconv.ParseFloat(t.Duration, 64)
			lines = append(lines, transcript.Line{
				Start:    nonNegative(start),
				Duration: nonNegative(dur),
				Text:     text,
			})
		}
		return lines, nil
	default:
		return nil, errs.New(errs.KindParse, fmt.Sprintf("unexpected root element %q", root))
	}
}

func rootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", errs.Wrap(errs.KindParse, "read xml root", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func msToSeconds(ms float64) float64 {
	return nonNegative(ms) / 1000
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
