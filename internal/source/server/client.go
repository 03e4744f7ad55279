// Package server talks to the external transcription backend.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/time/rate"

	"github.com/MimeLyc/transcript-overlay/internal/errs"
	"github.com/MimeLyc/transcript-overlay/internal/transcript"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

const (
	DefaultSubmitTimeout = 30 * time.Second
	DefaultStatusTimeout = 10 * time.Second
	DefaultCancelTimeout = 10 * time.Second

	MsgInvalidBackendURL = "Invalid backend URL"
	MsgNotFound          = "not found"

	maxResponseBytes = 32 << 20
)

// ValidateBackendURL accepts absolute http and https URLs with a host.
func ValidateBackendURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return errs.Wrap(errs.KindConfig, MsgInvalidBackendURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errs.New(errs.KindConfig, MsgInvalidBackendURL).With("scheme", u.Scheme)
	}
	if u.Host == "" {
		return errs.New(errs.KindConfig, MsgInvalidBackendURL)
	}
	return nil
}

// Client is the tier C source. Its methods never return errors; failures are
// mapped to error-status results.
type Client struct {
	httpClient    *http.Client
	limiter       *rate.Limiter
	submitTimeout time.Duration
	statusTimeout time.Duration
	cancelTimeout time.Duration
	logger        *log.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRateLimit bounds outgoing requests per second across all videos.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(cl *Client) {
		if perSecond <= 0 {
			cl.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithTimeouts(submit, status, cancel time.Duration) Option {
	return func(cl *Client) {
		if submit > 0 {
			cl.submitTimeout = submit
		}
		if status > 0 {
			cl.statusTimeout = status
		}
		if cancel > 0 {
			cl.cancelTimeout = cancel
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{},
		submitTimeout: DefaultSubmitTimeout,
		statusTimeout: DefaultStatusTimeout,
		cancelTimeout: DefaultCancelTimeout,
		logger:        log.WithComponent("server"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitRequest struct {
	VideoID string `json:"videoId"`
}

type statusResponse struct {
	Status     transcript.ServerStatus `json:"status"`
	Transcript []transcript.Line       `json:"transcript"`
	Error      string                  `json:"error"`
	Language   string                  `json:"language"`
}

// Submit asks the backend to start transcribing videoID.
func (c *Client) Submit(ctx context.Context, videoID, backendURL string) transcript.ServerResult {
	if err := ValidateBackendURL(backendURL); err != nil {
		return transcript.ServerError(videoID, MsgInvalidBackendURL)
	}

	body, err := json.Marshal(submitRequest{VideoID: videoID})
	if err != nil {
		return transcript.ServerError(videoID, err.Error())
	}
	resp, err := c.do(ctx, c.submitTimeout, http.MethodPost, endpoint(backendURL, "transcribe"), body)
	if err != nil {
		c.logFailure("submit", videoID, err)
		return transcript.ServerError(videoID, err.Error())
	}
	return c.decode(videoID, resp)
}

// CheckStatus polls the backend. A 404 means the video was never submitted.
func (c *Client) CheckStatus(ctx context.Context, videoID, backendURL string) transcript.ServerResult {
	if err := ValidateBackendURL(backendURL); err != nil {
		return transcript.ServerError(videoID, MsgInvalidBackendURL)
	}

	resp, err := c.do(ctx, c.statusTimeout, http.MethodGet, endpoint(backendURL, "transcript", videoID), nil)
	if err != nil {
		c.logFailure("status", videoID, err)
		return transcript.ServerError(videoID, err.Error())
	}
	if resp.status == http.StatusNotFound {
		return transcript.ServerError(videoID, MsgNotFound)
	}
	return c.decode(videoID, resp)
}

// Cancel is best effort; it reports whether the backend acknowledged.
func (c *Client) Cancel(ctx context.Context, videoID, backendURL string) bool {
	if err := ValidateBackendURL(backendURL); err != nil {
		return false
	}
	resp, err := c.do(ctx, c.cancelTimeout, http.MethodDelete, endpoint(backendURL, "transcribe", videoID), nil)
	if err != nil {
		c.logFailure("cancel", videoID, err)
		return false
	}
	return resp.status >= 200 && resp.status < 300
}

type rawResponse struct {
	status int
	body   []byte
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, target string, body []byte) (rawResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return rawResponse{}, errs.Wrap(errs.KindNetwork, "rate limiter", err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return rawResponse{}, errs.Wrap(errs.KindConfig, "create request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return rawResponse{}, errs.Wrap(errs.KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return rawResponse{}, errs.Wrap(errs.KindNetwork, "read response", err)
	}
	return rawResponse{status: resp.StatusCode, body: data}, nil
}

func (c *Client) decode(videoID string, resp rawResponse) transcript.ServerResult {
	var payload statusResponse
	if len(bytes.TrimSpace(resp.body)) > 0 {
		if err := json.Unmarshal(resp.body, &payload); err != nil && resp.status < 300 {
			c.logger.Warn("Backend returned malformed body for %s: %v", videoID, err)
			return transcript.ServerError(videoID, "malformed backend response")
		}
	}

	if resp.status < 200 || resp.status >= 300 {
		msg := payload.Error
		if msg == "" {
			msg = fmt.Sprintf("backend returned status %d", resp.status)
		}
		return transcript.ServerError(videoID, msg)
	}

	switch payload.Status {
	case transcript.StatusProcessing, transcript.StatusComplete:
	case transcript.StatusError:
		msg := payload.Error
		if msg == "" {
			msg = "transcription failed"
		}
		return transcript.ServerError(videoID, msg)
	default:
		return transcript.ServerError(videoID, fmt.Sprintf("unknown backend status %q", payload.Status))
	}

	lines := payload.Transcript
	transcript.SortLines(lines)
	result := transcript.NewServerResult(videoID, payload.Status, lines)
	result.Language = payload.Language
	if result.Language == "" && payload.Status == transcript.StatusComplete {
		result.Language = detectLanguage(lines)
	}
	return result
}

// detectLanguage guesses the ISO 639-1 code of the transcript text.
func detectLanguage(lines []transcript.Line) string {
	if len(lines) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l.Text)
		sb.WriteByte(' ')
		if sb.Len() > 4096 {
			break
		}
	}
	info := whatlanggo.Detect(sb.String())
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}

func endpoint(base string, parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/" + strings.Join(escaped, "/")
}

func (c *Client) logFailure(op, videoID string, err error) {
	if errs.Classify(err) == errs.KindTimeout {
		c.logger.Warn("Backend %s timed out for %s", op, videoID)
		return
	}
	c.logger.Warn("Backend %s failed for %s: %v", op, videoID, err)
}
