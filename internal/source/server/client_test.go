package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/transcript-overlay/internal/transcript"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

func newClient(opts ...Option) *Client {
	return NewClient(append([]Option{WithLogger(log.Nop())}, opts...)...)
}

func TestValidateBackendURL(t *testing.T) {
	for _, ok := range []string{"http://localhost:8000", "https://example.test/api/"} {
		assert.NoError(t, ValidateBackendURL(ok), ok)
	}
	for _, bad := range []string{"", "not-a-url", "ftp://example.test", "http://", "://x"} {
		assert.Error(t, ValidateBackendURL(bad), bad)
	}
}

func TestClient_InvalidURL_NoNetwork(t *testing.T) {
	var calls atomic.Int32
	transport := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, assert.AnError
	})
	c := newClient(WithHTTPClient(&http.Client{Transport: transport}))
	ctx := context.Background()

	submit := c.Submit(ctx, "vid_abc123", "not-a-url")
	status := c.CheckStatus(ctx, "vid_abc123", "not-a-url")

	for _, got := range []transcript.ServerResult{submit, status} {
		assert.Equal(t, transcript.StatusError, got.Status)
		assert.Equal(t, "Invalid backend URL", got.Error)
	}
	assert.False(t, c.Cancel(ctx, "vid_abc123", "not-a-url"))
	assert.Equal(t, int32(0), calls.Load())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestClient_SubmitAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transcribe", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "vid_abc123", req["videoId"])
		_, _ = w.Write([]byte(`{"status":"processing"}`))
	})
	mux.HandleFunc("GET /transcript/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "vid_abc123" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"complete","language":"en","transcript":[
			{"start":3,"duration":1,"text":"later"},
			{"start":0,"duration":2,"text":"first"}]}`))
	})
	mux.HandleFunc("DELETE /transcribe/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newClient()
	ctx := context.Background()

	submitted := c.Submit(ctx, "vid_abc123", srv.URL+"/")
	assert.Equal(t, transcript.StatusProcessing, submitted.Status)
	assert.Empty(t, submitted.Lines)

	done := c.CheckStatus(ctx, "vid_abc123", srv.URL)
	require.Equal(t, transcript.StatusComplete, done.Status)
	require.Len(t, done.Lines, 2)
	assert.Equal(t, "first", done.Lines[0].Text)
	assert.Equal(t, "en", done.Language)

	missing := c.CheckStatus(ctx, "vid_other1", srv.URL)
	assert.Equal(t, transcript.StatusError, missing.Status)
	assert.Equal(t, MsgNotFound, missing.Error)

	assert.True(t, c.Cancel(ctx, "vid_abc123", srv.URL))
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "backend error status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"status":"error","error":"audio unavailable"}`))
			},
			wantErr: "audio unavailable",
		},
		{
			name: "http 500 with message",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"worker crashed"}`))
			},
			wantErr: "worker crashed",
		},
		{
			name: "http 502 without body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantErr: "backend returned status 502",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"status":`))
			},
			wantErr: "malformed backend response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			got := newClient().CheckStatus(context.Background(), "vid_abc123", srv.URL)
			assert.Equal(t, transcript.StatusError, got.Status)
			assert.Equal(t, tt.wantErr, got.Error)
		})
	}
}

func TestClient_StatusTimeoutMapsToError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newClient(WithTimeouts(0, 50*time.Millisecond, 0))
	got := c.CheckStatus(context.Background(), "vid_abc123", srv.URL)

	assert.Equal(t, transcript.StatusError, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestClient_NetworkFailureCarriesMessage(t *testing.T) {
	c := newClient()
	got := c.Submit(context.Background(), "vid_abc123", "http://127.0.0.1:1")

	assert.Equal(t, transcript.StatusError, got.Status)
	assert.Contains(t, got.Error, "request failed")
}
