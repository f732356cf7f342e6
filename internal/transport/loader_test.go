package transport

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// result captures whichever terminal callback fired.
type result struct {
	kind     string
	response Response
	stats    Stats
}

// loadAndWait runs a load to completion and returns the terminal result.
func loadAndWait(t *testing.T, l *Loader, req Request) result {
	t.Helper()

	done := make(chan result, 1)
	err := l.Load(context.Background(), req, Callbacks{
		OnSuccess: func(r Response) { done <- result{kind: "success", response: r} },
		OnError:   func(r Response) { done <- result{kind: "error", response: r} },
		OnTimeout: func(s Stats) { done <- result{kind: "timeout", stats: s} },
		OnAbort:   func(s Stats) { done <- result{kind: "abort", stats: s} },
	})
	require.NoError(t, err)

	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("load did not complete")
		return result{}
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.MaxRetryDelay = 40 * time.Millisecond
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestLoader_SuccessText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "llguard")
		w.Write([]byte("#EXTM3U\n"))
	}))
	defer server.Close()

	l := NewLoader(fastConfig())
	res := loadAndWait(t, l, Request{URL: server.URL, ResponseType: ResponseText})

	require.Equal(t, "success", res.kind)
	assert.Equal(t, http.StatusOK, res.response.Code)
	assert.Equal(t, "#EXTM3U\n", res.response.Text)
	assert.Nil(t, res.response.Data)
	assert.Equal(t, int64(8), res.response.Stats.Loaded)
	assert.Equal(t, 0, res.response.Stats.RetryCount)
}

func TestLoader_SuccessBinary(t *testing.T) {
	payload := []byte{0x47, 0x00, 0x11, 0x22}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	l := NewLoader(fastConfig())
	res := loadAndWait(t, l, Request{URL: server.URL, ResponseType: ResponseBinary})

	require.Equal(t, "success", res.kind)
	assert.Equal(t, payload, res.response.Data)
	assert.Empty(t, res.response.Text)
}

// Scenario: 503 on every attempt with a retry budget of two exhausts the
// budget on the third attempt; backoff delays double in between.
func TestLoader_RetryBudgetExhausted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.MaxRetries = 2
	l := NewLoader(cfg)
	res := loadAndWait(t, l, Request{URL: server.URL, ResponseType: ResponseText})

	require.Equal(t, "error", res.kind)
	assert.Equal(t, http.StatusServiceUnavailable, res.response.Code)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 2, res.response.Stats.RetryCount)
}

func TestLoader_RetryThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	l := NewLoader(fastConfig())
	res := loadAndWait(t, l, Request{URL: server.URL, ResponseType: ResponseText})

	require.Equal(t, "success", res.kind)
	assert.Equal(t, "ok", res.response.Text)
	assert.Equal(t, 2, res.response.Stats.RetryCount)
}

func TestLoader_PermanentClientErrorsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		code int
	}{
		{"not found", http.StatusNotFound},
		{"forbidden", http.StatusForbidden},
		{"band upper edge", 498},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.code)
			}))
			defer server.Close()

			l := NewLoader(fastConfig())
			res := loadAndWait(t, l, Request{URL: server.URL, ResponseType: ResponseText})

			require.Equal(t, "error", res.kind)
			assert.Equal(t, tt.code, res.response.Code)
			assert.Equal(t, int32(1), attempts.Load())
			assert.Equal(t, 0, res.response.Stats.RetryCount)
		})
	}
}

func TestLoader_Status499IsRetryable(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(499)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.MaxRetries = 1
	l := NewLoader(cfg)
	res := loadAndWait(t, l, Request{URL: server.URL, ResponseType: ResponseText})

	require.Equal(t, "error", res.kind)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestLoader_TimeoutNotRetried(t *testing.T) {
	var attempts atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := fastConfig()
	cfg.Timeout = 100 * time.Millisecond
	l := NewLoader(cfg)
	res := loadAndWait(t, l, Request{URL: server.URL, ResponseType: ResponseText})

	assert.Equal(t, "timeout", res.kind)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestLoader_ProgressRearmsTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for i := 0; i < 6; i++ {
			w.Write([]byte("chunk"))
			flusher.Flush()
			time.Sleep(100 * time.Millisecond)
		}
	}))
	defer server.Close()

	// Per-chunk gaps stay under the timeout even though the whole body
	// takes three times longer.
	cfg := fastConfig()
	cfg.Timeout = 250 * time.Millisecond
	l := NewLoader(cfg)

	var progressCalls atomic.Int32
	done := make(chan result, 1)
	err := l.Load(context.Background(), Request{URL: server.URL, ResponseType: ResponseText}, Callbacks{
		OnSuccess:  func(r Response) { done <- result{kind: "success", response: r} },
		OnTimeout:  func(s Stats) { done <- result{kind: "timeout", stats: s} },
		OnError:    func(r Response) { done <- result{kind: "error", response: r} },
		OnProgress: func(Stats) { progressCalls.Add(1) },
	})
	require.NoError(t, err)

	select {
	case res := <-done:
		require.Equal(t, "success", res.kind)
		assert.Equal(t, "chunkchunkchunkchunkchunkchunk", res.response.Text)
		assert.GreaterOrEqual(t, progressCalls.Load(), int32(2))
	case <-time.After(10 * time.Second):
		t.Fatal("load did not complete")
	}
}

func TestLoader_Abort(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	l := NewLoader(fastConfig())
	done := make(chan result, 1)
	err := l.Load(context.Background(), Request{URL: server.URL, ResponseType: ResponseText}, Callbacks{
		OnSuccess: func(r Response) { done <- result{kind: "success", response: r} },
		OnError:   func(r Response) { done <- result{kind: "error", response: r} },
		OnAbort:   func(s Stats) { done <- result{kind: "abort", stats: s} },
	})
	require.NoError(t, err)

	<-started
	l.Abort()

	select {
	case res := <-done:
		require.Equal(t, "abort", res.kind)
		assert.True(t, res.stats.Aborted)
	case <-time.After(5 * time.Second):
		t.Fatal("abort callback never fired")
	}

	// A second abort is a no-op.
	l.Abort()
}

// An abort that lands after the body has been fully read but before the
// terminal callback is chosen must still suppress OnSuccess.
func TestLoader_AbortBeforeTerminalDeliversOnAbort(t *testing.T) {
	l := NewLoader(fastConfig())

	var gotSuccess, gotAbort bool
	l.mu.Lock()
	l.state = stateLoading
	l.req = Request{URL: "http://localhost/media.m3u8", ResponseType: ResponseText}
	l.cb = Callbacks{
		OnSuccess: func(Response) { gotSuccess = true },
		OnAbort:   func(Stats) { gotAbort = true },
	}
	l.mu.Unlock()

	l.Abort()
	l.finishSuccess(outcome{kind: outcomeSuccess, code: 200, data: []byte("#EXTM3U\n"), declared: 8})

	assert.False(t, gotSuccess)
	assert.True(t, gotAbort)
	assert.True(t, l.Stats().Aborted)
}

func TestLoader_AbortWhenIdleIsSafe(t *testing.T) {
	l := NewLoader(fastConfig())
	l.Abort()
	l.Destroy()
}

func TestLoader_SingleUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	l := NewLoader(fastConfig())
	res := loadAndWait(t, l, Request{URL: server.URL, ResponseType: ResponseText})
	require.Equal(t, "success", res.kind)

	err := l.Load(context.Background(), Request{URL: server.URL}, Callbacks{})
	assert.ErrorIs(t, err, ErrLoaderReused)
}

func TestLoader_LoadAfterDestroy(t *testing.T) {
	l := NewLoader(fastConfig())
	l.Destroy()

	err := l.Load(context.Background(), Request{URL: "http://localhost/x"}, Callbacks{})
	assert.ErrorIs(t, err, ErrLoaderDestroyed)
}

// Two sequential renewable fetches of the same playlist identity: the first
// returns ten bytes, the second is range-continued and returns five more.
// The second delivery is the full accumulated text.
func TestLoader_RenewableContinuation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Range") {
		case "":
			w.Write([]byte("0123456789"))
		case "bytes=10-":
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte("ABCDE"))
		default:
			t.Errorf("unexpected range header %q", r.Header.Get("Range"))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		}
	}))
	defer server.Close()

	store := NewContinuationStore(8)
	cfg := fastConfig()
	cfg.Continuations = store

	req := Request{
		URL:          server.URL + "/live/mid.m3u8",
		ResponseType: ResponseText,
		Renewable:    true,
		ConsumerID:   "player-1",
		Level:        2,
	}

	first := loadAndWait(t, NewLoader(cfg), req)
	require.Equal(t, "success", first.kind)
	assert.Equal(t, "0123456789", first.response.Text)
	assert.Equal(t, int64(10), first.response.Stats.Total)

	second := loadAndWait(t, NewLoader(cfg), req)
	require.Equal(t, "success", second.kind)
	assert.Equal(t, "0123456789ABCDE", second.response.Text)
	assert.Equal(t, int64(15), second.response.Stats.Total)

	assert.Equal(t, int64(15), store.Offset(IdentityFor("player-1", 2, req.URL)))
}

func TestLoader_CacheAge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Age", "12.5")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	l := NewLoader(fastConfig())

	_, ok := l.CacheAge()
	assert.False(t, ok)

	res := loadAndWait(t, l, Request{URL: server.URL, ResponseType: ResponseText})
	require.Equal(t, "success", res.kind)

	age, ok := l.CacheAge()
	require.True(t, ok)
	assert.Equal(t, 12.5, age)
}

func TestLoader_GzipDecompression(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "gzip")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("#EXTM3U\ncompressed playlist\n"))
		gz.Close()
	}))
	defer server.Close()

	l := NewLoader(fastConfig())
	res := loadAndWait(t, l, Request{URL: server.URL, ResponseType: ResponseText})

	require.Equal(t, "success", res.kind)
	assert.Equal(t, "#EXTM3U\ncompressed playlist\n", res.response.Text)
}
