// Package transport provides the resilient single-use HTTP loader used for
// playlist and segment fetching: bounded by a progress-aware timeout,
// retried with exponential backoff, abortable, and able to tail a
// live-growing playlist resource through byte-range continuation.
//
// The loader wraps the standard http.Client and adds:
//   - Exponential-backoff retry with a delay ceiling
//   - A timeout timer rearmed on every observed progress chunk
//   - Transparent decompression (gzip, deflate, brotli)
//   - Incremental range continuation for renewable playlist fetches
//   - Structured logging
package transport

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
)

// Common errors returned by the loader.
var (
	// ErrLoaderReused is returned when Load is called on a loader that has
	// already been used. Loaders are single-use.
	ErrLoaderReused = errors.New("loader already used")
	// ErrLoaderDestroyed is returned when Load is called after Destroy.
	ErrLoaderDestroyed = errors.New("loader destroyed")
)

// Default configuration values.
const (
	DefaultTimeout       = 20 * time.Second
	DefaultRetryDelay    = 1 * time.Second
	DefaultMaxRetryDelay = 8 * time.Second
	DefaultMaxRetries    = 3
	DefaultUserAgent     = "llguard/1.0"

	// readChunkSize is the body read granularity; every full or partial
	// chunk counts as observed progress and rearms the timeout timer.
	readChunkSize = 32 * 1024
)

// HTTP status bounds for the permanent client-error band. Responses in
// [400, 498] are never retried; 499 and above are treated as retryable.
const (
	permanentErrorMin = 400
	permanentErrorMax = 498
)

// HTTP header constants.
const (
	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	headerUserAgent       = "User-Agent"
	headerRange           = "Range"
	headerAge             = "Age"

	acceptEncodings = "gzip, deflate, br"
)

// ResponseType selects how a 2xx payload is decoded.
type ResponseType int

const (
	// ResponseBinary delivers the raw bytes.
	ResponseBinary ResponseType = iota
	// ResponseText delivers the payload decoded as UTF-8 text.
	ResponseText
)

// ByteRange is an explicit request range. End zero means open-ended.
type ByteRange struct {
	Start int64
	End   int64
}

// Request describes one load target.
type Request struct {
	// URL is the resource to fetch.
	URL string

	// ResponseType selects binary or text decoding.
	ResponseType ResponseType

	// Range optionally restricts the fetch to a byte range.
	Range *ByteRange

	// Renewable tags the request as a rendition-playlist fetch of a
	// live-growing resource. Renewable loads resume from the
	// continuation store's accumulated size and deliver the full
	// accumulated text.
	Renewable bool

	// ConsumerID and Level form the continuation identity together with
	// the URL's origin and path. Only meaningful for renewable requests.
	ConsumerID string
	Level      int
}

// Config holds the loader configuration.
type Config struct {
	// Timeout is the bounded wait for request progress. The timer is
	// rearmed whenever response bytes arrive.
	Timeout time.Duration

	// RetryDelay is the initial backoff delay.
	RetryDelay time.Duration

	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration

	// MaxRetries is the retry budget for retryable failures.
	MaxRetries int

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// Logger is the structured logger. Nil means slog.Default.
	Logger *slog.Logger

	// Client is the underlying http.Client. If nil, a default client
	// without its own timeout is used; the loader owns the deadline.
	Client *http.Client

	// Continuations is the session continuation store consulted for
	// renewable requests. Nil disables continuation.
	Continuations *ContinuationStore
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       DefaultTimeout,
		RetryDelay:    DefaultRetryDelay,
		MaxRetryDelay: DefaultMaxRetryDelay,
		MaxRetries:    DefaultMaxRetries,
		UserAgent:     DefaultUserAgent,
	}
}

// Stats tracks a load's observable progress.
type Stats struct {
	// Loaded is the number of payload bytes received so far.
	Loaded int64
	// Total is the expected payload size, zero when unknown.
	Total int64
	// RetryCount is the number of retries performed.
	RetryCount int
	// Aborted reports whether the load was aborted.
	Aborted bool
}

// Response is the terminal result handed to OnSuccess or OnError.
type Response struct {
	// URL is the request target.
	URL string
	// Code is the final HTTP status, zero for network-level failures.
	Code int
	// Data is the payload for binary requests.
	Data []byte
	// Text is the decoded payload for text requests. For renewable
	// requests this is the full accumulated text, not the increment.
	Text string
	// Stats is the final progress snapshot.
	Stats Stats
}

// Callbacks receives the load outcome. Exactly one of OnSuccess, OnError,
// OnTimeout, or OnAbort fires exactly once per load. OnProgress may fire any
// number of times before the terminal callback.
type Callbacks struct {
	OnSuccess  func(Response)
	OnError    func(Response)
	OnTimeout  func(Stats)
	OnAbort    func(Stats)
	OnProgress func(Stats)
}

type loaderState int

const (
	stateIdle loaderState = iota
	stateLoading
	stateDone
	stateDestroyed
)

// outcome is the result of one HTTP attempt.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetryable
	outcomeTimeout
	outcomeAborted
)

type outcome struct {
	kind     outcomeKind
	code     int
	data     []byte
	declared int64 // declared response length, -1 when unknown
	err      error
}

// Loader performs one bounded, retried HTTP fetch. It is single-use: a
// second Load fails with ErrLoaderReused. Safe for concurrent use of Load,
// Abort, Destroy, and the query methods.
type Loader struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
	id     string

	mu            sync.Mutex
	state         loaderState
	req           Request
	cb            Callbacks
	stats         Stats
	delay         time.Duration
	ident         Identity
	offset        int64
	aborted       bool
	finished      bool
	timedOut      bool
	cancelAttempt context.CancelFunc
	cacheAge      *float64

	abortOnce sync.Once
	abortCh   chan struct{}
}

// NewLoader creates a loader for a single fetch.
func NewLoader(cfg Config) *Loader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	id := uuid.NewString()
	return &Loader{
		cfg:     cfg,
		client:  client,
		log:     cfg.Logger.With("component", "loader", "request_id", id),
		id:      id,
		abortCh: make(chan struct{}),
	}
}

// Load starts the fetch. The terminal result arrives through the callbacks;
// Load itself only fails when the loader is reused or destroyed.
func (l *Loader) Load(ctx context.Context, req Request, cb Callbacks) error {
	l.mu.Lock()
	switch l.state {
	case stateDestroyed:
		l.mu.Unlock()
		return ErrLoaderDestroyed
	case stateIdle:
		// proceed
	default:
		l.mu.Unlock()
		return ErrLoaderReused
	}

	l.state = stateLoading
	l.req = req
	l.cb = cb
	l.delay = l.cfg.RetryDelay

	if req.Renewable && l.cfg.Continuations != nil {
		l.ident = IdentityFor(req.ConsumerID, req.Level, req.URL)
		l.offset = l.cfg.Continuations.Offset(l.ident)
	} else if req.Range != nil {
		l.offset = req.Range.Start
	}
	l.mu.Unlock()

	go l.run(ctx)
	return nil
}

// run drives the attempt/backoff loop until a terminal outcome.
func (l *Loader) run(ctx context.Context) {
	for {
		out := l.attempt(ctx)

		switch out.kind {
		case outcomeSuccess:
			l.finishSuccess(out)
			return

		case outcomeTimeout:
			l.finishTimeout()
			return

		case outcomeAborted:
			l.finishAbort()
			return

		case outcomeRetryable:
			l.mu.Lock()
			exhausted := l.stats.RetryCount >= l.cfg.MaxRetries
			permanent := out.code >= permanentErrorMin && out.code <= permanentErrorMax
			if exhausted || permanent {
				l.mu.Unlock()
				l.finishError(out)
				return
			}

			wait := l.delay
			l.delay *= 2
			if l.delay > l.cfg.MaxRetryDelay {
				l.delay = l.cfg.MaxRetryDelay
			}
			l.stats.RetryCount++
			retries := l.stats.RetryCount
			l.mu.Unlock()

			l.log.Debug("retrying load",
				"url", l.req.URL,
				"code", out.code,
				"retry", retries,
				"delay", wait)

			timer := time.NewTimer(wait)
			select {
			case <-l.abortCh:
				timer.Stop()
				l.finishAbort()
				return
			case <-ctx.Done():
				timer.Stop()
				l.finishAbort()
				return
			case <-timer.C:
			}
		}
	}
}

// attempt performs one HTTP round trip with the progress-rearmed timeout.
func (l *Loader) attempt(parent context.Context) outcome {
	l.mu.Lock()
	if l.aborted {
		l.mu.Unlock()
		return outcome{kind: outcomeAborted}
	}
	actx, cancel := context.WithCancel(parent)
	l.cancelAttempt = cancel
	l.timedOut = false
	offset := l.offset
	req := l.req
	l.mu.Unlock()
	defer cancel()

	httpReq, err := http.NewRequestWithContext(actx, http.MethodGet, req.URL, nil)
	if err != nil {
		return outcome{kind: outcomeRetryable, err: err}
	}
	httpReq.Header.Set(headerUserAgent, l.cfg.UserAgent)

	switch {
	case req.Renewable:
		// Ranged continuation and content negotiation do not mix: a
		// compressed range is relative to the encoded stream.
		if offset > 0 {
			httpReq.Header.Set(headerRange, fmt.Sprintf("bytes=%d-", offset))
		}
	case req.Range != nil:
		if req.Range.End > 0 {
			httpReq.Header.Set(headerRange, fmt.Sprintf("bytes=%d-%d", req.Range.Start, req.Range.End))
		} else {
			httpReq.Header.Set(headerRange, fmt.Sprintf("bytes=%d-", req.Range.Start))
		}
		httpReq.Header.Set(headerAcceptEncoding, acceptEncodings)
	default:
		httpReq.Header.Set(headerAcceptEncoding, acceptEncodings)
	}

	// Watchdog: aborts the attempt when no progress is observed for the
	// configured timeout.
	progress := make(chan struct{}, 1)
	watchDone := make(chan struct{})
	defer close(watchDone)
	go l.watchTimeout(cancel, progress, watchDone)

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return l.classifyAttemptError(err)
	}
	defer resp.Body.Close()

	l.recordResponseHeaders(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4*1024)
		return outcome{kind: outcomeRetryable, code: resp.StatusCode}
	}

	declared := resp.ContentLength
	body := l.wrapDecompression(resp)
	if resp.Header.Get(headerContentEncoding) != "" {
		// Declared length refers to the encoded stream; fall back to
		// counting decoded bytes.
		declared = -1
	}

	l.mu.Lock()
	l.stats.Loaded = 0
	if declared > 0 {
		l.stats.Total = offset + declared
	}
	l.mu.Unlock()

	data, out := l.readBody(body, progress)
	if out != nil {
		return *out
	}

	if declared < 0 {
		declared = int64(len(data))
	}
	return outcome{kind: outcomeSuccess, code: resp.StatusCode, data: data, declared: declared}
}

// watchTimeout cancels the attempt when the timeout elapses without
// progress. Each progress signal rearms the timer.
func (l *Loader) watchTimeout(cancel context.CancelFunc, progress <-chan struct{}, done <-chan struct{}) {
	timer := time.NewTimer(l.cfg.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-done:
			return
		case <-progress:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(l.cfg.Timeout)
		case <-timer.C:
			l.mu.Lock()
			l.timedOut = true
			l.mu.Unlock()
			cancel()
			return
		}
	}
}

// readBody consumes the response in chunks, reporting progress per chunk.
// Returns a non-nil outcome on failure.
func (l *Loader) readBody(body io.Reader, progress chan<- struct{}) ([]byte, *outcome) {
	var data []byte
	buf := make([]byte, readChunkSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)

			l.mu.Lock()
			l.stats.Loaded += int64(n)
			stats := l.stats
			onProgress := l.cb.OnProgress
			l.mu.Unlock()

			select {
			case progress <- struct{}{}:
			default:
			}
			if onProgress != nil {
				onProgress(stats)
			}
		}
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			out := l.classifyAttemptError(err)
			return nil, &out
		}
	}
}

// classifyAttemptError maps a request or read error to an attempt outcome.
func (l *Loader) classifyAttemptError(err error) outcome {
	l.mu.Lock()
	timedOut := l.timedOut
	aborted := l.aborted
	l.mu.Unlock()

	switch {
	case aborted:
		return outcome{kind: outcomeAborted}
	case timedOut:
		return outcome{kind: outcomeTimeout}
	default:
		return outcome{kind: outcomeRetryable, err: err}
	}
}

// recordResponseHeaders captures the declared resource age.
func (l *Loader) recordResponseHeaders(resp *http.Response) {
	age := resp.Header.Get(headerAge)
	if age == "" {
		return
	}
	secs, err := strconv.ParseFloat(age, 64)
	if err != nil {
		return
	}

	l.mu.Lock()
	l.cacheAge = &secs
	l.mu.Unlock()
}

// wrapDecompression wraps the body per its Content-Encoding.
func (l *Loader) wrapDecompression(resp *http.Response) io.Reader {
	switch strings.ToLower(resp.Header.Get(headerContentEncoding)) {
	case "gzip":
		r, err := gzip.NewReader(resp.Body)
		if err != nil {
			l.log.Warn("gzip reader failed, using raw body", "error", err)
			return resp.Body
		}
		return r
	case "deflate":
		return flate.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body)
	default:
		return resp.Body
	}
}

// terminal moves the loader to done and returns the callbacks exactly once.
// A true aborted result means Abort won the race against a completing
// attempt; the finisher must deliver OnAbort instead of its own callback.
func (l *Loader) terminal() (cb Callbacks, stats Stats, aborted, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finished {
		return Callbacks{}, Stats{}, false, false
	}
	l.finished = true
	if l.state == stateLoading {
		l.state = stateDone
	}
	return l.cb, l.stats, l.aborted, true
}

func (l *Loader) deliverAbort(cb Callbacks, stats Stats) {
	l.log.Debug("load aborted", "url", l.req.URL)
	if cb.OnAbort != nil {
		cb.OnAbort(stats)
	}
}

func (l *Loader) finishSuccess(out outcome) {
	l.mu.Lock()
	req := l.req
	ident := l.ident
	l.mu.Unlock()

	text := ""
	data := out.data
	if req.ResponseType == ResponseText {
		text = string(out.data)
		data = nil
	}

	if req.Renewable && l.cfg.Continuations != nil && req.ResponseType == ResponseText {
		accumulated, size := l.cfg.Continuations.Append(ident, out.declared, text)
		text = accumulated
		l.mu.Lock()
		l.stats.Total = size
		l.mu.Unlock()
	}

	cb, stats, aborted, ok := l.terminal()
	if !ok {
		return
	}
	if aborted {
		l.deliverAbort(cb, stats)
		return
	}
	l.log.Debug("load complete",
		"url", req.URL,
		"code", out.code,
		"loaded", stats.Loaded,
		"retries", stats.RetryCount)
	if cb.OnSuccess != nil {
		cb.OnSuccess(Response{
			URL:   req.URL,
			Code:  out.code,
			Data:  data,
			Text:  text,
			Stats: stats,
		})
	}
}

func (l *Loader) finishError(out outcome) {
	cb, stats, aborted, ok := l.terminal()
	if !ok {
		return
	}
	if aborted {
		l.deliverAbort(cb, stats)
		return
	}
	l.log.Warn("load failed",
		"url", l.req.URL,
		"code", out.code,
		"error", out.err,
		"retries", stats.RetryCount)
	if cb.OnError != nil {
		cb.OnError(Response{
			URL:   l.req.URL,
			Code:  out.code,
			Stats: stats,
		})
	}
}

func (l *Loader) finishTimeout() {
	cb, stats, aborted, ok := l.terminal()
	if !ok {
		return
	}
	if aborted {
		l.deliverAbort(cb, stats)
		return
	}
	l.log.Warn("load timed out", "url", l.req.URL, "loaded", stats.Loaded)
	if cb.OnTimeout != nil {
		cb.OnTimeout(stats)
	}
}

func (l *Loader) finishAbort() {
	cb, stats, _, ok := l.terminal()
	if !ok {
		return
	}
	l.deliverAbort(cb, stats)
}

// Abort cancels the in-flight load. Future completion callbacks are
// suppressed and OnAbort fires at most once. Safe when nothing is in flight.
func (l *Loader) Abort() {
	l.mu.Lock()
	if l.state != stateLoading || l.aborted {
		l.mu.Unlock()
		return
	}
	l.aborted = true
	l.stats.Aborted = true
	cancel := l.cancelAttempt
	l.mu.Unlock()

	l.abortOnce.Do(func() { close(l.abortCh) })
	if cancel != nil {
		cancel()
	}
}

// Destroy aborts any in-flight work and makes the loader permanently
// unusable. Safe to call more than once.
func (l *Loader) Destroy() {
	l.Abort()

	l.mu.Lock()
	l.state = stateDestroyed
	l.mu.Unlock()
}

// Stats returns a snapshot of the load progress.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// CacheAge returns the declared resource age in seconds from the response's
// Age header, and whether one was present.
func (l *Loader) CacheAge() (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cacheAge == nil {
		return 0, false
	}
	return *l.cacheAge, true
}
