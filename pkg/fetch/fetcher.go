// Package fetch downloads remote documents into the local byte store.
// Each Fetch call performs one validated download: bounded retries with
// exponential backoff, payload validation, and an atomic temp-write plus
// rename so a partial body is never visible at the destination path.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/thc1006/paperstore/pkg/docerr"
)

// Config holds configuration for the document fetcher
type Config struct {
	Timeout        time.Duration `json:"timeout"`         // Per-attempt deadline
	MaxRetries     int           `json:"max_retries"`     // Total attempts, not extra retries
	InitialBackoff time.Duration `json:"initial_backoff"` // Delay before the second attempt
	MaxBackoff     time.Duration `json:"max_backoff"`
	BackoffJitter  bool          `json:"backoff_jitter"` // Additive jitter, delays stay non-decreasing
	MaxBodyBytes   int64         `json:"max_body_bytes"`
	UserAgent      string        `json:"user_agent"`
	Accept         string        `json:"accept"`

	// Optional request rate limiting across all calls on this fetcher
	RatePerSecond float64 `json:"rate_per_second"` // 0 disables
	RateBurst     int     `json:"rate_burst"`

	// Optional circuit breaker around individual HTTP attempts
	BreakerEnabled     bool          `json:"breaker_enabled"`
	BreakerMaxRequests uint32        `json:"breaker_max_requests"`
	BreakerInterval    time.Duration `json:"breaker_interval"`
	BreakerTimeout     time.Duration `json:"breaker_timeout"`
}

// DefaultConfig returns the default fetcher configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffJitter:  false,
		MaxBodyBytes:   100 * 1024 * 1024, // 100MB
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		Accept:         "application/pdf,*/*",

		RatePerSecond: 0,
		RateBurst:     1,

		BreakerEnabled:     false,
		BreakerMaxRequests: 3,
		BreakerInterval:    60 * time.Second,
		BreakerTimeout:     30 * time.Second,
	}
}

// Result is the terminal outcome of one Fetch call. Fetch never returns
// a bare error: failures are classified into Err after retries are
// exhausted.
type Result struct {
	URL         string        `json:"url"`
	Path        string        `json:"path,omitempty"`
	Bytes       int64         `json:"bytes"`
	Checksum    string        `json:"checksum,omitempty"` // hex SHA-256 of the stored body
	ContentType string        `json:"content_type,omitempty"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	Err         error         `json:"-"`
}

// Success reports whether the download completed and validated.
func (r Result) Success() bool {
	return r.Err == nil
}

// Sleeper waits between attempts. Injectable so tests can observe
// backoff delays without waiting on the wall clock.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithSleeper replaces the inter-attempt wait.
func WithSleeper(s Sleeper) Option {
	return func(f *Fetcher) { f.sleep = s }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// Fetcher downloads documents. It holds no per-call mutable state and is
// safe for concurrent use.
type Fetcher struct {
	config  *Config
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	sleep   Sleeper
	now     func() time.Time
}

// New creates a fetcher. A nil config uses defaults.
func New(config *Config, logger *slog.Logger, opts ...Option) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}
	normalizeConfig(config)

	if logger == nil {
		logger = slog.Default()
	}

	f := &Fetcher{
		config: config,
		logger: logger.With("component", "fetcher"),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    100,
				MaxConnsPerHost: 10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		sleep: sleepContext,
		now:   time.Now,
	}

	if config.RatePerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), config.RateBurst)
	}

	if config.BreakerEnabled {
		f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "fetcher",
			MaxRequests: config.BreakerMaxRequests,
			Interval:    config.BreakerInterval,
			Timeout:     config.BreakerTimeout,
		})
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func normalizeConfig(c *Config) {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 1 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 100 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultConfig().UserAgent
	}
	if c.Accept == "" {
		c.Accept = "application/pdf,*/*"
	}
	if c.RateBurst < 1 {
		c.RateBurst = 1
	}
}

// Fetch downloads one document from rawURL to destination. The
// destination only ever holds a fully written, validated body; every
// failure path cleans up its temp file. The returned Result carries the
// classified error of the last attempt when all retries are exhausted.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, destination string) Result {
	start := f.now()
	result := Result{URL: rawURL}

	u, err := url.Parse(rawURL)
	if err != nil {
		result.Err = docerr.Wrap(docerr.KindNetwork, "fetch", err, "invalid url %q", rawURL)
		result.Duration = f.now().Sub(start)
		return result
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		// Retrying cannot help a disallowed scheme, fail before the first attempt.
		result.Err = docerr.New(docerr.KindNetwork, "fetch", "unsupported url scheme %q", u.Scheme)
		result.Duration = f.now().Sub(start)
		return result
	}
	if u.Host == "" {
		result.Err = docerr.New(docerr.KindNetwork, "fetch", "url %q has no host", rawURL)
		result.Duration = f.now().Sub(start)
		return result
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		result.Err = docerr.Wrap(docerr.KindStorage, "fetch", err, "create destination directory")
		result.Duration = f.now().Sub(start)
		return result
	}

	for attempt := 1; attempt <= f.config.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := f.backoffDelay(attempt - 1)
			f.logger.Debug("Backing off before retry",
				"url", rawURL,
				"attempt", attempt,
				"delay", delay,
			)
			if err := f.sleep(ctx, delay); err != nil {
				result.Err = f.classify("fetch", err)
				break
			}
		}

		result.Attempts = attempt

		bytes, checksum, contentType, err := f.attempt(ctx, rawURL, destination)
		if err == nil {
			result.Err = nil
			result.Path = destination
			result.Bytes = bytes
			result.Checksum = checksum
			result.ContentType = contentType
			result.Duration = f.now().Sub(start)
			f.logger.Info("Document fetched",
				"url", rawURL,
				"path", destination,
				"bytes", bytes,
				"attempts", attempt,
			)
			return result
		}

		result.Err = f.classify("fetch", err)
		f.logger.Warn("Fetch attempt failed",
			"url", rawURL,
			"attempt", attempt,
			"max_retries", f.config.MaxRetries,
			"error", err,
		)
	}

	result.Duration = f.now().Sub(start)
	return result
}

// attempt performs a single download and validation round.
func (f *Fetcher) attempt(ctx context.Context, rawURL, destination string) (int64, string, string, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return 0, "", "", err
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", f.config.Accept)

	resp, err := f.do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer resp.Body.Close() // #nosec G307

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, "", "", docerr.New(docerr.KindHTTP, "fetch", "unexpected status %d for %s", resp.StatusCode, rawURL)
	}

	contentType := resp.Header.Get("Content-Type")
	if resp.ContentLength > f.config.MaxBodyBytes {
		return 0, "", contentType, docerr.New(docerr.KindInvalidFormat, "fetch",
			"document size %d exceeds maximum %d", resp.ContentLength, f.config.MaxBodyBytes)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destination), ".fetch-*.tmp")
	if err != nil {
		return 0, "", contentType, docerr.Wrap(docerr.KindStorage, "fetch", err, "create temp file")
	}
	tmpPath := tmp.Name()

	discard := func() {
		tmp.Close()
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			f.logger.Warn("Failed to remove temp file", "path", tmpPath, "error", rmErr)
		}
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(resp.Body, f.config.MaxBodyBytes+1))
	if err != nil {
		discard()
		return 0, "", contentType, fmt.Errorf("failed to read response body: %w", err)
	}
	if written > f.config.MaxBodyBytes {
		discard()
		return 0, "", contentType, docerr.New(docerr.KindInvalidFormat, "fetch",
			"document body exceeds maximum %d bytes", f.config.MaxBodyBytes)
	}

	if !validBody(tmp, contentType) {
		discard()
		return 0, "", contentType, docerr.New(docerr.KindInvalidFormat, "fetch",
			"response is not a PDF (content-type %q, no %%PDF magic)", contentType)
	}

	if err := tmp.Sync(); err != nil {
		discard()
		return 0, "", contentType, docerr.Wrap(docerr.KindStorage, "fetch", err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, "", contentType, docerr.Wrap(docerr.KindStorage, "fetch", err, "close temp file")
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return 0, "", contentType, docerr.Wrap(docerr.KindStorage, "fetch", err, "chmod temp file")
	}

	// Rename is the commit point.
	if err := os.Rename(tmpPath, destination); err != nil {
		os.Remove(tmpPath)
		return 0, "", contentType, docerr.Wrap(docerr.KindStorage, "fetch", err, "rename temp file to %s", destination)
	}

	return written, hex.EncodeToString(hasher.Sum(nil)), contentType, nil
}

// do executes the request, through the circuit breaker when enabled.
func (f *Fetcher) do(req *http.Request) (*http.Response, error) {
	if f.breaker == nil {
		return f.client.Do(req)
	}

	resp, err := f.breaker.Execute(func() (interface{}, error) {
		return f.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return resp.(*http.Response), nil
}

// validBody checks the validation rule: a compatible content type OR the
// PDF magic bytes at the start of the stored body. Either passes.
func validBody(tmp *os.File, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "pdf") {
		return true
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return false
	}
	magic := make([]byte, 4)
	if _, err := io.ReadFull(tmp, magic); err != nil {
		return false
	}
	return string(magic) == "%PDF"
}

// backoffDelay returns the wait before attempt n+1: initial backoff
// doubled per completed attempt (1s, 2s, 4s, ...), capped at MaxBackoff.
func (f *Fetcher) backoffDelay(completed int) time.Duration {
	backoff := f.config.InitialBackoff
	for i := 1; i < completed; i++ {
		backoff *= 2
		if backoff >= f.config.MaxBackoff {
			backoff = f.config.MaxBackoff
			break
		}
	}
	if backoff > f.config.MaxBackoff {
		backoff = f.config.MaxBackoff
	}

	if f.config.BackoffJitter {
		// Add up to 25% jitter; additive only, so delays never shrink
		// below the exponential base.
		jitter := time.Duration(rand.Int63n(int64(backoff)/4 + 1))
		backoff += jitter
	}

	return backoff
}

// classify maps transport and filesystem errors onto the shared
// taxonomy. Errors already classified pass through unchanged.
func (f *Fetcher) classify(op string, err error) *docerr.Error {
	var de *docerr.Error
	if errors.As(err, &de) {
		return de
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return docerr.Wrap(docerr.KindTimeout, op, err, "deadline exceeded after %s", f.config.Timeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return docerr.Wrap(docerr.KindTimeout, op, err, "network timeout")
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return docerr.Wrap(docerr.KindNetwork, op, err, "circuit breaker rejected request")
	}

	return docerr.Wrap(docerr.KindNetwork, op, err, "transport failure")
}

// sleepContext is the default Sleeper.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
