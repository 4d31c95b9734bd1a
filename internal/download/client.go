package download

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/fieldsync/internal/safety"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OpenRosaVersion is sent with every request in the X-OpenRosa-Version header.
const OpenRosaVersion = "1.0"

const copyBufferSize = 32 * 1024

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_http_requests_total",
		Help: "HTTP requests made to form servers by method and status code.",
	}, []string{"method", "code"})

	downloadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_downloaded_bytes_total",
		Help: "Bytes written to disk by form and media downloads.",
	})
)

// ProgressFunc is called periodically to report download progress.
// bytesDownloaded is the number of bytes downloaded so far,
// totalBytes is the total size of the download (or 0 if unknown).
type ProgressFunc func(bytesDownloaded, totalBytes int64)

// Credentials are HTTP basic auth credentials for one server.
type Credentials struct {
	Username string
	Password string
}

// Options configures a Client.
type Options struct {
	Timeout    time.Duration // per request for HEAD, POST and Fetch; 0 means none
	RetryCount int           // attempts per GET, 0 defaults to 2
	UserAgent  string
}

// DownloadOptions contains configuration for a single download.
type DownloadOptions struct {
	URL         string
	DestPath    string
	ExpectedMD5 string // hex md5 (an "md5:" prefix is ignored), empty to skip validation
	RetryCount  int    // 0 uses the client default
	OnProgress  ProgressFunc
}

// DownloadResult contains the result of a successful download.
type DownloadResult struct {
	Path     string        // Path to the downloaded file
	Size     int64         // Final file size in bytes
	MD5      string        // md5 checksum in hex
	Attempts int           // Number of attempts made
	Duration time.Duration // Total download duration
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// Client performs OpenRosa HTTP requests with retry logic and validation.
type Client struct {
	httpClient  *http.Client
	noRedirect  *http.Client
	logger      *slog.Logger
	userAgent   string
	timeout     time.Duration
	retryCount  int
	backoffFunc func(attempt int) time.Duration

	mu    sync.RWMutex
	creds Credentials
}

// NewClient creates a new client with the given logger.
func NewClient(logger *slog.Logger, opts Options) *Client {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 2
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fieldsync/1.0"
	}

	// No overall Timeout on GETs: body reads can take as long as needed and
	// context cancellation still works.
	httpClient := safety.NewHTTPClient(0)

	// HEAD and POST must surface redirects to the caller so that the
	// submission target can be checked before anything is sent.
	noRedirect := safety.NewHTTPClient(0)
	noRedirect.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Client{
		httpClient:  httpClient,
		noRedirect:  noRedirect,
		logger:      logger,
		userAgent:   opts.UserAgent,
		timeout:     opts.Timeout,
		retryCount:  opts.RetryCount,
		backoffFunc: calculateBackoffDelay,
	}
}

// SetCredentials replaces the basic auth credentials sent with every request.
func (c *Client) SetCredentials(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

// HasCredentials reports whether a username is configured.
func (c *Client) HasCredentials() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds.Username != ""
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	if _, err := safety.ValidateHTTPURL(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-OpenRosa-Version", OpenRosaVersion)
	req.Header.Set("Accept-Encoding", "gzip, zstd")

	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()
	if creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	return req, nil
}

func (c *Client) do(hc *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(req.Method, "error").Inc()
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	requestsTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Download downloads a file from the given URL to the destination path.
// Failed attempts are retried with exponential backoff; the destination is
// removed unless a download completes and validates.
func (c *Client) Download(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	if opts.RetryCount == 0 {
		opts.RetryCount = c.retryCount
	}

	startTime := time.Now()
	var lastErr error

	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("download cancelled: %w", err)
		}

		// Ensure parent directories exist
		if dir := filepath.Dir(opts.DestPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}

		file, err := os.OpenFile(opts.DestPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open file: %w", err)
		}

		result, err := c.downloadAttempt(ctx, file, opts)
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("failed to close file: %w", closeErr)
		}

		if err == nil {
			result.Attempts = attempt
			result.Duration = time.Since(startTime)
			return result, nil
		}

		_ = os.Remove(opts.DestPath)
		lastErr = err
		c.logger.Warn("download attempt failed", "url", opts.URL, "attempt", attempt, "error", err)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		if shouldNotRetry(err) {
			return nil, err
		}

		// Wait before retrying with exponential backoff + jitter
		if attempt < opts.RetryCount {
			delay := c.backoffFunc(attempt)
			c.logger.Debug("retrying download", "url", opts.URL, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("download cancelled during retry: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("download failed after %d attempts: %w", opts.RetryCount, lastErr)
}

// downloadAttempt performs a single download attempt.
func (c *Client) downloadAttempt(ctx context.Context, file *os.File, opts DownloadOptions) (*DownloadResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newHTTPError(resp)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	// Content-Length describes the encoded body, so it is only a progress
	// hint when the response is not compressed.
	totalSize := int64(0)
	if resp.Header.Get("Content-Encoding") == "" && resp.ContentLength > 0 {
		totalSize = resp.ContentLength
	}

	var reader io.Reader = body
	if opts.OnProgress != nil {
		reader = &progressReader{
			reader:   body,
			callback: opts.OnProgress,
			total:    totalSize,
		}
	}

	hasher := md5.New()
	written, err := copyWithContext(ctx, io.MultiWriter(file, hasher), reader)
	downloadedBytesTotal.Add(float64(written))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("download cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to write to file: %w", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if expected := StripMD5Prefix(opts.ExpectedMD5); expected != "" && !strings.EqualFold(sum, expected) {
		return nil, &ChecksumError{URL: opts.URL, Got: sum, Expected: expected}
	}

	return &DownloadResult{
		Path: opts.DestPath,
		Size: written,
		MD5:  sum,
	}, nil
}

// Fetch GETs a small document into memory, failing when the decoded body
// exceeds limit bytes. Failed attempts are retried like Download.
func (c *Client) Fetch(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryCount; attempt++ {
		data, err := c.fetchAttempt(ctx, rawURL, limit)
		if err == nil {
			return data, nil
		}
		lastErr = err
		c.logger.Warn("fetch attempt failed", "url", rawURL, "attempt", attempt, "error", err)

		if ctx.Err() != nil || shouldNotRetry(err) || errors.Is(err, safety.ErrBodyTooLarge) {
			return nil, err
		}
		if attempt < c.retryCount {
			select {
			case <-time.After(c.backoffFunc(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch cancelled during retry: %w", ctx.Err())
			}
		}
	}
	return nil, fmt.Errorf("fetch failed after %d attempts: %w", c.retryCount, lastErr)
}

func (c *Client) fetchAttempt(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newHTTPError(resp)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return safety.ReadAllWithLimit(body, limit)
}

// Head issues a HEAD request without following redirects. Any status code
// is returned as a Response; only transport failures are errors.
func (c *Client) Head(ctx context.Context, rawURL string) (*Response, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(c.noRedirect, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return &Response{StatusCode: resp.StatusCode, Status: resp.Status, Header: resp.Header}, nil
}

// Post sends body without following redirects and reads up to limit bytes
// of the response. Any status code is returned as a Response.
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body []byte, limit int64) (*Response, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(body))

	resp, err := c.do(c.noRedirect, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	decoded, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	defer decoded.Close()

	data, err := safety.ReadAllWithLimit(decoded, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Status: resp.Status, Header: resp.Header, Body: data}, nil
}

// decodeBody wraps the response body in the decoder named by Content-Encoding.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip body: %w", err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd body: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

// copyWithContext copies src to dst, checking for cancellation between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// StripMD5Prefix removes the "md5:" prefix servers put on hashes.
func StripMD5Prefix(hash string) string {
	return strings.TrimPrefix(strings.TrimSpace(hash), "md5:")
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 1s, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// Don't retry on 4xx errors except 429 (Too Many Requests)
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return true
		}
	}
	var sumErr *ChecksumError
	return errors.As(err, &sumErr)
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func newHTTPError(resp *http.Response) *HTTPError {
	body, _ := safety.ReadAllWithLimit(resp.Body, 64*1024)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// IsUnauthorized reports whether err wraps an HTTP 401 response.
func IsUnauthorized(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized
}

// ChecksumError reports downloaded content whose md5 differs from the
// hash the server advertised.
type ChecksumError struct {
	URL      string
	Got      string
	Expected string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: got %s, expected %s", e.URL, e.Got, e.Expected)
}

// progressReader wraps a reader and calls a progress callback as data is read.
type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		if pr.callback != nil {
			pr.callback(pr.current, pr.total)
		}
	}
	return n, err
}
