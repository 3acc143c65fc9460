// Package fetch retrieves encoded segment bytes over HTTP with transparent
// response decompression (gzip, deflate, brotli). Fetch failures are not
// retried internally: the caller re-issues its preload, so a transient
// network error costs one scheduling round, not a stall.
package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/kestrelmedia/playbuf/internal/media"
)

// Fetcher retrieves the encoded bytes for one segment time range.
type Fetcher interface {
	FetchSegment(ctx context.Context, url string, r media.TimeRange) ([]byte, error)
}

// Default configuration values.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultUserAgent      = "playbuf/1.0"
	defaultAcceptEncoding = "gzip, deflate, br"
)

// HTTP header constants.
const (
	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	headerUserAgent       = "User-Agent"

	encodingGzip    = "gzip"
	encodingDeflate = "deflate"
	encodingBrotli  = "br"
)

// Config holds fetcher configuration.
type Config struct {
	// Timeout is the per-request timeout.
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// MaxSegmentSize limits a fetched segment after decompression.
	// Zero disables the limit.
	MaxSegmentSize int64

	// BaseClient is the underlying http.Client. If nil a default client
	// is created with transparent compression disabled so decompression
	// stays under our control.
	BaseClient *http.Client
}

// Client is an HTTP segment fetcher.
type Client struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a segment fetch client.
func NewClient(config Config, logger *slog.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := config.BaseClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				// We negotiate and decode compression ourselves.
				DisableCompression: true,
			},
		}
	}

	return &Client{config: config, http: httpClient, logger: logger}
}

// FetchSegment fetches the bytes for one segment. The time range is passed
// as start/end query parameters in seconds, matching the delivery server's
// segment API. Errors are wrapped in *media.FetchError and never retried
// here.
func (c *Client) FetchSegment(ctx context.Context, url string, r media.TimeRange) ([]byte, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &media.FetchError{URL: url, Range: r, Err: err}
	}

	q := req.URL.Query()
	q.Set("start", formatSeconds(r.Start))
	q.Set("end", formatSeconds(r.End))
	req.URL.RawQuery = q.Encode()

	req.Header.Set(headerUserAgent, c.config.UserAgent)
	req.Header.Set(headerAcceptEncoding, defaultAcceptEncoding)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &media.FetchError{URL: url, Range: r, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, &media.FetchError{
			URL:   url,
			Range: r,
			Err:   fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := c.decodeBody(resp)
	if err != nil {
		return nil, &media.FetchError{URL: url, Range: r, Err: err}
	}

	c.logger.Debug("segment fetched",
		slog.String("range", r.String()),
		slog.Int("bytes", len(body)),
		slog.Duration("duration", time.Since(start)),
	)
	return body, nil
}

// decodeBody reads the response, decompressing according to
// Content-Encoding. The size limit applies after decompression.
func (c *Client) decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body

	switch resp.Header.Get(headerContentEncoding) {
	case encodingGzip:
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case encodingDeflate:
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	case encodingBrotli:
		reader = brotli.NewReader(resp.Body)
	}

	if c.config.MaxSegmentSize > 0 {
		limited := io.LimitReader(reader, c.config.MaxSegmentSize+1)
		data, err := io.ReadAll(limited)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > c.config.MaxSegmentSize {
			return nil, fmt.Errorf("segment exceeds %d byte limit", c.config.MaxSegmentSize)
		}
		return data, nil
	}

	return io.ReadAll(reader)
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
