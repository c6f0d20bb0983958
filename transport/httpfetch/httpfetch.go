// Package httpfetch fetches file blocks with HTTP range requests against
// the job's update URL, usually a pre-signed object URL.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pithecene-io/ota/iox"
	"github.com/pithecene-io/ota/log"
	"github.com/pithecene-io/ota/transport"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 30 * time.Second

// ErrRangeIgnored is returned when the server answers a range request with
// the whole object.
var ErrRangeIgnored = errors.New("server does not support range requests")

// Config configures the HTTP fetcher.
type Config struct {
	// Client is the HTTP client (default: one with Timeout).
	Client *http.Client
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
	// Headers are added to every request.
	Headers map[string]string
	// RequestsPerSecond paces block requests. Zero means unlimited.
	RequestsPerSecond float64
	// Burst is the pacing burst size.
	Burst int
	// Logger is optional.
	Logger *log.Logger
}

// Fetcher is a transport.BlockFetcher for http and https update URLs.
type Fetcher struct {
	*transport.RangedFetcher
	config Config
	client *http.Client
}

// New creates an HTTP fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	f := &Fetcher{config: cfg, client: client}
	f.RangedFetcher = transport.NewRangedFetcher(f.open, transport.RangedConfig{
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Logger:            cfg.Logger,
	})
	return f
}

func (f *Fetcher) open(_ context.Context, target *transport.Target) (transport.RangeReader, error) {
	if target.URL == "" {
		return nil, errors.New("httpfetch: empty update URL")
	}
	return &rangeReader{f: f, url: target.URL}, nil
}

type rangeReader struct {
	f   *Fetcher
	url string
}

// ReadRange performs one GET with a Range header.
func (r *rangeReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	for k, v := range r.f.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer iox.DrainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		return nil, ErrRangeIgnored
	default:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := iox.ReadAtMost(resp.Body, length)
	if err != nil {
		return nil, fmt.Errorf("read range: %w", err)
	}
	if int64(len(data)) != length {
		return nil, fmt.Errorf("short range: got %d bytes, want %d", len(data), length)
	}
	return data, nil
}

var _ transport.BlockFetcher = (*Fetcher)(nil)
