// Package s3fetch fetches file blocks with ranged GetObject calls for
// update URLs of the form s3://bucket/key.
package s3fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pithecene-io/ota/iox"
	"github.com/pithecene-io/ota/lode"
	"github.com/pithecene-io/ota/log"
	"github.com/pithecene-io/ota/transport"
)

// ObjectGetter is the subset of the S3 API the fetcher uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config configures the S3 fetcher.
type Config struct {
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom endpoint for S3-compatible providers.
	Endpoint string
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
	// RequestsPerSecond paces block requests. Zero means unlimited.
	RequestsPerSecond float64
	// Burst is the pacing burst size.
	Burst int
	// Logger is optional.
	Logger *log.Logger
}

// Fetcher is a transport.BlockFetcher for s3:// update URLs.
type Fetcher struct {
	*transport.RangedFetcher
	client ObjectGetter
}

// New creates an S3 fetcher using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Fetcher, error) {
	client, err := lode.NewS3Client(ctx, lode.S3Config{
		Region:       cfg.Region,
		Endpoint:     cfg.Endpoint,
		UsePathStyle: cfg.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("s3fetch: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient creates an S3 fetcher over an existing client.
func NewWithClient(client ObjectGetter, cfg Config) *Fetcher {
	f := &Fetcher{client: client}
	f.RangedFetcher = transport.NewRangedFetcher(f.open, transport.RangedConfig{
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Logger:            cfg.Logger,
	})
	return f
}

// ParseURL splits an s3://bucket/key URL.
func ParseURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 URL: %q", raw)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", errors.New("s3 URL needs a bucket and a key")
	}
	return bucket, key, nil
}

func (f *Fetcher) open(_ context.Context, target *transport.Target) (transport.RangeReader, error) {
	bucket, key, err := ParseURL(target.URL)
	if err != nil {
		return nil, err
	}
	return &objectReader{client: f.client, bucket: bucket, key: key}, nil
}

type objectReader struct {
	client ObjectGetter
	bucket string
	key    string
}

// ReadRange performs one ranged GetObject.
func (r *objectReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", r.bucket, r.key, err)
	}
	defer iox.DrainClose(out.Body)

	data, err := iox.ReadAtMost(out.Body, length)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", r.bucket, r.key, err)
	}
	if int64(len(data)) != length {
		return nil, fmt.Errorf("short range: got %d bytes, want %d", len(data), length)
	}
	return data, nil
}

var _ transport.BlockFetcher = (*Fetcher)(nil)
