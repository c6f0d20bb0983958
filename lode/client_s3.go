package lode

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// S3Config locates an S3 bucket and says how to reach it. The journal uses
// Bucket and Prefix; block fetching only needs the connection fields.
type S3Config struct {
	Bucket string
	Prefix string
	// Region is optional; empty uses the default chain.
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	Endpoint     string
	UsePathStyle bool
}

// bucketName follows the S3 naming rules for new buckets.
var bucketName = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// Validate checks the bucket name.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	if !bucketName.MatchString(c.Bucket) || strings.Contains(c.Bucket, "..") {
		return fmt.Errorf("invalid S3 bucket name %q", c.Bucket)
	}
	return nil
}

// ParseS3Path splits a journal location of the form "bucket/prefix",
// "bucket" or "s3://bucket/prefix". A trailing slash on the prefix is
// dropped.
func ParseS3Path(path string) (bucket, prefix string) {
	path = strings.TrimPrefix(path, "s3://")
	bucket, prefix, _ = strings.Cut(path, "/")
	return bucket, strings.TrimSuffix(prefix, "/")
}

// S3ConfigFromPath builds an S3Config for a journal location, keeping the
// connection settings of base.
func S3ConfigFromPath(path string, base S3Config) S3Config {
	base.Bucket, base.Prefix = ParseS3Path(path)
	return base
}

// NewS3Client loads the default AWS credential chain and applies the
// region, endpoint and path-style overrides of cfg. Bucket and Prefix are
// ignored.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

func newS3Factory(ctx context.Context, cfg S3Config) (lode.StoreFactory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	}, nil
}

// NewLodeS3Client creates a journal client on S3.
func NewLodeS3Client(ctx context.Context, cfg Config, s3cfg S3Config) (*LodeClient, error) {
	factory, err := newS3Factory(ctx, s3cfg)
	if err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults(time.Now())
	ds, err := newDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, fmt.Errorf("failed to create Lode dataset: %w", WrapInitError(err, cfg.Dataset))
	}
	return newClient(ds, cfg, factory), nil
}
