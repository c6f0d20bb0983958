package config

import (
	"fmt"
	"time"

	"github.com/pithecene-io/ota/agent"
)

// Config represents an ota.yaml configuration file.
// All values are optional and act as defaults for ota run flags.
// CLI flags always override config values.
type Config struct {
	ThingName  string           `yaml:"thing_name"`
	AgentID    string           `yaml:"agent_id"`
	LogLevel   string           `yaml:"log_level"`
	Agent      AgentConfig      `yaml:"agent"`
	Platform   PlatformConfig   `yaml:"platform"`
	JobControl JobControlConfig `yaml:"job_control"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Storage    StorageConfig    `yaml:"storage"`
	Policy     PolicyConfig     `yaml:"policy"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Trace      string           `yaml:"trace"`
}

// AgentConfig overrides agent.DefaultConfig. Zero values keep the default.
type AgentConfig struct {
	BlockSize        uint32   `yaml:"block_size"`
	BlocksPerRequest uint32   `yaml:"blocks_per_request"`
	RequestWait      Duration `yaml:"request_wait"`
	MaxBackoff       Duration `yaml:"max_backoff"`
	MaxMomentum      int      `yaml:"max_momentum"`
	SelfTestTimeout  Duration `yaml:"self_test_timeout"`
	ProgressEvery    *uint32  `yaml:"progress_every,omitempty"`
	QueueCapacity    int      `yaml:"queue_capacity"`
	PoolBuffers      int      `yaml:"pool_buffers"`
	PoolBufferSize   int      `yaml:"pool_buffer_size"`
	NotifyTimeout    Duration `yaml:"notify_timeout"`
}

// PlatformConfig configures the filesystem platform.
type PlatformConfig struct {
	Root    string `yaml:"root"`
	CertDir string `yaml:"cert_dir"`
}

// JobControlConfig selects the job-control transport.
type JobControlConfig struct {
	// Type is redis or local.
	Type    string   `yaml:"type"`
	URL     string   `yaml:"url"`
	Prefix  string   `yaml:"prefix,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Retries *int     `yaml:"retries,omitempty"`
	// Documents are served in order by the local transport.
	Documents []string `yaml:"documents,omitempty"`
	// StatusOut receives status updates from the local transport as
	// JSON lines. Empty means stdout.
	StatusOut string `yaml:"status_out,omitempty"`
}

// FetchConfig configures the URL block fetchers.
type FetchConfig struct {
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	Burst             int               `yaml:"burst"`
	Timeout           Duration          `yaml:"timeout,omitempty"`
	Headers           map[string]string `yaml:"headers,omitempty"`
	S3Region          string            `yaml:"s3_region,omitempty"`
	S3Endpoint        string            `yaml:"s3_endpoint,omitempty"`
	S3PathStyle       bool              `yaml:"s3_path_style,omitempty"`
}

// StorageConfig holds status journal defaults from the config file.
type StorageConfig struct {
	Dataset     string `yaml:"dataset"`
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// PolicyConfig holds journal policy defaults from the config file.
type PolicyConfig struct {
	Name          string   `yaml:"name"`
	BufferRecords int      `yaml:"buffer_records"`
	BufferBytes   int64    `yaml:"buffer_bytes"`
	FlushCount    int      `yaml:"flush_count"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// NotifierConfig holds outcome notifier defaults from the config file.
type NotifierConfig struct {
	// Type is webhook or redis.
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Apply overlays the non-zero values of c onto base.
func (c *AgentConfig) Apply(base agent.Config) agent.Config {
	if c.BlockSize > 0 {
		base.BlockSize = c.BlockSize
	}
	if c.BlocksPerRequest > 0 {
		base.BlocksPerRequest = c.BlocksPerRequest
	}
	if c.RequestWait.Duration > 0 {
		base.RequestWait = c.RequestWait.Duration
	}
	if c.MaxBackoff.Duration > 0 {
		base.MaxBackoff = c.MaxBackoff.Duration
	}
	if c.MaxMomentum > 0 {
		base.MaxMomentum = c.MaxMomentum
	}
	if c.SelfTestTimeout.Duration > 0 {
		base.SelfTestTimeout = c.SelfTestTimeout.Duration
	}
	// progress_every: 0 disables progress reports, so presence matters.
	if c.ProgressEvery != nil {
		base.ProgressEvery = *c.ProgressEvery
	}
	if c.QueueCapacity > 0 {
		base.QueueCapacity = c.QueueCapacity
	}
	if c.PoolBuffers > 0 {
		base.PoolBuffers = c.PoolBuffers
	}
	if c.PoolBufferSize > 0 {
		base.PoolBufferSize = c.PoolBufferSize
	}
	if c.NotifyTimeout.Duration > 0 {
		base.NotifyTimeout = c.NotifyTimeout.Duration
	}
	return base
}
