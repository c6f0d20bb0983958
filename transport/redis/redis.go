// Package redis implements the agent's broker transport over Redis pub/sub.
//
// Channels, for prefix P and thing T:
//
//	P:T:jobs:get               agent → server  job request (JSON)
//	P:T:jobs:notify            server → agent  job documents
//	P:T:jobs:status            agent → server  status updates (JSON)
//	P:T:streams:S:get          agent → server  stream requests (msgpack)
//	P:T:streams:S:data         server → agent  block frames (msgpack)
//	P:job_completed            agent → any     terminal outcome events (JSON)
//
// Publishes retry with exponential backoff on connection errors.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/ota/ipc"
	"github.com/pithecene-io/ota/log"
	"github.com/pithecene-io/ota/transport"
	"github.com/pithecene-io/ota/types"
)

// DefaultPrefix is the default channel prefix.
const DefaultPrefix = "ota"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config configures the Redis transport.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// ThingName scopes the per-device channels (required).
	ThingName string
	// Prefix is the channel prefix (default: ota).
	Prefix string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
	// Logger is optional.
	Logger *log.Logger
}

// JobRequest is the payload published on the jobs:get channel.
type JobRequest struct {
	ClientToken string `json:"client_token"`
	ThingName   string `json:"thing_name"`
}

// Transport is the job-control port, the stream block fetcher and an
// outcome notifier over one Redis connection.
type Transport struct {
	config Config
	client *goredis.Client
	logger *log.Logger

	mu      sync.Mutex
	jobs    *goredis.PubSub
	stream  *goredis.PubSub
	target  *transport.Target
	wg      sync.WaitGroup
	streams sync.WaitGroup
}

// New creates a Redis transport from the given config.
// Returns an error if the URL or thing name is missing or invalid.
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis transport requires a URL")
	}
	if cfg.ThingName == "" {
		return nil, errors.New("redis transport requires a thing name")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis transport: invalid URL: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Transport{
		config: cfg,
		client: goredis.NewClient(opts),
		logger: cfg.Logger,
	}, nil
}

func (t *Transport) channel(parts ...string) string {
	ch := t.config.Prefix + ":" + t.config.ThingName
	for _, p := range parts {
		ch += ":" + p
	}
	return ch
}

// JobRequestChannel is where job requests are published.
func (t *Transport) JobRequestChannel() string { return t.channel("jobs", "get") }

// JobNotifyChannel is where job documents are received.
func (t *Transport) JobNotifyChannel() string { return t.channel("jobs", "notify") }

// StatusChannel is where status updates are published.
func (t *Transport) StatusChannel() string { return t.channel("jobs", "status") }

// StreamRequestChannel is where stream requests for stream are published.
func (t *Transport) StreamRequestChannel(stream string) string {
	return t.channel("streams", stream, "get")
}

// StreamDataChannel is where block frames for stream are received.
func (t *Transport) StreamDataChannel(stream string) string {
	return t.channel("streams", stream, "data")
}

// OutcomeChannel is where terminal outcome events are published.
func (t *Transport) OutcomeChannel() string {
	return t.config.Prefix + ":" + transport.EventTypeJobCompleted
}

// subscribe subscribes to channel and waits for the confirmation, so no
// message published after it returns is missed.
func (t *Transport) subscribe(ctx context.Context, channel string) (*goredis.PubSub, error) {
	ps := t.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}
	return ps, nil
}

// Connect subscribes to the job notify channel and forwards every
// document to d.
func (t *Transport) Connect(ctx context.Context, d transport.Deliverer) error {
	ps, err := t.subscribe(ctx, t.JobNotifyChannel())
	if err != nil {
		return err
	}

	t.mu.Lock()
	old := t.jobs
	t.jobs = ps
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	ch := ps.Channel()
	t.wg.Go(func() {
		for msg := range ch {
			if err := d.SignalJobDocument([]byte(msg.Payload)); err != nil {
				t.logWarn("job document dropped", msg.Channel, err)
			}
		}
	})
	return nil
}

// RequestJob publishes a job request.
func (t *Transport) RequestJob(ctx context.Context, clientToken string) error {
	body, err := json.Marshal(&JobRequest{ClientToken: clientToken, ThingName: t.config.ThingName})
	if err != nil {
		return fmt.Errorf("redis: marshal job request: %w", err)
	}
	return t.publish(ctx, t.JobRequestChannel(), body)
}

// PublishStatus publishes update as JSON on the status channel.
func (t *Transport) PublishStatus(ctx context.Context, update *types.StatusUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("redis: marshal status: %w", err)
	}
	return t.publish(ctx, t.StatusChannel(), body)
}

// Notify publishes a terminal outcome event.
func (t *Transport) Notify(ctx context.Context, update *types.StatusUpdate) error {
	body, err := json.Marshal(transport.NewOutcomeEvent(update))
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	return t.publish(ctx, t.OutcomeChannel(), body)
}

// Init subscribes to the data channel of target's stream.
func (t *Transport) Init(ctx context.Context, target *transport.Target, d transport.Deliverer) error {
	if target.StreamName == "" {
		return errors.New("redis: stream transfer requires a stream name")
	}
	_ = t.Deinit()

	ps, err := t.subscribe(ctx, t.StreamDataChannel(target.StreamName))
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.stream = ps
	t.target = target
	t.mu.Unlock()

	ch := ps.Channel()
	t.streams.Go(func() {
		for msg := range ch {
			if err := d.SignalBlock([]byte(msg.Payload)); err != nil {
				t.logWarn("block dropped", msg.Channel, err)
			}
		}
	})
	return nil
}

// RequestRange publishes req as a msgpack stream request.
func (t *Transport) RequestRange(ctx context.Context, req *transport.RangeRequest) error {
	t.mu.Lock()
	target := t.target
	t.mu.Unlock()
	if target == nil {
		return transport.ErrNotInitialized
	}

	sr := req.StreamRequest()
	if sr.StreamName == "" {
		sr.StreamName = target.StreamName
	}
	body, err := ipc.EncodeStreamRequest(sr)
	if err != nil {
		return fmt.Errorf("redis: encode stream request: %w", err)
	}
	return t.publish(ctx, t.StreamRequestChannel(sr.StreamName), body)
}

// Deinit unsubscribes from the stream data channel.
func (t *Transport) Deinit() error {
	t.mu.Lock()
	ps := t.stream
	t.stream = nil
	t.target = nil
	t.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	t.streams.Wait()
	return err
}

// publish sends body with retries.
func (t *Transport) publish(ctx context.Context, channel string, body []byte) error {
	err := transport.Retry(ctx, t.config.Retries, func(ctx context.Context) error {
		publishCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
		return t.client.Publish(publishCtx, channel, body).Err()
	}, nil)
	if err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Close unsubscribes and releases the connection.
func (t *Transport) Close() error {
	_ = t.Deinit()

	t.mu.Lock()
	jobs := t.jobs
	t.jobs = nil
	t.mu.Unlock()

	if jobs != nil {
		_ = jobs.Close()
	}
	t.wg.Wait()
	return t.client.Close()
}

func (t *Transport) logWarn(msg, channel string, err error) {
	if t.logger == nil {
		return
	}
	t.logger.Warn(msg, map[string]any{
		"channel": channel,
		"error":   err.Error(),
	})
}

var (
	_ transport.JobControl   = (*Transport)(nil)
	_ transport.BlockFetcher = (*Transport)(nil)
	_ transport.Notifier     = (*Transport)(nil)
)
