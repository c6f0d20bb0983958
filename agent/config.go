package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/ota/blocks"
	"github.com/pithecene-io/ota/osport"
)

// frameOverhead is the room a pool buffer needs beyond BlockSize for the
// msgpack framing of one block.
const frameOverhead = 128

// Config holds the agent's tunables.
type Config struct {
	// BlockSize is the transfer block size in bytes.
	BlockSize uint32
	// BlocksPerRequest is the request window length in blocks.
	BlocksPerRequest uint32
	// RequestWait is the first request timeout. Retries back off
	// exponentially from it.
	RequestWait time.Duration
	// MaxBackoff caps the request timeout.
	MaxBackoff time.Duration
	// MaxMomentum is how many consecutive unanswered requests are retried
	// before the transfer counts as stalled.
	MaxMomentum int
	// SelfTestTimeout bounds the self-test of a new image.
	SelfTestTimeout time.Duration
	// ProgressEvery reports transfer progress every N accepted blocks.
	// Zero disables progress reports.
	ProgressEvery uint32
	// QueueCapacity is the event queue depth.
	QueueCapacity int
	// PoolBuffers is the number of payload buffers.
	PoolBuffers int
	// PoolBufferSize is the size of each payload buffer. It bounds job
	// documents and block frames.
	PoolBufferSize int
	// NotifyTimeout bounds one outcome notification.
	NotifyTimeout time.Duration
}

// DefaultConfig returns the defaults used by `ota run`.
func DefaultConfig() Config {
	return Config{
		BlockSize:        4096,
		BlocksPerRequest: 4,
		RequestWait:      10 * time.Second,
		MaxBackoff:       2 * time.Minute,
		MaxMomentum:      32,
		SelfTestTimeout:  5 * time.Minute,
		ProgressEvery:    64,
		QueueCapacity:    osport.DefaultQueueCapacity,
		PoolBuffers:      osport.DefaultQueueCapacity + 2,
		PoolBufferSize:   8192,
		NotifyTimeout:    30 * time.Second,
	}
}

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("invalid agent config")

// Validate checks the configuration:
//   - block size and window are positive and a window fits the queue
//   - durations are positive, MaxBackoff is at least RequestWait
//   - pool buffers hold a full block frame
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.BlockSize == 0:
		return fail("block_size must be positive")
	case c.BlocksPerRequest == 0:
		return fail("blocks_per_request must be positive")
	case c.BlocksPerRequest > blocks.MaxBlocks:
		return fail("blocks_per_request must be at most %d", blocks.MaxBlocks)
	case c.QueueCapacity < 1:
		return fail("queue_capacity must be positive")
	case int(c.BlocksPerRequest) > c.QueueCapacity:
		return fail("blocks_per_request (%d) exceeds queue_capacity (%d)", c.BlocksPerRequest, c.QueueCapacity)
	case c.RequestWait <= 0:
		return fail("request_wait must be positive")
	case c.MaxBackoff < c.RequestWait:
		return fail("max_backoff must be at least request_wait")
	case c.MaxMomentum < 1:
		return fail("max_momentum must be positive")
	case c.SelfTestTimeout <= 0:
		return fail("self_test_timeout must be positive")
	case c.PoolBuffers < 1:
		return fail("pool_buffers must be positive")
	case c.PoolBufferSize < int(c.BlockSize)+frameOverhead:
		return fail("pool_buffer_size must be at least block_size + %d", frameOverhead)
	case c.NotifyTimeout <= 0:
		return fail("notify_timeout must be positive")
	}
	return nil
}

// backoff returns the request timeout after momentum unanswered requests:
// RequestWait doubled per retry, capped at MaxBackoff.
func (c *Config) backoff(momentum int) time.Duration {
	d := c.RequestWait
	for i := 1; i < momentum && d < c.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, c.MaxBackoff)
}
