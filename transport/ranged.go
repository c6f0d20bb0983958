package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/time/rate"

	"github.com/pithecene-io/ota/ipc"
	"github.com/pithecene-io/ota/log"
)

// RangeReader reads a byte range of the file being fetched.
type RangeReader interface {
	ReadRange(ctx context.Context, offset, length int64) ([]byte, error)
}

// RangeOpener opens a RangeReader for a target.
type RangeOpener func(ctx context.Context, target *Target) (RangeReader, error)

// RangedConfig configures a RangedFetcher.
type RangedConfig struct {
	// RequestsPerSecond paces range reads. Zero means unlimited.
	RequestsPerSecond float64
	// Burst is the limiter burst size (default 1).
	Burst int
	// Logger is optional.
	Logger *log.Logger
}

// RangedFetcher is a BlockFetcher over any byte-range source. Each
// RequestRange is served by a single worker goroutine, one read per wanted
// block. A request arriving while another is pending replaces it.
type RangedFetcher struct {
	open    RangeOpener
	limiter *rate.Limiter
	logger  *log.Logger

	mu     sync.Mutex
	target *Target
	reader RangeReader
	d      Deliverer
	reqs   chan *RangeRequest
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRangedFetcher creates a fetcher reading through open.
func NewRangedFetcher(open RangeOpener, cfg RangedConfig) *RangedFetcher {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RangedFetcher{
		open:    open,
		limiter: rate.NewLimiter(limit, burst),
		logger:  cfg.Logger,
	}
}

// Init opens the target and starts the worker. A previous target is
// deinitialized first.
func (f *RangedFetcher) Init(ctx context.Context, target *Target, d Deliverer) error {
	if target == nil || d == nil {
		return errors.New("ranged fetcher: target and deliverer are required")
	}
	if target.BlockSize == 0 {
		return errors.New("ranged fetcher: block size must be positive")
	}
	_ = f.Deinit()

	reader, err := f.open(ctx, target)
	if err != nil {
		return fmt.Errorf("ranged fetcher: open %s: %w", target.URL, err)
	}

	workCtx, cancel := context.WithCancel(context.Background())
	reqs := make(chan *RangeRequest, 1)

	f.mu.Lock()
	f.target = target
	f.reader = reader
	f.d = d
	f.reqs = reqs
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Go(func() { f.work(workCtx, target, reader, d, reqs) })
	return nil
}

// RequestRange queues req for the worker without waiting for any block.
func (f *RangedFetcher) RequestRange(_ context.Context, req *RangeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.reqs == nil {
		return ErrNotInitialized
	}
	select {
	case f.reqs <- req:
	default:
		// Replace the pending request with the newer window.
		select {
		case <-f.reqs:
		default:
		}
		f.reqs <- req
	}
	return nil
}

// Deinit stops the worker, waits for it to exit and closes the reader
// if it is an io.Closer.
func (f *RangedFetcher) Deinit() error {
	f.mu.Lock()
	cancel := f.cancel
	reader := f.reader
	f.cancel = nil
	f.reqs = nil
	f.target = nil
	f.reader = nil
	f.d = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.wg.Wait()

	if c, ok := reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (f *RangedFetcher) work(ctx context.Context, target *Target, reader RangeReader, d Deliverer, reqs <-chan *RangeRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-reqs:
			f.serve(ctx, target, reader, d, req)
		}
	}
}

func (f *RangedFetcher) serve(ctx context.Context, target *Target, reader RangeReader, d Deliverer, req *RangeRequest) {
	for _, id := range req.Blocks() {
		n := target.BlockLen(id)
		if n == 0 {
			continue
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return
		}
		data, err := reader.ReadRange(ctx, int64(id)*int64(target.BlockSize), int64(n))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logWarn("block read failed", id, err)
			continue
		}
		if err := DeliverBlock(d, target.FileID, id, data); err != nil {
			// The queue is full; the request timer asks again.
			f.logWarn("block delivery failed", id, err)
			return
		}
	}
}

func (f *RangedFetcher) logWarn(msg string, blockID uint32, err error) {
	if f.logger == nil {
		return
	}
	f.logger.Warn(msg, map[string]any{
		"block_id": blockID,
		"error":    err.Error(),
	})
}

// DeliverBlock encodes payload as a block frame and hands it to d.
func DeliverBlock(d Deliverer, fileID, blockID uint32, payload []byte) error {
	frame, err := ipc.EncodeBlock(&ipc.BlockFrame{
		FileID:    fileID,
		BlockID:   blockID,
		BlockSize: uint32(len(payload)),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	return d.SignalBlock(frame)
}

var _ BlockFetcher = (*RangedFetcher)(nil)
