// Package transport defines the agent's network ports: job control, block
// fetching and outcome notification.
//
// Transports never call into agent state. Everything they receive is handed
// to a Deliverer, which only enqueues; the agent worker does the rest.
package transport

import (
	"context"
	"errors"

	"github.com/pithecene-io/ota/ipc"
	"github.com/pithecene-io/ota/types"
)

// ErrNotInitialized is returned by RequestRange before Init or after Deinit.
var ErrNotInitialized = errors.New("block fetcher not initialized")

// ErrUnsupportedURL is returned by Init for an update URL no fetcher serves.
var ErrUnsupportedURL = errors.New("unsupported update URL")

// Deliverer receives inbound messages. The agent implements it; both
// methods copy the data and return without blocking.
type Deliverer interface {
	// SignalJobDocument hands over a job document.
	SignalJobDocument(doc []byte) error
	// SignalBlock hands over an encoded ipc.BlockFrame.
	SignalBlock(frame []byte) error
}

// JobControl is the job-control port.
type JobControl interface {
	// Connect starts delivering job documents to d. Called once before
	// the first RequestJob.
	Connect(ctx context.Context, d Deliverer) error

	// RequestJob asks for the next pending job. The document arrives
	// later through the Deliverer.
	RequestJob(ctx context.Context, clientToken string) error

	// PublishStatus reports a job status update.
	PublishStatus(ctx context.Context, update *types.StatusUpdate) error

	// Close releases transport resources.
	Close() error
}

// Target describes where a file's blocks come from.
type Target struct {
	// URL is the update data URL from the job document. Empty for
	// stream-only transfers.
	URL string
	// StreamName names the data stream for stream transports.
	StreamName string
	// AuthScheme is passed through from the job document.
	AuthScheme string
	// FileID is the server-side file id stamped on delivered frames.
	FileID    uint32
	FileSize  uint32
	BlockSize uint32
}

// BlockLen returns the length of block i of the target file.
func (t *Target) BlockLen(i uint32) uint32 {
	start := uint64(i) * uint64(t.BlockSize)
	if start >= uint64(t.FileSize) {
		return 0
	}
	return uint32(min(uint64(t.BlockSize), uint64(t.FileSize)-start))
}

// RangeRequest asks for a window of blocks.
type RangeRequest struct {
	ClientToken string
	StreamName  string
	FileID      uint32
	BlockSize   uint32
	// Offset is the first block of the window.
	Offset    uint32
	NumBlocks uint32
	// Bitmap marks the blocks still needed within the window, one bit per
	// block, least significant bit first.
	Bitmap []byte
}

// Wants reports whether block Offset+i is still needed.
func (r *RangeRequest) Wants(i uint32) bool {
	if i >= r.NumBlocks || int(i/8) >= len(r.Bitmap) {
		return false
	}
	return r.Bitmap[i/8]&(1<<(i%8)) != 0
}

// Blocks returns the absolute ids of the blocks the request wants.
func (r *RangeRequest) Blocks() []uint32 {
	var out []uint32
	for i := range r.NumBlocks {
		if r.Wants(i) {
			out = append(out, r.Offset+i)
		}
	}
	return out
}

// StreamRequest converts the request to its wire message.
func (r *RangeRequest) StreamRequest() *ipc.StreamRequest {
	return &ipc.StreamRequest{
		Type:        ipc.StreamRequestType,
		ClientToken: r.ClientToken,
		StreamName:  r.StreamName,
		FileID:      r.FileID,
		BlockSize:   r.BlockSize,
		Offset:      r.Offset,
		NumBlocks:   r.NumBlocks,
		Bitmap:      append([]byte(nil), r.Bitmap...),
	}
}

// BlockFetcher is the block-fetch port.
type BlockFetcher interface {
	// Init prepares fetching for target and starts delivering blocks to d.
	Init(ctx context.Context, target *Target, d Deliverer) error

	// RequestRange asks for the blocks in req. Blocks arrive later through
	// the Deliverer; RequestRange must not wait for them.
	RequestRange(ctx context.Context, req *RangeRequest) error

	// Deinit stops fetching. Safe to call when not initialized.
	Deinit() error
}

// Notifier publishes terminal job outcomes to a downstream system.
type Notifier interface {
	// Notify publishes a terminal status update.
	// Must respect context cancellation and deadlines.
	Notify(ctx context.Context, update *types.StatusUpdate) error

	// Close releases notifier resources.
	Close() error
}
