package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/ota/ipc"
)

// recorder is a Deliverer that keeps everything it is handed.
type recorder struct {
	mu     sync.Mutex
	docs   [][]byte
	blocks []*ipc.BlockFrame
	ch     chan struct{}
	err    error
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 1024)}
}

func (r *recorder) SignalJobDocument(doc []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, append([]byte(nil), doc...))
	return nil
}

func (r *recorder) SignalBlock(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	f, err := ipc.DecodeBlock(frame)
	if err != nil {
		return err
	}
	r.blocks = append(r.blocks, f)
	r.ch <- struct{}{}
	return nil
}

func (r *recorder) Blocks() []*ipc.BlockFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ipc.BlockFrame(nil), r.blocks...)
}

func (r *recorder) Docs() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.docs...)
}

// waitBlocks waits until n blocks have been delivered.
func (r *recorder) waitBlocks(t *testing.T, n int) []*ipc.BlockFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := r.Blocks(); len(got) >= n {
			return got
		}
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d blocks, got %d", n, len(r.Blocks()))
		}
	}
}

// bitmapAll returns a window bitmap wanting all n blocks.
func bitmapAll(n uint32) []byte {
	b := make([]byte, (n+7)/8)
	for i := range n {
		b[i/8] |= 1 << (i % 8)
	}
	return b
}
