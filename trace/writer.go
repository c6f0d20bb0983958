package trace

import (
	"io"
	"sync"

	"github.com/pithecene-io/ota/ipc"
)

// Writer records a transfer as a trace. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *ipc.FrameEncoder
}

// NewWriter creates a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: ipc.NewFrameEncoder(w)}
}

// JobDocument records the job document the transfer was built from.
func (w *Writer) JobDocument(doc []byte, blockSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(&ipc.JobDocFrame{Type: ipc.JobDocFrameType, BlockSize: blockSize, Doc: doc})
}

// Block records a received block frame.
func (w *Writer) Block(f *ipc.BlockFrame) error {
	payload, err := ipc.EncodeBlock(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.WriteFrame(payload)
}

// Request records a stream request sent by the agent.
func (w *Writer) Request(req *ipc.StreamRequest) error {
	payload, err := ipc.EncodeStreamRequest(req)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.WriteFrame(payload)
}
