package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/pithecene-io/ota/types"
)

// NoPendingJob is the job document delivered when no job is queued.
var NoPendingJob = []byte(`{"clientToken":""}`)

// LocalJobControl serves job documents from local files, one per
// RequestJob, and writes status updates as JSON lines.
type LocalJobControl struct {
	mu      sync.Mutex
	docs    [][]byte
	next    int
	d       Deliverer
	out     io.Writer
	updates []*types.StatusUpdate
	closed  bool
}

// NewLocalJobControl reads the job documents at paths. Status updates
// are written to out, which may be nil.
func NewLocalJobControl(out io.Writer, paths ...string) (*LocalJobControl, error) {
	docs := make([][]byte, 0, len(paths))
	for _, p := range paths {
		doc, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read job document: %w", err)
		}
		docs = append(docs, doc)
	}
	return NewLocalJobControlFromDocs(out, docs...), nil
}

// NewLocalJobControlFromDocs serves the given documents in order.
func NewLocalJobControlFromDocs(out io.Writer, docs ...[]byte) *LocalJobControl {
	return &LocalJobControl{docs: docs, out: out}
}

// Connect records the deliverer.
func (c *LocalJobControl) Connect(_ context.Context, d Deliverer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.d = d
	return nil
}

// RequestJob delivers the next document, or NoPendingJob once all have
// been served.
func (c *LocalJobControl) RequestJob(_ context.Context, _ string) error {
	c.mu.Lock()
	d := c.d
	doc := NoPendingJob
	if c.next < len(c.docs) {
		doc = c.docs[c.next]
		c.next++
	}
	c.mu.Unlock()

	if d == nil {
		return errors.New("local job control: not connected")
	}
	return d.SignalJobDocument(doc)
}

// PublishStatus records update and writes it to the output as one JSON line.
func (c *LocalJobControl) PublishStatus(_ context.Context, update *types.StatusUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("local job control: closed")
	}
	u := *update
	c.updates = append(c.updates, &u)
	if c.out == nil {
		return nil
	}
	line, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	_, err = c.out.Write(append(line, '\n'))
	return err
}

// Updates returns the published status updates.
func (c *LocalJobControl) Updates() []*types.StatusUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.StatusUpdate(nil), c.updates...)
}

// Close marks the control closed.
func (c *LocalJobControl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// OpenFile is a RangeOpener for file:// URLs and plain paths.
func OpenFile(_ context.Context, target *Target) (RangeReader, error) {
	path := target.URL
	if u, err := url.Parse(target.URL); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileReader{f: f}, nil
}

type fileReader struct {
	f *os.File
}

func (r *fileReader) Close() error {
	return r.f.Close()
}

func (r *fileReader) ReadRange(_ context.Context, offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := r.f.ReadAt(buf, offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
		return nil, err
	}
	return buf[:n], nil
}

// NewFileFetcher returns a fetcher for local files, used by `ota run`
// against images on disk.
func NewFileFetcher(cfg RangedConfig) *RangedFetcher {
	return NewRangedFetcher(OpenFile, cfg)
}

var _ JobControl = (*LocalJobControl)(nil)
