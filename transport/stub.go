package transport

import (
	"context"
	"sync"

	"github.com/pithecene-io/ota/types"
)

// StubJobControl records job-control calls for tests. Documents queued
// with Queue are delivered one per RequestJob; with none queued,
// RequestJob delivers nothing.
type StubJobControl struct {
	mu sync.Mutex

	d        Deliverer
	docs     [][]byte
	requests []string
	updates  []*types.StatusUpdate
	closed   bool

	// ErrorOnRequest, if non-nil, is returned by RequestJob.
	ErrorOnRequest error
	// ErrorOnPublish, if non-nil, is returned by PublishStatus.
	ErrorOnPublish error
}

// NewStubJobControl creates a stub serving docs in order.
func NewStubJobControl(docs ...[]byte) *StubJobControl {
	return &StubJobControl{docs: docs}
}

// Queue appends documents to deliver.
func (s *StubJobControl) Queue(docs ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, docs...)
}

// Connect records the deliverer.
func (s *StubJobControl) Connect(_ context.Context, d Deliverer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = d
	return nil
}

// RequestJob records the token and delivers the next queued document.
func (s *StubJobControl) RequestJob(_ context.Context, clientToken string) error {
	s.mu.Lock()
	s.requests = append(s.requests, clientToken)
	if s.ErrorOnRequest != nil {
		err := s.ErrorOnRequest
		s.mu.Unlock()
		return err
	}
	var doc []byte
	if len(s.docs) > 0 {
		doc = s.docs[0]
		s.docs = s.docs[1:]
	}
	d := s.d
	s.mu.Unlock()

	if doc == nil || d == nil {
		return nil
	}
	return d.SignalJobDocument(doc)
}

// PublishStatus records a copy of update.
func (s *StubJobControl) PublishStatus(_ context.Context, update *types.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ErrorOnPublish != nil {
		return s.ErrorOnPublish
	}
	u := *update
	s.updates = append(s.updates, &u)
	return nil
}

// Close marks the stub closed.
func (s *StubJobControl) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Requests returns the client tokens of all RequestJob calls.
func (s *StubJobControl) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Updates returns the published status updates.
func (s *StubJobControl) Updates() []*types.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.StatusUpdate(nil), s.updates...)
}

// Closed reports whether Close was called.
func (s *StubJobControl) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// StubFetcher records block-fetch calls for tests. When Image is set,
// RequestRange delivers the wanted blocks of Image synchronously.
type StubFetcher struct {
	mu sync.Mutex

	// Image is the file served by RequestRange, if set.
	Image []byte
	// Drop holds how many more times each block id is lost before it is
	// delivered.
	Drop map[uint32]int
	// Duplicate delivers every block twice.
	Duplicate bool
	// ErrorOnInit, if non-nil, is returned by Init.
	ErrorOnInit error

	target   *Target
	d        Deliverer
	inits    []*Target
	requests []*RangeRequest
	deinits  int
}

// Init records target.
func (s *StubFetcher) Init(_ context.Context, target *Target, d Deliverer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ErrorOnInit != nil {
		return s.ErrorOnInit
	}
	t := *target
	s.inits = append(s.inits, &t)
	s.target = &t
	s.d = d
	return nil
}

// RequestRange records req and serves Image if set.
func (s *StubFetcher) RequestRange(_ context.Context, req *RangeRequest) error {
	s.mu.Lock()
	if s.target == nil {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	r := *req
	r.Bitmap = append([]byte(nil), req.Bitmap...)
	s.requests = append(s.requests, &r)

	type out struct {
		id      uint32
		payload []byte
	}
	var deliveries []out
	if s.Image != nil {
		for _, id := range r.Blocks() {
			if s.Drop[id] > 0 {
				s.Drop[id]--
				continue
			}
			start := uint64(id) * uint64(s.target.BlockSize)
			n := uint64(s.target.BlockLen(id))
			if n == 0 || start+n > uint64(len(s.Image)) {
				continue
			}
			p := s.Image[start : start+n]
			deliveries = append(deliveries, out{id, p})
			if s.Duplicate {
				deliveries = append(deliveries, out{id, p})
			}
		}
	}
	d, fileID := s.d, s.target.FileID
	s.mu.Unlock()

	for _, o := range deliveries {
		if err := DeliverBlock(d, fileID, o.id, o.payload); err != nil {
			return err
		}
	}
	return nil
}

// Deinit clears the target.
func (s *StubFetcher) Deinit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target != nil {
		s.deinits++
	}
	s.target = nil
	s.d = nil
	return nil
}

// Inits returns the targets of all Init calls.
func (s *StubFetcher) Inits() []*Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Target(nil), s.inits...)
}

// Requests returns all recorded range requests.
func (s *StubFetcher) Requests() []*RangeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*RangeRequest(nil), s.requests...)
}

// Deinits returns how many initialized transfers were deinitialized.
func (s *StubFetcher) Deinits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deinits
}

var (
	_ JobControl   = (*StubJobControl)(nil)
	_ BlockFetcher = (*StubFetcher)(nil)
)
