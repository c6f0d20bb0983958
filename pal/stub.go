package pal

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/pithecene-io/ota/types"
)

// StubPlatform is an in-memory platform for tests.
// It records every call and can be told to fail.
type StubPlatform struct {
	mu sync.Mutex

	// Image is the content of the most recently created file.
	Image []byte
	// Writes counts successful WriteBlock calls.
	Writes int
	// Calls records method names in call order.
	Calls []string
	// State is the current image state.
	State types.ImageState
	// Resets counts Reset calls.
	Resets int
	// Aborted counts Abort calls with a non-nil handle.
	Aborted int

	// ErrorOnCreate, ErrorOnWrite, ErrorOnClose and ErrorOnActivate, if
	// non-nil, are returned by the matching method.
	ErrorOnCreate   error
	ErrorOnWrite    error
	ErrorOnClose    error
	ErrorOnActivate error

	// ExpectSignature, if non-nil, makes CloseFile return
	// ErrSignatureInvalid unless the signature matches.
	ExpectSignature []byte
}

// StubHandle is the handle returned by StubPlatform.
type StubHandle struct {
	path   string
	closed bool
}

func (h *StubHandle) Path() string { return h.path }

// NewStubPlatform creates a stub with image state Unknown.
func NewStubPlatform() *StubPlatform {
	return &StubPlatform{State: types.ImageStateUnknown}
}

func (s *StubPlatform) record(call string) {
	s.Calls = append(s.Calls, call)
}

// CreateFile allocates an in-memory image of spec.Size bytes.
func (s *StubPlatform) CreateFile(_ context.Context, spec *FileSpec) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("CreateFile")
	if s.ErrorOnCreate != nil {
		return nil, s.ErrorOnCreate
	}
	s.Image = make([]byte, spec.Size)
	s.Writes = 0
	return &StubHandle{path: spec.Path}, nil
}

// WriteBlock copies data into the image.
func (s *StubPlatform) WriteBlock(_ context.Context, h Handle, offset uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open(h); err != nil {
		return err
	}
	if s.ErrorOnWrite != nil {
		return s.ErrorOnWrite
	}
	end := int(offset) + len(data)
	if end > len(s.Image) {
		return fmt.Errorf("write [%d,%d) past image size %d", offset, end, len(s.Image))
	}
	copy(s.Image[offset:], data)
	s.Writes++
	return nil
}

// CloseFile checks the signature when ExpectSignature is set.
func (s *StubPlatform) CloseFile(_ context.Context, h Handle, sig []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("CloseFile")
	if err := s.open(h); err != nil {
		return err
	}
	h.(*StubHandle).closed = true
	if s.ErrorOnClose != nil {
		return s.ErrorOnClose
	}
	if s.ExpectSignature != nil && !bytes.Equal(sig, s.ExpectSignature) {
		s.Image = nil
		return ErrSignatureInvalid
	}
	return nil
}

func (s *StubPlatform) open(h Handle) error {
	sh, ok := h.(*StubHandle)
	if !ok || sh == nil || sh.closed {
		return ErrNoHandle
	}
	return nil
}

// Abort discards the image.
func (s *StubPlatform) Abort(_ context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h == nil {
		return nil
	}
	s.record("Abort")
	s.Aborted++
	if sh, ok := h.(*StubHandle); ok && sh != nil {
		sh.closed = true
	}
	s.Image = nil
	return nil
}

// Activate moves the image state to PendingCommit.
func (s *StubPlatform) Activate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("Activate")
	if s.ErrorOnActivate != nil {
		return s.ErrorOnActivate
	}
	s.State = types.ImageStatePendingCommit
	return nil
}

// SetImageState records s.
func (s *StubPlatform) SetImageState(_ context.Context, st types.ImageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("SetImageState:" + string(st))
	if !st.IsValid() {
		return fmt.Errorf("invalid image state %q", st)
	}
	s.State = st
	return nil
}

// ImageState returns the recorded state.
func (s *StubPlatform) ImageState(_ context.Context) (types.ImageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State, nil
}

// Reset counts the call.
func (s *StubPlatform) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("Reset")
	s.Resets++
	return nil
}

// CallLog returns a copy of the recorded calls.
func (s *StubPlatform) CallLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Calls...)
}

// ImageCopy returns a copy of the current image.
func (s *StubPlatform) ImageCopy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.Image...)
}

// CurrentState returns the image state.
func (s *StubPlatform) CurrentState() types.ImageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

var _ Platform = (*StubPlatform)(nil)
