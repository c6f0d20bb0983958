package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Mux routes a transfer to a BlockFetcher by the scheme of its update URL.
// Targets without a URL use the stream fetcher.
type Mux struct {
	stream   BlockFetcher
	byScheme map[string]BlockFetcher

	mu     sync.Mutex
	active BlockFetcher
}

// NewMux creates a Mux. stream may be nil when no stream transport is
// configured.
func NewMux(stream BlockFetcher) *Mux {
	return &Mux{stream: stream, byScheme: make(map[string]BlockFetcher)}
}

// Handle registers f for the given URL schemes.
func (m *Mux) Handle(f BlockFetcher, schemes ...string) *Mux {
	for _, s := range schemes {
		m.byScheme[strings.ToLower(s)] = f
	}
	return m
}

// Select returns the fetcher that serves target.
func (m *Mux) Select(target *Target) (BlockFetcher, error) {
	if target.URL == "" {
		if m.stream == nil {
			return nil, fmt.Errorf("%w: no URL and no stream transport", ErrUnsupportedURL)
		}
		return m.stream, nil
	}
	u, err := url.Parse(target.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	f, ok := m.byScheme[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
	return f, nil
}

// Init selects a fetcher for target and initializes it.
func (m *Mux) Init(ctx context.Context, target *Target, d Deliverer) error {
	f, err := m.Select(target)
	if err != nil {
		return err
	}
	_ = m.Deinit()
	if err := f.Init(ctx, target, d); err != nil {
		return err
	}

	m.mu.Lock()
	m.active = f
	m.mu.Unlock()
	return nil
}

// RequestRange forwards to the active fetcher.
func (m *Mux) RequestRange(ctx context.Context, req *RangeRequest) error {
	m.mu.Lock()
	f := m.active
	m.mu.Unlock()

	if f == nil {
		return ErrNotInitialized
	}
	return f.RequestRange(ctx, req)
}

// Deinit deinitializes the active fetcher, if any.
func (m *Mux) Deinit() error {
	m.mu.Lock()
	f := m.active
	m.active = nil
	m.mu.Unlock()

	if f == nil {
		return nil
	}
	return f.Deinit()
}

var _ BlockFetcher = (*Mux)(nil)
