package osport

import (
	"sync"
	"time"
)

// TimerID names one of the agent's timers.
type TimerID int

const (
	// RequestTimer guards job and block requests.
	RequestTimer TimerID = iota
	// SelfTestTimer bounds the self-test of a new image.
	SelfTestTimer
)

func (id TimerID) String() string {
	switch id {
	case RequestTimer:
		return "request"
	case SelfTestTimer:
		return "self_test"
	default:
		return "timer"
	}
}

type timer struct {
	name string
	t    *time.Timer
	gen  uint64
}

// Timers is a set of one-shot timers keyed by id. Starting a running
// timer resets it: each id has at most one pending expiry. Callbacks run
// on their own goroutine and must only enqueue.
type Timers struct {
	mu     sync.Mutex
	timers map[TimerID]*timer
	// gen is shared by all ids so a deleted and restarted timer never
	// reuses a generation.
	gen uint64
}

// NewTimers creates an empty timer set.
func NewTimers() *Timers {
	return &Timers{timers: make(map[TimerID]*timer)}
}

// Start arms timer id to call cb once after d, replacing any pending
// expiry of the same id.
func (ts *Timers) Start(id TimerID, name string, d time.Duration, cb func()) {
	ts.StartWithRetry(id, name, d, 0, func() bool {
		cb()
		return true
	})
}

// StartWithRetry is Start for a callback that can fail to deliver the
// expiry. When cb returns false the timer fires again after retry, until
// cb succeeds or the timer is started, stopped or deleted. A retry of
// zero disables redelivery.
func (ts *Timers) StartWithRetry(id TimerID, name string, d, retry time.Duration, cb func() bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	tm, ok := ts.timers[id]
	if !ok {
		tm = &timer{}
		ts.timers[id] = tm
	}
	if tm.t != nil {
		tm.t.Stop()
	}
	ts.gen++
	tm.name = name
	tm.gen = ts.gen
	ts.arm(tm, id, d, retry, cb)
}

// arm schedules tm under its current generation. Callers hold ts.mu.
func (ts *Timers) arm(tm *timer, id TimerID, d, retry time.Duration, cb func() bool) {
	gen := tm.gen
	tm.t = time.AfterFunc(d, func() { ts.fire(id, gen, retry, cb) })
}

// fire runs cb unless the expiry was superseded by Start, Stop or Delete,
// and re-arms the same generation when cb fails to deliver.
func (ts *Timers) fire(id TimerID, gen uint64, retry time.Duration, cb func() bool) {
	ts.mu.Lock()
	tm, ok := ts.timers[id]
	current := ok && tm.gen == gen
	if current {
		tm.t = nil
	}
	ts.mu.Unlock()

	if !current || cb() || retry <= 0 {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tm, ok := ts.timers[id]; ok && tm.gen == gen && tm.t == nil {
		ts.arm(tm, id, retry, retry, cb)
	}
}

// Stop disarms timer id. The timer can be started again.
func (ts *Timers) Stop(id TimerID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if tm, ok := ts.timers[id]; ok {
		ts.gen++
		tm.gen = ts.gen
		if tm.t != nil {
			tm.t.Stop()
			tm.t = nil
		}
	}
}

// Delete disarms and forgets timer id.
func (ts *Timers) Delete(id TimerID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if tm, ok := ts.timers[id]; ok {
		if tm.t != nil {
			tm.t.Stop()
		}
		delete(ts.timers, id)
	}
}

// StopAll disarms and forgets every timer.
func (ts *Timers) StopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for id, tm := range ts.timers {
		if tm.t != nil {
			tm.t.Stop()
		}
		delete(ts.timers, id)
	}
}

// Pending reports whether timer id has an expiry outstanding.
func (ts *Timers) Pending(id TimerID) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	tm, ok := ts.timers[id]
	return ok && tm.t != nil
}
