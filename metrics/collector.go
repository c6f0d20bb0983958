// Package metrics provides agent statistics collection.
//
// The Collector accumulates counters for the life of one agent. It is a
// leaf package with no internal dependencies. Journal policy counters are
// absorbed from policy.Stats at shutdown rather than recorded live, avoiding
// double-counting.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all agent statistics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Event queue
	EventsReceived  int64 `json:"events_received" yaml:"events_received"`
	EventsQueued    int64 `json:"events_queued" yaml:"events_queued"`
	EventsProcessed int64 `json:"events_processed" yaml:"events_processed"`
	EventsDropped   int64 `json:"events_dropped" yaml:"events_dropped"`

	// Blocks
	BlocksAccepted   int64            `json:"blocks_accepted" yaml:"blocks_accepted"`
	BlocksDuplicate  int64            `json:"blocks_duplicate" yaml:"blocks_duplicate"`
	BlocksRejected   int64            `json:"blocks_rejected" yaml:"blocks_rejected"`
	RejectedByResult map[string]int64 `json:"rejected_by_result,omitempty" yaml:"rejected_by_result,omitempty"`

	// Requests
	RequestsSent    int64 `json:"requests_sent" yaml:"requests_sent"`
	RequestTimeouts int64 `json:"request_timeouts" yaml:"request_timeouts"`

	// Jobs
	JobsStarted   int64 `json:"jobs_started" yaml:"jobs_started"`
	JobsSucceeded int64 `json:"jobs_succeeded" yaml:"jobs_succeeded"`
	JobsFailed    int64 `json:"jobs_failed" yaml:"jobs_failed"`
	JobsAborted   int64 `json:"jobs_aborted" yaml:"jobs_aborted"`

	// Status reporting
	StatusPublishFailures int64 `json:"status_publish_failures" yaml:"status_publish_failures"`

	// Journal writes (recorded live by lode.InstrumentedSink)
	JournalWriteSuccess int64 `json:"journal_write_success" yaml:"journal_write_success"`
	JournalWriteFailure int64 `json:"journal_write_failure" yaml:"journal_write_failure"`

	// Journal (absorbed from policy.Stats at shutdown)
	StatusRecorded  int64 `json:"status_recorded" yaml:"status_recorded"`
	StatusPersisted int64 `json:"status_persisted" yaml:"status_persisted"`
	StatusDropped   int64 `json:"status_dropped" yaml:"status_dropped"`
	// DroppedByReason counts dropped progress updates per reason code.
	DroppedByReason map[string]int64 `json:"dropped_by_reason,omitempty" yaml:"dropped_by_reason,omitempty"`
	// FlushTriggers counts journal flushes per trigger (nil for
	// policies that do not flush on triggers).
	FlushTriggers map[string]int64 `json:"flush_triggers,omitempty" yaml:"flush_triggers,omitempty"`

	// Dimensions (informational, set at construction)
	ThingName      string `json:"thing_name" yaml:"thing_name"`
	AgentID        string `json:"agent_id" yaml:"agent_id"`
	Transport      string `json:"transport" yaml:"transport"`
	StorageBackend string `json:"storage_backend" yaml:"storage_backend"`
}

// Collector accumulates agent statistics.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	eventsReceived  int64
	eventsQueued    int64
	eventsProcessed int64
	eventsDropped   int64

	blocksAccepted   int64
	blocksDuplicate  int64
	blocksRejected   int64
	rejectedByResult map[string]int64

	requestsSent    int64
	requestTimeouts int64

	jobsStarted   int64
	jobsSucceeded int64
	jobsFailed    int64
	jobsAborted   int64

	statusPublishFailures int64

	journalWriteSuccess int64
	journalWriteFailure int64

	// Set once via AbsorbPolicyStats
	statusRecorded  int64
	statusPersisted int64
	statusDropped   int64
	droppedByReason map[string]int64
	flushTriggers   map[string]int64

	// Dimensions
	thingName      string
	agentID        string
	transport      string
	storageBackend string
}

// NewCollector creates a Collector with dimension labels.
// storageBackend is empty when no status journal is configured.
func NewCollector(thingName, agentID, transport, storageBackend string) *Collector {
	return &Collector{
		rejectedByResult: make(map[string]int64),
		thingName:        thingName,
		agentID:          agentID,
		transport:        transport,
		storageBackend:   storageBackend,
	}
}

// --- Event queue ---

// IncEventReceived records an event offered to the queue.
func (c *Collector) IncEventReceived() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsReceived++
	c.mu.Unlock()
}

// IncEventQueued records an event accepted by the queue.
func (c *Collector) IncEventQueued() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsQueued++
	c.mu.Unlock()
}

// IncEventProcessed records an event handled by the worker.
func (c *Collector) IncEventProcessed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsProcessed++
	c.mu.Unlock()
}

// IncEventDropped records an event lost to a full queue or an
// exhausted buffer pool.
func (c *Collector) IncEventDropped() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsDropped++
	c.mu.Unlock()
}

// --- Blocks ---

// IncBlockAccepted records a newly stored block.
func (c *Collector) IncBlockAccepted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.blocksAccepted++
	c.mu.Unlock()
}

// IncBlockDuplicate records a block that was already stored.
func (c *Collector) IncBlockDuplicate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.blocksDuplicate++
	c.mu.Unlock()
}

// IncBlockRejected records a block ending with a fatal ingest result.
// result is the result name, kept as a string to keep this package free
// of dependencies on the blocks package.
func (c *Collector) IncBlockRejected(result string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.blocksRejected++
	c.rejectedByResult[result]++
	c.mu.Unlock()
}

// --- Requests ---

// IncRequestSent records a job or block request.
func (c *Collector) IncRequestSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestsSent++
	c.mu.Unlock()
}

// IncRequestTimeout records a request timer expiry.
func (c *Collector) IncRequestTimeout() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestTimeouts++
	c.mu.Unlock()
}

// --- Jobs ---

// IncJobStarted records a job whose transfer began.
func (c *Collector) IncJobStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsStarted++
	c.mu.Unlock()
}

// IncJobSucceeded records an accepted image.
func (c *Collector) IncJobSucceeded() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsSucceeded++
	c.mu.Unlock()
}

// IncJobFailed records a job reported failed or rejected.
func (c *Collector) IncJobFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsFailed++
	c.mu.Unlock()
}

// IncJobAborted records a job ended by the user.
func (c *Collector) IncJobAborted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsAborted++
	c.mu.Unlock()
}

// IncStatusPublishFailure records a status update the job-control
// transport failed to publish.
func (c *Collector) IncStatusPublishFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.statusPublishFailures++
	c.mu.Unlock()
}

// --- Journal writes ---

// IncJournalWriteSuccess records a successful batch write to the journal.
func (c *Collector) IncJournalWriteSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.journalWriteSuccess++
	c.mu.Unlock()
}

// IncJournalWriteFailure records a failed batch write to the journal.
func (c *Collector) IncJournalWriteFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.journalWriteFailure++
	c.mu.Unlock()
}

// --- Journal (absorbed from policy.Stats) ---

// AbsorbPolicyStats copies journal counters from policy.Stats into the
// collector. Called once at shutdown with the final policy stats snapshot.
// Map keys are strings to keep this package free of dependencies on the
// types package. flushTriggers may be nil.
func (c *Collector) AbsorbPolicyStats(recorded, persisted, dropped int64, droppedByReason, flushTriggers map[string]int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.statusRecorded = recorded
	c.statusPersisted = persisted
	c.statusDropped = dropped
	c.droppedByReason = copyCounts(droppedByReason)
	if flushTriggers != nil {
		c.flushTriggers = copyCounts(flushTriggers)
	} else {
		c.flushTriggers = nil
	}
	c.mu.Unlock()
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all statistics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var triggers map[string]int64
	if c.flushTriggers != nil {
		triggers = copyCounts(c.flushTriggers)
	}

	return Snapshot{
		EventsReceived:  c.eventsReceived,
		EventsQueued:    c.eventsQueued,
		EventsProcessed: c.eventsProcessed,
		EventsDropped:   c.eventsDropped,

		BlocksAccepted:   c.blocksAccepted,
		BlocksDuplicate:  c.blocksDuplicate,
		BlocksRejected:   c.blocksRejected,
		RejectedByResult: copyCounts(c.rejectedByResult),

		RequestsSent:    c.requestsSent,
		RequestTimeouts: c.requestTimeouts,

		JobsStarted:   c.jobsStarted,
		JobsSucceeded: c.jobsSucceeded,
		JobsFailed:    c.jobsFailed,
		JobsAborted:   c.jobsAborted,

		StatusPublishFailures: c.statusPublishFailures,

		JournalWriteSuccess: c.journalWriteSuccess,
		JournalWriteFailure: c.journalWriteFailure,

		StatusRecorded:  c.statusRecorded,
		StatusPersisted: c.statusPersisted,
		StatusDropped:   c.statusDropped,
		DroppedByReason: copyCounts(c.droppedByReason),
		FlushTriggers:   triggers,

		ThingName:      c.thingName,
		AgentID:        c.agentID,
		Transport:      c.transport,
		StorageBackend: c.storageBackend,
	}
}
