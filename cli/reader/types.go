// Package reader provides the read-side data access layer for the ota CLI.
//
// Readers only query the status journal. They never publish, request jobs
// or touch a platform.
package reader

// MetricsSnapshot is the latest agent metrics record for a thing.
type MetricsSnapshot struct {
	Ts        string `json:"ts"`
	ThingName string `json:"thing_name"`
	AgentID   string `json:"agent_id"`

	// Jobs
	JobsStarted   int64 `json:"jobs_started_total"`
	JobsSucceeded int64 `json:"jobs_succeeded_total"`
	JobsFailed    int64 `json:"jobs_failed_total"`
	JobsAborted   int64 `json:"jobs_aborted_total"`

	// Transfer
	BlocksAccepted  int64 `json:"blocks_accepted_total"`
	BlocksDuplicate int64 `json:"blocks_duplicate_total"`
	BlocksRejected  int64 `json:"blocks_rejected_total"`
	RequestsSent    int64 `json:"requests_sent_total"`
	RequestTimeouts int64 `json:"request_timeouts_total"`

	// Event queue
	EventsReceived int64 `json:"events_received_total"`
	EventsDropped  int64 `json:"events_dropped_total"`

	// Journal
	StatusRecorded        int64 `json:"status_recorded_total"`
	StatusPersisted       int64 `json:"status_persisted_total"`
	StatusDropped         int64 `json:"status_dropped_total"`
	StatusPublishFailures int64 `json:"status_publish_failures_total"`
	JournalWriteSuccess   int64 `json:"journal_write_success_total"`
	JournalWriteFailure   int64 `json:"journal_write_failure_total"`

	RejectedByResult map[string]int64 `json:"rejected_by_result,omitempty"`
	DroppedByReason  map[string]int64 `json:"dropped_by_reason,omitempty"`

	// Dimensions
	Transport      string `json:"transport"`
	StorageBackend string `json:"storage_backend"`
}

// HistoryItem is one status update as shown by `ota history`.
type HistoryItem struct {
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agent_id"`
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	Progress  string `json:"progress"`
	Detail    string `json:"detail,omitempty"`
}

// ParseResponse is the response for `ota parse`.
type ParseResponse struct {
	JobID       string   `json:"job_id"`
	ClientToken string   `json:"client_token,omitempty"`
	SelfTest    bool     `json:"self_test"`
	FileID      uint32   `json:"file_id"`
	FilePath    string   `json:"file_path"`
	FileSize    uint32   `json:"file_size"`
	BlockSize   uint32   `json:"block_size"`
	TotalBlocks uint32   `json:"total_blocks"`
	UpdateURL   string   `json:"update_url,omitempty"`
	StreamName  string   `json:"stream_name,omitempty"`
	Protocols   []string `json:"protocols,omitempty"`
	CertFile    string   `json:"cert_file,omitempty"`
	Signed      bool     `json:"signed"`
}
