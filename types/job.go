package types

// JobStatus is the status reported to the job-control transport.
type JobStatus string

// Job statuses.
const (
	JobStatusInProgress    JobStatus = "IN_PROGRESS"
	JobStatusFailed        JobStatus = "FAILED"
	JobStatusSucceeded     JobStatus = "SUCCEEDED"
	JobStatusRejected      JobStatus = "REJECTED"
	JobStatusFailedWithVal JobStatus = "FAILED_WITH_VAL"
)

// IsTerminal returns true if the status ends the job.
func (s JobStatus) IsTerminal() bool {
	return s != JobStatusInProgress
}

// JobReason is the reason code attached to a status update.
type JobReason string

// Reason codes reported at progress and terminal points.
const (
	ReasonReceiving      JobReason = "receiving"
	ReasonSigCheckPassed JobReason = "ready"
	ReasonSelfTestActive JobReason = "active"
	ReasonAccepted       JobReason = "accepted"
	ReasonRejected       JobReason = "rejected"
	ReasonAborted        JobReason = "aborted"
)

// ImageState is the platform's view of the running firmware image.
type ImageState string

// Image states.
const (
	ImageStateUnknown       ImageState = "unknown"
	ImageStateTesting       ImageState = "testing"
	ImageStateAccepted      ImageState = "accepted"
	ImageStateRejected      ImageState = "rejected"
	ImageStateAborted       ImageState = "aborted"
	ImageStatePendingCommit ImageState = "pending_commit"
)

// IsValid returns true for a known image state.
func (s ImageState) IsValid() bool {
	switch s {
	case ImageStateUnknown, ImageStateTesting, ImageStateAccepted,
		ImageStateRejected, ImageStateAborted, ImageStatePendingCommit:
		return true
	default:
		return false
	}
}

// StatusUpdate is a job status report published to the job-control
// transport and recorded in the status journal.
type StatusUpdate struct {
	// WireVersion is always WireVersion.
	WireVersion string `json:"wire_version" msgpack:"wire_version"`
	// ThingName addresses the device.
	ThingName string `json:"thing_name" msgpack:"thing_name"`
	// JobID is the job being reported on. May be empty when a document
	// was rejected before its id could be extracted.
	JobID string `json:"job_id" msgpack:"job_id"`
	// ClientToken correlates the update with the agent's job request.
	ClientToken string `json:"client_token" msgpack:"client_token"`
	// Status is the job status.
	Status JobStatus `json:"status" msgpack:"status"`
	// Reason is the reason code.
	Reason JobReason `json:"reason" msgpack:"reason"`
	// Detail carries an extra human-readable value, e.g. a parse error.
	Detail string `json:"detail,omitempty" msgpack:"detail,omitempty"`
	// BlocksReceived and TotalBlocks describe transfer progress.
	BlocksReceived uint32 `json:"blocks_received" msgpack:"blocks_received"`
	TotalBlocks    uint32 `json:"total_blocks" msgpack:"total_blocks"`
	// Timestamp is RFC 3339 UTC.
	Timestamp string `json:"timestamp" msgpack:"timestamp"`
}
