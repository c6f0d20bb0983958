package transport

import "github.com/pithecene-io/ota/types"

// EventTypeJobCompleted is the event_type of every OutcomeEvent.
const EventTypeJobCompleted = "job_completed"

// OutcomeEvent is the payload notifiers publish when a job reaches a
// terminal status.
type OutcomeEvent struct {
	WireVersion string `json:"wire_version"`
	EventType   string `json:"event_type"` // always "job_completed"
	ThingName   string `json:"thing_name"`
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
	Detail      string `json:"detail,omitempty"`
	Timestamp   string `json:"timestamp"` // RFC 3339
}

// NewOutcomeEvent builds the event for a terminal update.
func NewOutcomeEvent(u *types.StatusUpdate) *OutcomeEvent {
	return &OutcomeEvent{
		WireVersion: u.WireVersion,
		EventType:   EventTypeJobCompleted,
		ThingName:   u.ThingName,
		JobID:       u.JobID,
		Status:      string(u.Status),
		Reason:      string(u.Reason),
		Detail:      u.Detail,
		Timestamp:   u.Timestamp,
	}
}
