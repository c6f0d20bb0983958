// Package types defines core domain types for the OTA agent.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"regexp"
)

// AgentState is a state of the agent state machine.
type AgentState string

// Agent states, in lifecycle order.
const (
	StateIdle            AgentState = "idle"
	StateRequestingJob   AgentState = "requesting_job"
	StateWaitingForJob   AgentState = "waiting_for_job"
	StateCreatingFile    AgentState = "creating_file"
	StateRequestingBlock AgentState = "requesting_block"
	StateWaitingForBlock AgentState = "waiting_for_block"
	StateClosingFile     AgentState = "closing_file"
	StateSelfTest        AgentState = "self_test"
	StateActivated       AgentState = "activated"
	StateRejected        AgentState = "rejected"
	StateSuspended       AgentState = "suspended"
	StateShuttingDown    AgentState = "shutting_down"
	StateStopped         AgentState = "stopped"
)

// IsTerminal returns true if no further events are processed in this state.
func (s AgentState) IsTerminal() bool {
	return s == StateStopped
}

// IsTransferring returns true while a File Transfer Context is live.
func (s AgentState) IsTransferring() bool {
	switch s {
	case StateCreatingFile, StateRequestingBlock, StateWaitingForBlock, StateClosingFile:
		return true
	default:
		return false
	}
}

// IsAwaitingResponse returns true in the states guarded by the request timer.
func (s AgentState) IsAwaitingResponse() bool {
	return s == StateWaitingForJob || s == StateWaitingForBlock
}

// EventKind discriminates agent events.
type EventKind string

// Event kinds. Producers outside the agent worker may only enqueue these.
const (
	EventStart             EventKind = "start"
	EventJobDocAvailable   EventKind = "job_doc_available"
	EventBlockAvailable    EventKind = "block_available"
	EventRequestTimeout    EventKind = "request_timeout"
	EventSelfTestTimeout   EventKind = "self_test_timeout"
	EventUserAbort         EventKind = "user_abort"
	EventSuspend           EventKind = "suspend"
	EventResume            EventKind = "resume"
	EventImageStateChanged EventKind = "image_state_changed"
	EventShutdown          EventKind = "shutdown"
)

// CarriesPayload returns true for event kinds that own a pool buffer.
func (k EventKind) CarriesPayload() bool {
	return k == EventJobDocAvailable || k == EventBlockAvailable
}

// AgentMeta identifies one agent instance.
type AgentMeta struct {
	// ThingName is the device identity used to address job and stream topics.
	ThingName string
	// AgentID is unique per process start.
	AgentID string
}

var thingNamePattern = regexp.MustCompile(`^[a-zA-Z0-9:_-]{1,128}$`)

// Validate checks the identity fields:
//   - thing name is 1..128 chars of [a-zA-Z0-9:_-]
//   - agent id is non-empty
func (m *AgentMeta) Validate() error {
	if !thingNamePattern.MatchString(m.ThingName) {
		return errors.New("thing_name must be 1-128 chars of [a-zA-Z0-9:_-]")
	}
	if m.AgentID == "" {
		return errors.New("agent_id must be non-empty")
	}
	return nil
}
