package policy_test

import (
	"strconv"

	"github.com/pithecene-io/ota/types"
)

// progressUpdate returns a droppable transfer progress update.
func progressUpdate(n uint32) *types.StatusUpdate {
	return &types.StatusUpdate{
		WireVersion:    types.WireVersion,
		ThingName:      "thing-1",
		JobID:          "job-1",
		ClientToken:    "token-" + strconv.FormatUint(uint64(n), 10),
		Status:         types.JobStatusInProgress,
		Reason:         types.ReasonReceiving,
		BlocksReceived: n,
		TotalBlocks:    100,
		Timestamp:      "2026-01-01T00:00:00Z",
	}
}

// terminalUpdate returns a non-droppable update with the given status.
func terminalUpdate(status types.JobStatus, reason types.JobReason) *types.StatusUpdate {
	return &types.StatusUpdate{
		WireVersion: types.WireVersion,
		ThingName:   "thing-1",
		JobID:       "job-1",
		Status:      status,
		Reason:      reason,
		Timestamp:   "2026-01-01T00:00:00Z",
	}
}
