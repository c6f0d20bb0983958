package agent

import (
	"context"
	"time"

	"github.com/pithecene-io/ota/types"
)

func (a *Agent) jobID() string {
	if a.job == nil {
		return ""
	}
	return a.job.ID
}

// report publishes a status update for the current job and records it in
// the status journal. Publish failures are counted and logged; the agent
// carries on.
func (a *Agent) report(ctx context.Context, status types.JobStatus, reason types.JobReason, detail string) {
	u := &types.StatusUpdate{
		WireVersion: types.WireVersion,
		ThingName:   a.meta.ThingName,
		JobID:       a.jobID(),
		ClientToken: a.clientToken,
		Status:      status,
		Reason:      reason,
		Detail:      detail,
		Timestamp:   a.now().UTC().Format(time.RFC3339),
	}
	if a.fc != nil {
		u.BlocksReceived, u.TotalBlocks = a.fc.Progress()
	}

	if err := a.jobs.PublishStatus(ctx, u); err != nil {
		a.collector.IncStatusPublishFailure()
		a.logger.Warn("status publish failed", map[string]any{
			"job_id": u.JobID,
			"status": string(status),
			"reason": string(reason),
			"error":  err.Error(),
		})
	}

	if a.policy != nil {
		if err := a.policy.Record(ctx, u); err != nil {
			a.logger.Warn("status journal record failed", map[string]any{
				"job_id": u.JobID,
				"error":  err.Error(),
			})
		}
	}

	if status.IsTerminal() {
		a.finishJob(ctx, u)
	}
}

// finishJob flushes the journal and notifies the outcome of a finished
// job. The notification runs in the background, bounded by NotifyTimeout;
// shutdown waits for it.
func (a *Agent) finishJob(ctx context.Context, u *types.StatusUpdate) {
	if a.policy != nil {
		if err := a.policy.Flush(ctx); err != nil {
			a.logger.Warn("status journal flush failed", map[string]any{"error": err.Error()})
		}
	}
	if a.notifier == nil {
		return
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.NotifyTimeout)
	a.notifyWG.Go(func() {
		defer cancel()
		if err := a.notifier.Notify(nctx, u); err != nil {
			a.logger.Warn("outcome notification failed", map[string]any{
				"job_id": u.JobID,
				"error":  err.Error(),
			})
		}
	})
}
