package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/pithecene-io/ota/log"
	"github.com/pithecene-io/ota/transport"
	"github.com/pithecene-io/ota/types"
)

// onceNotifier records terminal outcomes and forwards them to an optional
// inner notifier. When enabled, the first outcome ends the run.
type onceNotifier struct {
	inner   transport.Notifier
	enabled bool
	done    context.CancelFunc

	mu      sync.Mutex
	outcome *types.StatusUpdate
}

// Notify implements transport.Notifier.
func (n *onceNotifier) Notify(ctx context.Context, update *types.StatusUpdate) error {
	n.mu.Lock()
	n.outcome = update
	n.mu.Unlock()

	var err error
	if n.inner != nil {
		err = n.inner.Notify(ctx, update)
	}
	if n.enabled {
		n.done()
	}
	return err
}

// Outcome returns the last terminal outcome, or nil.
func (n *onceNotifier) Outcome() *types.StatusUpdate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.outcome
}

// Close implements transport.Notifier.
func (n *onceNotifier) Close() error {
	if n.inner == nil {
		return nil
	}
	return n.inner.Close()
}

// sharedNotifier lends a transport's Notify to the agent without handing
// over ownership. The job control side closes the transport.
type sharedNotifier struct {
	transport.Notifier
}

// Close is a no-op.
func (sharedNotifier) Close() error { return nil }

// imageStateSetter receives the self-test verdict. *agent.Agent implements it.
type imageStateSetter interface {
	SetImageState(types.ImageState) error
}

// selfTestCheck decides whether the new image passed its self-test.
type selfTestCheck func(ctx context.Context, jobID string) error

// acceptCheck accepts every image.
func acceptCheck(context.Context, string) error { return nil }

// commandCheck runs a shell command; exit 0 accepts the image. The job id
// is exported as OTA_JOB_ID.
func commandCheck(command string) selfTestCheck {
	return func(ctx context.Context, jobID string) error {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Env = append(os.Environ(), "OTA_JOB_ID="+jobID)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("self-test command: %w", err)
		}
		return nil
	}
}

// selfTestJobControl decorates job control with the self-test hook. When
// the agent reports that a new image is under test, the check runs in the
// background and its verdict goes back to the agent as an image state.
type selfTestJobControl struct {
	transport.JobControl

	check  selfTestCheck
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	target imageStateSetter
}

func newSelfTestJobControl(inner transport.JobControl, check selfTestCheck, logger *log.Logger) *selfTestJobControl {
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &selfTestJobControl{
		JobControl: inner,
		check:      check,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// bind sets the agent that receives verdicts.
func (s *selfTestJobControl) bind(target imageStateSetter) {
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()
}

// PublishStatus forwards the update and starts the self-test check when
// the update opens one.
func (s *selfTestJobControl) PublishStatus(ctx context.Context, update *types.StatusUpdate) error {
	err := s.JobControl.PublishStatus(ctx, update)
	if update.Status == types.JobStatusInProgress && update.Reason == types.ReasonSelfTestActive {
		jobID := update.JobID
		s.wg.Go(func() { s.runCheck(jobID) })
	}
	return err
}

func (s *selfTestJobControl) runCheck(jobID string) {
	verdict := types.ImageStateAccepted
	if err := s.check(s.ctx, jobID); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("self-test failed", map[string]any{"job_id": jobID, "error": err.Error()})
		verdict = types.ImageStateRejected
	} else {
		s.logger.Info("self-test passed", map[string]any{"job_id": jobID})
	}

	s.mu.Lock()
	target := s.target
	s.mu.Unlock()
	if target == nil {
		return
	}
	if err := target.SetImageState(verdict); err != nil {
		s.logger.Warn("self-test verdict not delivered", map[string]any{"job_id": jobID, "error": err.Error()})
	}
}

// Close stops pending checks and closes the inner transport.
func (s *selfTestJobControl) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.JobControl.Close()
}

var (
	_ transport.Notifier   = (*onceNotifier)(nil)
	_ transport.Notifier   = sharedNotifier{}
	_ transport.JobControl = (*selfTestJobControl)(nil)
)
