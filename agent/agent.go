// Package agent is the OTA agent state machine.
//
// One worker goroutine (Run) owns the agent and file transfer state and
// processes events strictly one at a time. Everything else, including the
// transports, the timers and the public control methods, only enqueues
// events. No agent state is shared with producers except the read-only
// progress view.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/ota/blocks"
	"github.com/pithecene-io/ota/ipc"
	"github.com/pithecene-io/ota/jobdoc"
	"github.com/pithecene-io/ota/lode"
	"github.com/pithecene-io/ota/log"
	"github.com/pithecene-io/ota/metrics"
	"github.com/pithecene-io/ota/osport"
	"github.com/pithecene-io/ota/pal"
	"github.com/pithecene-io/ota/policy"
	"github.com/pithecene-io/ota/trace"
	"github.com/pithecene-io/ota/transport"
	"github.com/pithecene-io/ota/types"
)

var (
	// ErrAgentStopped is returned by control methods after shutdown.
	ErrAgentStopped = errors.New("agent stopped")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("agent already running")
)

// Ports are the agent's collaborators. JobControl, Fetcher and Platform
// are required.
type Ports struct {
	JobControl transport.JobControl
	Fetcher    transport.BlockFetcher
	Platform   pal.Platform

	// Policy records every status update in the status journal.
	// If nil, updates are only published.
	Policy policy.Policy
	// Notifier publishes terminal outcomes. Optional.
	Notifier transport.Notifier
	// Archive stores accepted job documents. Optional.
	Archive lode.FileWriter
	// Trace records job documents, blocks and requests. Optional.
	Trace *trace.Writer
	// Collector receives agent statistics. If nil, the agent keeps its own.
	Collector *metrics.Collector
	// Logger defaults to a logger carrying the agent identity.
	Logger *log.Logger
}

// Progress is a read-only view of the agent for status surfaces.
type Progress struct {
	State          types.AgentState
	JobID          string
	BlocksReceived uint32
	TotalBlocks    uint32
}

// event is one queued agent event. Payload events own buf until the
// worker releases it.
type event struct {
	kind  types.EventKind
	buf   *osport.Buffer
	image types.ImageState
	// gen identifies the timer arm that produced a timeout.
	gen uint64
}

// Agent is one OTA agent instance.
type Agent struct {
	config    Config
	meta      types.AgentMeta
	logger    *log.Logger
	jobs      transport.JobControl
	fetcher   transport.BlockFetcher
	platform  pal.Platform
	engine    *blocks.Engine
	policy    policy.Policy
	notifier  transport.Notifier
	archive   lode.FileWriter
	trace     *trace.Writer
	collector *metrics.Collector

	queue  *osport.Queue[event]
	timers *osport.Timers
	pool   *osport.Pool

	// Worker-owned.
	state       types.AgentState
	resumeState types.AgentState
	job         *jobdoc.Job
	fc          *blocks.FileContext
	clientToken string
	momentum    int
	windowStart uint32
	windowEnd   uint32
	sinceReport uint32
	requestGen  uint64
	selfTestGen uint64
	timerGen    atomic.Uint64

	viewMu sync.RWMutex
	view   Progress

	running      atomic.Bool
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	notifyWG     sync.WaitGroup
	now          func() time.Time
}

// New creates an agent. It fails if the configuration or identity is
// invalid, a required port is missing, or the queue or pool cannot be
// created; such an agent cannot run.
func New(meta types.AgentMeta, cfg Config, ports Ports) (*Agent, error) {
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent identity: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ports.JobControl == nil || ports.Fetcher == nil || ports.Platform == nil {
		return nil, errors.New("agent requires job control, block fetcher and platform ports")
	}

	queue, err := osport.NewQueue[event](cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("create event queue: %w", err)
	}
	pool, err := osport.NewPool(cfg.PoolBuffers, cfg.PoolBufferSize)
	if err != nil {
		return nil, fmt.Errorf("create buffer pool: %w", err)
	}

	logger := ports.Logger
	if logger == nil {
		logger = log.NewLogger(&meta)
	}
	collector := ports.Collector
	if collector == nil {
		collector = metrics.NewCollector(meta.ThingName, meta.AgentID, "", "")
	}

	a := &Agent{
		config:     cfg,
		meta:       meta,
		logger:     logger,
		jobs:       ports.JobControl,
		fetcher:    ports.Fetcher,
		platform:   ports.Platform,
		engine:     blocks.NewEngine(ports.Platform),
		policy:     ports.Policy,
		notifier:   ports.Notifier,
		archive:    ports.Archive,
		trace:      ports.Trace,
		collector:  collector,
		queue:      queue,
		timers:     osport.NewTimers(),
		pool:       pool,
		state:      types.StateIdle,
		shutdownCh: make(chan struct{}),
		now:        time.Now,
	}
	a.view.State = types.StateIdle
	return a, nil
}

// --- Producer API: safe from any goroutine, never touches agent state ---

// send enqueues e. A payload event that cannot be queued releases its
// buffer here.
func (a *Agent) send(e event) error {
	a.collector.IncEventReceived()
	if err := a.queue.Send(e); err != nil {
		e.buf.Release()
		a.collector.IncEventDropped()
		if errors.Is(err, osport.ErrQueueClosed) {
			return ErrAgentStopped
		}
		return err
	}
	a.collector.IncEventQueued()
	return nil
}

// sendPayload copies data into a pool buffer and enqueues it.
func (a *Agent) sendPayload(kind types.EventKind, data []byte) error {
	buf, err := a.pool.Copy(data)
	if err != nil {
		a.collector.IncEventReceived()
		a.collector.IncEventDropped()
		return err
	}
	return a.send(event{kind: kind, buf: buf})
}

// Start asks the agent to request the next job.
func (a *Agent) Start() error {
	return a.send(event{kind: types.EventStart})
}

// Suspend pauses the agent; Resume continues from where it was.
func (a *Agent) Suspend() error {
	return a.send(event{kind: types.EventSuspend})
}

// Resume continues a suspended agent.
func (a *Agent) Resume() error {
	return a.send(event{kind: types.EventResume})
}

// Abort cancels the current job and returns the agent to idle.
func (a *Agent) Abort() error {
	return a.send(event{kind: types.EventUserAbort})
}

// SetImageState reports the platform's verdict on the running image.
func (a *Agent) SetImageState(s types.ImageState) error {
	if !s.IsValid() {
		return fmt.Errorf("invalid image state %q", s)
	}
	return a.send(event{kind: types.EventImageStateChanged, image: s})
}

// Shutdown stops the agent. The worker observes it after the event in
// progress, even when the queue is full.
func (a *Agent) Shutdown() error {
	a.shutdownOnce.Do(func() { close(a.shutdownCh) })
	if err := a.send(event{kind: types.EventShutdown}); err != nil && !errors.Is(err, osport.ErrQueueFull) {
		return err
	}
	return nil
}

// SignalJobDocument enqueues a job document. Implements transport.Deliverer.
func (a *Agent) SignalJobDocument(doc []byte) error {
	return a.sendPayload(types.EventJobDocAvailable, doc)
}

// SignalBlock enqueues an encoded block frame. Implements transport.Deliverer.
func (a *Agent) SignalBlock(frame []byte) error {
	return a.sendPayload(types.EventBlockAvailable, frame)
}

// State returns the current state.
func (a *Agent) State() types.AgentState {
	a.viewMu.RLock()
	defer a.viewMu.RUnlock()
	return a.view.State
}

// Progress returns the current state and transfer progress.
func (a *Agent) Progress() Progress {
	a.viewMu.RLock()
	defer a.viewMu.RUnlock()
	return a.view
}

// Stats returns the agent statistics.
func (a *Agent) Stats() metrics.Snapshot {
	return a.collector.Snapshot()
}

// --- Worker ---

// Run connects job control and processes events until Shutdown or ctx
// ends. It returns nil after Shutdown and ctx.Err() after cancellation;
// either way the agent is Stopped and its ports closed.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if err := a.jobs.Connect(ctx, a); err != nil {
		a.shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("connect job control: %w", err)
	}

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.shutdownCh:
			cancel()
		case <-recvCtx.Done():
		}
	}()

	a.logger.Info("agent started", map[string]any{
		"block_size":         a.config.BlockSize,
		"blocks_per_request": a.config.BlocksPerRequest,
		"queue_capacity":     a.config.QueueCapacity,
	})

	for {
		ev, err := a.queue.Receive(recvCtx)
		if err != nil {
			a.shutdown(context.WithoutCancel(ctx))
			return ctx.Err()
		}
		a.dispatch(ctx, ev)
		a.collector.IncEventProcessed()
		if a.state == types.StateStopped {
			return nil
		}
	}
}

// dispatch handles one event. The payload buffer is released on every path.
func (a *Agent) dispatch(ctx context.Context, ev event) {
	defer ev.buf.Release()

	if ev.kind == types.EventShutdown {
		a.shutdown(ctx)
		return
	}

	switch ev.kind {
	case types.EventStart:
		a.onStart(ctx)
	case types.EventJobDocAvailable:
		a.onJobDocument(ctx, ev.buf.Bytes())
	case types.EventBlockAvailable:
		a.onBlock(ctx, ev.buf.Bytes())
	case types.EventRequestTimeout:
		if ev.gen == a.requestGen {
			a.onRequestTimeout(ctx)
		}
	case types.EventSelfTestTimeout:
		if ev.gen == a.selfTestGen {
			a.onSelfTestTimeout(ctx)
		}
	case types.EventImageStateChanged:
		a.onImageState(ctx, ev.image)
	case types.EventUserAbort:
		a.onAbort(ctx)
	case types.EventSuspend:
		a.onSuspend()
	case types.EventResume:
		a.onResume(ctx)
	default:
		a.logger.Error("unknown event", map[string]any{"kind": string(ev.kind)})
	}
}

func (a *Agent) setState(s types.AgentState) {
	if s == a.state {
		return
	}
	a.logger.Debug("state transition", map[string]any{
		"from": string(a.state),
		"to":   string(s),
	})
	a.state = s
	a.publishView()
}

func (a *Agent) publishView() {
	v := Progress{State: a.state}
	if a.job != nil {
		v.JobID = a.job.ID
	}
	if a.fc != nil {
		v.BlocksReceived, v.TotalBlocks = a.fc.Progress()
	}
	a.viewMu.Lock()
	a.view = v
	a.viewMu.Unlock()
}

func (a *Agent) ignore(ev types.EventKind) {
	a.logger.Debug("event ignored", map[string]any{
		"event": string(ev),
		"state": string(a.state),
	})
}

// --- Timers ---

// timeoutRetry spaces redeliveries of a timeout the full queue refused.
const timeoutRetry = 10 * time.Millisecond

// armTimeout starts timer id to enqueue a timeout event of kind for gen.
// A timeout that finds the queue full is redelivered until it is queued
// or the timer is restarted or stopped.
func (a *Agent) armTimeout(id osport.TimerID, name string, d time.Duration, kind types.EventKind, gen uint64) {
	a.timers.StartWithRetry(id, name, d, timeoutRetry, func() bool {
		return !errors.Is(a.send(event{kind: kind, gen: gen}), osport.ErrQueueFull)
	})
}

// armRequest starts the request timer. A timeout from an earlier arm is
// discarded by its generation.
func (a *Agent) armRequest(d time.Duration) {
	gen := a.timerGen.Add(1)
	a.requestGen = gen
	a.armTimeout(osport.RequestTimer, "ota_request", d, types.EventRequestTimeout, gen)
}

func (a *Agent) stopRequest() {
	a.requestGen = a.timerGen.Add(1)
	a.timers.Stop(osport.RequestTimer)
}

func (a *Agent) armSelfTest() {
	gen := a.timerGen.Add(1)
	a.selfTestGen = gen
	a.armTimeout(osport.SelfTestTimer, "ota_self_test", a.config.SelfTestTimeout, types.EventSelfTestTimeout, gen)
}

func (a *Agent) stopSelfTest() {
	a.selfTestGen = a.timerGen.Add(1)
	a.timers.Stop(osport.SelfTestTimer)
}

// --- Job requests ---

func (a *Agent) onStart(ctx context.Context) {
	switch a.state {
	case types.StateIdle, types.StateActivated, types.StateRejected:
	default:
		a.ignore(types.EventStart)
		return
	}
	a.clientToken = uuid.NewString()
	a.momentum = 0
	a.requestJob(ctx)
}

// requestJob asks job control for the next job and waits for it. A failed
// request is retried when the timer expires.
func (a *Agent) requestJob(ctx context.Context) {
	a.setState(types.StateRequestingJob)
	a.collector.IncRequestSent()
	if err := a.jobs.RequestJob(ctx, a.clientToken); err != nil {
		a.logger.Warn("job request failed", map[string]any{
			"error":    err.Error(),
			"momentum": a.momentum,
		})
	}
	a.setState(types.StateWaitingForJob)
	a.armRequest(a.config.backoff(a.momentum))
}

// retryJobLater returns to RequestingJob and requests again after
// RequestWait.
func (a *Agent) retryJobLater() {
	a.momentum = 0
	a.setState(types.StateRequestingJob)
	a.armRequest(a.config.RequestWait)
}

func (a *Agent) onJobDocument(ctx context.Context, raw []byte) {
	if a.state != types.StateWaitingForJob {
		a.ignore(types.EventJobDocAvailable)
		return
	}
	a.stopRequest()

	// The job keeps references into its document; the pool buffer goes
	// back after this event.
	doc := append([]byte(nil), raw...)

	job, err := jobdoc.Build(doc, a.config.BlockSize)
	switch {
	case errors.Is(err, jobdoc.ErrNoPendingJob):
		a.logger.Debug("no pending job", nil)
		a.momentum = 0
		a.armRequest(a.config.MaxBackoff)
		return
	case err != nil:
		a.rejectDocument(ctx, doc, err)
		return
	}

	a.job = job
	logger := a.logger.WithJob(job.ID)
	if job.SelfTest {
		a.onSelfTestJob(ctx, logger)
		return
	}

	a.collector.IncJobStarted()
	logger.Info("job accepted", map[string]any{
		"file":         job.File.FilePath,
		"file_size":    job.File.FileSize,
		"total_blocks": job.File.TotalBlocks,
		"update_url":   job.File.UpdateURL != "",
		"stream":       job.File.StreamName,
	})
	a.archiveDocument(ctx, job.ID, doc)
	if a.trace != nil {
		if err := a.trace.JobDocument(doc, a.config.BlockSize); err != nil {
			logger.Warn("trace write failed", map[string]any{"error": err.Error()})
		}
	}

	a.fc = job.File
	a.setState(types.StateCreatingFile)
	if err := a.engine.Open(ctx, a.fc); err != nil {
		a.failTransfer(ctx, types.ReasonRejected, err.Error())
		return
	}
	target := &transport.Target{
		URL:        a.fc.UpdateURL,
		StreamName: a.fc.StreamName,
		AuthScheme: a.fc.AuthScheme,
		FileID:     a.fc.ServerFileID,
		FileSize:   a.fc.FileSize,
		BlockSize:  a.fc.BlockSize,
	}
	if err := a.fetcher.Init(ctx, target, a); err != nil {
		a.failTransfer(ctx, types.ReasonRejected, fmt.Sprintf("init block fetcher: %v", err))
		return
	}

	a.sinceReport = 0
	a.momentum = 0
	a.report(ctx, types.JobStatusInProgress, types.ReasonReceiving, "")
	a.requestBlocks(ctx)
}

// rejectDocument reports a document that cannot be run and requests
// again later. The job id is extracted separately so the failure lands
// on the right job.
func (a *Agent) rejectDocument(ctx context.Context, doc []byte, err error) {
	a.job = &jobdoc.Job{ID: jobdoc.JobIDOf(doc)}
	a.logger.WithJob(a.job.ID).Warn("job document rejected", map[string]any{
		"error":      err.Error(),
		"structural": jobdoc.IsStructural(err),
	})
	a.collector.IncJobFailed()
	a.report(ctx, types.JobStatusFailed, types.ReasonRejected, err.Error())
	a.clearJob()
	a.retryJobLater()
}

func (a *Agent) archiveDocument(ctx context.Context, jobID string, doc []byte) {
	if a.archive == nil {
		return
	}
	if err := a.archive.PutFile(ctx, lode.JobDocumentFilename(jobID), "application/json", doc); err != nil {
		a.logger.WithJob(jobID).Warn("job document archive failed", map[string]any{"error": err.Error()})
	}
}

func (a *Agent) clearJob() {
	a.job = nil
	a.fc = nil
	a.publishView()
}

// --- Block transfer ---

// requestBlocks requests the window starting at the first missing block.
func (a *Agent) requestBlocks(ctx context.Context) {
	a.setState(types.StateRequestingBlock)

	start, ok := a.fc.Bitmap.NextMissing(0)
	if !ok {
		// Unreachable: the last block completes the file.
		a.failTransfer(ctx, types.ReasonRejected, "no missing block to request")
		return
	}
	count := a.fc.Bitmap.WindowLen(start, a.config.BlocksPerRequest)
	a.windowStart, a.windowEnd = start, start+count

	req := &transport.RangeRequest{
		ClientToken: a.clientToken,
		StreamName:  a.fc.StreamName,
		FileID:      a.fc.ServerFileID,
		BlockSize:   a.fc.BlockSize,
		Offset:      start,
		NumBlocks:   count,
		Bitmap:      a.fc.Bitmap.Window(start, count),
	}
	if a.trace != nil {
		if err := a.trace.Request(req.StreamRequest()); err != nil {
			a.logger.Warn("trace write failed", map[string]any{"error": err.Error()})
		}
	}

	// The fetcher may deliver synchronously; the blocks wait in the queue
	// until this event is done.
	a.setState(types.StateWaitingForBlock)
	a.armRequest(a.config.backoff(a.momentum))
	a.collector.IncRequestSent()
	if err := a.fetcher.RequestRange(ctx, req); err != nil {
		a.logger.Warn("block request failed", map[string]any{
			"error":    err.Error(),
			"offset":   start,
			"momentum": a.momentum,
		})
	}
}

// windowComplete reports whether every block of the current window has
// arrived.
func (a *Agent) windowComplete() bool {
	next, ok := a.fc.Bitmap.NextMissing(a.windowStart)
	return !ok || next >= a.windowEnd
}

func (a *Agent) onBlock(ctx context.Context, raw []byte) {
	if a.state != types.StateWaitingForBlock || !a.fc.Active() {
		a.ignore(types.EventBlockAvailable)
		return
	}

	frame, err := ipc.DecodeBlock(raw)
	if err != nil {
		a.collector.IncBlockRejected("undecodable")
		a.logger.Warn("undecodable block frame", map[string]any{"error": err.Error()})
		return
	}
	if a.trace != nil {
		if err := a.trace.Block(frame); err != nil {
			a.logger.Warn("trace write failed", map[string]any{"error": err.Error()})
		}
	}

	result, err := a.engine.Ingest(ctx, a.fc, frame)
	switch {
	case result == blocks.AcceptedContinue || result == blocks.DuplicateContinue:
		if result == blocks.AcceptedContinue {
			a.collector.IncBlockAccepted()
			a.sinceReport++
		} else {
			a.collector.IncBlockDuplicate()
		}
		a.momentum = 0
		a.publishView()
		if a.config.ProgressEvery > 0 && a.sinceReport >= a.config.ProgressEvery {
			a.sinceReport = 0
			a.report(ctx, types.JobStatusInProgress, types.ReasonReceiving, "")
		}
		if a.windowComplete() {
			a.requestBlocks(ctx)
			return
		}
		a.armRequest(a.config.backoff(a.momentum))

	case result == blocks.FileComplete:
		a.collector.IncBlockAccepted()
		a.publishView()
		a.completeTransfer(ctx)

	default:
		if result == blocks.Uninitialized {
			a.logger.Error("ingest returned no result", map[string]any{"block_id": frame.BlockID})
		}
		a.collector.IncBlockRejected(result.String())
		detail := result.String()
		if err != nil {
			detail = err.Error()
		}
		a.failTransfer(ctx, types.ReasonRejected, detail)
	}
}

// completeTransfer activates a verified image and starts its self-test.
func (a *Agent) completeTransfer(ctx context.Context) {
	a.stopRequest()
	a.deinitFetcher()
	a.setState(types.StateClosingFile)
	a.report(ctx, types.JobStatusInProgress, types.ReasonSigCheckPassed, "")

	if err := a.platform.Activate(ctx); err != nil {
		a.failJob(ctx, types.ReasonRejected, fmt.Sprintf("activate image: %v", err))
		return
	}
	if err := a.platform.SetImageState(ctx, types.ImageStatePendingCommit); err != nil {
		a.failJob(ctx, types.ReasonRejected, fmt.Sprintf("set image state: %v", err))
		return
	}
	a.enterSelfTest(ctx)
}

// failTransfer aborts the live transfer, reports the job failed and
// requests again later.
func (a *Agent) failTransfer(ctx context.Context, reason types.JobReason, detail string) {
	a.stopRequest()
	a.deinitFetcher()
	if err := a.engine.Abort(ctx, a.fc); err != nil {
		a.logger.Warn("abort transfer failed", map[string]any{"error": err.Error()})
	}
	a.failJob(ctx, reason, detail)
}

// failJob reports the current job failed and requests again later.
func (a *Agent) failJob(ctx context.Context, reason types.JobReason, detail string) {
	a.logger.Warn("job failed", map[string]any{
		"job_id": a.jobID(),
		"reason": string(reason),
		"detail": detail,
	})
	a.collector.IncJobFailed()
	a.report(ctx, types.JobStatusFailed, reason, detail)
	a.clearJob()
	a.retryJobLater()
}

func (a *Agent) deinitFetcher() {
	if err := a.fetcher.Deinit(); err != nil {
		a.logger.Warn("block fetcher deinit failed", map[string]any{"error": err.Error()})
	}
}

func (a *Agent) onRequestTimeout(ctx context.Context) {
	a.collector.IncRequestTimeout()

	switch a.state {
	case types.StateRequestingJob:
		// Backoff after a failed job elapsed.
		a.requestJob(ctx)

	case types.StateWaitingForJob:
		a.momentum++
		if a.momentum > a.config.MaxMomentum {
			a.logger.Warn("job request unanswered, backing off", map[string]any{"momentum": a.momentum})
			a.momentum = 0
			a.collector.IncRequestSent()
			if err := a.jobs.RequestJob(ctx, a.clientToken); err != nil {
				a.logger.Warn("job request failed", map[string]any{"error": err.Error()})
			}
			a.armRequest(a.config.MaxBackoff)
			return
		}
		a.requestJob(ctx)

	case types.StateWaitingForBlock:
		a.momentum++
		if a.momentum > a.config.MaxMomentum {
			a.failTransfer(ctx, types.ReasonRejected,
				fmt.Sprintf("transfer stalled after %d unanswered requests", a.config.MaxMomentum))
			return
		}
		a.requestBlocks(ctx)

	default:
		a.ignore(types.EventRequestTimeout)
	}
}

// --- Self-test ---

// onSelfTestJob handles the job document received after a restart into
// a new image.
func (a *Agent) onSelfTestJob(ctx context.Context, logger *log.Logger) {
	state, err := a.platform.ImageState(ctx)
	if err != nil || state != types.ImageStatePendingCommit {
		detail := fmt.Sprintf("self-test job but image state is %s", state)
		if err != nil {
			detail = fmt.Sprintf("read image state: %v", err)
		}
		logger.Warn("self-test job rejected", map[string]any{"detail": detail})
		a.collector.IncJobFailed()
		a.report(ctx, types.JobStatusFailed, types.ReasonRejected, detail)
		a.clearJob()
		a.retryJobLater()
		return
	}
	a.enterSelfTest(ctx)
}

func (a *Agent) enterSelfTest(ctx context.Context) {
	a.setState(types.StateSelfTest)
	a.armSelfTest()
	a.report(ctx, types.JobStatusInProgress, types.ReasonSelfTestActive, "")
}

func (a *Agent) onImageState(ctx context.Context, s types.ImageState) {
	if a.state != types.StateSelfTest {
		if err := a.platform.SetImageState(ctx, s); err != nil {
			a.logger.Warn("set image state failed", map[string]any{"error": err.Error()})
		}
		return
	}

	switch s {
	case types.ImageStateAccepted:
		a.stopSelfTest()
		if err := a.platform.SetImageState(ctx, s); err != nil {
			a.endSelfTest(ctx, types.JobStatusFailed, types.ReasonRejected, types.StateRejected,
				fmt.Sprintf("commit image: %v", err))
			return
		}
		a.endSelfTest(ctx, types.JobStatusSucceeded, types.ReasonAccepted, types.StateActivated, "")

	case types.ImageStateRejected, types.ImageStateAborted:
		a.stopSelfTest()
		if err := a.platform.SetImageState(ctx, s); err != nil {
			a.logger.Warn("set image state failed", map[string]any{"error": err.Error()})
		}
		reason := types.ReasonRejected
		if s == types.ImageStateAborted {
			reason = types.ReasonAborted
		}
		a.endSelfTest(ctx, types.JobStatusFailed, reason, types.StateRejected, "")

	default:
		if err := a.platform.SetImageState(ctx, s); err != nil {
			a.logger.Warn("set image state failed", map[string]any{"error": err.Error()})
		}
	}
}

// onSelfTestTimeout presumes the new image bad and fails over.
func (a *Agent) onSelfTestTimeout(ctx context.Context) {
	if a.state != types.StateSelfTest {
		a.ignore(types.EventSelfTestTimeout)
		return
	}
	if err := a.platform.SetImageState(ctx, types.ImageStateRejected); err != nil {
		a.logger.Warn("set image state failed", map[string]any{"error": err.Error()})
	}
	a.endSelfTest(ctx, types.JobStatusFailed, types.ReasonRejected, types.StateRejected, "self-test timed out")
	if err := a.platform.Reset(ctx); err != nil {
		a.logger.Error("platform reset failed", map[string]any{"error": err.Error()})
	}
}

func (a *Agent) endSelfTest(ctx context.Context, status types.JobStatus, reason types.JobReason, next types.AgentState, detail string) {
	if status == types.JobStatusSucceeded {
		a.collector.IncJobSucceeded()
	} else {
		a.collector.IncJobFailed()
	}
	a.report(ctx, status, reason, detail)
	a.clearJob()
	a.setState(next)
}

// --- Control ---

func (a *Agent) onAbort(ctx context.Context) {
	switch a.state {
	case types.StateShuttingDown, types.StateStopped:
		return
	}
	a.stopRequest()
	a.stopSelfTest()
	if a.fc != nil {
		a.deinitFetcher()
		if err := a.engine.Abort(ctx, a.fc); err != nil {
			a.logger.Warn("abort transfer failed", map[string]any{"error": err.Error()})
		}
	}
	if a.job != nil {
		a.collector.IncJobAborted()
		a.report(ctx, types.JobStatusFailed, types.ReasonAborted, "")
	}
	a.clearJob()
	a.momentum = 0
	a.setState(types.StateIdle)
}

func (a *Agent) onSuspend() {
	switch a.state {
	case types.StateSuspended, types.StateShuttingDown, types.StateStopped:
		a.ignore(types.EventSuspend)
		return
	}
	a.stopRequest()
	a.stopSelfTest()
	a.resumeState = a.state
	a.setState(types.StateSuspended)
}

func (a *Agent) onResume(ctx context.Context) {
	if a.state != types.StateSuspended {
		a.ignore(types.EventResume)
		return
	}
	a.momentum = 0
	switch a.resumeState {
	case types.StateRequestingJob, types.StateWaitingForJob:
		a.requestJob(ctx)
	case types.StateRequestingBlock, types.StateWaitingForBlock:
		a.requestBlocks(ctx)
	case types.StateSelfTest:
		a.setState(types.StateSelfTest)
		a.armSelfTest()
	default:
		a.setState(a.resumeState)
	}
}

// shutdown releases everything and stops the agent. Queued payloads are
// drained and released.
func (a *Agent) shutdown(ctx context.Context) {
	if a.state == types.StateStopped {
		return
	}
	a.setState(types.StateShuttingDown)
	a.timers.StopAll()
	a.deinitFetcher()
	if a.fc.Active() {
		if err := a.engine.Abort(ctx, a.fc); err != nil {
			a.logger.Warn("abort transfer failed", map[string]any{"error": err.Error()})
		}
	}

	a.queue.Close()
	for {
		ev, ok := a.queue.TryReceive()
		if !ok {
			break
		}
		ev.buf.Release()
	}

	if a.policy != nil {
		if err := a.policy.Flush(ctx); err != nil {
			a.logger.Warn("status journal flush failed", map[string]any{"error": err.Error()})
		}
		a.absorbPolicyStats()
	}
	if err := a.jobs.Close(); err != nil {
		a.logger.Warn("job control close failed", map[string]any{"error": err.Error()})
	}
	a.notifyWG.Wait()
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.logger.Warn("notifier close failed", map[string]any{"error": err.Error()})
		}
	}

	a.clearJob()
	a.setState(types.StateStopped)
	a.logger.Info("agent stopped", nil)
}

func (a *Agent) absorbPolicyStats() {
	stats := a.policy.Stats()
	var triggers map[string]int64
	if ft, ok := a.policy.(interface{ FlushTriggerStrings() map[string]int64 }); ok {
		triggers = ft.FlushTriggerStrings()
	}
	a.collector.AbsorbPolicyStats(stats.TotalRecords, stats.RecordsPersisted, stats.RecordsDropped,
		stats.DroppedByReasonStrings(), triggers)
}

var _ transport.Deliverer = (*Agent)(nil)
