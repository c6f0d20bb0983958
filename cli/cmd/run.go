package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/ota/agent"
	otaconfig "github.com/pithecene-io/ota/cli/config"
	"github.com/pithecene-io/ota/cli/tui"
	"github.com/pithecene-io/ota/lode"
	"github.com/pithecene-io/ota/log"
	"github.com/pithecene-io/ota/metrics"
	"github.com/pithecene-io/ota/pal"
	"github.com/pithecene-io/ota/policy"
	"github.com/pithecene-io/ota/trace"
	"github.com/pithecene-io/ota/transport"
	"github.com/pithecene-io/ota/transport/httpfetch"
	otaredis "github.com/pithecene-io/ota/transport/redis"
	"github.com/pithecene-io/ota/transport/s3fetch"
	"github.com/pithecene-io/ota/transport/webhook"
	"github.com/pithecene-io/ota/types"
)

// Exit codes for ota run.
const (
	exitSuccess     = 0
	exitJobFailed   = 1
	exitConfigError = 2
	exitAgentError  = 3
)

// metricsWriteTimeout bounds the final metrics write after shutdown.
const metricsWriteTimeout = 10 * time.Second

// RunCommand returns the run command.
// This is the only command that drives an agent.
func RunCommand() *cli.Command {
	flags := []cli.Flag{
		ConfigFlag,
		// Identity
		&cli.StringFlag{Name: "thing-name", Usage: "Device identity used for job and stream topics (required)"},
		&cli.StringFlag{Name: "agent-id", Usage: "Agent session ID (default: random UUID)"},
		&cli.StringFlag{Name: "log-level", Usage: "Log level: debug, info, warn, error", Value: "info"},
		&cli.StringFlag{Name: "log-file", Usage: "Write logs to this file instead of stderr"},
		// Platform
		&cli.StringFlag{Name: "platform-root", Usage: "Directory holding staged and committed images (required)"},
		&cli.StringFlag{Name: "cert-dir", Usage: "Directory of signing certificates (empty disables signature checks)"},
		// Job control
		&cli.StringFlag{Name: "job-control", Usage: "Job control transport: redis or local"},
		&cli.StringFlag{Name: "job-control-url", Usage: "Redis URL for --job-control=redis"},
		&cli.StringFlag{Name: "job-control-prefix", Usage: "Redis channel prefix", Value: otaredis.DefaultPrefix},
		&cli.DurationFlag{Name: "job-control-timeout", Usage: "Redis publish timeout", Value: otaredis.DefaultTimeout},
		&cli.IntFlag{Name: "job-control-retries", Usage: "Redis publish retries", Value: otaredis.DefaultRetries},
		&cli.StringSliceFlag{Name: "job-doc", Usage: "Job document served by --job-control=local (repeatable, served in order)"},
		&cli.StringFlag{Name: "status-out", Usage: "File receiving local status updates as JSON lines (default: stdout)"},
		// Agent tuning
		&cli.UintFlag{Name: "block-size", Usage: "Transfer block size in bytes"},
		&cli.UintFlag{Name: "blocks-per-request", Usage: "Blocks requested per window"},
		&cli.DurationFlag{Name: "request-wait", Usage: "Wait before re-requesting an unanswered window"},
		&cli.DurationFlag{Name: "max-backoff", Usage: "Upper bound on job request backoff"},
		&cli.IntFlag{Name: "max-momentum", Usage: "Unanswered requests tolerated before a transfer fails"},
		&cli.DurationFlag{Name: "self-test-timeout", Usage: "Time allowed for the new image to pass its self-test"},
		&cli.UintFlag{Name: "progress-every", Usage: "Report progress every N blocks (0 disables)"},
		&cli.IntFlag{Name: "queue-capacity", Usage: "Agent event queue capacity"},
		// Fetch
		&cli.Float64Flag{Name: "fetch-rps", Usage: "Block reads per second for URL fetchers (0 = unlimited)"},
		&cli.IntFlag{Name: "fetch-burst", Usage: "Burst size for --fetch-rps", Value: 1},
		&cli.DurationFlag{Name: "fetch-timeout", Usage: "HTTP range request timeout", Value: httpfetch.DefaultTimeout},
		&cli.StringSliceFlag{Name: "fetch-header", Usage: "HTTP header for update URL requests (key=value, repeatable)"},
		&cli.StringFlag{Name: "fetch-s3-region", Usage: "AWS region for s3:// update URLs"},
		&cli.StringFlag{Name: "fetch-s3-endpoint", Usage: "Custom endpoint for s3:// update URLs"},
		&cli.BoolFlag{Name: "fetch-s3-path-style", Usage: "Force path-style addressing for s3:// update URLs"},
		// Journal policy
		&cli.StringFlag{Name: "policy", Usage: "Journal policy: strict, buffered, streaming or noop", Value: "strict"},
		&cli.IntFlag{Name: "buffer-records", Usage: "Max buffered status updates (buffered policy)"},
		&cli.Int64Flag{Name: "buffer-bytes", Usage: "Max buffer size in bytes (buffered policy)"},
		&cli.IntFlag{Name: "flush-count", Usage: "Flush after N updates (streaming policy)"},
		&cli.DurationFlag{Name: "flush-interval", Usage: "Flush every interval (streaming policy)"},
		// Notifier
		&cli.StringFlag{Name: "notifier", Usage: "Outcome notifier: webhook or redis"},
		&cli.StringFlag{Name: "notifier-url", Usage: "Webhook URL, or Redis URL when job control is not redis"},
		&cli.StringSliceFlag{Name: "notifier-header", Usage: "Webhook header (key=value, repeatable)"},
		&cli.DurationFlag{Name: "notifier-timeout", Usage: "Notifier request timeout", Value: webhook.DefaultTimeout},
		&cli.IntFlag{Name: "notifier-retries", Usage: "Notifier retries", Value: webhook.DefaultRetries},
		// Self-test
		&cli.StringFlag{Name: "self-test-cmd", Usage: "Shell command run when a new image enters self-test; exit 0 accepts it"},
		&cli.BoolFlag{Name: "auto-accept", Usage: "Accept new images as soon as they enter self-test"},
		// Output
		&cli.StringFlag{Name: "trace", Usage: "Record job documents, blocks and requests to this file"},
		&cli.BoolFlag{Name: "once", Usage: "Exit after the first job reaches a terminal status"},
		&cli.BoolFlag{Name: "tui", Usage: "Show live transfer progress"},
		&cli.BoolFlag{Name: "quiet", Usage: "Suppress result output"},
	}
	flags = append(flags, storageFlags()...)

	return &cli.Command{
		Name:   "run",
		Usage:  "Run the update agent",
		Flags:  flags,
		Action: runAction,
	}
}

// policyChoice holds parsed policy configuration.
type policyChoice struct {
	name          string
	maxRecords    int
	maxBytes      int64
	flushCount    int
	flushInterval time.Duration
}

// storageChoice holds parsed journal storage configuration.
type storageChoice struct {
	dataset   string
	backend   string // "", "fs" or "s3"
	path      string // fs: directory, s3: bucket/prefix
	region    string
	endpoint  string
	pathStyle bool
}

func (s storageChoice) s3Config() lode.S3Config {
	return lode.S3ConfigFromPath(s.path, lode.S3Config{
		Region:       s.region,
		Endpoint:     s.endpoint,
		UsePathStyle: s.pathStyle,
	})
}

// jobControlChoice holds parsed job control configuration.
type jobControlChoice struct {
	controlType string // "redis" or "local"
	url         string
	prefix      string
	timeout     time.Duration
	retries     int
	documents   []string
	statusOut   string
}

// fetchChoice holds parsed URL fetcher configuration.
type fetchChoice struct {
	rps         float64
	burst       int
	timeout     time.Duration
	headers     map[string]string
	s3Region    string
	s3Endpoint  string
	s3PathStyle bool
}

// notifierChoice holds parsed outcome notifier configuration.
type notifierChoice struct {
	notifierType string
	url          string
	headers      map[string]string
	timeout      time.Duration
	retries      int
}

// runOptions is everything runAction resolved from flags and config.
type runOptions struct {
	meta        types.AgentMeta
	logLevel    string
	logFile     string
	agent       agent.Config
	platform    pal.FSConfig
	jobs        jobControlChoice
	fetch       fetchChoice
	storage     storageChoice
	policy      policyChoice
	notifier    *notifierChoice
	tracePath   string
	selfTestCmd string
	autoAccept  bool
	once        bool
	tui         bool
	quiet       bool
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	opts, err := resolveRunOptions(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	if opts.tui && !isStderrTTY() {
		return cli.Exit("--tui requires an interactive terminal", exitConfigError)
	}

	res, err := executeRun(c.Context, opts)
	if err != nil {
		return cli.Exit(err.Error(), exitAgentError)
	}

	if !opts.quiet {
		printRunResult(os.Stdout, res)
	}
	if !opts.once {
		return nil
	}
	if code := outcomeToExitCode(res.outcome); code != exitSuccess {
		return cli.Exit("", code)
	}
	return nil
}

func resolveRunOptions(c *cli.Context, cfg *otaconfig.Config) (*runOptions, error) {
	opts := &runOptions{
		logLevel:    resolveString(c, "log-level", configVal(cfg, func(c *otaconfig.Config) string { return c.LogLevel })),
		logFile:     c.String("log-file"),
		tracePath:   resolveString(c, "trace", configVal(cfg, func(c *otaconfig.Config) string { return c.Trace })),
		selfTestCmd: c.String("self-test-cmd"),
		autoAccept:  c.Bool("auto-accept"),
		once:        c.Bool("once"),
		tui:         c.Bool("tui"),
		quiet:       c.Bool("quiet"),
	}

	opts.meta = types.AgentMeta{
		ThingName: resolveString(c, "thing-name", configVal(cfg, func(c *otaconfig.Config) string { return c.ThingName })),
		AgentID:   resolveString(c, "agent-id", configVal(cfg, func(c *otaconfig.Config) string { return c.AgentID })),
	}
	if opts.meta.ThingName == "" {
		return nil, errors.New("--thing-name is required (flag or thing_name in config)")
	}
	if opts.meta.AgentID == "" {
		opts.meta.AgentID = uuid.NewString()
	}
	if err := opts.meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid --thing-name: %w", err)
	}
	if _, err := log.ParseLevel(opts.logLevel); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	if opts.selfTestCmd != "" && opts.autoAccept {
		return nil, errors.New("--self-test-cmd and --auto-accept are mutually exclusive")
	}

	opts.platform = pal.FSConfig{
		Root:    resolveString(c, "platform-root", configVal(cfg, func(c *otaconfig.Config) string { return c.Platform.Root })),
		CertDir: resolveString(c, "cert-dir", configVal(cfg, func(c *otaconfig.Config) string { return c.Platform.CertDir })),
	}
	if opts.platform.Root == "" {
		return nil, errors.New("--platform-root is required (flag or platform.root in config)")
	}

	var err error
	if opts.agent, err = resolveAgentConfig(c, cfg); err != nil {
		return nil, err
	}
	if opts.jobs, err = parseJobControlConfig(c, cfg); err != nil {
		return nil, err
	}
	if opts.fetch, err = parseFetchConfig(c, cfg); err != nil {
		return nil, err
	}

	opts.storage = storageChoice{
		dataset:   resolveString(c, "storage-dataset", configVal(cfg, func(c *otaconfig.Config) string { return c.Storage.Dataset })),
		backend:   resolveString(c, "storage-backend", configVal(cfg, func(c *otaconfig.Config) string { return c.Storage.Backend })),
		path:      resolveString(c, "storage-path", configVal(cfg, func(c *otaconfig.Config) string { return c.Storage.Path })),
		region:    resolveString(c, "storage-region", configVal(cfg, func(c *otaconfig.Config) string { return c.Storage.Region })),
		endpoint:  resolveString(c, "storage-endpoint", configVal(cfg, func(c *otaconfig.Config) string { return c.Storage.Endpoint })),
		pathStyle: resolveBool(c, "storage-s3-path-style", configVal(cfg, func(c *otaconfig.Config) bool { return c.Storage.S3PathStyle })),
	}
	if err := validateStorageConfig(opts.storage); err != nil {
		return nil, err
	}

	opts.policy = policyChoice{
		name:          resolveString(c, "policy", configVal(cfg, func(c *otaconfig.Config) string { return c.Policy.Name })),
		maxRecords:    resolveInt(c, "buffer-records", configVal(cfg, func(c *otaconfig.Config) int { return c.Policy.BufferRecords })),
		maxBytes:      resolveInt64(c, "buffer-bytes", configVal(cfg, func(c *otaconfig.Config) int64 { return c.Policy.BufferBytes })),
		flushCount:    resolveInt(c, "flush-count", configVal(cfg, func(c *otaconfig.Config) int { return c.Policy.FlushCount })),
		flushInterval: resolveDuration(c, "flush-interval", configVal(cfg, func(c *otaconfig.Config) time.Duration { return c.Policy.FlushInterval.Duration })),
	}
	if err := validatePolicyConfig(opts.policy); err != nil {
		return nil, err
	}

	notifierType := resolveString(c, "notifier", configVal(cfg, func(c *otaconfig.Config) string { return c.Notifier.Type }))
	if notifierType != "" {
		nc, err := parseNotifierConfigWithPrecedence(c, cfg, notifierType)
		if err != nil {
			return nil, err
		}
		if nc.notifierType == "redis" && nc.url == "" && opts.jobs.controlType != "redis" {
			return nil, errors.New("--notifier-url is required when --notifier=redis and --job-control is not redis")
		}
		opts.notifier = nc
	}

	return opts, nil
}

// resolveAgentConfig layers defaults, config file and flags, then validates.
func resolveAgentConfig(c *cli.Context, cfg *otaconfig.Config) (agent.Config, error) {
	ac := agent.DefaultConfig()
	if cfg != nil {
		ac = cfg.Agent.Apply(ac)
	}
	if c.IsSet("block-size") {
		ac.BlockSize = uint32(c.Uint("block-size"))
	}
	if c.IsSet("blocks-per-request") {
		ac.BlocksPerRequest = uint32(c.Uint("blocks-per-request"))
	}
	if c.IsSet("request-wait") {
		ac.RequestWait = c.Duration("request-wait")
	}
	if c.IsSet("max-backoff") {
		ac.MaxBackoff = c.Duration("max-backoff")
	}
	if c.IsSet("max-momentum") {
		ac.MaxMomentum = c.Int("max-momentum")
	}
	if c.IsSet("self-test-timeout") {
		ac.SelfTestTimeout = c.Duration("self-test-timeout")
	}
	if c.IsSet("progress-every") {
		ac.ProgressEvery = uint32(c.Uint("progress-every"))
	}
	if c.IsSet("queue-capacity") {
		ac.QueueCapacity = c.Int("queue-capacity")
	}
	if err := ac.Validate(); err != nil {
		return ac, err
	}
	return ac, nil
}

func parseJobControlConfig(c *cli.Context, cfg *otaconfig.Config) (jobControlChoice, error) {
	jc := jobControlChoice{
		controlType: resolveString(c, "job-control", configVal(cfg, func(c *otaconfig.Config) string { return c.JobControl.Type })),
		url:         resolveString(c, "job-control-url", configVal(cfg, func(c *otaconfig.Config) string { return c.JobControl.URL })),
		prefix:      resolveString(c, "job-control-prefix", configVal(cfg, func(c *otaconfig.Config) string { return c.JobControl.Prefix })),
		timeout:     resolveDuration(c, "job-control-timeout", configVal(cfg, func(c *otaconfig.Config) time.Duration { return c.JobControl.Timeout.Duration })),
		retries:     c.Int("job-control-retries"),
		documents:   resolveStringSlice(c, "job-doc", configVal(cfg, func(c *otaconfig.Config) []string { return c.JobControl.Documents })),
		statusOut:   resolveString(c, "status-out", configVal(cfg, func(c *otaconfig.Config) string { return c.JobControl.StatusOut })),
	}
	if !c.IsSet("job-control-retries") && cfg != nil && cfg.JobControl.Retries != nil {
		jc.retries = *cfg.JobControl.Retries
	}

	// Infer the transport when only one side is configured.
	if jc.controlType == "" {
		switch {
		case len(jc.documents) > 0 && jc.url == "":
			jc.controlType = "local"
		case jc.url != "" && len(jc.documents) == 0:
			jc.controlType = "redis"
		}
	}

	switch jc.controlType {
	case "redis":
		if jc.url == "" {
			return jc, errors.New("--job-control-url is required when --job-control=redis")
		}
	case "local":
		if len(jc.documents) == 0 {
			return jc, errors.New("--job-doc is required when --job-control=local")
		}
	case "":
		return jc, errors.New("--job-control is required. Valid options: redis, local")
	default:
		return jc, fmt.Errorf("unknown job control type %q. Valid options: redis, local", jc.controlType)
	}
	if jc.retries < 0 {
		return jc, fmt.Errorf("--job-control-retries must be >= 0, got %d", jc.retries)
	}
	return jc, nil
}

func parseFetchConfig(c *cli.Context, cfg *otaconfig.Config) (fetchChoice, error) {
	headers, err := parseHeaders("fetch-header", c.StringSlice("fetch-header"),
		configVal(cfg, func(c *otaconfig.Config) map[string]string { return c.Fetch.Headers }))
	if err != nil {
		return fetchChoice{}, err
	}
	fc := fetchChoice{
		rps:         resolveFloat(c, "fetch-rps", configVal(cfg, func(c *otaconfig.Config) float64 { return c.Fetch.RequestsPerSecond })),
		burst:       resolveInt(c, "fetch-burst", configVal(cfg, func(c *otaconfig.Config) int { return c.Fetch.Burst })),
		timeout:     resolveDuration(c, "fetch-timeout", configVal(cfg, func(c *otaconfig.Config) time.Duration { return c.Fetch.Timeout.Duration })),
		headers:     headers,
		s3Region:    resolveString(c, "fetch-s3-region", configVal(cfg, func(c *otaconfig.Config) string { return c.Fetch.S3Region })),
		s3Endpoint:  resolveString(c, "fetch-s3-endpoint", configVal(cfg, func(c *otaconfig.Config) string { return c.Fetch.S3Endpoint })),
		s3PathStyle: resolveBool(c, "fetch-s3-path-style", configVal(cfg, func(c *otaconfig.Config) bool { return c.Fetch.S3PathStyle })),
	}
	if fc.rps < 0 {
		return fc, fmt.Errorf("--fetch-rps must be >= 0, got %v", fc.rps)
	}
	return fc, nil
}

// parseNotifierConfigWithPrecedence resolves notifier settings, CLI over
// config. Config headers are merged under CLI headers.
func parseNotifierConfigWithPrecedence(c *cli.Context, cfg *otaconfig.Config, notifierType string) (*notifierChoice, error) {
	headers, err := parseHeaders("notifier-header", c.StringSlice("notifier-header"),
		configVal(cfg, func(c *otaconfig.Config) map[string]string { return c.Notifier.Headers }))
	if err != nil {
		return nil, err
	}

	nc := &notifierChoice{
		notifierType: notifierType,
		url:          resolveString(c, "notifier-url", configVal(cfg, func(c *otaconfig.Config) string { return c.Notifier.URL })),
		headers:      headers,
		timeout:      resolveDuration(c, "notifier-timeout", configVal(cfg, func(c *otaconfig.Config) time.Duration { return c.Notifier.Timeout.Duration })),
		retries:      c.Int("notifier-retries"),
	}
	if !c.IsSet("notifier-retries") && cfg != nil && cfg.Notifier.Retries != nil {
		nc.retries = *cfg.Notifier.Retries
	}

	switch notifierType {
	case "webhook":
		if nc.url == "" {
			return nil, errors.New("--notifier-url is required when --notifier=webhook")
		}
	case "redis":
		// An empty URL shares the job control connection.
	default:
		return nil, fmt.Errorf("unknown notifier type %q. Valid options: webhook, redis", notifierType)
	}
	if nc.retries < 0 {
		return nil, fmt.Errorf("--notifier-retries must be >= 0, got %d", nc.retries)
	}
	return nc, nil
}

func validatePolicyConfig(choice policyChoice) error {
	switch choice.name {
	case "strict", "noop":
		if choice.maxRecords > 0 || choice.maxBytes > 0 || choice.flushCount > 0 || choice.flushInterval > 0 {
			fmt.Fprintf(os.Stderr, "Warning: buffer/flush flags ignored for %s policy\n", choice.name)
		}
		return nil

	case "buffered":
		if choice.maxRecords <= 0 && choice.maxBytes <= 0 {
			return errors.New("buffered policy requires buffer limits: set --buffer-records or --buffer-bytes")
		}
		return nil

	case "streaming":
		if choice.flushCount <= 0 && choice.flushInterval <= 0 {
			return errors.New("streaming policy requires a flush trigger: set --flush-count or --flush-interval")
		}
		return nil

	default:
		return fmt.Errorf("invalid --policy %q. Valid options: strict, buffered, streaming, noop", choice.name)
	}
}

func validateStorageConfig(s storageChoice) error {
	switch s.backend {
	case "":
		if s.path != "" {
			return errors.New("--storage-backend is required when --storage-path is set. Valid options: fs, s3")
		}
		return nil

	case "fs":
		if s.path == "" {
			return errors.New("--storage-path required for fs backend")
		}
		info, err := os.Stat(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("storage path %q does not exist. Create it with: mkdir -p %s", s.path, s.path)
			}
			return fmt.Errorf("cannot access storage path %q: %w", s.path, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("storage path %q is not a directory", s.path)
		}
		return nil

	case "s3":
		if s.path == "" {
			return errors.New("--storage-path required for s3 backend. Format: bucket-name/optional/prefix")
		}
		cfg := s.s3Config()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid --storage-path %q: %w", s.path, err)
		}
		return nil

	default:
		return fmt.Errorf("invalid --storage-backend %q. Valid options: fs, s3", s.backend)
	}
}

// runResult is what a finished run reports.
type runResult struct {
	meta     types.AgentMeta
	policy   string
	outcome  *types.StatusUpdate
	stats    metrics.Snapshot
	duration time.Duration
}

// executeRun wires the agent's ports, runs it until a signal, the TUI
// quits or (with --once) the first terminal outcome, then writes final
// metrics to the journal.
func executeRun(parent context.Context, opts *runOptions) (*runResult, error) {
	start := time.Now()

	logger, closeLog, err := buildLogger(opts)
	if err != nil {
		return nil, err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	collector := metrics.NewCollector(opts.meta.ThingName, opts.meta.AgentID, opts.jobs.controlType, opts.storage.backend)

	platform, err := pal.NewFSPlatform(opts.platform)
	if err != nil {
		return nil, fmt.Errorf("failed to create platform: %w", err)
	}

	var redisT *otaredis.Transport
	var jobs transport.JobControl
	switch opts.jobs.controlType {
	case "redis":
		redisT, err = otaredis.New(otaredis.Config{
			URL:       opts.jobs.url,
			ThingName: opts.meta.ThingName,
			Prefix:    opts.jobs.prefix,
			Timeout:   opts.jobs.timeout,
			Retries:   opts.jobs.retries,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis transport: %w", err)
		}
		jobs = redisT
	case "local":
		out, closeOut, err := openStatusOut(opts.jobs.statusOut, opts.tui)
		if err != nil {
			return nil, err
		}
		defer closeOut()
		local, err := transport.NewLocalJobControl(out, opts.jobs.documents...)
		if err != nil {
			return nil, err
		}
		jobs = local
	}

	var stream transport.BlockFetcher
	if redisT != nil {
		stream = redisT
	}
	fetcher, err := buildFetcher(ctx, opts.fetch, stream, logger)
	if err != nil {
		return nil, err
	}

	client, pol, err := buildJournal(ctx, opts.storage, opts.policy, opts.meta, collector, logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pol.Close() }()

	notifier, err := buildNotifier(opts.notifier, redisT, opts.meta.ThingName, logger)
	if err != nil {
		return nil, err
	}

	once := &onceNotifier{inner: notifier, enabled: opts.once, done: cancel}

	var tw *trace.Writer
	if opts.tracePath != "" {
		f, err := os.Create(opts.tracePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace file: %w", err)
		}
		defer func() { _ = f.Close() }()
		tw = trace.NewWriter(f)
	}

	var selfTest *selfTestJobControl
	switch {
	case opts.selfTestCmd != "":
		selfTest = newSelfTestJobControl(jobs, commandCheck(opts.selfTestCmd), logger)
		jobs = selfTest
	case opts.autoAccept:
		selfTest = newSelfTestJobControl(jobs, acceptCheck, logger)
		jobs = selfTest
	}

	ports := agent.Ports{
		JobControl: jobs,
		Fetcher:    fetcher,
		Platform:   platform,
		Policy:     pol,
		Notifier:   once,
		Trace:      tw,
		Collector:  collector,
		Logger:     logger,
	}
	if client != nil {
		ports.Archive = client
	}

	a, err := agent.New(opts.meta, opts.agent, ports)
	if err != nil {
		return nil, err
	}
	if selfTest != nil {
		selfTest.bind(a)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(runCtx) }()

	if err := a.Start(); err != nil {
		cancel()
		<-runErr
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	if opts.tui {
		poll := func() tui.ProgressSnapshot {
			p := a.Progress()
			return tui.ProgressSnapshot{
				State:          string(p.State),
				JobID:          p.JobID,
				BlocksReceived: p.BlocksReceived,
				TotalBlocks:    p.TotalBlocks,
				Stats:          a.Stats(),
			}
		}
		if err := tui.RunProgressTUI(runCtx, poll, 0); err != nil {
			logger.Warn("progress view failed", map[string]any{"error": err.Error()})
		}
		cancel()
	}

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("agent failed: %w", err)
	}

	stats := a.Stats()
	if client != nil {
		wctx, wcancel := context.WithTimeout(context.WithoutCancel(parent), metricsWriteTimeout)
		if err := client.WriteMetrics(wctx, stats, time.Now()); err != nil {
			logger.Error("failed to write metrics", map[string]any{"error": err.Error()})
		}
		wcancel()
	}

	return &runResult{
		meta:     opts.meta,
		policy:   opts.policy.name,
		outcome:  once.Outcome(),
		stats:    stats,
		duration: time.Since(start),
	}, nil
}

// buildLogger creates the agent logger. The TUI owns the terminal, so
// without --log-file its logs are discarded.
func buildLogger(opts *runOptions) (*log.Logger, func(), error) {
	logger := log.NewLogger(&opts.meta)
	level, _ := log.ParseLevel(opts.logLevel)
	logger.SetLevel(level)

	switch {
	case opts.logFile != "":
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return logger.WithOutput(f), func() { _ = f.Close() }, nil
	case opts.tui:
		return logger.WithOutput(io.Discard), func() {}, nil
	default:
		return logger, func() {}, nil
	}
}

// openStatusOut opens the local status sink. Stdout is unavailable while
// the TUI runs.
func openStatusOut(path string, tuiMode bool) (io.Writer, func(), error) {
	switch {
	case path == "" && tuiMode:
		return io.Discard, func() {}, nil
	case path == "" || path == "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create status output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// buildFetcher routes update URLs by scheme: http(s), s3 and file. Jobs
// without a URL use the stream transport when there is one.
func buildFetcher(ctx context.Context, fc fetchChoice, stream transport.BlockFetcher, logger *log.Logger) (*transport.Mux, error) {
	mux := transport.NewMux(stream)

	mux.Handle(httpfetch.New(httpfetch.Config{
		Timeout:           fc.timeout,
		Headers:           fc.headers,
		RequestsPerSecond: fc.rps,
		Burst:             fc.burst,
		Logger:            logger,
	}), "http", "https")

	s3f, err := s3fetch.New(ctx, s3fetch.Config{
		Region:            fc.s3Region,
		Endpoint:          fc.s3Endpoint,
		UsePathStyle:      fc.s3PathStyle,
		RequestsPerSecond: fc.rps,
		Burst:             fc.burst,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 fetcher: %w", err)
	}
	mux.Handle(s3f, "s3")

	mux.Handle(transport.NewFileFetcher(transport.RangedConfig{
		RequestsPerSecond: fc.rps,
		Burst:             fc.burst,
		Logger:            logger,
	}), "file")

	return mux, nil
}

// buildJournal creates the journal client and policy. Without a storage
// backend there is no client and updates go to a noop policy.
func buildJournal(ctx context.Context, s storageChoice, choice policyChoice, meta types.AgentMeta, collector *metrics.Collector, logger *log.Logger) (*lode.LodeClient, policy.Policy, error) {
	if s.backend == "" {
		return nil, policy.NewNoopPolicy(), nil
	}

	cfg := lode.Config{
		Dataset:   s.dataset,
		ThingName: meta.ThingName,
		AgentID:   meta.AgentID,
		Day:       lode.DeriveDay(time.Now()),
	}

	var client *lode.LodeClient
	var err error
	switch s.backend {
	case "fs":
		client, err = lode.NewLodeClient(cfg, s.path)
	case "s3":
		client, err = lode.NewLodeS3Client(ctx, cfg, s.s3Config())
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %s (must be fs or s3)", s.backend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create journal client: %w", err)
	}

	sink := lode.NewInstrumentedSink(lode.NewSink(client), collector, logger)
	pol, err := buildPolicy(choice, sink, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create policy: %w", err)
	}
	return client, pol, nil
}

func buildPolicy(choice policyChoice, sink policy.Sink, logger *log.Logger) (policy.Policy, error) {
	switch choice.name {
	case "strict":
		return policy.NewStrictPolicy(sink), nil
	case "buffered":
		return policy.NewBufferedPolicy(sink, policy.BufferedConfig{
			MaxBufferRecords: choice.maxRecords,
			MaxBufferBytes:   choice.maxBytes,
			Logger:           logger,
		})
	case "streaming":
		return policy.NewStreamingPolicy(sink, policy.StreamingConfig{
			FlushCount:    choice.flushCount,
			FlushInterval: choice.flushInterval,
			Logger:        logger,
		})
	case "noop":
		return policy.NewNoopPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown policy: %s", choice.name)
	}
}

// buildNotifier creates the outcome notifier, or nil without one. A redis
// notifier without its own URL shares the job control connection.
func buildNotifier(nc *notifierChoice, shared *otaredis.Transport, thingName string, logger *log.Logger) (transport.Notifier, error) {
	if nc == nil {
		return nil, nil
	}
	switch nc.notifierType {
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     nc.url,
			Headers: nc.headers,
			Timeout: nc.timeout,
			Retries: nc.retries,
		})
	case "redis":
		if nc.url == "" {
			if shared == nil {
				return nil, errors.New("redis notifier requires a URL when job control is not redis")
			}
			return sharedNotifier{shared}, nil
		}
		return otaredis.New(otaredis.Config{
			URL:       nc.url,
			ThingName: thingName,
			Timeout:   nc.timeout,
			Retries:   nc.retries,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("unknown notifier type: %s", nc.notifierType)
	}
}

// outcomeToExitCode maps the terminal outcome of a --once run. Runs
// without an outcome exit cleanly.
func outcomeToExitCode(outcome *types.StatusUpdate) int {
	if outcome == nil || outcome.Status == types.JobStatusSucceeded {
		return exitSuccess
	}
	return exitJobFailed
}

func printRunResult(w io.Writer, res *runResult) {
	fmt.Fprintf(w, "\nthing_name=%s, agent_id=%s, duration=%s\n",
		res.meta.ThingName,
		res.meta.AgentID,
		res.duration.Round(time.Millisecond),
	)

	if res.outcome != nil {
		fmt.Fprintf(w, "\n=== Job Outcome ===\n")
		fmt.Fprintf(w, "Job ID:       %s\n", res.outcome.JobID)
		fmt.Fprintf(w, "Status:       %s\n", res.outcome.Status)
		fmt.Fprintf(w, "Reason:       %s\n", res.outcome.Reason)
		if res.outcome.Detail != "" {
			fmt.Fprintf(w, "Detail:       %s\n", res.outcome.Detail)
		}
	}

	s := res.stats
	fmt.Fprintf(w, "\n=== Agent Stats ===\n")
	fmt.Fprintf(w, "Jobs:             %d started, %d succeeded, %d failed, %d aborted\n",
		s.JobsStarted, s.JobsSucceeded, s.JobsFailed, s.JobsAborted)
	fmt.Fprintf(w, "Blocks:           %d accepted, %d duplicate, %d rejected\n",
		s.BlocksAccepted, s.BlocksDuplicate, s.BlocksRejected)
	fmt.Fprintf(w, "Requests:         %d sent, %d timed out\n", s.RequestsSent, s.RequestTimeouts)
	fmt.Fprintf(w, "Events Dropped:   %d\n", s.EventsDropped)

	fmt.Fprintf(w, "\n=== Journal (%s) ===\n", res.policy)
	fmt.Fprintf(w, "Recorded:         %d\n", s.StatusRecorded)
	fmt.Fprintf(w, "Persisted:        %d\n", s.StatusPersisted)
	fmt.Fprintf(w, "Dropped:          %d\n", s.StatusDropped)
	fmt.Fprintf(w, "Publish Failures: %d\n", s.StatusPublishFailures)
}
