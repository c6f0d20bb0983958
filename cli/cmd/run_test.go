package cmd

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	otaconfig "github.com/pithecene-io/ota/cli/config"
	"github.com/pithecene-io/ota/cli/reader"
	"github.com/pithecene-io/ota/lode"
	"github.com/pithecene-io/ota/pal"
	"github.com/pithecene-io/ota/transport"
	"github.com/pithecene-io/ota/types"
)

// newFlagContext parses args against flags the way urfave/cli does, so
// c.IsSet reflects exactly the flags given in args.
func newFlagContext(t *testing.T, flags []cli.Flag, args ...string) *cli.Context {
	t.Helper()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range flags {
		if err := f.Apply(fs); err != nil {
			t.Fatalf("apply flag %v: %v", f.Names(), err)
		}
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}
	return cli.NewContext(cli.NewApp(), fs, nil)
}

func newRunContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	return newFlagContext(t, RunCommand().Flags, args...)
}

func newTestApp() *cli.App {
	app := cli.NewApp()
	app.Commands = []*cli.Command{RunCommand(), ParseCommand(), ReplayCommand(), HistoryCommand(), StatsCommand(), VersionCommand("test")}
	app.ExitErrHandler = func(*cli.Context, error) {} // suppress os.Exit
	return app
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func intPtr(n int) *int { return &n }

func TestValidatePolicyConfig(t *testing.T) {
	tests := []struct {
		name    string
		choice  policyChoice
		wantErr string
	}{
		{name: "strict", choice: policyChoice{name: "strict"}},
		{name: "noop", choice: policyChoice{name: "noop"}},
		{name: "buffered with records", choice: policyChoice{name: "buffered", maxRecords: 10}},
		{name: "buffered with bytes", choice: policyChoice{name: "buffered", maxBytes: 1024}},
		{name: "buffered without limits", choice: policyChoice{name: "buffered"}, wantErr: "--buffer-records"},
		{name: "streaming with count", choice: policyChoice{name: "streaming", flushCount: 5}},
		{name: "streaming with interval", choice: policyChoice{name: "streaming", flushInterval: time.Second}},
		{name: "streaming without trigger", choice: policyChoice{name: "streaming"}, wantErr: "--flush-count or --flush-interval"},
		{name: "unknown", choice: policyChoice{name: "eventual"}, wantErr: "Valid options: strict, buffered, streaming, noop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePolicyConfig(tt.choice)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateStorageConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "journal.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "missing")

	tests := []struct {
		name    string
		s       storageChoice
		wantErr string
	}{
		{name: "no journal", s: storageChoice{}},
		{name: "path without backend", s: storageChoice{path: dir}, wantErr: "--storage-backend is required"},
		{name: "fs ok", s: storageChoice{backend: "fs", path: dir}},
		{name: "fs without path", s: storageChoice{backend: "fs"}, wantErr: "--storage-path required"},
		{name: "fs missing dir", s: storageChoice{backend: "fs", path: missing}, wantErr: "mkdir -p"},
		{name: "fs not a dir", s: storageChoice{backend: "fs", path: file}, wantErr: "not a directory"},
		{name: "s3 ok", s: storageChoice{backend: "s3", path: "bucket/prefix"}},
		{name: "s3 without path", s: storageChoice{backend: "s3"}, wantErr: "Format: bucket-name"},
		{name: "s3 uri", s: storageChoice{backend: "s3", path: "s3://ota-journal/fleet-a/"}},
		{name: "s3 bad bucket", s: storageChoice{backend: "s3", path: "Bad_Bucket/prefix"}, wantErr: "invalid S3 bucket name"},
		{name: "unknown backend", s: storageChoice{backend: "gcs", path: "x"}, wantErr: "Valid options: fs, s3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStorageConfig(tt.s)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseJobControlConfig(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		cfg      *otaconfig.Config
		wantType string
		wantErr  string
	}{
		{
			name:     "infer local from job doc",
			args:     []string{"--job-doc", "job.json"},
			wantType: "local",
		},
		{
			name:     "infer redis from url",
			args:     []string{"--job-control-url", "redis://localhost:6379"},
			wantType: "redis",
		},
		{
			name:    "nothing configured",
			wantErr: "--job-control is required",
		},
		{
			name:    "redis without url",
			args:    []string{"--job-control", "redis"},
			wantErr: "--job-control-url is required",
		},
		{
			name:    "local without doc",
			args:    []string{"--job-control", "local"},
			wantErr: "--job-doc is required",
		},
		{
			name:    "unknown type",
			args:    []string{"--job-control", "mqtt"},
			wantErr: "Valid options: redis, local",
		},
		{
			name:    "negative retries",
			args:    []string{"--job-control-url", "redis://localhost:6379", "--job-control-retries", "-1"},
			wantErr: "must be >= 0",
		},
		{
			name:     "config provides type and url",
			cfg:      &otaconfig.Config{JobControl: otaconfig.JobControlConfig{Type: "redis", URL: "redis://cfg:6379"}},
			wantType: "redis",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newRunContext(t, tt.args...)
			jc, err := parseJobControlConfig(c, tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if jc.controlType != tt.wantType {
				t.Errorf("controlType = %q, want %q", jc.controlType, tt.wantType)
			}
		})
	}
}

func TestParseJobControlConfig_Precedence(t *testing.T) {
	cfg := &otaconfig.Config{JobControl: otaconfig.JobControlConfig{
		Type:    "redis",
		URL:     "redis://cfg:6379",
		Prefix:  "fleet",
		Timeout: otaconfig.Duration{Duration: 2 * time.Second},
		Retries: intPtr(7),
	}}

	c := newRunContext(t, "--job-control-url", "redis://cli:6379")
	jc, err := parseJobControlConfig(c, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jc.url != "redis://cli:6379" {
		t.Errorf("url = %q, CLI should override config", jc.url)
	}
	if jc.prefix != "fleet" {
		t.Errorf("prefix = %q, want config value", jc.prefix)
	}
	if jc.timeout != 2*time.Second {
		t.Errorf("timeout = %v, want config value", jc.timeout)
	}
	if jc.retries != 7 {
		t.Errorf("retries = %d, want config value 7", jc.retries)
	}

	c = newRunContext(t, "--job-control-retries", "0")
	jc, err = parseJobControlConfig(c, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jc.retries != 0 {
		t.Errorf("retries = %d, explicit --job-control-retries=0 should win", jc.retries)
	}
}

func TestParseNotifierConfigWithPrecedence(t *testing.T) {
	cfg := &otaconfig.Config{Notifier: otaconfig.NotifierConfig{
		Type:    "webhook",
		URL:     "https://cfg.example.com/hook",
		Headers: map[string]string{"Authorization": "Bearer cfg", "X-Fleet": "a"},
		Retries: intPtr(5),
	}}

	t.Run("config values", func(t *testing.T) {
		c := newRunContext(t)
		nc, err := parseNotifierConfigWithPrecedence(c, cfg, "webhook")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if nc.url != "https://cfg.example.com/hook" {
			t.Errorf("url = %q", nc.url)
		}
		if nc.retries != 5 {
			t.Errorf("retries = %d, want 5", nc.retries)
		}
		if nc.headers["X-Fleet"] != "a" {
			t.Errorf("headers = %v", nc.headers)
		}
	})

	t.Run("CLI overrides", func(t *testing.T) {
		c := newRunContext(t,
			"--notifier-url", "https://cli.example.com/hook",
			"--notifier-header", "Authorization=Bearer cli",
			"--notifier-retries", "1",
		)
		nc, err := parseNotifierConfigWithPrecedence(c, cfg, "webhook")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if nc.url != "https://cli.example.com/hook" {
			t.Errorf("url = %q", nc.url)
		}
		if nc.headers["Authorization"] != "Bearer cli" {
			t.Errorf("Authorization = %q, CLI header should win", nc.headers["Authorization"])
		}
		if nc.headers["X-Fleet"] != "a" {
			t.Errorf("config header X-Fleet should be merged, got %v", nc.headers)
		}
		if nc.retries != 1 {
			t.Errorf("retries = %d, want 1", nc.retries)
		}
	})

	t.Run("webhook without url", func(t *testing.T) {
		c := newRunContext(t)
		_, err := parseNotifierConfigWithPrecedence(c, nil, "webhook")
		if err == nil || !strings.Contains(err.Error(), "--notifier-url is required when --notifier=webhook") {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("redis may share job control", func(t *testing.T) {
		c := newRunContext(t)
		nc, err := parseNotifierConfigWithPrecedence(c, nil, "redis")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if nc.url != "" {
			t.Errorf("url = %q, want empty", nc.url)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		c := newRunContext(t)
		_, err := parseNotifierConfigWithPrecedence(c, nil, "sns")
		if err == nil || !strings.Contains(err.Error(), "unknown notifier type") {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		c := newRunContext(t, "--notifier-header", "no-equals")
		_, err := parseNotifierConfigWithPrecedence(c, nil, "webhook")
		if err == nil || !strings.Contains(err.Error(), "expected key=value") {
			t.Errorf("error = %v", err)
		}
	})
}

func TestResolveAgentConfig(t *testing.T) {
	cfg := &otaconfig.Config{Agent: otaconfig.AgentConfig{BlockSize: 1024, MaxMomentum: 8}}

	c := newRunContext(t, "--block-size", "512", "--request-wait", "3s")
	ac, err := resolveAgentConfig(c, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ac.BlockSize != 512 {
		t.Errorf("BlockSize = %d, CLI should override config", ac.BlockSize)
	}
	if ac.MaxMomentum != 8 {
		t.Errorf("MaxMomentum = %d, want config value 8", ac.MaxMomentum)
	}
	if ac.RequestWait != 3*time.Second {
		t.Errorf("RequestWait = %v, want 3s", ac.RequestWait)
	}

	c = newRunContext(t, "--block-size", "0")
	if _, err := resolveAgentConfig(c, nil); err == nil {
		t.Error("expected error for zero block size")
	}
}

func TestResolveRunOptions_Errors(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "missing thing name",
			args:    []string{"--platform-root", root, "--job-doc", "job.json"},
			wantErr: "--thing-name is required",
		},
		{
			name:    "invalid thing name",
			args:    []string{"--thing-name", "dev/1", "--platform-root", root, "--job-doc", "job.json"},
			wantErr: "invalid --thing-name",
		},
		{
			name:    "missing platform root",
			args:    []string{"--thing-name", "dev-1", "--job-doc", "job.json"},
			wantErr: "--platform-root is required",
		},
		{
			name:    "bad log level",
			args:    []string{"--thing-name", "dev-1", "--platform-root", root, "--job-doc", "job.json", "--log-level", "loud"},
			wantErr: "invalid --log-level",
		},
		{
			name:    "self-test modes exclusive",
			args:    []string{"--thing-name", "dev-1", "--platform-root", root, "--job-doc", "job.json", "--auto-accept", "--self-test-cmd", "true"},
			wantErr: "mutually exclusive",
		},
		{
			name:    "bad policy",
			args:    []string{"--thing-name", "dev-1", "--platform-root", root, "--job-doc", "job.json", "--policy", "eventual"},
			wantErr: "invalid --policy",
		},
		{
			name:    "redis notifier without redis job control",
			args:    []string{"--thing-name", "dev-1", "--platform-root", root, "--job-doc", "job.json", "--notifier", "redis"},
			wantErr: "--notifier-url is required when --notifier=redis",
		},
		{
			name:    "negative fetch rate",
			args:    []string{"--thing-name", "dev-1", "--platform-root", root, "--job-doc", "job.json", "--fetch-rps", "-1"},
			wantErr: "--fetch-rps must be >= 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolveRunOptions(newRunContext(t, tt.args...), nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveRunOptions_GeneratesAgentID(t *testing.T) {
	c := newRunContext(t, "--thing-name", "dev-1", "--platform-root", t.TempDir(), "--job-doc", "job.json")
	opts, err := resolveRunOptions(c, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.meta.AgentID == "" {
		t.Error("expected a generated agent ID")
	}
	if opts.policy.name != "strict" {
		t.Errorf("policy = %q, want strict default", opts.policy.name)
	}
}

func TestRunAction_ConfigNotFound(t *testing.T) {
	err := newTestApp().Run([]string{"ota", "run", "--config", filepath.Join(t.TempDir(), "nope.yaml")})
	if exitCode(err) != exitConfigError {
		t.Fatalf("exit code = %d, want %d (err %v)", exitCode(err), exitConfigError, err)
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("error = %v", err)
	}
}

func TestRunAction_MissingThingName(t *testing.T) {
	err := newTestApp().Run([]string{"ota", "run", "--platform-root", t.TempDir(), "--job-doc", "job.json"})
	if exitCode(err) != exitConfigError {
		t.Fatalf("exit code = %d, want %d (err %v)", exitCode(err), exitConfigError, err)
	}
	if !strings.Contains(err.Error(), "--thing-name is required") {
		t.Errorf("error = %v", err)
	}
}

func TestOutcomeToExitCode(t *testing.T) {
	tests := []struct {
		name    string
		outcome *types.StatusUpdate
		want    int
	}{
		{"no outcome", nil, exitSuccess},
		{"succeeded", &types.StatusUpdate{Status: types.JobStatusSucceeded}, exitSuccess},
		{"failed", &types.StatusUpdate{Status: types.JobStatusFailed}, exitJobFailed},
		{"rejected", &types.StatusUpdate{Status: types.JobStatusRejected}, exitJobFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outcomeToExitCode(tt.outcome); got != tt.want {
				t.Errorf("outcomeToExitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBuildPolicy(t *testing.T) {
	sink := lode.NewSink(lode.NewStubClient())
	for _, name := range []string{"strict", "noop"} {
		if _, err := buildPolicy(policyChoice{name: name}, sink, nil); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if _, err := buildPolicy(policyChoice{name: "buffered"}, sink, nil); err == nil {
		t.Error("buffered without limits should fail")
	}
	p, err := buildPolicy(policyChoice{name: "streaming", flushCount: 2}, sink, nil)
	if err != nil {
		t.Fatalf("streaming: %v", err)
	}
	_ = p.Close()
}

// fakeNotifier records outcomes.
type fakeNotifier struct {
	mu      sync.Mutex
	updates []*types.StatusUpdate
	closed  bool
}

func (n *fakeNotifier) Notify(_ context.Context, u *types.StatusUpdate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, u)
	return nil
}

func (n *fakeNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func TestOnceNotifier(t *testing.T) {
	inner := &fakeNotifier{}
	cancelled := false
	n := &onceNotifier{inner: inner, enabled: true, done: func() { cancelled = true }}

	u := &types.StatusUpdate{JobID: "job-1", Status: types.JobStatusSucceeded}
	if err := n.Notify(t.Context(), u); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !cancelled {
		t.Error("enabled onceNotifier should end the run")
	}
	if n.Outcome() != u {
		t.Error("Outcome should return the notified update")
	}
	if len(inner.updates) != 1 {
		t.Errorf("inner got %d updates, want 1", len(inner.updates))
	}
	if err := n.Close(); err != nil || !inner.closed {
		t.Errorf("Close should close inner (err %v)", err)
	}

	bare := &onceNotifier{done: func() { t.Error("disabled onceNotifier must not end the run") }}
	if err := bare.Notify(t.Context(), u); err != nil {
		t.Fatalf("Notify without inner: %v", err)
	}
	if err := bare.Close(); err != nil {
		t.Errorf("Close without inner: %v", err)
	}
}

func TestSharedNotifier_CloseIsNoop(t *testing.T) {
	inner := &fakeNotifier{}
	n := sharedNotifier{inner}
	if err := n.Notify(t.Context(), &types.StatusUpdate{}); err != nil {
		t.Fatal(err)
	}
	_ = n.Close()
	if inner.closed {
		t.Error("sharedNotifier must not close the shared transport")
	}
}

// verdictRecorder collects image states.
type verdictRecorder struct {
	ch chan types.ImageState
}

func (r *verdictRecorder) SetImageState(s types.ImageState) error {
	r.ch <- s
	return nil
}

func TestSelfTestJobControl(t *testing.T) {
	activeUpdate := &types.StatusUpdate{JobID: "job-1", Status: types.JobStatusInProgress, Reason: types.ReasonSelfTestActive}

	tests := []struct {
		name  string
		check selfTestCheck
		want  types.ImageState
	}{
		{"accept", acceptCheck, types.ImageStateAccepted},
		{"command passes", commandCheck(`test "$OTA_JOB_ID" = job-1`), types.ImageStateAccepted},
		{"command fails", commandCheck("exit 3"), types.ImageStateRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := transport.NewLocalJobControlFromDocs(nil)
			s := newSelfTestJobControl(inner, tt.check, nil)
			rec := &verdictRecorder{ch: make(chan types.ImageState, 1)}
			s.bind(rec)

			if err := s.PublishStatus(t.Context(), activeUpdate); err != nil {
				t.Fatalf("PublishStatus: %v", err)
			}

			select {
			case got := <-rec.ch:
				if got != tt.want {
					t.Errorf("verdict = %s, want %s", got, tt.want)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("no verdict")
			}
			if err := s.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		})
	}
}

func TestSelfTestJobControl_IgnoresOtherUpdates(t *testing.T) {
	s := newSelfTestJobControl(transport.NewLocalJobControlFromDocs(nil), acceptCheck, nil)
	rec := &verdictRecorder{ch: make(chan types.ImageState, 1)}
	s.bind(rec)

	_ = s.PublishStatus(t.Context(), &types.StatusUpdate{Status: types.JobStatusInProgress, Reason: types.ReasonReceiving})
	_ = s.PublishStatus(t.Context(), &types.StatusUpdate{Status: types.JobStatusSucceeded, Reason: types.ReasonAccepted})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case got := <-rec.ch:
		t.Errorf("unexpected verdict %s", got)
	default:
	}
}

// e2eImage is a 1000-byte image: four 256-byte blocks.
func e2eImage() []byte {
	img := make([]byte, 1000)
	for i := range img {
		img[i] = byte(i % 251)
	}
	return img
}

func e2eJobDocument(imageURL string) string {
	sig := base64.StdEncoding.EncodeToString([]byte("signature"))
	return `{
  "clientToken": "tok-1",
  "timestamp": 1700000000,
  "execution": {
    "jobId": "AFR_OTA-e2e",
    "statusDetails": {},
    "jobDocument": {
      "afr_ota": {
        "protocols": ["HTTP"],
        "files": [{
          "filepath": "/device/firmware.bin",
          "filesize": 1000,
          "fileid": 1,
          "certfile": "ota_signer_pub.pem",
          "update_data_url": "` + imageURL + `",
          "sig-sha256-ecdsa": "` + sig + `"
        }]
      }
    }
  }
}`
}

func TestRunAction_LocalOnceEndToEnd(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "firmware.bin")
	image := e2eImage()
	if err := os.WriteFile(imagePath, image, 0o644); err != nil {
		t.Fatal(err)
	}
	docPath := filepath.Join(dir, "job.json")
	if err := os.WriteFile(docPath, []byte(e2eJobDocument("file://"+imagePath)), 0o644); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(dir, "platform")
	journal := filepath.Join(dir, "journal")
	if err := os.Mkdir(journal, 0o755); err != nil {
		t.Fatal(err)
	}
	statusOut := filepath.Join(dir, "status.jsonl")
	tracePath := filepath.Join(dir, "transfer.trace")

	err := newTestApp().Run([]string{"ota", "run",
		"--thing-name", "dev-1",
		"--agent-id", "agent-e2e",
		"--log-level", "error",
		"--platform-root", root,
		"--job-doc", docPath,
		"--status-out", statusOut,
		"--block-size", "256",
		"--storage-backend", "fs",
		"--storage-path", journal,
		"--trace", tracePath,
		"--auto-accept",
		"--once",
		"--quiet",
	})
	if code := exitCode(err); code != exitSuccess {
		t.Fatalf("exit code = %d, want %d (err %v)", code, exitSuccess, err)
	}

	platform, err := pal.NewFSPlatform(pal.FSConfig{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	active, err := platform.ActiveImage()
	if err != nil {
		t.Fatalf("ActiveImage: %v", err)
	}
	got, err := os.ReadFile(active)
	if err != nil {
		t.Fatalf("read active image %q: %v", active, err)
	}
	if string(got) != string(image) {
		t.Error("active image differs from the served image")
	}

	status, err := os.ReadFile(statusOut)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(status), `"status":"SUCCEEDED"`) {
		t.Errorf("status output has no SUCCEEDED update:\n%s", status)
	}

	ds, err := lode.NewReadDatasetFS(lode.DefaultDataset, journal)
	if err != nil {
		t.Fatal(err)
	}
	rd := reader.NewLodeReader(ds)

	records, err := rd.History(t.Context(), lode.HistoryFilter{ThingName: "dev-1", JobID: "AFR_OTA-e2e"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("journal has no status records")
	}
	if last := records[len(records)-1]; last.Status != string(types.JobStatusSucceeded) {
		t.Errorf("last status = %s/%s, want SUCCEEDED", last.Status, last.Reason)
	}

	record, err := rd.LatestMetrics(t.Context(), "dev-1")
	if err != nil {
		t.Fatalf("LatestMetrics: %v", err)
	}
	snap, err := reader.ParseMetricsRecord(record)
	if err != nil {
		t.Fatal(err)
	}
	if snap.JobsSucceeded != 1 {
		t.Errorf("JobsSucceeded = %d, want 1", snap.JobsSucceeded)
	}
	if snap.BlocksAccepted != 4 {
		t.Errorf("BlocksAccepted = %d, want 4", snap.BlocksAccepted)
	}

	info, err := os.Stat(tracePath)
	if err != nil || info.Size() == 0 {
		t.Errorf("trace not written (err %v)", err)
	}
}
