package runner

import (
	"context"
	"net/http"
	"time"

	"pkt.systems/bruci/internal/collection"
	"pkt.systems/bruci/internal/env"
	"pkt.systems/bruci/internal/report"
	"pkt.systems/pslog"
)

// Runner executes collections and single descriptors. It is safe to hold and
// use concurrently from multiple goroutines; runs share no mutable state.
type Runner interface {
	RunCollection(ctx context.Context, c collection.Collection, opts RunOptions) (report.Report, error)
	RunFile(ctx context.Context, path string, opts RunOptions) (report.RunResult, error)
}

// RunOptions controls one run.
type RunOptions struct {
	// Environment is an environment name inside the collection or a path to
	// an environment .bru file. Empty runs without environment variables.
	Environment string
	// Vars override every other variable layer.
	Vars        map[string]string
	Tags        []string
	ExcludeTags []string
	// CSVFilePath points to a CSV dataset used for data-driven iterations.
	CSVFilePath string
	// JSONFilePath points to a JSON array dataset used for data-driven iterations.
	JSONFilePath string
	// IterationCount executes the collection this many times (default 1). Ignored when a data file is provided.
	IterationCount int
	// Parallel executes descriptors concurrently when no descriptor carries
	// scripts, tests or post-response variables.
	Parallel    bool
	Concurrency int
	HTTPClient  *http.Client
	Logger      pslog.Base
	Timeout     time.Duration // per request timeout; 0 means the runner default
	// SuiteTimeout bounds the whole run; 0 disables it.
	SuiteTimeout time.Duration
	Delay        time.Duration // delay between descriptors; 0 to skip
	// RequestsPerSecond paces outgoing requests; 0 disables pacing.
	RequestsPerSecond float64
	// ScriptTimeout interrupts a script that runs longer; 0 means 5s.
	ScriptTimeout time.Duration
	Bail          bool // stop after first failure
	TestsOnly     bool // skip descriptors without tests/asserts
	PreHookCmd    []string
	PostHookCmd   []string
}

// HookInfo provides the request metadata exposed to Go hooks without leaking
// parser types.
type HookInfo struct {
	Name        string
	Path        string
	Seq         float64
	Tags        []string
	Method      string
	URL         string
	Iteration   int
	Environment string
}

// PreRequestHook is invoked after the HTTP request has been built and
// authenticated. It may mutate the request; an error marks the descriptor as
// errored with HOOK_ERROR.
type PreRequestHook func(ctx context.Context, info HookInfo, req *http.Request, logger pslog.Base) error

// PostRequestHook is invoked after assertions, scripts and tests have run.
type PostRequestHook func(ctx context.Context, info HookInfo, res report.RunResult, logger pslog.Base) error

// Option modifies a Runner at construction time.
type Option func(*runnerConfig)

type runnerConfig struct {
	logger     pslog.Base
	httpClient *http.Client
	timeout    time.Duration
	preHook    PreRequestHook
	postHook   PostRequestHook
	procEnv    env.ProcessEnv
}

// WithPreRequestHook registers a Go hook invoked before each request is sent.
func WithPreRequestHook(h PreRequestHook) Option {
	return func(rc *runnerConfig) { rc.preHook = h }
}

// WithPostRequestHook registers a Go hook invoked after each request finishes (tests included).
func WithPostRequestHook(h PostRequestHook) Option {
	return func(rc *runnerConfig) { rc.postHook = h }
}

// WithLogger overrides the default logger (pslog console).
func WithLogger(logger pslog.Base) Option {
	return func(rc *runnerConfig) { rc.logger = logger }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(rc *runnerConfig) { rc.httpClient = client }
}

// WithTimeout sets the default per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(rc *runnerConfig) { rc.timeout = timeout }
}

// WithProcessEnv sets the source behind {{process.env.NAME}} and
// bru.getProcessEnv. The default reads the current process environment.
func WithProcessEnv(p env.ProcessEnv) Option {
	return func(rc *runnerConfig) { rc.procEnv = p }
}
