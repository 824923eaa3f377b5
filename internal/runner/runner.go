package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"pkt.systems/bruci/internal/collection"
	"pkt.systems/bruci/internal/env"
	"pkt.systems/bruci/internal/parser"
	"pkt.systems/bruci/internal/report"
	"pkt.systems/pslog"
)

const (
	defaultTimeout      = 30 * time.Second
	maxNextRequestJumps = 10000
)

// runner implements Runner.
type runner struct {
	logger     pslog.Base
	httpClient *http.Client
	timeout    time.Duration
	preHook    PreRequestHook
	postHook   PostRequestHook
	procEnv    env.ProcessEnv
}

// New constructs a Runner with optional configuration.
func New(ctx context.Context, opts ...Option) (Runner, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	cfg := runnerConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = pslog.New(os.Stdout)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{}
	}
	if cfg.timeout <= 0 {
		cfg.timeout = defaultTimeout
	}
	if cfg.procEnv == nil {
		cfg.procEnv = env.OSEnv{}
	}
	return &runner{
		logger:     cfg.logger,
		httpClient: cfg.httpClient,
		timeout:    cfg.timeout,
		preHook:    cfg.preHook,
		postHook:   cfg.postHook,
		procEnv:    cfg.procEnv,
	}, nil
}

// RunCollection executes every descriptor of c against opts.Environment.
// Setup problems are returned both inside the report and as the error.
func (r *runner) RunCollection(ctx context.Context, c collection.Collection, opts RunOptions) (report.Report, error) {
	return r.execute(ctx, c, c.Descriptors, opts)
}

// RunFile executes a single descriptor. Collection settings, environments and
// .env apply when the file lives inside a collection. With several iterations
// the last result is returned.
func (r *runner) RunFile(ctx context.Context, path string, opts RunOptions) (report.RunResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return report.RunResult{}, err
	}
	c := collection.Collection{Name: filepath.Base(filepath.Dir(abs)), Dir: filepath.Dir(abs)}
	if root, ok := findCollectionRoot(filepath.Dir(abs)); ok {
		if loaded, err := collection.Load(root, collection.Options{NonRecursive: true}); err == nil {
			c = loaded
		}
	}
	rep, err := r.execute(ctx, c, []string{abs}, opts)
	if err != nil {
		return report.RunResult{}, err
	}
	if len(rep.Results) == 0 {
		return report.RunResult{Name: strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs)), Path: abs, Outcome: report.OutcomeSkipped}, nil
	}
	return rep.Results[len(rep.Results)-1], nil
}

func findCollectionRoot(dir string) (string, bool) {
	for {
		if collection.IsCollection(dir) {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// run carries what every descriptor execution of one run shares.
type run struct {
	r        *runner
	opts     RunOptions
	logger   pslog.Base
	client   *http.Client
	timeout  time.Duration
	settings parser.Descriptor
	contract *contractValidator
	limiter  *rate.Limiter
	tokens   *tokenCache
	envName  string
}

type job struct {
	desc parser.Descriptor
}

func (r *runner) execute(ctx context.Context, c collection.Collection, paths []string, opts RunOptions) (report.Report, error) {
	if opts.SuiteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.SuiteTimeout)
		defer cancel()
	}
	rn := &run{r: r, opts: opts, logger: r.logger, client: r.httpClient, timeout: r.timeout, tokens: newTokenCache()}
	if opts.Logger != nil {
		rn.logger = opts.Logger
	}
	if opts.HTTPClient != nil {
		rn.client = opts.HTTPClient
	}
	if opts.Timeout > 0 {
		rn.timeout = opts.Timeout
	}
	if opts.RequestsPerSecond > 0 {
		rn.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	scope, prob := r.resolveScope(ctx, c, opts)
	rn.envName = envLabel(opts.Environment, scope)
	if prob != nil {
		return rn.setupFailed(c, *prob)
	}
	if c.Settings != "" {
		settings, err := parseSettings(c.Settings)
		if err != nil {
			return rn.setupFailed(c, report.Problem{Code: report.CodeMalformedDescriptor, Message: err.Error(), Path: c.Settings})
		}
		rn.settings = settings
	}
	if spec := c.OpenAPIPath(); spec != "" {
		v, err := loadContract(ctx, spec)
		if err != nil {
			return rn.setupFailed(c, report.Problem{Code: report.CodeSetupError, Message: err.Error(), Path: spec})
		}
		rn.contract = v
	}
	iterations, err := planIterations(opts)
	if err != nil {
		return rn.setupFailed(c, report.Problem{Code: report.CodeSetupError, Message: err.Error()})
	}

	jobs, malformed := parseDescriptors(ctx, paths)
	jobs = slices.DeleteFunc(jobs, func(j job) bool {
		return !passesTagFilter(j.desc.Meta.Tags, opts.Tags, opts.ExcludeTags)
	})
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].desc.Meta.Seq == jobs[b].desc.Meta.Seq {
			return jobs[a].desc.Path < jobs[b].desc.Path
		}
		return jobs[a].desc.Meta.Seq < jobs[b].desc.Meta.Seq
	})

	parallel := opts.Parallel
	if parallel && rn.hasHooks(jobs) {
		scope.Warn(report.WarnParallelOff, "collection uses scripts, tests or post-response variables; running sequentially")
		parallel = false
	}
	rn.logger.Info("run start", "collection", c.Name, "environment", rn.envName, "descriptors", len(jobs), "iterations", len(iterations), "parallel", parallel)

	var results []report.RunResult
	for n, it := range iterations {
		if ctx.Err() != nil {
			for _, rest := range iterations[n:] {
				for _, j := range jobs {
					results = append(results, cancelledResult(j.desc, rest))
				}
			}
			break
		}
		iterScope := scope.Snapshot()
		for k, v := range it.vars {
			iterScope.Set(k, v)
		}
		var (
			out  []report.RunResult
			halt bool
		)
		if parallel {
			out, halt = rn.parallel(ctx, iterScope, it, jobs)
		} else {
			out, halt = rn.sequential(ctx, iterScope, it, jobs)
		}
		results = append(results, out...)
		if halt && ctx.Err() == nil {
			break
		}
	}
	results = append(results, malformed...)

	var warnings []report.Warning
	for _, w := range scope.Warnings() {
		warnings = append(warnings, report.Warning{Code: w.Code, Message: w.Message})
	}
	rep := report.Aggregate(c.Name, rn.envName, results, warnings)
	rn.logger.Info("run finished", "collection", c.Name, "environment", rn.envName, "status", rep.Status, "passed", rep.Passed, "failed", rep.Failed, "errored", rep.Errored, "skipped", rep.Skipped)
	return rep, nil
}

func (rn *run) setupFailed(c collection.Collection, p report.Problem) (report.Report, error) {
	rn.logger.Error("run setup failed", "collection", c.Name, "environment", rn.envName, "code", p.Code, "error", p.Message)
	rep := report.Errored(c.Name, rn.envName, p)
	return rep, &p
}

func envLabel(requested string, scope *env.Scope) string {
	if scope != nil && scope.EnvironmentName() != "" {
		return scope.EnvironmentName()
	}
	if strings.HasSuffix(requested, ".bru") {
		return strings.TrimSuffix(filepath.Base(requested), ".bru")
	}
	return requested
}

// resolveScope loads the requested environment and the collection .env file
// and builds the run scope.
func (r *runner) resolveScope(ctx context.Context, c collection.Collection, opts RunOptions) (*env.Scope, *report.Problem) {
	var e env.Environment
	if name := opts.Environment; name != "" {
		path, err := c.EnvironmentPath(name)
		if err != nil {
			if _, statErr := os.Stat(name); statErr != nil {
				return nil, &report.Problem{Code: report.CodeUnknownEnvironment, Message: err.Error()}
			}
			path = name
		}
		e, err = env.LoadFile(ctx, path)
		if err != nil {
			code := report.CodeSetupError
			if errors.Is(err, parser.ErrMalformedDescriptor) {
				code = report.CodeMalformedDescriptor
			}
			return nil, &report.Problem{Code: code, Message: err.Error(), Path: path}
		}
	}
	proc := r.procEnv
	if c.DotEnv != "" {
		dot, err := env.LoadDotEnv(c.DotEnv)
		if err != nil {
			return nil, &report.Problem{Code: report.CodeSetupError, Message: err.Error(), Path: c.DotEnv}
		}
		proc = env.Layered(dot, proc)
	}
	scope, err := env.Resolve(e, proc, opts.Vars)
	if err != nil {
		code := report.CodeSetupError
		if errors.Is(err, env.ErrCyclicVariableReference) {
			code = report.CodeCyclicVariableReference
		}
		return nil, &report.Problem{Code: code, Message: err.Error(), Path: e.Path}
	}
	return scope, nil
}

func parseSettings(path string) (parser.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return parser.Descriptor{}, err
	}
	defer f.Close()
	return parser.ParseSettings(path, f)
}

// parseDescriptors parses every path. Files that fail to parse become errored
// results instead of aborting the run.
func parseDescriptors(ctx context.Context, paths []string) ([]job, []report.RunResult) {
	var (
		jobs      []job
		malformed []report.RunResult
	)
	for _, p := range paths {
		d, err := parser.ParseFile(ctx, p)
		if err != nil {
			name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
			malformed = append(malformed, report.RunResult{
				Name:      name,
				Path:      p,
				Outcome:   report.OutcomeError,
				StartedAt: time.Now(),
				Error:     &report.Problem{Code: report.CodeMalformedDescriptor, Message: err.Error(), Path: p},
			})
			continue
		}
		jobs = append(jobs, job{desc: d})
	}
	return jobs, malformed
}

func (rn *run) hasHooks(jobs []job) bool {
	if rn.settings.HasHooks() {
		return true
	}
	for _, j := range jobs {
		if j.desc.HasHooks() {
			return true
		}
	}
	return false
}

func passesTagFilter(tags []string, include []string, exclude []string) bool {
	if len(include) > 0 && !slices.ContainsFunc(tags, func(t string) bool { return slices.Contains(include, t) }) {
		return false
	}
	return !slices.ContainsFunc(tags, func(t string) bool { return slices.Contains(exclude, t) })
}

// sequential runs jobs in order, honouring setNextRequest jumps, stop
// requests, Bail and cancellation. halt reports that later iterations must
// not run.
func (rn *run) sequential(ctx context.Context, scope *env.Scope, it iteration, jobs []job) (results []report.RunResult, halt bool) {
	jumps := 0
	for i := 0; i < len(jobs); {
		d := jobs[i].desc
		if len(results) > 0 {
			delay := rn.opts.Delay + time.Duration(d.Meta.DelayMS)*time.Millisecond
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
				case <-t.C:
				}
				t.Stop()
			}
		}
		if ctx.Err() != nil {
			for _, rest := range jobs[i:] {
				results = append(results, cancelledResult(rest.desc, it))
			}
			return results, true
		}

		res, ctl := rn.execDescriptor(ctx, scope, d, it)
		results = append(results, res)
		if ctl.stop {
			rn.logger.Info("execution stopped by script", "descriptor", d.Path)
			return results, true
		}
		if rn.opts.Bail && (res.Outcome == report.OutcomeFailed || res.Outcome == report.OutcomeError) {
			for _, rest := range jobs[i+1:] {
				results = append(results, skippedResult(rest.desc, it, "skipped after earlier failure (bail)"))
			}
			return results, true
		}
		if !ctl.hasNext {
			i++
			continue
		}
		next := slices.IndexFunc(jobs, func(j job) bool { return j.desc.Name() == ctl.next })
		if next < 0 {
			rn.logger.Warn("setNextRequest target not found", "descriptor", d.Path, "target", ctl.next)
			i++
			continue
		}
		if jumps++; jumps > maxNextRequestJumps {
			scope.Warn(report.WarnJumpLimit, fmt.Sprintf("setNextRequest exceeded %d jumps; run stopped", maxNextRequestJumps))
			return results, true
		}
		i = next
	}
	return results, false
}

// parallel runs independent jobs on a bounded worker pool. Results keep the
// job order.
func (rn *run) parallel(ctx context.Context, scope *env.Scope, it iteration, jobs []job) ([]report.RunResult, bool) {
	results := make([]report.RunResult, len(jobs))
	limit := rn.opts.Concurrency
	if limit <= 0 {
		limit = len(jobs)
	}
	sem := make(chan struct{}, max(limit, 1))
	var (
		wg     sync.WaitGroup
		bailed atomic.Bool
	)
	for i, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = cancelledResult(j.desc, it)
				return
			}
			switch {
			case ctx.Err() != nil:
				results[i] = cancelledResult(j.desc, it)
			case bailed.Load():
				results[i] = skippedResult(j.desc, it, "skipped after earlier failure (bail)")
			default:
				res, _ := rn.execDescriptor(ctx, scope, j.desc, it)
				results[i] = res
				if rn.opts.Bail && (res.Outcome == report.OutcomeFailed || res.Outcome == report.OutcomeError) {
					bailed.Store(true)
				}
			}
		}()
	}
	wg.Wait()
	return results, bailed.Load() || ctx.Err() != nil
}

func baseResult(d parser.Descriptor, it iteration) report.RunResult {
	return report.RunResult{
		Name:      d.Name(),
		Path:      d.Path,
		Seq:       d.Meta.Seq,
		Iteration: it.index,
		Tags:      d.Meta.Tags,
		StartedAt: time.Now(),
	}
}

func cancelledResult(d parser.Descriptor, it iteration) report.RunResult {
	res := baseResult(d, it)
	res.Outcome = report.OutcomeSkipped
	res.Error = &report.Problem{Code: report.CodeCancelled, Message: "run cancelled", Path: d.Path}
	return res
}

func skippedResult(d parser.Descriptor, it iteration, reason string) report.RunResult {
	res := baseResult(d, it)
	res.Outcome = report.OutcomeSkipped
	if reason != "" {
		res.Console = []string{reason}
	}
	return res
}
