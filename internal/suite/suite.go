// Package suite runs many (collection, environment) pairs and writes one
// report per pair.
package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
	"pkt.systems/bruci/internal/collection"
	"pkt.systems/bruci/internal/report"
	"pkt.systems/bruci/internal/runner"
	"pkt.systems/pslog"
)

// Pair names one collection directory (relative to the suite root) and one of
// its environments.
type Pair struct {
	Collection  string `yaml:"collection"`
	Environment string `yaml:"environment"`
}

func (p Pair) String() string {
	if p.Environment == "" {
		return p.Collection
	}
	return p.Collection + ":" + p.Environment
}

// ParsePair reads `collection:environment`. The environment part is optional.
func ParsePair(s string) (Pair, error) {
	coll, envName, _ := strings.Cut(strings.TrimSpace(s), ":")
	if coll == "" {
		return Pair{}, fmt.Errorf("invalid pair %q: want collection:environment", s)
	}
	return Pair{Collection: coll, Environment: envName}, nil
}

// Matrix is the YAML matrix file. Pairs from include come first, followed by
// the collections × environments product; exclude removes pairs from both.
type Matrix struct {
	Collections  []string `yaml:"collections"`
	Environments []string `yaml:"environments"`
	Include      []Pair   `yaml:"include"`
	Exclude      []Pair   `yaml:"exclude"`
}

// Pairs expands the matrix, dropping duplicates.
func (m Matrix) Pairs() []Pair {
	var out []Pair
	add := func(p Pair) {
		if slices.Contains(m.Exclude, p) || slices.Contains(out, p) {
			return
		}
		out = append(out, p)
	}
	for _, p := range m.Include {
		add(p)
	}
	envs := m.Environments
	if len(envs) == 0 && len(m.Collections) > 0 {
		envs = []string{""}
	}
	for _, c := range m.Collections {
		for _, e := range envs {
			add(Pair{Collection: c, Environment: e})
		}
	}
	return out
}

// LoadMatrix reads a matrix file and expands it.
func LoadMatrix(path string) ([]Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matrix: %w", err)
	}
	var m Matrix
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse matrix %s: %w", path, err)
	}
	for _, p := range append(slices.Clone(m.Include), m.Exclude...) {
		if p.Collection == "" {
			return nil, fmt.Errorf("matrix %s: pair without collection", path)
		}
	}
	pairs := m.Pairs()
	if len(pairs) == 0 {
		return nil, fmt.Errorf("matrix %s defines no pairs", path)
	}
	return pairs, nil
}

// Options controls a suite run.
type Options struct {
	// Run is the template for every pair; Environment is replaced per pair.
	Run runner.RunOptions
	// Concurrency bounds how many pairs run at once; 0 runs all pairs at once.
	Concurrency int
	// OutputDir receives <collection>-<environment>.<ext> per format. Empty
	// disables writing.
	OutputDir string
	Formats   []string
	Logger    pslog.Base
}

// Result is the outcome of one pair.
type Result struct {
	Pair   Pair
	Report report.Report
	// Files lists the report files written for this pair.
	Files []string
	// Err is set when the pair could not run or its reports could not be
	// written. Setup problems are also in Report.
	Err error
}

// Run executes pairs concurrently. Results are returned in input order; a
// failing pair never affects its siblings.
func Run(ctx context.Context, r runner.Runner, root string, pairs []Pair, opts Options) []Result {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.LoggerFromContext(ctx)
	}
	if logger == nil {
		logger = pslog.New(io.Discard)
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = len(pairs)
	}
	results := make([]Result, len(pairs))
	sem := make(chan struct{}, max(limit, 1))
	var wg sync.WaitGroup
	for i, p := range pairs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				rep := report.Errored(p.Collection, p.Environment, report.Problem{Code: report.CodeCancelled, Message: "suite cancelled"})
				results[i] = Result{Pair: p, Report: rep, Err: ctx.Err()}
				return
			}
			results[i] = runPair(ctx, r, root, p, opts, logger)
		}()
	}
	wg.Wait()
	return results
}

func runPair(ctx context.Context, r runner.Runner, root string, p Pair, opts Options, logger pslog.Base) Result {
	res := Result{Pair: p}
	dir := p.Collection
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	c, err := collection.Load(dir)
	if err != nil {
		code := report.CodeSetupError
		if errors.Is(err, collection.ErrNotACollection) {
			code = report.CodeNotACollection
		}
		res.Report = report.Errored(p.Collection, p.Environment, report.Problem{Code: code, Message: err.Error(), Path: dir})
		res.Err = err
		logger.Warn("pair skipped", "pair", p.String(), "code", code, "error", err)
	} else {
		runOpts := opts.Run
		runOpts.Environment = p.Environment
		if runOpts.Logger == nil {
			runOpts.Logger = logger
		}
		res.Report, res.Err = r.RunCollection(ctx, c, runOpts)
	}

	if opts.OutputDir == "" {
		return res
	}
	var writeErrs []error
	for _, format := range opts.Formats {
		path := filepath.Join(opts.OutputDir, OutputName(p, format))
		if err := report.WriteFile(format, path, res.Report); err != nil {
			writeErrs = append(writeErrs, fmt.Errorf("write %s report for %s: %w", format, p, err))
			continue
		}
		res.Files = append(res.Files, path)
	}
	if len(writeErrs) > 0 {
		res.Err = errors.Join(append([]error{res.Err}, writeErrs...)...)
	}
	return res
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// OutputName is the report file name for a pair in a format.
func OutputName(p Pair, format string) string {
	coll := unsafeName.ReplaceAllString(filepath.Base(filepath.Clean(p.Collection)), "_")
	name := coll
	if p.Environment != "" {
		envName := strings.TrimSuffix(filepath.Base(p.Environment), ".bru")
		name += "-" + unsafeName.ReplaceAllString(envName, "_")
	}
	return name + "." + report.Extension(format)
}

// ExitCode folds the pair reports into one process exit code: the highest
// code of any pair.
func ExitCode(results []Result) int {
	code := 0
	for _, r := range results {
		code = max(code, r.Report.ExitCode())
	}
	return code
}
