package bruci

import (
	"context"
	"runtime/debug"

	"pkt.systems/bruci/internal/collection"
	"pkt.systems/bruci/internal/runner"
)

// Public type aliases to internal packages

type (
	// Runner executes collections and single descriptors.
	Runner = runner.Runner
	// RunOptions configure a single run invocation.
	RunOptions = runner.RunOptions
	// HookInfo carries request metadata provided to hooks.
	HookInfo = runner.HookInfo
	// Collection is a loaded collection directory.
	Collection = collection.Collection
	// LoadOptions control collection discovery.
	LoadOptions = collection.Options
)

// Option tweaks runner construction.
type Option = runner.Option

var (
	// WithLogger supplies a custom pslog logger.
	WithLogger = runner.WithLogger
	// WithHTTPClient injects a custom HTTP client.
	WithHTTPClient = runner.WithHTTPClient
	// WithTimeout sets a default per-request timeout.
	WithTimeout = runner.WithTimeout
	// WithPreRequestHook registers a Go hook invoked before each request (logger provided).
	WithPreRequestHook = runner.WithPreRequestHook
	// WithPostRequestHook registers a Go hook invoked after each request (logger provided).
	WithPostRequestHook = runner.WithPostRequestHook
	// WithProcessEnv replaces the source of {{process.env.NAME}} lookups.
	WithProcessEnv = runner.WithProcessEnv
)

// New constructs a Runner.
func New(ctx context.Context, opts ...Option) (Runner, error) {
	return runner.New(ctx, opts...)
}

// Load reads the collection rooted at dir.
func Load(dir string, opts LoadOptions) (Collection, error) {
	return collection.Load(dir, opts)
}

// Run loads dir and executes it in one call.
func Run(ctx context.Context, dir string, opts RunOptions, ropts ...Option) (Report, error) {
	c, err := collection.Load(dir, collection.Options{})
	if err != nil {
		return Report{}, err
	}
	r, err := runner.New(ctx, ropts...)
	if err != nil {
		return Report{}, err
	}
	return r.RunCollection(ctx, c, opts)
}

// Version returns the current module version (best effort).
func Version() string {
	return moduleVersion(modulePath)
}

const modulePath = "pkt.systems/bruci"

var moduleVersion = buildInfoVersion

func buildInfoVersion(path string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}
	if info.Main.Path == path && info.Main.Version != "" {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path == path {
			if dep.Replace != nil && dep.Replace.Version != "" {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}
	return "(devel)"
}
