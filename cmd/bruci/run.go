package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/bruci"
	"pkt.systems/bruci/internal/collection"
	"pkt.systems/bruci/internal/config"
	"pkt.systems/bruci/internal/history"
	"pkt.systems/bruci/internal/metrics"
	"pkt.systems/bruci/internal/report"
	"pkt.systems/bruci/internal/suite"
	"pkt.systems/pslog"
)

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [collection|file]",
		Short: "Execute a collection or a single .bru file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runE,
	}

	addLoggingFlags(runCmd.Flags())
	addRunFlags(runCmd)
	addSelectionFlags(runCmd)
	runCmd.Flags().Bool("parallel", false, "Run descriptors concurrently when the collection has no scripts")
	runCmd.Flags().StringP("output", "o", "", "Write the report to file (see --format)")
	runCmd.Flags().String("reporter-json", "", "Write JSON report to path")
	runCmd.Flags().String("reporter-junit", "", "Write JUnit XML report to path")
	runCmd.Flags().String("reporter-html", "", "Write HTML report to path")
	runCmd.Flags().String("csv-file-path", "", "Path to CSV dataset for data-driven iterations")
	runCmd.Flags().String("json-file-path", "", "Path to JSON dataset for data-driven iterations")
	runCmd.Flags().Int("iteration-count", 0, "Execute the collection this many times (default 1)")
	runCmd.Flags().String("cacert", "", "Path to custom CA certificate (PEM)")
	runCmd.Flags().Bool("ignore-truststore", false, "Use only the provided CA certificate")
	runCmd.Flags().String("client-cert-config", "", "Path to client certificate config JSON {\"cert\":\"\",\"key\":\"\"}")
	runCmd.Flags().Bool("noproxy", false, "Disable proxy (ignore environment)")
	runCmd.Flags().Bool("disable-cookies", false, "Do not store/send cookies between requests")
	runCmd.Flags().String("run-pre-request", "", "Executable (with args) to run before each request")
	runCmd.Flags().String("run-post-request", "", "Executable (with args) to run after each request")
	runCmd.Flags().BoolP("watch", "w", false, "Re-run when files in the collection change")

	return runCmd
}

// addRunFlags registers the flags shared by run and matrix. Their names match
// the config keys so bruci.yaml and BRUCI_* can supply them.
func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("env", "", "Environment name or path to an environment .bru file")
	f.Duration("timeout", config.DefaultTimeout, "Per-request timeout")
	f.Duration("suite-timeout", 0, "Bound the whole run (0 disables)")
	f.Duration("script-timeout", config.DefaultScriptTimeout, "Interrupt scripts running longer than this")
	f.Duration("delay", 0, "Delay between requests")
	f.Float64("rps", 0, "Limit outgoing requests per second (0 disables)")
	f.Int("concurrency", 0, "Maximum concurrent requests (run --parallel) or pairs (matrix)")
	f.StringSliceP("format", "f", nil, "Report formats: json,junit,html")
	f.String("output-dir", "", "Write <collection>-<environment>.<ext> reports here")
	f.Bool("reporter-skip-all-headers", false, "Omit headers from reporter outputs")
	f.StringSlice("reporter-skip-headers", nil, "Skip specific headers (case-insensitive) from reporter outputs")
	f.Bool("insecure", false, "Skip TLS verification")
	f.String("history", "", "Record runs in this SQLite database")
	f.String("metrics-file", "", "Write Prometheus textfile metrics to path")
	f.Bool("verbose", false, "Print console output and passed assertions")
	f.Bool("no-color", false, "Disable colored output")
}

// loadConfig merges bruci.yaml, BRUCI_* and explicit flags, then applies a
// configured log level unless --log-level or LOG_LEVEL already chose one.
func loadConfig(cmd *cobra.Command) (config.Config, pslog.Logger, error) {
	logger := loggerFromCmd(cmd)
	l := config.New()
	if err := l.BindFlags(cmd.Flags()); err != nil {
		return config.Config{}, logger, err
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := l.Load(path, ".")
	if err != nil {
		return config.Config{}, logger, err
	}
	if file := l.ConfigFile(); file != "" {
		logger.Debug("config loaded", "file", file)
	}
	levelFlag := cmd.Flags().Lookup("log-level")
	if cfg.LogLevel != "" && (levelFlag == nil || !levelFlag.Changed) && os.Getenv("LOG_LEVEL") == "" {
		lvl, ok := pslog.ParseLevel(cfg.LogLevel)
		if !ok {
			return config.Config{}, logger, fmt.Errorf("unknown level %q", cfg.LogLevel)
		}
		logger = logger.LogLevel(lvl)
	}
	return cfg, logger, nil
}

// outputs describes where a finished report goes.
type outputs struct {
	output        string
	reporterJSON  string
	reporterJUnit string
	reporterHTML  string
	skipAll       bool
	skipHeaders   []string
	verbose       bool
	noColor       bool
	cfg           config.Config
}

func outputsFromFlags(cmd *cobra.Command, cfg config.Config) outputs {
	f := cmd.Flags()
	o := outputs{cfg: cfg}
	o.output, _ = f.GetString("output")
	o.reporterJSON, _ = f.GetString("reporter-json")
	o.reporterJUnit, _ = f.GetString("reporter-junit")
	o.reporterHTML, _ = f.GetString("reporter-html")
	o.skipAll, _ = f.GetBool("reporter-skip-all-headers")
	o.skipHeaders, _ = f.GetStringSlice("reporter-skip-headers")
	o.verbose, _ = f.GetBool("verbose")
	o.noColor, _ = f.GetBool("no-color")
	return o
}

func runE(cmd *cobra.Command, args []string) error {
	target := "."
	if len(args) > 0 {
		target = args[0]
	}
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return usageError("%v", err)
	}

	f := cmd.Flags()
	parallel, _ := f.GetBool("parallel")
	suiteTimeout, _ := f.GetDuration("suite-timeout")
	csvPath, _ := f.GetString("csv-file-path")
	jsonPath, _ := f.GetString("json-file-path")
	iterCount, _ := f.GetInt("iteration-count")
	cacert, _ := f.GetString("cacert")
	ignoreTS, _ := f.GetBool("ignore-truststore")
	clientCertPath, _ := f.GetString("client-cert-config")
	noProxy, _ := f.GetBool("noproxy")
	disableCookies, _ := f.GetBool("disable-cookies")
	preHookCmd, _ := f.GetString("run-pre-request")
	postHookCmd, _ := f.GetString("run-post-request")
	watch, _ := f.GetBool("watch")

	if csvPath != "" && jsonPath != "" {
		return usageError("choose either --csv-file-path or --json-file-path")
	}
	if iterCount < 0 {
		return usageError("--iteration-count must be >= 0, got %d", iterCount)
	}
	sel, err := selectionFromFlags(cmd)
	if err != nil {
		return usageError("%v", err)
	}

	httpClient, err := buildHTTPClient(cfg.Insecure, cacert, ignoreTS, clientCertPath, noProxy, disableCookies)
	if err != nil {
		return usageError("http client: %v", err)
	}

	r, err := bruci.New(cmd.Context(), bruci.WithLogger(logger), bruci.WithHTTPClient(httpClient), bruci.WithTimeout(cfg.Timeout))
	if err != nil {
		return usageError("init: %v", err)
	}

	opts := bruci.RunOptions{
		Environment:       cfg.Environment,
		Vars:              sel.vars,
		Tags:              sel.tags,
		ExcludeTags:       sel.exclude,
		TestsOnly:         sel.testsOnly,
		Bail:              sel.bail,
		CSVFilePath:       csvPath,
		JSONFilePath:      jsonPath,
		IterationCount:    iterCount,
		Parallel:          parallel,
		Concurrency:       cfg.Concurrency,
		Timeout:           cfg.Timeout,
		SuiteTimeout:      suiteTimeout,
		ScriptTimeout:     cfg.ScriptTimeout,
		Delay:             cfg.Delay,
		RequestsPerSecond: cfg.RPS,
		PreHookCmd:        splitCmd(preHookCmd),
		PostHookCmd:       splitCmd(postHookCmd),
	}
	out := outputsFromFlags(cmd, cfg)

	once := func(ctx context.Context) (int, error) {
		rep := runTarget(ctx, r, target, opts, logger)
		if err := out.emit(ctx, cmd, logger, rep); err != nil {
			return exitUsage, err
		}
		return rep.ExitCode(), nil
	}

	code, err := once(cmd.Context())
	if err != nil {
		return &exitError{code: code, err: err}
	}
	if watch {
		code, err = watchAndRun(cmd.Context(), watchRoot(target), logger, once)
		if err != nil {
			return &exitError{code: exitUsage, err: err}
		}
	}
	if code != exitOK {
		return &exitError{code: code}
	}
	return nil
}

// runTarget executes a collection directory or a single descriptor inside
// one. Setup failures come back as an errored report.
func runTarget(ctx context.Context, r bruci.Runner, target string, opts bruci.RunOptions, logger pslog.Base) report.Report {
	c, err := loadTarget(target)
	if err != nil {
		code := report.CodeSetupError
		if errors.Is(err, collection.ErrNotACollection) {
			code = report.CodeNotACollection
		}
		logger.Error("load collection", "path", target, "code", code, "error", err)
		return report.Errored(filepath.Base(target), opts.Environment, report.Problem{Code: code, Message: err.Error(), Path: target})
	}
	rep, err := r.RunCollection(ctx, c, opts)
	if err != nil {
		logger.Debug("run returned error", "error", err)
	}
	return rep
}

func loadTarget(target string) (collection.Collection, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return collection.Collection{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return collection.Collection{}, err
	}
	if info.IsDir() {
		return collection.Load(abs)
	}
	dir := filepath.Dir(abs)
	c := collection.Collection{Name: filepath.Base(dir), Dir: dir}
	for d := dir; ; d = filepath.Dir(d) {
		if collection.IsCollection(d) {
			if c, err = collection.Load(d); err != nil {
				return collection.Collection{}, err
			}
			break
		}
		if filepath.Dir(d) == d {
			break
		}
	}
	c.Descriptors = []string{abs}
	return c, nil
}

func watchRoot(target string) string {
	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		return filepath.Dir(target)
	}
	return target
}

// emit prints the console summary and writes every requested report, history
// record and metrics file.
func (o outputs) emit(ctx context.Context, cmd *cobra.Command, logger pslog.Base, rep report.Report) error {
	if err := report.NewConsoleWriter(cmd.OutOrStdout(), report.WithVerbose(o.verbose), report.WithNoColor(o.noColor)).Write(rep); err != nil {
		return err
	}
	filtered := report.FilterHeaders(rep, o.skipAll, o.skipHeaders)

	type target struct{ format, path string }
	var targets []target
	if o.output != "" {
		format := "json"
		if len(o.cfg.Reporters) > 0 {
			format = o.cfg.Reporters[0]
		}
		targets = append(targets, target{format, o.output})
	}
	if o.reporterJSON != "" {
		targets = append(targets, target{"json", o.reporterJSON})
	}
	if o.reporterJUnit != "" {
		targets = append(targets, target{"junit", o.reporterJUnit})
	}
	if o.reporterHTML != "" {
		targets = append(targets, target{"html", o.reporterHTML})
	}
	if o.cfg.OutputDir != "" {
		formats := o.cfg.Reporters
		if len(formats) == 0 {
			formats = []string{"json"}
		}
		pair := suite.Pair{Collection: rep.Collection, Environment: rep.Environment}
		for _, format := range formats {
			targets = append(targets, target{format, filepath.Join(o.cfg.OutputDir, suite.OutputName(pair, format))})
		}
	}
	for _, t := range targets {
		if err := report.WriteFile(t.format, t.path, filtered); err != nil {
			return fmt.Errorf("write %s report: %w", t.format, err)
		}
		logger.Debug("report written", "format", t.format, "path", t.path)
	}

	if o.cfg.History != "" {
		if err := recordHistory(ctx, o.cfg.History, logger, rep); err != nil {
			return err
		}
	}
	if o.cfg.MetricsFile != "" {
		m := metrics.New()
		m.Observe(rep)
		if err := m.WriteFile(o.cfg.MetricsFile); err != nil {
			return err
		}
		logger.Debug("metrics written", "path", o.cfg.MetricsFile)
	}
	return nil
}

func recordHistory(ctx context.Context, path string, logger pslog.Base, reps ...report.Report) error {
	store, err := history.Open(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()
	for _, rep := range reps {
		run, err := store.Record(ctx, rep)
		if err != nil {
			return err
		}
		logger.Debug("run recorded", "id", run.ID, "collection", run.Collection, "environment", run.Environment)
	}
	return nil
}

// addSelectionFlags registers the variable overrides and descriptor filters
// shared by run and matrix.
func addSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringArray("env-var", nil, "Override a variable (key=value)")
	cmd.Flags().StringArray("var", nil, "Override a variable (alias for --env-var)")
	cmd.Flags().StringSlice("tags", nil, "Only run descriptors with these tags")
	cmd.Flags().StringSlice("exclude-tags", nil, "Skip descriptors with these tags")
	cmd.Flags().Bool("tests-only", false, "Only run descriptors that define tests or asserts")
	cmd.Flags().Bool("bail", false, "Stop after the first failure")
}

type selection struct {
	vars      map[string]string
	tags      []string
	exclude   []string
	testsOnly bool
	bail      bool
}

func selectionFromFlags(cmd *cobra.Command) (selection, error) {
	f := cmd.Flags()
	varsList, _ := f.GetStringArray("var")
	envVarList, _ := f.GetStringArray("env-var")
	vars, err := parseVars(append(varsList, envVarList...))
	if err != nil {
		return selection{}, err
	}
	sel := selection{vars: vars}
	sel.tags, _ = f.GetStringSlice("tags")
	sel.exclude, _ = f.GetStringSlice("exclude-tags")
	sel.testsOnly, _ = f.GetBool("tests-only")
	sel.bail, _ = f.GetBool("bail")
	return sel, nil
}

func parseVars(list []string) (map[string]string, error) {
	vars := map[string]string{}
	for _, kv := range list {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid variable %q, want key=value", kv)
		}
		vars[strings.TrimSpace(k)] = v
	}
	return vars, nil
}

func buildHTTPClient(insecure bool, cacert string, ignoreTS bool, clientCertPath string, noProxy bool, disableCookies bool) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: insecure} //nolint:gosec // user opted in

	if cacert != "" {
		pemData, err := os.ReadFile(cacert)
		if err != nil {
			return nil, fmt.Errorf("read cacert: %w", err)
		}
		var pool *x509.CertPool
		if ignoreTS {
			pool = x509.NewCertPool()
		} else {
			pool, err = x509.SystemCertPool()
			if err != nil {
				pool = x509.NewCertPool()
			}
		}
		if ok := pool.AppendCertsFromPEM(pemData); !ok {
			return nil, fmt.Errorf("no certificates found in %s", cacert)
		}
		tlsConfig.RootCAs = pool
	}

	if clientCertPath != "" {
		cfgBytes, err := os.ReadFile(clientCertPath)
		if err != nil {
			return nil, fmt.Errorf("read client-cert-config: %w", err)
		}
		certPath, keyPath, err := parseClientCertConfig(clientCertPath, cfgBytes)
		if err != nil {
			return nil, err
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	tr := &http.Transport{
		TLSClientConfig: tlsConfig,
	}
	if !noProxy {
		tr.Proxy = http.ProxyFromEnvironment
	}

	// per-request deadlines come from the runner's context
	client := &http.Client{Transport: tr}
	if !disableCookies {
		if jar, err := cookiejar.New(nil); err == nil {
			client.Jar = jar
		}
	}
	return client, nil
}

func parseClientCertConfig(configPath string, raw []byte) (certPath, keyPath string, err error) {
	var simple struct {
		Cert string `json:"cert"`
		Key  string `json:"key"`
	}
	if err := json.Unmarshal(raw, &simple); err == nil && simple.Cert != "" && simple.Key != "" {
		return resolveRelative(configPath, simple.Cert), resolveRelative(configPath, simple.Key), nil
	}
	// Bruno app format: {enabled, certs:[{domain,type,certFilePath,keyFilePath,pfxFilePath,passphrase}]}
	var bru struct {
		Enabled bool `json:"enabled"`
		Certs   []struct {
			Domain       string `json:"domain"`
			Type         string `json:"type"`
			CertFilePath string `json:"certFilePath"`
			KeyFilePath  string `json:"keyFilePath"`
			PFXFilePath  string `json:"pfxFilePath"`
		} `json:"certs"`
	}
	if err := json.Unmarshal(raw, &bru); err == nil {
		for _, c := range bru.Certs {
			ctype := strings.ToLower(c.Type)
			if ctype == "" || ctype == "cert" {
				if c.CertFilePath == "" || c.KeyFilePath == "" {
					continue
				}
				return resolveRelative(configPath, c.CertFilePath), resolveRelative(configPath, c.KeyFilePath), nil
			}
		}
	}
	return "", "", fmt.Errorf("client-cert-config requires cert/key")
}

func resolveRelative(cfgPath, target string) string {
	if filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(filepath.Dir(cfgPath), target)
}

func splitCmd(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
