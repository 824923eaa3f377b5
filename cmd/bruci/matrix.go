package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/bruci"
	"pkt.systems/bruci/internal/metrics"
	"pkt.systems/bruci/internal/report"
	"pkt.systems/bruci/internal/suite"
)

func newMatrixCmd() *cobra.Command {
	matrixCmd := &cobra.Command{
		Use:   "matrix [root]",
		Short: "Run collection/environment pairs concurrently",
		Long: `Run every collection/environment pair from a matrix file or --pair flags.
Collection paths are relative to root (default "."). Each pair gets its own
report; the exit code is the worst of all pairs.`,
		Args: cobra.MaximumNArgs(1),
		RunE: matrixE,
	}
	addLoggingFlags(matrixCmd.Flags())
	addRunFlags(matrixCmd)
	addSelectionFlags(matrixCmd)
	matrixCmd.Flags().String("matrix", "", "YAML matrix file (collections × environments, include, exclude)")
	matrixCmd.Flags().StringArray("pair", nil, "Collection:environment pair (repeatable)")
	return matrixCmd
}

func matrixE(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return usageError("%v", err)
	}
	matrixPath, _ := cmd.Flags().GetString("matrix")
	pairFlags, _ := cmd.Flags().GetStringArray("pair")
	suiteTimeout, _ := cmd.Flags().GetDuration("suite-timeout")

	var pairs []suite.Pair
	if matrixPath != "" {
		if pairs, err = suite.LoadMatrix(matrixPath); err != nil {
			return usageError("%v", err)
		}
	}
	for _, raw := range pairFlags {
		p, err := suite.ParsePair(raw)
		if err != nil {
			return usageError("%v", err)
		}
		pairs = append(pairs, p)
	}
	if len(pairs) == 0 {
		return usageError("no pairs: use --matrix or --pair")
	}
	sel, err := selectionFromFlags(cmd)
	if err != nil {
		return usageError("%v", err)
	}

	// pairs share the client, so no cookie jar
	httpClient, err := buildHTTPClient(cfg.Insecure, "", false, "", false, true)
	if err != nil {
		return usageError("http client: %v", err)
	}
	r, err := bruci.New(cmd.Context(), bruci.WithLogger(logger), bruci.WithHTTPClient(httpClient), bruci.WithTimeout(cfg.Timeout))
	if err != nil {
		return usageError("init: %v", err)
	}
	formats := cfg.Reporters
	if len(formats) == 0 {
		formats = []string{"json"}
	}
	opts := suite.Options{
		Run: bruci.RunOptions{
			Vars:              sel.vars,
			Tags:              sel.tags,
			ExcludeTags:       sel.exclude,
			TestsOnly:         sel.testsOnly,
			Bail:              sel.bail,
			Timeout:           cfg.Timeout,
			SuiteTimeout:      suiteTimeout,
			ScriptTimeout:     cfg.ScriptTimeout,
			Delay:             cfg.Delay,
			RequestsPerSecond: cfg.RPS,
		},
		Concurrency: cfg.Concurrency,
		OutputDir:   cfg.OutputDir,
		Formats:     formats,
		Logger:      logger,
	}

	logger.Info("matrix start", "pairs", len(pairs), "concurrency", cfg.Concurrency)
	results := suite.Run(cmd.Context(), r, root, pairs, opts)

	out := outputsFromFlags(cmd, cfg)
	console := report.NewConsoleWriter(cmd.OutOrStdout(), report.WithVerbose(out.verbose), report.WithNoColor(out.noColor))
	reps := make([]report.Report, 0, len(results))
	for _, res := range results {
		if err := console.Write(res.Report); err != nil {
			return err
		}
		for _, file := range res.Files {
			logger.Debug("report written", "pair", res.Pair.String(), "path", file)
		}
		if res.Err != nil {
			logger.Warn("pair finished with error", "pair", res.Pair.String(), "error", res.Err)
		}
		reps = append(reps, res.Report)
	}
	fmt.Fprintln(cmd.OutOrStdout(), matrixSummary(results))

	if cfg.History != "" {
		if err := recordHistory(cmd.Context(), cfg.History, logger, reps...); err != nil {
			return &exitError{code: exitUsage, err: err}
		}
	}
	if cfg.MetricsFile != "" {
		m := metrics.New()
		for _, rep := range reps {
			m.Observe(rep)
		}
		if err := m.WriteFile(cfg.MetricsFile); err != nil {
			return &exitError{code: exitUsage, err: err}
		}
	}
	if code := suite.ExitCode(results); code != exitOK {
		return &exitError{code: code}
	}
	return nil
}

func matrixSummary(results []suite.Result) string {
	var passed, failed, errored int
	for _, r := range results {
		switch r.Report.Status {
		case report.StatusPassed:
			passed++
		case report.StatusFailed:
			failed++
		default:
			errored++
		}
	}
	return fmt.Sprintf("\npairs: %d passed, %d failed, %d errored", passed, failed, errored)
}
