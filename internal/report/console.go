package report

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
)

// ConsoleWriter prints a colored, human-oriented run summary.
type ConsoleWriter struct {
	w       io.Writer
	verbose bool
	noColor bool
}

type ConsoleOption func(*ConsoleWriter)

// WithVerbose also prints console.log output and passed assertions.
func WithVerbose(v bool) ConsoleOption {
	return func(c *ConsoleWriter) { c.verbose = v }
}

// WithNoColor disables ANSI colors for this writer.
func WithNoColor(nc bool) ConsoleOption {
	return func(c *ConsoleWriter) { c.noColor = nc }
}

func NewConsoleWriter(w io.Writer, opts ...ConsoleOption) *ConsoleWriter {
	c := &ConsoleWriter{w: w}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ConsoleWriter) paint(attrs ...color.Attribute) func(a ...any) string {
	col := color.New(attrs...)
	if c.noColor {
		col.DisableColor()
	} else {
		col.EnableColor()
	}
	return col.SprintFunc()
}

// Write renders rep.
func (c *ConsoleWriter) Write(rep Report) error {
	green := c.paint(color.FgGreen)
	red := c.paint(color.FgRed)
	yellow := c.paint(color.FgYellow)
	cyan := c.paint(color.FgCyan)
	bold := c.paint(color.Bold)

	fmt.Fprintf(c.w, "\n%s\n\n", bold(fmt.Sprintf("%s (%s)", rep.Collection, rep.Environment)))
	for _, p := range rep.Problems {
		fmt.Fprintf(c.w, "  %s %s: %s\n", red("x"), p.Code, p.Message)
	}
	for _, r := range rep.Results {
		switch r.Outcome {
		case OutcomeSkipped:
			reason := ""
			if r.Error != nil {
				reason = " (" + r.Error.Message + ")"
			}
			fmt.Fprintf(c.w, "  %s %s%s\n", yellow("-"), r.Name, reason)
			continue
		case OutcomeError:
			code := ""
			if r.Error != nil {
				code = r.Error.Code + ": "
			}
			fmt.Fprintf(c.w, "  %s %s %s\n", red("x"), r.Name, red("("+code+r.FailureMessage()+")"))
			continue
		}
		symbol := green("✓")
		if r.Outcome == OutcomeFailed {
			symbol = red("✗")
		}
		status := ""
		if r.Response != nil {
			status = fmt.Sprintf("%d ", r.Response.Status)
		}
		fmt.Fprintf(c.w, "  %s %s %s\n", symbol, r.Name, cyan(fmt.Sprintf("(%s%dms)", status, r.Duration.Milliseconds())))
		for _, a := range r.Assertions {
			if a.Passed && !c.verbose {
				continue
			}
			mark := green("✓")
			if !a.Passed {
				mark = red("→")
			}
			fmt.Fprintf(c.w, "    %s %s", mark, a.Name)
			if a.Message != "" && !a.Passed {
				fmt.Fprintf(c.w, ": %s", a.Message)
			}
			fmt.Fprintln(c.w)
		}
		if c.verbose {
			for _, line := range r.Console {
				fmt.Fprintf(c.w, "    | %s\n", line)
			}
		}
	}
	for _, w := range rep.Warnings {
		fmt.Fprintf(c.w, "  %s %s: %s\n", yellow("!"), w.Code, w.Message)
	}

	statusText := green(string(rep.Status))
	if !rep.Success() {
		statusText = red(string(rep.Status))
	}
	fmt.Fprintf(c.w, "\n%s  total %d, passed %d, failed %d, errored %d, skipped %d in %s (p50 %s, p95 %s, p99 %s)\n",
		statusText, rep.Total, rep.Passed, rep.Failed, rep.Errored, rep.Skipped,
		rep.Duration.Round(time.Millisecond), rep.Latency.P50, rep.Latency.P95, rep.Latency.P99)
	return nil
}
