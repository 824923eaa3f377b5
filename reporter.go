package bruci

import (
	"io"

	"pkt.systems/bruci/internal/report"
)

type (
	// Report is the aggregated outcome of one collection run.
	Report = report.Report
	// RunResult is the outcome of one descriptor execution.
	RunResult = report.RunResult
	// RequestInfo records the request as sent.
	RequestInfo = report.RequestInfo
	// ResponseInfo records the response as received.
	ResponseInfo = report.ResponseInfo
	// AssertionOutcome is one evaluated assertion or test.
	AssertionOutcome = report.AssertionOutcome
	// Problem is a coded error attached to a result or a report.
	Problem = report.Problem
	// Warning is a non-fatal diagnostic.
	Warning = report.Warning
)

// Outcomes and run statuses.
const (
	OutcomePassed  = report.OutcomePassed
	OutcomeFailed  = report.OutcomeFailed
	OutcomeError   = report.OutcomeError
	OutcomeSkipped = report.OutcomeSkipped

	StatusPassed    = report.StatusPassed
	StatusFailed    = report.StatusFailed
	StatusError     = report.StatusError
	StatusCancelled = report.StatusCancelled
)

// Formats lists the supported report formats.
func Formats() []string { return append([]string(nil), report.Formats...) }

// FilterReportHeaders removes headers from a report when requested and masks
// credentials in the rest.
func FilterReportHeaders(rep Report, skipAll bool, skip []string) Report {
	return report.FilterHeaders(rep, skipAll, skip)
}

// WriteReport writes rep to path in format (json, junit or html).
func WriteReport(format, path string, rep Report) error {
	return report.WriteFile(format, path, rep)
}

// EncodeReport writes rep to w in format.
func EncodeReport(format string, w io.Writer, rep Report) error {
	return report.Encode(format, w, rep)
}
