// Package report holds per-descriptor results, folds them into a collection
// report and renders that report for humans and CI systems.
package report

import (
	"fmt"
	"time"
)

// Outcome of a single descriptor execution.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// Status of a whole collection run.
type Status string

const (
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Stable problem and warning codes.
const (
	CodeNotACollection          = "NOT_A_COLLECTION"
	CodeMalformedDescriptor     = "MALFORMED_DESCRIPTOR"
	CodeCyclicVariableReference = "CYCLIC_VARIABLE_REFERENCE"
	CodeUnknownEnvironment      = "UNKNOWN_ENVIRONMENT"
	CodeNetworkError            = "NETWORK_ERROR"
	CodeAssertionFailure        = "ASSERTION_FAILURE"
	CodeScriptError             = "SCRIPT_ERROR"
	CodeUnresolvedVariable      = "UNRESOLVED_VARIABLE"
	CodeCancelled               = "CANCELLED"
	CodeHookError               = "HOOK_ERROR"
	CodeContractViolation       = "CONTRACT_VIOLATION"
	CodeSetupError              = "SETUP_ERROR"
	CodeAuthError               = "AUTH_ERROR"

	WarnMissingEnvVar   = "MISSING_ENV_VAR"
	WarnEmptyCollection = "EMPTY_COLLECTION"
	WarnParallelOff     = "PARALLEL_DISABLED"
	WarnJumpLimit       = "NEXT_REQUEST_LIMIT"
)

// Problem is a coded error attached to a result or to the whole report.
type Problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

func (p *Problem) Error() string {
	if p.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", p.Code, p.Message, p.Path)
	}
	return fmt.Sprintf("%s: %s", p.Code, p.Message)
}

// Warning is a non-fatal event surfaced in the report.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RequestInfo is what was sent.
type RequestInfo struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ResponseInfo is what came back.
type ResponseInfo struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Size    int               `json:"size"`
}

// AssertionOutcome records one assertion or test() evaluation.
type AssertionOutcome struct {
	Name     string `json:"name"`
	Operator string `json:"operator,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
}

// RunResult is the outcome of executing one descriptor once.
type RunResult struct {
	Name       string             `json:"name"`
	Path       string             `json:"path"`
	Seq        float64            `json:"seq,omitempty"`
	Iteration  int                `json:"iteration"`
	Tags       []string           `json:"tags,omitempty"`
	Outcome    Outcome            `json:"outcome"`
	StartedAt  time.Time          `json:"started_at"`
	Duration   time.Duration      `json:"duration"`
	Request    RequestInfo        `json:"request"`
	Response   *ResponseInfo      `json:"response,omitempty"`
	Assertions []AssertionOutcome `json:"assertions,omitempty"`
	Error      *Problem           `json:"error,omitempty"`
	Console    []string           `json:"console,omitempty"`
}

// FailureMessage returns the first failure reason, if any.
func (r RunResult) FailureMessage() string {
	for _, a := range r.Assertions {
		if !a.Passed {
			if a.Message != "" {
				return a.Message
			}
			return a.Name
		}
	}
	if r.Error != nil {
		return r.Error.Message
	}
	return ""
}

// Latency summarises response times of executed descriptors.
type Latency struct {
	P50  time.Duration `json:"p50"`
	P95  time.Duration `json:"p95"`
	P99  time.Duration `json:"p99"`
	Max  time.Duration `json:"max"`
	Mean time.Duration `json:"mean"`
}

// Report is the result of running one collection against one environment.
type Report struct {
	Collection  string        `json:"collection"`
	Environment string        `json:"environment"`
	Status      Status        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Total       int           `json:"total"`
	Passed      int           `json:"passed"`
	Failed      int           `json:"failed"`
	Errored     int           `json:"errored"`
	Skipped     int           `json:"skipped"`
	Latency     Latency       `json:"latency"`
	Results     []RunResult   `json:"results"`
	Warnings    []Warning     `json:"warnings,omitempty"`
	Problems    []Problem     `json:"problems,omitempty"`
}

// Success reports whether the run passed.
func (r Report) Success() bool { return r.Status == StatusPassed }

// ExitCode maps the report to a process exit code: 0 success, 1 failed or
// cancelled descriptors, 2 setup errors.
func (r Report) ExitCode() int {
	switch r.Status {
	case StatusPassed:
		return 0
	case StatusError:
		return 2
	default:
		return 1
	}
}
