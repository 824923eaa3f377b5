package report

import (
	"slices"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Aggregate folds results into a Report. It performs no I/O; identical input
// yields an identical report.
func Aggregate(collection, environment string, results []RunResult, warnings []Warning, problems ...Problem) Report {
	rep := Report{
		Collection:  collection,
		Environment: environment,
		Results:     slices.Clone(results),
		Problems:    slices.Clone(problems),
		Total:       len(results),
	}
	for _, w := range warnings {
		if !slices.Contains(rep.Warnings, w) {
			rep.Warnings = append(rep.Warnings, w)
		}
	}

	// 1us to 60s, 3 significant digits
	hist := hdrhistogram.New(1, 60_000_000, 3)
	cancelled := false
	var first, last time.Time
	for _, r := range results {
		switch r.Outcome {
		case OutcomePassed:
			rep.Passed++
		case OutcomeFailed:
			rep.Failed++
		case OutcomeError:
			rep.Errored++
		case OutcomeSkipped:
			rep.Skipped++
		}
		if r.Error != nil && r.Error.Code == CodeCancelled {
			cancelled = true
		}
		if r.Response != nil {
			_ = hist.RecordValue(min(max(r.Duration.Microseconds(), 1), 60_000_000))
		}
		if r.StartedAt.IsZero() {
			continue
		}
		if first.IsZero() || r.StartedAt.Before(first) {
			first = r.StartedAt
		}
		if end := r.StartedAt.Add(r.Duration); end.After(last) {
			last = end
		}
	}
	rep.StartedAt = first
	if !first.IsZero() {
		rep.Duration = last.Sub(first)
	}
	if hist.TotalCount() > 0 {
		rep.Latency = Latency{
			P50:  time.Duration(hist.ValueAtQuantile(50)) * time.Microsecond,
			P95:  time.Duration(hist.ValueAtQuantile(95)) * time.Microsecond,
			P99:  time.Duration(hist.ValueAtQuantile(99)) * time.Microsecond,
			Max:  time.Duration(hist.Max()) * time.Microsecond,
			Mean: time.Duration(hist.Mean()) * time.Microsecond,
		}
	}

	switch {
	case len(rep.Problems) > 0:
		rep.Status = StatusError
	case cancelled:
		rep.Status = StatusCancelled
	case rep.Failed > 0 || rep.Errored > 0:
		rep.Status = StatusFailed
	default:
		rep.Status = StatusPassed
	}
	if rep.Total == 0 && len(rep.Problems) == 0 {
		w := Warning{Code: WarnEmptyCollection, Message: "collection has no request descriptors"}
		if !slices.Contains(rep.Warnings, w) {
			rep.Warnings = append(rep.Warnings, w)
		}
	}
	return rep
}

// Errored builds a report for a run that could not start.
func Errored(collection, environment string, p Problem) Report {
	return Aggregate(collection, environment, nil, nil, p)
}
