package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/bruci/internal/report"
)

func sampleReport() report.Report {
	results := []report.RunResult{
		{
			Name:     "health",
			Outcome:  report.OutcomePassed,
			Duration: 20 * time.Millisecond,
			Response: &report.ResponseInfo{Status: 200},
			Assertions: []report.AssertionOutcome{
				{Name: "res.status eq 200", Passed: true},
			},
		},
		{
			Name:     "login",
			Outcome:  report.OutcomeFailed,
			Duration: 40 * time.Millisecond,
			Response: &report.ResponseInfo{Status: 500},
			Assertions: []report.AssertionOutcome{
				{Name: "res.status eq 200", Message: "expected 200, got 500"},
				{Name: "res.body isJson", Passed: true},
			},
		},
		{Name: "offline", Outcome: report.OutcomeError},
	}
	rep := report.Aggregate("users", "dev", results, nil)
	rep.StartedAt = time.Unix(1767225600, 0)
	return rep
}

func TestObserve(t *testing.T) {
	e := New()
	e.Observe(sampleReport())

	assert.Equal(t, 1.0, testutil.ToFloat64(e.descriptors.WithLabelValues("users", "dev", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.descriptors.WithLabelValues("users", "dev", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.descriptors.WithLabelValues("users", "dev", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.assertions.WithLabelValues("users", "dev", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.assertions.WithLabelValues("users", "dev", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.statuses.WithLabelValues("users", "dev", "500")))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.runSuccess.WithLabelValues("users", "dev")))
	assert.Equal(t, 1767225600.0, testutil.ToFloat64(e.runStarted.WithLabelValues("users", "dev")))
	assert.Equal(t, 1, testutil.CollectAndCount(e.latency))
}

func TestWriteFile(t *testing.T) {
	e := New()
	e.Observe(sampleReport())
	path := filepath.Join(t.TempDir(), "bruci.prom")
	require.NoError(t, e.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `bruci_descriptors_total{collection="users",environment="dev",outcome="failed"} 1`), text)
	assert.Contains(t, text, "# TYPE bruci_request_duration_seconds summary")
	assert.Contains(t, text, `bruci_run_success{collection="users",environment="dev"} 0`)

	err = e.WriteFile(filepath.Join(t.TempDir(), "missing", "dir", "bruci.prom"))
	assert.Error(t, err)
}
