package perf

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-tax/internal/jobs"
	"github.com/odyssey-erp/odyssey-tax/jobs"
)

func TestClosingJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	svc := loadedServices(t, 300, metrics)
	job := jobs.NewClosingGenerateJob(svc.Reports, svc.Generator, nil, metrics)

	months := []struct{ from, to string }{
		{"2024-01-01", "2024-01-31"},
		{"2024-02-01", "2024-02-29"},
		{"2024-03-01", "2024-03-31"},
	}
	for _, m := range months {
		task, err := jobs.NewClosingGenerateTask(jobs.ClosingGeneratePayload{
			ReportID:   "1",
			DateFrom:   m.from,
			DateTo:     m.to,
			CompanyIDs: []int64{1},
		})
		require.NoError(t, err)
		require.NoError(t, job.Handle(context.Background(), task))
	}

	// A payload the job cannot resolve counts as a failed run.
	bad, err := jobs.NewClosingGenerateTask(jobs.ClosingGeneratePayload{
		ReportID:   "404",
		DateFrom:   "2024-01-01",
		DateTo:     "2024-01-31",
		CompanyIDs: []int64{1},
	})
	require.NoError(t, err)
	require.Error(t, job.Handle(context.Background(), bad))

	families, err := reg.Gather()
	require.NoError(t, err)

	success := metricValue(t, families, "odyssey_jobs_total", map[string]string{"job": jobs.TaskClosingGenerate, "status": "success"})
	failure := metricValue(t, families, "odyssey_jobs_total", map[string]string{"job": jobs.TaskClosingGenerate, "status": "failure"})
	if success != 3 || failure != 1 {
		t.Fatalf("unexpected closing runs: success=%v failure=%v", success, failure)
	}
	moves := metricValue(t, families, "odyssey_tax_closing_moves_total", map[string]string{"company": "1"})
	if moves != 3 {
		t.Fatalf("expected one closing move per month, got %v", moves)
	}

	mean := histogramMean(t, families, "odyssey_job_duration_seconds", map[string]string{"job": jobs.TaskClosingGenerate})
	if mean > (2 * time.Second).Seconds() {
		t.Fatalf("closing run duration above budget: %f", mean)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
