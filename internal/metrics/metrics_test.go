package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"evdetect/internal/pipeline"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest(120*time.Millisecond, nil)
	m.ObserveRequest(15*time.Second, pipeline.NewError(pipeline.KindTimeout, "Request timed out", nil))
	m.ObserveRequest(time.Millisecond, errors.New("plain"))
	m.ObserveStale()

	if m.Requests.Load() != 3 || m.Failures.Load() != 2 || m.Stale.Load() != 1 {
		t.Errorf("unexpected counters requests=%d failures=%d stale=%d", m.Requests.Load(), m.Failures.Load(), m.Stale.Load())
	}

	out := scrape(t, m)
	for _, want := range []string{
		"evdetect_requests_total 3",
		`evdetect_request_failures_by_kind_total{kind="timeout"} 1`,
		`evdetect_request_failures_by_kind_total{kind="unknown"} 1`,
		"evdetect_stale_responses_total 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in scrape output", want)
		}
	}
}

func TestResultsAndScheduler(t *testing.T) {
	m := New()
	m.OnDetectionResult(context.Background(), &pipeline.DetectionResult{Class: pipeline.VehicleClassEmergency})
	m.OnDetectionResult(context.Background(), &pipeline.DetectionResult{Class: pipeline.VehicleClassRegular})
	m.OnDetectionResult(context.Background(), &pipeline.DetectionResult{Class: pipeline.VehicleClassRegular})
	m.AlertFired()

	m.TrackScheduler(func() pipeline.SchedulerStats {
		return pipeline.SchedulerStats{Ticks: 10, Skipped: 4, Running: true}
	})

	out := scrape(t, m)
	for _, want := range []string{
		"evdetect_emergency_detections_total 1",
		"evdetect_regular_detections_total 2",
		"evdetect_alerts_total 1",
		"evdetect_stream_ticks_total 10",
		"evdetect_stream_ticks_skipped_total 4",
		"evdetect_streaming_active 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in scrape output", want)
		}
	}
}
