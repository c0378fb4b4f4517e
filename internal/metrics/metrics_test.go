package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.CyclesStarted.Add(3)
	m.Announced.Add(1)
	SetBool(&m.SessionActive, true)
	m.ObserveDetection(1500 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"alert_cycles_started_total 3",
		"alert_announced_total 1",
		"alert_session_active 1",
		"alert_detection_latency_ms 1500",
		"alert_detection_duration_seconds_count 1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestDecStopsAtZero(t *testing.T) {
	m := New()
	m.SSEClients.Add(1)
	Dec(&m.SSEClients)
	Dec(&m.SSEClients)
	if got := m.SSEClients.Load(); got != 0 {
		t.Fatalf("SSEClients = %d, want 0", got)
	}
}
