package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmitted("EVENT", "HIGH")
	m.RecordSubmitted("EVENT", "HIGH")
	m.RecordDelivery("EMAIL", "SENT")
	m.RecordDelivery("EMAIL", "FAILED")
	m.RecordRetry("EMAIL")
	m.RecordClaims(3)

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"notifications_submitted_total", map[string]string{"type": "EVENT", "priority": "HIGH"}, 2},
		{"notification_deliveries_total", map[string]string{"channel": "EMAIL", "status": "FAILED"}, 1},
		{"notification_retries_total", map[string]string{"channel": "EMAIL"}, 1},
		{"notification_scheduled_claims_total", nil, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := counterValue(t, m, tt.name, tt.labels); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistriesAreIndependent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.RecordRetry("SMS")

	if got := counterValue(t, b, "notification_retries_total", map[string]string{"channel": "SMS"}); got != 0 {
		t.Errorf("second registry saw %v retries", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordDispatch("SENT", 0.2)
	m.ObserveFanout(40)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	for _, name := range []string{"notification_dispatch_duration_seconds", "notification_fanout_recipients", "go_goroutines"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("output missing %s", name)
		}
	}
}
