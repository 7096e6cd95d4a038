package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名・ラベルのメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

func TestNewCollector_ReturnsNonNil(t *testing.T) {
	if c := NewCollector(prometheus.NewRegistry()); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

func TestListingCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordListingCreated()
	c.RecordListingCreated()
	c.RecordListingDeleted()
	c.RecordDecodeFailure()

	if v := findMetric(t, reg, "carmarket_listings_created_total", nil).GetCounter().GetValue(); v != 2 {
		t.Errorf("listings_created_total = %v, want 2", v)
	}
	if v := findMetric(t, reg, "carmarket_listings_deleted_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("listings_deleted_total = %v, want 1", v)
	}
	if v := findMetric(t, reg, "carmarket_listing_decode_fail_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("decode_fail_total = %v, want 1", v)
	}
}

func TestImageCounters_ByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordImageUpload(true)
	c.RecordImageUpload(false)
	c.RecordImageUpload(true)
	c.RecordImageDelete(false)

	if v := findMetric(t, reg, "carmarket_image_uploads_total", map[string]string{"result": "success"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("uploads success = %v, want 2", v)
	}
	if v := findMetric(t, reg, "carmarket_image_uploads_total", map[string]string{"result": "failure"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("uploads failure = %v, want 1", v)
	}
	if v := findMetric(t, reg, "carmarket_image_deletes_total", map[string]string{"result": "failure"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("deletes failure = %v, want 1", v)
	}
}

func TestRecordAuthEventAndHTTPStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAuthEvent(AuthEventSignIn)
	c.RecordAuthEvent(AuthEventSignInFailed)
	c.RecordHTTPStatus(303)
	c.RecordHTTPStatus(303)

	if v := findMetric(t, reg, "carmarket_auth_events_total", map[string]string{"event": "sign_in_failed"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("auth sign_in_failed = %v, want 1", v)
	}
	if v := findMetric(t, reg, "carmarket_http_status_total", map[string]string{"status_code": "303"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("http_status 303 = %v, want 2", v)
	}
}

func TestRecordFetchLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetchLatency(150 * time.Millisecond)

	h := findMetric(t, reg, "carmarket_listing_fetch_latency_seconds", nil).GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", h.GetSampleCount())
	}
	if h.GetSampleSum() < 0.149 || h.GetSampleSum() > 0.151 {
		t.Errorf("sample sum = %v, want ~0.15", h.GetSampleSum())
	}
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewCollector(reg)
}
