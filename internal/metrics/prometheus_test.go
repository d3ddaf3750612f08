package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInitRegistersAndSetsGlobal(t *testing.T) {
	m := Init("conserver_test_init")
	if m == nil {
		t.Fatal("Init returned nil")
	}
	if Global() != m {
		t.Fatal("Global() should return the instance Init just built")
	}
}

func TestRecordersDoNotPanic(t *testing.T) {
	m := Init("conserver_test_record")

	m.RecordChainRun("c1", "success", 12)
	m.RecordLinkOutcome("c1", "tag", "continue")
	m.RecordStorageSave("postgres", 5, true)
	m.RecordStorageSave("postgres", 5, false)
	m.RecordEgressPush("eg1", true)
	m.SetDLQDepth("in1", 3)
	m.RecordDLQEntry("in1", "link_failure")
	m.RecordDLQReprocess("in1", 2)
	m.RecordIngressAdmission("in1", "enqueued")
	m.SetActiveWorkers("c1", 4)
}

func TestRecordersToleratNilReceiver(t *testing.T) {
	var m *Metrics
	m.RecordChainRun("c1", "success", 12)
	m.RecordLinkOutcome("c1", "tag", "continue")
	m.RecordStorageSave("postgres", 5, true)
	m.RecordEgressPush("eg1", true)
	m.SetDLQDepth("in1", 3)
	m.RecordDLQEntry("in1", "link_failure")
	m.RecordDLQReprocess("in1", 2)
	m.RecordIngressAdmission("in1", "enqueued")
	m.SetActiveWorkers("c1", 4)
}

func TestHandlerServesPrometheusText(t *testing.T) {
	m := Init("conserver_test_handler")
	m.RecordChainRun("c1", "success", 42)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}

func TestHandlerOnNilMetricsReturnsServiceUnavailable(t *testing.T) {
	var m *Metrics
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}
