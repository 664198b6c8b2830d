package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testCollector() *Collector {
	return NewCollector(logrus.NewEntry(logrus.New()))
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape returned %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRecordZoneCreatedAndDestroyedUpdateCounters(t *testing.T) {
	c := testCollector()
	c.RecordZoneCreated()
	c.RecordZoneCreated()
	c.RecordZoneDestroyed()

	body := scrape(t, c)
	if !strings.Contains(body, "kratad_zones_created_total 2") {
		t.Fatalf("expected created counter at 2, body:\n%s", body)
	}
	if !strings.Contains(body, "kratad_zones_destroyed_total 1") {
		t.Fatalf("expected destroyed counter at 1, body:\n%s", body)
	}
	if !strings.Contains(body, "kratad_zones_active 1") {
		t.Fatalf("expected active gauge at 1 (2 created - 1 destroyed), body:\n%s", body)
	}
}

func TestRecordErrorsIncrementCounters(t *testing.T) {
	c := testCollector()
	c.RecordZoneCreateError()
	c.RecordZoneDestroyError()
	c.RecordZoneDestroyError()

	body := scrape(t, c)
	if !strings.Contains(body, "kratad_zone_create_errors_total 1") {
		t.Fatalf("expected 1 create error, body:\n%s", body)
	}
	if !strings.Contains(body, "kratad_zone_destroy_errors_total 2") {
		t.Fatalf("expected 2 destroy errors, body:\n%s", body)
	}
}

func TestObserveReconcileAndIdmRequestRecordSamples(t *testing.T) {
	c := testCollector()
	c.ObserveReconcile(50 * time.Millisecond)
	c.ObserveIdmRequest(10 * time.Millisecond)

	body := scrape(t, c)
	if !strings.Contains(body, "kratad_reconcile_duration_seconds_count 1") {
		t.Fatalf("expected 1 reconcile observation, body:\n%s", body)
	}
	if !strings.Contains(body, "kratad_idm_request_duration_seconds_count 1") {
		t.Fatalf("expected 1 idm observation, body:\n%s", body)
	}
}

func TestSetNatActiveEntriesLabelsByProtocol(t *testing.T) {
	c := testCollector()
	c.SetNatActiveEntries("tcp", 4)
	c.SetNatActiveEntries("udp", 2)

	body := scrape(t, c)
	if !strings.Contains(body, `kratad_nat_active_entries{proto="tcp"} 4`) {
		t.Fatalf("expected tcp gauge at 4, body:\n%s", body)
	}
	if !strings.Contains(body, `kratad_nat_active_entries{proto="udp"} 2`) {
		t.Fatalf("expected udp gauge at 2, body:\n%s", body)
	}
}
