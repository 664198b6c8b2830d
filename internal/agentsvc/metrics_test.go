package agentsvc

import (
	"strings"
	"testing"
)

func TestCollectMetricsFormat(t *testing.T) {
	a := New(Config{}, testLogEntry())
	out := string(a.collectMetrics())
	for _, field := range []string{"uptime=", "mem_total_kb=", "mem_available_kb=", "load1="} {
		if !strings.Contains(out, field) {
			t.Fatalf("metrics snapshot %q missing field %q", out, field)
		}
	}
}

func TestReadFirstFieldMissingFileDefaultsToZero(t *testing.T) {
	if got := readFirstField("/nonexistent/path"); got != "0" {
		t.Fatalf("got %q, want 0", got)
	}
}

func TestReadMeminfoOnLiveProcDoesNotPanic(t *testing.T) {
	total, available := readMeminfo()
	// On a real Linux host /proc/meminfo exists, so this should report
	// something nonzero; this just checks the call doesn't panic or
	// error and returns a sane shape.
	if total == 0 && available == 0 {
		t.Log("meminfo reported all zeros, likely running without /proc")
	}
}
