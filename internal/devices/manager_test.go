package devices

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/krata-zone/kratad/internal/krataerr"
	"github.com/krata-zone/kratad/internal/model"
)

func testManager() *Manager {
	catalog := map[string]PciConfig{
		"gpu0": {Locations: []string{"0000:01:00.0"}},
		"nic0": {Locations: []string{"0000:02:00.0"}},
	}
	return New(catalog, logrus.NewEntry(logrus.New()))
}

func TestClaimForRollsBackOnUnavailableDevice(t *testing.T) {
	m := testManager()
	refs := []model.DeviceRef{{Name: "gpu0"}, {Name: "missing"}}
	if _, err := m.ClaimFor(refs, "zone-a"); err == nil {
		t.Fatal("expected error for unknown device")
	}
	// gpu0 must have been rolled back, not left claimed.
	if claimed := m.Catalog()["gpu0"]; claimed != "" {
		t.Fatalf("gpu0 should be unclaimed after rollback, got claimed by %q", claimed)
	}
}

func TestClaimForConflict(t *testing.T) {
	m := testManager()
	if _, err := m.ClaimFor([]model.DeviceRef{{Name: "gpu0"}}, "zone-a"); err != nil {
		t.Fatalf("ClaimFor: %v", err)
	}
	if _, err := m.ClaimFor([]model.DeviceRef{{Name: "gpu0"}}, "zone-b"); krataerr.KindOf(err) != krataerr.Conflict {
		t.Fatalf("expected Conflict claiming an already-owned device, got %v", err)
	}
}

func TestReleaseForOnlyReleasesOwnDevices(t *testing.T) {
	m := testManager()
	if _, err := m.ClaimFor([]model.DeviceRef{{Name: "gpu0"}}, "zone-a"); err != nil {
		t.Fatalf("ClaimFor: %v", err)
	}
	if err := m.ReleaseFor([]model.DeviceRef{{Name: "gpu0"}}, "zone-b"); err != nil {
		t.Fatalf("ReleaseFor: %v", err)
	}
	if claimed := m.Catalog()["gpu0"]; claimed != "zone-a" {
		t.Fatalf("releasing with the wrong zone uuid must not free the device, got %q", claimed)
	}
	if err := m.ReleaseFor([]model.DeviceRef{{Name: "gpu0"}}, "zone-a"); err != nil {
		t.Fatalf("ReleaseFor: %v", err)
	}
	if claimed := m.Catalog()["gpu0"]; claimed != "" {
		t.Fatalf("gpu0 should be free, got claimed by %q", claimed)
	}
}
