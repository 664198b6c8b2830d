package store

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/krata-zone/kratad/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kratad.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestZoneStoreWriteReadList(t *testing.T) {
	s := openTestStore(t)
	zones := s.Zones()

	id := uuid.New()
	z := &model.Zone{
		UUID: id.String(),
		Spec: model.ZoneSpec{Name: "web-1", Vcpus: 2, MemMB: 512},
		Status: model.ZoneStatus{
			State: model.ZoneStateCreated,
		},
	}
	if err := zones.Write(z); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok, err := zones.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok {
		t.Fatal("expected zone to be found")
	}
	if diff := cmp.Diff(z, got); diff != "" {
		t.Fatalf("zone roundtrip mismatch (-want +got):\n%s", diff)
	}

	all, err := zones.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("List returned %d zones, want 1", len(all))
	}
}

func TestZoneStoreReadMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Zones().Read(uuid.New())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a zone that was never written")
	}
}

func TestZoneStoreWriteOverwritesExistingRow(t *testing.T) {
	s := openTestStore(t)
	zones := s.Zones()
	id := uuid.New()

	z := &model.Zone{UUID: id.String(), Spec: model.ZoneSpec{Name: "v1"}}
	if err := zones.Write(z); err != nil {
		t.Fatalf("Write: %v", err)
	}
	z.Spec.Name = "v2"
	if err := zones.Write(z); err != nil {
		t.Fatalf("Write (update): %v", err)
	}

	got, ok, err := zones.Read(id)
	if err != nil || !ok {
		t.Fatalf("Read: %v, ok=%v", err, ok)
	}
	if got.Spec.Name != "v2" {
		t.Fatalf("got %q, want v2", got.Spec.Name)
	}

	all, err := zones.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("List returned %d rows, want exactly 1 after overwrite", len(all))
	}
}

func TestZoneStoreDelete(t *testing.T) {
	s := openTestStore(t)
	zones := s.Zones()
	id := uuid.New()

	if err := zones.Write(&model.Zone{UUID: id.String()}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := zones.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := zones.Read(id); ok {
		t.Fatal("expected zone to be gone after Delete")
	}
}

func TestReservationStoreUpdateReadRemove(t *testing.T) {
	s := openTestStore(t)
	reservations := s.Reservations()

	r := model.NetworkReservation{
		IPv4: "10.75.0.5", IPv6: "fd75::5", MAC: "02:00:00:00:00:05",
		GatewayIPv4: "10.75.0.1",
	}
	if err := reservations.Update("zone-1", r); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, ok, err := reservations.Read("zone-1")
	if err != nil || !ok {
		t.Fatalf("Read: %v, ok=%v", err, ok)
	}
	want := r
	want.UUID = "zone-1" // Update stamps the lookup key onto the row regardless of r.UUID
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("reservation roundtrip mismatch (-want +got):\n%s", diff)
	}

	all, err := reservations.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if _, ok := all["zone-1"]; !ok {
		t.Fatal("expected zone-1 in List results")
	}

	if err := reservations.Remove("zone-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := reservations.Read("zone-1"); ok {
		t.Fatal("expected reservation to be gone after Remove")
	}
}
