package network

import (
	"net"
	"testing"

	"github.com/krata-zone/kratad/internal/model"
)

type memReservationStore struct {
	rows map[string]model.NetworkReservation
}

func newMemReservationStore() *memReservationStore {
	return &memReservationStore{rows: make(map[string]model.NetworkReservation)}
}

func (s *memReservationStore) List() (map[string]model.NetworkReservation, error) {
	out := make(map[string]model.NetworkReservation, len(s.rows))
	for k, v := range s.rows {
		out[k] = v
	}
	return out, nil
}

func (s *memReservationStore) Read(uuid string) (model.NetworkReservation, bool, error) {
	r, ok := s.rows[uuid]
	return r, ok, nil
}

func (s *memReservationStore) Update(uuid string, r model.NetworkReservation) error {
	s.rows[uuid] = r
	return nil
}

func (s *memReservationStore) Remove(uuid string) error {
	delete(s.rows, uuid)
	return nil
}

func newTestAssigner(t *testing.T) *Assigner {
	t.Helper()
	_, v4, err := net.ParseCIDR("10.75.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	_, v6, err := net.ParseCIDR("fd75::/64")
	if err != nil {
		t.Fatal(err)
	}
	a, err := New("host-uuid", v4, v6, newMemReservationStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewAllocatesGatewayAndHostReservations(t *testing.T) {
	a := newTestAssigner(t)
	if a.GatewayIPv4() == "" || a.GatewayMAC() == "" {
		t.Fatal("expected gateway ipv4/mac to be assigned")
	}
	if _, ok, _ := a.Retrieve("host-uuid"); !ok {
		t.Fatal("expected a host reservation to exist")
	}
}

func TestAssignProducesDistinctAddresses(t *testing.T) {
	a := newTestAssigner(t)
	r1, err := a.Assign("zone-1")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	r2, err := a.Assign("zone-2")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if r1.IPv4 == r2.IPv4 {
		t.Fatalf("expected distinct ipv4 addresses, both got %s", r1.IPv4)
	}
	if r1.GatewayIPv4 != a.GatewayIPv4() {
		t.Fatalf("zone reservation should inherit the fabric gateway, got %s", r1.GatewayIPv4)
	}
}

func TestRecallFreesTheAddressForReuse(t *testing.T) {
	a := newTestAssigner(t)
	r, err := a.Assign("zone-1")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := a.Recall("zone-1"); err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if _, ok, _ := a.Retrieve("zone-1"); ok {
		t.Fatal("expected reservation to be gone after Recall")
	}
	r2, err := a.Assign("zone-2")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if r2.IPv4 != r.IPv4 {
		t.Fatalf("expected the freed address %s to be reused, got %s", r.IPv4, r2.IPv4)
	}
}

func TestReadReservationsReflectsAssignments(t *testing.T) {
	a := newTestAssigner(t)
	if _, err := a.Assign("zone-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	reservations := a.ReadReservations()
	if _, ok := reservations["zone-1"]; !ok {
		t.Fatal("expected zone-1 to appear in ReadReservations")
	}
}
