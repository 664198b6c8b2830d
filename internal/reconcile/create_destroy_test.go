package reconcile

import (
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/krata-zone/kratad/internal/devices"
	"github.com/krata-zone/kratad/internal/model"
)

type cdZoneStore struct {
	zones map[string]*model.Zone
}

func newCdZoneStore() *cdZoneStore { return &cdZoneStore{zones: map[string]*model.Zone{}} }

func (s *cdZoneStore) List() ([]*model.Zone, error) {
	out := make([]*model.Zone, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, z)
	}
	return out, nil
}
func (s *cdZoneStore) Read(id uuid.UUID) (*model.Zone, bool, error) {
	z, ok := s.zones[id.String()]
	return z, ok, nil
}
func (s *cdZoneStore) Write(z *model.Zone) error {
	s.zones[z.UUID] = z
	return nil
}
func (s *cdZoneStore) Delete(id uuid.UUID) error {
	delete(s.zones, id.String())
	return nil
}

type cdDomainLauncher struct {
	nextDomid uint32
	destroyed []uint32
}

func (l *cdDomainLauncher) Create(spec DomainCreateSpec) (*model.DomainHandle, error) {
	l.nextDomid++
	return &model.DomainHandle{Domid: l.nextDomid}, nil
}
func (l *cdDomainLauncher) Destroy(domid uint32, deviceCount int) error {
	l.destroyed = append(l.destroyed, domid)
	return nil
}

type cdNetAssigner struct{}

func (cdNetAssigner) Assign(zoneUUID string) (model.NetworkReservation, error) {
	return model.NetworkReservation{UUID: zoneUUID, IPv4: "10.0.0.2/24", MAC: "02:00:00:00:00:01"}, nil
}
func (cdNetAssigner) Recall(zoneUUID string) error { return nil }

type cdImageResolver struct{}

func (cdImageResolver) Resolve(spec model.ZoneSpec) ([]byte, []byte, error) {
	return []byte("kernel"), []byte("initrd"), nil
}

func newTestReconciler(t *testing.T, store ZoneStore, devMgr *devices.Manager) *Reconciler {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	zlt := NewZoneLookupTable()
	return New(store, &cdDomainLauncher{}, devMgr, cdNetAssigner{}, cdImageResolver{}, zlt, log)
}

// TestRunCreateClaimsDeviceForZoneUUID confirms a created zone's devices
// actually end up recorded as claimed by its UUID, not just validated and
// forgotten; this is the real durable effect Claim/Release must have
// across the reconciler's create/destroy cycle.
func TestRunCreateClaimsDeviceForZoneUUID(t *testing.T) {
	devMgr := devices.New(map[string]devices.PciConfig{"nic0": {}}, logrus.NewEntry(logrus.New()))
	store := newCdZoneStore()
	r := newTestReconciler(t, store, devMgr)

	id := uuid.New().String()
	z := &model.Zone{
		UUID:   id,
		Spec:   model.ZoneSpec{Name: "z1", Devices: []model.DeviceRef{{Name: "nic0"}}},
		Status: model.ZoneStatus{State: model.ZoneStateCreating, Domid: model.DomidUnassigned},
	}
	r.runCreate(z)

	if z.Status.State != model.ZoneStateCreated {
		t.Fatalf("got state %v, want Created", z.Status.State)
	}
	if owner := devMgr.Catalog()["nic0"]; owner != id {
		t.Fatalf("device catalog shows owner %q, want %q", owner, id)
	}
}

// TestRunCreateConflictFailsZoneWithoutClaimingDevice exercises the
// unavailable-device path: a device already claimed by another zone must
// fail runCreate and leave the original claim untouched.
func TestRunCreateConflictFailsZoneWithoutClaimingDevice(t *testing.T) {
	devMgr := devices.New(map[string]devices.PciConfig{"nic0": {}}, logrus.NewEntry(logrus.New()))
	if _, err := devMgr.ClaimFor([]model.DeviceRef{{Name: "nic0"}}, "owner-zone"); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	store := newCdZoneStore()
	r := newTestReconciler(t, store, devMgr)

	id := uuid.New().String()
	z := &model.Zone{
		UUID:   id,
		Spec:   model.ZoneSpec{Name: "z2", Devices: []model.DeviceRef{{Name: "nic0"}}},
		Status: model.ZoneStatus{State: model.ZoneStateCreating, Domid: model.DomidUnassigned},
	}
	r.runCreate(z)

	if z.Status.State != model.ZoneStateFailed {
		t.Fatalf("got state %v, want Failed", z.Status.State)
	}
	if owner := devMgr.Catalog()["nic0"]; owner != "owner-zone" {
		t.Fatalf("conflicting create must not disturb the existing claim, got owner %q", owner)
	}
}

// TestRunDestroyReleasesItsOwnClaim confirms teardown frees the
// device the destroyed zone itself claimed, via the same ClaimFor-backed
// bookkeeping runCreate uses.
func TestRunDestroyReleasesItsOwnClaim(t *testing.T) {
	devMgr := devices.New(map[string]devices.PciConfig{"nic0": {}}, logrus.NewEntry(logrus.New()))
	store := newCdZoneStore()
	r := newTestReconciler(t, store, devMgr)

	id := uuid.New().String()
	z := &model.Zone{
		UUID:   id,
		Spec:   model.ZoneSpec{Name: "z1", Devices: []model.DeviceRef{{Name: "nic0"}}},
		Status: model.ZoneStatus{State: model.ZoneStateCreating, Domid: model.DomidUnassigned},
	}
	r.runCreate(z)
	if owner := devMgr.Catalog()["nic0"]; owner != id {
		t.Fatalf("precondition: expected zone to hold the claim, got owner %q", owner)
	}

	z.Status.State = model.ZoneStateDestroying
	r.runDestroy(z)

	if z.Status.State != model.ZoneStateDestroyed {
		t.Fatalf("got state %v, want Destroyed", z.Status.State)
	}
	if owner := devMgr.Catalog()["nic0"]; owner != "" {
		t.Fatalf("expected nic0 released after destroy, still owned by %q", owner)
	}
}

// TestDispatchDeletesStoreRecordOnDestroyedOrFailed confirms dispatch (not
// just runCreate/runDestroy in isolation) removes a zone's store record once
// it reaches either terminal state, per both being listed as terminal.
func TestDispatchDeletesStoreRecordOnDestroyedOrFailed(t *testing.T) {
	devMgr := devices.New(map[string]devices.PciConfig{"nic0": {}}, logrus.NewEntry(logrus.New()))
	store := newCdZoneStore()
	r := newTestReconciler(t, store, devMgr)

	destroyingID := uuid.New().String()
	destroying := &model.Zone{
		UUID:   destroyingID,
		Spec:   model.ZoneSpec{Name: "z-destroy"},
		Status: model.ZoneStatus{State: model.ZoneStateDestroying},
	}
	_ = store.Write(destroying)
	r.dispatch(uuid.MustParse(destroyingID))
	if _, ok, _ := store.Read(uuid.MustParse(destroyingID)); ok {
		t.Fatal("expected zone record to be deleted once it reaches Destroyed")
	}

	failedID := uuid.New().String()
	failed := &model.Zone{
		UUID: failedID,
		Spec: model.ZoneSpec{Name: "z-fail", Devices: []model.DeviceRef{{Name: "does-not-exist"}}},
		Status: model.ZoneStatus{
			State: model.ZoneStateCreating,
			Domid: model.DomidUnassigned,
		},
	}
	_ = store.Write(failed)
	r.dispatch(uuid.MustParse(failedID))
	if got, ok, _ := store.Read(uuid.MustParse(failedID)); ok {
		t.Fatalf("expected zone record to be deleted once it reaches Failed, still present: %+v", got)
	}
}
