package control

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krata-zone/kratad/internal/devices"
	"github.com/krata-zone/kratad/internal/idm"
	"github.com/krata-zone/kratad/internal/image"
	"github.com/krata-zone/kratad/internal/krataerr"
	"github.com/krata-zone/kratad/internal/model"
	"github.com/krata-zone/kratad/internal/network"
	"github.com/krata-zone/kratad/internal/reconcile"

	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeZoneStore satisfies both control.ZoneStore and reconcile.ZoneStore.
type fakeZoneStore struct {
	mu    sync.Mutex
	zones map[string]*model.Zone
}

func newFakeZoneStore() *fakeZoneStore {
	return &fakeZoneStore{zones: make(map[string]*model.Zone)}
}

func (s *fakeZoneStore) List() ([]*model.Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Zone, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, z)
	}
	return out, nil
}

func (s *fakeZoneStore) Read(id uuid.UUID) (*model.Zone, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[id.String()]
	return z, ok, nil
}

func (s *fakeZoneStore) Write(z *model.Zone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[z.UUID] = z
	return nil
}

func (s *fakeZoneStore) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.zones, id.String())
	return nil
}

type fakeDomainLauncher struct{}

func (fakeDomainLauncher) Create(spec reconcile.DomainCreateSpec) (*model.DomainHandle, error) {
	return &model.DomainHandle{}, nil
}
func (fakeDomainLauncher) Destroy(domid uint32, deviceCount int) error { return nil }

type fakeDeviceClaimer struct{}

func (fakeDeviceClaimer) Claim([]model.DeviceRef, string) error   { return nil }
func (fakeDeviceClaimer) Release([]model.DeviceRef, string) error { return nil }

type fakeNetAssigner struct{}

func (fakeNetAssigner) Assign(zoneUUID string) (model.NetworkReservation, error) {
	return model.NetworkReservation{UUID: zoneUUID}, nil
}
func (fakeNetAssigner) Recall(zoneUUID string) error { return nil }

type fakeImageResolver struct{}

func (fakeImageResolver) Resolve(spec model.ZoneSpec) ([]byte, []byte, error) {
	return []byte("kernel"), []byte("initrd"), nil
}

type fakeRegistryClient struct{}

func (fakeRegistryClient) ResolveDigest(ref string) (digest.Digest, error) {
	return digest.FromString(ref), nil
}
func (fakeRegistryClient) FetchLayers(d digest.Digest) ([][]byte, error) {
	return [][]byte{}, nil
}
func (fakeRegistryClient) Platform(ref string) (*ocispec.Platform, error) {
	return &ocispec.Platform{}, nil
}

type fakeIdmRegistry struct {
	mu      sync.Mutex
	clients map[string]*idm.Client
}

func newFakeIdmRegistry() *fakeIdmRegistry {
	return &fakeIdmRegistry{clients: make(map[string]*idm.Client)}
}

func (r *fakeIdmRegistry) ClientFor(zoneUUID string) (*idm.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[zoneUUID]
	return c, ok
}

func (r *fakeIdmRegistry) put(zoneUUID string, c *idm.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[zoneUUID] = c
}

func newTestService(t *testing.T) (*Service, *fakeZoneStore, *fakeIdmRegistry) {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	store := newFakeZoneStore()
	zlt := reconcile.NewZoneLookupTable()
	reconciler := reconcile.New(store, fakeDomainLauncher{}, fakeDeviceClaimer{}, fakeNetAssigner{}, fakeImageResolver{}, zlt, log)

	dm := devices.New(map[string]devices.PciConfig{"gpu0": {Locations: []string{"0000:01:00.0"}}}, log)

	_, v4, _ := net.ParseCIDR("10.75.0.0/24")
	_, v6, _ := net.ParseCIDR("fd75::/64")
	na, err := network.New("host-uuid", v4, v6, newControlMemReservationStore())
	if err != nil {
		t.Fatalf("network.New: %v", err)
	}

	imgSvc, err := image.NewService(image.ServiceConfig{RootDir: t.TempDir()}, fakeRegistryClient{}, log)
	if err != nil {
		t.Fatalf("image.NewService: %v", err)
	}

	idmReg := newFakeIdmRegistry()
	svc := New(store, reconciler, dm, na, imgSvc, idmReg)
	return svc, store, idmReg
}

type controlMemReservationStore struct {
	rows map[string]model.NetworkReservation
}

func newControlMemReservationStore() *controlMemReservationStore {
	return &controlMemReservationStore{rows: make(map[string]model.NetworkReservation)}
}

func (s *controlMemReservationStore) List() (map[string]model.NetworkReservation, error) {
	out := make(map[string]model.NetworkReservation, len(s.rows))
	for k, v := range s.rows {
		out[k] = v
	}
	return out, nil
}
func (s *controlMemReservationStore) Read(uuid string) (model.NetworkReservation, bool, error) {
	r, ok := s.rows[uuid]
	return r, ok, nil
}
func (s *controlMemReservationStore) Update(uuid string, r model.NetworkReservation) error {
	s.rows[uuid] = r
	return nil
}
func (s *controlMemReservationStore) Remove(uuid string) error {
	delete(s.rows, uuid)
	return nil
}

func TestCreateZoneRequiresName(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.CreateZone(context.Background(), &CreateZoneRequest{})
	if krataerr.KindOf(err) != krataerr.InvalidInput {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestCreateZoneWritesCreatingRecord(t *testing.T) {
	svc, store, _ := newTestService(t)
	resp, err := svc.CreateZone(context.Background(), &CreateZoneRequest{Name: "web-1", Vcpus: 2, MemMB: 256})
	if err != nil {
		t.Fatalf("CreateZone: %v", err)
	}
	if resp.Zone.State != model.ZoneStateCreating.String() {
		t.Fatalf("got state %q, want Creating", resp.Zone.State)
	}
	if _, ok, _ := store.Read(uuid.MustParse(resp.Zone.UUID)); !ok {
		t.Fatal("expected the zone record to be persisted")
	}
}

func TestDestroyZoneRejectsUnknownUUID(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.DestroyZone(context.Background(), &DestroyZoneRequest{UUID: uuid.New().String()})
	if krataerr.KindOf(err) != krataerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDestroyZoneMarksDestroying(t *testing.T) {
	svc, store, _ := newTestService(t)
	created, err := svc.CreateZone(context.Background(), &CreateZoneRequest{Name: "web-1"})
	if err != nil {
		t.Fatalf("CreateZone: %v", err)
	}
	if _, err := svc.DestroyZone(context.Background(), &DestroyZoneRequest{UUID: created.Zone.UUID}); err != nil {
		t.Fatalf("DestroyZone: %v", err)
	}
	z, _, _ := store.Read(uuid.MustParse(created.Zone.UUID))
	if z.Status.State != model.ZoneStateDestroying {
		t.Fatalf("got state %v, want Destroying", z.Status.State)
	}
}

func TestResolveZoneAmbiguousName(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.CreateZone(context.Background(), &CreateZoneRequest{Name: "dup"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateZone(context.Background(), &CreateZoneRequest{Name: "dup"}); err != nil {
		t.Fatal(err)
	}
	_, err := svc.ResolveZone(context.Background(), &ResolveZoneRequest{Name: "dup"})
	if krataerr.KindOf(err) != krataerr.Conflict {
		t.Fatalf("expected Conflict for an ambiguous name, got %v", err)
	}
}

func TestResolveZoneNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.ResolveZone(context.Background(), &ResolveZoneRequest{Name: "nope"})
	if krataerr.KindOf(err) != krataerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestOpenZoneConsoleRequiresRunningZone(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.OpenZoneConsole(context.Background(), &OpenZoneConsoleRequest{UUID: "zone-1"})
	if krataerr.KindOf(err) != krataerr.Conflict {
		t.Fatalf("expected Conflict for a zone with no idm client, got %v", err)
	}
}

func TestOpenZoneExecSendsCommandLineOverStream(t *testing.T) {
	svc, _, idmReg := newTestService(t)

	guestConn, hostConn := net.Pipe()
	log := logrus.NewEntry(logrus.New())
	guest := idm.NewClient(idm.NewPipeBackend(guestConn), log)
	host := idm.NewClient(idm.NewPipeBackend(hostConn), log)
	t.Cleanup(func() { guest.Close(); host.Close() })
	idmReg.put("zone-1", host)

	accepted := make(chan []byte, 1)
	guest.SetStreamRequestHandler(func(channel, id uint64, initial []byte, updates <-chan *idm.Packet) {
		accepted <- initial
	})

	resp, err := svc.OpenZoneExec(context.Background(), &OpenZoneExecRequest{UUID: "zone-1", Cwd: "/tmp", Cmd: []string{"ls", "-la"}})
	if err != nil {
		t.Fatalf("OpenZoneExec: %v", err)
	}
	if resp.Channel != idm.ChannelExec {
		t.Fatalf("got channel %d, want ChannelExec", resp.Channel)
	}
	select {
	case got := <-accepted:
		if string(got) != "/tmp\x00ls -la" {
			t.Fatalf("got %q, want cwd-nul-joined-args payload", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the exec stream request to be delivered")
	}
}

func TestListDevicesReflectsCatalog(t *testing.T) {
	svc, _, _ := newTestService(t)
	resp, err := svc.ListDevices(context.Background(), &ListDevicesRequest{})
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(resp.Devices) != 1 || resp.Devices[0].Name != "gpu0" {
		t.Fatalf("got %+v, want a single gpu0 device", resp.Devices)
	}
}

func TestJoinArgs(t *testing.T) {
	if got := joinArgs([]string{"a", "b", "c"}); got != "a b c" {
		t.Fatalf("got %q", got)
	}
	if got := joinArgs(nil); got != "" {
		t.Fatalf("got %q, want empty string for nil args", got)
	}
}

func TestParseMetricNodeTreeDecodesAgentReply(t *testing.T) {
	root := parseMetricNodeTree([]byte("uptime=123.5 mem_total_kb=1024 mem_available_kb=512 load1=0.25"))
	if root.Name != "root" {
		t.Fatalf("got root name %q", root.Name)
	}
	want := map[string]float64{
		"uptime":           123.5,
		"mem_total_kb":     1024,
		"mem_available_kb": 512,
		"load1":            0.25,
	}
	if len(root.Children) != len(want) {
		t.Fatalf("got %d children, want %d: %+v", len(root.Children), len(want), root.Children)
	}
	for _, child := range root.Children {
		v, ok := want[child.Name]
		if !ok {
			t.Fatalf("unexpected child %q", child.Name)
		}
		if child.Value != v {
			t.Fatalf("child %q: got %v, want %v", child.Name, child.Value, v)
		}
	}
}

func TestParseMetricNodeTreeSkipsUnparsableFields(t *testing.T) {
	root := parseMetricNodeTree([]byte("status=ok uptime=42"))
	if len(root.Children) != 1 || root.Children[0].Name != "uptime" {
		t.Fatalf("expected only the parsable uptime field to survive, got %+v", root.Children)
	}
}
