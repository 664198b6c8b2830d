// Package control implements the Control Service: the single
// ttrpc-exposed API surface callers use to create/destroy/inspect
// zones, pull images, and attach to a running zone's console, exec
// stream, IDM snoop feed, or the reconciler's event bus.
package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/krata-zone/kratad/internal/devices"
	"github.com/krata-zone/kratad/internal/idm"
	"github.com/krata-zone/kratad/internal/image"
	"github.com/krata-zone/kratad/internal/krataerr"
	"github.com/krata-zone/kratad/internal/model"
	"github.com/krata-zone/kratad/internal/network"
	"github.com/krata-zone/kratad/internal/reconcile"
)

// ZoneStore is the subset of reconcile.ZoneStore the control plane reads
// and writes desired state through.
type ZoneStore interface {
	List() ([]*model.Zone, error)
	Read(id uuid.UUID) (*model.Zone, bool, error)
	Write(z *model.Zone) error
}

// IdmRegistry resolves a running zone's IDM link, populated by
// cmd/kratad as each domain's Client is constructed.
type IdmRegistry interface {
	ClientFor(zoneUUID string) (*idm.Client, bool)
}

// Service is the Control Service.
type Service struct {
	store       ZoneStore
	reconciler  *reconcile.Reconciler
	devices     *devices.Manager
	net         *network.Assigner
	images      *image.Service
	idmRegistry IdmRegistry
}

// New constructs the Control Service.
func New(store ZoneStore, reconciler *reconcile.Reconciler, dm *devices.Manager, na *network.Assigner, is *image.Service, idmReg IdmRegistry) *Service {
	return &Service{store: store, reconciler: reconciler, devices: dm, net: na, images: is, idmRegistry: idmReg}
}

// CreateZone writes a new zone spec as Creating and returns its
// initial record; the reconciler picks it up on the next notify/tick.
func (s *Service) CreateZone(ctx context.Context, req *CreateZoneRequest) (*CreateZoneResponse, error) {
	if req.Name == "" {
		return nil, krataerr.New(krataerr.InvalidInput, "name is required")
	}
	id := uuid.New()
	devs := make([]model.DeviceRef, 0, len(req.Devices))
	for _, d := range req.Devices {
		devs = append(devs, model.DeviceRef{Name: d})
	}
	z := &model.Zone{
		UUID: id.String(),
		Spec: model.ZoneSpec{
			Name:      req.Name,
			ImageRef:  req.ImageRef,
			KernelRef: req.KernelRef,
			InitrdRef: req.InitrdRef,
			Vcpus:     req.Vcpus,
			MemMB:     req.MemMB,
			Cmd:       req.Cmd,
			Cwd:       req.Cwd,
			Env:       req.Env,
			Devices:   devs,
		},
		Status: model.ZoneStatus{State: model.ZoneStateCreating, Domid: model.DomidUnassigned},
	}
	if err := s.store.Write(z); err != nil {
		return nil, krataerr.Wrap(krataerr.IoTransient, "write zone record", err)
	}
	s.reconciler.Notify(id)
	return &CreateZoneResponse{Zone: zoneToWire(z)}, nil
}

// DestroyZone marks a zone Destroying; the reconciler tears it down.
func (s *Service) DestroyZone(ctx context.Context, req *DestroyZoneRequest) (*DestroyZoneResponse, error) {
	id, err := uuid.Parse(req.UUID)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.InvalidInput, "invalid uuid", err)
	}
	z, ok, err := s.store.Read(id)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.IoTransient, "read zone record", err)
	}
	if !ok {
		return nil, krataerr.New(krataerr.NotFound, "zone not found")
	}
	z.Status.State = model.ZoneStateDestroying
	if err := s.store.Write(z); err != nil {
		return nil, krataerr.Wrap(krataerr.IoTransient, "write zone record", err)
	}
	s.reconciler.Notify(id)
	return &DestroyZoneResponse{}, nil
}

func (s *Service) ListZones(ctx context.Context, req *ListZonesRequest) (*ListZonesResponse, error) {
	zones, err := s.store.List()
	if err != nil {
		return nil, krataerr.Wrap(krataerr.IoTransient, "list zones", err)
	}
	out := make([]*Zone, 0, len(zones))
	for _, z := range zones {
		out = append(out, zoneToWire(z))
	}
	return &ListZonesResponse{Zones: out}, nil
}

// ResolveZone finds a zone's uuid by name; FailedPrecondition if more
// than one zone shares the name, matching the uniqueness the daemon
// otherwise doesn't enforce at create time.
func (s *Service) ResolveZone(ctx context.Context, req *ResolveZoneRequest) (*ResolveZoneResponse, error) {
	zones, err := s.store.List()
	if err != nil {
		return nil, krataerr.Wrap(krataerr.IoTransient, "list zones", err)
	}
	var found *model.Zone
	for _, z := range zones {
		if z.Spec.Name == req.Name {
			if found != nil {
				return nil, krataerr.New(krataerr.Conflict, "name is ambiguous, multiple zones match")
			}
			found = z
		}
	}
	if found == nil {
		return nil, krataerr.New(krataerr.NotFound, "zone not found")
	}
	return &ResolveZoneResponse{UUID: found.UUID}, nil
}

// ReadZoneMetrics requests the metrics tree over the zone's IDM link.
func (s *Service) ReadZoneMetrics(ctx context.Context, req *ReadZoneMetricsRequest) (*ReadZoneMetricsResponse, error) {
	client, ok := s.idmRegistry.ClientFor(req.UUID)
	if !ok {
		return nil, krataerr.New(krataerr.Conflict, "zone is not running")
	}
	reply, err := client.Request(ctx, idm.ChannelMetrics, nil)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.Timeout, "read zone metrics", err)
	}
	return &ReadZoneMetricsResponse{Root: parseMetricNodeTree(reply)}, nil
}

// parseMetricNodeTree decodes the agent's "key=value key=value" metrics
// reply (internal/agentsvc's collectMetrics wire format) into a MetricNode
// tree, one leaf per key. A key whose value doesn't parse as a float is
// dropped rather than failing the whole read.
func parseMetricNodeTree(reply []byte) *MetricNode {
	root := &MetricNode{Name: "root"}
	for _, field := range strings.Fields(string(reply)) {
		key, raw, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		root.Children = append(root.Children, &MetricNode{Name: key, Value: value})
	}
	return root
}

// PullImage resolves and packs an image ahead of zone creation.
func (s *Service) PullImage(ctx context.Context, req *PullImageRequest) (*PullImageResponse, error) {
	d, err := s.images.Resolve(req.Ref)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.IoTransient, "resolve image", err)
	}
	format := image.FormatSquashfs
	switch req.Format {
	case "erofs":
		format = image.FormatErofs
	case "tar":
		format = image.FormatTar
	}
	packed, err := s.images.Pack(d, format, false, nil)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.IoTransient, "pack image", err)
	}
	return &PullImageResponse{Digest: packed.Digest.String(), Path: packed.Path}, nil
}

func (s *Service) ListNetworkReservations(ctx context.Context, req *ListNetworkReservationsRequest) (*ListNetworkReservationsResponse, error) {
	reservations := s.net.ReadReservations()
	out := make([]*NetworkReservation, 0, len(reservations))
	for _, r := range reservations {
		out = append(out, &NetworkReservation{UUID: r.UUID, IPv4: r.IPv4, IPv6: r.IPv6, MAC: r.MAC})
	}
	return &ListNetworkReservationsResponse{Reservations: out}, nil
}

func (s *Service) ListDevices(ctx context.Context, req *ListDevicesRequest) (*ListDevicesResponse, error) {
	catalog := s.devices.Catalog()
	out := make([]*Device, 0, len(catalog))
	for name, claimedBy := range catalog {
		out = append(out, &Device{Name: name, ClaimedBy: claimedBy})
	}
	return &ListDevicesResponse{Devices: out}, nil
}

// OpenZoneConsole opens a raw IDM stream against the zone's console
// channel; the caller then reads/writes that stream directly through
// the IDM client keyed by the returned channel/id.
func (s *Service) OpenZoneConsole(ctx context.Context, req *OpenZoneConsoleRequest) (*OpenStreamResponse, error) {
	client, ok := s.idmRegistry.ClientFor(req.UUID)
	if !ok {
		return nil, krataerr.New(krataerr.Conflict, "zone is not running")
	}
	id, _ := client.OpenStream(idm.ChannelConsole)
	client.SendStream(idm.ChannelConsole, id, idm.FormStreamRequest, nil)
	return &OpenStreamResponse{Channel: idm.ChannelConsole, ID: id}, nil
}

// OpenZoneExec opens an exec request stream, sending the command line as
// the stream's initial update.
func (s *Service) OpenZoneExec(ctx context.Context, req *OpenZoneExecRequest) (*OpenStreamResponse, error) {
	client, ok := s.idmRegistry.ClientFor(req.UUID)
	if !ok {
		return nil, krataerr.New(krataerr.Conflict, "zone is not running")
	}
	id, _ := client.OpenStream(idm.ChannelExec)
	payload := []byte(fmt.Sprintf("%s\x00%s", req.Cwd, joinArgs(req.Cmd)))
	client.SendStream(idm.ChannelExec, id, idm.FormStreamRequest, payload)
	return &OpenStreamResponse{Channel: idm.ChannelExec, ID: id}, nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// SnoopIdm allocates a stream id on ChannelSnoop of the zone's IDM link
// and returns it. Nothing is sent on that stream: the IDM client does not
// copy the link's other traffic onto it.
func (s *Service) SnoopIdm(ctx context.Context, req *SnoopIdmRequest) (*OpenStreamResponse, error) {
	client, ok := s.idmRegistry.ClientFor(req.UUID)
	if !ok {
		return nil, krataerr.New(krataerr.Conflict, "zone is not running")
	}
	id, _ := client.OpenStream(idm.ChannelSnoop)
	return &OpenStreamResponse{Channel: idm.ChannelSnoop, ID: id}, nil
}

// Events returns the reconciler's shared event bus for WatchEvents
// subscribers.
func (s *Service) Events() *reconcile.EventBus {
	return s.reconciler.Events()
}
