package control

import "github.com/krata-zone/kratad/internal/model"

// Zone is the wire shape of model.Zone returned to callers.
type Zone struct {
	UUID      string                    `protobuf:"bytes,1,opt,name=uuid,proto3"`
	Name      string                    `protobuf:"bytes,2,opt,name=name,proto3"`
	State     string                    `protobuf:"bytes,3,opt,name=state,proto3"`
	Domid     uint32                    `protobuf:"varint,4,opt,name=domid,proto3"`
	IPv4      string                    `protobuf:"bytes,5,opt,name=ipv4,proto3"`
	IPv6      string                    `protobuf:"bytes,6,opt,name=ipv6,proto3"`
	ExitCode  int32                     `protobuf:"varint,7,opt,name=exit_code,proto3"`
	ErrorMsg  string                    `protobuf:"bytes,8,opt,name=error_msg,proto3"`
}

func (Zone) Reset()         {}
func (z Zone) String() string { return z.Name }
func (Zone) ProtoMessage()  {}

func zoneToWire(z *model.Zone) *Zone {
	w := &Zone{
		UUID:  z.UUID,
		Name:  z.Spec.Name,
		State: z.Status.State.String(),
		Domid: z.Status.Domid,
	}
	if z.Status.NetworkStatus != nil {
		w.IPv4 = z.Status.NetworkStatus.IPv4CIDR
		w.IPv6 = z.Status.NetworkStatus.IPv6CIDR
	}
	if z.Status.ExitStatus != nil {
		w.ExitCode = z.Status.ExitStatus.Code
	}
	if z.Status.ErrorStatus != nil {
		w.ErrorMsg = z.Status.ErrorStatus.Msg
	}
	return w
}

// NetworkReservation is the wire shape of model.NetworkReservation.
type NetworkReservation struct {
	UUID string `protobuf:"bytes,1,opt,name=uuid,proto3"`
	IPv4 string `protobuf:"bytes,2,opt,name=ipv4,proto3"`
	IPv6 string `protobuf:"bytes,3,opt,name=ipv6,proto3"`
	MAC  string `protobuf:"bytes,4,opt,name=mac,proto3"`
}

func (NetworkReservation) Reset()         {}
func (r NetworkReservation) String() string { return r.UUID }
func (NetworkReservation) ProtoMessage()  {}

// Device is the wire shape of a claimable host device.
type Device struct {
	Name      string `protobuf:"bytes,1,opt,name=name,proto3"`
	ClaimedBy string `protobuf:"bytes,2,opt,name=claimed_by,proto3"`
}

func (Device) Reset()         {}
func (d Device) String() string { return d.Name }
func (Device) ProtoMessage()  {}

type CreateZoneRequest struct {
	Name      string            `protobuf:"bytes,1,opt,name=name,proto3"`
	ImageRef  string            `protobuf:"bytes,2,opt,name=image_ref,proto3"`
	KernelRef string            `protobuf:"bytes,3,opt,name=kernel_ref,proto3"`
	InitrdRef string            `protobuf:"bytes,4,opt,name=initrd_ref,proto3"`
	Vcpus     uint32            `protobuf:"varint,5,opt,name=vcpus,proto3"`
	MemMB     uint64            `protobuf:"varint,6,opt,name=mem_mb,proto3"`
	Cmd       []string          `protobuf:"bytes,7,rep,name=cmd,proto3"`
	Cwd       string            `protobuf:"bytes,8,opt,name=cwd,proto3"`
	Env       map[string]string `protobuf:"bytes,9,rep,name=env,proto3"`
	Devices   []string          `protobuf:"bytes,10,rep,name=devices,proto3"`
}

func (CreateZoneRequest) Reset()         {}
func (r CreateZoneRequest) String() string { return r.Name }
func (CreateZoneRequest) ProtoMessage()  {}

type CreateZoneResponse struct {
	Zone *Zone `protobuf:"bytes,1,opt,name=zone,proto3"`
}

func (CreateZoneResponse) Reset()        {}
func (CreateZoneResponse) String() string { return "" }
func (CreateZoneResponse) ProtoMessage() {}

type DestroyZoneRequest struct {
	UUID string `protobuf:"bytes,1,opt,name=uuid,proto3"`
}

func (DestroyZoneRequest) Reset()         {}
func (r DestroyZoneRequest) String() string { return r.UUID }
func (DestroyZoneRequest) ProtoMessage()  {}

type DestroyZoneResponse struct{}

func (DestroyZoneResponse) Reset()        {}
func (DestroyZoneResponse) String() string { return "" }
func (DestroyZoneResponse) ProtoMessage() {}

type ListZonesRequest struct{}

func (ListZonesRequest) Reset()        {}
func (ListZonesRequest) String() string { return "" }
func (ListZonesRequest) ProtoMessage() {}

type ListZonesResponse struct {
	Zones []*Zone `protobuf:"bytes,1,rep,name=zones,proto3"`
}

func (ListZonesResponse) Reset()        {}
func (ListZonesResponse) String() string { return "" }
func (ListZonesResponse) ProtoMessage() {}

type ResolveZoneRequest struct {
	Name string `protobuf:"bytes,1,opt,name=name,proto3"`
}

func (ResolveZoneRequest) Reset()         {}
func (r ResolveZoneRequest) String() string { return r.Name }
func (ResolveZoneRequest) ProtoMessage()  {}

type ResolveZoneResponse struct {
	UUID string `protobuf:"bytes,1,opt,name=uuid,proto3"`
}

func (ResolveZoneResponse) Reset()        {}
func (ResolveZoneResponse) String() string { return "" }
func (ResolveZoneResponse) ProtoMessage() {}

type ReadZoneMetricsRequest struct {
	UUID string `protobuf:"bytes,1,opt,name=uuid,proto3"`
}

func (ReadZoneMetricsRequest) Reset()         {}
func (r ReadZoneMetricsRequest) String() string { return r.UUID }
func (ReadZoneMetricsRequest) ProtoMessage()  {}

type ReadZoneMetricsResponse struct {
	Root *MetricNode `protobuf:"bytes,1,opt,name=root,proto3"`
}

func (ReadZoneMetricsResponse) Reset()        {}
func (ReadZoneMetricsResponse) String() string { return "" }
func (ReadZoneMetricsResponse) ProtoMessage() {}

// MetricNode mirrors the IDM metrics tree reported by the zone agent.
type MetricNode struct {
	Name     string        `protobuf:"bytes,1,opt,name=name,proto3"`
	Value    float64       `protobuf:"fixed64,2,opt,name=value,proto3"`
	Children []*MetricNode `protobuf:"bytes,3,rep,name=children,proto3"`
}

func (MetricNode) Reset()        {}
func (n MetricNode) String() string { return n.Name }
func (MetricNode) ProtoMessage() {}

type PullImageRequest struct {
	Ref    string `protobuf:"bytes,1,opt,name=ref,proto3"`
	Format string `protobuf:"bytes,2,opt,name=format,proto3"`
}

func (PullImageRequest) Reset()         {}
func (r PullImageRequest) String() string { return r.Ref }
func (PullImageRequest) ProtoMessage()  {}

type PullImageResponse struct {
	Digest string `protobuf:"bytes,1,opt,name=digest,proto3"`
	Path   string `protobuf:"bytes,2,opt,name=path,proto3"`
}

func (PullImageResponse) Reset()        {}
func (PullImageResponse) String() string { return "" }
func (PullImageResponse) ProtoMessage() {}

type ListNetworkReservationsRequest struct{}

func (ListNetworkReservationsRequest) Reset()        {}
func (ListNetworkReservationsRequest) String() string { return "" }
func (ListNetworkReservationsRequest) ProtoMessage() {}

type ListNetworkReservationsResponse struct {
	Reservations []*NetworkReservation `protobuf:"bytes,1,rep,name=reservations,proto3"`
}

func (ListNetworkReservationsResponse) Reset()        {}
func (ListNetworkReservationsResponse) String() string { return "" }
func (ListNetworkReservationsResponse) ProtoMessage() {}

type ListDevicesRequest struct{}

func (ListDevicesRequest) Reset()        {}
func (ListDevicesRequest) String() string { return "" }
func (ListDevicesRequest) ProtoMessage() {}

type ListDevicesResponse struct {
	Devices []*Device `protobuf:"bytes,1,rep,name=devices,proto3"`
}

func (ListDevicesResponse) Reset()        {}
func (ListDevicesResponse) String() string { return "" }
func (ListDevicesResponse) ProtoMessage() {}

// OpenZoneConsoleRequest/OpenZoneExecRequest/SnoopIdmRequest open a
// correlated IDM stream channel rather than framing console/exec/snoop
// bytes over ttrpc itself: the per-zone IDM link already carries
// StreamRequest/StreamResponseUpdate frames end to end, so the control
// plane's job is just handing back the channel/stream id a caller then
// reads via the IDM client directly. WatchEventsRequest has no ttrpc
// handler; zone events are read in-process through Service.Events().
type OpenZoneConsoleRequest struct {
	UUID string `protobuf:"bytes,1,opt,name=uuid,proto3"`
}

func (OpenZoneConsoleRequest) Reset()         {}
func (r OpenZoneConsoleRequest) String() string { return r.UUID }
func (OpenZoneConsoleRequest) ProtoMessage()  {}

type OpenZoneExecRequest struct {
	UUID string   `protobuf:"bytes,1,opt,name=uuid,proto3"`
	Cmd  []string `protobuf:"bytes,2,rep,name=cmd,proto3"`
	Cwd  string   `protobuf:"bytes,3,opt,name=cwd,proto3"`
}

func (OpenZoneExecRequest) Reset()         {}
func (r OpenZoneExecRequest) String() string { return r.UUID }
func (OpenZoneExecRequest) ProtoMessage()  {}

type OpenStreamResponse struct {
	Channel uint64 `protobuf:"varint,1,opt,name=channel,proto3"`
	ID      uint64 `protobuf:"varint,2,opt,name=id,proto3"`
}

func (OpenStreamResponse) Reset()        {}
func (OpenStreamResponse) String() string { return "" }
func (OpenStreamResponse) ProtoMessage() {}

type SnoopIdmRequest struct {
	UUID string `protobuf:"bytes,1,opt,name=uuid,proto3"`
}

func (SnoopIdmRequest) Reset()         {}
func (r SnoopIdmRequest) String() string { return r.UUID }
func (SnoopIdmRequest) ProtoMessage()  {}

type WatchEventsRequest struct{}

func (WatchEventsRequest) Reset()        {}
func (WatchEventsRequest) String() string { return "" }
func (WatchEventsRequest) ProtoMessage() {}

// ZoneChanged is the wire shape of a single reconciler event delivered
// to a WatchEvents subscriber.
type ZoneChanged struct {
	Zone *Zone `protobuf:"bytes,1,opt,name=zone,proto3"`
}

func (ZoneChanged) Reset()        {}
func (ZoneChanged) String() string { return "" }
func (ZoneChanged) ProtoMessage() {}
