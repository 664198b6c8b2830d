package reconcile

import (
	"github.com/google/uuid"

	"github.com/krata-zone/kratad/internal/model"
)

// ZoneStore is the persisted desired-state store the reconciler drives
// toward the observed runtime. Implemented by internal/store's KvStore
// adapter.
type ZoneStore interface {
	List() ([]*model.Zone, error)
	Read(id uuid.UUID) (*model.Zone, bool, error)
	Write(z *model.Zone) error
	Delete(id uuid.UUID) error
}

// DeviceClaimer guards device assignment so a failed create releases
// whatever it claimed, implemented by internal/devices.Manager. Claims
// are tracked per zoneUUID so Release only frees what that zone
// actually holds, rather than validating without recording ownership.
type DeviceClaimer interface {
	Claim(devices []model.DeviceRef, zoneUUID string) error
	Release(devices []model.DeviceRef, zoneUUID string) error
}

// DomainLauncher is the subset of internal/domain.Manager the reconciler
// drives: create and destroy a Xen domain for a zone.
type DomainLauncher interface {
	Create(spec DomainCreateSpec) (*model.DomainHandle, error)
	Destroy(domid uint32, deviceCount int) error
}

// DomainCreateSpec is the reconciler's view of what a DomainLauncher
// needs to boot a zone; internal/domain.CreateSpec satisfies this shape
// and the adapter in cmd/kratad wires the two together.
type DomainCreateSpec struct {
	UUID        uuid.UUID
	Name        string
	MemMB       uint64
	Vcpus       uint32
	Cmdline     string
	Kernel      []byte
	Initrd      []byte
	Arm64       bool
	Network     model.NetworkStatus
	Devices     []model.DeviceRef
	BackendDomid uint32
}

// NetAssigner hands out and reclaims per-zone network addresses,
// implemented by internal/network.Assigner.
type NetAssigner interface {
	Assign(zoneUUID string) (model.NetworkReservation, error)
	Recall(zoneUUID string) error
}

// ImageResolver turns a zone's image/kernel/initrd references into bytes
// ready for DomainLauncher.Create, implemented by internal/image.
type ImageResolver interface {
	Resolve(spec model.ZoneSpec) (kernel, initrd []byte, err error)
}
