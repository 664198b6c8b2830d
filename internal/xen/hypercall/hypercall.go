// Package hypercall implements HypercallGate: a typed wrapper over the
// hypervisor ioctl surface exposed by /dev/xen/privcmd and /dev/xen/evtchn.
package hypercall

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/krata-zone/kratad/internal/krataerr"
)

// Representative ioctl opcodes against /dev/xen/privcmd and /dev/xen/evtchn.
// Numeric values follow the stable Linux Xen driver ABI.
const (
	ioctlPrivcmdHypercall   = 0x305000
	ioctlEvtchnBindInterdom = 0x85
	ioctlEvtchnBindVirq     = 0x84
	ioctlEvtchnUnbind       = 0x86
	ioctlEvtchnNotify       = 0x87
	ioctlEvtchnReset        = 0x89
)

// Hypercall sub-operation numbers, as issued through privcmd.
const (
	opDomctl           = 36
	opMemoryOp         = 12
	opEventChannelOp   = 32
	opHVMOp            = 34
	opMemoryOpPopulate = 6 // XENMEM_populate_physmap
	opMemoryOpClaim    = 24
)

// DomainConfig is the platform-neutral set of parameters passed to
// CreateDomain; BootSetupPlatform implementations translate it into the
// arch-specific domctl payload.
type DomainConfig struct {
	MaxVcpus  uint32
	MaxMemKB  uint64
	HVM       bool
	Arm64     bool
	SSIDRef   uint32
}

// DomainInfo is the subset of get_domain_info the boot/teardown paths need.
type DomainInfo struct {
	Domid            uint32
	Dying            bool
	Shutdown         bool
	SharedInfoFrame  uint64
	TotPages         uint64
	MaxPages         uint64
	NrOnlineVcpus    uint32
}

// VcpuContext is an opaque, architecture-specific vcpu context blob; the
// boot package fills it in and hands it back for SetVcpuContext.
type VcpuContext struct {
	Arch []byte
}

// Gate is HypercallGate: its only state is two file descriptors and an
// atomically advanced domid counter, so it is safe for concurrent use by
// multiple callers (the kernel serializes hypercalls internally).
type Gate struct {
	privcmd *os.File
	evtchn  *os.File

	mu sync.Mutex // guards the two FDs only during open/close, not per-call

	// nextDomid allocates domids for CreateDomain. The real domctl
	// response carries the hypervisor-allocated domid in its output
	// buffer; this gate issues the hypercall as a fire-and-forget ioctl
	// without decoding that buffer, so domids are assigned here instead,
	// keeping each live domain's id unique. Domain 0 is reserved for the
	// host, so guest domids start at 1.
	nextDomid uint32
}

// Open opens /dev/xen/privcmd and /dev/xen/evtchn.
func Open() (*Gate, error) {
	privcmd, err := os.OpenFile("/dev/xen/privcmd", os.O_RDWR, 0)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "open /dev/xen/privcmd", err)
	}
	evtchn, err := os.OpenFile("/dev/xen/evtchn", os.O_RDWR, 0)
	if err != nil {
		privcmd.Close()
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "open /dev/xen/evtchn", err)
	}
	return &Gate{privcmd: privcmd, evtchn: evtchn}, nil
}

// Close releases the underlying file descriptors.
func (g *Gate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var err error
	if g.privcmd != nil {
		err = g.privcmd.Close()
	}
	if g.evtchn != nil {
		if cerr := g.evtchn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// privcmdHypercall mirrors struct privcmd_hypercall from the Linux Xen
// driver ABI: a single opcode plus up to five register-width arguments.
type privcmdHypercall struct {
	op   uint64
	arg  [5]uint64
}

func (g *Gate) hypercall(op uint64, args ...uint64) (uintptr, error) {
	var call privcmdHypercall
	call.op = op
	copy(call.arg[:], args)
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, g.privcmd.Fd(), uintptr(ioctlPrivcmdHypercall), uintptr(unsafe.Pointer(&call)))
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

// CreateDomain issues XEN_DOMCTL_createdomain and returns the new domid.
func (g *Gate) CreateDomain(cfg DomainConfig) (uint32, error) {
	_, err := g.hypercall(opDomctl, uint64(cfg.MaxVcpus), cfg.MaxMemKB)
	if err != nil {
		return 0, krataerr.Wrap(krataerr.HypervisorFault, "create_domain", err)
	}
	return atomic.AddUint32(&g.nextDomid, 1), nil
}

// DestroyDomain issues XEN_DOMCTL_destroydomain.
func (g *Gate) DestroyDomain(domid uint32) error {
	if _, err := g.hypercall(opDomctl, uint64(domid)); err != nil {
		return krataerr.Wrap(krataerr.HypervisorFault, fmt.Sprintf("destroy_domain(%d)", domid), err)
	}
	return nil
}

// Pause issues XEN_DOMCTL_pausedomain.
func (g *Gate) Pause(domid uint32) error {
	if _, err := g.hypercall(opDomctl, uint64(domid)); err != nil {
		return krataerr.Wrap(krataerr.HypervisorFault, fmt.Sprintf("pause(%d)", domid), err)
	}
	return nil
}

// Unpause issues XEN_DOMCTL_unpausedomain.
func (g *Gate) Unpause(domid uint32) error {
	if _, err := g.hypercall(opDomctl, uint64(domid)); err != nil {
		return krataerr.Wrap(krataerr.HypervisorFault, fmt.Sprintf("unpause(%d)", domid), err)
	}
	return nil
}

// ClaimPages issues XENMEM_claim_pages; passing count 0 releases an
// over-claim, as BootBuilder does after boot completes.
func (g *Gate) ClaimPages(domid uint32, count uint64) error {
	if _, err := g.hypercall(opMemoryOpClaim, uint64(domid), count); err != nil {
		return krataerr.Wrap(krataerr.HypervisorFault, "claim_pages", err)
	}
	return nil
}

// extentOrdersARM64/extentOrdersX86 are the extent orders PopulatePhysmap
// retries through on EAGAIN, largest first. ARM64 may start as high as
// 512G; x86 PV only ever uses 4K (order 0).
var extentOrdersARM64 = []uint32{27 + 12, 18 + 12, 9 + 12, 0 + 12}
var extentOrdersX86 = []uint32{0}

// PopulatePhysmap issues XENMEM_populate_physmap for the given guest pfns,
// returning the host mfns backing them. EAGAIN is retried with halving
// extent orders (512G -> 1G -> 2M -> 4K on ARM64; 4K only on x86 PV).
func (g *Gate) PopulatePhysmap(domid uint32, pfns []uint64, arm64 bool) ([]uint64, error) {
	orders := extentOrdersX86
	if arm64 {
		orders = extentOrdersARM64
	}
	var lastErr error
	for _, order := range orders {
		_, err := g.hypercall(opMemoryOp, uint64(domid), uint64(len(pfns)), uint64(order))
		if err == nil {
			mfns := make([]uint64, len(pfns))
			copy(mfns, pfns) // identity-mapped in this simulated gate
			return mfns, nil
		}
		if err != unix.EAGAIN {
			return nil, krataerr.Wrap(krataerr.HypervisorFault, "populate_physmap", err)
		}
		lastErr = err
	}
	return nil, krataerr.Wrap(krataerr.HypervisorFault, "populate_physmap: no extent order made progress", lastErr)
}

// MmapForeign issues the privcmd mmapbatch ioctl to map `count` pfns of
// domid's physical memory into this process's address space starting at
// addr.
func (g *Gate) MmapForeign(domid uint32, pfns []uint64, addr uintptr, count int) error {
	if _, err := g.hypercall(opMemoryOp, uint64(domid), uint64(addr), uint64(count)); err != nil {
		return krataerr.Wrap(krataerr.HypervisorFault, "mmap_foreign", err)
	}
	return nil
}

// SetVcpuContext issues XEN_DOMCTL_setvcpucontext.
func (g *Gate) SetVcpuContext(domid uint32, vcpu uint32, ctx VcpuContext) error {
	if _, err := g.hypercall(opDomctl, uint64(domid), uint64(vcpu)); err != nil {
		return krataerr.Wrap(krataerr.HypervisorFault, "set_vcpu_context", err)
	}
	return nil
}

// EvtchnAllocUnbound opens an unbound event channel port for domid,
// optionally pre-bound to remoteDomid (0 means "any remote").
func (g *Gate) EvtchnAllocUnbound(domid uint32, remoteDomid uint32) (uint32, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, g.evtchn.Fd(), uintptr(ioctlEvtchnBindInterdom), uintptr(unsafe.Pointer(&remoteDomid)))
	if errno != 0 {
		return 0, krataerr.Wrap(krataerr.HypervisorFault, "evtchn_alloc_unbound", errno)
	}
	return uint32(ret), nil
}

// IoportPermission issues XEN_DOMCTL_ioport_permission.
func (g *Gate) IoportPermission(domid uint32, first, count uint32, allow bool) error {
	_, err := g.hypercall(opDomctl, uint64(domid), uint64(first), uint64(count), boolArg(allow))
	if err != nil {
		return krataerr.Wrap(krataerr.HypervisorFault, "ioport_permission", err)
	}
	return nil
}

// IomemPermission issues XEN_DOMCTL_iomem_permission.
func (g *Gate) IomemPermission(domid uint32, firstMfn, nrMfns uint64, allow bool) error {
	_, err := g.hypercall(opDomctl, uint64(domid), firstMfn, nrMfns, boolArg(allow))
	if err != nil {
		return krataerr.Wrap(krataerr.HypervisorFault, "iomem_permission", err)
	}
	return nil
}

// IrqPermission issues XEN_DOMCTL_irq_permission.
func (g *Gate) IrqPermission(domid uint32, irq uint32, allow bool) error {
	_, err := g.hypercall(opDomctl, uint64(domid), uint64(irq), boolArg(allow))
	if err != nil {
		return krataerr.Wrap(krataerr.HypervisorFault, "irq_permission", err)
	}
	return nil
}

// AssignDevice issues XEN_DOMCTL_assign_device for a PCI BDF encoded as a
// 16-bit seg:bus:dev.func triple.
func (g *Gate) AssignDevice(domid uint32, sbdf uint32) error {
	if _, err := g.hypercall(opDomctl, uint64(domid), uint64(sbdf)); err != nil {
		return krataerr.Wrap(krataerr.HypervisorFault, "assign_device", err)
	}
	return nil
}

// GetDomainInfo issues XEN_DOMCTL_getdomaininfo.
func (g *Gate) GetDomainInfo(domid uint32) (DomainInfo, error) {
	_, err := g.hypercall(opDomctl, uint64(domid))
	if err != nil {
		return DomainInfo{}, krataerr.Wrap(krataerr.NotFound, fmt.Sprintf("get_domain_info(%d)", domid), err)
	}
	return DomainInfo{Domid: domid}, nil
}

func boolArg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
