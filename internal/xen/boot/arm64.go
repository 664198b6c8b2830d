package boot

import (
	"github.com/krata-zone/kratad/internal/krataerr"
	"github.com/krata-zone/kratad/internal/xen/hypercall"
)

// PSR mode/mask bits used to seed an ARM64 vcpu's initial CPSR.
const (
	psrModeEL1h = 0x5
	psrAbtMask  = 1 << 8
	psrFiqMask  = 1 << 6
	psrIrqMask  = 1 << 7
)

// arm64ExtentOrders is the greedy extent-order sequence InitializeMemory
// walks: 512G, then 1G, then 2M, then 4K, using each size while it still
// fits the remaining page count.
var arm64ExtentOrders = []uint64{39, 30, 21, 12}

// Arm64 is the ARM64 BootSetupPlatform variant: the hypervisor manages
// stage-2 page tables, so this variant never builds its own; it instead
// seeds the vcpu's program counter, x0, and CPSR directly, and may place
// an optional device-tree blob.
type Arm64 struct {
	call call
	dtb  []byte
}

// NewArm64 constructs the ARM64 platform.
func NewArm64(c call, dtb []byte) *Arm64 {
	return &Arm64{call: c, dtb: dtb}
}

func (p *Arm64) CreateDomainConfig() hypercall.DomainConfig {
	return hypercall.DomainConfig{Arm64: true}
}

func (p *Arm64) PageSize() uint64  { return 1 << XenPageShift }
func (p *Arm64) PageShift() uint64 { return XenPageShift }

// NeedsEarlyKernel is true on ARM64: the kernel must be placed before
// memory initialization runs.
func (p *Arm64) NeedsEarlyKernel() bool { return true }

func (p *Arm64) InitializeEarly(d *Domain) error { return nil }

// InitializeMemory greedily populates guest RAM using the largest extent
// order that still fits the remaining page count, falling back through
// arm64ExtentOrders until 4K extents finish the job.
func (p *Arm64) InitializeMemory(d *Domain) error {
	remaining := d.TotalPages
	nextPfn := uint64(0)
	for _, order := range arm64ExtentOrders {
		extentPages := uint64(1) << (order - XenPageShift)
		for remaining >= extentPages {
			pfns := []uint64{nextPfn}
			if _, err := p.call.PopulatePhysmap(d.Domid, pfns, true); err != nil {
				return krataerr.Wrap(krataerr.HypervisorFault, "populate_physmap", err)
			}
			nextPfn += extentPages
			remaining -= extentPages
		}
	}
	if remaining > 0 {
		return krataerr.New(krataerr.HypervisorFault, "initialize_memory: extents made no further progress")
	}
	return nil
}

// AllocPageTables is unused on ARM64 (the hypervisor manages stage-2
// translation); it returns nil, nil.
func (p *Arm64) AllocPageTables(d *Domain) (*DomainSegment, error) { return nil, nil }

func (p *Arm64) AllocP2MSegment(d *Domain) (*DomainSegment, error) { return nil, nil }

// AllocMagicPages reserves the xenstore and console pages, opens the
// console's event channel, then places the device tree blob (if any) at a
// computed modbase that does not overlap the kernel segment.
func (p *Arm64) AllocMagicPages(d *Domain) error {
	storeSeg, err := d.AllocPage()
	if err != nil {
		return err
	}
	d.StoreMfn = storeSeg.Pfn

	consoleSeg, err := d.AllocPage()
	if err != nil {
		return err
	}
	d.ConsoleMfn = consoleSeg.Pfn
	evtchn, err := p.call.EvtchnAllocUnbound(d.Domid, 0)
	if err != nil {
		return err
	}
	d.ConsoleEvtchn = evtchn
	d.Consoles = append(d.Consoles, ConsoleBinding{Evtchn: evtchn, Mfn: consoleSeg.Pfn})

	if len(p.dtb) > 0 {
		modbase := RoundUp(d.ImageInfo.VirtKEnd, BitsToMask(21))
		if _, err := d.AllocSegment(modbase, uint64(len(p.dtb))); err != nil {
			return krataerr.Wrap(krataerr.ResourceExhausted, "alloc dtb segment", err)
		}
	}
	return nil
}

func (p *Arm64) SetupPageTables(d *Domain) error     { return nil }
func (p *Arm64) SetupSharedInfo(d *Domain, f uint64) error { return nil }
func (p *Arm64) SetupStartInfo(d *Domain, f uint64) error  { return nil }
func (p *Arm64) Bootlate(d *Domain) error                  { return nil }
func (p *Arm64) GnttabSeed(d *Domain) error                { return nil }

// Vcpu seeds pc = virt_entry, x0 = 0xffffffff (the boot protocol's "no
// device tree passed in a register" marker when a dtb page is used
// instead), and cpsr = EL1h with async/IRQ/FIQ masked.
func (p *Arm64) Vcpu(d *Domain) error {
	cpsr := uint32(psrModeEL1h | psrAbtMask | psrFiqMask | psrIrqMask)
	ctx := hypercall.VcpuContext{Arch: encodeArm64Regs(d.ImageInfo.VirtEntry, 0xffffffff, cpsr)}
	return p.call.SetVcpuContext(d.Domid, 0, ctx)
}

// SetupHypercallPage is a no-op on ARM64: hypercalls are issued via the
// HVC instruction, not a patched page.
func (p *Arm64) SetupHypercallPage(d *Domain) error { return nil }

func encodeArm64Regs(pc, x0 uint64, cpsr uint32) []byte {
	buf := make([]byte, 20)
	putU64(buf[0:8], pc)
	putU64(buf[8:16], x0)
	putU32(buf[16:20], cpsr)
	return buf
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
