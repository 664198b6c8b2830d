// Package boot implements BootBuilder: given a parsed ELF kernel, an
// initrd blob, memory size, and vcpu count, it produces the complete
// guest-physical layout and returns the handles DomainManager needs to
// finish introducing the domain to XenStore.
package boot

import (
	"github.com/krata-zone/kratad/internal/krataerr"
	"github.com/krata-zone/kratad/internal/xen/hypercall"
)

// XenPageShift is the hypervisor's native page shift (4K pages).
const XenPageShift = 12

// DomainSegment is a contiguous guest-virtual/guest-physical allocation
// made during boot construction: a kernel segment, an initrd segment, a
// page-table segment, etc.
type DomainSegment struct {
	VStart uint64
	VEnd   uint64
	Pfn    uint64
	Addr   uint64
	Size   uint64
	Pages  uint64
}

// ImageInfo is what ELF parsing (or, on ARM64, a flat Image header)
// extracts about the kernel before any memory is allocated.
type ImageInfo struct {
	Start          uint64
	VirtBase       uint64
	VirtKStart     uint64
	VirtKEnd       uint64
	VirtHypercall  uint64
	VirtEntry      uint64
	VirtP2MBase    uint64
	UnmappedInitrd bool
}

// ImageLoader parses a kernel blob into ImageInfo and, later, copies its
// loadable segments into mapped guest memory.
type ImageLoader interface {
	Parse(hvm bool) (ImageInfo, error)
	Load(info ImageInfo, dst []byte) error
}

// Domain is BootDomain: the in-progress state of one guest's boot
// construction, threaded through every platform capability call in a
// fixed order.
type Domain struct {
	Domid         uint32
	PageSize      uint64
	VirtAllocEnd  uint64
	PfnAllocEnd   uint64
	VirtPgtabEnd  uint64
	TotalPages    uint64
	TargetPages   uint64
	MaxVcpus      uint32
	ImageInfo     ImageInfo
	StoreEvtchn   uint32
	StoreMfn      uint64
	ConsoleEvtchn uint32
	ConsoleMfn    uint64
	InitrdSegment DomainSegment
	Consoles      []ConsoleBinding
	Cmdline       string

	pageTableSegment *DomainSegment
}

// ConsoleBinding pairs a console's event channel with its magic-page mfn.
type ConsoleBinding struct {
	Evtchn uint32
	Mfn    uint64
}

// AllocModule allocates a segment sized to buffer and marks it for the
// caller to copy buffer's bytes into once mapped.
func (d *Domain) AllocModule(size uint64) (DomainSegment, error) {
	return d.AllocSegment(0, size)
}

// AllocSegment reserves `size` bytes of guest-virtual/guest-physical space
// starting at the allocator's current cursor (or at `start` if nonzero,
// after padding up to it).
func (d *Domain) AllocSegment(start, size uint64) (DomainSegment, error) {
	if start > 0 {
		if err := d.AllocPaddingPages(start); err != nil {
			return DomainSegment{}, err
		}
	}
	pages := (size + d.PageSize - 1) / d.PageSize
	vstart := d.VirtAllocEnd
	seg := DomainSegment{VStart: vstart, Pfn: d.PfnAllocEnd, Size: size, Pages: pages}
	if err := d.ChkAllocPages(pages); err != nil {
		return DomainSegment{}, err
	}
	seg.VEnd = d.VirtAllocEnd
	return seg, nil
}

// AllocPaddingPages advances the allocator to a page-aligned boundary.
func (d *Domain) AllocPaddingPages(boundary uint64) error {
	if boundary%d.PageSize != 0 {
		return krataerr.New(krataerr.InvalidInput, "boundary is incorrect")
	}
	if boundary < d.VirtAllocEnd {
		return krataerr.New(krataerr.InvalidInput, "boundary is below allocation end")
	}
	pages := (boundary - d.VirtAllocEnd) / d.PageSize
	return d.ChkAllocPages(pages)
}

// ChkAllocPages advances the pfn/virt allocation cursors by `pages`,
// failing if doing so would exceed TotalPages.
func (d *Domain) ChkAllocPages(pages uint64) error {
	if pages > d.TotalPages || d.PfnAllocEnd > d.TotalPages || pages > d.TotalPages-d.PfnAllocEnd {
		return krataerr.New(krataerr.ResourceExhausted, "no more pages left")
	}
	d.PfnAllocEnd += pages
	d.VirtAllocEnd += pages * d.PageSize
	return nil
}

// AllocPage reserves a single page and returns its segment without
// advancing Size (callers that need byte-addressable space use
// AllocSegment instead).
func (d *Domain) AllocPage() (DomainSegment, error) {
	vstart := d.VirtAllocEnd
	pfn := d.PfnAllocEnd
	if err := d.ChkAllocPages(1); err != nil {
		return DomainSegment{}, err
	}
	return DomainSegment{VStart: vstart, VEnd: vstart + d.PageSize - 1, Pfn: pfn, Pages: 1}, nil
}

// RoundUp rounds addr up using the given alignment mask.
func RoundUp(addr, mask uint64) uint64 { return addr | mask }

// BitsToMask returns a mask covering the low `bits` bits.
func BitsToMask(bits uint64) uint64 { return (uint64(1) << bits) - 1 }

// Result is what BootSetup.Boot hands back to DomainManager.
type Result struct {
	Domid         uint32
	StoreMfn      uint64
	StoreEvtchn   uint32
	ConsoleMfn    uint64
	ConsoleEvtchn uint32
}

// call is the subset of HypercallGate the boot package depends on,
// narrowed to an interface so platform variants and tests can fake it.
type call interface {
	ClaimPages(domid uint32, count uint64) error
	PopulatePhysmap(domid uint32, pfns []uint64, arm64 bool) ([]uint64, error)
	EvtchnAllocUnbound(domid uint32, remoteDomid uint32) (uint32, error)
	SetVcpuContext(domid uint32, vcpu uint32, ctx hypercall.VcpuContext) error
	GetDomainInfo(domid uint32) (hypercall.DomainInfo, error)
}
