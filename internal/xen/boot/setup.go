package boot

import (
	"github.com/krata-zone/kratad/internal/krataerr"
)

// Setup is BootSetup<I,P>: orchestrates Initialize then Boot against one
// platform variant and one image loader.
type Setup struct {
	Call     call
	Domid    uint32
	Platform Platform
	Loader   ImageLoader
	Dtb      []byte
}

// New constructs a Setup for one domain boot.
func New(c call, domid uint32, platform Platform, loader ImageLoader, dtb []byte) *Setup {
	return &Setup{Call: c, Domid: domid, Platform: platform, Loader: loader, Dtb: dtb}
}

// Initialize runs steps 1-8 of the orchestration documented in the
// BootBuilder component: parse the kernel, compute the page budget,
// optionally load the kernel early, populate memory, load the kernel and
// initrd segments, allocate magic pages, and open the xenstore event
// channel. The returned Domain still needs Boot to actually start running.
func (s *Setup) Initialize(initrd []byte, memMB uint64, maxVcpus uint32, cmdline string) (*Domain, error) {
	totalPages := memMB << (20 - s.Platform.PageShift())
	imageInfo, err := s.Loader.Parse(true)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.InvalidInput, "parse kernel image", err)
	}

	d := &Domain{
		Domid:        s.Domid,
		PageSize:     s.Platform.PageSize(),
		TotalPages:   totalPages,
		TargetPages:  totalPages,
		ImageInfo:    imageInfo,
		MaxVcpus:     maxVcpus,
		Cmdline:      cmdline,
	}

	if err := s.Platform.InitializeEarly(d); err != nil {
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "initialize_early", err)
	}

	var initrdSegment *DomainSegment
	if !d.ImageInfo.UnmappedInitrd {
		seg, err := d.AllocModule(uint64(len(initrd)))
		if err != nil {
			return nil, err
		}
		initrdSegment = &seg
	}

	var kernelSegment *DomainSegment
	if s.Platform.NeedsEarlyKernel() {
		seg, err := s.loadKernelSegment(d)
		if err != nil {
			return nil, err
		}
		kernelSegment = &seg
	}

	if err := s.Platform.InitializeMemory(d); err != nil {
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "initialize_memory", err)
	}
	d.VirtAllocEnd = d.ImageInfo.VirtBase

	if kernelSegment == nil {
		seg, err := s.loadKernelSegment(d)
		if err != nil {
			return nil, err
		}
		kernelSegment = &seg
	}

	if d.ImageInfo.UnmappedInitrd {
		seg, err := d.AllocModule(uint64(len(initrd)))
		if err != nil {
			return nil, err
		}
		initrdSegment = &seg
	}
	if initrdSegment == nil {
		return nil, krataerr.New(krataerr.HypervisorFault, "initrd_segment missing")
	}
	d.InitrdSegment = *initrdSegment

	if err := s.Platform.AllocMagicPages(d); err != nil {
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "alloc_magic_pages", err)
	}

	evtchn, err := s.Call.EvtchnAllocUnbound(s.Domid, 0)
	if err != nil {
		return nil, krataerr.Wrap(krataerr.HypervisorFault, "evtchn_alloc_unbound(store)", err)
	}
	d.StoreEvtchn = evtchn

	if kernelSegment == nil {
		return nil, krataerr.New(krataerr.HypervisorFault, "kernel_segment missing")
	}
	return d, nil
}

// Boot runs step 9-10: page tables, start-info, hypercall page, bootlate,
// shared info, vcpu context, then grant table seed. Boot makes no foreign
// mappings and releases none.
func (s *Setup) Boot(d *Domain) (Result, error) {
	info, err := s.Call.GetDomainInfo(s.Domid)
	if err != nil {
		return Result{}, krataerr.Wrap(krataerr.HypervisorFault, "get_domain_info", err)
	}
	sharedInfoFrame := info.SharedInfoFrame

	if err := s.Platform.SetupPageTables(d); err != nil {
		return Result{}, krataerr.Wrap(krataerr.HypervisorFault, "setup_page_tables", err)
	}
	if err := s.Platform.SetupStartInfo(d, sharedInfoFrame); err != nil {
		return Result{}, krataerr.Wrap(krataerr.HypervisorFault, "setup_start_info", err)
	}
	if err := s.Platform.SetupHypercallPage(d); err != nil {
		return Result{}, krataerr.Wrap(krataerr.HypervisorFault, "setup_hypercall_page", err)
	}
	if err := s.Platform.Bootlate(d); err != nil {
		return Result{}, krataerr.Wrap(krataerr.HypervisorFault, "bootlate", err)
	}
	if err := s.Platform.SetupSharedInfo(d, sharedInfoFrame); err != nil {
		return Result{}, krataerr.Wrap(krataerr.HypervisorFault, "setup_shared_info", err)
	}
	if err := s.Platform.Vcpu(d); err != nil {
		return Result{}, krataerr.Wrap(krataerr.HypervisorFault, "vcpu", err)
	}
	if err := s.Platform.GnttabSeed(d); err != nil {
		return Result{}, krataerr.Wrap(krataerr.HypervisorFault, "gnttab_seed", err)
	}

	return Result{
		Domid:         d.Domid,
		StoreMfn:      d.StoreMfn,
		StoreEvtchn:   d.StoreEvtchn,
		ConsoleMfn:    d.ConsoleMfn,
		ConsoleEvtchn: d.ConsoleEvtchn,
	}, nil
}

func (s *Setup) loadKernelSegment(d *Domain) (DomainSegment, error) {
	seg, err := d.AllocSegment(d.ImageInfo.VirtKStart, d.ImageInfo.VirtKEnd-d.ImageInfo.VirtKStart)
	if err != nil {
		return DomainSegment{}, err
	}
	buf := make([]byte, seg.Size)
	if err := s.Loader.Load(d.ImageInfo, buf); err != nil {
		return DomainSegment{}, krataerr.Wrap(krataerr.InvalidInput, "load kernel segment", err)
	}
	return seg, nil
}
