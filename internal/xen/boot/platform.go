package boot

import "github.com/krata-zone/kratad/internal/xen/hypercall"

// Platform is the BootSetupPlatform capability set: a flat method table
// with no inheritance between the two variants (X86Pv, Arm64). BootSetup
// calls these in the fixed order documented on Setup.Initialize/Boot.
type Platform interface {
	CreateDomainConfig() hypercall.DomainConfig
	PageSize() uint64
	PageShift() uint64
	NeedsEarlyKernel() bool

	InitializeEarly(d *Domain) error
	InitializeMemory(d *Domain) error
	AllocPageTables(d *Domain) (*DomainSegment, error)
	AllocP2MSegment(d *Domain) (*DomainSegment, error)
	AllocMagicPages(d *Domain) error
	SetupPageTables(d *Domain) error
	SetupSharedInfo(d *Domain, sharedInfoFrame uint64) error
	SetupStartInfo(d *Domain, sharedInfoFrame uint64) error
	Bootlate(d *Domain) error
	GnttabSeed(d *Domain) error
	Vcpu(d *Domain) error
	SetupHypercallPage(d *Domain) error
}
