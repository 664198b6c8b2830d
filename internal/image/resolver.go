package image

import (
	"fmt"
	"os"

	"github.com/krata-zone/kratad/internal/model"
)

// Resolver adapts a Packer plus a daemon-default kernel/initrd pair into
// reconcile.ImageResolver: it only needs to produce kernel/initrd bytes,
// since BootBuilder consumes those directly rather than a packed rootfs
// path (Xen zones boot a kernel+initrd, unlike Firecracker's rootfs
// block device).
type Resolver struct {
	Packer            Packer
	DefaultKernelPath string
	DefaultInitrdPath string
	// Arm64 is the host's zone architecture ("arm64" if true, "amd64"
	// otherwise), used to refuse packing a kernel/initrd image built
	// for the wrong architecture.
	Arm64 bool
}

func (r *Resolver) wantArch() string {
	if r.Arm64 {
		return "arm64"
	}
	return "amd64"
}

// Resolve implements reconcile.ImageResolver. When spec.KernelRef/InitrdRef
// name an OCI image, it is resolved and packed in tar format and the
// named file extracted; otherwise the daemon's default kernel/initrd
// files are used.
func (r *Resolver) Resolve(spec model.ZoneSpec) (kernel, initrd []byte, err error) {
	kernel, err = r.resolveOne(spec.KernelRef, r.DefaultKernelPath, "kernel/image")
	if err != nil {
		return nil, nil, fmt.Errorf("resolve kernel: %w", err)
	}
	initrd, err = r.resolveOne(spec.InitrdRef, r.DefaultInitrdPath, "krata/initrd")
	if err != nil {
		return nil, nil, fmt.Errorf("resolve initrd: %w", err)
	}
	return kernel, initrd, nil
}

func (r *Resolver) resolveOne(ref, defaultPath, fileInImage string) ([]byte, error) {
	if ref == "" {
		return os.ReadFile(defaultPath)
	}
	if platform, err := r.Packer.Platform(ref); err == nil && platform.Architecture != "" {
		if want := r.wantArch(); platform.Architecture != want {
			return nil, fmt.Errorf("image %s is built for %s, zone host is %s", ref, platform.Architecture, want)
		}
	}
	d, err := r.Packer.Resolve(ref)
	if err != nil {
		return nil, err
	}
	packed, err := r.Packer.Pack(d, FormatTar, false, nil)
	if err != nil {
		return nil, err
	}
	return readFileFromTar(packed.Path, fileInImage)
}
