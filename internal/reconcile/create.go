package reconcile

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/krata-zone/kratad/internal/model"
)

// runCreate is ZoneCreator::create: resolve images, claim devices under a
// release-on-error guard, launch the domain, and record the resulting
// status. Devices claimed but not successfully started are released
// before returning, mirroring the scopeguard pattern of
// reconcile/zone/create.rs.
func (r *Reconciler) runCreate(z *model.Zone) {
	if err := r.devices.Claim(z.Spec.Devices, z.UUID); err != nil {
		r.fail(z, err)
		return
	}
	released := false
	release := func() {
		if !released {
			_ = r.devices.Release(z.Spec.Devices, z.UUID)
			released = true
		}
	}

	kernel, initrd, err := r.images.Resolve(z.Spec)
	if err != nil {
		release()
		r.fail(z, err)
		return
	}

	reservation, err := r.net.Assign(z.UUID)
	if err != nil {
		release()
		r.fail(z, err)
		return
	}

	id, err := uuid.Parse(z.UUID)
	if err != nil {
		release()
		r.fail(z, err)
		return
	}

	handle, err := r.domain.Create(DomainCreateSpec{
		UUID:    id,
		Name:    z.Spec.Name,
		MemMB:   z.Spec.MemMB,
		Vcpus:   z.Spec.Vcpus,
		Cmdline: cmdlineOf(z.Spec),
		Kernel:  kernel,
		Initrd:  initrd,
		Network: networkStatusOf(reservation),
		Devices: z.Spec.Devices,
	})
	if err != nil {
		_ = r.net.Recall(z.UUID)
		release()
		r.fail(z, err)
		return
	}

	r.zlt.Associate(handle.Domid, id)
	ns := networkStatusOf(reservation)
	z.Status = model.ZoneStatus{
		State:         model.ZoneStateCreated,
		NetworkStatus: &ns,
		Domid:         handle.Domid,
		HostUUID:      z.Status.HostUUID,
	}
	if err := r.store.Write(z); err != nil {
		r.log.WithError(err).WithField("zone", z.UUID).Warn("failed to persist created zone")
	}
}

func (r *Reconciler) fail(z *model.Zone, err error) {
	z.Status.State = model.ZoneStateFailed
	z.Status.ErrorStatus = &model.ErrorStatus{Msg: err.Error()}
	if werr := r.store.Write(z); werr != nil {
		r.log.WithError(werr).WithField("zone", z.UUID).Warn("failed to persist failed zone status")
	}
}

func cmdlineOf(spec model.ZoneSpec) string {
	cmdline := spec.Cwd
	for _, arg := range spec.Cmd {
		if cmdline != "" {
			cmdline += " "
		}
		cmdline += arg
	}
	return cmdline
}

func networkStatusOf(r model.NetworkReservation) model.NetworkStatus {
	cidr := func(ip string, prefix int) string {
		if ip == "" {
			return ""
		}
		return fmt.Sprintf("%s/%d", ip, prefix)
	}
	return model.NetworkStatus{
		IPv4CIDR:        cidr(r.IPv4, r.IPv4Prefix),
		IPv6CIDR:        cidr(r.IPv6, r.IPv6Prefix),
		MAC:             r.MAC,
		GatewayIPv4CIDR: cidr(r.GatewayIPv4, r.IPv4Prefix),
		GatewayIPv6CIDR: cidr(r.GatewayIPv6, r.IPv6Prefix),
		GatewayMAC:      r.GatewayMAC,
	}
}
