package reconcile

import (
	"github.com/krata-zone/kratad/internal/model"
)

// runDestroy is ZoneDestroyer::destroy: tear the domain down if one
// exists, release claimed devices, recall the IP reservation, and mark
// the record Destroyed so the caller deletes it.
func (r *Reconciler) runDestroy(z *model.Zone) {
	if z.Status.Domid != model.DomidUnassigned {
		if err := r.domain.Destroy(z.Status.Domid, len(z.Spec.Devices)); err != nil {
			r.log.WithError(err).WithField("zone", z.UUID).Warn("domain destroy failed, continuing teardown")
		}
	}
	if err := r.devices.Release(z.Spec.Devices, z.UUID); err != nil {
		r.log.WithError(err).WithField("zone", z.UUID).Warn("device release failed during teardown")
	}
	if err := r.net.Recall(z.UUID); err != nil {
		r.log.WithError(err).WithField("zone", z.UUID).Warn("ip reservation recall failed during teardown")
	}

	if id, ok := parseUUID(z.UUID); ok {
		r.zlt.Forget(id)
	}

	z.Status.State = model.ZoneStateDestroyed
}
