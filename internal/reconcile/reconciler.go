package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/krata-zone/kratad/internal/model"
)

// NotifyQueueLen is the mpsc<Uuid> notify channel's capacity.
const NotifyQueueLen = 1000

// TickInterval is the periodic full-sweep period driving crash recovery.
const TickInterval = 15 * time.Second

// MaxConcurrentReconciles bounds how many zones can be created/destroyed
// at once, so a burst of notifies can't spawn unbounded concurrent
// create/destroy goroutines.
const MaxConcurrentReconciles = 8

// Reconciler is the per-host singleton convergence loop: it consumes a
// notify queue plus a periodic tick, enforces at most one in-flight
// reconcile per zone UUID, and emits ZoneChanged on every transition.
type Reconciler struct {
	store   ZoneStore
	domain  DomainLauncher
	devices DeviceClaimer
	net     NetAssigner
	images  ImageResolver
	zlt     *ZoneLookupTable
	events  *EventBus
	log     *logrus.Entry

	notify chan uuid.UUID
	group  singleflight.Group
	sem    *semaphore.Weighted
	done   chan struct{}
}

// New constructs a Reconciler. Call Run to start its loop and Notify/Events
// to drive and observe it.
func New(store ZoneStore, domain DomainLauncher, devices DeviceClaimer, net NetAssigner, images ImageResolver, zlt *ZoneLookupTable, log *logrus.Entry) *Reconciler {
	return &Reconciler{
		store:   store,
		domain:  domain,
		devices: devices,
		net:     net,
		images:  images,
		zlt:     zlt,
		events:  NewEventBus(),
		log:     log.WithField("component", "reconciler"),
		notify:  make(chan uuid.UUID, NotifyQueueLen),
		sem:     semaphore.NewWeighted(MaxConcurrentReconciles),
		done:    make(chan struct{}),
	}
}

// Events returns the ZoneChanged event bus subscribers attach to.
func (r *Reconciler) Events() *EventBus { return r.events }

// Notify enqueues id for reconcile; non-blocking once the queue is full,
// since a subsequent tick will recover any missed work.
func (r *Reconciler) Notify(id uuid.UUID) {
	select {
	case r.notify <- id:
	default:
		r.log.WithField("zone", id).Warn("notify queue full, relying on next tick")
	}
}

// Run drives the notify channel and the periodic tick until Stop is
// called; intended to run in its own goroutine. Each notified zone is
// dispatched onto its own goroutine bounded by sem, so an unrelated
// zone's slow create/destroy never delays another zone's reconcile;
// singleflight still collapses concurrent notifies for the same UUID.
func (r *Reconciler) Run() {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case id := <-r.notify:
			r.dispatchAsync(id)
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reconciler) dispatchAsync(id uuid.UUID) {
	if err := r.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	go func() {
		defer r.sem.Release(1)
		r.reconcileOne(id)
	}()
}

// Stop ends the Run loop. In-flight reconciles started by dispatchAsync
// are not waited on; they run to completion independently.
func (r *Reconciler) Stop() { close(r.done) }

// tick is reconcile_runtime: list every zone, compare persisted status
// against the observed runtime, and re-enqueue whatever drifted.
func (r *Reconciler) tick() {
	zones, err := r.store.List()
	if err != nil {
		r.log.WithError(err).Warn("failed to list zones during tick")
		return
	}
	for _, z := range zones {
		id, err := uuid.Parse(z.UUID)
		if err != nil {
			r.log.WithError(err).WithField("zone", z.UUID).Warn("zone record has invalid uuid")
			continue
		}
		switch z.Status.State {
		case model.ZoneStateCreated:
			if !r.domainAlive(z) {
				z.Status.State = model.ZoneStateExited
				z.Status.ExitStatus = &model.ExitStatus{Code: -1}
				_ = r.store.Write(z)
				r.Notify(id)
			}
		case model.ZoneStateCreating:
			if z.Status.Domid == model.DomidUnassigned {
				r.Notify(id)
			}
		case model.ZoneStateDestroying:
			r.Notify(id)
		}
	}
}

// domainAlive reports whether the zone's domid still appears to be a
// live Xen domain, deferring to the DomainLauncher when it implements
// domainAliveChecker. No launcher in this module implements it, so any
// zone with an assigned domid is reported alive.
func (r *Reconciler) domainAlive(z *model.Zone) bool {
	if z.Status.Domid == model.DomidUnassigned {
		return false
	}
	if checker, ok := r.domain.(domainAliveChecker); ok {
		return checker.DomainAlive(z.Status.Domid)
	}
	return true
}

// domainAliveChecker is an optional capability a DomainLauncher may
// implement to support tick-driven crash recovery.
type domainAliveChecker interface {
	DomainAlive(domid uint32) bool
}

// reconcileOne enforces single-flight per UUID: concurrent notifies for
// the same zone collapse onto one in-progress call. Run hands each
// notify to dispatchAsync, which runs it on its own goroutine under the
// semaphore, so there is no serial consumer loop ordering the calls.
func (r *Reconciler) reconcileOne(id uuid.UUID) {
	_, _, _ = r.group.Do(id.String(), func() (interface{}, error) {
		r.dispatch(id)
		return nil, nil
	})
}

func (r *Reconciler) dispatch(id uuid.UUID) {
	z, ok, err := r.store.Read(id)
	if err != nil {
		r.log.WithError(err).WithField("zone", id).Warn("failed to read zone")
		return
	}
	if !ok {
		return
	}

	switch z.Status.State {
	case model.ZoneStateCreating:
		r.runCreate(z)
	case model.ZoneStateDestroying, model.ZoneStateExited:
		r.runDestroy(z)
	default:
		return
	}

	r.events.Publish(model.ZoneChanged{UUID: z.UUID, Status: z.Status})

	if z.Status.State == model.ZoneStateDestroyed || z.Status.State == model.ZoneStateFailed {
		_ = r.store.Delete(id)
	}
}

// OnExitEvent handles an IDM ExitEvent{code} from domid: resolves the
// owning zone via the ZoneLookupTable, marks it Exited, and re-enqueues.
func (r *Reconciler) OnExitEvent(domid uint32, code int32) {
	id, ok := r.zlt.UUIDForDomid(domid)
	if !ok {
		r.log.WithField("domid", domid).Warn("exit event for unknown domid")
		return
	}
	z, ok, err := r.store.Read(id)
	if err != nil || !ok {
		return
	}
	z.Status.State = model.ZoneStateExited
	z.Status.ExitStatus = &model.ExitStatus{Code: code}
	if err := r.store.Write(z); err != nil {
		r.log.WithError(err).WithField("zone", id).Warn("failed to persist exit status")
		return
	}
	r.Notify(id)
}
