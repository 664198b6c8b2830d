package reconcile

import (
	"sync"

	"github.com/google/uuid"
)

// ZoneLookupTable is the single shared owner of the domid<->UUID mapping
// that both the Reconciler and the IDM exit-propagation path need.
// Both sides hold a handle into this table rather than their own copy,
// so neither owns the other and no reference cycle forms.
type ZoneLookupTable struct {
	mu        sync.RWMutex
	domidToID map[uint32]uuid.UUID
	idToDomid map[uuid.UUID]uint32
}

// NewZoneLookupTable constructs an empty table.
func NewZoneLookupTable() *ZoneLookupTable {
	return &ZoneLookupTable{
		domidToID: make(map[uint32]uuid.UUID),
		idToDomid: make(map[uuid.UUID]uint32),
	}
}

// Associate records that domid now backs zoneUUID, called by the
// Reconciler when a zone transitions to Created.
func (t *ZoneLookupTable) Associate(domid uint32, zoneUUID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.domidToID[domid] = zoneUUID
	t.idToDomid[zoneUUID] = domid
}

// Forget removes zoneUUID's entry, called on Destroyed/Failed.
func (t *ZoneLookupTable) Forget(zoneUUID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if domid, ok := t.idToDomid[zoneUUID]; ok {
		delete(t.domidToID, domid)
		delete(t.idToDomid, zoneUUID)
	}
}

// UUIDForDomid resolves the zone owning domid, for IDM ExitEvent routing.
func (t *ZoneLookupTable) UUIDForDomid(domid uint32) (uuid.UUID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.domidToID[domid]
	return id, ok
}

// DomidForUUID resolves the domid backing zoneUUID, if any.
func (t *ZoneLookupTable) DomidForUUID(zoneUUID uuid.UUID) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	domid, ok := t.idToDomid[zoneUUID]
	return domid, ok
}
