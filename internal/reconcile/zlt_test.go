package reconcile

import (
	"testing"

	"github.com/google/uuid"
)

func TestZoneLookupTableAssociateAndForget(t *testing.T) {
	zlt := NewZoneLookupTable()
	id := uuid.New()
	zlt.Associate(7, id)

	if got, ok := zlt.UUIDForDomid(7); !ok || got != id {
		t.Fatalf("UUIDForDomid(7) = %v, %v; want %v, true", got, ok, id)
	}
	if got, ok := zlt.DomidForUUID(id); !ok || got != 7 {
		t.Fatalf("DomidForUUID = %v, %v; want 7, true", got, ok)
	}

	zlt.Forget(id)
	if _, ok := zlt.UUIDForDomid(7); ok {
		t.Fatal("expected domid lookup to be gone after Forget")
	}
	if _, ok := zlt.DomidForUUID(id); ok {
		t.Fatal("expected uuid lookup to be gone after Forget")
	}
}

func TestZoneLookupTableUnknownDomid(t *testing.T) {
	zlt := NewZoneLookupTable()
	if _, ok := zlt.UUIDForDomid(999); ok {
		t.Fatal("expected no entry for an unassociated domid")
	}
}
