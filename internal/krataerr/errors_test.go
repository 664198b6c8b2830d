package krataerr

import (
	"errors"
	"testing"
)

func TestKindOfRoundTrip(t *testing.T) {
	err := New(NotFound, "zone not found")
	if KindOf(err) != NotFound {
		t.Fatalf("got %v, want NotFound", KindOf(err))
	}
	if !Is(err, NotFound) {
		t.Fatal("Is(err, NotFound) should be true")
	}
}

func TestWrapPreservesUnderlyingError(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IoTransient, "write zone record", cause)
	if !errors.Is(err, cause) {
		t.Fatal("Wrap should preserve the underlying error for errors.Is")
	}
	if KindOf(err) != IoTransient {
		t.Fatalf("got %v, want IoTransient", KindOf(err))
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(Conflict, "msg", nil) != nil {
		t.Fatal("Wrap(kind, msg, nil) should return nil")
	}
}

func TestKindOfUnknownForPlainError(t *testing.T) {
	if KindOf(errors.New("plain")) != Unknown {
		t.Fatal("plain errors should report Unknown")
	}
}
