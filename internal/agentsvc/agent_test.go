package agentsvc

import "testing"

func TestEncodeExitEventLittleEndianRoundTrip(t *testing.T) {
	decode := func(data []byte) int32 {
		u := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		return int32(u)
	}
	for _, code := range []int32{0, 1, -1, 137, -137} {
		if got := decode(encodeExitEvent(code)); got != code {
			t.Fatalf("roundtrip(%d) = %d", code, got)
		}
	}
}

func TestSetExitCodeIsReadByRun(t *testing.T) {
	a := New(Config{}, testLogEntry())
	a.SetExitCode(42)
	if a.exitCode != 42 {
		t.Fatalf("got %d, want 42", a.exitCode)
	}
}
