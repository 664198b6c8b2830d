package main

import (
	"testing"

	"github.com/krata-zone/kratad/internal/model"
	"github.com/krata-zone/kratad/internal/reconcile"
)

func TestParseMACEmptyStringIsNil(t *testing.T) {
	mac, err := parseMAC("")
	if err != nil {
		t.Fatalf("parseMAC: %v", err)
	}
	if mac != nil {
		t.Fatalf("got %v, want nil for empty input", mac)
	}
}

func TestParseMACRejectsInvalid(t *testing.T) {
	if _, err := parseMAC("not-a-mac"); err == nil {
		t.Fatal("expected an error for an invalid MAC string")
	}
}

func TestParseMACRoundTrip(t *testing.T) {
	mac, err := parseMAC("02:00:00:00:00:05")
	if err != nil {
		t.Fatalf("parseMAC: %v", err)
	}
	if mac.String() != "02:00:00:00:00:05" {
		t.Fatalf("got %v", mac)
	}
}

func TestAppendTokenSkipsEmptyValues(t *testing.T) {
	cmdline := appendToken("console=hvc0", "krata.iface", "eth0")
	if cmdline != "console=hvc0 krata.iface=eth0" {
		t.Fatalf("got %q", cmdline)
	}
	cmdline = appendToken(cmdline, "krata.ipv4", "")
	if cmdline != "console=hvc0 krata.iface=eth0" {
		t.Fatalf("appendToken with empty value should be a no-op, got %q", cmdline)
	}
}

func TestCmdlineForBuildsKrataTokensAndWorkloadSuffix(t *testing.T) {
	l := &domainLauncher{kernelArgs: "console=hvc0"}
	spec := reconcile.DomainCreateSpec{
		Cmdline: "/bin/sh -c true",
		Network: model.NetworkStatus{
			IPv4CIDR:        "10.75.0.5/24",
			IPv6CIDR:        "fd75::5/64",
			GatewayIPv4CIDR: "10.75.0.1/24",
			GatewayIPv6CIDR: "fd75::1/64",
		},
	}
	got := l.cmdlineFor(spec)
	want := "console=hvc0 krata.iface=eth0 krata.ipv4=10.75.0.5/24 krata.ipv6=fd75::5/64 " +
		"krata.gw4=10.75.0.1/24 krata.gw6=fd75::1/64 krata.ns=10.75.0.1/24 krata.console=/dev/hvc0 -- /bin/sh -c true"
	if got != want {
		t.Fatalf("got  %q\nwant %q", got, want)
	}
}

func TestDecodeExitEventRoundTripsWithAgentEncoder(t *testing.T) {
	// Mirrors internal/agentsvc's encodeExitEvent little-endian int32 wire shape.
	encode := func(code int32) []byte {
		u := uint32(code)
		return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
	}
	if got := decodeExitEvent(encode(0)); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
	if got := decodeExitEvent(encode(-1)); got != -1 {
		t.Fatalf("got %d, want -1", got)
	}
	if got := decodeExitEvent(encode(137)); got != 137 {
		t.Fatalf("got %d, want 137", got)
	}
}

func TestDecodeExitEventShortPayloadReturnsSentinel(t *testing.T) {
	if got := decodeExitEvent([]byte{1, 2}); got != -1 {
		t.Fatalf("got %d, want -1 sentinel for a truncated payload", got)
	}
}

func TestConsolePathForUsesDomid(t *testing.T) {
	if got := consolePathFor(7); got != "/var/lib/xenconsoled/7/tty" {
		t.Fatalf("got %q", got)
	}
}
