package agentsvc

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

func (a *Agent) configureLoopback() error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("lookup loopback: %w", err)
	}
	return netlink.LinkSetUp(link)
}

// configureInterface brings up the zone's primary interface and assigns
// the IPv4/IPv6 addresses and default routes the daemon allocated via
// NetworkAssigner, mirroring the gateway/tap setup
// internal/network/hostbridge.go does on the host side of the same link.
func (a *Agent) configureInterface() error {
	link, err := netlink.LinkByName(a.cfg.Interface)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", a.cfg.Interface, err)
	}

	if a.cfg.IPv4CIDR != "" {
		addr, err := netlink.ParseAddr(a.cfg.IPv4CIDR)
		if err != nil {
			return fmt.Errorf("parse ipv4 address %s: %w", a.cfg.IPv4CIDR, err)
		}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("add ipv4 address: %w", err)
		}
	}
	if a.cfg.IPv6CIDR != "" {
		addr, err := netlink.ParseAddr(a.cfg.IPv6CIDR)
		if err != nil {
			return fmt.Errorf("parse ipv6 address %s: %w", a.cfg.IPv6CIDR, err)
		}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("add ipv6 address: %w", err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set link up: %w", err)
	}

	if a.cfg.GatewayIPv4 != "" {
		if err := addDefaultRoute(link, a.cfg.GatewayIPv4); err != nil {
			return fmt.Errorf("add ipv4 default route: %w", err)
		}
	}
	if a.cfg.GatewayIPv6 != "" {
		if err := addDefaultRoute(link, a.cfg.GatewayIPv6); err != nil {
			return fmt.Errorf("add ipv6 default route: %w", err)
		}
	}
	return nil
}

func addDefaultRoute(link netlink.Link, gateway string) error {
	gw, err := netlink.ParseAddr(gateway + "/32")
	if err != nil {
		return err
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        gw.IPNet.IP,
	}
	return netlink.RouteAdd(route)
}
