// Package netutil finds the LAN-facing address and the interfaces SSDP can
// multicast on.
package netutil

import (
	"errors"
	"fmt"
	"net"
)

// probeAddr is never contacted: connecting a UDP socket only selects a route.
const probeAddr = "239.255.255.250:1900"

var (
	dialUDP        = net.Dial
	listInterfaces = net.Interfaces
)

// LocalIP returns the IPv4 address the kernel would use to reach the SSDP
// multicast group, falling back to the first non-loopback interface address.
func LocalIP() (net.IP, error) {
	conn, err := dialUDP("udp4", probeAddr)
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() != nil && !addr.IP.IsUnspecified() {
			return addr.IP.To4(), nil
		}
	}

	ifaces, ifErr := MulticastInterfaces(nil)
	if ifErr != nil {
		return nil, ifErr
	}
	for _, iface := range ifaces {
		if ip := firstIPv4(iface); ip != nil {
			return ip, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("detect local ip: %w", err)
	}
	return nil, errors.New("detect local ip: no IPv4 address on any interface")
}

// MulticastInterfaces lists interfaces that are up, multicast capable, not
// loopback and carry an IPv4 address. A non-empty names list restricts the
// result to those interfaces.
func MulticastInterfaces(names []string) ([]net.Interface, error) {
	all, err := listInterfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	wanted := map[string]bool{}
	for _, n := range names {
		wanted[n] = true
	}

	out := make([]net.Interface, 0, len(all))
	for _, iface := range all {
		if len(wanted) > 0 && !wanted[iface.Name] {
			continue
		}
		if !IsUsable(iface) {
			continue
		}
		if firstIPv4(iface) == nil {
			continue
		}
		out = append(out, iface)
	}
	if len(wanted) > 0 && len(out) == 0 {
		return nil, fmt.Errorf("none of the configured interfaces %v is usable for multicast", names)
	}
	return out, nil
}

// IsUsable reports whether the interface flags allow SSDP traffic.
func IsUsable(iface net.Interface) bool {
	const required = net.FlagUp | net.FlagMulticast
	if iface.Flags&required != required {
		return false
	}
	if iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	return iface.MTU > 0
}

var interfaceAddrs = func(iface net.Interface) ([]net.Addr, error) {
	return iface.Addrs()
}

func firstIPv4(iface net.Interface) net.IP {
	addrs, err := interfaceAddrs(iface)
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
			return ip4
		}
	}
	return nil
}
