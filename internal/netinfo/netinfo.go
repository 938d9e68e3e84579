// Package netinfo infers which local network interface carries an
// established connection (spec §4.1). The channel client records the result
// for its current connection; it does not send it on JOIN and does not
// compare it across connections, so no network_interface_mismatch event is
// produced.
package netinfo

import (
	"fmt"
	"net"
	"time"
)

// Report names the interface and local address of one connection, as the
// channel client records it after each successful dial.
type Report struct {
	InterfaceName string
	LocalAddr     string
}

// FromLocalAddr maps a connection's local address back to the system
// interface that owns it, by matching address prefixes against
// net.Interfaces(). Returns an error if no interface claims the address;
// the channel client then keeps its previous report and the connection
// proceeds.
func FromLocalAddr(localAddr net.Addr) (Report, error) {
	host, _, err := net.SplitHostPort(localAddr.String())
	if err != nil {
		host = localAddr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Report{}, fmt.Errorf("netinfo: cannot parse local address %q", localAddr.String())
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return Report{}, fmt.Errorf("netinfo: list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.Equal(ip) {
				return Report{InterfaceName: iface.Name, LocalAddr: host}, nil
			}
		}
	}

	return Report{}, fmt.Errorf("netinfo: no interface owns address %s", host)
}

// ProbeTCP attempts a single TCP connect to addr, used by the "wait for
// network before connecting" startup gate (spec §4.1 step 1).
func ProbeTCP(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
