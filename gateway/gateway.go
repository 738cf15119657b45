// Package gateway discovers the default gateway and the local interface
// facing it, the way both protocol drivers need to before they can speak
// NAT-PMP or send SSDP discovery packets.
package gateway

import (
	"net"

	jackpalgw "github.com/jackpal/gateway"
)

// Discover returns the default gateway's address. This supersedes the
// per-OS netlink/IP-helper parsing the teacher implementation used
// (gateway_linux.go / gateway_win32.go), delegating to jackpal/gateway's
// portable implementation instead.
func Discover() (net.IP, error) {
	return jackpalgw.DiscoverGateway()
}

// LocalAddress returns the local address of the interface that would be
// used to reach gw, by dialing a UDP "connection" to it and inspecting the
// resulting local address without sending any packets.
func LocalAddress(gw net.IP) (net.IP, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(gw.String(), "0"))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
