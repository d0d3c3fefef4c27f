// Package port hands out ephemeral loopback ports for test fixtures.
//
// A port is found by listening on port 0, reading back what the OS
// assigned and closing the listener again. Nothing is reserved: another
// process may claim the port between Free returning and the caller binding
// it, so use the result promptly.
package port

import (
	"errors"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/lachieh/wrpc/pkg/stage"
)

// Loopback is the address Free allocates on.
var Loopback = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// Free returns a TCP port that was unused on Loopback at the time of the call.
func Free() (uint16, error) { return FreeOn(Loopback) }

// FreeOn is Free for an explicit local address, e.g. netip.IPv6Loopback().
func FreeOn(ip netip.Addr) (uint16, error) {
	ln, err := net.Listen("tcp", netip.AddrPortFrom(ip, 0).String())
	if err != nil {
		return 0, stage.Wrap(stage.Bind, err)
	}
	defer func() { _ = ln.Close() }()

	addr, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		return 0, stage.Wrap(stage.QueryAddress, err)
	}
	if addr.Port() == 0 {
		return 0, stage.Wrap(stage.QueryAddress, errors.New("listener reported port 0"))
	}
	zap.L().Debug("allocated free port", zap.String("addr", addr.String()))
	return addr.Port(), nil
}
