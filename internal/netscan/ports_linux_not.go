//go:build !linux

package netscan

import (
	"iter"
	"net/netip"
)

// LocalPortsNetlink is not supported outside Linux and always returns
// ErrNetlinkUnsupported. LocalListeners dials the loopback ports instead.
func LocalPortsNetlink() (iter.Seq[netip.AddrPort], error) {
	return nil, ErrNetlinkUnsupported
}
