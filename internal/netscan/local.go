package netscan

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/netip"
	"runtime"
	"strings"

	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/parallel"
)

var errNotLocal = errors.New("local listeners can be listed for localhost only")

// ErrNetlinkUnsupported is returned by LocalPortsNetlink on platforms
// without the sock_diag netlink interface.
var ErrNetlinkUnsupported = errors.New("sock_diag netlink is available only on Linux")

// LocalListeners lists TCP ports listening on the local host. The target
// must be localhost or a loopback address.
type LocalListeners struct {
	Workers int
	Dialer  Dialer
	// Netlink is nil on platforms without sock_diag support.
	Netlink func() (iter.Seq[netip.AddrPort], error)
}

func NewLocalListeners(opts Options) *LocalListeners {
	opts = opts.withDefaults()
	s := &LocalListeners{
		Workers: opts.PortWorkers,
		Dialer:  opts.Dialer,
	}
	if runtime.GOOS == "linux" {
		s.Netlink = LocalPortsNetlink
	}
	return s
}

func (s *LocalListeners) Produce(ctx context.Context, target string) iter.Seq2[model.RawResult, error] {
	return func(yield func(model.RawResult, error) bool) {
		if !isLocal(target) {
			yield(nil, fmt.Errorf("%w: %q", errNotLocal, target))
			return
		}
		seen := make(map[uint16]struct{})
		for ap := range s.ports(ctx) {
			if _, ok := seen[ap.Port()]; ok {
				continue
			}
			seen[ap.Port()] = struct{}{}
			if !yield(ap.Port(), nil) {
				return
			}
		}
		if ctx.Err() != nil {
			yield(nil, ctx.Err())
		}
	}
}

// ports returns the opened local ports in the best possible way: netlink
// where available with the dial method as a fallback.
func (s *LocalListeners) ports(ctx context.Context) iter.Seq[netip.AddrPort] {
	if s.Netlink != nil {
		seq, err := s.Netlink()
		if err == nil {
			return seq
		}
		slog.WarnContext(ctx, "netlink access failed, using fallback method", "err", err)
	}
	return s.dial(ctx)
}

// dial connects to every TCP port of 127.0.0.1 and ::1.
func (s *LocalListeners) dial(ctx context.Context) iter.Seq[netip.AddrPort] {
	addresses := []netip.Addr{netip.AddrFrom4([4]byte{127, 0, 0, 1}), netip.IPv6Loopback()}
	probe := func(ctx context.Context, ap netip.AddrPort) (netip.AddrPort, error) {
		conn, err := s.Dialer.DialContext(ctx, "tcp", ap.String())
		if err != nil {
			return netip.AddrPort{}, portState(err)
		}
		_ = conn.Close()
		return ap, nil
	}
	return func(yield func(netip.AddrPort) bool) {
		for ap, err := range parallel.NewMap(ctx, s.Workers, probe).Iter(allPorts(addresses)) {
			if err != nil {
				continue
			}
			if !yield(ap) {
				return
			}
		}
	}
}

func allPorts(addresses []netip.Addr) iter.Seq2[netip.AddrPort, error] {
	return func(yield func(netip.AddrPort, error) bool) {
		for _, addr := range addresses {
			for port := 1; port <= 65535; port++ {
				if !yield(netip.AddrPortFrom(addr, uint16(port)), nil) {
					return
				}
			}
		}
	}
}

func isLocal(target string) bool {
	if strings.EqualFold(target, "localhost") {
		return true
	}
	addr, err := netip.ParseAddr(target)
	return err == nil && addr.IsLoopback()
}
