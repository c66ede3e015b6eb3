package netscan

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Radar/internal/model"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

var echoSeq atomic.Uint32

// ICMPEcho discovers hosts answering an ICMP echo request. It prefers the
// unprivileged datagram socket and falls back to a raw socket.
type ICMPEcho struct {
	Timeout  time.Duration
	Resolver *net.Resolver
}

func NewICMPEcho(opts Options) *ICMPEcho {
	opts = opts.withDefaults()
	return &ICMPEcho{
		Timeout:  opts.EchoTimeout,
		Resolver: net.DefaultResolver,
	}
}

// Produce yields every IPv4 address of target which replied as netip.Addr.
func (s *ICMPEcho) Produce(ctx context.Context, target string) iter.Seq2[model.RawResult, error] {
	return func(yield func(model.RawResult, error) bool) {
		addrs, err := s.lookup(ctx, target)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, addr := range addrs {
			if !addr.Is4() {
				slog.DebugContext(ctx, "icmp echo supports ipv4 only, skipping", "addr", addr)
				continue
			}
			alive, err := s.echo(ctx, addr)
			if err != nil {
				yield(nil, err)
				return
			}
			if alive && !yield(addr, nil) {
				return
			}
		}
	}
}

func (s *ICMPEcho) lookup(ctx context.Context, target string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(target); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	addrs, err := s.Resolver.LookupNetIP(ctx, "ip4", target)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", target, err)
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

func listenICMP() (*icmp.PacketConn, bool, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err == nil {
		return conn, false, nil
	}
	raw, rawErr := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if rawErr != nil {
		return nil, false, fmt.Errorf("icmp listen: %w", errors.Join(err, rawErr))
	}
	return raw, true, nil
}

// echo sends one echo request and waits for the matching reply. No reply
// within the timeout means the host is down, it is not an error.
func (s *ICMPEcho) echo(ctx context.Context, addr netip.Addr) (bool, error) {
	conn, privileged, err := listenICMP()
	if err != nil {
		return false, err
	}
	defer func() {
		_ = conn.Close()
	}()

	id := os.Getpid() & 0xffff
	seq := int(echoSeq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("radar")},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return false, err
	}
	var dst net.Addr = &net.UDPAddr{IP: addr.AsSlice()}
	if privileged {
		dst = &net.IPAddr{IP: addr.AsSlice()}
	}

	deadline := time.Now().Add(s.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.WriteTo(b, dst); err != nil {
		return false, fmt.Errorf("icmp write %s: %w", addr, err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("icmp read: %w", err)
		}
		reply, err := icmp.ParseMessage(ipv4.ICMPTypeEcho.Protocol(), buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		// the kernel rewrites the id of unprivileged echo requests
		if !ok || echo.Seq != seq || (privileged && echo.ID != id) {
			continue
		}
		if peerAddr(peer) == addr {
			return true, nil
		}
	}
}

func peerAddr(a net.Addr) netip.Addr {
	var ip net.IP
	switch x := a.(type) {
	case *net.UDPAddr:
		ip = x.IP
	case *net.IPAddr:
		ip = x.IP
	}
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}
