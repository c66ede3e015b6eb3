package netscan

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// LocalPortsNetlink dumps listening TCP sockets directly from the Linux
// kernel via the sock_diag netlink interface. Callers fall back to the dial
// method when it errors.
func LocalPortsNetlink() (iter.Seq[netip.AddrPort], error) {
	conn, err := netlink.Dial(unix.NETLINK_SOCK_DIAG, nil)
	if err != nil {
		return nil, fmt.Errorf("netlink dial: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	var ret []netip.AddrPort
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		aps, err := listening(conn, family)
		if err != nil {
			return nil, fmt.Errorf("dump sockets of family %d: %w", family, err)
		}
		ret = append(ret, aps...)
	}

	return func(yield func(netip.AddrPort) bool) {
		for _, ap := range ret {
			if !yield(ap) {
				return
			}
		}
	}, nil
}

// sock_diag constants missing in x/sys.
const (
	sockDiagByFamily = 20
	tcpListen        = 10
)

// inet_diag_req_v2 from linux/inet_diag.h
type inetDiagReqV2 struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       inetDiagSockID
}

// inet_diag_sockid, ports and addresses are in network byte order.
type inetDiagSockID struct {
	SPort  [2]byte
	DPort  [2]byte
	Src    [16]byte
	Dst    [16]byte
	If     uint32
	Cookie [2]uint32
}

// inet_diag_msg
type inetDiagMsg struct {
	Family  uint8
	State   uint8
	Timer   uint8
	Retrans uint8
	ID      inetDiagSockID
	Expires uint32
	Rqueue  uint32
	Wqueue  uint32
	UID     uint32
	Inode   uint32
}

var inetDiagMsgLen = binary.Size(inetDiagMsg{})

func listening(conn *netlink.Conn, family uint8) ([]netip.AddrPort, error) {
	req := inetDiagReqV2{
		Family:   family,
		Protocol: unix.IPPROTO_TCP,
		States:   1 << tcpListen,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, req); err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msgs, err := conn.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  sockDiagByFamily,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: buf.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	ret := make([]netip.AddrPort, 0, len(msgs))
	for _, m := range msgs {
		if m.Header.Type == netlink.Done || len(m.Data) < inetDiagMsgLen {
			continue
		}
		var msg inetDiagMsg
		if err := binary.Read(bytes.NewReader(m.Data[:inetDiagMsgLen]), binary.NativeEndian, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal reply: %w", err)
		}
		port := binary.BigEndian.Uint16(msg.ID.SPort[:])
		var addr netip.Addr
		if msg.Family == unix.AF_INET {
			addr = netip.AddrFrom4([4]byte(msg.ID.Src[:4]))
		} else {
			addr = netip.AddrFrom16(msg.ID.Src).Unmap()
		}
		ret = append(ret, netip.AddrPortFrom(addr, port))
	}
	return ret, nil
}
