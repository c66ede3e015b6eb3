package netscan

import (
	"context"
	"iter"
	"time"

	"github.com/CZERTAINLY/Radar/internal/model"
)

// UDPProbe sends a protocol specific datagram and reports the port open when
// anything comes back. Silence is not distinguishable from filtering, such
// ports are skipped.
type UDPProbe struct {
	Ports   []uint16
	Workers int
	Timeout time.Duration
	Dialer  Dialer
}

func NewUDPProbe(opts Options) *UDPProbe {
	opts = opts.withDefaults()
	return &UDPProbe{
		Ports:   opts.UDPPorts,
		Workers: opts.PortWorkers,
		Timeout: opts.DialTimeout,
		Dialer:  opts.Dialer,
	}
}

func (s *UDPProbe) WithPorts(ports []uint16) model.Strategy {
	c := *s
	c.Ports = ports
	return &c
}

// Produce yields the answering port numbers of target as uint16.
func (s *UDPProbe) Produce(ctx context.Context, target string) iter.Seq2[model.RawResult, error] {
	return scanPorts(ctx, target, s.Ports, s.Workers, s.probe)
}

func (s *UDPProbe) probe(ctx context.Context, target string, port uint16) (uint16, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	conn, err := s.Dialer.DialContext(ctx, "udp", hostPort(target, port))
	if err != nil {
		return 0, portState(err)
	}
	defer func() {
		_ = conn.Close()
	}()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return 0, err
		}
	}
	if _, err := conn.Write(udpPayload(port)); err != nil {
		return 0, portState(err)
	}
	buf := make([]byte, 1500)
	if _, err := conn.Read(buf); err != nil {
		return 0, portState(err)
	}
	return port, nil
}

var (
	// standard query for the root NS records
	dnsQuery = []byte{
		0x52, 0x44, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x02, 0x00, 0x01,
	}
	// NTPv3 client request
	ntpRequest = append([]byte{0x1b}, make([]byte, 47)...)
	// SNMPv1 get-request of sysDescr.0 with community public
	snmpGet = []byte{
		0x30, 0x26, 0x02, 0x01, 0x00, 0x04, 0x06, 0x70, 0x75, 0x62, 0x6c, 0x69,
		0x63, 0xa0, 0x19, 0x02, 0x01, 0x01, 0x02, 0x01, 0x00, 0x02, 0x01, 0x00,
		0x30, 0x0e, 0x30, 0x0c, 0x06, 0x08, 0x2b, 0x06, 0x01, 0x02, 0x01, 0x01,
		0x01, 0x00, 0x05, 0x00,
	}
)

func udpPayload(port uint16) []byte {
	switch port {
	case 53, 5353:
		return dnsQuery
	case 123:
		return ntpRequest
	case 161:
		return snmpGet
	default:
		return []byte{0}
	}
}
