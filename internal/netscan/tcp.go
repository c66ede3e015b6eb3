package netscan

import (
	"context"
	"iter"
	"time"

	"github.com/CZERTAINLY/Radar/internal/model"
)

// TCPConnect is a connect scan. A port is open when the handshake completes.
type TCPConnect struct {
	Ports   []uint16
	Workers int
	Timeout time.Duration
	Dialer  Dialer
}

func NewTCPConnect(opts Options) *TCPConnect {
	opts = opts.withDefaults()
	return &TCPConnect{
		Ports:   opts.TCPPorts,
		Workers: opts.PortWorkers,
		Timeout: opts.DialTimeout,
		Dialer:  opts.Dialer,
	}
}

func (s *TCPConnect) WithPorts(ports []uint16) model.Strategy {
	c := *s
	c.Ports = ports
	return &c
}

// Produce yields the open port numbers of target as uint16.
func (s *TCPConnect) Produce(ctx context.Context, target string) iter.Seq2[model.RawResult, error] {
	return scanPorts(ctx, target, s.Ports, s.Workers, s.probe)
}

func (s *TCPConnect) probe(ctx context.Context, target string, port uint16) (uint16, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	conn, err := s.Dialer.DialContext(ctx, "tcp", hostPort(target, port))
	if err != nil {
		return 0, portState(err)
	}
	_ = conn.Close()
	return port, nil
}
