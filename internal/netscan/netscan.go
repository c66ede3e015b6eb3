// Package netscan provides the built-in network scan strategies: ICMP host
// discovery, TCP connect and UDP probe port scans and local listener
// discovery.
package netscan

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

var (
	errClosed   = errors.New("port closed")
	errFiltered = errors.New("port filtered")
)

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures the built-in strategies. Zero values are replaced by
// defaults.
type Options struct {
	TCPPorts []uint16
	UDPPorts []uint16
	// PortWorkers bounds the concurrent probes of one target.
	PortWorkers int
	// DialTimeout bounds a single TCP connect or the wait for a UDP answer.
	DialTimeout time.Duration
	// EchoTimeout bounds the wait for an ICMP echo reply.
	EchoTimeout time.Duration
	Dialer      Dialer
}

var (
	DefaultTCPPorts = []uint16{21, 22, 23, 25, 53, 80, 110, 143, 389, 443, 445, 465, 587, 636, 993, 995, 1433, 3306, 3389, 5432, 6379, 8080, 8443}
	DefaultUDPPorts = []uint16{53, 67, 69, 123, 137, 161, 500, 514, 1900, 5353}
)

func (o Options) withDefaults() Options {
	if len(o.TCPPorts) == 0 {
		o.TCPPorts = DefaultTCPPorts
	}
	if len(o.UDPPorts) == 0 {
		o.UDPPorts = DefaultUDPPorts
	}
	if o.PortWorkers <= 0 {
		o.PortWorkers = 32
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 2 * time.Second
	}
	if o.EchoTimeout <= 0 {
		o.EchoTimeout = 2 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
	return o
}

// portState maps a dial or read error onto closed and filtered ports.
func portState(err error) error {
	var nerr net.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ECONNREFUSED):
		return errClosed
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &nerr) && nerr.Timeout():
		return errFiltered
	default:
		return err
	}
}
