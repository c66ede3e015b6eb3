package netscan

import (
	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/registry"
)

// Names of the built-in scanners.
const (
	ICMPHosts     = "icmp-hosts"
	TCPPorts      = "tcp-ports"
	UDPPorts      = "udp-ports"
	LocalTCPPorts = "local-listeners"
)

// Register installs the built-in scanners into reg.
func Register(reg *registry.Registry, opts Options) error {
	scanners := []registry.Scanner{
		{
			Definition: model.Definition{
				Kind:        model.KindHost,
				Name:        ICMPHosts,
				Description: "Discovers hosts answering an ICMP echo request",
			},
			Strategy: NewICMPEcho(opts),
		},
		{
			Definition: model.Definition{
				Kind:        model.KindTCPPort,
				Name:        TCPPorts,
				Description: "Finds open TCP ports using a connect scan",
			},
			Strategy: NewTCPConnect(opts),
		},
		{
			Definition: model.Definition{
				Kind:        model.KindUDPPort,
				Name:        UDPPorts,
				Description: "Finds UDP ports answering a protocol probe",
			},
			Strategy: NewUDPProbe(opts),
		},
		{
			Definition: model.Definition{
				Kind:        model.KindTCPPort,
				Name:        LocalTCPPorts,
				Description: "Lists TCP ports listening on the local host",
			},
			Strategy: NewLocalListeners(opts),
		},
	}
	for _, s := range scanners {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}
