package netscan_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/netscan"
	"github.com/CZERTAINLY/Radar/internal/registry"

	"github.com/stretchr/testify/require"
)

func TestParsePorts(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		given string
		then  []uint16
	}{
		{"22", []uint16{22}},
		{"80, 22,80", []uint16{22, 80}},
		{"8000-8003,1", []uint16{1, 8000, 8001, 8002, 8003}},
		{"65535", []uint16{65535}},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			got, err := netscan.ParsePorts(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, got)
		})
	}

	for _, bad := range []string{"", "0", "abc", "70000", "90-80", "1-", "-5", "+22"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := netscan.ParsePorts(bad)
			require.Error(t, err)
		})
	}
}

func produce(t *testing.T, s model.Strategy, target string) ([]model.RawResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	var ret []model.RawResult
	for raw, err := range s.Produce(ctx, target) {
		if err != nil {
			return ret, err
		}
		ret = append(ret, raw)
	}
	return ret, nil
}

func TestTCPConnect(t *testing.T) {
	t.Parallel()
	s := netscan.NewTCPConnect(netscan.Options{
		TCPPorts:    []uint16{ipv4.Port(), closedTCP},
		DialTimeout: time.Second,
	})
	got, err := produce(t, s, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, []model.RawResult{ipv4.Port()}, got)

	v, err := model.NormalizePort(model.TCP)(got[0])
	require.NoError(t, err)
	require.Equal(t, model.PortValue(ipv4.Port(), model.TCP), v)
}

func TestTCPConnect_WithPorts(t *testing.T) {
	t.Parallel()
	s := netscan.NewTCPConnect(netscan.Options{})
	require.Equal(t, netscan.DefaultTCPPorts, s.Ports)
	narrowed := s.WithPorts([]uint16{closedTCP}).(*netscan.TCPConnect)
	require.Equal(t, []uint16{closedTCP}, narrowed.Ports)
	require.Equal(t, netscan.DefaultTCPPorts, s.Ports)

	got, err := produce(t, narrowed, "127.0.0.1")
	require.NoError(t, err)
	require.Empty(t, got)
}

type failingDialer struct{ err error }

func (d failingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, d.err
}

func TestTCPConnect_DialError(t *testing.T) {
	t.Parallel()
	boom := errors.New("network is unreachable")
	s := netscan.NewTCPConnect(netscan.Options{
		TCPPorts: []uint16{1, 2, 3},
		Dialer:   failingDialer{err: boom},
	})
	_, err := produce(t, s, "192.0.2.1")
	require.ErrorIs(t, err, boom)
}

func TestUDPProbe(t *testing.T) {
	t.Parallel()
	s := netscan.NewUDPProbe(netscan.Options{
		UDPPorts:    []uint16{udpEcho.Port(), closedUDP},
		DialTimeout: 500 * time.Millisecond,
	})
	got, err := produce(t, s, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, []model.RawResult{udpEcho.Port()}, got)
}

func TestLocalListeners(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("local listeners fallback dials every port")
	}
	s := netscan.NewLocalListeners(netscan.Options{PortWorkers: 64, DialTimeout: time.Second})
	got, err := produce(t, s, "localhost")
	require.NoError(t, err)
	require.Contains(t, got, model.RawResult(ipv4.Port()))
	if ipv6.IsValid() {
		require.Contains(t, got, model.RawResult(ipv6.Port()))
	}

	_, err = produce(t, s, "192.0.2.1")
	require.Error(t, err)
}

func TestLocalPortsNetlink(t *testing.T) {
	t.Parallel()
	seq, err := netscan.LocalPortsNetlink()
	if runtime.GOOS != "linux" {
		require.ErrorIs(t, err, netscan.ErrNetlinkUnsupported)
		require.Nil(t, seq)
		return
	}
	if err != nil {
		t.Skipf("LocalPortsNetlink not available: %s", err)
	}
	var seen bool
	for ap := range seq {
		if ap == ipv4 {
			seen = true
		}
	}
	require.Truef(t, seen, "ipv4 listener %s was not seen", ipv4)
}

func TestICMPEcho(t *testing.T) {
	t.Parallel()
	s := netscan.NewICMPEcho(netscan.Options{EchoTimeout: time.Second})
	got, err := produce(t, s, "127.0.0.1")
	if err != nil && strings.Contains(err.Error(), "icmp listen") {
		t.Skipf("icmp sockets not permitted: %s", err)
	}
	require.NoError(t, err)
	require.Equal(t, []model.RawResult{netip.MustParseAddr("127.0.0.1")}, got)
}

func TestRegister(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	require.NoError(t, netscan.Register(reg, netscan.Options{}))
	defs := reg.List()
	require.Len(t, defs, 4)

	udp, err := reg.Lookup(netscan.UDPPorts)
	require.NoError(t, err)
	require.Equal(t, model.KindUDPPort, udp.Definition.Kind)
	_, ok := udp.Strategy.(netscan.PortScanner)
	require.True(t, ok)

	require.ErrorIs(t, netscan.Register(reg, netscan.Options{}), model.ErrConfiguration)
}
