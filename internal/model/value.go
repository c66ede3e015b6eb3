package model

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// RawResult is whatever a Strategy yields before normalization: usually a
// string, sometimes an integer or an address value.
type RawResult any

type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

func (p Protocol) Valid() bool {
	return p == TCP || p == UDP
}

type ValueKind uint8

const (
	ValueInvalid ValueKind = iota
	ValueIPAddress
	ValuePort
)

func (k ValueKind) String() string {
	switch k {
	case ValueIPAddress:
		return "ip_address"
	case ValuePort:
		return "port"
	default:
		return "invalid"
	}
}

// Value is a normalized scan finding: either an IP address or a port number
// with its protocol. Values are comparable and can be used as map keys.
type Value struct {
	kind  ValueKind
	addr  netip.Addr
	port  uint16
	proto Protocol
}

// IPValue returns an address value. IPv4-mapped IPv6 addresses are stored
// in their IPv4 form, so both spellings of a host compare equal.
func IPValue(addr netip.Addr) Value {
	return Value{kind: ValueIPAddress, addr: addr.Unmap()}
}

func PortValue(number uint16, proto Protocol) Value {
	return Value{kind: ValuePort, port: number, proto: proto}
}

// MustParseIP is like NormalizeIP, but panics on error. Intended for tests
// and static initialization.
func MustParseIP(s string) Value {
	v, err := NormalizeIP(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsZero() bool { return v.kind == ValueInvalid }

// Addr returns the address of an IP value.
func (v Value) Addr() (netip.Addr, bool) {
	return v.addr, v.kind == ValueIPAddress
}

// Port returns the number and protocol of a port value.
func (v Value) Port() (uint16, Protocol, bool) {
	return v.port, v.proto, v.kind == ValuePort
}

// String returns the canonical form: "127.0.0.1", "fe80::1%eth0" or "53/udp".
func (v Value) String() string {
	switch v.kind {
	case ValueIPAddress:
		return v.addr.String()
	case ValuePort:
		return strconv.FormatUint(uint64(v.port), 10) + "/" + string(v.proto)
	default:
		return "<invalid>"
	}
}

// NormalizeFunc coerces a raw result into a Value. It must fail with
// a *NormalizationError rather than guess.
type NormalizeFunc func(raw RawResult) (Value, error)

// NormalizeIP parses an IP address literal. Surrounding whitespace is
// ignored, anything else that is not a valid address is an error.
func NormalizeIP(raw RawResult) (Value, error) {
	switch x := raw.(type) {
	case Value:
		if x.kind == ValueIPAddress {
			return x, nil
		}
		return Value{}, normErr(KindHost, raw, fmt.Errorf("value %s is not an address", x))
	case netip.Addr:
		if !x.IsValid() {
			return Value{}, normErr(KindHost, raw, fmt.Errorf("invalid address"))
		}
		return IPValue(x), nil
	case []byte:
		return NormalizeIP(string(x))
	case string:
		addr, err := netip.ParseAddr(strings.TrimSpace(x))
		if err != nil {
			return Value{}, normErr(KindHost, raw, err)
		}
		return IPValue(addr), nil
	case net.IP:
		addr, ok := netip.AddrFromSlice(x)
		if !ok {
			return Value{}, normErr(KindHost, raw, fmt.Errorf("invalid address length"))
		}
		return IPValue(addr), nil
	case fmt.Stringer:
		return NormalizeIP(x.String())
	case nil:
		return Value{}, normErr(KindHost, raw, fmt.Errorf("empty result"))
	default:
		return Value{}, normErr(KindHost, raw, fmt.Errorf("unsupported type %T", raw))
	}
}

// NormalizePort returns a NormalizeFunc parsing port numbers for proto.
// Only decimal numbers in 1-65535 are accepted.
func NormalizePort(proto Protocol) NormalizeFunc {
	kind := KindTCPPort
	if proto == UDP {
		kind = KindUDPPort
	}
	var norm NormalizeFunc
	norm = func(raw RawResult) (Value, error) {
		var n uint64
		switch x := raw.(type) {
		case Value:
			if _, p, ok := x.Port(); ok && p == proto {
				return x, nil
			}
			return Value{}, normErr(kind, raw, fmt.Errorf("value %s is not a %s port", x, proto))
		case string:
			s := strings.TrimSpace(x)
			var err error
			n, err = strconv.ParseUint(s, 10, 16)
			if err != nil {
				return Value{}, normErr(kind, raw, err)
			}
		case []byte:
			return norm(string(x))
		case int:
			if x < 0 {
				return Value{}, normErr(kind, raw, fmt.Errorf("negative port %d", x))
			}
			n = uint64(x)
		case int64:
			if x < 0 {
				return Value{}, normErr(kind, raw, fmt.Errorf("negative port %d", x))
			}
			n = uint64(x)
		case int32:
			if x < 0 {
				return Value{}, normErr(kind, raw, fmt.Errorf("negative port %d", x))
			}
			n = uint64(x)
		case uint:
			n = uint64(x)
		case uint64:
			n = x
		case uint32:
			n = uint64(x)
		case uint16:
			n = uint64(x)
		case netip.AddrPort:
			n = uint64(x.Port())
		case nil:
			return Value{}, normErr(kind, raw, fmt.Errorf("empty result"))
		default:
			return Value{}, normErr(kind, raw, fmt.Errorf("unsupported type %T", raw))
		}
		if n == 0 || n > 65535 {
			return Value{}, normErr(kind, raw, fmt.Errorf("port %d out of range 1-65535", n))
		}
		return PortValue(uint16(n), proto), nil
	}
	return norm
}

func normErr(kind Kind, raw RawResult, err error) *NormalizationError {
	return &NormalizationError{Kind: kind, Raw: raw, Err: err}
}
