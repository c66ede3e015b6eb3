package model

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

type ResourceKind string

const (
	ResourceIPAddress ResourceKind = "ip_address"
	ResourcePort      ResourceKind = "port"
	ResourceOpenPort  ResourceKind = "open_port"
)

// ResourceKey is the natural identity of a resource: the address for
// ip_address, the protocol and number for port and open_port.
type ResourceKey struct {
	Kind     ResourceKind
	Address  string
	Protocol Protocol
	Number   uint16
}

func IPAddressKey(address string) ResourceKey {
	return ResourceKey{Kind: ResourceIPAddress, Address: address}
}

func PortKey(proto Protocol, number uint16) ResourceKey {
	return ResourceKey{Kind: ResourcePort, Protocol: proto, Number: number}
}

func OpenPortKey(proto Protocol, number uint16) ResourceKey {
	return ResourceKey{Kind: ResourceOpenPort, Protocol: proto, Number: number}
}

func (k ResourceKey) String() string {
	switch k.Kind {
	case ResourceIPAddress:
		return string(k.Kind) + ":" + k.Address
	default:
		return string(k.Kind) + ":" + string(k.Protocol) + "/" + strconv.FormatUint(uint64(k.Number), 10)
	}
}

// Resource is a persisted identity corresponding to a Value.
type Resource interface {
	ResourceKind() ResourceKind
	Key() ResourceKey
	ResourceID() uuid.UUID
}

type IPAddress struct {
	ID      uuid.UUID `json:"id"`
	Address string    `json:"address"`
	Version int       `json:"version"`
}

func (a *IPAddress) ResourceKind() ResourceKind { return ResourceIPAddress }
func (a *IPAddress) Key() ResourceKey           { return IPAddressKey(a.Address) }
func (a *IPAddress) ResourceID() uuid.UUID      { return a.ID }

type Port struct {
	ID       uuid.UUID `json:"id"`
	Protocol Protocol  `json:"protocol"`
	Number   uint16    `json:"number"`
}

func (p *Port) ResourceKind() ResourceKind { return ResourcePort }
func (p *Port) Key() ResourceKey           { return PortKey(p.Protocol, p.Number) }
func (p *Port) ResourceID() uuid.UUID      { return p.ID }

// OpenPort links an observed open port to its Port record.
type OpenPort struct {
	ID   uuid.UUID `json:"id"`
	Port *Port     `json:"port"`
}

func (o *OpenPort) ResourceKind() ResourceKind { return ResourceOpenPort }
func (o *OpenPort) ResourceID() uuid.UUID      { return o.ID }

func (o *OpenPort) Key() ResourceKey {
	if o.Port == nil {
		return ResourceKey{Kind: ResourceOpenPort}
	}
	return OpenPortKey(o.Port.Protocol, o.Port.Number)
}

// NewResource builds a fresh, unsaved record for key with default fields.
func NewResource(key ResourceKey) (Resource, error) {
	switch key.Kind {
	case ResourceIPAddress:
		v, err := NormalizeIP(key.Address)
		if err != nil {
			return nil, err
		}
		addr, _ := v.Addr()
		version := 4
		if addr.Is6() {
			version = 6
		}
		return &IPAddress{ID: uuid.New(), Address: addr.String(), Version: version}, nil
	case ResourcePort:
		if !key.Protocol.Valid() || key.Number == 0 {
			return nil, fmt.Errorf("invalid port key %s", key)
		}
		return &Port{ID: uuid.New(), Protocol: key.Protocol, Number: key.Number}, nil
	case ResourceOpenPort:
		if !key.Protocol.Valid() || key.Number == 0 {
			return nil, fmt.Errorf("invalid open port key %s", key)
		}
		return &OpenPort{ID: uuid.New(), Port: &Port{Protocol: key.Protocol, Number: key.Number}}, nil
	default:
		return nil, fmt.Errorf("unknown resource kind %q", key.Kind)
	}
}

// ResourceStore is the external find-or-create persistence collaborator.
//
// FindOrCreate returns the stored record for key, or a new record which is
// NOT persisted yet together with created=true. Commit persists such a record.
// Implementations return ErrStoreUnavailable on connectivity problems and
// ErrConflict when a concurrent writer created the same key first.
type ResourceStore interface {
	FindOrCreate(ctx context.Context, key ResourceKey) (Resource, bool, error)
	Commit(ctx context.Context, r Resource) error
}

// Resolution is the outcome of resolving a Value into resources. Created
// holds the records built by FindOrCreate, in the order they must be committed.
type Resolution struct {
	Resource Resource
	Created  []Resource
}

// WasCreated reports whether the top level resource is new.
func (r Resolution) WasCreated() bool {
	for _, c := range r.Created {
		if c == r.Resource {
			return true
		}
	}
	return false
}

// ResolveFunc maps a normalized value onto a resource using store.
type ResolveFunc func(ctx context.Context, store ResourceStore, v Value) (Resolution, error)
