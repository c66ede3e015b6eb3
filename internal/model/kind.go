package model

import "strings"

// Kind identifies what a scanner discovers. It is fixed when the scanner is
// registered.
type Kind string

const (
	KindHost    Kind = "host"
	KindTCPPort Kind = "tcp_port"
	KindUDPPort Kind = "udp_port"

	customPrefix = "custom:"
)

// CustomKind returns a Kind for user defined scanners.
func CustomKind(name string) Kind {
	return Kind(customPrefix + name)
}

func (k Kind) IsCustom() bool {
	return strings.HasPrefix(string(k), customPrefix) && len(k) > len(customPrefix)
}

// Valid reports whether k is one of the builtin kinds or a non-empty custom kind.
func (k Kind) Valid() bool {
	switch k {
	case KindHost, KindTCPPort, KindUDPPort:
		return true
	}
	return k.IsCustom()
}

// Definition describes a registered scanner.
type Definition struct {
	Kind        Kind   `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
