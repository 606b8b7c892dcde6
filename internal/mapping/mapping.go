package mapping

import (
	"fmt"
	"net/netip"
)

// Protocol is the transport protocol of a port mapping.
type Protocol string

const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

// String returns the string representation of the protocol.
func (p Protocol) String() string {
	return string(p)
}

// IsValid checks whether the protocol is a known value.
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolTCP, ProtocolUDP:
		return true
	}
	return false
}

// ParseProtocol converts a string into a Protocol. Only the exact
// uppercase forms "TCP" and "UDP" are accepted, matching the mapping
// file format.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(s)
	if !p.IsValid() {
		return "", fmt.Errorf("unknown protocol %q (want TCP or UDP)", s)
	}
	return p, nil
}

// Spec is one declared port mapping. A fresh list of specs is read from
// the mapping file on every reconciliation pass; specs never survive
// across passes.
type Spec struct {
	// Address is the IPv4 address the mapping targets. Empty means
	// "whichever local interface reaches a gateway first".
	Address string `json:"address,omitempty"`

	// Port is the external port to open. The internal port is the same.
	Port uint16 `json:"port"`

	Protocol Protocol `json:"protocol"`

	// Duration is the lease duration in seconds. Advisory: gateways may
	// ignore it.
	Duration uint32 `json:"duration"`

	// Comment is stored with the mapping on the gateway.
	Comment string `json:"comment"`
}

// Validate checks the spec against the mapping file contract.
func (s Spec) Validate() error {
	if s.Address != "" {
		addr, err := netip.ParseAddr(s.Address)
		if err != nil {
			return fmt.Errorf("address %q: %w", s.Address, err)
		}
		if !addr.Is4() {
			return fmt.Errorf("address %q is not IPv4", s.Address)
		}
	}
	if s.Port == 0 {
		return fmt.Errorf("port must be 1-65535")
	}
	if !s.Protocol.IsValid() {
		return fmt.Errorf("unknown protocol %q (want TCP or UDP)", string(s.Protocol))
	}
	return nil
}

// Label returns a short identifier for logs, e.g. "12345/UDP".
func (s Spec) Label() string {
	return fmt.Sprintf("%d/%s", s.Port, s.Protocol)
}
