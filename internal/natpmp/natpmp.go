// Package natpmp maps ports on the default gateway via NAT-PMP. It is the
// opt-in fallback for mapping entries with no explicit address whose UPnP
// discovery found nothing.
package natpmp

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/groblegark/upnpd/internal/mapping"
)

// DefaultTimeout bounds gateway discovery and each NAT-PMP exchange.
const DefaultTimeout = 5 * time.Second

// NAT-PMP treats a zero lifetime as a deletion request, so permanent
// mappings (duration 0) are leased for this long instead and re-asserted
// by the reconciliation loop.
const permanentLifetime = 7200

// Mapper talks NAT-PMP to the default gateway.
type Mapper struct {
	client    *natpmp.Client
	gatewayIP net.IP
}

// Discover finds the default gateway and probes it for NAT-PMP support.
// The jackpal gateway lookup has no deadline of its own, so it runs under
// the same timeout as the protocol exchanges.
func Discover(timeout time.Duration) (*Mapper, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	type result struct {
		ip  net.IP
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ip, err := gateway.DiscoverGateway()
		ch <- result{ip: ip, err: err}
	}()

	var gatewayIP net.IP
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("natpmp: discover gateway: %w", res.err)
		}
		gatewayIP = res.ip
	case <-time.After(timeout):
		return nil, fmt.Errorf("natpmp: discover gateway: timeout after %v", timeout)
	}

	client := natpmp.NewClientWithTimeout(gatewayIP, timeout)
	if _, err := client.GetExternalAddress(); err != nil {
		return nil, fmt.Errorf("natpmp: probe %s: %w", gatewayIP, err)
	}
	return &Mapper{client: client, gatewayIP: gatewayIP}, nil
}

// GatewayIP returns the gateway the mapper talks to.
func (m *Mapper) GatewayIP() net.IP {
	return m.gatewayIP
}

// AddMapping asserts the spec on the gateway. External and internal port
// are the same; the internal client is implied by the requesting socket,
// which is why NAT-PMP only serves entries without an explicit address.
func (m *Mapper) AddMapping(spec mapping.Spec) error {
	lifetime := int(spec.Duration)
	if lifetime == 0 {
		lifetime = permanentLifetime
	}
	proto := strings.ToLower(string(spec.Protocol))
	if _, err := m.client.AddPortMapping(proto, int(spec.Port), int(spec.Port), lifetime); err != nil {
		return fmt.Errorf("natpmp: map %s: %w", spec.Label(), err)
	}
	return nil
}

// ExternalIP returns the gateway's WAN-side address.
func (m *Mapper) ExternalIP() (net.IP, error) {
	res, err := m.client.GetExternalAddress()
	if err != nil {
		return nil, fmt.Errorf("natpmp: external address: %w", err)
	}
	ip := res.ExternalIPAddress
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]), nil
}
