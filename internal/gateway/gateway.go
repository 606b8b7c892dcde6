// Package gateway locates UPnP Internet Gateway Devices and exposes the
// control surface needed to assert port mappings on them.
package gateway

import (
	"context"
	"errors"
	"net/url"
)

var (
	// ErrNoGateway means no IGD answered a discovery bound to the given address.
	ErrNoGateway = errors.New("gateway: no UPnP gateway found")
	// ErrNoInterface means the interface scan had no eligible interface or
	// every per-interface discovery attempt failed.
	ErrNoInterface = errors.New("gateway: no eligible interface reached a gateway")
	// ErrNotIPv4 means the given address resolved to a non-IPv4 address.
	// IPv6 gateways are not supported.
	ErrNotIPv4 = errors.New("gateway: not an IPv4 address")
)

// Client is the IGD control interface. It is satisfied by the goupnp
// WANIPConnection1/2 and WANPPPConnection1 service clients.
type Client interface {
	AddPortMappingCtx(
		ctx context.Context,
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
		NewInternalPort uint16,
		NewInternalClient string,
		NewEnabled bool,
		NewPortMappingDescription string,
		NewLeaseDuration uint32,
	) error

	DeletePortMappingCtx(
		ctx context.Context,
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
	) error

	GetExternalIPAddressCtx(ctx context.Context) (string, error)
}

// TableReader enumerates a gateway's port mapping table. All goupnp IGD
// clients implement it, but not every device answers the action.
type TableReader interface {
	GetGenericPortMappingEntryCtx(ctx context.Context, NewPortMappingIndex uint16) (
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
		NewInternalPort uint16,
		NewInternalClient string,
		NewEnabled bool,
		NewPortMappingDescription string,
		NewLeaseDuration uint32,
		err error,
	)
}

// Gateway is a discovered, reachable IGD. It is owned by the
// reconciliation pass that discovered it and is not cached across passes.
type Gateway struct {
	Client   Client
	Location *url.URL // root descriptor the client was built from
	Kind     string   // e.g. "IGDv2-WANIPConnection2"
}

// ExternalIP asks the gateway for its WAN-side address.
func (g *Gateway) ExternalIP(ctx context.Context) (string, error) {
	return g.Client.GetExternalIPAddressCtx(ctx)
}

// Entry is one row of a gateway's port mapping table.
type Entry struct {
	RemoteHost     string
	ExternalPort   uint16
	Protocol       string
	InternalPort   uint16
	InternalClient string
	Enabled        bool
	Description    string
	LeaseDuration  uint32
}

// maxTableEntries bounds table enumeration; devices signal the end of the
// table with an error, but some never do.
const maxTableEntries = 256

// Table reads the gateway's mapping table, stopping at the first index
// the device rejects.
func (g *Gateway) Table(ctx context.Context) ([]Entry, error) {
	tr, ok := g.Client.(TableReader)
	if !ok {
		return nil, errors.New("gateway: client cannot enumerate mappings")
	}
	var entries []Entry
	for i := 0; i < maxTableEntries; i++ {
		remote, extPort, proto, intPort, intClient, enabled, desc, lease, err := tr.GetGenericPortMappingEntryCtx(ctx, uint16(i))
		if err != nil {
			// End of table, or a device that cannot enumerate at all.
			if i == 0 {
				return nil, err
			}
			break
		}
		entries = append(entries, Entry{
			RemoteHost:     remote,
			ExternalPort:   extPort,
			Protocol:       proto,
			InternalPort:   intPort,
			InternalClient: intClient,
			Enabled:        enabled,
			Description:    desc,
			LeaseDuration:  lease,
		})
	}
	return entries, nil
}
