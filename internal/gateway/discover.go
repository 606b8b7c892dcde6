package gateway

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/huin/goupnp/httpu"
	"github.com/huin/goupnp/ssdp"
)

// searchNumSends is how many M-SEARCH datagrams each search sends; SSDP
// is UDP, so repeats cover loss.
const searchNumSends = 3

// minSearchWait floors the per-target search window. RawSearch derives
// the SSDP MX header from the whole seconds left on its context and
// rejects anything under one second.
const minSearchWait = 2 * time.Second

// searchTargets are tried in order of preference: IGDv2 before IGDv1, IP
// connections before PPP. WANPPPConnection:1 shares its URN between IGD
// versions, so it appears once per client factory.
var searchTargets = []struct {
	urn     string
	kind    string
	connect func(ctx context.Context, loc *url.URL) (Client, error)
}{
	{internetgateway2.URN_WANIPConnection_2, "IGDv2-WANIPConnection2", connectIGD2IP2},
	{internetgateway2.URN_WANPPPConnection_1, "IGDv2-WANPPPConnection1", connectIGD2PPP1},
	{internetgateway1.URN_WANIPConnection_1, "IGDv1-WANIPConnection1", connectIGD1IP1},
	{internetgateway1.URN_WANPPPConnection_1, "IGDv1-WANPPPConnection1", connectIGD1PPP1},
}

// discover performs an SSDP search bound to the given local address and
// builds an IGD client from the first responder that yields one. Binding
// the search socket keeps discovery scoped to the network the mapping
// targets, rather than whatever interface the OS routes multicast to.
func discover(ctx context.Context, local netip.Addr, timeout time.Duration) (*Gateway, error) {
	hc, err := httpu.NewHTTPUClientAddr(local.String())
	if err != nil {
		return nil, fmt.Errorf("gateway: bind %s: %w", local, err)
	}
	defer hc.Close()
	return searchGateway(ctx, hc, timeout)
}

// searchGateway tries each search target against hc, splitting timeout
// evenly across them. RawSearch holds the socket open until its context
// deadline and encodes that deadline as the SSDP MX, so every target
// needs a deadline of its own: a shared one is consumed whole by the
// first target, leaving the later targets (and the descriptor fetch)
// with an expired context.
func searchGateway(ctx context.Context, hc ssdp.HTTPUClientCtx, timeout time.Duration) (*Gateway, error) {
	wait := timeout / time.Duration(len(searchTargets))
	if wait < minSearchWait {
		wait = minSearchWait
	}

	for _, target := range searchTargets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		searchCtx, cancel := context.WithTimeout(ctx, wait)
		responses, err := ssdp.RawSearch(searchCtx, hc, target.urn, searchNumSends)
		cancel()
		if err != nil {
			continue
		}
		for _, resp := range responses {
			loc, err := resp.Location()
			if err != nil {
				continue
			}
			// The search context is spent by the time RawSearch returns;
			// the descriptor fetch needs a live one.
			connectCtx, cancel := context.WithTimeout(ctx, wait)
			client, err := target.connect(connectCtx, loc)
			cancel()
			if err != nil {
				continue
			}
			return &Gateway{Client: client, Location: loc, Kind: target.kind}, nil
		}
	}
	return nil, ErrNoGateway
}

func connectIGD2IP2(ctx context.Context, loc *url.URL) (Client, error) {
	clients, err := internetgateway2.NewWANIPConnection2ClientsByURLCtx(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, ErrNoGateway
	}
	return clients[0], nil
}

func connectIGD2PPP1(ctx context.Context, loc *url.URL) (Client, error) {
	clients, err := internetgateway2.NewWANPPPConnection1ClientsByURLCtx(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, ErrNoGateway
	}
	return clients[0], nil
}

func connectIGD1IP1(ctx context.Context, loc *url.URL) (Client, error) {
	clients, err := internetgateway1.NewWANIPConnection1ClientsByURLCtx(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, ErrNoGateway
	}
	return clients[0], nil
}

func connectIGD1PPP1(ctx context.Context, loc *url.URL) (Client, error) {
	clients, err := internetgateway1.NewWANPPPConnection1ClientsByURLCtx(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, ErrNoGateway
	}
	return clients[0], nil
}
