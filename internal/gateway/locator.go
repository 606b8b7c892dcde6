package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// DefaultTimeout bounds one bind-scoped discovery attempt so a dead
// interface cannot stall a reconciliation pass.
const DefaultTimeout = 8 * time.Second

// Candidate is a local interface eligible for gateway discovery:
// non-loopback, with an IPv4 address.
type Candidate struct {
	Interface string
	Addr      netip.Addr
}

// Locator finds a controllable gateway for a given or unspecified local
// address.
type Locator struct {
	logger  *slog.Logger
	timeout time.Duration

	// Swapped out in tests.
	search     func(ctx context.Context, local netip.Addr, timeout time.Duration) (*Gateway, error)
	candidates func() ([]Candidate, error)
}

// NewLocator creates a locator whose per-interface discovery attempts are
// bounded by timeout (DefaultTimeout if non-positive).
func NewLocator(logger *slog.Logger, timeout time.Duration) *Locator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Locator{
		logger:     logger,
		timeout:    timeout,
		search:     discover,
		candidates: Candidates,
	}
}

// Locate finds a gateway reachable from the given IPv4 address, or, when
// address is empty, from the first eligible local interface whose
// discovery succeeds (in interface enumeration order). It returns the
// gateway together with the local socket address the mapping should
// target, with port substituted in.
func (l *Locator) Locate(ctx context.Context, address string, port uint16) (*Gateway, netip.AddrPort, error) {
	if address != "" {
		addr, err := netip.ParseAddr(address)
		if err != nil {
			return nil, netip.AddrPort{}, fmt.Errorf("gateway: parse address %q: %w", address, err)
		}
		if !addr.Is4() {
			return nil, netip.AddrPort{}, fmt.Errorf("gateway: address %q: %w", address, ErrNotIPv4)
		}
		gw, err := l.search(ctx, addr, l.timeout)
		if err != nil {
			return nil, netip.AddrPort{}, err
		}
		return gw, netip.AddrPortFrom(addr, port), nil
	}

	cands, err := l.candidates()
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("gateway: list interfaces: %w", err)
	}
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, netip.AddrPort{}, err
		}
		gw, err := l.search(ctx, c.Addr, l.timeout)
		if err != nil {
			l.logger.Debug("discovery failed", "interface", c.Interface, "addr", c.Addr.String(), "err", err)
			continue
		}
		return gw, netip.AddrPortFrom(c.Addr, port), nil
	}
	return nil, netip.AddrPort{}, ErrNoInterface
}

// ScanResult is one interface's outcome from a full discovery scan.
type ScanResult struct {
	Candidate Candidate
	Gateway   *Gateway
	Err       error
}

// Scan attempts discovery on every eligible interface and reports each
// outcome. Unlike Locate, it does not short-circuit; the gateways command
// uses it as a diagnostic.
func (l *Locator) Scan(ctx context.Context) ([]ScanResult, error) {
	cands, err := l.candidates()
	if err != nil {
		return nil, fmt.Errorf("gateway: list interfaces: %w", err)
	}
	results := make([]ScanResult, 0, len(cands))
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		gw, err := l.search(ctx, c.Addr, l.timeout)
		results = append(results, ScanResult{Candidate: c, Gateway: gw, Err: err})
	}
	return results, nil
}

// Candidates enumerates local interfaces eligible for discovery, in
// interface enumeration order. Loopback and non-IPv4 interfaces are
// excluded; one address (the first IPv4) represents each interface.
func Candidates() ([]Candidate, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var cands []Candidate
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			addr, ok := netip.AddrFromSlice(ip4)
			if !ok {
				continue
			}
			cands = append(cands, Candidate{Interface: iface.Name, Addr: addr})
			break
		}
	}
	return cands, nil
}
