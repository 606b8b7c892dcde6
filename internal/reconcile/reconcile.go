// Package reconcile idempotently asserts port mappings on a gateway,
// resolving same-port conflicts by removal and a single retry.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/huin/goupnp/soap"

	"github.com/groblegark/upnpd/internal/gateway"
	"github.com/groblegark/upnpd/internal/mapping"
)

// Outcome describes how a mapping ended up applied.
type Outcome int

const (
	// OutcomeApplied: the add succeeded on the first try.
	OutcomeApplied Outcome = iota
	// OutcomeConflictResolved: a conflicting mapping for the same port was
	// removed and the retried add succeeded.
	OutcomeConflictResolved
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeConflictResolved:
		return "conflict_resolved"
	default:
		return "unknown"
	}
}

// conflictInMappingEntry is the UPnP error code a gateway returns when the
// requested external port is already mapped to a different target.
const conflictInMappingEntry = 718

type Reconciler struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Reconciler {
	return &Reconciler{logger: logger}
}

// Reconcile ensures the mapping described by spec exists on gw, targeting
// the internal socket address. An existing mapping for the contested
// (port, protocol) pair is assumed stale or foreign: it is deleted and the
// add retried exactly once, so the declared intent always wins. Any other
// failure is returned without retrying.
func (r *Reconciler) Reconcile(ctx context.Context, gw *gateway.Gateway, internal netip.AddrPort, spec mapping.Spec) (Outcome, error) {
	add := func() error {
		return gw.Client.AddPortMappingCtx(ctx,
			"",                     // remote host: any
			spec.Port,              // external port
			string(spec.Protocol),  // TCP or UDP
			internal.Port(),        // internal port
			internal.Addr().String(), // internal client
			true,                   // enabled
			spec.Comment,           // description
			spec.Duration,          // lease seconds
		)
	}

	err := add()
	if err == nil {
		return OutcomeApplied, nil
	}
	if !isConflict(err) {
		return 0, fmt.Errorf("reconcile: add %s: %w", spec.Label(), err)
	}

	r.logger.Debug("port already mapped, removing conflicting entry", "mapping", spec.Label())
	if err := gw.Client.DeletePortMappingCtx(ctx, "", spec.Port, string(spec.Protocol)); err != nil {
		return 0, fmt.Errorf("reconcile: remove conflicting %s: %w", spec.Label(), err)
	}
	// Exactly one retry: a second conflict means the gateway is
	// misbehaving, and looping against it would never converge.
	if err := add(); err != nil {
		return 0, fmt.Errorf("reconcile: re-add %s after conflict removal: %w", spec.Label(), err)
	}
	return OutcomeConflictResolved, nil
}

// isConflict reports whether err is the ConflictInMappingEntry SOAP fault.
func isConflict(err error) bool {
	var fault *soap.SOAPFaultError
	if !errors.As(err, &fault) {
		return false
	}
	return fault.Detail.UPnPError.Errorcode == conflictInMappingEntry
}
