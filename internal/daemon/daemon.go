// Package daemon runs the periodic reconciliation loop: reload the
// mapping list, locate a gateway for every entry, and assert the mapping,
// tolerating per-entry failures.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/groblegark/upnpd/internal/events"
	"github.com/groblegark/upnpd/internal/gateway"
	"github.com/groblegark/upnpd/internal/idgen"
	"github.com/groblegark/upnpd/internal/mapping"
	"github.com/groblegark/upnpd/internal/reconcile"
)

// ErrMappingsFailed is returned by RunOnce when at least one entry could
// not be applied. The remaining entries were still processed.
var ErrMappingsFailed = errors.New("daemon: one or more mappings failed")

// Locator resolves a gateway for a mapping entry.
type Locator interface {
	Locate(ctx context.Context, address string, port uint16) (*gateway.Gateway, netip.AddrPort, error)
}

// Reconciler asserts one mapping on a located gateway.
type Reconciler interface {
	Reconcile(ctx context.Context, gw *gateway.Gateway, internal netip.AddrPort, spec mapping.Spec) (reconcile.Outcome, error)
}

// PMPMapper is the optional NAT-PMP fallback, consulted only for entries
// with no explicit address whose UPnP discovery found nothing.
type PMPMapper interface {
	AddMapping(spec mapping.Spec) error
}

type Options struct {
	// Load returns a fresh mapping list. It is called once per pass, so
	// edits to the mapping file take effect on the next tick.
	Load func() ([]mapping.Spec, error)

	Locator    Locator
	Reconciler Reconciler
	Publisher  events.Publisher // nil = no events
	Logger     *slog.Logger
	Interval   time.Duration
	PMP        PMPMapper   // nil = fallback disabled
	Clock      clock.Clock // nil = wall clock
}

type Daemon struct {
	load       func() ([]mapping.Spec, error)
	locator    Locator
	reconciler Reconciler
	publisher  events.Publisher
	logger     *slog.Logger
	interval   time.Duration
	pmp        PMPMapper
	clock      clock.Clock
}

func New(opts Options) *Daemon {
	if opts.Publisher == nil {
		opts.Publisher = &events.NoopPublisher{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Daemon{
		load:       opts.Load,
		locator:    opts.Locator,
		reconciler: opts.Reconciler,
		publisher:  opts.Publisher,
		logger:     opts.Logger,
		interval:   opts.Interval,
		pmp:        opts.PMP,
		clock:      opts.Clock,
	}
}

// RunOnce executes a single reconciliation pass. A load failure is fatal;
// per-entry failures are reported collectively as ErrMappingsFailed after
// every entry has been attempted.
func (d *Daemon) RunOnce(ctx context.Context) error {
	failed, err := d.tick(ctx)
	if err != nil {
		return err
	}
	if failed > 0 {
		return ErrMappingsFailed
	}
	return nil
}

// Run executes passes until ctx is cancelled: one immediately, then one
// per interval. The inter-tick wait is interruptible. A failed pass
// (including a load failure) is logged and the loop continues; clean
// shutdown returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := d.clock.Ticker(d.interval)
	defer ticker.Stop()

	d.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("shutting down")
			return nil
		case <-ticker.C:
			d.runTick(ctx)
		}
	}
}

func (d *Daemon) runTick(ctx context.Context) {
	if _, err := d.tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("reconciliation pass aborted", "err", err)
	}
}

// tick runs one pass over a freshly loaded list. It returns the number of
// entries that failed, and an error only when the pass itself could not
// run (load failure or cancellation).
func (d *Daemon) tick(ctx context.Context) (failed int, err error) {
	run, err := idgen.Generate()
	if err != nil {
		return 0, err
	}
	logger := d.logger.With("run", run)

	specs, err := d.load()
	if err != nil {
		logger.Error("loading mapping list failed", "err", err)
		return 0, err
	}
	logger.Info("reconciliation pass started", "mappings", len(specs))

	var applied, conflicts int
	for _, spec := range specs {
		// Cancellation is honored at entry boundaries; an in-flight
		// gateway call is allowed to finish.
		if err := ctx.Err(); err != nil {
			logger.Info("shutdown requested, abandoning remaining mappings")
			return failed, err
		}
		conflict, err := d.applyOne(ctx, logger, run, spec)
		if err != nil {
			failed++
			continue
		}
		applied++
		if conflict {
			conflicts++
		}
	}

	d.publish(ctx, logger, events.TopicTickCompleted, events.TickCompleted{
		Run:              run,
		Total:            len(specs),
		Applied:          applied,
		ConflictResolved: conflicts,
		Failed:           failed,
	})
	logger.Info("reconciliation pass completed",
		"total", len(specs),
		"applied", applied,
		"conflicts_resolved", conflicts,
		"failed", failed,
	)
	return failed, nil
}

// applyOne locates a gateway for spec and asserts the mapping, reporting
// conflict=true when a stale mapping had to be removed first.
func (d *Daemon) applyOne(ctx context.Context, logger *slog.Logger, run string, spec mapping.Spec) (conflict bool, err error) {
	gw, internal, err := d.locator.Locate(ctx, spec.Address, spec.Port)
	if err != nil {
		if d.pmp != nil && spec.Address == "" && errors.Is(err, gateway.ErrNoInterface) {
			pmpErr := d.pmp.AddMapping(spec)
			if pmpErr == nil {
				logger.Info("mapping applied", "mapping", spec.Label(), "backend", "natpmp")
				d.publish(ctx, logger, events.TopicMappingApplied, events.MappingApplied{
					Run: run, Mapping: spec, Backend: "natpmp",
				})
				return false, nil
			}
			logger.Debug("NAT-PMP fallback failed", "mapping", spec.Label(), "err", pmpErr)
		}
		logger.Error("gateway discovery failed", "mapping", spec.Label(), "err", err)
		d.publish(ctx, logger, events.TopicMappingFailed, events.MappingFailed{
			Run: run, Mapping: spec, Stage: "discover", Error: err.Error(),
		})
		return false, err
	}

	outcome, err := d.reconciler.Reconcile(ctx, gw, internal, spec)
	if err != nil {
		logger.Error("mapping failed", "mapping", spec.Label(), "gateway", gw.Kind, "err", err)
		d.publish(ctx, logger, events.TopicMappingFailed, events.MappingFailed{
			Run: run, Mapping: spec, Stage: "reconcile", Error: err.Error(),
		})
		return false, err
	}

	location := ""
	if gw.Location != nil {
		location = gw.Location.String()
	}
	logger.Info("mapping applied",
		"mapping", spec.Label(),
		"internal", internal.String(),
		"gateway", gw.Kind,
		"outcome", outcome.String(),
	)
	topic := events.TopicMappingApplied
	if outcome == reconcile.OutcomeConflictResolved {
		topic = events.TopicMappingConflictResolved
	}
	d.publish(ctx, logger, topic, events.MappingApplied{
		Run:              run,
		Mapping:          spec,
		Gateway:          location,
		Backend:          "upnp",
		ConflictResolved: outcome == reconcile.OutcomeConflictResolved,
	})
	return outcome == reconcile.OutcomeConflictResolved, nil
}

func (d *Daemon) publish(ctx context.Context, logger *slog.Logger, topic string, event any) {
	if err := d.publisher.Publish(ctx, topic, event); err != nil {
		logger.Warn("publishing event failed", "topic", topic, "err", err)
	}
}
