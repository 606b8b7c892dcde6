package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/groblegark/upnpd/internal/daemon"
	"github.com/groblegark/upnpd/internal/events"
	"github.com/groblegark/upnpd/internal/gateway"
	"github.com/groblegark/upnpd/internal/mapping"
	"github.com/groblegark/upnpd/internal/natpmp"
	"github.com/groblegark/upnpd/internal/pidfile"
	"github.com/groblegark/upnpd/internal/reconcile"
)

// runDaemon is the root command: reconcile the mapping list once
// (--oneshot) or on every interval until interrupted.
func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.File == "" {
		return errors.New("no mapping file configured (set --file, UPNPD_FILE, or file= in the config)")
	}

	if !flagForeground && !flagOneshot && !daemonized() {
		// Fail fast in the parent so the operator sees the error; the
		// child takes the real lock.
		if pid, running, err := pidfile.Check(cfg.PIDFile); err == nil && running {
			return fmt.Errorf("%w (pid %d)", pidfile.ErrAlreadyRunning, pid)
		}
		return daemonize()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	lock, err := pidfile.Acquire(cfg.PIDFile)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var publisher events.Publisher = &events.NoopPublisher{}
	if cfg.NATSURL != "" {
		p, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		publisher = p
	}
	defer publisher.Close()

	var pmp daemon.PMPMapper
	if cfg.NATPMP {
		m, err := natpmp.Discover(cfg.DiscoveryTimeout)
		if err != nil {
			// The fallback is best-effort: UPnP still works without it.
			logger.Warn("NAT-PMP fallback unavailable", "err", err)
		} else {
			logger.Info("NAT-PMP fallback enabled", "gateway", m.GatewayIP().String())
			pmp = m
		}
	}

	d := daemon.New(daemon.Options{
		Load:       func() ([]mapping.Spec, error) { return mapping.LoadFile(cfg.File) },
		Locator:    gateway.NewLocator(logger, cfg.DiscoveryTimeout),
		Reconciler: reconcile.New(logger),
		Publisher:  publisher,
		Logger:     logger,
		Interval:   cfg.Interval,
		PMP:        pmp,
	})

	logger.Info("starting",
		"pid", os.Getpid(),
		"file", cfg.File,
		"pid_file", cfg.PIDFile,
		"interval", cfg.Interval.String(),
		"oneshot", flagOneshot,
	)
	if flagOneshot {
		return d.RunOnce(ctx)
	}
	return d.Run(ctx)
}
