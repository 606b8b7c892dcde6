package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/groblegark/upnpd/internal/config"
	"github.com/groblegark/upnpd/internal/daemon"
	"github.com/groblegark/upnpd/internal/pidfile"
	"github.com/groblegark/upnpd/internal/ui"
)

// Process exit codes. Scripts key off these, so they are part of the
// command's contract.
const (
	exitFailure        = 1 // config error, lock error, anything unclassified
	exitAlreadyRunning = 2 // another instance holds the pid file lock
	exitMappingsFailed = 3 // oneshot pass completed but some entries failed
)

var (
	configPath           string
	flagFile             string
	flagPIDFile          string
	flagNATSURL          string
	flagDiscoveryTimeout time.Duration
	flagNoColor          bool

	flagInterval   time.Duration
	flagOneshot    bool
	flagForeground bool
	flagNATPMP     bool
)

var rootCmd = &cobra.Command{
	Use:   "upnpd",
	Short: "Keep declared port forwardings asserted on the local UPnP gateway",
	Long: `upnpd reads a list of port mappings from a CSV file and periodically
re-asserts each one on the gateway, so forwardings survive router reboots
and lease expiry. Without --foreground or --oneshot it detaches and runs
in the background.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagNoColor || !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
	},
}

// loadConfig builds the effective configuration: file, then UPNPD_*
// environment, then command-line flags, each layer overriding the last.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("UPNPD_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	pf := rootCmd.PersistentFlags()
	if pf.Changed("file") {
		cfg.File = flagFile
	}
	if pf.Changed("pid-file") {
		cfg.PIDFile = flagPIDFile
	}
	if pf.Changed("nats-url") {
		cfg.NATSURL = flagNATSURL
	}
	if pf.Changed("discovery-timeout") {
		cfg.DiscoveryTimeout = flagDiscoveryTimeout
	}

	f := rootCmd.Flags()
	if f.Changed("interval") {
		cfg.Interval = flagInterval
	}
	if f.Changed("natpmp") {
		cfg.NATPMP = flagNATPMP
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", cfg.Interval)
	}
	return cfg, nil
}

func init() {
	rootCmd.RunE = runDaemon

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "TOML config file (default $UPNPD_CONFIG)")
	pf.StringVar(&flagFile, "file", "", "mapping list CSV file")
	pf.StringVar(&flagPIDFile, "pid-file", config.DefaultPIDFile, "pid file path")
	pf.StringVar(&flagNATSURL, "nats-url", "", "NATS server for reconciliation events")
	pf.DurationVar(&flagDiscoveryTimeout, "discovery-timeout", config.DefaultDiscoveryTimeout, "per-interface gateway discovery timeout")
	pf.BoolVar(&flagNoColor, "no-color", false, "disable colored output")

	f := rootCmd.Flags()
	f.DurationVar(&flagInterval, "interval", config.DefaultInterval, "time between reconciliation passes")
	f.BoolVar(&flagOneshot, "oneshot", false, "run a single pass and exit")
	f.BoolVar(&flagForeground, "foreground", false, "do not detach from the terminal")
	f.BoolVar(&flagNATPMP, "natpmp", false, "fall back to NAT-PMP when UPnP discovery fails")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gatewaysCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(watchCmd)
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, pidfile.ErrAlreadyRunning):
		return exitAlreadyRunning
	case errors.Is(err, daemon.ErrMappingsFailed):
		return exitMappingsFailed
	default:
		return exitFailure
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.RenderErr("Error: "+err.Error()))
		os.Exit(exitCode(err))
	}
}
