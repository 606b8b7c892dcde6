package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/groblegark/upnpd/internal/daemon"
	"github.com/groblegark/upnpd/internal/gateway"
	"github.com/groblegark/upnpd/internal/mapping"
	"github.com/groblegark/upnpd/internal/ui"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Remove every declared mapping from its gateway",
	Long: `flush reads the mapping list and deletes each entry from the gateway
that would serve it. Entries that cannot be removed are reported and
skipped; stop the daemon first or it will re-assert them on its next pass.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.File == "" {
			return errors.New("no mapping file configured (set --file, UPNPD_FILE, or file= in the config)")
		}
		specs, err := mapping.LoadFile(cfg.File)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		locator := gateway.NewLocator(logger, cfg.DiscoveryTimeout)

		failed := 0
		for _, spec := range specs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			gw, _, err := locator.Locate(ctx, spec.Address, spec.Port)
			if err != nil {
				fmt.Println(renderErrLine(spec.Label(), err))
				failed++
				continue
			}
			if err := gw.Client.DeletePortMappingCtx(ctx, "", spec.Port, string(spec.Protocol)); err != nil {
				fmt.Println(renderErrLine(spec.Label(), err))
				failed++
				continue
			}
			fmt.Printf("%s %s\n", spec.Label(), ui.RenderOK("removed"))
		}
		if failed > 0 {
			return fmt.Errorf("%w: %d of %d entries not removed", daemon.ErrMappingsFailed, failed, len(specs))
		}
		return nil
	},
}
