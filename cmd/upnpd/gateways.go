package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/groblegark/upnpd/internal/gateway"
	"github.com/groblegark/upnpd/internal/ui"
)

var gatewaysShowTable bool

var gatewaysCmd = &cobra.Command{
	Use:   "gateways",
	Short: "Probe every eligible interface for a UPnP gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		locator := gateway.NewLocator(logger, cfg.DiscoveryTimeout)

		results, err := locator.Scan(ctx)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println(ui.RenderMuted("no eligible interfaces"))
			return nil
		}

		found := 0
		for _, res := range results {
			label := fmt.Sprintf("%s (%s)", res.Candidate.Interface, res.Candidate.Addr)
			if res.Err != nil {
				fmt.Printf("%s: %s\n", label, ui.RenderMuted("no gateway"))
				continue
			}
			found++
			ext, extErr := res.Gateway.ExternalIP(ctx)
			if extErr != nil {
				ext = "unknown"
			}
			fmt.Printf("%s: %s %s external %s\n",
				label,
				ui.RenderOK(res.Gateway.Kind),
				res.Gateway.Location.String(),
				ext,
			)
			if gatewaysShowTable {
				printMappingTable(ctx, res.Gateway)
			}
		}
		if found == 0 {
			return gateway.ErrNoInterface
		}
		return nil
	},
}

// printMappingTable dumps the gateway's current port mapping table, for
// checking what the device actually holds against the declared list.
func printMappingTable(ctx context.Context, gw *gateway.Gateway) {
	entries, err := gw.Table(ctx)
	if err != nil {
		fmt.Println("  " + renderErrLine("mapping table", err))
		return
	}
	if len(entries) == 0 {
		fmt.Println("  " + ui.RenderMuted("no mappings"))
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 2, 2, ' ', 0)
	fmt.Fprintln(w, "  EXT\tPROTO\tINTERNAL\tLEASE\tENABLED\tDESCRIPTION")
	for _, e := range entries {
		fmt.Fprintf(w, "  %d\t%s\t%s:%d\t%s\t%t\t%s\n",
			e.ExternalPort, e.Protocol, e.InternalClient, e.InternalPort,
			renderLease(e.LeaseDuration), e.Enabled, e.Description)
	}
	w.Flush()
}

func init() {
	gatewaysCmd.Flags().BoolVar(&gatewaysShowTable, "table", false, "also dump each gateway's port mapping table")
}
