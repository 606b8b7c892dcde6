package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/groblegark/upnpd/internal/events"
	"github.com/groblegark/upnpd/internal/ui"
)

var watchJSON bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a running daemon's reconciliation events",
	Long: `watch subscribes to the daemon's NATS event stream and prints each
mapping outcome as it happens. The daemon must be running with a NATS
URL configured.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.NATSURL == "" {
			return errors.New("no NATS URL configured (set --nats-url, UPNPD_NATS_URL, or nats_url= in the config)")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		sub, err := events.NewNATSSubscriber(cfg.NATSURL,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Printf("nats: disconnected: %v", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				log.Printf("nats: reconnected")
			}),
		)
		if err != nil {
			return err
		}
		defer sub.Close()

		ch, cancel, err := sub.Subscribe("upnpd.>")
		if err != nil {
			return err
		}
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return nil
			case data, ok := <-ch:
				if !ok {
					return nil
				}
				printEvent(os.Stdout, data)
			}
		}
	},
}

// printEvent decodes a raw event payload and prints one line for it. The
// topic is not delivered alongside the payload, so the event kind is
// recovered from the fields present: only TickCompleted carries "total",
// only MappingFailed carries "stage".
func printEvent(w io.Writer, data []byte) {
	if watchJSON {
		fmt.Fprintln(w, string(data))
		return
	}

	var probe struct {
		Total *int   `json:"total"`
		Stage string `json:"stage"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		fmt.Fprintln(w, ui.RenderMuted(string(data)))
		return
	}

	switch {
	case probe.Total != nil:
		var ev events.TickCompleted
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		line := fmt.Sprintf("[%s] pass done: %d/%d applied, %d conflicts resolved, %d failed",
			ev.Run, ev.Applied, ev.Total, ev.ConflictResolved, ev.Failed)
		if ev.Failed > 0 {
			fmt.Fprintln(w, ui.RenderWarn(line))
		} else {
			fmt.Fprintln(w, ui.RenderMuted(line))
		}
	case probe.Stage != "":
		var ev events.MappingFailed
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		fmt.Fprintf(w, "[%s] %s %s: %s\n", ev.Run, ev.Mapping.Label(),
			ui.RenderErr("failed ("+ev.Stage+")"), ev.Error)
	default:
		var ev events.MappingApplied
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		verb := "applied"
		if ev.ConflictResolved {
			verb = "applied (conflict resolved)"
		}
		fmt.Fprintf(w, "[%s] %s %s via %s\n", ev.Run, ev.Mapping.Label(),
			ui.RenderOK(verb), ev.Backend)
	}
}

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "print raw event JSON")
}
