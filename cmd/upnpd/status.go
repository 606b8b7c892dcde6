package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/groblegark/upnpd/internal/pidfile"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a daemon instance is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pid, running, err := pidfile.Check(cfg.PIDFile)
		if err != nil {
			return err
		}
		if running {
			fmt.Printf("%s pid %d (%s)\n", renderStatus(true), pid, cfg.PIDFile)
		} else {
			fmt.Printf("%s (%s)\n", renderStatus(false), cfg.PIDFile)
		}
		return nil
	},
}
