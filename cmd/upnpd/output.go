package main

import (
	"fmt"
	"time"

	"github.com/groblegark/upnpd/internal/ui"
)

func renderStatus(running bool) string {
	if running {
		return ui.RenderOK("running")
	}
	return ui.RenderMuted("not running")
}

// renderLease formats a lease duration, with 0 meaning a permanent mapping.
func renderLease(seconds uint32) string {
	if seconds == 0 {
		return "permanent"
	}
	return (time.Duration(seconds) * time.Second).String()
}

func renderErrLine(context string, err error) string {
	return fmt.Sprintf("%s: %s", context, ui.RenderErr(err.Error()))
}
