package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/KafClaw/fleetgate/internal/instance"
)

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

func colorStatus(s instance.Status) string {
	switch s {
	case instance.StatusOnline:
		return color.GreenString(string(s))
	case instance.StatusOffline:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func check(ok bool) string {
	if ok {
		return color.GreenString("✓")
	}
	return color.RedString("✗")
}
