package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blestream/internal/device"
	goble "github.com/srg/blestream/internal/device/go-ble"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// newLink creates the transport used by every command (can be overridden in tests)
var newLink = func(logger logrus.FieldLogger) device.Link {
	return goble.NewLink(logger)
}

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "blestream",
		Short: "Stream pressure and temperature readings from BLE sensors",
		Long: `Locates BLE sensor peripherals by advertised name or address, connects to them and
round-robins notification subscriptions over their characteristics, one observation window at
a time. Pressure (0x2A6D) and temperature (0x2A6E) readings are decoded and printed as they
arrive; a table of the latest reading per sensor is printed on exit.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
	}

	// Silence Cobra's "Error:" prefix - main() prints clean errors
	root.SilenceErrors = true

	root.AddCommand(newStreamCmd())
	root.AddCommand(newLocateCmd())

	// Global flags
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolP("verbose", "v", false, "Verbose output (same as --log-level debug)")
	root.PersistentFlags().String("config", "", "Targets/config file (YAML or JSON)")

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
