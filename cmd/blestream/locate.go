package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blestream/internal/locator"
)

func newLocateCmd() *cobra.Command {
	f := &tuningFlags{}
	cmd := &cobra.Command{
		Use:   "locate <name-or-address>",
		Short: "Find a sensor and print its address",
		Long: `Runs discovery only, with the same retry policy as stream, and prints the address
of the first matching peripheral.

Examples:
  blestream locate Sensor1
  blestream locate Sensor1 --attempts 5 --scan-timeout 5s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			target := targetFromArg(args[0])
			cfg.Targets = append(cfg.Targets, target)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := configureLogger(cmd, cfg)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			ctx, cancel := signalContext()
			defer cancel()

			loc := locator.New(newLink(logger), logger, locator.WithScanTimeout(cfg.ScanTimeout))
			p, err := loc.Locate(ctx, target, cfg.MaxAttempts, cfg.RetryDelay)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.Address())
			return nil
		},
	}
	f.register(cmd, false)
	return cmd
}
