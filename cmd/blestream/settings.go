package main

import (
	"os"
	"regexp"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blestream/internal/coordinator"
	"github.com/srg/blestream/internal/device"
	"github.com/srg/blestream/pkg/config"
)

// macAddress matches 48-bit addresses as printed by Linux (aa:bb:cc:dd:ee:ff or with dashes)
var macAddress = regexp.MustCompile(`^[0-9A-Fa-f]{2}([:-][0-9A-Fa-f]{2}){5}$`)

// targetFromArg reads a positional argument as an address when it looks like one (a MAC on
// Linux, a peripheral UUID on macOS) and as an advertised name otherwise
func targetFromArg(arg string) device.Target {
	if macAddress.MatchString(arg) || (len(arg) >= 32 && device.NormalizeUUID(arg) != "") {
		return device.ByAddress(arg)
	}
	return device.ByName(arg)
}

// tuningFlags are the flags shared by commands that locate peripherals
type tuningFlags struct {
	attempts       int
	retryDelay     time.Duration
	scanTimeout    time.Duration
	connectTimeout time.Duration
	window         time.Duration
}

func (f *tuningFlags) register(cmd *cobra.Command, withSession bool) {
	d := config.Default()
	cmd.Flags().IntVar(&f.attempts, "attempts", d.MaxAttempts, "Discovery attempts per target")
	cmd.Flags().DurationVar(&f.retryDelay, "retry-delay", d.RetryDelay, "Wait between discovery attempts")
	cmd.Flags().DurationVar(&f.scanTimeout, "scan-timeout", d.ScanTimeout, "Scan timeout per discovery attempt")
	if withSession {
		cmd.Flags().DurationVar(&f.connectTimeout, "connect-timeout", d.ConnectTimeout, "Connection timeout")
		cmd.Flags().DurationVar(&f.window, "window", d.Window, "Observation window per channel")
	}
}

// loadConfig layers .env, the config file, BLESTREAM_* variables and explicitly set flags, in
// that order of increasing precedence. The result is not validated.
func loadConfig(cmd *cobra.Command, f *tuningFlags) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("attempts") {
		cfg.MaxAttempts = f.attempts
	}
	if flags.Changed("retry-delay") {
		cfg.RetryDelay = f.retryDelay
	}
	if flags.Changed("scan-timeout") {
		cfg.ScanTimeout = f.scanTimeout
	}
	if flags.Lookup("connect-timeout") != nil && flags.Changed("connect-timeout") {
		cfg.ConnectTimeout = f.connectTimeout
	}
	if flags.Lookup("window") != nil && flags.Changed("window") {
		cfg.Window = f.window
	}
	return cfg, nil
}

func coordinatorOptions(cfg *config.Config) coordinator.Options {
	return coordinator.Options{
		MaxAttempts:    cfg.MaxAttempts,
		RetryDelay:     cfg.RetryDelay,
		ScanTimeout:    cfg.ScanTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		Window:         cfg.Window,
	}
}
