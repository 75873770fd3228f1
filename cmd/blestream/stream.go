package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blestream/internal/display"
	"github.com/srg/blestream/internal/events"
	"github.com/srg/blestream/internal/fleet"
	"github.com/srg/blestream/internal/groutine"
)

type streamFlags struct {
	tuningFlags
	names     []string
	addresses []string
	format    string
	noColor   bool
	duration  time.Duration
	tail      int
}

// incidentLimit caps the errors repeated after the summary
const incidentLimit = 5

func newStreamCmd() *cobra.Command {
	f := &streamFlags{}
	cmd := &cobra.Command{
		Use:   "stream [name-or-address...]",
		Short: "Stream readings from one or more sensors",
		Long: `Locates every target, connects and cycles notification subscriptions over the
notifying characteristics of each, printing decoded readings until Ctrl+C, --duration, or until
every session has ended (peripheral not found, connection failure or link loss).

Targets come from arguments, --name/--address, the --config file and BLESTREAM_NAMES /
BLESTREAM_ADDRESSES.

Examples:
  # Stream from a sensor by advertised name
  blestream stream Sensor1

  # Two sensors, half-second windows, JSON lines
  blestream stream --name Sensor1 --address AA:BB:CC:DD:EE:FF --window 500ms --format json

  # Targets from a file ({"names": ["Sensor1", "Sensor2"]} or YAML)
  blestream stream --config devices.json

  # Run for a minute in a script, keeping only the last 20 lines
  blestream stream Sensor1 --duration 1m --tail 20`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd, args, f)
		},
	}

	f.register(cmd, true)
	cmd.Flags().StringArrayVar(&f.names, "name", nil, "Advertised name of a target (repeatable)")
	cmd.Flags().StringArrayVar(&f.addresses, "address", nil, "Address of a target (repeatable)")
	cmd.Flags().StringVar(&f.format, "format", "", "Output format: text or json")
	cmd.Flags().BoolVar(&f.noColor, "no-color", false, "Disable coloured output")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "Stop streaming after this long (0 = until Ctrl+C)")
	cmd.Flags().IntVar(&f.tail, "tail", 0, "Print nothing live, replay the last N lines on exit (0 = stream live)")
	return cmd
}

func runStream(cmd *cobra.Command, args []string, f *streamFlags) error {
	cfg, err := loadConfig(cmd, &f.tuningFlags)
	if err != nil {
		return err
	}
	for _, arg := range args {
		cfg.Targets = append(cfg.Targets, targetFromArg(arg))
	}
	cfg.Names = append(cfg.Names, f.names...)
	cfg.Addresses = append(cfg.Addresses, f.addresses...)
	if f.format != "" {
		cfg.Format = f.format
	}
	if f.tail < 0 {
		return fmt.Errorf("--tail must not be negative, got %d", f.tail)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	format, err := display.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	console, err := display.NewConsole(out, display.Options{
		Format: format,
		Color:  !f.noColor && isTerminal(out),
		Quiet:  f.tail > 0,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	ch := events.NewChannel(cfg.EventBuffer)
	fl := fleet.New(newLink(logger), ch, coordinatorOptions(cfg), logger)
	for _, t := range cfg.AllTargets() {
		if _, err := fl.Add(t); err != nil {
			return err
		}
	}

	var consumeErr error
	rendered := groutine.GoDone(context.Background(), "console", func(context.Context) {
		consumeErr = console.Consume(context.Background(), ch)
	})

	if err := fl.StartAll(ctx); err != nil {
		fl.StopAll()
		<-fl.Done(context.Background())
		ch.Close()
		<-rendered
		return err
	}

	if f.duration > 0 {
		timer := time.AfterFunc(f.duration, fl.StopAll)
		defer timer.Stop()
	}

	waitErr := fl.Wait(ctx)
	if ctx.Err() != nil {
		fl.StopAll()
		<-fl.Done(context.Background())
	}
	ch.Close()
	<-rendered

	if f.tail > 0 {
		if err := console.WriteTail(out, f.tail); err != nil {
			return err
		}
	}

	summaryOut := out
	if format == display.FormatJSON {
		summaryOut = cmd.ErrOrStderr()
	}
	if err := console.WriteSummary(summaryOut); err != nil {
		return err
	}
	if err := console.WriteIncidents(summaryOut, incidentLimit); err != nil {
		return err
	}
	reportDropped(logger, ch, console)

	if waitErr != nil {
		return waitErr
	}
	return consumeErr
}

func reportDropped(logger logrus.FieldLogger, ch *events.Channel, console *display.Console) {
	m := ch.Metrics()
	fields := logrus.Fields{
		"written":             m.Written,
		"overwritten":         m.Overwritten,
		"rendered":            console.Rendered(),
		"history_overwritten": console.Overwritten(),
	}
	if m.Overwritten > 0 {
		logger.WithFields(fields).Warn("Event buffer overflowed; oldest events were dropped")
		return
	}
	logger.WithFields(fields).Debug("Event delivery complete")
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && display.IsTerminal(f)
}
