package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blestream/internal/coordinator"
	"github.com/srg/blestream/internal/device"
	"github.com/srg/blestream/internal/locator"
	"github.com/srg/blestream/internal/session"
	"github.com/srg/blestream/pkg/config"
)

// FormatUserError turns an error chain into a message for the terminal. Joined errors (one per
// target) are printed one per line.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		parts := joined.Unwrap()
		if len(parts) > 1 {
			lines := make([]string, 0, len(parts))
			for _, e := range parts {
				lines = append(lines, FormatUserError(e))
			}
			return strings.Join(lines, "\n       ")
		}
	}

	var (
		notFound *locator.DeviceNotFoundError
		connErr  *session.ConnectError
		running  *coordinator.AlreadyRunningError
	)
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and try again"
	case errors.Is(err, device.ErrUnsupported) && !errors.As(err, &connErr):
		return fmt.Sprintf("not supported on this system: %v", err)
	case errors.Is(err, config.ErrNoTargets):
		return "no targets configured; pass a name or address, --name/--address, or --config"
	case errors.As(err, &notFound):
		return fmt.Sprintf("%s not found after %d attempt(s); check that it is powered on and advertising",
			notFound.Target.String(), notFound.Attempts)
	case errors.As(err, &connErr):
		return fmt.Sprintf("could not connect to %s: %v", connErr.Address, connErr.Err)
	case errors.As(err, &running):
		return fmt.Sprintf("%s is already being streamed (%s)", running.Target.String(), running.State)
	default:
		return err.Error()
	}
}
