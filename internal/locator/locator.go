// Package locator resolves a device.Target to a connectable peripheral with a bounded
// number of discovery attempts.
package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blestream/internal/device"
)

const (
	// DefaultMaxAttempts is used when Locate is given a non-positive attempt count
	DefaultMaxAttempts = 2

	// DefaultScanTimeout bounds a single discovery lookup
	DefaultScanTimeout = 10 * time.Second
)

// DeviceNotFoundError is returned once every attempt of a Locate call came back empty
type DeviceNotFoundError struct {
	Target   device.Target
	Attempts int
	Last     error
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device %q not found after %d attempt(s)", e.Target.String(), e.Attempts)
}

// Unwrap exposes the last lookup error (usually a *device.NotFoundError)
func (e *DeviceNotFoundError) Unwrap() error {
	return e.Last
}

// RetryBudget tracks the attempts of one Locate call
type RetryBudget struct {
	AttemptsMade int
	MaxAttempts  int
	Backoff      time.Duration
}

// Exhausted reports whether no attempt is left
func (b *RetryBudget) Exhausted() bool {
	return b.AttemptsMade >= b.MaxAttempts
}

// Locator looks peripherals up through a device.Link
type Locator struct {
	link        device.Link
	scanTimeout time.Duration
	logger      logrus.FieldLogger
}

// Option configures a Locator
type Option func(*Locator)

// WithScanTimeout overrides DefaultScanTimeout
func WithScanTimeout(d time.Duration) Option {
	return func(l *Locator) {
		if d > 0 {
			l.scanTimeout = d
		}
	}
}

// New creates a Locator on top of link
func New(link device.Link, logger logrus.FieldLogger, opts ...Option) *Locator {
	if logger == nil {
		logger = logrus.New()
	}
	l := &Locator{
		link:        link,
		scanTimeout: DefaultScanTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate performs up to maxAttempts lookups for target, waiting interAttemptDelay between
// unsuccessful ones. A lookup that reports not found or times out is retried; any other
// link error ends the call. Cancellation of ctx is honoured between attempts and by the
// lookup itself.
func (l *Locator) Locate(ctx context.Context, target device.Target, maxAttempts int, interAttemptDelay time.Duration) (device.Peripheral, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	budget := &RetryBudget{MaxAttempts: maxAttempts, Backoff: interAttemptDelay}
	log := l.logger.WithField("target", target.String())

	var lastErr error
	for !budget.Exhausted() {
		if budget.AttemptsMade > 0 {
			if err := wait(ctx, budget.Backoff); err != nil {
				return nil, err
			}
		}
		budget.AttemptsMade++

		log.WithFields(logrus.Fields{
			"attempt": budget.AttemptsMade,
			"max":     budget.MaxAttempts,
			"timeout": l.scanTimeout,
		}).Debug("Looking up device...")

		p, err := l.lookup(ctx, target)
		if err == nil {
			log.WithFields(logrus.Fields{
				"address": p.Address(),
				"attempt": budget.AttemptsMade,
			}).Info("Device found")
			return p, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !retryable(err) {
			log.WithError(err).Error("Device lookup failed")
			return nil, fmt.Errorf("lookup of %q failed: %w", target.String(), err)
		}

		lastErr = err
		log.WithFields(logrus.Fields{
			"attempt": budget.AttemptsMade,
			"error":   err,
		}).Warn("Device not found")
	}

	return nil, &DeviceNotFoundError{Target: target, Attempts: budget.AttemptsMade, Last: lastErr}
}

func (l *Locator) lookup(ctx context.Context, target device.Target) (device.Peripheral, error) {
	var (
		p   device.Peripheral
		err error
	)
	if target.Name != "" {
		p, err = l.link.ScanForName(ctx, target.Name, l.scanTimeout)
	} else {
		p, err = l.link.ScanForAddress(ctx, target.Address, l.scanTimeout)
	}
	if err == nil && p == nil {
		err = &device.NotFoundError{Resource: "peripheral", Key: target.String()}
	}
	return p, err
}

// retryable reports whether a lookup error means "try again later"
func retryable(err error) bool {
	return errors.Is(err, device.ErrNotFound) ||
		errors.Is(err, device.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// wait sleeps for d unless ctx is cancelled first
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
