// Package fleet runs one acquisition coordinator per target over a shared link and event sink.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blestream/internal/coordinator"
	"github.com/srg/blestream/internal/device"
	"github.com/srg/blestream/internal/events"
	"github.com/srg/blestream/internal/groutine"
)

// ErrDuplicateTarget is returned when a target is added twice
var ErrDuplicateTarget = errors.New("duplicate target")

// Fleet is a registry of coordinators keyed by device.Target.Key
type Fleet struct {
	link   device.Link
	sink   events.Sink
	opts   coordinator.Options
	logger logrus.FieldLogger

	coordinators *hashmap.Map[string, *coordinator.Coordinator]

	mu    sync.Mutex
	order []device.Target
}

// New creates an empty Fleet
func New(link device.Link, sink events.Sink, opts coordinator.Options, logger logrus.FieldLogger) *Fleet {
	if logger == nil {
		logger = logrus.New()
	}
	return &Fleet{
		link:         link,
		sink:         sink,
		opts:         opts,
		logger:       logger,
		coordinators: hashmap.New[string, *coordinator.Coordinator](),
	}
}

// Add registers target and returns its coordinator
func (f *Fleet) Add(target device.Target) (*coordinator.Coordinator, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	c := coordinator.New(f.link, f.sink, f.opts, f.logger)
	if _, existing := f.coordinators.GetOrInsert(target.Key(), c); existing {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTarget, target.String())
	}

	f.mu.Lock()
	f.order = append(f.order, target)
	f.mu.Unlock()
	return c, nil
}

// Get returns the coordinator of target
func (f *Fleet) Get(target device.Target) (*coordinator.Coordinator, bool) {
	return f.coordinators.Get(target.Key())
}

// Len returns the number of registered targets
func (f *Fleet) Len() int {
	return f.coordinators.Len()
}

// Targets returns the registered targets in insertion order
func (f *Fleet) Targets() []device.Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.Target(nil), f.order...)
}

// Range calls fn for every target in insertion order until fn returns false
func (f *Fleet) Range(fn func(device.Target, *coordinator.Coordinator) bool) {
	for _, t := range f.Targets() {
		c, ok := f.coordinators.Get(t.Key())
		if !ok {
			continue
		}
		if !fn(t, c) {
			return
		}
	}
}

// StartAll starts every idle or stopped coordinator. Targets that fail to start are reported
// together; the others keep running.
func (f *Fleet) StartAll(ctx context.Context) error {
	var errs []error
	f.Range(func(t device.Target, c *coordinator.Coordinator) bool {
		if err := c.Start(ctx, t); err != nil {
			f.logger.WithFields(logrus.Fields{
				"target": t.String(),
				"error":  err,
			}).Warn("Failed to start acquisition")
			errs = append(errs, fmt.Errorf("%s: %w", t.String(), err))
		}
		return true
	})
	return errors.Join(errs...)
}

// StopAll asks every running coordinator to stop
func (f *Fleet) StopAll() {
	f.Range(func(t device.Target, c *coordinator.Coordinator) bool {
		if err := c.Stop(); err != nil && !errors.Is(err, coordinator.ErrNotRunning) {
			f.logger.WithField("target", t.String()).WithError(err).Warn("Failed to stop acquisition")
		}
		return true
	})
}

// Done is closed once every coordinator has finished its current session
func (f *Fleet) Done(ctx context.Context) <-chan struct{} {
	return groutine.GoDone(ctx, "fleet-wait", func(ctx context.Context) {
		f.Range(func(_ device.Target, c *coordinator.Coordinator) bool {
			select {
			case <-c.Done():
				return true
			case <-ctx.Done():
				return false
			}
		})
	})
}

// Wait blocks until every coordinator finished or ctx is done. It returns the joined session
// failures, each prefixed with its target.
func (f *Fleet) Wait(ctx context.Context) error {
	select {
	case <-f.Done(ctx):
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.Err()
}

// Err joins the terminal errors of all coordinators
func (f *Fleet) Err() error {
	var errs []error
	f.Range(func(t device.Target, c *coordinator.Coordinator) bool {
		if err := c.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.String(), err))
		}
		return true
	})
	return errors.Join(errs...)
}
