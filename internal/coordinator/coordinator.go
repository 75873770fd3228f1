// Package coordinator drives the acquisition lifecycle of one target: locate the peripheral,
// run a connection session on it, and report every state change, measurement and failure as
// events.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/blestream/internal/decoder"
	"github.com/srg/blestream/internal/device"
	"github.com/srg/blestream/internal/events"
	"github.com/srg/blestream/internal/fsm"
	"github.com/srg/blestream/internal/groutine"
	"github.com/srg/blestream/internal/locator"
	"github.com/srg/blestream/internal/scheduler"
	"github.com/srg/blestream/internal/session"
)

var (
	// ErrNotRunning is returned by Stop when no session is in flight
	ErrNotRunning = errors.New("acquisition is not running")

	// ErrAlreadyRunning is matched by AlreadyRunningError
	ErrAlreadyRunning = errors.New("acquisition already running")
)

// AlreadyRunningError is returned by Start while a session is in flight
type AlreadyRunningError struct {
	Target device.Target
	State  fsm.State
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("acquisition of %s already running (state %s)", e.Target.String(), e.State)
}

func (e *AlreadyRunningError) Unwrap() error {
	return ErrAlreadyRunning
}

// Options tunes discovery and observation
type Options struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	Window         time.Duration
}

// DefaultOptions mirrors the configuration defaults
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    locator.DefaultMaxAttempts,
		RetryDelay:     time.Second,
		ScanTimeout:    locator.DefaultScanTimeout,
		ConnectTimeout: session.DefaultConnectTimeout,
		Window:         scheduler.DefaultWindow,
	}
}

// Coordinator runs one session at a time for one target. Start may be called again after the
// previous session reached Stopped; every session gets its own state machine.
type Coordinator struct {
	link    device.Link
	sink    events.Sink
	opts    Options
	logger  logrus.FieldLogger
	locator *locator.Locator
	sched   *scheduler.Scheduler
	now     func() time.Time

	// mu serialises Start, Stop and the run goroutine around state changes so that every
	// transition is published in the order it happened.
	mu        sync.Mutex
	machine   *fsm.Machine
	target    device.Target
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// New creates an idle Coordinator publishing into sink
func New(link device.Link, sink events.Sink, opts Options, logger logrus.FieldLogger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}

	done := make(chan struct{})
	close(done)
	return &Coordinator{
		link:    link,
		sink:    sink,
		opts:    opts,
		logger:  logger,
		locator: locator.New(link, logger, locator.WithScanTimeout(opts.ScanTimeout)),
		sched:   scheduler.New(logger, scheduler.WithWindow(opts.Window)),
		now:     time.Now,
		machine: fsm.NewMachine(),
		done:    done,
	}
}

// State returns the current lifecycle state
func (c *Coordinator) State() fsm.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// Target returns the target of the current or last session
func (c *Coordinator) Target() device.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// SessionID returns the id of the current or last session
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Done is closed when the current session reaches Stopped
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the failure that ended the last session, nil for a normal completion
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the current session stops or ctx is done
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.Done():
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins a session for target. It returns once the coordinator is Connecting; lookup and
// streaming continue in the background until Stop, ctx cancellation or session end.
func (c *Coordinator) Start(ctx context.Context, target device.Target) error {
	if err := target.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.machine.State(); st.Active() {
		return &AlreadyRunningError{Target: c.target, State: st}
	}

	id := ulid.Make().String()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	if c.machine.State() == fsm.Stopped {
		c.machine = fsm.NewMachine()
	}
	c.target = target
	c.sessionID = id
	c.cancel = cancel
	c.done = done
	c.err = nil

	for _, to := range []fsm.State{fsm.Starting, fsm.Connecting} {
		if err := c.transitionLocked(to); err != nil {
			cancel()
			return err
		}
	}

	c.logger.WithFields(logrus.Fields{
		"target":  target.String(),
		"session": id,
	}).Info("Acquisition started")

	groutine.Go(runCtx, "acquire-"+target.Key(), func(ctx context.Context) {
		c.run(ctx, id, target, done)
	})
	return nil
}

// Stop requests the current session to end. The session reaches Stopped asynchronously; use
// Done or Wait to observe it.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch st := c.machine.State(); st {
	case fsm.Stopping:
		return nil
	case fsm.Idle, fsm.Stopped:
		return ErrNotRunning
	}

	if err := c.transitionLocked(fsm.Stopping); err != nil {
		return err
	}
	c.cancel()
	c.logger.WithField("target", c.target.String()).Info("Acquisition stop requested")
	return nil
}

func (c *Coordinator) run(ctx context.Context, id string, target device.Target, done chan struct{}) {
	defer close(done)
	log := c.logger.WithFields(logrus.Fields{
		"target":  target.String(),
		"session": id,
	})

	p, err := c.locator.Locate(ctx, target, c.opts.MaxAttempts, c.opts.RetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("Lookup interrupted")
			err = nil
		} else {
			log.WithError(err).Warn("Lookup failed")
		}
		c.finish(id, target, err)
		return
	}

	c.mu.Lock()
	entered := false
	if tr, ok, _ := c.machine.TransitionIf(fsm.Executing, fsm.Connecting); ok {
		c.publishTransitionLocked(tr)
		entered = true
	}
	c.mu.Unlock()
	if !entered {
		c.finish(id, target, nil)
		return
	}

	sess := session.New(c.link, session.Options{
		ConnectTimeout: c.opts.ConnectTimeout,
		Scheduler:      c.sched,
	}, log)
	out, err := sess.Start(ctx, p, func(m decoder.Measurement) {
		c.mu.Lock()
		defer c.mu.Unlock()
		// measurements of a stale or stopping session are dropped
		if id != c.sessionID || c.machine.State() != fsm.Executing {
			return
		}
		c.sink.Publish(events.NewMeasurement(id, target, m))
	})
	log.WithFields(logrus.Fields{
		"reason":  out.Reason.String(),
		"samples": out.Samples,
	}).Debug("Session returned")
	c.finish(id, target, err)
}

// finish publishes err (if any), then walks the machine to Stopped
func (c *Coordinator) finish(id string, target device.Target, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.err = err
		c.sink.Publish(events.NewError(id, target, err, c.now()))
	}
	if c.machine.State() != fsm.Stopping {
		if terr := c.transitionLocked(fsm.Stopping); terr != nil {
			c.logger.WithError(terr).Error("Unexpected state on session exit")
		}
	}
	if terr := c.transitionLocked(fsm.Stopped); terr != nil {
		c.logger.WithError(terr).Error("Unexpected state on session exit")
	}
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Coordinator) transitionLocked(to fsm.State) error {
	tr, err := c.machine.Transition(to)
	if err != nil {
		return err
	}
	c.publishTransitionLocked(tr)
	return nil
}

func (c *Coordinator) publishTransitionLocked(tr fsm.Transition) {
	c.logger.WithFields(logrus.Fields{
		"target": c.target.String(),
		"from":   tr.From.String(),
		"to":     tr.To.String(),
	}).Debug("State transition")
	c.sink.Publish(events.NewTransition(c.sessionID, c.target, tr, c.now()))
}
