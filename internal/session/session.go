// Package session owns one connection to one peripheral for the lifetime of a scheduler run.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blestream/internal/decoder"
	"github.com/srg/blestream/internal/device"
	"github.com/srg/blestream/internal/scheduler"
)

// DefaultConnectTimeout bounds Link.Connect
const DefaultConnectTimeout = 30 * time.Second

// ErrAlreadyStarted is returned by a second Start on the same Session
var ErrAlreadyStarted = errors.New("session already started")

// ConnectError reports a failed connection attempt. It is never retried by the session.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Outcome describes how a session ended
type Outcome struct {
	Reason  scheduler.Exit
	Samples int
}

// Options configures a Session
type Options struct {
	ConnectTimeout time.Duration
	Scheduler      *scheduler.Scheduler
}

// Session connects to a peripheral, runs the scheduler and closes the connection
type Session struct {
	link           device.Link
	sched          *scheduler.Scheduler
	connectTimeout time.Duration
	logger         logrus.FieldLogger

	started      atomic.Bool
	disconnected atomic.Bool
}

// New creates a single-use Session
func New(link device.Link, opts Options, logger logrus.FieldLogger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.New(logger)
	}
	return &Session{
		link:           link,
		sched:          opts.Scheduler,
		connectTimeout: opts.ConnectTimeout,
		logger:         logger,
	}
}

// HandleDisconnect is the link-level disconnect callback. It may be called from any goroutine.
func (s *Session) HandleDisconnect() {
	if s.disconnected.CompareAndSwap(false, true) {
		s.logger.Info("Peripheral reported a disconnect")
	}
}

// Disconnected reports whether the link dropped
func (s *Session) Disconnected() bool {
	return s.disconnected.Load()
}

func (s *Session) connected() bool {
	return !s.disconnected.Load()
}

// Start connects to p and streams measurements into onSample until ctx is cancelled, the
// peripheral disconnects or nothing can be observed.
func (s *Session) Start(ctx context.Context, p device.Peripheral, onSample func(decoder.Measurement)) (Outcome, error) {
	if !s.started.CompareAndSwap(false, true) {
		return Outcome{}, ErrAlreadyStarted
	}

	log := s.logger.WithFields(logrus.Fields{
		"name":    p.Name(),
		"address": p.Address(),
	})

	connectCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	log.WithField("timeout", s.connectTimeout).Debug("Connecting...")
	conn, err := s.link.Connect(connectCtx, p, s.HandleDisconnect)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{Reason: scheduler.ExitCancelled}, nil
		}
		return Outcome{}, &ConnectError{Address: p.Address(), Err: err}
	}
	log.Info("Connected")

	defer func() {
		if err := conn.Disconnect(); err != nil {
			log.WithError(err).Warn("Failed to close connection")
			return
		}
		log.Debug("Connection closed")
	}()

	res, err := s.sched.Run(ctx, conn, s.connected, onSample)
	out := Outcome{Reason: res.Exit, Samples: res.Samples}

	log.WithFields(logrus.Fields{
		"reason":  res.Exit.String(),
		"samples": res.Samples,
		"cycles":  res.Cycles,
	}).Info("Session finished")
	return out, err
}
