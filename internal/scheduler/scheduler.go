// Package scheduler time-slices notification subscriptions over the notifying channels of a
// connected peripheral.
//
// The peripherals this tool targets do not tolerate several simultaneous subscriptions, so
// channels are observed one at a time: subscribe, hold for an observation window,
// unsubscribe, move on, wrap around.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blestream/internal/decoder"
	"github.com/srg/blestream/internal/device"
	"golang.org/x/time/rate"
)

// DefaultWindow is how long one channel stays subscribed
const DefaultWindow = 1 * time.Second

// ErrNoNotifyingChannels is returned when the peripheral exposes nothing to subscribe to
var ErrNoNotifyingChannels = errors.New("peripheral has no notifying channels")

// Exit tells why Run returned
type Exit int

const (
	ExitCancelled Exit = iota
	ExitDisconnected
	ExitNoNotifyingChannels
	ExitSubscribeFailed
	ExitChannelsFailed
)

func (e Exit) String() string {
	switch e {
	case ExitCancelled:
		return "cancelled"
	case ExitDisconnected:
		return "disconnected"
	case ExitNoNotifyingChannels:
		return "no notifying channels"
	case ExitSubscribeFailed:
		return "subscribe failed"
	case ExitChannelsFailed:
		return "channel discovery failed"
	default:
		return fmt.Sprintf("exit(%d)", int(e))
	}
}

// Result summarises one Run
type Result struct {
	Exit    Exit
	Samples int // measurements forwarded to onSample
	Cycles  int // completed passes over the channel list
}

// Scheduler runs the observation loop. A Scheduler holds configuration only and may be
// shared; each Run call is independent.
type Scheduler struct {
	window time.Duration
	now    func() time.Time
	logger logrus.FieldLogger
	// decode errors from a misbehaving peripheral arrive at notification rate
	errLog *rate.Sometimes
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithWindow sets the observation window
func WithWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithClock overrides time.Now for sample timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Scheduler
func New(logger logrus.FieldLogger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Scheduler{
		window: DefaultWindow,
		now:    time.Now,
		logger: logger,
		errLog: &rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Window returns the configured observation window
func (s *Scheduler) Window() time.Duration {
	return s.window
}

// Run cycles through the notifying channels of conn until ctx is cancelled or the peripheral
// goes away. connected is polled at every channel boundary. Every known measurement is passed
// to onSample, which must not block.
func (s *Scheduler) Run(ctx context.Context, conn device.Connection, connected func() bool, onSample func(decoder.Measurement)) (Result, error) {
	var result Result
	log := s.logger.WithField("address", conn.Address())

	all, err := conn.Channels()
	if err != nil {
		result.Exit = ExitChannelsFailed
		return result, fmt.Errorf("failed to list channels: %w", err)
	}
	channels := device.NotifyingChannels(all)
	if len(channels) == 0 {
		log.Warn("No notifying channels, nothing to observe")
		result.Exit = ExitNoNotifyingChannels
		return result, ErrNoNotifyingChannels
	}

	log.WithFields(logrus.Fields{
		"channels": len(channels),
		"window":   s.window,
	}).Info("Starting notification schedule")

	var sampleCount atomic.Int64
	// open is cleared when the window of channelID closes; late deliveries are dropped
	handler := func(channelID string, open *atomic.Bool) func([]byte) {
		return func(data []byte) {
			if !open.Load() {
				return
			}
			m, err := decoder.Decode(channelID, data)
			if err != nil {
				s.errLog.Do(func() {
					log.WithFields(logrus.Fields{
						"channel": device.ShortenUUID(channelID),
						"error":   err,
					}).Warn("Dropping undecodable payload")
				})
				return
			}
			if !m.Known() {
				return
			}
			onSample(m.Stamp(conn.Address(), s.now()))
			sampleCount.Add(1)
		}
	}

	done := func(exit Exit) Result {
		result.Exit = exit
		result.Samples = int(sampleCount.Load())
		return result
	}

	failures := 0
	var lastErr error
	for i, steps := 0, 0; ; i, steps = (i+1)%len(channels), steps+1 {
		if i == 0 && steps > 0 {
			result.Cycles++
		}
		if ctx.Err() != nil {
			return done(ExitCancelled), nil
		}
		if !connected() {
			log.Info("Peripheral disconnected, leaving schedule")
			return done(ExitDisconnected), nil
		}

		ch := channels[i]
		chLog := log.WithField("channel", device.ShortenUUID(ch.ID))

		open := &atomic.Bool{}
		open.Store(true)
		if err := conn.Subscribe(ch.ID, handler(ch.ID, open)); err != nil {
			open.Store(false)
			if errors.Is(err, device.ErrNotConnected) {
				chLog.WithError(err).Info("Subscribe failed on a lost link")
				return done(ExitDisconnected), nil
			}
			chLog.WithError(err).Warn("Subscribe failed, skipping channel")
			failures++
			lastErr = err
			if failures >= len(channels) {
				return done(ExitSubscribeFailed), fmt.Errorf("every channel failed to subscribe: %w", lastErr)
			}
			continue
		}
		failures = 0
		chLog.Debug("Subscribed")

		cancelled := s.hold(ctx)
		open.Store(false)
		if cancelled {
			if err := conn.Unsubscribe(ch.ID); err != nil {
				chLog.WithError(err).Debug("Unsubscribe on cancel failed")
			}
			chLog.Debug("Cancelled during observation window")
			return done(ExitCancelled), nil
		}

		if err := conn.Unsubscribe(ch.ID); err != nil {
			chLog.WithError(err).Debug("Unsubscribe failed")
		}
	}
}

// hold waits out one observation window; returns true if ctx was cancelled meanwhile
func (s *Scheduler) hold(ctx context.Context) bool {
	timer := time.NewTimer(s.window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
