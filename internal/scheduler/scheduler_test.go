package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/blestream/internal/decoder"
	"github.com/srg/blestream/internal/device"
	"github.com/srg/blestream/internal/scheduler"
	"github.com/srg/blestream/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	chanA = "2a6d" // pressure
	chanB = "2a6e" // temperature
)

type sampleRecorder struct {
	mu      sync.Mutex
	samples []decoder.Measurement
	first   chan struct{}
	once    sync.Once
}

func newRecorder() *sampleRecorder {
	return &sampleRecorder{first: make(chan struct{})}
}

func (r *sampleRecorder) record(m decoder.Measurement) {
	r.mu.Lock()
	r.samples = append(r.samples, m)
	r.mu.Unlock()
	r.once.Do(func() { close(r.first) })
}

func (r *sampleRecorder) all() []decoder.Measurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]decoder.Measurement(nil), r.samples...)
}

type SchedulerTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	connected atomic.Bool
	recorder  *sampleRecorder
}

func (s *SchedulerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.connected.Store(true)
	s.recorder = newRecorder()
}

func (s *SchedulerTestSuite) newScheduler(window time.Duration) *scheduler.Scheduler {
	return scheduler.New(s.helper.Logger, scheduler.WithWindow(window))
}

type runOutcome struct {
	result scheduler.Result
	err    error
}

func (s *SchedulerTestSuite) start(ctx context.Context, sch *scheduler.Scheduler, conn device.Connection) <-chan runOutcome {
	out := make(chan runOutcome, 1)
	go func() {
		res, err := sch.Run(ctx, conn, s.connected.Load, s.recorder.record)
		out <- runOutcome{res, err}
	}()
	return out
}

func (s *SchedulerTestSuite) await(out <-chan runOutcome) runOutcome {
	select {
	case o := <-out:
		return o
	case <-time.After(5 * time.Second):
		s.FailNow("scheduler did not return in time")
		return runOutcome{}
	}
}

func (s *SchedulerTestSuite) TestNoNotifyingChannels() {
	conn := testutils.NewFakeConnection("AA:BB:CC:DD:EE:FF").
		WithChannel(chanA, false).
		WithChannel("2a00", false)

	res, err := s.newScheduler(10*time.Millisecond).Run(context.Background(), conn, s.connected.Load, s.recorder.record)

	s.ErrorIs(err, scheduler.ErrNoNotifyingChannels)
	s.Equal(scheduler.ExitNoNotifyingChannels, res.Exit)
	s.Zero(res.Samples)
	s.Empty(conn.Calls(), "nothing MUST be subscribed")
}

func (s *SchedulerTestSuite) TestChannelDiscoveryFailure() {
	conn := testutils.NewFakeConnection("AA:BB:CC:DD:EE:FF").WithChannelsError(errors.New("gatt failure"))

	res, err := s.newScheduler(10*time.Millisecond).Run(context.Background(), conn, s.connected.Load, s.recorder.record)

	s.Error(err)
	s.Equal(scheduler.ExitChannelsFailed, res.Exit)
}

func (s *SchedulerTestSuite) TestCyclesChannelsOneAtATime() {
	// GOAL: subscriptions never overlap and wrap around in discovery order
	conn := testutils.NewFakeConnection("AA:BB:CC:DD:EE:FF").
		WithChannel(chanA, true).
		WithChannel("2a00", false).
		WithChannel(chanB, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := s.start(ctx, s.newScheduler(20*time.Millisecond), conn)

	s.Require().True(conn.WaitSubscribed(chanB, 2*time.Second))
	s.Require().True(conn.WaitSubscribed(chanA, 2*time.Second), "schedule MUST wrap back to the first channel")
	cancel()
	o := s.await(out)

	s.NoError(o.err)
	s.Equal(scheduler.ExitCancelled, o.result.Exit)
	s.Equal(1, o.result.Cycles)
	s.Equal([]string{
		"subscribe 2a6d",
		"unsubscribe 2a6d",
		"subscribe 2a6e",
		"unsubscribe 2a6e",
		"subscribe 2a6d",
		"unsubscribe 2a6d",
	}, conn.CallTrace())
}

func (s *SchedulerTestSuite) TestCancelDuringWindowUnsubscribesCurrentChannel() {
	conn := testutils.NewFakeConnection("AA:BB:CC:DD:EE:FF").
		WithChannel(chanA, true).
		WithChannel(chanB, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := s.start(ctx, s.newScheduler(300*time.Millisecond), conn)

	s.Require().True(conn.WaitSubscribed(chanB, 3*time.Second))
	cancel()
	o := s.await(out)

	s.Equal(scheduler.ExitCancelled, o.result.Exit)
	s.Equal([]string{
		"subscribe 2a6d",
		"unsubscribe 2a6d",
		"subscribe 2a6e",
		"unsubscribe 2a6e",
	}, conn.CallTrace(), "cancel MUST release the current channel and subscribe nothing else")
}

func (s *SchedulerTestSuite) TestDisconnectEndsSchedule() {
	conn := testutils.NewFakeConnection("AA:BB:CC:DD:EE:FF").
		WithChannel(chanA, true).
		WithChannel(chanB, true)

	out := s.start(context.Background(), s.newScheduler(30*time.Millisecond), conn)

	s.Require().True(conn.WaitSubscribed(chanA, 2*time.Second))
	s.connected.Store(false)
	conn.SimulateDisconnect()
	o := s.await(out)

	s.NoError(o.err)
	s.Equal(scheduler.ExitDisconnected, o.result.Exit)
	s.NotContains(conn.CallTrace(), "subscribe 2a6e", "no subscription MUST follow a disconnect")
}

func (s *SchedulerTestSuite) TestSubscribeOnLostLinkCountsAsDisconnect() {
	conn := testutils.NewFakeConnection("AA:BB:CC:DD:EE:FF").
		WithChannel(chanA, true).
		WithSubscribeError(chanA, device.ErrNotConnected)

	res, err := s.newScheduler(10*time.Millisecond).Run(context.Background(), conn, s.connected.Load, s.recorder.record)

	s.NoError(err)
	s.Equal(scheduler.ExitDisconnected, res.Exit)
}

func (s *SchedulerTestSuite) TestFailingChannelIsSkipped() {
	conn := testutils.NewFakeConnection("AA:BB:CC:DD:EE:FF").
		WithChannel(chanA, true).
		WithChannel(chanB, true).
		WithSubscribeError(chanA, errors.New("insufficient authentication"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := s.start(ctx, s.newScheduler(20*time.Millisecond), conn)

	s.Require().True(conn.WaitSubscribed(chanB, 2*time.Second), "healthy channel MUST still be observed")
	cancel()
	o := s.await(out)

	s.NoError(o.err)
	s.Equal(scheduler.ExitCancelled, o.result.Exit)
}

func (s *SchedulerTestSuite) TestEveryChannelFailing() {
	boom := errors.New("insufficient authentication")
	conn := testutils.NewFakeConnection("AA:BB:CC:DD:EE:FF").
		WithChannel(chanA, true).
		WithChannel(chanB, true).
		WithSubscribeError(chanA, boom).
		WithSubscribeError(chanB, boom)

	res, err := s.newScheduler(10*time.Millisecond).Run(context.Background(), conn, s.connected.Load, s.recorder.record)

	s.ErrorIs(err, boom)
	s.Equal(scheduler.ExitSubscribeFailed, res.Exit)
}

func (s *SchedulerTestSuite) TestDecodesNotifications() {
	// GOAL: raw [100, 0] on the pressure channel surfaces as 10.0 Pa, stamped with the source
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conn := testutils.NewFakeConnection("AA:BB:CC:DD:EE:FF").
		WithChannel(chanA, true).
		WithPayload(chanA, []byte{100, 0})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sch := scheduler.New(s.helper.Logger, scheduler.WithWindow(20*time.Millisecond), scheduler.WithClock(func() time.Time { return at }))
	out := s.start(ctx, sch, conn)

	select {
	case <-s.recorder.first:
	case <-time.After(2 * time.Second):
		s.FailNow("no measurement delivered")
	}
	cancel()
	o := s.await(out)

	samples := s.recorder.all()
	s.Require().Len(samples, 1)
	s.Equal(1, o.result.Samples)
	s.Equal(decoder.Pressure, samples[0].Kind)
	s.InDelta(10.0, samples[0].Scaled, 1e-9)
	s.Equal("AA:BB:CC:DD:EE:FF", samples[0].SourceAddress)
	s.Equal(at, samples[0].Timestamp)
}

func (s *SchedulerTestSuite) TestUnknownAndMalformedPayloadsAreDropped() {
	conn := testutils.NewFakeConnection("AA:BB:CC:DD:EE:FF").
		WithChannel("2a19", true).
		WithChannel(chanB, true).
		WithPayload("2a19", []byte{42}).
		WithPayload(chanB, make([]byte, 9))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := s.start(ctx, s.newScheduler(10*time.Millisecond), conn)

	s.Require().True(conn.WaitSubscribed("2a19", 2*time.Second))
	s.Require().True(conn.WaitSubscribed(chanB, 2*time.Second))
	cancel()
	o := s.await(out)

	s.Zero(o.result.Samples)
	s.Empty(s.recorder.all())
}

func (s *SchedulerTestSuite) TestLateDeliveryAfterWindowIsDropped() {
	// GOAL: a notification arriving after its window closed never reaches onSample
	conn := testutils.NewFakeConnection("AA:BB:CC:DD:EE:FF").
		WithChannel(chanA, true).
		WithChannel(chanB, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := s.start(ctx, s.newScheduler(300*time.Millisecond), conn)

	s.Require().True(conn.WaitSubscribed(chanB, 3*time.Second))
	s.Require().True(conn.DeliverLate(chanA, []byte{100, 0}))
	s.Empty(s.recorder.all(), "closed window MUST drop late data")

	cancel()
	o := s.await(out)
	s.Require().True(conn.DeliverLate(chanB, []byte{100, 0}))

	s.Zero(o.result.Samples)
	s.Empty(s.recorder.all(), "nothing MUST be delivered once Run returned")
}

func (s *SchedulerTestSuite) TestCancelReturnsWithoutWaitingOutTheWindow() {
	// GOAL: cancellation is honoured mid-window rather than at the next boundary
	conn := testutils.NewFakeConnection("AA:BB:CC:DD:EE:FF").WithChannel(chanA, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := s.start(ctx, s.newScheduler(5*time.Second), conn)

	s.Require().True(conn.WaitSubscribed(chanA, 2*time.Second))
	began := time.Now()
	cancel()
	o := s.await(out)

	s.Equal(scheduler.ExitCancelled, o.result.Exit)
	s.Less(time.Since(began), 500*time.Millisecond, "cancel MUST NOT wait for the window to elapse")
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func TestExitStrings(t *testing.T) {
	cases := map[scheduler.Exit]string{
		scheduler.ExitCancelled:           "cancelled",
		scheduler.ExitDisconnected:        "disconnected",
		scheduler.ExitNoNotifyingChannels: "no notifying channels",
		scheduler.Exit(42):                "exit(42)",
	}
	for exit, want := range cases {
		if got := exit.String(); got != want {
			t.Errorf("Exit(%d).String() = %q, want %q", int(exit), got, want)
		}
	}
}
