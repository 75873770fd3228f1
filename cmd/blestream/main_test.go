package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blestream/internal/device"
	"github.com/srg/blestream/internal/display"
	"github.com/srg/blestream/internal/events"
	"github.com/srg/blestream/internal/locator"
	"github.com/srg/blestream/internal/testutils"
	"github.com/srg/blestream/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type CommandTestSuite struct {
	suite.Suite
	link    *testutils.FakeLink
	newLink func(logrus.FieldLogger) device.Link
}

func (s *CommandTestSuite) SetupTest() {
	for _, key := range []string{"NAMES", "ADDRESSES", "WINDOW", "FORMAT", "LOG_LEVEL", "MAX_ATTEMPTS", "SCAN_TIMEOUT"} {
		s.T().Setenv(config.EnvPrefix+key, "")
	}

	s.link = testutils.NewFakeLink("Sensor1", "AA:BB:CC:DD:EE:FF")
	s.link.Conn.
		WithChannel("2a6d", true).
		WithChannel("2a19", false).
		WithPayload("2a6d", []byte{100, 0})

	s.newLink = newLink
	newLink = func(logrus.FieldLogger) device.Link { return s.link }
}

func (s *CommandTestSuite) TearDownTest() {
	newLink = s.newLink
}

// execute runs the command tree with args and returns what it wrote to stdout and stderr
func (s *CommandTestSuite) execute(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func (s *CommandTestSuite) TestStreamTextUntilDuration() {
	// GOAL: Verify stream renders transitions and readings, then prints the summary on a timed stop
	stdout, _, err := s.execute("stream", "Sensor1",
		"--window", "20ms", "--duration", "200ms", "--attempts", "1", "--scan-timeout", "20ms")

	s.Require().NoError(err)
	out := testutils.StripANSI(stdout)
	s.Contains(out, "Idle -> Starting")
	s.Contains(out, "Connecting -> Executing")
	s.Contains(out, "Sensor1          pressure    10.0 Pa", "reading MUST be rendered")
	s.Contains(out, "Stopping -> Stopped")
	s.Contains(out, "SOURCE               KIND               VALUE  AT")
	s.Contains(out, "AA:BB:CC:DD:EE:FF    pressure         10.0 Pa", "summary MUST list the latest reading")
	s.True(s.link.Conn.IsClosed(), "connection MUST be closed on exit")
}

func (s *CommandTestSuite) TestStreamJSONLines() {
	// GOAL: Verify JSON output is one object per line and the summary goes to stderr
	stdout, stderr, err := s.execute("stream", "--name", "Sensor1", "--format", "json",
		"--window", "20ms", "--duration", "200ms", "--attempts", "1")

	s.Require().NoError(err)

	var kinds []string
	var value float64
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		var obj map[string]any
		s.Require().NoError(json.Unmarshal([]byte(line), &obj), "each line MUST be a JSON object: %s", line)
		kinds = append(kinds, fmt.Sprint(obj["type"]))
		if m, ok := obj["measurement"].(map[string]any); ok {
			value, _ = m["value"].(float64)
		}
	}
	s.Equal([]string{"transition", "transition", "transition", "measurement", "transition", "transition"}, kinds)
	s.InDelta(10.0, value, 1e-9)
	s.Contains(stderr, "pressure")
	s.NotContains(stdout, "SOURCE")
}

func (s *CommandTestSuite) TestStreamFromConfigFile() {
	// GOAL: Verify targets and tunables are read from a config file
	path := filepath.Join(s.T().TempDir(), "devices.json")
	s.Require().NoError(os.WriteFile(path, []byte(`{"names": ["Sensor1"], "window": "20ms", "max_attempts": 1}`), 0o600))

	stdout, _, err := s.execute("stream", "--config", path, "--duration", "150ms")

	s.Require().NoError(err)
	s.Contains(stdout, "10.0 Pa")
	s.Equal(1, s.link.Scans())
}

func (s *CommandTestSuite) TestStreamReportsMissingPeripheral() {
	// GOAL: Verify a target that is never found ends the command with a not-found error
	stdout, _, err := s.execute("stream", "Missing", "--attempts", "1", "--scan-timeout", "10ms")

	s.Require().Error(err)
	var notFound *locator.DeviceNotFoundError
	s.ErrorAs(err, &notFound)
	s.Contains(FormatUserError(err), "Missing not found after 1 attempt(s)")
	s.Contains(stdout, "No readings received.")
	s.Contains(stdout, "Errors:", "failures MUST be repeated after the summary")
	s.Contains(stdout[strings.Index(stdout, "Errors:"):], "Missing")
}

func (s *CommandTestSuite) TestStreamTailReplaysLastLines() {
	// GOAL: Verify --tail keeps the live output back and replays only the newest lines on exit
	stdout, _, err := s.execute("stream", "Sensor1",
		"--window", "20ms", "--duration", "200ms", "--attempts", "1", "--tail", "2")

	s.Require().NoError(err)
	out := testutils.StripANSI(stdout)
	s.NotContains(out, "Idle -> Starting", "older lines MUST NOT be written")

	lines := strings.Split(out, "\n")
	s.Require().GreaterOrEqual(len(lines), 3)
	s.Contains(lines[0], "Executing -> Stopping")
	s.Contains(lines[1], "Stopping -> Stopped")
	s.True(strings.HasPrefix(lines[2], "SOURCE"), "summary MUST follow the replayed lines")
}

func (s *CommandTestSuite) TestStreamRejectsNegativeTail() {
	_, _, err := s.execute("stream", "Sensor1", "--tail", "-1")

	s.ErrorContains(err, "--tail")
	s.Zero(s.link.Scans())
}

func (s *CommandTestSuite) TestStreamRequiresTargets() {
	// GOAL: Verify stream refuses to run with nothing to stream from
	_, _, err := s.execute("stream")

	s.ErrorIs(err, config.ErrNoTargets)
	s.Zero(s.link.Scans())
}

func (s *CommandTestSuite) TestStreamRejectsBadFormat() {
	_, _, err := s.execute("stream", "Sensor1", "--format", "xml")

	s.ErrorContains(err, "format")
	s.Zero(s.link.Scans())
}

func (s *CommandTestSuite) TestLocatePrintsAddress() {
	// GOAL: Verify locate resolves names and addresses to the peripheral address
	stdout, _, err := s.execute("locate", "Sensor1", "--attempts", "1")
	s.Require().NoError(err)
	s.Equal("AA:BB:CC:DD:EE:FF\n", stdout)

	stdout, _, err = s.execute("locate", "aa:bb:cc:dd:ee:ff", "--attempts", "1")
	s.Require().NoError(err)
	s.Equal("AA:BB:CC:DD:EE:FF\n", stdout)
}

func (s *CommandTestSuite) TestLocateRetriesThenFails() {
	// GOAL: Verify locate applies the retry budget before giving up
	_, _, err := s.execute("locate", "Missing", "--attempts", "3", "--retry-delay", "1ms", "--scan-timeout", "10ms")

	var notFound *locator.DeviceNotFoundError
	s.Require().ErrorAs(err, &notFound)
	s.Equal(3, notFound.Attempts)
	s.Equal(3, s.link.Scans())
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}

func TestTargetFromArg(t *testing.T) {
	tests := []struct {
		arg  string
		want device.Target
	}{
		{"Sensor1", device.ByName("Sensor1")},
		{"AA:BB:CC:DD:EE:FF", device.ByAddress("AA:BB:CC:DD:EE:FF")},
		{"aa-bb-cc-dd-ee-ff", device.ByAddress("aa-bb-cc-dd-ee-ff")},
		{"01234567-89AB-CDEF-0123-456789ABCDEF", device.ByAddress("01234567-89AB-CDEF-0123-456789ABCDEF")},
		{"0123456789ABCDEF0123456789ABCDEF", device.ByAddress("0123456789ABCDEF0123456789ABCDEF")},
		{"2a6d", device.ByName("2a6d")},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			assert.Equal(t, tt.want, targetFromArg(tt.arg))
		})
	}
}

func TestConfigureLoggerPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		cfg     string
		want    logrus.Level
		wantErr bool
	}{
		{name: "silent by default", cfg: "panic", want: logrus.PanicLevel},
		{name: "config level", cfg: "warn", want: logrus.WarnLevel},
		{name: "verbose", args: []string{"--verbose"}, cfg: "warn", want: logrus.DebugLevel},
		{name: "log-level wins", args: []string{"--verbose", "--log-level", "error"}, cfg: "panic", want: logrus.ErrorLevel},
		{name: "invalid", args: []string{"--log-level", "loud"}, cfg: "panic", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "test"}
			cmd.Flags().String("log-level", "", "")
			cmd.Flags().BoolP("verbose", "v", false, "")
			require.NoError(t, cmd.ParseFlags(tt.args))

			cfg := config.Default()
			cfg.LogLevel = tt.cfg
			logger, err := configureLogger(cmd, cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestFormatUserError(t *testing.T) {
	missing := &locator.DeviceNotFoundError{Target: device.ByName("Sensor2"), Attempts: 2}

	assert.Equal(t, "Bluetooth is turned off; enable it and try again",
		FormatUserError(fmt.Errorf("scan failed: %w", device.ErrBluetoothOff)))
	assert.Equal(t, "Sensor2 not found after 2 attempt(s); check that it is powered on and advertising",
		FormatUserError(fmt.Errorf("Sensor2: %w", missing)))
	assert.Equal(t, "boom", FormatUserError(errors.New("boom")))
	assert.Empty(t, FormatUserError(nil))

	joined := FormatUserError(errors.Join(errors.New("first"), missing))
	assert.Equal(t, 2, len(strings.Split(joined, "\n")), "joined errors MUST be printed one per line")
	assert.True(t, strings.HasPrefix(joined, "first\n"))
}

func TestReportDroppedIncludesHistory(t *testing.T) {
	var logs bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logs)
	logger.SetLevel(logrus.DebugLevel)

	console, err := display.NewConsole(&bytes.Buffer{}, display.Options{History: 4})
	require.NoError(t, err)
	ch := events.NewChannel(2)
	for i := 0; i < 3; i++ {
		ev := events.NewError("01HX", device.ByName("Sensor1"), fmt.Errorf("failure %d", i), time.Now())
		ch.Publish(ev)
		require.NoError(t, console.Render(ev))
	}

	reportDropped(logger, ch, console)

	assert.Contains(t, logs.String(), "Event buffer overflowed")
	assert.Contains(t, logs.String(), "history_overwritten=")
	assert.Contains(t, logs.String(), "rendered=3")
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
}
