package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blestream/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, time.Second, cfg.Window)
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 256, cfg.EventBuffer)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "panic", cfg.LogLevel, "logging MUST be silent unless asked for")
	assert.ErrorIs(t, cfg.Validate(), ErrNoTargets)
}

func TestParseNamesFile(t *testing.T) {
	// JSON layout with only a list of advertised names
	cfg, err := Parse([]byte(`{"names": ["Sensor1", "Sensor2"]}`))
	require.NoError(t, err)

	assert.Equal(t, []device.Target{device.ByName("Sensor1"), device.ByName("Sensor2")}, cfg.AllTargets())
	assert.Equal(t, time.Second, cfg.Window, "unset values MUST take defaults")
	assert.NoError(t, cfg.Validate())
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(`
targets:
  - name: Sensor1
  - address: AA:BB:CC:DD:EE:FF
addresses:
  - aa:bb:cc:dd:ee:ff
  - 11:22:33:44:55:66
window: 250ms
max_attempts: 5
format: json
log_level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, []device.Target{
		device.ByName("Sensor1"),
		device.ByAddress("AA:BB:CC:DD:EE:FF"),
		device.ByAddress("11:22:33:44:55:66"),
	}, cfg.AllTargets(), "duplicate addresses MUST collapse regardless of case")
	assert.Equal(t, 250*time.Millisecond, cfg.Window)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, "json", cfg.Format)
	assert.NoError(t, cfg.Validate())

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"names": ["Sensor1"]}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sensor1"}, cfg.Names)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse([]byte("window: [not a duration"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"BLESTREAM_WINDOW":       "2s",
		"BLESTREAM_MAX_ATTEMPTS": "4",
		"BLESTREAM_NAMES":        "Sensor1, Sensor2,,",
		"BLESTREAM_FORMAT":       "json",
		"BLESTREAM_LOG_LEVEL":    " ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, 2*time.Second, cfg.Window)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, []string{"Sensor1", "Sensor2"}, cfg.Names)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "panic", cfg.LogLevel, "blank values MUST NOT override")
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	for key, value := range map[string]string{
		"BLESTREAM_SCAN_TIMEOUT": "soon",
		"BLESTREAM_EVENT_BUFFER": "many",
	} {
		t.Run(key, func(t *testing.T) {
			err := Default().ApplyEnv(func(k string) (string, bool) {
				if k == key {
					return value, true
				}
				return "", false
			})
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("BLESTREAM_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("BLESTREAM_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("BLESTREAM_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))

	assert.Equal(t, "from-file", os.Getenv("BLESTREAM_TEST_DOTENV"))
	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "nothing-here")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "ambiguous target", mutate: func(c *Config) {
			c.Targets = []device.Target{{Name: "a", Address: "b"}}
		}, wantErr: "invalid target"},
		{name: "zero window", mutate: func(c *Config) { c.Window = 0 }, wantErr: "window must be positive"},
		{name: "negative retry delay", mutate: func(c *Config) { c.RetryDelay = -time.Second }, wantErr: "retry_delay"},
		{name: "no attempts", mutate: func(c *Config) { c.MaxAttempts = 0 }, wantErr: "max_attempts"},
		{name: "bad format", mutate: func(c *Config) { c.Format = "xml" }, wantErr: "format"},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Names = []string{"Sensor1"}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"

	logger := cfg.NewLogger()

	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	formatter, ok := logger.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, formatter.FullTimestamp)
	assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
}
