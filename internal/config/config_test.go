package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdlog/internal/config"
	"github.com/shaunagostinho/obdlog/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obdlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
device:
  transport: rfcomm
  address: "00:1D:A5:68:98:8B"
  channel: 2
acquisition:
  interval_ms: 500
  pid_retries: 1
  fuel_rate: true
store:
  path: /tmp/obd.db
log:
  level: debug
`)

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "rfcomm", cfg.Device.Transport)
	assert.Equal(t, "00:1D:A5:68:98:8B", cfg.Device.Address)
	assert.Equal(t, 2, cfg.Device.Channel)
	assert.Equal(t, 500, cfg.Acquisition.IntervalMs)
	assert.Equal(t, 1, cfg.Acquisition.PIDRetries)
	assert.True(t, cfg.Acquisition.FuelRate)
	assert.True(t, cfg.Acquisition.Throttle, "unset keys keep defaults")
	assert.Equal(t, 255, cfg.Acquisition.ProtocolTimeout)
	assert.Equal(t, "/tmp/obd.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, path, cfg.Path())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.NoError(t, err)

	d := config.DefaultConfig()
	assert.Equal(t, d.Device, cfg.Device)
	assert.Equal(t, d.Acquisition, cfg.Acquisition)
	assert.Equal(t, 1000, cfg.Acquisition.IntervalMs)
	assert.Equal(t, 1, cfg.Acquisition.EpsilonMs)
	assert.Empty(t, cfg.Device.Address, "no address is a start-time error, not a load error")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OBDLOG_DEVICE_ADDRESS", "/dev/rfcomm0")
	t.Setenv("OBDLOG_ACQUISITION_PID_RETRIES", "3")
	t.Setenv("OBDLOG_MQTT_ENABLED", "true")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.NoError(t, err)

	assert.Equal(t, "/dev/rfcomm0", cfg.Device.Address)
	assert.Equal(t, 3, cfg.Acquisition.PIDRetries)
	assert.True(t, cfg.MQTT.Enabled)
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "device:\n  address: /dev/ttyUSB0\n")

	flags := pflag.NewFlagSet("obdlog", pflag.ContinueOnError)
	flags.String("address", "", "")
	flags.String("transport", "", "")
	require.NoError(t, flags.Parse([]string{"--address", "/dev/ttyUSB1"}))

	cfg, err := config.Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Device.Address)
	assert.Equal(t, "serial", cfg.Device.Transport, "unchanged flags do not override")
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		code errors.ErrorCode
	}{
		{"unknown transport", "device:\n  transport: carrier-pigeon\n", errors.ErrUnknownTransport},
		{"zero interval", "acquisition:\n  interval_ms: 0\n", errors.ErrInvalidInterval},
		{"protocol timeout", "acquisition:\n  protocol_timeout: 300\n", errors.ErrInvalidConfig},
		{"bad channel", "device:\n  transport: rfcomm\n  channel: 40\n", errors.ErrInvalidConfig},
		{"syntax", "device: [unterminated\n", errors.ErrReadConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body), nil)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Device.Address = "/dev/ttyOBD"
	cfg.Acquisition.PIDRetries = 2

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.SaveAs(path))

	loaded, err := config.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyOBD", loaded.Device.Address)
	assert.Equal(t, 2, loaded.Acquisition.PIDRetries)
}

func TestUpdateFromJSON(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MQTT.Password = "secret"

	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"device":{"address":"/dev/ttyS1"}}`)))
	assert.Equal(t, "/dev/ttyS1", cfg.Device.Address)
	assert.Equal(t, 38400, cfg.Device.BaudRate, "fields absent from the patch are preserved")
	assert.Equal(t, "secret", cfg.MQTT.Password)

	err := cfg.UpdateFromJSON([]byte(`{"acquisition":{"interval_ms":-5,"intervalMs":-5}}`))
	require.Error(t, err)
	assert.Equal(t, 1000, cfg.Acquisition.IntervalMs, "invalid update leaves config untouched")

	data, err := cfg.ToJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
}
