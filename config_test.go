package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DP832_ADDR", "DP832_BAUD", "DP832_STRATEGY", "DP832_CSV", "DP832_VERBOSE",
		"MQTT_BROKER", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_DEVICE_NAME",
	} {
		t.Setenv(key, "")
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := parseConfig("control", nil)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.100:5555", cfg.Addr)
	assert.Equal(t, 9600, cfg.Baud)
	assert.Equal(t, StrategyPerChannel, cfg.Strategy)
	assert.False(t, cfg.Verbose)
	assert.Empty(t, cfg.MQTTBroker)
	assert.Equal(t, "dp832", cfg.MQTTDeviceName)
}

func TestParseConfig_EnvOverridesDefaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DP832_ADDR", "10.0.0.5:5555")
	t.Setenv("DP832_BAUD", "115200")
	t.Setenv("DP832_STRATEGY", "shared")
	t.Setenv("DP832_VERBOSE", "true")
	t.Setenv("MQTT_BROKER", "homeassistant.lan")
	t.Setenv("MQTT_DEVICE_NAME", "bench_psu")

	cfg, err := parseConfig("control", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:5555", cfg.Addr)
	assert.Equal(t, 115200, cfg.Baud)
	assert.Equal(t, StrategyShared, cfg.Strategy)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, "homeassistant.lan", cfg.MQTTBroker)
	assert.Equal(t, "bench_psu", cfg.MQTTDeviceName)
}

func TestParseConfig_FlagsOverrideEnv(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DP832_ADDR", "10.0.0.5:5555")
	t.Setenv("DP832_STRATEGY", "shared")

	cfg, err := parseConfig("sim", []string{
		"-addr", "192.168.7.2:5555",
		"-strategy", "perchannel",
		"-p", "ch1.json",
	})
	require.NoError(t, err)
	assert.Equal(t, "192.168.7.2:5555", cfg.Addr)
	assert.Equal(t, StrategyPerChannel, cfg.Strategy)
}

func TestParseConfig_RepeatableProfiles(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := parseConfig("sim", []string{"-p", "ch1.json", "-p", "ch2.json", "-p", "ch3.json"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ch1.json", "ch2.json", "ch3.json"}, cfg.ProfilePaths)
}

func TestParseConfig_SimRequiresProfiles(t *testing.T) {
	clearConfigEnv(t)

	_, err := parseConfig("sim", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "profile")
}

func TestParseConfig_RejectsUnknownStrategy(t *testing.T) {
	clearConfigEnv(t)

	_, err := parseConfig("control", []string{"-strategy", "roundrobin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "roundrobin")
}

func TestParseConfig_InvalidBaudEnvIgnored(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DP832_BAUD", "fast")

	cfg, err := parseConfig("control", nil)
	require.NoError(t, err)
	assert.Equal(t, 9600, cfg.Baud)
}

func TestConfig_SerialDevice(t *testing.T) {
	cfg := Config{Addr: "/dev/ttyUSB0"}
	assert.True(t, cfg.SerialDevice())

	cfg.Addr = "192.168.1.100:5555"
	assert.False(t, cfg.SerialDevice())
}
