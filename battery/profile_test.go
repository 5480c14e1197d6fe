package battery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProfile() Profile {
	return Profile{
		Name:             "18650-cell",
		Channel:          1,
		CapacityAh:       2.5,
		InternalOhms:     0.05,
		DischargeLimitA:  2.0,
		ChargeLimitA:     1.0,
		CutoffVoltage:    3.0,
		MaxVoltage:       4.2,
		RCTimeConstantMs: 2000,
		UpdateIntervalMs: 1000,
		OCVCurve: []OCVPoint{
			{SOC: 1.0, Voltage: 4.2},
			{SOC: 0.5, Voltage: 3.8},
			{SOC: 0.0, Voltage: 3.0},
		},
	}
}

func TestProfile_ValidateAccepts(t *testing.T) {
	p := validProfile()
	assert.NoError(t, p.Validate())
}

func TestProfile_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Profile)
	}{
		{"channel zero", func(p *Profile) { p.Channel = 0 }},
		{"channel too high", func(p *Profile) { p.Channel = 4 }},
		{"zero capacity", func(p *Profile) { p.CapacityAh = 0 }},
		{"negative capacity", func(p *Profile) { p.CapacityAh = -1 }},
		{"zero resistance", func(p *Profile) { p.InternalOhms = 0 }},
		{"negative rc constant", func(p *Profile) { p.RCTimeConstantMs = -1 }},
		{"zero interval", func(p *Profile) { p.UpdateIntervalMs = 0 }},
		{"cutoff equals max", func(p *Profile) { p.CutoffVoltage = p.MaxVoltage }},
		{"cutoff above max", func(p *Profile) { p.CutoffVoltage = p.MaxVoltage + 1 }},
		{"single point curve", func(p *Profile) {
			p.OCVCurve = p.OCVCurve[:1]
		}},
		{"soc above one", func(p *Profile) {
			p.OCVCurve[0].SOC = 1.5
		}},
		{"soc below zero", func(p *Profile) {
			p.OCVCurve[2].SOC = -0.1
		}},
		{"ascending soc", func(p *Profile) {
			p.OCVCurve[1].SOC = 1.0
			p.OCVCurve[0].SOC = 0.5
		}},
		{"repeated soc", func(p *Profile) {
			p.OCVCurve[1].SOC = p.OCVCurve[0].SOC
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := validProfile()
			tc.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestProfile_Tau(t *testing.T) {
	p := validProfile()
	assert.InDelta(t, 2.0, p.Tau(), 1e-9)

	p.RCTimeConstantMs = 500
	assert.InDelta(t, 0.5, p.Tau(), 1e-9)
}

func TestProfile_UpdateInterval(t *testing.T) {
	p := validProfile()
	assert.Equal(t, time.Second, p.UpdateInterval())

	p.UpdateIntervalMs = 250
	assert.Equal(t, 250*time.Millisecond, p.UpdateInterval())
}

func writeProfile(t *testing.T, dir, name string, p Profile) string {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := writeProfile(t, dir, "cell.json", validProfile())

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "18650-cell", p.Name)
	assert.Equal(t, 1, p.Channel)
	assert.InDelta(t, 2.5, p.CapacityAh, 1e-9)
	assert.Len(t, p.OCVCurve, 3)
}

func TestLoadProfile_FieldNames(t *testing.T) {
	// Guard the wire format: these are the names profile authors write.
	raw := `{
		"name": "aa-nimh",
		"channel": 2,
		"capacity_ah": 1.9,
		"internal_resistance_ohm": 0.03,
		"current_limit_discharge_a": 1.0,
		"current_limit_charge_a": 0.5,
		"cutoff_voltage": 1.0,
		"max_voltage": 1.45,
		"rc_time_constant_ms": 1500,
		"update_interval_ms": 500,
		"ocv_curve": [
			{"soc": 1.0, "voltage": 1.4},
			{"soc": 0.0, "voltage": 1.1}
		]
	}`
	path := filepath.Join(t.TempDir(), "nimh.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "aa-nimh", p.Name)
	assert.Equal(t, 2, p.Channel)
	assert.InDelta(t, 1.9, p.CapacityAh, 1e-9)
	assert.InDelta(t, 0.03, p.InternalOhms, 1e-9)
	assert.InDelta(t, 1.0, p.DischargeLimitA, 1e-9)
	assert.InDelta(t, 0.5, p.ChargeLimitA, 1e-9)
	assert.InDelta(t, 1.0, p.CutoffVoltage, 1e-9)
	assert.InDelta(t, 1.45, p.MaxVoltage, 1e-9)
	assert.Equal(t, 1500, p.RCTimeConstantMs)
	assert.Equal(t, 500, p.UpdateIntervalMs)
}

func TestLoadProfile_MissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadProfile_MalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadProfile(path)
	assert.Error(t, err)
}

func TestLoadProfile_InvalidProfile(t *testing.T) {
	p := validProfile()
	p.Channel = 9
	path := writeProfile(t, t.TempDir(), "bad-channel.json", p)

	_, err := LoadProfile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel")
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	p1 := validProfile()
	p2 := validProfile()
	p2.Name = "second-cell"
	p2.Channel = 2
	paths := []string{
		writeProfile(t, dir, "one.json", p1),
		writeProfile(t, dir, "two.json", p2),
	}

	profiles, err := LoadProfiles(paths)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, 1, profiles[0].Channel)
	assert.Equal(t, 2, profiles[1].Channel)
}

func TestLoadProfiles_DuplicateChannel(t *testing.T) {
	dir := t.TempDir()
	p1 := validProfile()
	p2 := validProfile()
	p2.Name = "imposter"
	paths := []string{
		writeProfile(t, dir, "one.json", p1),
		writeProfile(t, dir, "two.json", p2),
	}

	_, err := LoadProfiles(paths)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel 1")
}
