package battery

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Profile describes one battery to emulate on one supply channel.
// Profiles are loaded once at startup and never mutated.
type Profile struct {
	Name             string     `json:"name"`
	Channel          int        `json:"channel"`
	CapacityAh       float64    `json:"capacity_ah"`
	InternalOhms     float64    `json:"internal_resistance_ohm"`
	DischargeLimitA  float64    `json:"current_limit_discharge_a"`
	ChargeLimitA     float64    `json:"current_limit_charge_a"`
	CutoffVoltage    float64    `json:"cutoff_voltage"`
	MaxVoltage       float64    `json:"max_voltage"`
	RCTimeConstantMs int        `json:"rc_time_constant_ms"`
	UpdateIntervalMs int        `json:"update_interval_ms"`
	OCVCurve         []OCVPoint `json:"ocv_curve"`
}

// Tau returns the RC time constant in seconds.
func (p *Profile) Tau() float64 {
	return float64(p.RCTimeConstantMs) / 1000
}

// UpdateInterval returns the simulation tick cadence.
func (p *Profile) UpdateInterval() time.Duration {
	return time.Duration(p.UpdateIntervalMs) * time.Millisecond
}

// Validate rejects profiles the simulation cannot run safely. A
// degenerate OCV table in particular must fail here, at load time, not
// as a divide-by-zero mid-simulation.
func (p *Profile) Validate() error {
	if p.Channel < 1 || p.Channel > MaxChannel {
		return fmt.Errorf("channel %d out of range 1..%d", p.Channel, MaxChannel)
	}
	if p.CapacityAh <= 0 {
		return fmt.Errorf("capacity_ah must be positive, got %v", p.CapacityAh)
	}
	if p.InternalOhms <= 0 {
		return fmt.Errorf("internal_resistance_ohm must be positive, got %v", p.InternalOhms)
	}
	if p.RCTimeConstantMs < 0 {
		return fmt.Errorf("rc_time_constant_ms must not be negative, got %d", p.RCTimeConstantMs)
	}
	if p.UpdateIntervalMs <= 0 {
		return fmt.Errorf("update_interval_ms must be positive, got %d", p.UpdateIntervalMs)
	}
	if p.CutoffVoltage >= p.MaxVoltage {
		return fmt.Errorf("cutoff_voltage %v must be below max_voltage %v", p.CutoffVoltage, p.MaxVoltage)
	}
	if len(p.OCVCurve) < 2 {
		return fmt.Errorf("ocv_curve needs at least 2 points, got %d", len(p.OCVCurve))
	}
	for i, pt := range p.OCVCurve {
		if pt.SOC < 0 || pt.SOC > 1 {
			return fmt.Errorf("ocv_curve[%d] soc %v outside [0,1]", i, pt.SOC)
		}
		if i > 0 && pt.SOC >= p.OCVCurve[i-1].SOC {
			return fmt.Errorf("ocv_curve must be strictly descending in soc, point %d (%v) repeats or rises", i, pt.SOC)
		}
	}
	return nil
}

// LoadProfile reads and validates one profile JSON file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("battery: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("battery: parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("battery: profile %s: %w", path, err)
	}
	return &p, nil
}

// LoadProfiles loads one profile per path, rejecting two profiles that
// claim the same channel.
func LoadProfiles(paths []string) ([]*Profile, error) {
	profiles := make([]*Profile, 0, len(paths))
	claimed := make(map[int]string)

	for _, path := range paths {
		p, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := claimed[p.Channel]; ok {
			return nil, fmt.Errorf("battery: channel %d claimed by both %s and %s", p.Channel, prev, path)
		}
		claimed[p.Channel] = path
		profiles = append(profiles, p)
	}

	return profiles, nil
}
