// Package battery models the cells the simulator emulates: immutable
// discharge profiles loaded from JSON, and the open-circuit-voltage
// lookup the control loop performs every tick.
package battery

// MaxChannel is the channel count of the DP832-class supplies the
// profiles target.
const MaxChannel = 3

// OCVPoint is one breakpoint of an open-circuit-voltage curve.
type OCVPoint struct {
	SOC     float64 `json:"soc"`
	Voltage float64 `json:"voltage"`
}

// InterpolateOCV maps state of charge to open-circuit voltage by linear
// interpolation over a breakpoint table ordered by descending soc.
// soc is clamped to [0,1] first; below the final breakpoint the final
// voltage holds. The table must have passed Profile validation: at least
// two points, strictly descending.
func InterpolateOCV(curve []OCVPoint, soc float64) float64 {
	if soc < 0 {
		soc = 0
	} else if soc > 1 {
		soc = 1
	}

	for i := 0; i+1 < len(curve); i++ {
		hi, lo := curve[i], curve[i+1]
		if soc <= hi.SOC && soc >= lo.SOC {
			t := (soc - lo.SOC) / (hi.SOC - lo.SOC)
			return lo.Voltage + t*(hi.Voltage-lo.Voltage)
		}
	}

	return curve[len(curve)-1].Voltage
}
