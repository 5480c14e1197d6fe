package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/porchio/dp832-multitool/battery"
)

const (
	// maxConsecutiveFailures is the hard ceiling of failed current reads
	// before a channel is stopped for safety.
	maxConsecutiveFailures = 5

	// voltageWriteThreshold suppresses setpoint writes for changes of
	// 1 mV or less. Traffic reduction only; the model is unaffected.
	voltageWriteThreshold = 0.001
)

// psu is the slice of the supply's surface the simulation loop drives.
// *scpi.Device satisfies it; tests substitute a scripted fake.
type psu interface {
	SelectChannel(ch int) error
	OutputOn(ch int) error
	OutputOff(ch int) error
	SetCurrentLimit(ch int, amps float64) error
	SetVoltage(ch int, volts float64) error
	MeasureCurrent(ch int) (string, error)
	ClearStatus() error
}

// stopReason names the terminal condition that ended a channel loop.
type stopReason int

const (
	stopNone stopReason = iota
	stopCutoff
	stopSafety
	stopExternal
)

func (r stopReason) String() string {
	switch r {
	case stopCutoff:
		return "cutoff reached"
	case stopSafety:
		return "safety stop"
	case stopExternal:
		return "external stop"
	default:
		return "running"
	}
}

// simLoop holds one channel's simulation state between ticks. The
// filtered terminal voltage models the battery's RC response; soc
// integrates the measured discharge current over wall-clock time.
type simLoop struct {
	profile *battery.Profile
	dev     psu
	state   *RuntimeState
	logs    *LogFiles
	samples *sampleLog

	soc                 float64
	filtered            float64
	lastVoltageSet      float64
	consecutiveFailures int

	started  time.Time
	lastTick time.Time
}

func newSimLoop(state *RuntimeState, logs *LogFiles, dev psu, profile *battery.Profile, samples *sampleLog) *simLoop {
	seed := battery.InterpolateOCV(profile.OCVCurve, 1.0)
	return &simLoop{
		profile:        profile,
		dev:            dev,
		state:          state,
		logs:           logs,
		samples:        samples,
		soc:            1.0,
		filtered:       seed,
		lastVoltageSet: seed,
	}
}

// eventf records a message in the event ring, the event log file, and
// the console.
func (l *simLoop) eventf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.state.AppendEvent(msg)
	if l.logs != nil {
		l.logs.WriteEvent(msg)
	}
	log.Printf("%s\n", msg)
}

// init selects the channel, forces output off, programs the discharge
// current limit, and enables the output. On a per-channel connection the
// selection persists for the life of the loop.
func (l *simLoop) init() error {
	ch := l.profile.Channel
	if err := l.dev.SelectChannel(ch); err != nil {
		return err
	}
	if err := l.dev.OutputOff(ch); err != nil {
		return err
	}
	if err := l.dev.SetCurrentLimit(ch, l.profile.DischargeLimitA); err != nil {
		return err
	}
	if err := l.dev.OutputOn(ch); err != nil {
		return err
	}
	l.eventf("CH%d: Initialized %s (%.1fAh, %.3fΩ)",
		ch, l.profile.Name, l.profile.CapacityAh, l.profile.InternalOhms)

	now := time.Now()
	l.started = now
	l.lastTick = now
	return nil
}

// outputOff is the safety action taken on every terminal path.
func (l *simLoop) outputOff() {
	if err := l.dev.OutputOff(l.profile.Channel); err != nil {
		l.eventf("CH%d: output off failed: %v", l.profile.Channel, err)
	}
}

// readCurrent queries the measured channel current and classifies the
// response: device error strings are cleared with *CLS and reported,
// anything unparseable is reported as-is.
func (l *simLoop) readCurrent() (float64, error) {
	resp, err := l.dev.MeasureCurrent(l.profile.Channel)
	if err != nil {
		return 0, err
	}
	trimmed := strings.TrimSpace(resp)
	if strings.Contains(strings.ToLower(trimmed), "error") {
		l.eventf("CH%d: PSU error response %q, clearing error state", l.profile.Channel, trimmed)
		if cerr := l.dev.ClearStatus(); cerr != nil {
			l.eventf("CH%d: clear status failed: %v", l.profile.Channel, cerr)
		}
		return 0, fmt.Errorf("device error: %s", trimmed)
	}
	current, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable current %q", trimmed)
	}
	return current, nil
}

// tick runs one simulation step at the given wall-clock instant and
// returns stopNone while the loop should keep running. Failed reads
// skip the step and retry on the next tick until the ceiling stops the
// channel.
func (l *simLoop) tick(now time.Time) stopReason {
	ch := l.profile.Channel

	// Re-check the cooperative stop flag before any further I/O.
	if l.state.Stopped() {
		l.outputOff()
		return stopExternal
	}

	dt := now.Sub(l.lastTick).Seconds()
	l.lastTick = now

	current, err := l.readCurrent()
	if err != nil {
		l.consecutiveFailures++
		l.eventf("CH%d: read failure %d/%d: %v", ch, l.consecutiveFailures, maxConsecutiveFailures, err)
		if l.consecutiveFailures >= maxConsecutiveFailures {
			l.eventf("CH%d: too many consecutive failures, stopping for safety", ch)
			l.outputOff()
			return stopSafety
		}
		return stopNone
	}
	l.consecutiveFailures = 0

	// Positive current is discharge.
	l.soc -= current * dt / (l.profile.CapacityAh * 3600)
	if l.soc < 0 {
		l.soc = 0
	} else if l.soc > 1 {
		l.soc = 1
	}

	ocv := battery.InterpolateOCV(l.profile.OCVCurve, l.soc)

	// First-order RC response; alpha adapts to irregular tick spacing.
	tau := l.profile.Tau()
	alpha := dt / (tau + dt)
	target := ocv - current*l.profile.InternalOhms
	l.filtered += alpha * (target - l.filtered)

	if l.filtered <= l.profile.CutoffVoltage {
		l.eventf("CH%d: cutoff voltage reached (%.3fV)", ch, l.filtered)
		l.outputOff()
		return stopCutoff
	}
	if l.filtered >= l.profile.MaxVoltage {
		l.filtered = l.profile.MaxVoltage
	}

	if math.Abs(l.filtered-l.lastVoltageSet) > voltageWriteThreshold {
		if err := l.dev.SetVoltage(ch, l.filtered); err != nil {
			l.eventf("CH%d: voltage write failed: %v", ch, err)
		} else {
			l.lastVoltageSet = l.filtered
		}
	}

	if l.samples != nil {
		elapsed := now.Sub(l.started).Seconds()
		if err := l.samples.Append(elapsed, l.soc, l.filtered, current, l.filtered*current); err != nil {
			l.eventf("CH%d: sample log write failed: %v", ch, err)
		}
	}

	l.state.Publish(ch, l.soc, l.filtered, current, l.filtered*current, ocv)

	return stopNone
}

// simWorker drives one channel's battery emulation until a terminal
// condition or shutdown. Every exit path has already forced the channel
// output off by the time this returns.
func simWorker(ctx context.Context, state *RuntimeState, logs *LogFiles, dev psu, profile *battery.Profile, samples *sampleLog) {
	loop := newSimLoop(state, logs, dev, profile, samples)

	if err := loop.init(); err != nil {
		loop.eventf("CH%d: init failed: %v", profile.Channel, err)
		state.SetEnabled(profile.Channel, false)
		return
	}

	for {
		reason := loop.tick(time.Now())
		if reason != stopNone {
			state.SetEnabled(profile.Channel, false)
			loop.eventf("CH%d: Simulation stopped (%s)", profile.Channel, reason)
			return
		}

		select {
		case <-ctx.Done():
			// The next tick observes the flag and takes the
			// external-stop path before touching the device again.
			state.RequestStop()
		case <-time.After(profile.UpdateInterval()):
		}
	}
}
