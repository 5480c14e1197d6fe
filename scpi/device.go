package scpi

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// drainAfterIdentify bounds the cleanup read that follows *IDN?; some
// firmware revisions append extra lines to the identification response.
const drainAfterIdentify = 50 * time.Millisecond

// Device wraps a Conn with the command vocabulary the supply understands,
// channel-selection caching, and trace logging. Every method runs its
// whole select+command+response exchange under one lock, so a Device may
// be shared by concurrent callers without responses crossing between
// them.
type Device struct {
	mu       sync.Mutex
	conn     *Conn
	selected int // last channel sent with INST:NSEL, 0 = unknown
	verbose  bool
	trace    func(line string)
}

// NewDevice wraps conn. The zero trace hook discards; use SetTrace to
// capture protocol traffic.
func NewDevice(conn *Conn) *Device {
	return &Device{conn: conn}
}

// SetTrace installs the sink for protocol trace lines ("CH2 -> VOLT 3.300",
// "CH2 <- 1.234"). Important commands are always traced; measurement polls
// only under verbose. The hook runs with the exchange lock held and must
// not call back into the Device.
func (d *Device) SetTrace(fn func(line string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trace = fn
}

// SetVerbose turns tracing of measurement polls on or off.
func (d *Device) SetVerbose(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.verbose = v
}

// important classifies which commands are always traced: channel selects,
// output switching, setpoint writes, and identification. Those are the
// commands an operator needs to reconstruct a session; measurement polls
// arrive several times a second and only matter when debugging.
func important(cmd string) bool {
	verb, _, _ := strings.Cut(cmd, " ")
	switch verb {
	case "*IDN?", "INST:NSEL", "OUTP", "VOLT", "CURR", "APPL":
		return true
	}
	return false
}

// Identify clears device status, queries *IDN?, and drains any extra
// bytes the identification left behind.
func (d *Device) Identify() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sendLocked("", "*CLS"); err != nil {
		return "", err
	}
	id, err := d.queryLocked("", "*IDN?")
	if err != nil {
		return id, err
	}
	d.conn.Drain(drainAfterIdentify)
	return id, nil
}

// ClearStatus sends *CLS, clearing the device's error state.
func (d *Device) ClearStatus() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendLocked("", "*CLS")
}

// SelectChannel makes ch the device's active channel, skipping the
// command when the cache says ch is already selected. The cache is
// one-way: the device's actual selection cannot be observed, so an
// out-of-band select by another connection leaves it stale — callers
// then use InvalidateSelection.
func (d *Device) SelectChannel(ch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selectLocked(ch)
}

// InvalidateSelection forgets the cached selection, forcing the next
// selected-channel command to re-issue INST:NSEL.
func (d *Device) InvalidateSelection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selected = 0
}

// SetVoltage writes the voltage setpoint of ch, selecting it first if
// needed.
func (d *Device) SetVoltage(ch int, volts float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.selectLocked(ch); err != nil {
		return err
	}
	return d.sendLocked(chanLabel(ch), fmt.Sprintf("VOLT %.3f", volts))
}

// SetCurrentLimit writes the current limit of ch, selecting it first if
// needed.
func (d *Device) SetCurrentLimit(ch int, amps float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.selectLocked(ch); err != nil {
		return err
	}
	return d.sendLocked(chanLabel(ch), fmt.Sprintf("CURR %.3f", amps))
}

// OutputOn enables the output of ch, selecting it first if needed.
func (d *Device) OutputOn(ch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.selectLocked(ch); err != nil {
		return err
	}
	return d.sendLocked(chanLabel(ch), "OUTP ON")
}

// OutputOff disables the output of ch, selecting it first if needed.
func (d *Device) OutputOff(ch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.selectLocked(ch); err != nil {
		return err
	}
	return d.sendLocked(chanLabel(ch), "OUTP OFF")
}

// SetChannelOutput switches one channel's output using the channel-
// argument form, leaving the device's selected channel untouched.
func (d *Device) SetChannelOutput(ch int, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendLocked(chanLabel(ch), fmt.Sprintf("OUTP CH%d,%s", ch, onOff(on)))
}

// AllOutputs switches every channel's output in one command.
func (d *Device) AllOutputs(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendLocked("", "OUTP ALL,"+onOff(on))
}

// QueryOutput reports whether ch's output is enabled.
func (d *Device) QueryOutput(ch int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp, err := d.queryLocked(chanLabel(ch), fmt.Sprintf("OUTP? CH%d", ch))
	if err != nil {
		return false, err
	}
	return resp == "ON", nil
}

// Apply writes voltage and current setpoints of ch in one command,
// leaving the device's selected channel untouched.
func (d *Device) Apply(ch int, volts, amps float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendLocked(chanLabel(ch), fmt.Sprintf("APPL CH%d,%.3f,%.3f", ch, volts, amps))
}

// QueryApply reads back ch's voltage and current setpoints. The device
// answers in the form "CH1,3.300,2.000,ON"; the channel prefix and any
// trailing state field are tolerated.
func (d *Device) QueryApply(ch int) (volts, amps float64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp, err := d.queryLocked(chanLabel(ch), fmt.Sprintf("APPL? CH%d", ch))
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Split(resp, ",")
	if len(parts) < 3 {
		return 0, 0, fmt.Errorf("scpi: malformed apply response %q", resp)
	}
	volts, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("scpi: malformed apply voltage %q", resp)
	}
	amps, err = strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("scpi: malformed apply current %q", resp)
	}
	return volts, amps, nil
}

// MeasureCurrent queries the measured output current of ch. The trimmed
// response is returned unparsed: the device hands back free-text error
// strings in place of a number, and callers own that classification.
func (d *Device) MeasureCurrent(ch int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queryLocked(chanLabel(ch), fmt.Sprintf("MEAS:CURR? CH%d", ch))
}

// MeasureVoltage queries the measured output voltage of ch, returned
// unparsed like MeasureCurrent.
func (d *Device) MeasureVoltage(ch int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queryLocked(chanLabel(ch), fmt.Sprintf("MEAS:VOLT? CH%d", ch))
}

// Drain discards stale bytes from the receive buffer under the exchange
// lock. Returns the byte count thrown away.
func (d *Device) Drain(timeout time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.Drain(timeout)
}

// Close closes the underlying connection.
func (d *Device) Close() error {
	return d.conn.Close()
}

func (d *Device) selectLocked(ch int) error {
	if d.selected == ch {
		return nil
	}
	if err := d.sendLocked(chanLabel(ch), fmt.Sprintf("INST:NSEL %d", ch)); err != nil {
		return err
	}
	d.selected = ch
	return nil
}

func (d *Device) sendLocked(label, cmd string) error {
	if d.shouldTrace(cmd) {
		d.emitTrace(label, "->", cmd)
	}
	return d.conn.Send(cmd)
}

// queryLocked decides tracing once per exchange so a suppressed poll
// suppresses its response line too.
func (d *Device) queryLocked(label, cmd string) (string, error) {
	traced := d.shouldTrace(cmd)
	if traced {
		d.emitTrace(label, "->", cmd)
	}
	resp, err := d.conn.Query(cmd)
	if err == nil && traced {
		d.emitTrace(label, "<-", resp)
	}
	return resp, err
}

func (d *Device) shouldTrace(cmd string) bool {
	return d.trace != nil && (important(cmd) || d.verbose)
}

func (d *Device) emitTrace(label, dir, text string) {
	if label != "" {
		d.trace(label + " " + dir + " " + text)
	} else {
		d.trace(dir + " " + text)
	}
}

func chanLabel(ch int) string {
	return fmt.Sprintf("CH%d", ch)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
