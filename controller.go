package main

import (
	"fmt"
	"strconv"

	"github.com/porchio/dp832-multitool/battery"
	"github.com/porchio/dp832-multitool/scpi"
)

// PanelChannel mirrors one output channel of the supply: the
// programmed setpoints and the last measured values.
type PanelChannel struct {
	VoltageSet    float64
	CurrentSet    float64
	VoltageActual float64
	CurrentActual float64
	PowerActual   float64
	Enabled       bool
}

// Controller owns a direct connection to the supply for manual
// control. It caches panel state so setpoint writes can reuse the
// other half of an APPL pair. Not safe for concurrent use; the
// control console is its only caller.
type Controller struct {
	dev      *scpi.Device
	channels [battery.MaxChannel]PanelChannel
	deviceID string
}

// NewController identifies the instrument and reads the initial state
// of every channel.
func NewController(dev *scpi.Device) (*Controller, error) {
	id, err := dev.Identify()
	if err != nil {
		return nil, fmt.Errorf("identify failed: %w", err)
	}

	c := &Controller{dev: dev, deviceID: id}
	if err := c.RefreshAll(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) DeviceID() string {
	return c.deviceID
}

func (c *Controller) SetVerbose(v bool) {
	c.dev.SetVerbose(v)
}

// Channel returns a copy of the cached state for a channel.
func (c *Controller) Channel(ch int) PanelChannel {
	if ch < 1 || ch > battery.MaxChannel {
		return PanelChannel{}
	}
	return c.channels[ch-1]
}

// Refresh re-reads one channel's measurements, output state, and
// setpoints from the panel. Transport errors abort the refresh;
// unparseable readings keep the previous value.
func (c *Controller) Refresh(ch int) error {
	if ch < 1 || ch > battery.MaxChannel {
		return fmt.Errorf("channel %d out of range", ch)
	}
	slot := &c.channels[ch-1]

	raw, err := c.dev.MeasureVoltage(ch)
	if err != nil {
		return err
	}
	if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
		slot.VoltageActual = v
	}

	raw, err = c.dev.MeasureCurrent(ch)
	if err != nil {
		return err
	}
	if i, perr := strconv.ParseFloat(raw, 64); perr == nil {
		slot.CurrentActual = i
	}

	slot.PowerActual = slot.VoltageActual * slot.CurrentActual

	on, err := c.dev.QueryOutput(ch)
	if err != nil {
		return err
	}
	slot.Enabled = on

	// Some firmware revisions answer APPL? with junk while a channel
	// is switching; keep the cached setpoints in that case.
	if volts, amps, err := c.dev.QueryApply(ch); err == nil {
		slot.VoltageSet = volts
		slot.CurrentSet = amps
	}

	return nil
}

func (c *Controller) RefreshAll() error {
	for ch := 1; ch <= battery.MaxChannel; ch++ {
		if err := c.Refresh(ch); err != nil {
			return err
		}
	}
	return nil
}

// SetVoltage programs a channel's voltage, carrying the cached current
// setpoint through the combined APPL write.
func (c *Controller) SetVoltage(ch int, volts float64) error {
	if ch < 1 || ch > battery.MaxChannel {
		return fmt.Errorf("channel %d out of range", ch)
	}
	if err := c.dev.Apply(ch, volts, c.channels[ch-1].CurrentSet); err != nil {
		return err
	}
	c.channels[ch-1].VoltageSet = volts
	return nil
}

// SetCurrent programs a channel's current limit, carrying the cached
// voltage setpoint.
func (c *Controller) SetCurrent(ch int, amps float64) error {
	if ch < 1 || ch > battery.MaxChannel {
		return fmt.Errorf("channel %d out of range", ch)
	}
	if err := c.dev.Apply(ch, c.channels[ch-1].VoltageSet, amps); err != nil {
		return err
	}
	c.channels[ch-1].CurrentSet = amps
	return nil
}

func (c *Controller) SetOutput(ch int, on bool) error {
	if ch < 1 || ch > battery.MaxChannel {
		return fmt.Errorf("channel %d out of range", ch)
	}
	if err := c.dev.SetChannelOutput(ch, on); err != nil {
		return err
	}
	c.channels[ch-1].Enabled = on
	return nil
}

func (c *Controller) EnableAll() error {
	return c.setAll(true)
}

func (c *Controller) DisableAll() error {
	return c.setAll(false)
}

func (c *Controller) setAll(on bool) error {
	if err := c.dev.AllOutputs(on); err != nil {
		return err
	}
	for i := range c.channels {
		c.channels[i].Enabled = on
	}
	return nil
}
