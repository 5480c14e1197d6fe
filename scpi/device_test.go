package scpi

import (
	"bufio"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSupply plays the instrument: it records every command line and
// answers the ones present in its response table.
type scriptedSupply struct {
	mu       sync.Mutex
	commands []string
}

func newScriptedSupply(peer net.Conn, responses map[string]string) *scriptedSupply {
	s := &scriptedSupply{}
	go func() {
		scanner := bufio.NewScanner(peer)
		for scanner.Scan() {
			cmd := scanner.Text()
			s.mu.Lock()
			s.commands = append(s.commands, cmd)
			s.mu.Unlock()
			if resp, ok := responses[cmd]; ok {
				_, _ = peer.Write([]byte(resp + "\n"))
			}
		}
	}()
	return s
}

func (s *scriptedSupply) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// pipeDevice wires a Device to a scripted instrument. Send-only commands
// have no synchronization point, so tests end with a query to be sure
// the script has caught up before asserting on Commands.
func pipeDevice(t *testing.T, responses map[string]string) (*Device, *scriptedSupply) {
	t.Helper()
	conn, peer := pipeConn(t)
	return NewDevice(conn), newScriptedSupply(peer, responses)
}

func TestDevice_SelectChannelCached(t *testing.T) {
	d, supply := pipeDevice(t, map[string]string{"OUTP? CH1": "ON"})

	require.NoError(t, d.SelectChannel(1))
	require.NoError(t, d.SelectChannel(1)) // cached, no command
	require.NoError(t, d.SelectChannel(2))

	_, err := d.QueryOutput(1)
	require.NoError(t, err)

	assert.Equal(t, []string{"INST:NSEL 1", "INST:NSEL 2", "OUTP? CH1"}, supply.Commands())
}

func TestDevice_InvalidateSelectionForcesReselect(t *testing.T) {
	d, supply := pipeDevice(t, map[string]string{"OUTP? CH1": "ON"})

	require.NoError(t, d.SelectChannel(3))
	d.InvalidateSelection()
	require.NoError(t, d.SelectChannel(3))

	_, err := d.QueryOutput(1)
	require.NoError(t, err)

	assert.Equal(t, []string{"INST:NSEL 3", "INST:NSEL 3", "OUTP? CH1"}, supply.Commands())
}

func TestDevice_SetVoltageSelectsChannelFirst(t *testing.T) {
	d, supply := pipeDevice(t, map[string]string{"OUTP? CH2": "ON"})

	require.NoError(t, d.SetVoltage(2, 3.3))
	require.NoError(t, d.SetVoltage(2, 3.25)) // selection reused

	_, err := d.QueryOutput(2)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"INST:NSEL 2",
		"VOLT 3.300",
		"VOLT 3.250",
		"OUTP? CH2",
	}, supply.Commands())
}

func TestDevice_SetpointsFormatThreeDecimals(t *testing.T) {
	d, supply := pipeDevice(t, map[string]string{"OUTP? CH1": "ON"})

	require.NoError(t, d.SetCurrentLimit(1, 2))
	require.NoError(t, d.Apply(1, 4.2, 1.5))

	_, err := d.QueryOutput(1)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"INST:NSEL 1",
		"CURR 2.000",
		"APPL CH1,4.200,1.500",
		"OUTP? CH1",
	}, supply.Commands())
}

func TestDevice_OutputCommandForms(t *testing.T) {
	d, supply := pipeDevice(t, map[string]string{"OUTP? CH3": "OFF"})

	require.NoError(t, d.OutputOff(1))          // selected-channel form
	require.NoError(t, d.OutputOn(1))           // selection reused
	require.NoError(t, d.SetChannelOutput(3, true))
	require.NoError(t, d.AllOutputs(false))

	_, err := d.QueryOutput(3)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"INST:NSEL 1",
		"OUTP OFF",
		"OUTP ON",
		"OUTP CH3,ON",
		"OUTP ALL,OFF",
		"OUTP? CH3",
	}, supply.Commands())
}

func TestDevice_QueryOutputStates(t *testing.T) {
	d, _ := pipeDevice(t, map[string]string{
		"OUTP? CH1": "ON",
		"OUTP? CH2": "OFF",
	})

	on, err := d.QueryOutput(1)
	require.NoError(t, err)
	assert.True(t, on)

	on, err = d.QueryOutput(2)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestDevice_QueryApplyParsesSetpoints(t *testing.T) {
	d, _ := pipeDevice(t, map[string]string{
		"APPL? CH1": "CH1,3.300,2.000,ON",
	})

	volts, amps, err := d.QueryApply(1)

	require.NoError(t, err)
	assert.Equal(t, 3.3, volts)
	assert.Equal(t, 2.0, amps)
}

func TestDevice_QueryApplyMalformedResponse(t *testing.T) {
	d, _ := pipeDevice(t, map[string]string{
		"APPL? CH1": "command error",
	})

	_, _, err := d.QueryApply(1)

	assert.Error(t, err)
}

func TestDevice_MeasureCurrentReturnsRawResponse(t *testing.T) {
	d, _ := pipeDevice(t, map[string]string{
		"MEAS:CURR? CH1": "error: overload",
		"MEAS:CURR? CH2": "0.421",
	})

	// Error strings pass through unparsed; callers classify them.
	resp, err := d.MeasureCurrent(1)
	require.NoError(t, err)
	assert.Equal(t, "error: overload", resp)

	resp, err = d.MeasureCurrent(2)
	require.NoError(t, err)
	assert.Equal(t, "0.421", resp)
}

func TestDevice_TraceClassification(t *testing.T) {
	d, _ := pipeDevice(t, map[string]string{
		"MEAS:CURR? CH1": "0.100",
		"OUTP? CH1":      "ON",
	})

	var mu sync.Mutex
	var lines []string
	d.SetTrace(func(line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, line)
	})

	_, err := d.MeasureCurrent(1) // poll: suppressed
	require.NoError(t, err)
	_, err = d.QueryOutput(1) // output query: suppressed
	require.NoError(t, err)
	require.NoError(t, d.SetVoltage(1, 3.3)) // select + setpoint: traced

	mu.Lock()
	got := append([]string(nil), lines...)
	mu.Unlock()
	assert.Equal(t, []string{
		"CH1 -> INST:NSEL 1",
		"CH1 -> VOLT 3.300",
	}, got)
}

func TestDevice_TraceVerboseIncludesPolls(t *testing.T) {
	d, _ := pipeDevice(t, map[string]string{
		"MEAS:CURR? CH1": "0.100",
	})

	var mu sync.Mutex
	var lines []string
	d.SetTrace(func(line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, line)
	})
	d.SetVerbose(true)

	_, err := d.MeasureCurrent(1)
	require.NoError(t, err)

	mu.Lock()
	got := append([]string(nil), lines...)
	mu.Unlock()
	assert.Equal(t, []string{
		"CH1 -> MEAS:CURR? CH1",
		"CH1 <- 0.100",
	}, got)
}

func TestDevice_IdentifyDrainsExtraLines(t *testing.T) {
	conn, peer := pipeConn(t)
	d := NewDevice(conn)

	go func() {
		scanner := bufio.NewScanner(peer)
		for scanner.Scan() {
			switch scanner.Text() {
			case "*IDN?":
				// Chatty firmware: a second line trails the response.
				_, _ = peer.Write([]byte("RIGOL,DP832,DP8A0001,00.01.16\n"))
				_, _ = peer.Write([]byte("REV B\n"))
			case "OUTP? CH1":
				_, _ = peer.Write([]byte("ON\n"))
			}
		}
	}()

	id, err := d.Identify()
	require.NoError(t, err)
	assert.Equal(t, "RIGOL,DP832,DP8A0001,00.01.16", id)

	// The trailing line was drained: the next query is unpolluted.
	on, err := d.QueryOutput(1)
	require.NoError(t, err)
	assert.True(t, on)
}
