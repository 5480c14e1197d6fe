package main

import (
	"sync"
	"sync/atomic"

	"github.com/porchio/dp832-multitool/battery"
)

const (
	eventLogCap = 100
	traceLogCap = 200
)

// ChannelState is one channel's live simulation readout.
type ChannelState struct {
	SOC         float64
	Voltage     float64
	Current     float64
	Power       float64
	OCV         float64
	ProfileName string
	Enabled     bool
}

// channelSlot pairs a channel record with its own lock so the three
// simulation loops never contend with each other, only with snapshot
// readers.
type channelSlot struct {
	mu    sync.Mutex
	state ChannelState
}

// RuntimeState is shared between the per-channel simulation loops and
// read-only consumers (status printer, telemetry). Each loop writes only
// its own channel slot; the running flag is the cooperative stop signal
// checked once per tick.
type RuntimeState struct {
	channels [battery.MaxChannel]channelSlot
	running  atomic.Bool

	logMu  sync.Mutex
	events []string
	traces []string
}

// RuntimeSnapshot is an immutable copy of RuntimeState safe to hand to
// consumers without holding any lock.
type RuntimeSnapshot struct {
	Channels [battery.MaxChannel]ChannelState
	Running  bool
	Events   []string
	Traces   []string
}

func NewRuntimeState() *RuntimeState {
	s := &RuntimeState{}
	s.running.Store(true)
	return s
}

// slot maps a 1-based channel number to its record, nil if out of range.
func (s *RuntimeState) slot(ch int) *channelSlot {
	if ch < 1 || ch > len(s.channels) {
		return nil
	}
	return &s.channels[ch-1]
}

// Publish atomically updates one channel's readout.
func (s *RuntimeState) Publish(ch int, soc, voltage, current, power, ocv float64) {
	slot := s.slot(ch)
	if slot == nil {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.state.SOC = soc
	slot.state.Voltage = voltage
	slot.state.Current = current
	slot.state.Power = power
	slot.state.OCV = ocv
}

func (s *RuntimeState) SetEnabled(ch int, on bool) {
	slot := s.slot(ch)
	if slot == nil {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.state.Enabled = on
}

func (s *RuntimeState) SetProfileName(ch int, name string) {
	slot := s.slot(ch)
	if slot == nil {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.state.ProfileName = name
}

// AppendEvent records a message in the bounded event ring, evicting the
// oldest entry on overflow.
func (s *RuntimeState) AppendEvent(msg string) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	s.events = append(s.events, msg)
	if len(s.events) > eventLogCap {
		s.events = s.events[len(s.events)-eventLogCap:]
	}
}

// AppendTrace records a protocol line in the bounded trace ring.
func (s *RuntimeState) AppendTrace(msg string) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	s.traces = append(s.traces, msg)
	if len(s.traces) > traceLogCap {
		s.traces = s.traces[len(s.traces)-traceLogCap:]
	}
}

// Snapshot copies the full state. The copy is isolated from later
// mutation so consumers can hold it as long as they like.
func (s *RuntimeState) Snapshot() RuntimeSnapshot {
	var snap RuntimeSnapshot
	for i := range s.channels {
		s.channels[i].mu.Lock()
		snap.Channels[i] = s.channels[i].state
		s.channels[i].mu.Unlock()
	}
	snap.Running = s.running.Load()

	s.logMu.Lock()
	snap.Events = append([]string(nil), s.events...)
	snap.Traces = append([]string(nil), s.traces...)
	s.logMu.Unlock()

	return snap
}

// RequestStop asks every simulation loop to shut its channel down at the
// next tick.
func (s *RuntimeState) RequestStop() {
	s.running.Store(false)
}

func (s *RuntimeState) Stopped() bool {
	return !s.running.Load()
}
