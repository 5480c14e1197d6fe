package scpi

import (
	"fmt"
	"os"
	"time"

	"go.bug.st/serial"
)

// DialSerial opens a device wired over RS-232 instead of LAN. 8N1 framing;
// baud is typically 9600 on the rear-panel port.
func DialSerial(device string, baud int) (*Conn, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("scpi: open %s: %w", device, err)
	}
	return NewConn(&serialStream{port: port}), nil
}

// serialStream adapts a serial port to the deadline-based reads Conn
// performs. The library reports a timed-out read as (0, nil); that is
// translated to os.ErrDeadlineExceeded so the read loop can tell a
// timeout from peer closure.
type serialStream struct {
	port     serial.Port
	deadline time.Time
}

func (s *serialStream) Read(b []byte) (int, error) {
	if !s.deadline.IsZero() {
		remaining := time.Until(s.deadline)
		if remaining <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		if err := s.port.SetReadTimeout(remaining); err != nil {
			return 0, err
		}
	}
	n, err := s.port.Read(b)
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (s *serialStream) Write(b []byte) (int, error) {
	return s.port.Write(b)
}

func (s *serialStream) Close() error {
	return s.port.Close()
}

func (s *serialStream) SetReadDeadline(t time.Time) error {
	s.deadline = t
	return nil
}
