package ssm2

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialLink is the minimal byte-level surface the SSM2 client needs. It is
// satisfied by *SerialPort (the real go.bug.st/serial backed link) and by
// in-memory stubs in tests.
type SerialLink interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	ResetInputBuffer() error
	ResetOutputBuffer() error
	Close() error
}

// SerialPort is the real K-line transport: a single serial device opened
// 8N1 at a fixed baud rate with a short read timeout, the same shape the
// platform's other ECU providers already use for their own serial link.
type SerialPort struct {
	portPath string
	baudRate int
	port     serial.Port
}

// NewSerialPort constructs an unopened link; call Open before use.
func NewSerialPort(portPath string, baudRate int) *SerialPort {
	if baudRate == 0 {
		baudRate = 4800
	}
	return &SerialPort{portPath: portPath, baudRate: baudRate}
}

// Open opens the underlying device 8N1 with a 50ms read timeout, matching
// the K-line's default bus speed.
func (s *SerialPort) Open() error {
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portPath, mode)
	if err != nil {
		return fmt.Errorf("ssm2: failed to open %s: %w", s.portPath, err)
	}
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("ssm2: failed to set read timeout: %w", err)
	}
	s.port = port
	return nil
}

func (s *SerialPort) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *SerialPort) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *SerialPort) ResetInputBuffer() error     { return s.port.ResetInputBuffer() }
func (s *SerialPort) ResetOutputBuffer() error    { return s.port.ResetOutputBuffer() }

func (s *SerialPort) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}
