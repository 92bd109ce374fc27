package device

import (
	"io"
	"sync"
)

// COM1Addr is the base port of the first legacy serial port.
const COM1Addr = 0x3f8

const (
	lsrOffset = 5

	// Transmitter holding register empty | transmitter empty.
	lsrTxIdle = 0x60
)

// Console is a write-only 8250 UART. Bytes written to its data register go
// to Out; the line status register always reports an idle transmitter, so
// polling guests never stall. Every other register reads as zero.
type Console struct {
	Port uint64
	Out  io.Writer

	mu sync.Mutex
}

// NewConsole returns a console on COM1 writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{Port: COM1Addr, Out: out}
}

func (c *Console) Read(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	data[0] = 0
	if port-c.Port == lsrOffset {
		data[0] = lsrTxIdle
	}

	return nil
}

func (c *Console) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	if port != c.Port {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.Out.Write(data)

	return err
}

func (c *Console) IOPort() uint64 {
	return c.Port
}

func (c *Console) Size() uint64 {
	return 0x8
}
