// Package device implements the port I/O devices of the monitor and the
// bus that routes KVM_EXIT_IO exits to them.
package device

import "errors"

var (
	errDataLenInvalid = errors.New("invalid data size on port")

	// ErrNoDevice is returned for an access to a port nobody claimed.
	ErrNoDevice = errors.New("no device on port")

	// ErrPortConflict is returned when two devices claim the same port.
	ErrPortConflict = errors.New("port range already claimed")
)

// IODevice describes the interface a IO-Port device must implement regardless of the
// bus it is attached to. port is the absolute port number of the access.
type IODevice interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	IOPort() uint64
	Size() uint64
}
