package device

import (
	"fmt"
	"sort"
	"sync"
)

// Bus routes port accesses to the device whose range covers the port.
// Registration normally happens before any vCPU runs; lookups are safe for
// concurrent use from every vCPU thread.
type Bus struct {
	mu      sync.RWMutex
	devices []IODevice
}

// NewBus returns a bus with devs registered.
func NewBus(devs ...IODevice) (*Bus, error) {
	b := &Bus{}

	for _, d := range devs {
		if err := b.Register(d); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// Register attaches d. Its range must not overlap an attached device.
func (b *Bus) Register(d IODevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	start, end := d.IOPort(), d.IOPort()+d.Size()

	for _, o := range b.devices {
		ostart, oend := o.IOPort(), o.IOPort()+o.Size()
		if start < oend && ostart < end {
			return fmt.Errorf("%w: [%#x, %#x) overlaps [%#x, %#x)", ErrPortConflict, start, end, ostart, oend)
		}
	}

	b.devices = append(b.devices, d)
	sort.Slice(b.devices, func(i, j int) bool { return b.devices[i].IOPort() < b.devices[j].IOPort() })

	return nil
}

func (b *Bus) find(port uint64) (IODevice, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.devices), func(i int) bool {
		d := b.devices[i]

		return d.IOPort()+d.Size() > port
	})

	if i < len(b.devices) && b.devices[i].IOPort() <= port {
		return b.devices[i], nil
	}

	return nil, fmt.Errorf("%w %#x", ErrNoDevice, port)
}

// In handles a guest read from port.
func (b *Bus) In(port uint64, data []byte) error {
	d, err := b.find(port)
	if err != nil {
		return err
	}

	return d.Read(port, data)
}

// Out handles a guest write to port.
func (b *Bus) Out(port uint64, data []byte) error {
	d, err := b.find(port)
	if err != nil {
		return err
	}

	return d.Write(port, data)
}
