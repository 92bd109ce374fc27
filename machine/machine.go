// Package machine is the KVM implementation of vcpu.Allocator. A Machine
// owns the VM: its file descriptors, guest memory and the port I/O bus. The
// vCPUs it hands out are bare bases; variants bind behaviour to them.
package machine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/bobuhiro11/govcpu/device"
	"github.com/bobuhiro11/govcpu/kvm"
	"github.com/bobuhiro11/govcpu/logger"
	"github.com/bobuhiro11/govcpu/vcpu"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Guest physical layout
//
//	0x00000000    +------------------+
//	              |   IVT / BDA      |
//	0x00001000    +------------------+ <- RIP, image [+ 0]
//	              |                  |
//	              |   guest image    |
//	              |                  |
//	0x00010000    +------------------+ <- RSP grows down from here
//	              |                  |
//	  MemSize     +------------------+
const (
	EntryAddr = 0x1000
	stackTop  = 0x10000

	// MaxImageSize is what fits between the entry point and the stack in
	// one real-mode segment.
	MaxImageSize = stackTop - EntryAddr

	MinMemSize     = 1 << 20
	DefaultMemSize = 1 << 24
	DefaultDev     = "/dev/kvm"
	DefaultSysfs   = "/sys"
)

var (
	// ErrMemSize is returned for a guest memory size below MinMemSize.
	ErrMemSize = errors.New("guest memory size too small")

	// ErrImageTooLarge is returned by LoadImage.
	ErrImageTooLarge = errors.New("guest image too large")

	// ErrOutOfRange is returned for guest memory accesses past the end.
	ErrOutOfRange = errors.New("guest physical address out of range")
)

// Config describes the VM a Machine creates.
type Config struct {
	// Dev is the KVM device node, DefaultDev when empty.
	Dev string

	// MemSize is the guest memory size in bytes, DefaultMemSize when zero.
	MemSize int

	// Console receives what the guest writes to COM1, os.Stdout when nil.
	Console io.Writer

	// SysfsRoot is where kvm module parameters are looked up,
	// DefaultSysfs when empty.
	SysfsRoot string
}

func (c *Config) setDefaults() {
	if c.Dev == "" {
		c.Dev = DefaultDev
	}

	if c.MemSize == 0 {
		c.MemSize = DefaultMemSize
	}

	if c.Console == nil {
		c.Console = os.Stdout
	}

	if c.SysfsRoot == "" {
		c.SysfsRoot = DefaultSysfs
	}
}

// Machine is one VM. It is safe for concurrent use; NewBase in particular
// may be called from one goroutine per core.
type Machine struct {
	dev         *os.File
	kvmFd, vmFd uintptr
	mem         []byte
	runSize     int
	cpuid       kvm.CPUID
	bus         *device.Bus
	sysfs       string
	log         zerolog.Logger

	mu     sync.Mutex
	cpus   map[vcpu.CoreID]*CPU
	loaded bool
	closed bool

	tagOnce sync.Once
	tagMech string
	tagErr  error
}

var _ vcpu.Allocator = (*Machine)(nil)

// New creates the VM described by cfg. Nothing runs until vCPUs are
// allocated and started.
func New(cfg Config) (*Machine, error) {
	cfg.setDefaults()

	if cfg.MemSize < MinMemSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrMemSize, cfg.MemSize, MinMemSize)
	}

	m := &Machine{
		sysfs: cfg.SysfsRoot,
		cpus:  make(map[vcpu.CoreID]*CPU),
		log:   logger.WithComponent("machine"),
	}

	if err := m.init(cfg); err != nil {
		m.release()

		return nil, err
	}

	return m, nil
}

func (m *Machine) init(cfg Config) error {
	var err error

	if m.dev, err = os.OpenFile(cfg.Dev, os.O_RDWR, 0o644); err != nil {
		return fmt.Errorf("%s: %w", cfg.Dev, err)
	}

	m.kvmFd = m.dev.Fd()

	v, err := kvm.GetAPIVersion(m.kvmFd)
	if err != nil {
		return fmt.Errorf("GetAPIVersion: %w", err)
	}

	if v != kvm.APIVersion {
		return fmt.Errorf("%w: got %d, want %d", kvm.ErrAPIVersion, v, kvm.APIVersion)
	}

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	size, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return fmt.Errorf("GetVCPUMMmapSize: %w", err)
	}

	m.runSize = int(size)

	if err := kvm.GetSupportedCPUID(m.kvmFd, &m.cpuid); err != nil {
		return fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	tailorCPUID(&m.cpuid)

	m.mem, err = unix.Mmap(-1, 0, cfg.MemSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("mmap guest memory: %w", err)
	}

	err = kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: uint64(cfg.MemSize),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&m.mem[0]))),
	})
	if err != nil {
		return fmt.Errorf("SetUserMemoryRegion: %w", err)
	}

	if m.bus, err = newBus(cfg.Console); err != nil {
		return err
	}

	m.log.Debug().Str("dev", cfg.Dev).Int("mem", cfg.MemSize).Msg("vm created")

	return nil
}

// https://www.kernel.org/doc/html/latest/virt/kvm/x86/cpuid.html
func tailorCPUID(c *kvm.CPUID) {
	for i := 0; i < int(c.Nent); i++ {
		switch c.Entries[i].Function {
		case kvm.CPUIDFuncPerMon:
			c.Entries[i].Eax = 0 // disable
		case kvm.CPUIDSignature:
			c.Entries[i].Eax = kvm.CPUIDFeatures
			c.Entries[i].Ebx = 0x4b4d564b // KVMK
			c.Entries[i].Ecx = 0x564b4d56 // VMKV
			c.Entries[i].Edx = 0x4d       // M
		}
	}
}

func newBus(console io.Writer) (*device.Bus, error) {
	devs := []device.IODevice{
		device.NewConsole(console),
		device.NewPostCodeDevice(),
	}

	// Ports that real-mode code commonly touches and that are not
	// emulated: PIC, PIT, PS/2, CMOS, DMA pages, COM2-4, VGA.
	for _, r := range [][2]uint64{
		{0x20, 0x2}, {0x40, 0x4}, {0x60, 0x10}, {0x70, 0x2}, {0x81, 0x1f}, {0xa0, 0x2},
		{0x2e8, 0x8}, {0x2f8, 0x8}, {0x3e8, 0x8}, {0x3b4, 0x2}, {0x3c0, 0x1b},
	} {
		devs = append(devs, &device.NoopDevice{Port: r[0], Psize: r[1]})
	}

	return device.NewBus(devs...)
}

// NewBase creates the KVM vCPU for id, maps its kvm_run structure and
// applies the guest CPUID. KVM never reuses a vCPU id within a VM, so a
// second NewBase for the same id fails even after the first was closed.
func (m *Machine) NewBase(id vcpu.CoreID) (vcpu.Base, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, vcpu.ErrClosed
	}

	fd, err := kvm.CreateVCPU(m.vmFd, int(id))
	if err != nil {
		return nil, fmt.Errorf("CreateVCPU %d: %w", id, err)
	}

	c := &CPU{
		m:   m,
		id:  id,
		fd:  fd,
		log: m.log.With().Int("core", int(id)).Logger(),
	}

	if err := c.init(); err != nil {
		c.release()

		return nil, err
	}

	if m.loaded {
		if err := c.reset(); err != nil {
			c.release()

			return nil, err
		}
	}

	m.cpus[id] = c

	return c, nil
}

func (m *Machine) forget(c *CPU) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cpus[c.id] == c {
		delete(m.cpus, c.id)
	}
}

func (m *Machine) live() []*CPU {
	m.mu.Lock()
	defer m.mu.Unlock()

	cpus := make([]*CPU, 0, len(m.cpus))
	for _, c := range m.cpus {
		cpus = append(cpus, c)
	}

	return cpus
}

// LoadImage copies a flat real-mode image to EntryAddr and points every
// vCPU, present and future, at it.
func (m *Machine) LoadImage(image io.Reader) error {
	b, err := io.ReadAll(io.LimitReader(image, MaxImageSize+1))
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	if len(b) > MaxImageSize {
		return fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, MaxImageSize)
	}

	if _, err := m.WriteAt(b, EntryAddr); err != nil {
		return err
	}

	m.mu.Lock()
	m.loaded = true
	m.mu.Unlock()

	for _, c := range m.live() {
		if err := c.reset(); err != nil {
			return err
		}
	}

	m.log.Info().Int("size", len(b)).Msg("image loaded")

	return nil
}

// SingleStep turns single-stepping on or off for every live vCPU.
func (m *Machine) SingleStep(onoff bool) error {
	for _, c := range m.live() {
		if err := c.SingleStep(onoff); err != nil {
			return err
		}
	}

	return nil
}

// ReadAt implements io.ReaderAt over guest physical memory.
func (m *Machine) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > int64(len(m.mem)) {
		return 0, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, off, off+int64(len(b)))
	}

	return copy(b, m.mem[off:]), nil
}

// WriteAt implements io.WriterAt over guest physical memory.
func (m *Machine) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > int64(len(m.mem)) {
		return 0, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, off, off+int64(len(b)))
	}

	return copy(m.mem[off:], b), nil
}

// Close closes every live vCPU, then the VM. It is idempotent.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	m.mu.Unlock()

	var errs []error

	for _, c := range m.live() {
		errs = append(errs, c.Close())
	}

	errs = append(errs, m.release())

	return errors.Join(errs...)
}

func (m *Machine) release() error {
	var errs []error

	if m.mem != nil {
		errs = append(errs, unix.Munmap(m.mem))
		m.mem = nil
	}

	if m.vmFd != 0 {
		errs = append(errs, unix.Close(int(m.vmFd)))
		m.vmFd = 0
	}

	if m.dev != nil {
		errs = append(errs, m.dev.Close())
		m.dev = nil
	}

	return errors.Join(errs...)
}
