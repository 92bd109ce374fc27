package machine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/bobuhiro11/govcpu/kvm"
	"github.com/bobuhiro11/govcpu/vcpu"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ErrRunning is returned by Run on a vCPU that is already running.
var ErrRunning = errors.New("vcpu is already running")

// CPU is a KVM vCPU: the fd, its mmapped kvm_run structure and the
// delegates bound to it. It implements vcpu.Base.
type CPU struct {
	noCopy vcpu.NoCopy

	m         *Machine
	id        vcpu.CoreID
	fd        uintptr
	runMem    []byte
	run       *kvm.RunData
	delegates vcpu.Delegates
	log       zerolog.Logger

	mu      sync.Mutex
	tid     int
	running bool
	done    chan struct{}
	tagged  bool
	closed  bool
}

var _ vcpu.Base = (*CPU)(nil)

func (c *CPU) init() error {
	var err error

	if err := kvm.SetCPUID2(c.fd, &c.m.cpuid); err != nil {
		return fmt.Errorf("SetCPUID2 cpu%d: %w", c.id, err)
	}

	c.runMem, err = unix.Mmap(int(c.fd), 0, c.m.runSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap kvm_run cpu%d: %w", c.id, err)
	}

	c.run = (*kvm.RunData)(unsafe.Pointer(&c.runMem[0]))

	return nil
}

// reset puts the vCPU in real mode at EntryAddr with a flat code segment.
func (c *CPU) reset() error {
	sregs, err := kvm.GetSregs(c.fd)
	if err != nil {
		return fmt.Errorf("GetSregs cpu%d: %w", c.id, err)
	}

	sregs.CS.Base, sregs.CS.Selector = 0, 0
	sregs.DS.Base, sregs.DS.Selector = 0, 0
	sregs.ES.Base, sregs.ES.Selector = 0, 0
	sregs.SS.Base, sregs.SS.Selector = 0, 0

	if err := kvm.SetSregs(c.fd, sregs); err != nil {
		return fmt.Errorf("SetSregs cpu%d: %w", c.id, err)
	}

	regs := &kvm.Regs{
		RIP:    EntryAddr,
		RSP:    stackTop,
		RFLAGS: 2,
		RAX:    uint64(c.id),
	}

	if err := kvm.SetRegs(c.fd, regs); err != nil {
		return fmt.Errorf("SetRegs cpu%d: %w", c.id, err)
	}

	return nil
}

// ID implements vcpu.Base.
func (c *CPU) ID() vcpu.CoreID { return c.id }

// AddEventDelegate implements vcpu.Base.
func (c *CPU) AddEventDelegate(class kvm.ExitType, d vcpu.Delegate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrRunning
	}

	return c.delegates.Add(class, d)
}

// EnableAddressSpaceTagging implements vcpu.Base. KVM assigns the VPID or
// ASID of a vCPU itself whenever the host module runs with tagging on, so
// enabling it amounts to verifying that the host does and latching the
// result for this vCPU.
func (c *CPU) EnableAddressSpaceTagging() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return vcpu.ErrClosed
	}

	if c.tagged {
		return nil
	}

	mech, err := c.m.tagging()
	if err != nil {
		return err
	}

	c.tagged = true
	c.log.Debug().Str("mechanism", mech).Msg("address space tagging enabled")

	return nil
}

// Tagged reports whether tagging was enabled.
func (c *CPU) Tagged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tagged
}

// Run implements vcpu.Base. It returns nil when the guest halts,
// ctx.Err() when ctx ends first and vcpu.ErrClosed when the vCPU is closed
// under it.
func (c *CPU) Run(ctx context.Context) error {
	// https://www.kernel.org/doc/Documentation/virtual/kvm/api.txt
	// vcpu ioctls should be issued from the same thread that was used to create
	// the vcpu, except for asynchronous vcpu ioctl that are marked as such in
	// the documentation.  Otherwise, the first ioctl after switching threads
	// could see a performance impact.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()

	stop := context.AfterFunc(ctx, c.kick)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.isClosed() {
			return vcpu.ErrClosed
		}

		isContinue, err := c.RunOnce()
		if err != nil {
			return err
		}

		if !isContinue {
			return nil
		}
	}
}

func (c *CPU) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *CPU) enter() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return vcpu.ErrClosed
	case c.running:
		return ErrRunning
	}

	c.running = true
	c.tid = unix.Gettid()
	c.done = make(chan struct{})
	c.run.ImmediateExit = 0

	return nil
}

func (c *CPU) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = false
	c.tid = 0
	close(c.done)
}

// kick forces the vCPU thread out of KVM_RUN. immediate_exit covers the
// window before the thread enters the guest; the signal covers the guest
// itself. SIGURG is the Go runtime's preemption signal and is otherwise
// ignored.
func (c *CPU) kick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	c.run.ImmediateExit = 1

	if err := unix.Tgkill(unix.Getpid(), c.tid, unix.SIGURG); err != nil {
		c.log.Warn().Err(err).Msg("kicking vcpu thread")
	}
}

// RunOnce enters the guest once, dispatches the exit to the delegates
// bound for its class, then applies the default handling. It reports
// whether the vCPU should keep running.
func (c *CPU) RunOnce() (bool, error) {
	exit := kvm.EXITINTR

	if err := kvm.Run(c.fd); err != nil {
		// When a signal is sent to the thread hosting the VM it will result in EINTR
		// refs https://gist.github.com/mcastelino/df7e65ade874f6890f618dc51778d83a
		if !errors.Is(err, unix.EINTR) {
			return false, fmt.Errorf("KVM_RUN cpu%d: %w", c.id, err)
		}
	} else {
		exit = c.run.Exit()
	}

	c.delegates.Dispatch(&exitContext{cpu: c, class: exit})

	switch exit {
	case kvm.EXITHLT:
		return false, nil
	case kvm.EXITIO:
		return true, c.handleIO()
	case kvm.EXITINTR, kvm.EXITUNKNOWN, kvm.EXITDEBUG:
		return true, nil
	case kvm.EXITSHUTDOWN:
		return false, fmt.Errorf("%w: triple fault on cpu%d", kvm.ErrUnexpectedExitReason, c.id)
	default:
		return false, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit)
	}
}

func (c *CPU) handleIO() error {
	direction, size, port, count, offset := c.run.IO()

	end := offset + size*count
	if end > uint64(len(c.runMem)) {
		return fmt.Errorf("%w: io data [%#x, %#x) outside kvm_run", kvm.ErrUnexpectedExitReason, offset, end)
	}

	data := c.runMem[offset:end]

	for i := uint64(0); i < count; i++ {
		b := data[i*size : (i+1)*size]

		var err error
		if direction == kvm.EXITIOIN {
			err = c.m.bus.In(port, b)
		} else {
			err = c.m.bus.Out(port, b)
		}

		if err != nil {
			return fmt.Errorf("cpu%d port %#x: %w", c.id, port, err)
		}
	}

	return nil
}

// SingleStep turns single-stepping on or off. While on, every guest
// instruction ends in an EXITDEBUG exit.
func (c *CPU) SingleStep(onoff bool) error {
	if err := kvm.SingleStep(c.fd, onoff); err != nil {
		return fmt.Errorf("SingleStep(%v) cpu%d: %w", onoff, c.id, err)
	}

	return nil
}

// Close implements vcpu.Base. A running vCPU is kicked out of the guest
// first; Close returns once Run has, so it must not be called from a
// delegate. Delegates are dropped before the kvm_run mapping and the fd go
// away.
func (c *CPU) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	done, running := c.done, c.running
	c.mu.Unlock()

	if running {
		c.kick()
		<-done
	}

	c.mu.Lock()
	c.delegates.Reset()
	c.tagged = false
	c.mu.Unlock()

	c.m.forget(c)

	return c.release()
}

func (c *CPU) release() error {
	var errs []error

	if c.runMem != nil {
		errs = append(errs, unix.Munmap(c.runMem))
		c.runMem, c.run = nil, nil
	}

	if c.fd != 0 {
		errs = append(errs, unix.Close(int(c.fd)))
		c.fd = 0
	}

	return errors.Join(errs...)
}
